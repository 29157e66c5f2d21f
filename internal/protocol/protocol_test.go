package protocol

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/danmuck/edgelink/internal/testutil/testlog"
)

func TestRoundTripAllValueKinds(t *testing.T) {
	testlog.Start(t)

	p, err := NewWithBody(TypeShareRequest, Body{
		"flag":    true,
		"count":   42,
		"ratio":   0.5,
		"whole":   2.0,
		"name":    "photo.jpg",
		"tags":    []string{"a", "b"},
		"empty":   []string{},
		"nested":  map[string]any{"inner": Body{"deep": int64(-7)}, "list": []string{}},
		"negZero": int64(0),
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := p.SetPayload(&Payload{Size: 1234, TransferInfo: Body{"transferId": 9}}); err != nil {
		t.Fatalf("set payload: %v", err)
	}

	raw, err := Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !p.Equal(decoded) {
		t.Fatalf("round-trip mismatch:\n in=%v\nout=%v", p.Body(), decoded.Body())
	}
	if decoded.ID() != p.ID() {
		t.Fatalf("expected id %d, got %d", p.ID(), decoded.ID())
	}
	if got := decoded.Payload().Size; got != 1234 {
		t.Fatalf("expected payload size 1234, got %d", got)
	}
	if _, ok := decoded.Body()["whole"].(float64); !ok {
		t.Fatalf("expected integral float to stay float64, got %T", decoded.Body()["whole"])
	}
	if list := decoded.StringList("empty"); list == nil || len(list) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", list)
	}
}

func TestRoundTripUnknownPayloadSize(t *testing.T) {
	testlog.Start(t)

	p := New(TypeShareRequest)
	if err := p.SetPayload(&Payload{Size: UnknownSize}); err != nil {
		t.Fatalf("set payload: %v", err)
	}
	raw, err := Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Payload().Known() {
		t.Fatalf("expected unknown size to survive")
	}
	if !p.Equal(decoded) {
		t.Fatalf("expected equal packets")
	}
}

func TestSealedPacketRejectsMutation(t *testing.T) {
	testlog.Start(t)

	p := New(TypePing)
	if err := p.Set("message", "hi"); err != nil {
		t.Fatalf("set before seal: %v", err)
	}
	p.Seal()
	if err := p.Set("message", "bye"); !errors.Is(err, ErrPacketSealed) {
		t.Fatalf("expected ErrPacketSealed, got %v", err)
	}
	if err := p.SetPayload(&Payload{Size: 1}); !errors.Is(err, ErrPacketSealed) {
		t.Fatalf("expected ErrPacketSealed on payload, got %v", err)
	}
	if got := p.String("message", ""); got != "hi" {
		t.Fatalf("expected original body, got %q", got)
	}
}

func TestBodyCopiesAreIsolated(t *testing.T) {
	testlog.Start(t)

	p := New(TypePing)
	p.MustSet("list", []string{"x"})
	b := p.Body()
	b["list"].([]string)[0] = "mutated"
	b["other"] = true
	if p.StringList("list")[0] != "x" || p.Has("other") {
		t.Fatalf("expected packet body to be unaffected by copies")
	}
}

func TestSetRejectsUnsupportedValues(t *testing.T) {
	testlog.Start(t)

	p := New(TypePing)
	if err := p.Set("bad", []int{1}); !errors.Is(err, ErrUnsupportedValue) {
		t.Fatalf("expected ErrUnsupportedValue, got %v", err)
	}
	if err := p.Set("", 1); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
}

func TestUnmarshalDropsUnknownShapes(t *testing.T) {
	testlog.Start(t)

	raw := []byte(`{"id":1,"type":"kdeconnect.future","body":{"nums":[1,2],"ok":"yes","nil":null}}`)
	p, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Has("nums") || p.Has("nil") {
		t.Fatalf("expected unsupported keys to be dropped, got %v", p.Body())
	}
	if p.String("ok", "") != "yes" {
		t.Fatalf("expected supported key to survive")
	}
}

func TestUnmarshalMalformed(t *testing.T) {
	testlog.Start(t)

	cases := []string{
		`{"id":1,"body":{}}`,
		`not json`,
		`{"id":"x","type":"kdeconnect.ping","body":{}}`,
	}
	for _, c := range cases {
		if _, err := Unmarshal([]byte(c)); !errors.Is(err, ErrMalformedPacket) {
			t.Fatalf("expected ErrMalformedPacket for %q, got %v", c, err)
		}
	}
}

func TestValidatePairPacket(t *testing.T) {
	testlog.Start(t)

	p := New(TypePair)
	if err := Validate(p); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
	p = New(TypePair).MustSet("pair", "yes")
	if err := Validate(p); !errors.Is(err, ErrFieldTypeMismatch) {
		t.Fatalf("expected ErrFieldTypeMismatch, got %v", err)
	}
	p = New(TypePair).MustSet("pair", true)
	if err := Validate(p); err != nil {
		t.Fatalf("expected valid pair packet, got %v", err)
	}
	if err := Validate(New("kdeconnect.unknown")); err != nil {
		t.Fatalf("expected unknown types to pass, got %v", err)
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	testlog.Start(t)

	in := Identity{
		DeviceID:             "abc",
		DeviceName:           "laptop",
		DeviceType:           "desktop",
		ProtocolVersion:      ProtocolVersion,
		IncomingCapabilities: []string{TypePing},
	}
	raw, err := Marshal(in.Packet())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	p, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	out, err := ParseIdentity(p)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.DeviceID != "abc" || out.DeviceName != "laptop" || out.ProtocolVersion != ProtocolVersion {
		t.Fatalf("unexpected identity: %+v", out)
	}
	if len(out.IncomingCapabilities) != 1 || len(out.OutgoingCapabilities) != 0 {
		t.Fatalf("unexpected capabilities: %+v", out)
	}
}

type countingReader struct {
	r     io.Reader
	reads int
}

func (c *countingReader) Read(p []byte) (int, error) {
	c.reads++
	return c.r.Read(p)
}

func TestCopyPayloadChunks(t *testing.T) {
	testlog.Start(t)

	src := &countingReader{r: strings.NewReader(strings.Repeat("x", 10))}
	var dst bytes.Buffer
	var chunks []int64
	n, err := CopyPayload(context.Background(), &dst, src, 4, func(c int64) { chunks = append(chunks, c) })
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if n != 10 || dst.Len() != 10 {
		t.Fatalf("expected 10 bytes, got n=%d len=%d", n, dst.Len())
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %v", chunks)
	}
}

func TestCopyPayloadStopsBetweenChunks(t *testing.T) {
	testlog.Start(t)

	ctx, cancel := context.WithCancel(context.Background())
	var dst bytes.Buffer
	n, err := CopyPayload(ctx, &dst, strings.NewReader(strings.Repeat("y", 100)), 10, func(int64) { cancel() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n != 10 {
		t.Fatalf("expected exactly one chunk before stop, got %d", n)
	}
}
