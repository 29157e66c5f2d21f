package tlv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/edgelink/internal/testutil/testlog"
)

func TestDecodeKeepsUnknownFields(t *testing.T) {
	testlog.Start(t)
	raw := Fields{U64(1, 99), {ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}}.Encode()
	fs, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(fs) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(fs))
	}
	unknown, ok := fs.Get(9999)
	if !ok || unknown.Type != TypeBytes || !bytes.Equal(unknown.Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("expected unknown field kept, got %+v", unknown)
	}
	raw[len(raw)-1] = 0
	if unknown.Value[1] != 0xBB {
		t.Fatalf("expected decoded value detached from input buffer")
	}
}

func TestTypedAccessors(t *testing.T) {
	testlog.Start(t)
	fs, err := Decode(Fields{U64(1, 1<<40), String(2, "reason"), Bytes(3, []byte("x"))}.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v, err := fs.U64(1); err != nil || v != 1<<40 {
		t.Fatalf("expected 1<<40, got %d (%v)", v, err)
	}
	if s, err := fs.String(2); err != nil || s != "reason" {
		t.Fatalf("expected reason, got %q (%v)", s, err)
	}
	if b, err := fs.Bytes(3); err != nil || string(b) != "x" {
		t.Fatalf("expected x, got %q (%v)", b, err)
	}
	if _, err := fs.U64(2); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	if _, err := fs.String(7); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name    string
		payload []byte
		want    error
	}{
		{name: "short header", payload: []byte{1, 2, 3}, want: ErrShortFieldHeader},
		// id=1 type=string len=5 with only two value bytes
		{name: "short value", payload: []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}, want: ErrShortFieldValue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.payload); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestEmptyPayload(t *testing.T) {
	testlog.Start(t)
	fs, err := Decode(nil)
	if err != nil || len(fs) != 0 {
		t.Fatalf("expected no fields, got %v (%v)", fs, err)
	}
	if got := Fields(nil).Encode(); len(got) != 0 {
		t.Fatalf("expected empty encoding, got %v", got)
	}
}
