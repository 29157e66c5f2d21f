package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	logs "github.com/danmuck/edgelink/internal/logging"
)

// Unmarshal decodes one JSON packet. Integers decode as int64, other numbers
// as float64, string arrays (including empty ones) as []string and objects
// as nested Body values. Keys whose values fall outside that set are
// dropped with a diagnostic so newer peers stay readable.
func Unmarshal(data []byte) (*Packet, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var w struct {
		ID                  json.Number    `json:"id"`
		Type                string         `json:"type"`
		Body                map[string]any `json:"body"`
		PayloadSize         *json.Number   `json:"payloadSize"`
		PayloadTransferInfo map[string]any `json:"payloadTransferInfo"`
	}
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	if strings.TrimSpace(w.Type) == "" {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, ErrEmptyType)
	}

	p := New(w.Type)
	if w.ID != "" {
		id, err := w.ID.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: id: %v", ErrMalformedPacket, err)
		}
		p.id = id
	}
	p.body = decodeObject(w.Type, w.Body)

	if w.PayloadSize != nil {
		size, err := w.PayloadSize.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: payloadSize: %v", ErrMalformedPacket, err)
		}
		if size < UnknownSize {
			size = UnknownSize
		}
		p.payload = &Payload{
			Size:         size,
			TransferInfo: decodeObject(w.Type, w.PayloadTransferInfo),
		}
	}
	return p, nil
}

func decodeObject(typ string, raw map[string]any) Body {
	out := make(Body, len(raw))
	for k, v := range raw {
		dv, ok := decodeValue(v)
		if !ok {
			logs.Debugf("protocol.Unmarshal dropped key type=%s key=%s value_type=%T", typ, k, v)
			continue
		}
		out[k] = dv
	}
	return out
}

func decodeValue(v any) (any, bool) {
	switch x := v.(type) {
	case bool, string:
		return x, true
	case json.Number:
		return decodeNumber(x)
	case []any:
		list := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			list = append(list, s)
		}
		return list, true
	case map[string]any:
		return decodeObject("", x), true
	default:
		return nil, false
	}
}

func decodeNumber(n json.Number) (any, bool) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, true
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, false
	}
	return f, true
}
