package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type wirePacket struct {
	ID                  int64          `json:"id"`
	Type                string         `json:"type"`
	Body                map[string]any `json:"body"`
	PayloadSize         *int64         `json:"payloadSize,omitempty"`
	PayloadTransferInfo map[string]any `json:"payloadTransferInfo,omitempty"`
}

// wireFloat keeps a trailing ".0" on integral floats so they decode back as
// float64 rather than int64.
type wireFloat float64

func (f wireFloat) MarshalJSON() ([]byte, error) {
	s := strconv.FormatFloat(float64(f), 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return []byte(s), nil
}

// Marshal encodes the packet as one JSON document without a trailing
// newline.
func Marshal(p *Packet) ([]byte, error) {
	if p == nil || p.Type() == "" {
		return nil, ErrEmptyType
	}
	w := wirePacket{
		ID:   p.ID(),
		Type: p.Type(),
		Body: encodeBody(p.Body()),
	}
	if pl := p.Payload(); pl != nil {
		size := pl.Size
		w.PayloadSize = &size
		w.PayloadTransferInfo = encodeBody(pl.TransferInfo)
	}
	out, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return out, nil
}

func encodeBody(b Body) map[string]any {
	out := make(map[string]any, len(b))
	for k, v := range b {
		out[k] = encodeValue(v)
	}
	return out
}

func encodeValue(v any) any {
	switch x := v.(type) {
	case float64:
		return wireFloat(x)
	case []string:
		if x == nil {
			return []string{}
		}
		return x
	case Body:
		return encodeBody(x)
	default:
		return x
	}
}
