package protocol

import (
	"fmt"

	logs "github.com/danmuck/edgelink/internal/logging"
)

// Requirement declares a body key a packet type must carry.
type Requirement struct {
	Key  string
	Kind Kind
}

// ValidationError reports a packet that does not meet its type's contract.
type ValidationError struct {
	Type   string
	Key    string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("protocol: type=%s: %s", e.Type, e.Reason)
	}
	return fmt.Sprintf("protocol: type=%s key=%s: %s", e.Type, e.Key, e.Reason)
}

func (e ValidationError) Unwrap() error {
	if e.Reason == "missing required field" {
		return ErrMissingField
	}
	return ErrFieldTypeMismatch
}

var requirements = map[string][]Requirement{
	TypeIdentity: {
		{"deviceId", KindString},
		{"deviceName", KindString},
		{"protocolVersion", KindInt},
	},
	TypePair: {
		{"pair", KindBool},
	},
	TypeBattery: {
		{"currentCharge", KindInt},
		{"isCharging", KindBool},
	},
	TypeClipboard: {
		{"content", KindString},
	},
	TypeClipboardConnect: {
		{"content", KindString},
		{"timestamp", KindInt},
	},
}

// Validate enforces required keys for known packet types. Unknown types and
// extra keys pass so newer peers are not rejected.
func Validate(p *Packet) error {
	if p == nil {
		return ErrMalformedPacket
	}
	reqs, ok := requirements[p.Type()]
	if !ok {
		return nil
	}
	for _, req := range reqs {
		v, found := p.Get(req.Key)
		if !found {
			logs.Debugf("protocol.Validate missing key type=%s key=%s", p.Type(), req.Key)
			return ValidationError{Type: p.Type(), Key: req.Key, Reason: "missing required field"}
		}
		if KindOf(v) != req.Kind {
			logs.Debugf(
				"protocol.Validate kind mismatch type=%s key=%s got=%s want=%s",
				p.Type(),
				req.Key,
				KindOf(v),
				req.Kind,
			)
			return ValidationError{Type: p.Type(), Key: req.Key, Reason: "type mismatch"}
		}
	}
	return nil
}
