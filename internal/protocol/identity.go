package protocol

import "strings"

// Identity is the self-description each side sends when a link opens.
// The capability lists drive module negotiation.
type Identity struct {
	DeviceID             string
	DeviceName           string
	DeviceType           string
	ProtocolVersion      int64
	IncomingCapabilities []string
	OutgoingCapabilities []string
}

func (id Identity) Packet() *Packet {
	p := New(TypeIdentity)
	p.MustSet("deviceId", id.DeviceID)
	p.MustSet("deviceName", id.DeviceName)
	p.MustSet("deviceType", id.DeviceType)
	p.MustSet("protocolVersion", id.ProtocolVersion)
	p.MustSet("incomingCapabilities", nonNil(id.IncomingCapabilities))
	p.MustSet("outgoingCapabilities", nonNil(id.OutgoingCapabilities))
	return p
}

// ParseIdentity validates an identity packet and extracts its fields.
func ParseIdentity(p *Packet) (Identity, error) {
	if p == nil || p.Type() != TypeIdentity {
		return Identity{}, ValidationError{Type: TypeIdentity, Reason: "type mismatch"}
	}
	if err := Validate(p); err != nil {
		return Identity{}, err
	}
	id := Identity{
		DeviceID:             strings.TrimSpace(p.String("deviceId", "")),
		DeviceName:           p.String("deviceName", ""),
		DeviceType:           p.String("deviceType", "desktop"),
		ProtocolVersion:      p.Int("protocolVersion", 0),
		IncomingCapabilities: p.StringList("incomingCapabilities"),
		OutgoingCapabilities: p.StringList("outgoingCapabilities"),
	}
	if id.DeviceID == "" {
		return Identity{}, ValidationError{Type: TypeIdentity, Key: "deviceId", Reason: "missing required field"}
	}
	return id, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
