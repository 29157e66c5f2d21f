package protocol

import "errors"

var (
	ErrPacketSealed      = errors.New("protocol: packet already handed to a link")
	ErrEmptyType         = errors.New("protocol: empty packet type")
	ErrEmptyKey          = errors.New("protocol: empty body key")
	ErrUnsupportedValue  = errors.New("protocol: unsupported body value")
	ErrMalformedPacket   = errors.New("protocol: malformed packet")
	ErrPayloadAttached   = errors.New("protocol: packet already carries a payload")
	ErrFieldTypeMismatch = errors.New("protocol: field type mismatch")
	ErrMissingField      = errors.New("protocol: missing required field")
)
