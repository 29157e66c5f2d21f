package schema

import (
	"fmt"

	logs "github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/protocol/frame"
	"github.com/danmuck/edgelink/internal/protocol/tlv"
)

// Field IDs carried by payload frames.
const (
	FieldTransferID uint16 = 1
	FieldOffset     uint16 = 2
	FieldData       uint16 = 3
	FieldTotal      uint16 = 4
	FieldReason     uint16 = 5
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	frame.MsgPayloadChunk: {
		{FieldTransferID, tlv.TypeU64},
		{FieldOffset, tlv.TypeU64},
		{FieldData, tlv.TypeBytes},
	},
	frame.MsgPayloadEnd: {
		{FieldTransferID, tlv.TypeU64},
		{FieldTotal, tlv.TypeU64},
	},
	frame.MsgPayloadAbort: {
		{FieldTransferID, tlv.TypeU64},
		{FieldReason, tlv.TypeString},
	},
}

// Validate enforces required fields and required field types for a payload
// frame. Unknown fields are ignored.
func Validate(messageType uint32, fields tlv.Fields) error {
	reqs, ok := requirements[messageType]
	if !ok {
		logs.Errf("schema.Validate unknown message_type=%d", messageType)
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := fields.Get(req.ID)
		if !found {
			logs.Errf("schema.Validate missing field message_type=%d field_id=%d", messageType, req.ID)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			logs.Errf("schema.Validate type mismatch message_type=%d field_id=%d got=%d want=%d", messageType, req.ID, f.Type, req.Type)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}

// Chunk carries Data starting at Offset of one payload stream.
type Chunk struct {
	TransferID uint64
	Offset     uint64
	Data       []byte
}

func EncodeChunk(c Chunk) []byte {
	return tlv.Fields{
		tlv.U64(FieldTransferID, c.TransferID),
		tlv.U64(FieldOffset, c.Offset),
		tlv.Bytes(FieldData, c.Data),
	}.Encode()
}

func DecodeChunk(payload []byte) (c Chunk, err error) {
	fs, err := decode(frame.MsgPayloadChunk, payload)
	if err != nil {
		return Chunk{}, err
	}
	if c.TransferID, err = fs.U64(FieldTransferID); err != nil {
		return Chunk{}, err
	}
	if c.Offset, err = fs.U64(FieldOffset); err != nil {
		return Chunk{}, err
	}
	if c.Data, err = fs.Bytes(FieldData); err != nil {
		return Chunk{}, err
	}
	return c, nil
}

// End closes a payload after Total bytes.
type End struct {
	TransferID uint64
	Total      uint64
}

func EncodeEnd(e End) []byte {
	return tlv.Fields{
		tlv.U64(FieldTransferID, e.TransferID),
		tlv.U64(FieldTotal, e.Total),
	}.Encode()
}

func DecodeEnd(payload []byte) (e End, err error) {
	fs, err := decode(frame.MsgPayloadEnd, payload)
	if err != nil {
		return End{}, err
	}
	if e.TransferID, err = fs.U64(FieldTransferID); err != nil {
		return End{}, err
	}
	if e.Total, err = fs.U64(FieldTotal); err != nil {
		return End{}, err
	}
	return e, nil
}

// Abort tells the receiver the sender gave up on a payload.
type Abort struct {
	TransferID uint64
	Reason     string
}

func EncodeAbort(a Abort) []byte {
	return tlv.Fields{
		tlv.U64(FieldTransferID, a.TransferID),
		tlv.String(FieldReason, a.Reason),
	}.Encode()
}

func DecodeAbort(payload []byte) (a Abort, err error) {
	fs, err := decode(frame.MsgPayloadAbort, payload)
	if err != nil {
		return Abort{}, err
	}
	if a.TransferID, err = fs.U64(FieldTransferID); err != nil {
		return Abort{}, err
	}
	if a.Reason, err = fs.String(FieldReason); err != nil {
		return Abort{}, err
	}
	return a, nil
}

func decode(messageType uint32, payload []byte) (tlv.Fields, error) {
	fs, err := tlv.Decode(payload)
	if err != nil {
		return nil, err
	}
	if err := Validate(messageType, fs); err != nil {
		return nil, err
	}
	return fs, nil
}
