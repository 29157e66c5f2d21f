// Package tlv encodes the typed fields carried inside payload frames.
//
// Each field is id(u16) type(u8) len(u32) followed by len value bytes, all
// big endian. Readers skip ids they do not know.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrMissingField     = errors.New("tlv: missing field")
	ErrTypeMismatch     = errors.New("tlv: field type mismatch")
)

// Field value types. The numbering is part of the wire format.
const (
	TypeU8     uint8 = 1
	TypeU16    uint8 = 2
	TypeU32    uint8 = 3
	TypeU64    uint8 = 4
	TypeBool   uint8 = 5
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
)

type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func U64(id uint16, v uint64) Field {
	return Field{ID: id, Type: TypeU64, Value: binary.BigEndian.AppendUint64(nil, v)}
}

func String(id uint16, v string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(v)}
}

func Bytes(id uint16, v []byte) Field {
	return Field{ID: id, Type: TypeBytes, Value: v}
}

// Fields is an ordered field list. Lookups return the first match.
type Fields []Field

// Encode lays the fields out back to back in a single buffer.
func (fs Fields) Encode() []byte {
	size := 0
	for _, f := range fs {
		size += HeaderLen + len(f.Value)
	}
	out := make([]byte, 0, size)
	for _, f := range fs {
		out = binary.BigEndian.AppendUint16(out, f.ID)
		out = append(out, f.Type)
		out = binary.BigEndian.AppendUint32(out, uint32(len(f.Value)))
		out = append(out, f.Value...)
	}
	return out
}

// Decode splits payload into fields. Values are copied out of payload.
func Decode(payload []byte) (Fields, error) {
	var fs Fields
	for rest := payload; len(rest) > 0; {
		if len(rest) < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		n := binary.BigEndian.Uint32(rest[3:HeaderLen])
		if uint64(len(rest)-HeaderLen) < uint64(n) {
			return nil, ErrShortFieldValue
		}
		end := HeaderLen + int(n)
		fs = append(fs, Field{
			ID:    binary.BigEndian.Uint16(rest[0:2]),
			Type:  rest[2],
			Value: append([]byte(nil), rest[HeaderLen:end]...),
		})
		rest = rest[end:]
	}
	return fs, nil
}

func (fs Fields) Get(id uint16) (Field, bool) {
	for _, f := range fs {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func (fs Fields) typed(id uint16, want uint8) (Field, error) {
	f, ok := fs.Get(id)
	if !ok {
		return Field{}, fmt.Errorf("%w: %d", ErrMissingField, id)
	}
	if f.Type != want {
		return Field{}, fmt.Errorf("%w: field %d got %d want %d", ErrTypeMismatch, id, f.Type, want)
	}
	return f, nil
}

func (fs Fields) U64(id uint16) (uint64, error) {
	f, err := fs.typed(id, TypeU64)
	if err != nil {
		return 0, err
	}
	if len(f.Value) != 8 {
		return 0, fmt.Errorf("tlv: field %d: u64 needs 8 bytes, got %d", id, len(f.Value))
	}
	return binary.BigEndian.Uint64(f.Value), nil
}

func (fs Fields) String(id uint16) (string, error) {
	f, err := fs.typed(id, TypeString)
	if err != nil {
		return "", err
	}
	return string(f.Value), nil
}

func (fs Fields) Bytes(id uint16) ([]byte, error) {
	f, err := fs.typed(id, TypeBytes)
	if err != nil {
		return nil, err
	}
	return f.Value, nil
}
