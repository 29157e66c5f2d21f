package protocol

import (
	"fmt"
	"math"
	"strings"
)

// Body is a packet's key/value document. Values are always one of bool,
// int64, float64, string, []string or a nested Body.
type Body map[string]any

// Normalize converts v into its canonical body value.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case bool, int64, string:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, fmt.Errorf("%w: uint %d overflows int64", ErrUnsupportedValue, x)
		}
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("%w: uint64 %d overflows int64", ErrUnsupportedValue, x)
		}
		return int64(x), nil
	case float32:
		return Normalize(float64(x))
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("%w: non-finite float", ErrUnsupportedValue)
		}
		return x, nil
	case []string:
		out := make([]string, len(x))
		copy(out, x)
		return out, nil
	case Body:
		return x.normalized()
	case map[string]any:
		return Body(x).normalized()
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}

func (b Body) normalized() (Body, error) {
	out := make(Body, len(b))
	for k, v := range b {
		if strings.TrimSpace(k) == "" {
			return nil, ErrEmptyKey
		}
		nv, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// Clone deep-copies the body.
func (b Body) Clone() Body {
	if b == nil {
		return Body{}
	}
	out := make(Body, len(b))
	for k, v := range b {
		switch x := v.(type) {
		case []string:
			cp := make([]string, len(x))
			copy(cp, x)
			out[k] = cp
		case Body:
			out[k] = x.Clone()
		default:
			out[k] = x
		}
	}
	return out
}

func (b Body) Has(key string) bool {
	_, ok := b[key]
	return ok
}

func (b Body) Bool(key string, def bool) bool {
	if v, ok := b[key].(bool); ok {
		return v
	}
	return def
}

// Int accepts integral floats since some peers encode counters as doubles.
func (b Body) Int(key string, def int64) int64 {
	switch v := b[key].(type) {
	case int64:
		return v
	case float64:
		if v == math.Trunc(v) && v >= math.MinInt64 && v <= math.MaxInt64 {
			return int64(v)
		}
	}
	return def
}

func (b Body) Float(key string, def float64) float64 {
	switch v := b[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return def
}

func (b Body) String(key string, def string) string {
	if v, ok := b[key].(string); ok {
		return v
	}
	return def
}

// StringList returns a copy of the list, or nil when absent.
func (b Body) StringList(key string) []string {
	v, ok := b[key].([]string)
	if !ok {
		return nil
	}
	out := make([]string, len(v))
	copy(out, v)
	return out
}

func (b Body) Map(key string) Body {
	if v, ok := b[key].(Body); ok {
		return v.Clone()
	}
	return nil
}
