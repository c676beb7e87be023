package schema

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrUnderflow is returned when a payload is shorter than the command
// definition requires.
var ErrUnderflow = errors.New("schema: payload underflow")

// Values is a decoded payload keyed by field name.
type Values map[string]interface{}

// reader walks a payload buffer field by field.
type reader struct {
	data []byte
	pos  int
}

func (r *reader) remaining() int { return len(r.data) - r.pos }

func (r *reader) read(n int) ([]byte, error) {
	if r.pos+n > len(r.data) {
		return nil, ErrUnderflow
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.read(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.read(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.read(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) i16() (int16, error) {
	v, err := r.u16()
	return int16(v), err
}

func (r *reader) i32() (int32, error) {
	v, err := r.u32()
	return int32(v), err
}

func (r *reader) strU16Len() (string, error) {
	n, err := r.u16()
	if err != nil {
		return "", err
	}
	b, err := r.read(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) takeAll() []byte {
	b := r.data[r.pos:]
	r.pos = len(r.data)
	return b
}

// DecodePayload decodes raw payload bytes according to cmd's field list.
// It fails with ErrUnderflow if payload is shorter than required, and
// with ErrUnsupportedFieldType if the definition names a type outside
// the closed set (a configuration error, not a runtime one).
func DecodePayload(cmd *Command, payload []byte) (Values, error) {
	r := &reader{data: payload}
	out := make(Values, len(cmd.Payload)+2)
	out["_name"] = cmd.Name
	out["_cmd"] = cmd.Code

	for _, f := range cmd.Payload {
		var (
			v   interface{}
			err error
		)
		switch f.Type {
		case TypeU8:
			v, err = r.u8()
		case TypeU16:
			v, err = r.u16()
		case TypeU32:
			v, err = r.u32()
		case TypeI16:
			v, err = r.i16()
		case TypeI32:
			v, err = r.i32()
		case TypeStrU16Len:
			v, err = r.strU16Len()
		case TypeBytesFixed:
			v, err = r.read(f.Len)
		case TypeBytesRest:
			v = r.takeAll()
		default:
			return nil, &ErrUnsupportedFieldType{Type: f.Type}
		}
		if err != nil {
			return nil, fmt.Errorf("schema: field %q: %w", f.Name, err)
		}
		out[f.Name] = v
	}
	out["_remain"] = r.remaining()
	return out, nil
}

// writer accumulates encoded payload bytes.
type writer struct {
	buf []byte
}

func (w *writer) put(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) u8(v uint8) { w.buf = append(w.buf, v) }

func (w *writer) u16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.put(b[:])
}

func (w *writer) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.put(b[:])
}

func (w *writer) i16(v int16) { w.u16(uint16(v)) }
func (w *writer) i32(v int32) { w.u32(uint32(v)) }

func (w *writer) strU16Len(s string) {
	b := []byte(s)
	w.u16(uint16(len(b)))
	w.put(b)
}

// ErrFixedLenMismatch is returned by EncodePayload when a bytes_fixed(n)
// field's value is not exactly n bytes long.
type ErrFixedLenMismatch struct {
	Field string
	Want  int
	Got   int
}

func (e *ErrFixedLenMismatch) Error() string {
	return fmt.Sprintf("schema: field %q: bytes_fixed(%d) got %d bytes", e.Field, e.Want, e.Got)
}

func (w *writer) bytesFixed(field string, b []byte, n int) error {
	if len(b) != n {
		return &ErrFixedLenMismatch{Field: field, Want: n, Got: len(b)}
	}
	w.put(b)
	return nil
}

// EncodePayload writes values into a payload buffer in field order.
// Integer fields default to zero and byte/string fields default to
// empty when absent from values, matching the original codec's
// permissive `val or 0` style.
func EncodePayload(cmd *Command, values Values) ([]byte, error) {
	w := &writer{}
	for _, f := range cmd.Payload {
		switch f.Type {
		case TypeU8:
			w.u8(asUint8(values[f.Name]))
		case TypeU16:
			w.u16(asUint16(values[f.Name]))
		case TypeU32:
			w.u32(asUint32(values[f.Name]))
		case TypeI16:
			w.i16(asInt16(values[f.Name]))
		case TypeI32:
			w.i32(asInt32(values[f.Name]))
		case TypeStrU16Len:
			w.strU16Len(asString(values[f.Name]))
		case TypeBytesFixed:
			if err := w.bytesFixed(f.Name, asBytes(values[f.Name]), f.Len); err != nil {
				return nil, err
			}
		case TypeBytesRest:
			w.put(asBytes(values[f.Name]))
		default:
			return nil, &ErrUnsupportedFieldType{Type: f.Type}
		}
	}
	return w.buf, nil
}

func asUint8(v interface{}) uint8 {
	switch t := v.(type) {
	case uint8:
		return t
	case int:
		return uint8(t)
	case nil:
		return 0
	default:
		return 0
	}
}

func asUint16(v interface{}) uint16 {
	switch t := v.(type) {
	case uint16:
		return t
	case int:
		return uint16(t)
	case nil:
		return 0
	default:
		return 0
	}
}

func asUint32(v interface{}) uint32 {
	switch t := v.(type) {
	case uint32:
		return t
	case int:
		return uint32(t)
	case nil:
		return 0
	default:
		return 0
	}
}

func asInt16(v interface{}) int16 {
	switch t := v.(type) {
	case int16:
		return t
	case int:
		return int16(t)
	case nil:
		return 0
	default:
		return 0
	}
}

func asInt32(v interface{}) int32 {
	switch t := v.(type) {
	case int32:
		return t
	case int:
		return int32(t)
	case nil:
		return 0
	default:
		return 0
	}
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func asBytes(v interface{}) []byte {
	if b, ok := v.([]byte); ok {
		return b
	}
	return nil
}
