// Package wire is a small field-oriented layer over protowire used by every
// hand-declared message in the module. Zero values are omitted so equal values
// always encode to equal bytes.
package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

type Encoder struct {
	buf []byte
}

func NewEncoder(sizeHint int) *Encoder {
	return &Encoder{buf: make([]byte, 0, sizeHint)}
}

func (e *Encoder) Uint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
}

func (e *Encoder) Int(num protowire.Number, v int64) {
	if v == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, protowire.EncodeZigZag(v))
}

func (e *Encoder) Bool(num protowire.Number, v bool) {
	if v {
		e.Uint(num, 1)
	}
}

func (e *Encoder) Float(num protowire.Number, v float64) {
	if v == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.Fixed64Type)
	e.buf = protowire.AppendFixed64(e.buf, math.Float64bits(v))
}

func (e *Encoder) Bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, v)
}

func (e *Encoder) String(num protowire.Number, v string) {
	if v == "" {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, v)
}

// Message writes a nested message. Empty nested messages are still written so
// repeated fields keep their element count.
func (e *Encoder) Message(num protowire.Number, fn func(*Encoder)) {
	inner := &Encoder{}
	fn(inner)
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, inner.buf)
}

func (e *Encoder) Encoded() []byte {
	return e.buf
}

type Field struct {
	Num   protowire.Number
	Type  protowire.Type
	value uint64
	raw   []byte
}

func (f Field) Uint() uint64 { return f.value }

func (f Field) Int() int64 { return protowire.DecodeZigZag(f.value) }

func (f Field) Bool() bool { return f.value != 0 }

func (f Field) Float() float64 { return math.Float64frombits(f.value) }

// Bytes returns a copy so decoded messages never alias the input buffer.
func (f Field) Bytes() []byte {
	if len(f.raw) == 0 {
		return nil
	}
	out := make([]byte, len(f.raw))
	copy(out, f.raw)
	return out
}

func (f Field) String() string { return string(f.raw) }

// Decode walks every field of b in order. Unknown wire types are rejected;
// unknown field numbers are passed to fn, which may ignore them.
func Decode(b []byte, fn func(Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("wire: tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("wire: field %d: %w", num, protowire.ParseError(m))
			}
			f.value = v
			b = b[m:]
		case protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(b)
			if m < 0 {
				return fmt.Errorf("wire: field %d: %w", num, protowire.ParseError(m))
			}
			f.value = v
			b = b[m:]
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("wire: field %d: %w", num, protowire.ParseError(m))
			}
			f.raw = v
			b = b[m:]
		default:
			return fmt.Errorf("wire: field %d: unsupported wire type %d", num, typ)
		}

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}
