package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
)

// Layout is the encoding plan for one tuple type: the element types in order,
// the offset of each element, and the total encoded size.
type Layout struct {
	types   []reflect.Type
	offsets []int
	size    int
}

// NewLayout computes the layout of a tuple with the given element types.
// It fails with ErrNotFlat if any element cannot cross the wire.
func NewLayout(types ...reflect.Type) (*Layout, error) {
	l := &Layout{
		types:   append([]reflect.Type(nil), types...),
		offsets: make([]int, len(types)),
	}
	end, align := 0, 1
	for i, t := range types {
		ti, err := inspect(t)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		// Pad up to the element's own alignment.
		l.offsets[i] = alignUp(end, ti.align)
		end = l.offsets[i] + ti.size
		align = max(align, ti.align)
	}
	l.size = alignUp(end, align)
	return l, nil
}

// LayoutOf computes the layout of a tuple holding values, in order.
func LayoutOf(values ...any) (*Layout, error) {
	types := make([]reflect.Type, len(values))
	for i, v := range values {
		types[i] = reflect.TypeOf(v)
	}
	return NewLayout(types...)
}

// Size is the number of bytes an encoded tuple occupies. An empty tuple is 0.
func (l *Layout) Size() int { return l.size }

// Len is the number of elements.
func (l *Layout) Len() int { return len(l.types) }

// Types returns the element types.
func (l *Layout) Types() []reflect.Type {
	types := make([]reflect.Type, len(l.types))
	copy(types, l.types)
	return types
}

// Offsets returns the byte offset of each element.
func (l *Layout) Offsets() []int {
	offsets := make([]int, len(l.offsets))
	copy(offsets, l.offsets)
	return offsets
}

// Encode writes values into a new buffer of Size bytes. Padding is zero.
func (l *Layout) Encode(values []reflect.Value) ([]byte, error) {
	buf := make([]byte, l.size)
	if err := l.EncodeTo(buf, values); err != nil {
		return nil, err
	}
	return buf, nil
}

// EncodeTo writes values into buf, which must hold at least Size bytes.
func (l *Layout) EncodeTo(buf []byte, values []reflect.Value) error {
	if len(values) != len(l.types) {
		return fmt.Errorf("%w: have %d, layout has %d", ErrArity, len(values), len(l.types))
	}
	if len(buf) < l.size {
		return fmt.Errorf("%w: have %d, need %d", ErrShortBuffer, len(buf), l.size)
	}
	for i, v := range values {
		if !v.IsValid() || v.Type() != l.types[i] {
			return fmt.Errorf("%w: element %d is %s, want %s", ErrTypeMismatch, i, typeName(v), l.types[i])
		}
		put(buf[l.offsets[i]:], v)
	}
	return nil
}

// Decode reads a tuple back from buf, which must hold at least Size bytes.
func (l *Layout) Decode(buf []byte) ([]reflect.Value, error) {
	if len(buf) < l.size {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrShortBuffer, len(buf), l.size)
	}
	values := make([]reflect.Value, len(l.types))
	for i, t := range l.types {
		v := reflect.New(t).Elem()
		get(buf[l.offsets[i]:], v)
		values[i] = v
	}
	return values, nil
}

func typeName(v reflect.Value) string {
	if !v.IsValid() {
		return "nil"
	}
	return v.Type().String()
}

var le = binary.LittleEndian

// put writes v at the start of buf. v's type has already been validated.
func put(buf []byte, v reflect.Value) {
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			buf[0] = 1
		} else {
			buf[0] = 0
		}
	case reflect.Int8:
		buf[0] = byte(v.Int())
	case reflect.Uint8:
		buf[0] = byte(v.Uint())
	case reflect.Int16:
		le.PutUint16(buf, uint16(v.Int()))
	case reflect.Uint16:
		le.PutUint16(buf, uint16(v.Uint()))
	case reflect.Int32:
		le.PutUint32(buf, uint32(v.Int()))
	case reflect.Uint32:
		le.PutUint32(buf, uint32(v.Uint()))
	case reflect.Float32:
		le.PutUint32(buf, math.Float32bits(float32(v.Float())))
	case reflect.Int64, reflect.Int:
		le.PutUint64(buf, uint64(v.Int()))
	case reflect.Uint64, reflect.Uint:
		le.PutUint64(buf, v.Uint())
	case reflect.Float64:
		le.PutUint64(buf, math.Float64bits(v.Float()))
	case reflect.Complex64:
		c := v.Complex()
		le.PutUint32(buf, math.Float32bits(float32(real(c))))
		le.PutUint32(buf[4:], math.Float32bits(float32(imag(c))))
	case reflect.Complex128:
		c := v.Complex()
		le.PutUint64(buf, math.Float64bits(real(c)))
		le.PutUint64(buf[8:], math.Float64bits(imag(c)))
	case reflect.Array:
		ti, _ := inspect(v.Type().Elem())
		for i := 0; i < v.Len(); i++ {
			put(buf[i*ti.size:], v.Index(i))
		}
	case reflect.Struct:
		ti, _ := inspect(v.Type())
		for i, off := range ti.fields {
			put(buf[off:], v.Field(i))
		}
	}
}

// get fills the settable v from the start of buf.
func get(buf []byte, v reflect.Value) {
	switch v.Kind() {
	case reflect.Bool:
		v.SetBool(buf[0] != 0)
	case reflect.Int8:
		v.SetInt(int64(int8(buf[0])))
	case reflect.Uint8:
		v.SetUint(uint64(buf[0]))
	case reflect.Int16:
		v.SetInt(int64(int16(le.Uint16(buf))))
	case reflect.Uint16:
		v.SetUint(uint64(le.Uint16(buf)))
	case reflect.Int32:
		v.SetInt(int64(int32(le.Uint32(buf))))
	case reflect.Uint32:
		v.SetUint(uint64(le.Uint32(buf)))
	case reflect.Float32:
		v.SetFloat(float64(math.Float32frombits(le.Uint32(buf))))
	case reflect.Int64, reflect.Int:
		v.SetInt(int64(le.Uint64(buf)))
	case reflect.Uint64, reflect.Uint:
		v.SetUint(le.Uint64(buf))
	case reflect.Float64:
		v.SetFloat(math.Float64frombits(le.Uint64(buf)))
	case reflect.Complex64:
		re := math.Float32frombits(le.Uint32(buf))
		im := math.Float32frombits(le.Uint32(buf[4:]))
		v.SetComplex(complex(float64(re), float64(im)))
	case reflect.Complex128:
		re := math.Float64frombits(le.Uint64(buf))
		im := math.Float64frombits(le.Uint64(buf[8:]))
		v.SetComplex(complex(re, im))
	case reflect.Array:
		ti, _ := inspect(v.Type().Elem())
		for i := 0; i < v.Len(); i++ {
			get(buf[i*ti.size:], v.Index(i))
		}
	case reflect.Struct:
		ti, _ := inspect(v.Type())
		for i, off := range ti.fields {
			get(buf[off:], v.Field(i))
		}
	}
}
