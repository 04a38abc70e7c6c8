// Package codec implements the natural-layout tuple encoding used on the hrpc wire.
//
// A tuple of flat values is laid out the way a compiler lays out a structure holding
// the same fields in order: every element starts at the next offset aligned to its
// own alignment, and the total size is rounded up to the largest alignment.
//
// Scalar widths and alignments are fixed by this package rather than by the host:
//
//	bool, int8, uint8              1 byte,  align 1
//	int16, uint16                  2 bytes, align 2
//	int32, uint32, float32         4 bytes, align 4
//	int64, uint64, int, uint,
//	float64                        8 bytes, align 8
//	complex64                      8 bytes, align 4
//	complex128                    16 bytes, align 8
//
// Scalars are little-endian. Arrays and structs of flat types are flat; every other
// kind (pointers, slices, maps, strings, interfaces, channels, funcs, uintptr) is
// rejected with ErrNotFlat before any byte is produced.
package codec

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

var (
	ErrNotFlat      = errors.New("codec: type is not flat")
	ErrShortBuffer  = errors.New("codec: buffer too short")
	ErrArity        = errors.New("codec: wrong number of values")
	ErrTypeMismatch = errors.New("codec: value does not match layout")
)

// typeInfo is the size and alignment of a flat type. For structs, fields holds
// the offset of every field.
type typeInfo struct {
	size   int
	align  int
	fields []int
}

var infoCache sync.Map // reflect.Type -> *typeInfo

// SizeOf returns the encoded size of a single value of type t.
func SizeOf(t reflect.Type) (int, error) {
	ti, err := inspect(t)
	if err != nil {
		return 0, err
	}
	return ti.size, nil
}

// AlignOf returns the alignment used for values of type t.
func AlignOf(t reflect.Type) (int, error) {
	ti, err := inspect(t)
	if err != nil {
		return 0, err
	}
	return ti.align, nil
}

// CheckFlat reports whether t may cross the wire.
func CheckFlat(t reflect.Type) error {
	_, err := inspect(t)
	return err
}

func inspect(t reflect.Type) (*typeInfo, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil", ErrNotFlat)
	}
	if v, ok := infoCache.Load(t); ok {
		return v.(*typeInfo), nil
	}
	ti, err := compute(t)
	if err != nil {
		return nil, err
	}
	infoCache.Store(t, ti)
	return ti, nil
}

func compute(t reflect.Type) (*typeInfo, error) {
	switch t.Kind() {
	case reflect.Bool, reflect.Int8, reflect.Uint8:
		return &typeInfo{size: 1, align: 1}, nil
	case reflect.Int16, reflect.Uint16:
		return &typeInfo{size: 2, align: 2}, nil
	case reflect.Int32, reflect.Uint32, reflect.Float32:
		return &typeInfo{size: 4, align: 4}, nil
	case reflect.Int64, reflect.Uint64, reflect.Int, reflect.Uint, reflect.Float64:
		return &typeInfo{size: 8, align: 8}, nil
	case reflect.Complex64:
		return &typeInfo{size: 8, align: 4}, nil
	case reflect.Complex128:
		return &typeInfo{size: 16, align: 8}, nil
	case reflect.Array:
		elem, err := inspect(t.Elem())
		if err != nil {
			return nil, err
		}
		return &typeInfo{size: elem.size * t.Len(), align: elem.align}, nil
	case reflect.Struct:
		ti := &typeInfo{align: 1, fields: make([]int, t.NumField())}
		end := 0
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				return nil, fmt.Errorf("%w: %s has unexported field %s", ErrNotFlat, t, f.Name)
			}
			fi, err := inspect(f.Type)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", t, f.Name, err)
			}
			ti.fields[i] = alignUp(end, fi.align)
			end = ti.fields[i] + fi.size
			ti.align = max(ti.align, fi.align)
		}
		ti.size = alignUp(end, ti.align)
		return ti, nil
	default:
		return nil, fmt.Errorf("%w: %s is a %s", ErrNotFlat, t, t.Kind())
	}
}

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}

// Marshal encodes values as one tuple.
func Marshal(values ...any) ([]byte, error) {
	l, err := LayoutOf(values...)
	if err != nil {
		return nil, err
	}
	rv := make([]reflect.Value, len(values))
	for i, v := range values {
		rv[i] = reflect.ValueOf(v)
	}
	return l.Encode(rv)
}

// Unmarshal decodes a tuple into the values pointed to by ptrs. The tuple's
// element types are the pointed-to types, in order.
func Unmarshal(data []byte, ptrs ...any) error {
	types := make([]reflect.Type, len(ptrs))
	targets := make([]reflect.Value, len(ptrs))
	for i, p := range ptrs {
		v := reflect.ValueOf(p)
		if v.Kind() != reflect.Pointer || v.IsNil() {
			return fmt.Errorf("codec: Unmarshal target %d must be a non-nil pointer, got %T", i, p)
		}
		targets[i] = v.Elem()
		types[i] = targets[i].Type()
	}
	l, err := NewLayout(types...)
	if err != nil {
		return err
	}
	values, err := l.Decode(data)
	if err != nil {
		return err
	}
	for i, v := range values {
		targets[i].Set(v)
	}
	return nil
}
