package server

import (
	"fmt"
	"reflect"

	"hrpc/codec"
	"hrpc/protocol"
)

// shape classifies a handler by whether it takes wire arguments and whether it
// returns a result. The adaptor for each shape is built once, at bind time.
type shape uint8

const (
	shapeZeroArgNoResult shape = iota
	shapeZeroArgResult
	shapeArgsNoResult
	shapeArgsResult
)

func (s shape) String() string {
	switch s {
	case shapeZeroArgNoResult:
		return "zero-arg/no-result"
	case shapeZeroArgResult:
		return "zero-arg/result"
	case shapeArgsNoResult:
		return "args/no-result"
	case shapeArgsResult:
		return "args/result"
	default:
		return fmt.Sprintf("shape(%d)", uint8(s))
	}
}

// handler is one entry of the procedure table. It is immutable after bind.
type handler struct {
	shape    shape
	inject   bool // first parameter is the owning server's Control
	reqSize  int
	respSize int
	// adaptor turns exactly reqSize request bytes into exactly respSize response bytes.
	adaptor func(req []byte) ([]byte, error)
}

var controlType = reflect.TypeOf((*Control)(nil)).Elem()

var placeholder = []byte{protocol.Placeholder}

// newHandler inspects fn's signature and builds its adaptor. fn must be a
// non-variadic function with at most one result; every wire argument and the
// result must be flat. A leading Control parameter is filled with self and
// does not travel on the wire.
func newHandler(fn any, self Control) (*handler, error) {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
		return nil, fmt.Errorf("%w: %T is not a function", ErrInvalidHandler, fn)
	}
	t := v.Type()
	if t.IsVariadic() {
		return nil, fmt.Errorf("%w: %s is variadic", ErrInvalidHandler, t)
	}
	if t.NumOut() > 1 {
		return nil, fmt.Errorf("%w: %s returns %d values", ErrInvalidHandler, t, t.NumOut())
	}

	h := &handler{}
	first := 0
	if t.NumIn() > 0 && t.In(0) == controlType {
		h.inject = true
		first = 1
	}

	argTypes := make([]reflect.Type, 0, t.NumIn()-first)
	for i := first; i < t.NumIn(); i++ {
		argTypes = append(argTypes, t.In(i))
	}
	args, err := codec.NewLayout(argTypes...)
	if err != nil {
		return nil, fmt.Errorf("arguments of %s: %w", t, err)
	}
	var result *codec.Layout
	if t.NumOut() == 1 {
		if result, err = codec.NewLayout(t.Out(0)); err != nil {
			return nil, fmt.Errorf("result of %s: %w", t, err)
		}
	}

	var prefix []reflect.Value
	if h.inject {
		prefix = []reflect.Value{reflect.ValueOf(self)}
	}
	call := func(in []reflect.Value) []reflect.Value {
		return v.Call(append(append(make([]reflect.Value, 0, len(prefix)+len(in)), prefix...), in...))
	}

	h.reqSize = args.Size()
	h.respSize = len(placeholder)
	switch {
	case args.Len() == 0 && result == nil:
		h.shape = shapeZeroArgNoResult
		h.adaptor = func([]byte) ([]byte, error) {
			call(nil)
			return placeholder, nil
		}
	case args.Len() == 0:
		h.shape = shapeZeroArgResult
		h.respSize = result.Size()
		h.adaptor = func([]byte) ([]byte, error) {
			return result.Encode(call(nil))
		}
	case result == nil:
		h.shape = shapeArgsNoResult
		h.adaptor = func(req []byte) ([]byte, error) {
			in, err := args.Decode(req)
			if err != nil {
				return nil, err
			}
			call(in)
			return placeholder, nil
		}
	default:
		h.shape = shapeArgsResult
		h.respSize = result.Size()
		h.adaptor = func(req []byte) ([]byte, error) {
			in, err := args.Decode(req)
			if err != nil {
				return nil, err
			}
			return result.Encode(call(in))
		}
	}
	return h, nil
}
