package server

import (
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"sync"
	"unicode"
	"unicode/utf8"

	"mini-bridge/message"
)

// Exception is the remote-side object created for every error raised by a
// registered function or method. Clients reach it through the reference in
// the error answer, e.g. to call getMessage.
type Exception struct {
	Err error
}

func (e *Exception) GetMessage() string { return e.Err.Error() }

func (e *Exception) Error() string { return e.Err.Error() }

// class is one registered class: its constructors and static methods,
// overloaded by argument count.
type class struct {
	name    string
	ctors   []reflect.Value
	statics map[string][]reflect.Value
}

var (
	errorType  = reflect.TypeOf((*error)(nil)).Elem()
	valueType  = reflect.TypeOf(message.Value{})
	bigIntType = reflect.TypeOf((*big.Int)(nil))
)

// checkFunc accepts functions returning nothing, (T), (error) or (T, error).
func checkFunc(fn any) (reflect.Value, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return reflect.Value{}, fmt.Errorf("bridge: %T is not a function", fn)
	}
	t := v.Type()
	if t.IsVariadic() {
		return reflect.Value{}, fmt.Errorf("bridge: variadic function %s is not supported", t)
	}
	if t.NumOut() > 2 || (t.NumOut() == 2 && t.Out(1) != errorType) {
		return reflect.Value{}, fmt.Errorf("bridge: %s must return (T), (error) or (T, error)", t)
	}
	return v, nil
}

func overload(fns []reflect.Value, argc int) (reflect.Value, bool) {
	for _, fn := range fns {
		if fn.Type().NumIn() == argc {
			return fn, true
		}
	}
	return reflect.Value{}, false
}

// exportedName maps a remote member name to its Go spelling: nextInt → NextInt.
func exportedName(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError {
		return name
	}
	return string(unicode.ToUpper(r)) + name[size:]
}

// objectTable holds every object handed out by reference.
type objectTable struct {
	mu      sync.Mutex
	objects map[string]any
	next    uint64
}

func newObjectTable() *objectTable {
	return &objectTable{objects: make(map[string]any)}
}

func (t *objectTable) put(obj any) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	id := "o" + strconv.FormatUint(t.next, 10)
	t.objects[id] = obj
	return id
}

func (t *objectTable) set(id string, obj any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.objects[id] = obj
}

func (t *objectTable) get(id string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.objects[id]
	return obj, ok
}

func (t *objectTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.objects)
}

// invoke converts args to fn's parameter types, calls it, and converts the
// result. An error or panic raised by fn becomes an Exception object.
func (svr *Server) invoke(fn reflect.Value, args []message.Value) (message.Value, error) {
	t := fn.Type()
	if t.NumIn() != len(args) {
		return message.Value{}, gatewayErrorf("expected %d arguments, got %d", t.NumIn(), len(args))
	}
	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		v, err := svr.convert(arg, t.In(i))
		if err != nil {
			return message.Value{}, gatewayErrorf("argument %d: %v", i, err)
		}
		in[i] = v
	}

	out, err := call(fn, in)
	if err == nil && len(out) > 0 && t.Out(len(out)-1) == errorType {
		if e := out[len(out)-1]; !e.IsNil() {
			err = e.Interface().(error)
		}
		out = out[:len(out)-1]
	}
	if err != nil {
		return message.Value{}, &message.RemoteError{RefID: svr.objects.put(&Exception{Err: err})}
	}
	if len(out) == 0 {
		return message.Void(), nil
	}
	return svr.toValue(out[0]), nil
}

func call(fn reflect.Value, in []reflect.Value) (out []reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn.Call(in), nil
}

// convert turns a decoded argument into a value assignable to t.
func (svr *Server) convert(arg message.Value, t reflect.Type) (reflect.Value, error) {
	if t == valueType {
		return reflect.ValueOf(arg), nil
	}

	switch arg.Kind() {
	case message.KindRef:
		obj, ok := svr.objects.get(arg.RefID())
		if !ok {
			return reflect.Value{}, fmt.Errorf("unknown object %s", arg.RefID())
		}
		ov := reflect.ValueOf(obj)
		if !ov.Type().AssignableTo(t) {
			return reflect.Value{}, fmt.Errorf("cannot use %s as %s", ov.Type(), t)
		}
		return ov, nil
	case message.KindNull:
		switch t.Kind() {
		case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan:
			return reflect.Zero(t), nil
		}
		return reflect.Value{}, fmt.Errorf("cannot use null as %s", t)
	}

	if t == bigIntType {
		if b := arg.BigInt(); b != nil {
			return reflect.ValueOf(b), nil
		}
		return reflect.Value{}, fmt.Errorf("cannot use %s as %s", arg.Kind(), t)
	}

	v := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.Bool:
		if arg.Kind() == message.KindBool {
			v.SetBool(arg.Bool())
			return v, nil
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if n, ok := arg.Int64(); ok && !v.OverflowInt(n) {
			v.SetInt(n)
			return v, nil
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if n, ok := arg.Int64(); ok && n >= 0 && !v.OverflowUint(uint64(n)) {
			v.SetUint(uint64(n))
			return v, nil
		}
	case reflect.Float32, reflect.Float64:
		switch arg.Kind() {
		case message.KindDouble, message.KindInt, message.KindLong:
			v.SetFloat(arg.Float64())
			return v, nil
		}
	case reflect.String:
		switch arg.Kind() {
		case message.KindString, message.KindDecimal:
			v.SetString(arg.Text())
			return v, nil
		}
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 && arg.Kind() == message.KindBytes {
			return reflect.ValueOf(arg.Bytes()).Convert(t), nil
		}
	case reflect.Interface:
		x := arg.Interface()
		if x == nil {
			return reflect.Zero(t), nil
		}
		if xv := reflect.ValueOf(x); xv.Type().AssignableTo(t) {
			return xv, nil
		}
	}
	return reflect.Value{}, fmt.Errorf("cannot use %s as %s", arg.Kind(), t)
}

// toValue converts a Go result into a wire value. Anything that is not a
// primitive is stored in the object table and returned by reference.
func (svr *Server) toValue(v reflect.Value) message.Value {
	if !v.IsValid() {
		return message.Null()
	}
	switch v.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan:
		if v.IsNil() {
			return message.Null()
		}
	}
	if v.Kind() == reflect.Interface {
		v = v.Elem()
	}

	switch v.Type() {
	case valueType:
		return v.Interface().(message.Value)
	case bigIntType:
		return message.BigInt(v.Interface().(*big.Int))
	}

	switch v.Kind() {
	case reflect.Bool:
		return message.Bool(v.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return message.Int(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if u := v.Uint(); u <= math.MaxInt64 {
			return message.Int(int64(u))
		}
		return message.BigInt(new(big.Int).SetUint64(v.Uint()))
	case reflect.Float32, reflect.Float64:
		return message.Double(v.Float())
	case reflect.String:
		return message.String(v.String())
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return message.Bytes(v.Bytes())
		}
	}
	return message.Ref(svr.objects.put(v.Interface()))
}

func gatewayErrorf(format string, args ...any) error {
	return &message.GatewayError{Msg: fmt.Sprintf(format, args...)}
}
