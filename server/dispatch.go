package server

import (
	"context"
	"reflect"
	"strings"

	"mini-bridge/codec"
	"mini-bridge/message"
	"mini-bridge/protocol"
)

// dispatch is the innermost handler: it executes one command against the
// registered classes and the object table.
func (svr *Server) dispatch(ctx context.Context, cmd *protocol.Command) (message.Value, error) {
	switch cmd.Op {
	case protocol.OpReflection:
		return svr.reflection(cmd.Parts)
	case protocol.OpConstructor:
		return svr.construct(cmd.Parts)
	case protocol.OpCall:
		return svr.call(cmd.Parts)
	case protocol.OpField:
		return svr.field(cmd.Parts)
	}
	return message.Value{}, gatewayErrorf("unsupported command %q", cmd.Op)
}

// reflection answers a probe with p (package), c<fqn> (class), m (static
// method) or o (nothing). With two segments the second is looked up as a
// member of the class named by the first; nested classes are registered as
// Outer$Inner.
func (svr *Server) reflection(parts []string) (message.Value, error) {
	names, err := stringSegments(parts)
	if err != nil {
		return message.Value{}, err
	}
	switch len(names) {
	case 1:
		if c := svr.lookupClass(names[0]); c != nil {
			return message.Raw(codec.TagClass, c.name), nil
		}
		if svr.isPackage(names[0]) {
			return message.Raw(codec.TagPackage, ""), nil
		}
	case 2:
		c := svr.lookupClass(names[0])
		if c == nil {
			break
		}
		svr.mu.RLock()
		_, isMethod := c.statics[names[1]]
		svr.mu.RUnlock()
		if isMethod {
			return message.Raw(codec.TagMethod, ""), nil
		}
		if inner := svr.lookupClass(c.name + "$" + names[1]); inner != nil {
			return message.Raw(codec.TagClass, inner.name), nil
		}
	default:
		return message.Value{}, gatewayErrorf("reflection expects 1 or 2 segments, got %d", len(names))
	}
	return message.Raw(codec.TagNoMember, ""), nil
}

// construct handles `i`. The target is a class name, or a reference to a
// class: either the static-qualified name or an object holding a *class.
func (svr *Server) construct(parts []string) (message.Value, error) {
	if len(parts) == 0 {
		return message.Value{}, gatewayErrorf("constructor without a class")
	}
	target, err := decodeSegment(parts[0])
	if err != nil {
		return message.Value{}, err
	}

	var c *class
	switch target.Kind() {
	case message.KindString:
		c = svr.lookupClass(target.Text())
	case message.KindRef:
		if name, ok := strings.CutPrefix(target.RefID(), protocol.StaticPrefix); ok {
			c = svr.lookupClass(name)
		} else if obj, ok := svr.objects.get(target.RefID()); ok {
			c, _ = obj.(*class)
		}
	}
	if c == nil {
		return message.Value{}, gatewayErrorf("no such class: %s", parts[0][1:])
	}

	args, err := decodeArgs(parts[1:])
	if err != nil {
		return message.Value{}, err
	}
	svr.mu.RLock()
	ctor, ok := overload(c.ctors, len(args))
	svr.mu.RUnlock()
	if !ok {
		return message.Value{}, gatewayErrorf("%s has no constructor taking %d arguments", c.name, len(args))
	}
	return svr.invoke(ctor, args)
}

// call handles `c`: a static call when the target carries the static prefix,
// otherwise a method call on a referenced object.
func (svr *Server) call(parts []string) (message.Value, error) {
	if len(parts) < 2 || parts[0] == "" || parts[0][0] != codec.TagReference {
		return message.Value{}, gatewayErrorf("call needs a target reference and a method name")
	}
	target := parts[0][1:]
	names, err := stringSegments(parts[1:2])
	if err != nil {
		return message.Value{}, err
	}
	method := names[0]
	args, err := decodeArgs(parts[2:])
	if err != nil {
		return message.Value{}, err
	}

	if className, ok := strings.CutPrefix(target, protocol.StaticPrefix); ok {
		c := svr.lookupClass(className)
		if c == nil {
			return message.Value{}, gatewayErrorf("no such class: %s", className)
		}
		svr.mu.RLock()
		fn, ok := overload(c.statics[method], len(args))
		svr.mu.RUnlock()
		if !ok {
			return message.Value{}, gatewayErrorf("%s has no static method %s taking %d arguments", className, method, len(args))
		}
		return svr.invoke(fn, args)
	}

	obj, ok := svr.objects.get(target)
	if !ok {
		return message.Value{}, gatewayErrorf("unknown object %s", target)
	}
	fn := reflect.ValueOf(obj).MethodByName(exportedName(method))
	if !fn.IsValid() {
		return message.Value{}, gatewayErrorf("%T has no method %s", obj, method)
	}
	if _, err := checkFunc(fn.Interface()); err != nil {
		return message.Value{}, gatewayErrorf("%v", err)
	}
	return svr.invoke(fn, args)
}

// field handles `f`; only the get sub-command is supported.
func (svr *Server) field(parts []string) (message.Value, error) {
	if len(parts) != 3 || parts[0] != protocol.FieldGet || parts[1] == "" || parts[1][0] != codec.TagReference {
		return message.Value{}, gatewayErrorf("malformed field command")
	}
	names, err := stringSegments(parts[2:])
	if err != nil {
		return message.Value{}, err
	}
	obj, ok := svr.objects.get(parts[1][1:])
	if !ok {
		return message.Value{}, gatewayErrorf("unknown object %s", parts[1][1:])
	}
	v := reflect.Indirect(reflect.ValueOf(obj))
	if v.Kind() != reflect.Struct {
		return message.Value{}, gatewayErrorf("%T has no fields", obj)
	}
	f := v.FieldByName(exportedName(names[0]))
	if !f.IsValid() || !f.CanInterface() {
		return message.Value{}, gatewayErrorf("%T has no field %s", obj, names[0])
	}
	return svr.toValue(f), nil
}

func decodeSegment(part string) (message.Value, error) {
	if part == "" {
		return message.Value{}, gatewayErrorf("empty segment")
	}
	v, err := codec.DecodeSegment(part[0], part[1:])
	if err != nil {
		return message.Value{}, gatewayErrorf("%v", err)
	}
	return v, nil
}

func decodeArgs(parts []string) ([]message.Value, error) {
	args := make([]message.Value, len(parts))
	for i, part := range parts {
		v, err := decodeSegment(part)
		if err != nil {
			return nil, err
		}
		if v.Kind() == message.KindRaw {
			return nil, gatewayErrorf("argument %d: unsupported type %q", i, v.Tag())
		}
		args[i] = v
	}
	return args, nil
}

func stringSegments(parts []string) ([]string, error) {
	names := make([]string, len(parts))
	for i, part := range parts {
		if part == "" || part[0] != codec.TagString {
			return nil, gatewayErrorf("expected a string segment, got %q", part)
		}
		names[i] = codec.Unescape(part[1:])
	}
	return names, nil
}
