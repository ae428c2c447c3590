package client

import (
	"context"

	"mini-bridge/message"
	"mini-bridge/protocol"
)

// Result is a decoded response. A reference result can be used to continue
// the chain through Object or Ref.
type Result struct {
	message.Value
	gw *Gateway
}

// Object returns a Path bound to the referenced object, or the zero Path when
// the result is not a reference.
func (r Result) Object() Path {
	if r.Kind() != message.KindRef || r.gw == nil {
		return Path{}
	}
	return Path{gw: r.gw, ref: r.RefID()}
}

// Ref returns a handle on the referenced object, or nil.
func (r Result) Ref() *ObjectRef {
	if r.Kind() != message.KindRef || r.gw == nil {
		return nil
	}
	return r.gw.Object(r.RefID())
}

// ObjectRef is a handle on a live remote object.
type ObjectRef struct {
	id string
	gw *Gateway
}

func (o *ObjectRef) ID() string { return o.id }

// Value returns the reference as a call argument.
func (o *ObjectRef) Value() message.Value { return message.Ref(o.id) }

func (o *ObjectRef) String() string { return "ref(" + o.id + ")" }

// Path returns a Path bound to this object.
func (o *ObjectRef) Path() Path { return Path{gw: o.gw, ref: o.id} }

// Invoke calls method on the object.
func (o *ObjectRef) Invoke(ctx context.Context, method string, args ...message.Value) (Result, error) {
	cmd, err := protocol.NewCall(o.id, method, args, o.gw.pool)
	if err != nil {
		return Result{}, err
	}
	v, err := o.gw.Do(ctx, cmd)
	if err != nil {
		return Result{}, err
	}
	return Result{Value: v, gw: o.gw}, nil
}

// Field reads a field of any type.
func (o *ObjectRef) Field(ctx context.Context, name string) (Result, error) {
	cmd, err := protocol.NewFieldGet(o.id, name)
	if err != nil {
		return Result{}, err
	}
	v, err := o.gw.Do(ctx, cmd)
	if err != nil {
		return Result{}, err
	}
	return Result{Value: v, gw: o.gw}, nil
}

// Get reads a field holding an object and returns a handle on it.
func (o *ObjectRef) Get(ctx context.Context, field string) (*ObjectRef, error) {
	r, err := o.Field(ctx, field)
	if err != nil {
		return nil, err
	}
	return expectRef(r, "field "+field)
}

// Construct treats the object as a class and creates a new instance of it.
func (o *ObjectRef) Construct(ctx context.Context, args ...message.Value) (*ObjectRef, error) {
	cmd, err := protocol.NewConstructorRef(o.id, args, o.gw.pool)
	if err != nil {
		return nil, err
	}
	v, err := o.gw.Do(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return expectRef(Result{Value: v, gw: o.gw}, "constructor")
}

func expectRef(r Result, what string) (*ObjectRef, error) {
	ref := r.Ref()
	if ref == nil {
		return nil, message.Protocolf("%s returned %s, not a reference", what, r.Kind())
	}
	return ref, nil
}
