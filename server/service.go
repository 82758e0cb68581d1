package server

import (
	"context"
	"errors"
	"fmt"
	"go/token"
	"reflect"
)

type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// NewService builds a service from rcvr's exported methods of the form
//
//	func (t *T) Method(ctx context.Context, args *Args, reply *Reply) error
//
// Other methods are ignored. name overrides the service name, which defaults to the
// receiver's type name.
func NewService(rcvr any, name string) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	if name == "" {
		name = typ.Elem().Name()
	}
	if !token.IsExported(name) {
		return nil, fmt.Errorf("rpc: service name %q is not exported", name)
	}
	srv := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	srv.registerMethods()
	if len(srv.method) == 0 {
		return nil, fmt.Errorf("rpc: type %s has no suitable methods", typ.Elem().Name())
	}
	return srv, nil
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// registerMethods keeps the methods shaped (receiver, ctx, *Args, *Reply) error.
func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumIn() != 4 || mt.NumOut() != 1 || mt.Out(0) != errorType ||
			mt.In(1) != contextType ||
			mt.In(2).Kind() != reflect.Ptr || mt.In(3).Kind() != reflect.Ptr {
			continue
		}

		s.method[method.Name] = &methodType{
			method:    method,
			ArgType:   mt.In(2).Elem(),
			ReplyType: mt.In(3).Elem(),
		}
	}
}

// Call invokes the method with freshly decoded args and an empty reply.
func (s *service) Call(ctx context.Context, mType *methodType, argv, replyv reflect.Value) error {
	args := [4]reflect.Value{s.rcvr, reflect.ValueOf(&ctx).Elem(), argv, replyv}
	results := mType.method.Func.Call(args[:])
	if err, _ := results[0].Interface().(error); err != nil {
		return err
	}
	return nil
}

var errBadMethodName = errors.New(`method name must look like "Service.Method"`)
