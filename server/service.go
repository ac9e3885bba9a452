package server

import (
	"encoding/json"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"
)

type methodType struct {
	method    reflect.Method
	ReplyType reflect.Type
}

type service struct {
	name   string // Namespace, e.g. "aria2"
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType // Wire verb ("tellActive") → method
}

// newService scans rcvr for exported methods of the form
//
//	func (r *T) VerbName(params []json.RawMessage, reply *R) error
//
// and exposes each as namespace.verbName.
func newService(namespace string, rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("server: receiver must be a pointer, got %T", rcvr)
	}
	if namespace == "" {
		return nil, fmt.Errorf("server: empty namespace for %s", typ)
	}
	svc := &service{
		name:   namespace,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	svc.registerMethods()
	if len(svc.method) == 0 {
		return nil, fmt.Errorf("server: %s has no methods of the form func([]json.RawMessage, *T) error", typ)
	}
	return svc, nil
}

var (
	errorType     = reflect.TypeOf((*error)(nil)).Elem()
	rawParamsType = reflect.TypeOf([]json.RawMessage(nil))
)

func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumIn() != 3 || mt.NumOut() != 1 || mt.Out(0) != errorType ||
			mt.In(1) != rawParamsType || mt.In(2).Kind() != reflect.Ptr {
			continue
		}
		s.method[lowerFirst(method.Name)] = &methodType{
			method:    method,
			ReplyType: mt.In(2).Elem(),
		}
	}
}

// call invokes the method and returns the filled reply.
func (s *service) call(mType *methodType, params []json.RawMessage) (any, error) {
	replyv := reflect.New(mType.ReplyType)
	args := [3]reflect.Value{s.rcvr, reflect.ValueOf(params), replyv}
	results := mType.method.Func.Call(args[:])
	if !results[0].IsNil() {
		return nil, results[0].Interface().(error)
	}
	return replyv.Interface(), nil
}

func lowerFirst(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToLower(r)) + name[size:]
}
