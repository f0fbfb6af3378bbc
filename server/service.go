package server

import (
	"context"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"

	"jsoncomm/message"
)

type methodType struct {
	method    reflect.Method
	command   string
	ArgType   reflect.Type // request struct, the method takes a pointer to it
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType // keyed by command
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	requestType = reflect.TypeOf((*message.Request)(nil)).Elem()
)

// NewService 创建 service 并扫描所有合法方法
func NewService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rcvr must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rcvr must point to a struct, got %s", typ.Elem().Kind())
	}

	srv := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	srv.RegisterMethods()
	if len(srv.method) == 0 {
		return nil, fmt.Errorf("type %s has no methods of the form func(context.Context, *Req) (*Resp, error)", srv.name)
	}
	return srv, nil
}

// RegisterMethods 扫描 struct 的导出方法，过滤出符合签名的
//
//	func (s *T) Name(ctx context.Context, req *Req) (*Resp, error)
//
// where *Req implements message.Request. The command is the method name with
// its first letter lower-cased: Echo → "echo".
func (s *service) RegisterMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumIn() != 3 || mt.NumOut() != 2 ||
			mt.In(1) != contextType ||
			mt.In(2).Kind() != reflect.Ptr || mt.In(2).Elem().Kind() != reflect.Struct ||
			!mt.In(2).Implements(requestType) ||
			mt.Out(1) != errorType {
			continue
		}

		command := commandName(method.Name)
		s.method[command] = &methodType{
			method:    method,
			command:   command,
			ArgType:   mt.In(2).Elem(),
			ReplyType: mt.Out(0),
		}
	}
}

func commandName(methodName string) string {
	r, size := utf8.DecodeRuneInString(methodName)
	return string(unicode.ToLower(r)) + methodName[size:]
}

// factory returns new request values for the type registry.
func (m *methodType) factory() message.Factory {
	return func() any { return reflect.New(m.ArgType).Interface() }
}

// Call 通过反射调用方法
func (s *service) Call(ctx context.Context, mType *methodType, req message.Request) (any, error) {
	argv := reflect.ValueOf(req)
	if argv.Type() != reflect.PointerTo(mType.ArgType) {
		return nil, fmt.Errorf("command %q expects %s, got %T", mType.command, mType.ArgType, req)
	}

	results := mType.method.Func.Call([]reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv})
	if errv := results[1]; !errv.IsNil() {
		return nil, errv.Interface().(error)
	}
	return results[0].Interface(), nil
}
