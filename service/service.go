// Package service dispatches a remote request to a method of a registered
// object.
//
// A method is found, in order, through:
//
//	Receiver        the object answers Lookup(name) itself
//	map[string]any  a table of funcs keyed by name
//	reflection      exported methods, by exact name and then with the first
//	                letter upper-cased (so "getName" reaches GetName)
//
// Every call yields a *promise.Promise: methods returning a promise are
// Deferred, anything else is Immediate. A trailing error result rejects.
package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"unicode"
	"unicode/utf8"

	"frame-rpc/promise"
)

// ErrMethodNotFound is returned when the target object has no such method.
var ErrMethodNotFound = errors.New("RPC method not found")

// Method is the uniform shape every dispatchable method is reduced to.
type Method func(ctx context.Context, args []any) *promise.Promise

// Receiver lets an object resolve its own methods without reflection.
type Receiver interface {
	Lookup(name string) (Method, bool)
}

// Invoke calls methodName on instance with args. An empty methodName yields
// the instance itself.
func Invoke(ctx context.Context, instance any, methodName string, args []any) *promise.Promise {
	if methodName == "" {
		return promise.Resolve(instance)
	}
	m, err := Lookup(instance, methodName)
	if err != nil {
		return promise.Reject(err)
	}
	return m(ctx, args)
}

// Lookup finds methodName on instance.
func Lookup(instance any, methodName string) (Method, error) {
	if r, ok := instance.(Receiver); ok {
		if m, ok := r.Lookup(methodName); ok && m != nil {
			return m, nil
		}
		return nil, notFound(methodName)
	}

	if table, ok := instance.(map[string]any); ok {
		if fn, ok := table[methodName]; ok {
			if m := Func(fn); m != nil {
				return m, nil
			}
		}
		return nil, notFound(methodName)
	}

	if instance != nil {
		rv := reflect.ValueOf(instance)
		methods := methodsOf(rv.Type())
		if i, ok := methods[methodName]; ok {
			return call(rv.Method(i)), nil
		}
		if i, ok := methods[exported(methodName)]; ok {
			return call(rv.Method(i)), nil
		}
	}
	return nil, notFound(methodName)
}

func notFound(name string) error {
	return fmt.Errorf("%w: %s", ErrMethodNotFound, name)
}

// Func adapts any Go func to a Method. It returns nil when fn is not a func.
func Func(fn any) Method {
	switch f := fn.(type) {
	case Method:
		return f
	case func(context.Context, []any) *promise.Promise:
		return f
	}
	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func || rv.IsNil() {
		return nil
	}
	return call(rv)
}

var methodCache sync.Map // map[reflect.Type]map[string]int

func methodsOf(t reflect.Type) map[string]int {
	if m, ok := methodCache.Load(t); ok {
		return m.(map[string]int)
	}
	methods := make(map[string]int, t.NumMethod())
	for i := 0; i < t.NumMethod(); i++ {
		methods[t.Method(i).Name] = i
	}
	m, _ := methodCache.LoadOrStore(t, methods)
	return m.(map[string]int)
}

func exported(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError || unicode.IsUpper(r) {
		return name
	}
	return string(unicode.ToUpper(r)) + name[size:]
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	promiseType = reflect.TypeOf((*promise.Promise)(nil))
)

// call wraps a bound method or func value.
func call(fn reflect.Value) Method {
	return func(ctx context.Context, args []any) (p *promise.Promise) {
		defer func() {
			if r := recover(); r != nil {
				p = promise.Reject(fmt.Errorf("rpc method panicked: %v", r))
			}
		}()

		in, err := arguments(ctx, fn.Type(), args)
		if err != nil {
			return promise.Reject(err)
		}
		return outcome(fn.Call(in))
	}
}

func arguments(ctx context.Context, ft reflect.Type, args []any) ([]reflect.Value, error) {
	numIn := ft.NumIn()
	fixed := numIn
	if ft.IsVariadic() {
		fixed--
	}

	in := make([]reflect.Value, 0, numIn)
	i := 0
	if fixed > 0 && ft.In(0) == contextType {
		in = append(in, reflect.ValueOf(ctx))
		i = 1
	}

	next := 0
	for ; i < fixed; i++ {
		var arg any
		if next < len(args) {
			arg = args[next]
		}
		next++
		v, err := convert(arg, ft.In(i))
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", next, err)
		}
		in = append(in, v)
	}

	if ft.IsVariadic() {
		elem := ft.In(numIn - 1).Elem()
		for ; next < len(args); next++ {
			v, err := convert(args[next], elem)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", next+1, err)
			}
			in = append(in, v)
		}
	}
	return in, nil
}

func outcome(out []reflect.Value) *promise.Promise {
	if n := len(out); n > 0 && out[n-1].Type() == errorType {
		if !out[n-1].IsNil() {
			return promise.Reject(out[n-1].Interface().(error))
		}
		out = out[:n-1]
	}

	switch len(out) {
	case 0:
		return promise.Resolve(nil)
	case 1:
		if out[0].Type() == promiseType && !out[0].IsNil() {
			return out[0].Interface().(*promise.Promise)
		}
		return promise.Resolve(out[0].Interface())
	default:
		values := make([]any, len(out))
		for i, v := range out {
			values[i] = v.Interface()
		}
		return promise.Resolve(values)
	}
}
