package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
)

// convert fits a deserialized argument to parameter type t. Missing
// arguments become zero values. Numbers are converted between kinds; maps
// and lists are re-decoded into structs, typed slices and the like.
func convert(arg any, t reflect.Type) (reflect.Value, error) {
	if arg == nil {
		return reflect.Zero(t), nil
	}
	v := reflect.ValueOf(arg)
	if v.Type().AssignableTo(t) {
		return v, nil
	}
	if numeric(v.Kind()) && numeric(t.Kind()) {
		return convertNumber(v, t)
	}
	if v.Kind() == reflect.Func && t.Kind() == reflect.Func {
		if fn := Func(arg); fn != nil {
			return adaptFunc(fn, t), nil
		}
	}

	data, err := json.Marshal(arg)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("cannot use %T as %s: %w", arg, t, err)
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("cannot use %T as %s: %w", arg, t, err)
	}
	return ptr.Elem(), nil
}

// convertNumber converts between numeric kinds without truncating or
// wrapping. Wire numbers are float64, so an integer parameter only accepts an
// integral value inside its range.
func convertNumber(v reflect.Value, t reflect.Type) (reflect.Value, error) {
	out := reflect.New(t).Elem()
	bad := func() error { return fmt.Errorf("cannot use %v as %s", v.Interface(), t) }

	switch t.Kind() {
	case reflect.Float32, reflect.Float64:
		var f float64
		switch {
		case isInt(v.Kind()):
			f = float64(v.Int())
		case isUint(v.Kind()):
			f = float64(v.Uint())
		default:
			f = v.Float()
		}
		if out.OverflowFloat(f) {
			return reflect.Value{}, bad()
		}
		out.SetFloat(f)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		var n int64
		switch {
		case isInt(v.Kind()):
			n = v.Int()
		case isUint(v.Kind()):
			if v.Uint() > math.MaxInt64 {
				return reflect.Value{}, bad()
			}
			n = int64(v.Uint())
		default:
			f := v.Float()
			if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
				return reflect.Value{}, bad()
			}
			n = int64(f)
		}
		if out.OverflowInt(n) {
			return reflect.Value{}, bad()
		}
		out.SetInt(n)

	default:
		var n uint64
		switch {
		case isInt(v.Kind()):
			if v.Int() < 0 {
				return reflect.Value{}, bad()
			}
			n = uint64(v.Int())
		case isUint(v.Kind()):
			n = v.Uint()
		default:
			f := v.Float()
			if f != math.Trunc(f) || f < 0 || f >= math.MaxUint64 {
				return reflect.Value{}, bad()
			}
			n = uint64(f)
		}
		if out.OverflowUint(n) {
			return reflect.Value{}, bad()
		}
		out.SetUint(n)
	}
	return out, nil
}

func isInt(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Int64
}

func isUint(k reflect.Kind) bool {
	return k >= reflect.Uint && k <= reflect.Uint64
}

func numeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// adaptFunc exposes fn, typically a remote proxy, as a func of type t. The
// call is fire-and-forget unless t returns a *promise.Promise.
func adaptFunc(fn Method, t reflect.Type) reflect.Value {
	return reflect.MakeFunc(t, func(in []reflect.Value) []reflect.Value {
		args := make([]any, 0, len(in))
		for i, v := range in {
			if t.IsVariadic() && i == len(in)-1 {
				for j := 0; j < v.Len(); j++ {
					args = append(args, v.Index(j).Interface())
				}
				continue
			}
			args = append(args, v.Interface())
		}
		p := fn(context.Background(), args)

		out := make([]reflect.Value, t.NumOut())
		for i := range out {
			if t.Out(i) == promiseType {
				out[i] = reflect.ValueOf(p)
				continue
			}
			out[i] = reflect.Zero(t.Out(i))
		}
		return out
	})
}
