// Package serializer converts arbitrary Go values into the JSON-safe mirror
// tree carried in protocol messages, and back.
//
// The mirror tree contains only nil, bool, float64, string, []any and
// map[string]any. Values JSON cannot express travel as marker objects:
//
//	time.Time          {"__proxyDate": 1700000000000}
//	func               {"__proxyFunctionId": 3, "_channelId": 1}
//	cycle (ancestor)   {..., "__circularReferenceId": 1}
//	cycle (reference)  {"__circularReference": 1}
//
// Cycle detection only looks at the ancestors of the node being visited, so
// a value shared by two sibling branches is written twice and arrives as two
// independent copies. Only true cycles collapse into references.
package serializer

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// MaxDepth is the deepest container level written. The root value is level
// 1; maps, structs and lists nested deeper are dropped. Scalars are always
// written alongside their container.
const MaxDepth = 100

// Marker keys used on the wire. Their underscore prefixes are part of the
// format shared with existing peers.
const (
	KeyProxyDate           = "__proxyDate"
	KeyProxyFunctionID     = "__proxyFunctionId"
	KeyChannelID           = "_channelId"
	KeyCircularReferenceID = "__circularReferenceId"
	KeyCircularReference   = "__circularReference"
)

// Settings tunes serialization. It travels with requests so the receiver
// serializes its answer the same way.
type Settings struct {
	IncludeUnderscoreProperties bool `json:"includeUnderscoreProperties,omitempty"`
}

// HostObject marks values that only make sense in the local context, such as
// windows or transport endpoints. They are never written.
type HostObject interface {
	HostObject()
}

// FunctionRegistrar records a func found during serialization so the remote
// side can call it back. It returns the proxy id and the id of the channel
// that owns the proxy.
type FunctionRegistrar interface {
	RegisterProxyFunction(fn any) (proxyID int64, channelID int64)
}

// Serialize returns the mirror tree for value. Funcs are written only when
// registrar is non-nil. An absent root (host object, func without registrar)
// serializes to nil.
func Serialize(value any, settings *Settings, registrar FunctionRegistrar) any {
	s := &serializer{registrar: registrar}
	if settings != nil {
		s.settings = *settings
	}
	out, _ := s.value(reflect.ValueOf(value), 1)
	return out
}

type refKey struct {
	typ reflect.Type
	ptr uintptr
	len int
}

type frame struct {
	key refKey
	out map[string]any
	id  int
}

type serializer struct {
	settings  Settings
	registrar FunctionRegistrar
	stack     []*frame
	nextID    int
}

var (
	timeType   = reflect.TypeOf(time.Time{})
	numberType = reflect.TypeOf(json.Number(""))
	errorType  = reflect.TypeOf((*error)(nil)).Elem()
	hostType   = reflect.TypeOf((*HostObject)(nil)).Elem()
)

// value returns the mirror of v and whether it is present at all.
func (s *serializer) value(v reflect.Value, depth int) (any, bool) {
	if !v.IsValid() {
		return nil, true
	}

	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, true
		}
		return s.value(v.Elem(), depth)
	}

	typ := v.Type()
	switch {
	case typ == timeType:
		if !v.CanInterface() {
			return nil, false
		}
		t := v.Interface().(time.Time)
		return map[string]any{KeyProxyDate: float64(t.UnixMilli())}, true
	case typ == numberType:
		f, err := json.Number(v.String()).Float64()
		if err != nil {
			return nil, false
		}
		return finite(f), true
	case typ.Implements(hostType):
		return nil, false
	case typ.Implements(errorType) && v.Kind() != reflect.Struct:
		return s.errorValue(v)
	}

	switch v.Kind() {
	case reflect.Bool:
		return v.Bool(), true
	case reflect.String:
		return v.String(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(v.Uint()), true
	case reflect.Float32, reflect.Float64:
		return finite(v.Float()), true
	case reflect.Func:
		return s.function(v)
	case reflect.Pointer:
		return s.pointer(v, depth)
	}

	if depth > MaxDepth {
		return nil, false
	}
	switch v.Kind() {
	case reflect.Map:
		return s.mapValue(v, depth)
	case reflect.Slice:
		if v.IsNil() {
			return nil, true
		}
		key := refKey{typ: typ, ptr: v.Pointer(), len: v.Len()}
		if fr := s.find(key); fr != nil {
			return s.backReference(fr)
		}
		s.push(key)
		defer s.pop()
		return s.list(v, depth), true
	case reflect.Array:
		return s.list(v, depth), true
	case reflect.Struct:
		if typ.Implements(errorType) {
			return s.errorValue(v)
		}
		return s.structValue(v, v, depth, nil), true
	default:
		// chan, unsafe.Pointer, complex
		return nil, false
	}
}

func finite(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

func (s *serializer) errorValue(v reflect.Value) (out any, ok bool) {
	if v.Kind() == reflect.Pointer && v.IsNil() {
		return nil, true
	}
	if !v.CanInterface() {
		return nil, false
	}
	defer func() {
		if recover() != nil {
			out, ok = nil, false
		}
	}()
	return map[string]any{"message": v.Interface().(error).Error()}, true
}

func (s *serializer) function(v reflect.Value) (any, bool) {
	if v.IsNil() {
		return nil, true
	}
	if s.registrar == nil || !v.CanInterface() {
		return nil, false
	}
	proxyID, channelID := s.registrar.RegisterProxyFunction(v.Interface())
	return map[string]any{
		KeyProxyFunctionID: float64(proxyID),
		KeyChannelID:       float64(channelID),
	}, true
}

func (s *serializer) pointer(v reflect.Value, depth int) (any, bool) {
	if v.IsNil() {
		return nil, true
	}
	key := refKey{typ: v.Type(), ptr: v.Pointer()}
	if fr := s.find(key); fr != nil {
		return s.backReference(fr)
	}
	fr := s.push(key)
	defer s.pop()

	elem := v.Elem()
	if elem.Kind() == reflect.Struct && elem.Type() != timeType && !v.Type().Implements(errorType) {
		if depth > MaxDepth {
			return nil, false
		}
		return s.structValue(elem, v, depth, fr), true
	}
	return s.value(elem, depth)
}

func (s *serializer) mapValue(v reflect.Value, depth int) (any, bool) {
	if v.IsNil() {
		return nil, true
	}
	key := refKey{typ: v.Type(), ptr: v.Pointer()}
	if fr := s.find(key); fr != nil {
		return s.backReference(fr)
	}
	fr := s.push(key)
	defer s.pop()

	out := make(map[string]any, v.Len())
	fr.out = out
	iter := v.MapRange()
	for iter.Next() {
		name, ok := mapKey(iter.Key())
		if !ok || s.hidden(name) {
			continue
		}
		s.member(out, name, iter.Value(), depth)
	}
	return out, true
}

func mapKey(k reflect.Value) (string, bool) {
	switch k.Kind() {
	case reflect.String:
		return k.String(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(k.Uint(), 10), true
	case reflect.Interface:
		if k.IsNil() {
			return "", false
		}
		return mapKey(k.Elem())
	default:
		return "", false
	}
}

func (s *serializer) list(v reflect.Value, depth int) []any {
	out := make([]any, v.Len())
	for i := range out {
		// absent elements stay nil so indexes line up on the far side
		if val, ok := s.value(v.Index(i), depth+1); ok {
			out[i] = val
		}
	}
	return out
}

// structValue writes the fields of v and, when functions can be registered,
// the methods of recv, the value or pointer the struct was reached through.
func (s *serializer) structValue(v, recv reflect.Value, depth int, fr *frame) map[string]any {
	fields := fieldsOf(v.Type())
	out := make(map[string]any, len(fields))
	if fr != nil {
		fr.out = out
	}
	for _, f := range fields {
		if s.hidden(f.name) {
			continue
		}
		fv, ok := fieldByIndex(v, f.index)
		if !ok {
			continue
		}
		if f.omitEmpty && fv.IsZero() {
			continue
		}
		s.member(out, f.name, fv, depth)
	}
	if s.registrar == nil || !recv.CanInterface() {
		return out
	}
	for _, m := range methodsOf(recv.Type()) {
		if s.hidden(m.name) {
			continue
		}
		if val, ok := s.function(recv.Method(m.index)); ok {
			out[m.name] = val
		}
	}
	return out
}

// member writes one property of a map or struct. A primitive named like the
// function marker is dropped so payloads cannot forge a proxy reference.
func (s *serializer) member(out map[string]any, name string, v reflect.Value, depth int) {
	val, ok := s.value(v, depth+1)
	if !ok {
		return
	}
	if name == KeyProxyFunctionID {
		switch val.(type) {
		case map[string]any, []any, nil:
		default:
			return
		}
	}
	out[name] = val
}

func (s *serializer) hidden(name string) bool {
	return strings.HasPrefix(name, "_") && !s.settings.IncludeUnderscoreProperties
}

func (s *serializer) find(key refKey) *frame {
	for _, fr := range s.stack {
		if fr.key == key {
			return fr
		}
	}
	return nil
}

func (s *serializer) push(key refKey) *frame {
	fr := &frame{key: key}
	s.stack = append(s.stack, fr)
	return fr
}

func (s *serializer) pop() {
	s.stack = s.stack[:len(s.stack)-1]
}

func (s *serializer) backReference(fr *frame) (any, bool) {
	if fr.out == nil {
		return nil, false
	}
	if fr.id == 0 {
		s.nextID++
		fr.id = s.nextID
		fr.out[KeyCircularReferenceID] = float64(fr.id)
	}
	return map[string]any{KeyCircularReference: float64(fr.id)}, true
}
