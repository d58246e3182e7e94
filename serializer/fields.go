package serializer

import (
	"reflect"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// field describes one serializable struct member.
type field struct {
	name      string
	index     []int
	omitEmpty bool
}

var fieldCache sync.Map // map[reflect.Type][]field

// fieldsOf returns the serializable fields of struct type t: exported fields
// under their json names, with embedded structs flattened. A name declared
// closer to the outer struct hides deeper ones.
func fieldsOf(t reflect.Type) []field {
	if f, ok := fieldCache.Load(t); ok {
		return f.([]field)
	}
	f, _ := fieldCache.LoadOrStore(t, typeFields(t))
	return f.([]field)
}

func typeFields(t reflect.Type) []field {
	type level struct {
		typ   reflect.Type
		index []int
	}

	var fields []field
	seen := map[string]bool{}
	visited := map[reflect.Type]bool{}
	current := []level{{typ: t}}

	for len(current) > 0 {
		var next []level
		found := map[string]int{}
		var candidates []field

		for _, lv := range current {
			if visited[lv.typ] {
				continue
			}
			visited[lv.typ] = true

			for i := 0; i < lv.typ.NumField(); i++ {
				sf := lv.typ.Field(i)
				index := append(append([]int(nil), lv.index...), i)

				tag := sf.Tag.Get("json")
				if tag == "-" {
					continue
				}
				name, opts, _ := strings.Cut(tag, ",")

				if sf.Anonymous && name == "" {
					ft := sf.Type
					if ft.Kind() == reflect.Pointer {
						ft = ft.Elem()
					}
					if ft.Kind() == reflect.Struct {
						next = append(next, level{typ: ft, index: index})
						continue
					}
				}
				if !sf.IsExported() {
					continue
				}
				if name == "" {
					name = sf.Name
				}
				found[name]++
				candidates = append(candidates, field{
					name:      name,
					index:     index,
					omitEmpty: strings.Contains(opts, "omitempty"),
				})
			}
		}

		// names already taken by a shallower level win; two fields with the
		// same name at one level cancel out, as with encoding/json
		for _, f := range candidates {
			if seen[f.name] || found[f.name] > 1 {
				continue
			}
			fields = append(fields, f)
		}
		for name := range found {
			seen[name] = true
		}
		current = next
	}
	return fields
}

// fieldByIndex walks index through embedded pointers. It reports false when a
// nil embedded pointer is crossed.
func fieldByIndex(v reflect.Value, index []int) (reflect.Value, bool) {
	for i, x := range index {
		if i > 0 && v.Kind() == reflect.Pointer {
			if v.IsNil() {
				return reflect.Value{}, false
			}
			v = v.Elem()
		}
		v = v.Field(x)
	}
	return v, true
}

// method is one exported method written as a proxy function.
type method struct {
	name  string
	index int
}

var methodCache sync.Map // map[reflect.Type][]method

// methodsOf returns the exported methods of t, a struct or pointer to struct,
// under their wire names: the Go name with a lower-case first letter, which
// is how peers address them ("getName" reaches GetName). A method whose name
// is taken by a field is left out.
func methodsOf(t reflect.Type) []method {
	if m, ok := methodCache.Load(t); ok {
		return m.([]method)
	}
	st := t
	if st.Kind() == reflect.Pointer {
		st = st.Elem()
	}
	taken := map[string]bool{}
	for _, f := range fieldsOf(st) {
		taken[f.name] = true
	}

	var methods []method
	for i := 0; i < t.NumMethod(); i++ {
		name := wireName(t.Method(i).Name)
		if taken[name] {
			continue
		}
		methods = append(methods, method{name: name, index: i})
	}
	m, _ := methodCache.LoadOrStore(t, methods)
	return m.([]method)
}

func wireName(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToLower(r)) + name[size:]
}
