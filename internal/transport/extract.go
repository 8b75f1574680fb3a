package transport

import (
	"fmt"
	"reflect"
	"strings"
)

// Dig walks a dotted path through maps and structs and returns the value it
// lands on, or def when any segment is missing.
//
// Map keys and exported struct fields are treated alike; struct fields match
// by name first, then by json tag. A nil anywhere along the path
// short-circuits to def.
func Dig(obj any, path string, def any) any {
	cur := obj
	for _, seg := range strings.Split(path, ".") {
		v, ok := digOne(cur, seg)
		if !ok {
			return def
		}
		cur = v
	}
	if cur == nil {
		return def
	}
	return cur
}

func digOne(obj any, key string) (any, bool) {
	if obj == nil {
		return nil, false
	}

	switch m := obj.(type) {
	case Record:
		v, ok := m[key]
		return v, ok
	case map[string]any:
		v, ok := m[key]
		return v, ok
	}

	rv := reflect.ValueOf(obj)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		v := rv.MapIndex(reflect.ValueOf(key))
		if !v.IsValid() {
			return nil, false
		}
		return v.Interface(), true
	case reflect.Struct:
		return digStructField(rv, key)
	default:
		return nil, false
	}
}

func digStructField(rv reflect.Value, key string) (any, bool) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		if strings.EqualFold(f.Name, key) || jsonTagName(f.Tag.Get("json")) == key {
			return rv.Field(i).Interface(), true
		}
	}
	return nil, false
}

func jsonTagName(tag string) string {
	if tag == "" || tag == "-" {
		return ""
	}
	if i := strings.IndexByte(tag, ','); i >= 0 {
		tag = tag[:i]
	}
	return tag
}

// FirstText returns the first candidate that stringifies to a non-empty value
// after trimming whitespace, or "".
func FirstText(vals ...any) string {
	for _, v := range vals {
		if v == nil {
			continue
		}
		s := strings.TrimSpace(stringify(v))
		if s != "" {
			return s
		}
	}
	return ""
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		// JSON numbers decode as float64; group ids must not pick up an exponent.
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%v", x)
	default:
		return fmt.Sprintf("%v", x)
	}
}
