package guildhall

import (
	"bytes"
	"encoding"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

type SerializeStatus string

const (
	SerializeOK        SerializeStatus = "ok"
	SerializeTruncated SerializeStatus = "truncated"
	SerializeError     SerializeStatus = "error"

	circularPlaceholder = "[Circular]"
	maxDepthPlaceholder = "[MaxDepth]"
)

var (
	jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

// Serialized is the result of Serialize. Data is always valid JSON
// unless Status is SerializeError.
type Serialized struct {
	Status SerializeStatus
	Data   json.RawMessage
	Err    error
}

// Serialize converts v to JSON without failing on values encoding/json
// rejects outright. Reference cycles along the current path are
// replaced with "[Circular]", anything nested deeper than maxDepth with
// "[MaxDepth]", and funcs/channels are dropped. Any of those marks the
// result as truncated.
func Serialize(v any, maxDepth int) Serialized {
	if maxDepth <= 0 {
		maxDepth = DefaultQueueMaxDepth
	}
	s := &serializer{
		maxDepth: maxDepth,
		visiting: map[visitKey]bool{},
	}
	tree := s.walk(reflect.ValueOf(v), 0)
	if s.err != nil {
		return Serialized{Status: SerializeError, Err: s.err}
	}
	if _, ok := tree.(droppedValue); ok {
		tree = nil
	}
	data, err := json.Marshal(tree)
	if err != nil {
		return Serialized{Status: SerializeError, Err: err}
	}
	status := SerializeOK
	if s.truncated {
		status = SerializeTruncated
	}
	return Serialized{Status: status, Data: data}
}

type droppedValue struct{}

type visitKey struct {
	ptr uintptr
	typ reflect.Type
}

type serializer struct {
	maxDepth  int
	visiting  map[visitKey]bool
	truncated bool
	err       error
}

type objectField struct {
	key   string
	value any
}

// orderedObject marshals as a JSON object, keeping field order.
type orderedObject []objectField

func (o orderedObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.key)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		val, err := json.Marshal(f.value)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// enter marks a reference as being on the current path. It returns
// false if it already is.
func (s *serializer) enter(v reflect.Value) (visitKey, bool) {
	key := visitKey{ptr: v.Pointer(), typ: v.Type()}
	if s.visiting[key] {
		return key, false
	}
	s.visiting[key] = true
	return key, true
}

func (s *serializer) walk(v reflect.Value, depth int) any {
	if s.err != nil || !v.IsValid() || !v.CanInterface() {
		return nil
	}

	if v.Type().Implements(jsonMarshalerType) {
		if (v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface) && v.IsNil() {
			return nil
		}
		data, err := v.Interface().(json.Marshaler).MarshalJSON()
		if err != nil {
			s.err = fmt.Errorf("%s: %w", v.Type(), err)
			return nil
		}
		return json.RawMessage(data)
	}

	switch v.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		s.truncated = true
		return droppedValue{}
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return s.walk(v.Elem(), depth)
	case reflect.Ptr:
		if v.IsNil() {
			return nil
		}
		key, ok := s.enter(v)
		if !ok {
			s.truncated = true
			return circularPlaceholder
		}
		defer delete(s.visiting, key)
		return s.walk(v.Elem(), depth)
	case reflect.Struct:
		if depth >= s.maxDepth {
			s.truncated = true
			return maxDepthPlaceholder
		}
		obj := orderedObject{}
		s.structFields(v, depth+1, &obj)
		return obj
	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		if depth >= s.maxDepth {
			s.truncated = true
			return maxDepthPlaceholder
		}
		key, ok := s.enter(v)
		if !ok {
			s.truncated = true
			return circularPlaceholder
		}
		defer delete(s.visiting, key)
		return s.mapValue(v, depth+1)
	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Bytes()
		}
		fallthrough
	case reflect.Array:
		if depth >= s.maxDepth {
			s.truncated = true
			return maxDepthPlaceholder
		}
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			item := s.walk(v.Index(i), depth+1)
			if _, dropped := item.(droppedValue); dropped {
				item = nil
			}
			out[i] = item
		}
		return out
	default:
		return v.Interface()
	}
}

// structFields appends v's exported fields to obj, flattening
// embedded structs without a json name.
func (s *serializer) structFields(v reflect.Value, depth int, obj *orderedObject) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		fv := v.Field(i)

		if field.Anonymous && name == "" {
			ft := field.Type
			if ft.Kind() == reflect.Ptr {
				if fv.IsNil() {
					continue
				}
				ft = ft.Elem()
				fv = fv.Elem()
			}
			if ft.Kind() == reflect.Struct && !reflect.PointerTo(ft).Implements(jsonMarshalerType) {
				s.structFields(fv, depth, obj)
				continue
			}
		}
		if !field.IsExported() {
			continue
		}
		if name == "" {
			name = field.Name
		}
		if strings.Contains(opts, "omitempty") && isEmptyValue(fv) {
			continue
		}
		value := s.walk(fv, depth)
		if _, dropped := value.(droppedValue); dropped {
			continue
		}
		*obj = append(*obj, objectField{key: name, value: value})
	}
}

func (s *serializer) mapValue(v reflect.Value, depth int) any {
	obj := make(orderedObject, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		value := s.walk(iter.Value(), depth)
		if _, dropped := value.(droppedValue); dropped {
			continue
		}
		obj = append(obj, objectField{key: mapKey(iter.Key()), value: value})
	}
	sort.Slice(obj, func(i, j int) bool { return obj[i].key < obj[j].key })
	return obj
}

func mapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	if k.Type().Implements(textMarshalerType) {
		if b, err := k.Interface().(encoding.TextMarshaler).MarshalText(); err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(k.Interface())
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Ptr:
		return v.IsNil()
	default:
		return false
	}
}
