// Package payload converts probe results into the JSON stored with a job.
//
// Normalize walks arbitrary Go values and produces a canonical JSON document:
// enum-like values become their string form, identifiers and timestamps are
// rendered as strings, map keys are sorted and HTML is not escaped. Running a
// decoded payload through Normalize again yields identical bytes.
package payload

import (
	"bytes"
	"encoding"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var (
	timeType        = reflect.TypeFor[time.Time]()
	numberType      = reflect.TypeFor[json.Number]()
	rawMessageType  = reflect.TypeFor[json.RawMessage]()
	textMarshalType = reflect.TypeFor[encoding.TextMarshaler]()
	stringerType    = reflect.TypeFor[fmt.Stringer]()
)

// Normalize encodes v as canonical JSON.
func Normalize(v any) (json.RawMessage, error) {
	w := &walker{onPath: make(map[visit]struct{})}
	tree, err := w.toJSON(reflect.ValueOf(v), "$")
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return json.RawMessage(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// Decode parses a stored payload, keeping numbers in their original textual
// form so that re-normalizing does not lose precision.
func Decode(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

// ErrorPayload builds the payload stored when a result could not be encoded.
func ErrorPayload(reason string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"error": reason})
	return b
}

// Lookup returns the top-level value stored under key in an object payload.
func Lookup(raw json.RawMessage, key string) (any, bool) {
	v, err := Decode(raw)
	if err != nil {
		return nil, false
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	val, ok := m[key]
	return val, ok
}

// visit identifies a map, slice or pointer on the path being walked.
type visit struct {
	ptr uintptr
	typ reflect.Type
	n   int
}

// walker converts values to plain JSON trees and rejects reference cycles.
type walker struct {
	onPath map[visit]struct{}
}

func (w *walker) enter(v reflect.Value, path string) (visit, error) {
	key := visit{ptr: v.Pointer(), typ: v.Type()}
	if v.Kind() == reflect.Slice {
		key.n = v.Len()
	}
	if _, ok := w.onPath[key]; ok {
		return key, fmt.Errorf("cycle at %s", path)
	}
	w.onPath[key] = struct{}{}
	return key, nil
}

func (w *walker) toJSON(v reflect.Value, path string) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil, nil
		}
		return w.toJSON(v.Elem(), path)
	case reflect.Pointer:
		if v.IsNil() {
			return nil, nil
		}
		key, err := w.enter(v, path)
		if err != nil {
			return nil, err
		}
		defer delete(w.onPath, key)
		return w.toJSON(v.Elem(), path)
	case reflect.Map, reflect.Slice:
		if !v.IsNil() && v.Len() > 0 {
			key, err := w.enter(v, path)
			if err != nil {
				return nil, err
			}
			defer delete(w.onPath, key)
		}
	}

	t := v.Type()
	switch {
	case t == timeType:
		return v.Interface().(time.Time).UTC().Format(time.RFC3339Nano), nil
	case t == numberType:
		return v.Interface().(json.Number), nil
	case t == rawMessageType:
		if v.Len() == 0 {
			return nil, nil
		}
		decoded, err := Decode(v.Interface().(json.RawMessage))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return w.toJSON(reflect.ValueOf(decoded), path)
	case t.Implements(textMarshalType):
		b, err := v.Interface().(encoding.TextMarshaler).MarshalText()
		if err != nil {
			return nil, fmt.Errorf("%s: marshal text: %w", path, err)
		}
		return string(b), nil
	case isEnum(t):
		return v.Interface().(fmt.Stringer).String(), nil
	}

	switch v.Kind() {
	case reflect.Bool:
		return v.Bool(), nil
	case reflect.String:
		return v.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint(), nil
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%s: non-finite number %v", path, f)
		}
		return f, nil
	case reflect.Slice:
		if v.IsNil() {
			return nil, nil
		}
		if t.Elem().Kind() == reflect.Uint8 {
			return base64.StdEncoding.EncodeToString(v.Bytes()), nil
		}
		return w.toJSONList(v, path)
	case reflect.Array:
		return w.toJSONList(v, path)
	case reflect.Map:
		if v.IsNil() {
			return nil, nil
		}
		return w.toJSONMap(v, path)
	case reflect.Struct:
		out := make(map[string]any)
		if err := w.structFields(v, path, out); err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s: unsupported type %s", path, t)
}

// isEnum reports whether t is a named scalar type with a String method.
func isEnum(t reflect.Type) bool {
	if t.PkgPath() == "" || !t.Implements(stringerType) {
		return false
	}
	switch t.Kind() {
	case reflect.String, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func (w *walker) toJSONList(v reflect.Value, path string) (any, error) {
	out := make([]any, v.Len())
	for i := range v.Len() {
		elem, err := w.toJSON(v.Index(i), path+"["+strconv.Itoa(i)+"]")
		if err != nil {
			return nil, err
		}
		out[i] = elem
	}
	return out, nil
}

func (w *walker) toJSONMap(v reflect.Value, path string) (any, error) {
	out := make(map[string]any, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		key, err := mapKey(iter.Key(), path)
		if err != nil {
			return nil, err
		}
		elem, err := w.toJSON(iter.Value(), path+"."+key)
		if err != nil {
			return nil, err
		}
		out[key] = elem
	}
	return out, nil
}

func mapKey(k reflect.Value, path string) (string, error) {
	if k.Kind() == reflect.Interface {
		k = k.Elem()
	}
	if k.Type().Implements(textMarshalType) {
		b, err := k.Interface().(encoding.TextMarshaler).MarshalText()
		if err != nil {
			return "", fmt.Errorf("%s: marshal key: %w", path, err)
		}
		return string(b), nil
	}
	if isEnum(k.Type()) {
		return k.Interface().(fmt.Stringer).String(), nil
	}
	switch k.Kind() {
	case reflect.String:
		return k.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(k.Uint(), 10), nil
	}
	return "", fmt.Errorf("%s: unsupported map key type %s", path, k.Type())
}

// structFields follows encoding/json field naming: the json tag name when
// present, "-" skips, omitempty drops zero values and untagged embedded
// structs are flattened.
func (w *walker) structFields(v reflect.Value, path string, out map[string]any) error {
	t := v.Type()
	for i := range t.NumField() {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		fv := v.Field(i)

		if f.Anonymous && name == "" {
			ft := f.Type
			if ft.Kind() == reflect.Pointer {
				if fv.IsNil() {
					continue
				}
				fv, ft = fv.Elem(), ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				if err := w.structFields(fv, path, out); err != nil {
					return err
				}
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		if strings.Contains(opts, "omitempty") && fv.IsZero() {
			continue
		}
		val, err := w.toJSON(fv, path+"."+name)
		if err != nil {
			return err
		}
		out[name] = val
	}
	return nil
}
