// Package bencode implements the bencoding codec used throughout this
// module. Marshal always produces sorted-key, unpadded-integer canonical
// output so that bencode(decode(x)) == x for any input produced by
// this package, and so the infohash (SHA-1 of the canonical info dict) is
// reproducible. Decode additionally exposes RawMessage, used by metainfo to
// keep the original info dict bytes untouched for hashing.
package bencode

import (
	"bytes"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strconv"
)

// RawMessage holds an undecoded bencoded value, preserving its exact bytes.
// metainfo.MetaInfo embeds the info dict as a RawMessage so re-encoding it
// for SHA-1 never risks a round-trip drift.
type RawMessage []byte

func (r RawMessage) MarshalBencode() ([]byte, error) { return r, nil }

func (r *RawMessage) UnmarshalBencode(b []byte) error {
	*r = append((*r)[:0], b...)
	return nil
}

// Marshaler lets a type control its own bencoding, mirroring RawMessage.
type Marshaler interface {
	MarshalBencode() ([]byte, error)
}

// Unmarshaler lets a type control its own decoding from a raw bencoded slice.
type Unmarshaler interface {
	UnmarshalBencode([]byte) error
}

func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Unmarshal(data []byte, v any) error {
	d := NewDecoder(bytes.NewReader(data))
	return d.Decode(v)
}

// --- Encoder ---

type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

func (e *Encoder) Encode(v any) error {
	if m, ok := v.(Marshaler); ok {
		b, err := m.MarshalBencode()
		if err != nil {
			return err
		}
		_, err = e.w.Write(b)
		return err
	}
	return e.encodeValue(reflect.ValueOf(v))
}

func (e *Encoder) encodeValue(rv reflect.Value) error {
	if !rv.IsValid() {
		return e.encodeString("")
	}
	if m, ok := rv.Interface().(Marshaler); ok {
		b, err := m.MarshalBencode()
		if err != nil {
			return err
		}
		_, err = e.w.Write(b)
		return err
	}
	switch rv.Kind() {
	case reflect.String:
		return e.encodeString(rv.String())
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return e.encodeString(string(rv.Bytes()))
		}
		return e.encodeList(rv)
	case reflect.Bool:
		if rv.Bool() {
			return e.encodeInt(1)
		}
		return e.encodeInt(0)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return e.encodeInt(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return e.encodeInt(int64(rv.Uint()))
	case reflect.Map:
		return e.encodeMap(rv)
	case reflect.Struct:
		return e.encodeStruct(rv)
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return e.encodeString("")
		}
		return e.encodeValue(rv.Elem())
	default:
		return fmt.Errorf("bencode: unsupported kind %v", rv.Kind())
	}
}

func (e *Encoder) encodeString(s string) error {
	if _, err := io.WriteString(e.w, strconv.Itoa(len(s))+":"); err != nil {
		return err
	}
	_, err := io.WriteString(e.w, s)
	return err
}

func (e *Encoder) encodeInt(n int64) error {
	_, err := io.WriteString(e.w, "i"+strconv.FormatInt(n, 10)+"e")
	return err
}

func (e *Encoder) encodeList(rv reflect.Value) error {
	if _, err := io.WriteString(e.w, "l"); err != nil {
		return err
	}
	for i := 0; i < rv.Len(); i++ {
		if err := e.encodeValue(rv.Index(i)); err != nil {
			return err
		}
	}
	_, err := io.WriteString(e.w, "e")
	return err
}

func (e *Encoder) encodeMap(rv reflect.Value) error {
	if _, err := io.WriteString(e.w, "d"); err != nil {
		return err
	}
	keys := rv.MapKeys()
	ks := make([]string, len(keys))
	for i, k := range keys {
		ks[i] = fmt.Sprint(k.Interface())
	}
	idx := make([]int, len(keys))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return ks[idx[a]] < ks[idx[b]] })
	for _, i := range idx {
		if err := e.encodeString(ks[i]); err != nil {
			return err
		}
		if err := e.encodeValue(rv.MapIndex(keys[i])); err != nil {
			return err
		}
	}
	_, err := io.WriteString(e.w, "e")
	return err
}

type fieldSpec struct {
	name      string
	index     int
	omitempty bool
	ignore    bool
}

func structFields(t reflect.Type) []fieldSpec {
	out := make([]fieldSpec, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" { // unexported
			continue
		}
		tag := f.Tag.Get("bencode")
		spec := fieldSpec{name: f.Name, index: i}
		if tag == "-" {
			spec.ignore = true
		} else if tag != "" {
			parts := splitTag(tag)
			if parts[0] != "" {
				spec.name = parts[0]
			}
			for _, p := range parts[1:] {
				if p == "omitempty" {
					spec.omitempty = true
				}
			}
		}
		out = append(out, spec)
	}
	return out
}

func splitTag(tag string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(tag); i++ {
		if i == len(tag) || tag[i] == ',' {
			out = append(out, tag[start:i])
			start = i + 1
		}
	}
	return out
}

func (e *Encoder) encodeStruct(rv reflect.Value) error {
	if _, err := io.WriteString(e.w, "d"); err != nil {
		return err
	}
	specs := structFields(rv.Type())
	type kv struct {
		name string
		val  reflect.Value
	}
	var kvs []kv
	for _, s := range specs {
		if s.ignore {
			continue
		}
		fv := rv.Field(s.index)
		if s.omitempty && fv.IsZero() {
			continue
		}
		kvs = append(kvs, kv{s.name, fv})
	}
	sort.Slice(kvs, func(a, b int) bool { return kvs[a].name < kvs[b].name })
	for _, e2 := range kvs {
		if err := e.encodeString(e2.name); err != nil {
			return err
		}
		if err := e.encodeValue(e2.val); err != nil {
			return err
		}
	}
	_, err := io.WriteString(e.w, "e")
	return err
}
