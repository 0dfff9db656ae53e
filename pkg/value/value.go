// Package value implements the closed serialization grammar of the job
// argument/result trees: primitives, ordered mappings, sequences, a
// tuple-tagged sequence variant, File references, N-dimensional arrays (via
// File), and references to other Jobs. Everything else fails to serialize.
//
// This is the "dynamically-typed heterogeneous argument trees → tagged
// union" reimplementation called for by DESIGN NOTES §9: all
// serialize/deserialize/resolve logic is a switch over Kind rather than a
// type-switch over interface{}.
package value

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind tags the variant a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindTuple
	KindMap
	KindFile
	KindNdarray
	KindJobRef
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindTuple:
		return "tuple"
	case KindMap:
		return "map"
	case KindFile:
		return "file"
	case KindNdarray:
		return "ndarray"
	case KindJobRef:
		return "job_ref"
	default:
		return "unknown"
	}
}

// ErrNotSerializable is returned (wrapped) when a Go value does not fit the
// closed grammar above. It maps to job.NotSerializableError at the job layer.
var ErrNotSerializable = errors.New("value: not serializable")

// ItemType distinguishes what a File reference points at.
type ItemType string

const (
	ItemTypeFile    ItemType = "file"
	ItemTypeNdarray ItemType = "ndarray"
)

// File is a handle to a blob in the content store.
type File struct {
	URI      string   `json:"sha1_path"`
	ItemType ItemType `json:"item_type"`
}

// Value is a tagged union over the job-tree grammar. The zero Value is Null.
type Value struct {
	kind Kind

	b    bool
	i    int64
	f    float64
	s    string
	list []Value   // List or Tuple
	m    *OrderedMap
	file File
	job  string // job.ID string form, for KindJobRef
}

// OrderedMap preserves the insertion order of string keys: an ordered
// mapping with string keys.
type OrderedMap struct {
	keys   []string
	values map[string]Value
}

// NewOrderedMap creates an empty ordered map.
func NewOrderedMap() *OrderedMap {
	return &OrderedMap{values: make(map[string]Value)}
}

// Set inserts or updates a key, preserving first-insertion order.
func (m *OrderedMap) Set(key string, v Value) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = v
}

// Get retrieves a key.
func (m *OrderedMap) Get(key string) (Value, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Keys returns keys in insertion order.
func (m *OrderedMap) Keys() []string {
	return append([]string(nil), m.keys...)
}

// Len returns the number of keys.
func (m *OrderedMap) Len() int {
	return len(m.keys)
}

// --- constructors ---

func Null() Value                { return Value{kind: KindNull} }
func NewBool(b bool) Value       { return Value{kind: KindBool, b: b} }
func NewInt(i int64) Value       { return Value{kind: KindInt, i: i} }
func NewFloat(f float64) Value   { return Value{kind: KindFloat, f: f} }
func NewString(s string) Value   { return Value{kind: KindString, s: s} }
func NewList(items []Value) Value {
	return Value{kind: KindList, list: items}
}
func NewTuple(items []Value) Value {
	return Value{kind: KindTuple, list: items}
}
func NewMap(m *OrderedMap) Value {
	if m == nil {
		m = NewOrderedMap()
	}
	return Value{kind: KindMap, m: m}
}
func NewFile(uri string, itemType ItemType) Value {
	return Value{kind: KindFile, file: File{URI: uri, ItemType: itemType}}
}
func NewNdarray(uri string) Value {
	return Value{kind: KindNdarray, file: File{URI: uri, ItemType: ItemTypeNdarray}}
}
func NewJobRef(jobID string) Value {
	return Value{kind: KindJobRef, job: jobID}
}

// --- inspection ---

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool)       { return v.b, v.kind == KindBool }
func (v Value) AsInt() (int64, bool)       { return v.i, v.kind == KindInt }
func (v Value) AsFloat() (float64, bool)   { return v.f, v.kind == KindFloat }
func (v Value) AsString() (string, bool)   { return v.s, v.kind == KindString }
func (v Value) AsJobRef() (string, bool)   { return v.job, v.kind == KindJobRef }

func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.list, true
}

func (v Value) AsTuple() ([]Value, bool) {
	if v.kind != KindTuple {
		return nil, false
	}
	return v.list, true
}

func (v Value) AsMap() (*OrderedMap, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return v.m, true
}

func (v Value) AsFile() (File, bool) {
	if v.kind != KindFile && v.kind != KindNdarray {
		return File{}, false
	}
	return v.file, true
}

// Walk visits every Value reachable from v (v itself plus nested list/tuple
// items and map values), depth-first. Used by the Job Manager to find
// unresolved Job references and File references in a result/argument tree.
func (v Value) Walk(fn func(Value)) {
	fn(v)
	switch v.kind {
	case KindList, KindTuple:
		for _, item := range v.list {
			item.Walk(fn)
		}
	case KindMap:
		if v.m != nil {
			for _, k := range v.m.Keys() {
				item, _ := v.m.Get(k)
				item.Walk(fn)
			}
		}
	}
}

// Map applies fn to every Value in the tree bottom-up and rebuilds the tree
// from the results, preserving structure. Used to replace JobRef values with
// their resolved results and File references with their content.
func (v Value) Map(fn func(Value) (Value, error)) (Value, error) {
	switch v.kind {
	case KindList:
		out := make([]Value, len(v.list))
		for i, item := range v.list {
			mapped, err := item.Map(fn)
			if err != nil {
				return Value{}, err
			}
			out[i] = mapped
		}
		return fn(NewList(out))
	case KindTuple:
		out := make([]Value, len(v.list))
		for i, item := range v.list {
			mapped, err := item.Map(fn)
			if err != nil {
				return Value{}, err
			}
			out[i] = mapped
		}
		return fn(NewTuple(out))
	case KindMap:
		out := NewOrderedMap()
		if v.m != nil {
			for _, k := range v.m.Keys() {
				item, _ := v.m.Get(k)
				mapped, err := item.Map(fn)
				if err != nil {
					return Value{}, err
				}
				out.Set(k, mapped)
			}
		}
		return fn(NewMap(out))
	default:
		return fn(v)
	}
}

// wireTuple / wireFile mirror the JSON tags the wire format mandates:
// {"_type": "tuple", "data": [...]} and
// {"_type": "hither_file", "sha1_path": "...", "item_type": "..."}.
type wireTuple struct {
	Type string  `json:"_type"`
	Data []Value `json:"data"`
}

type wireFile struct {
	Type     string   `json:"_type"`
	URI      string   `json:"sha1_path"`
	ItemType ItemType `json:"item_type"`
}

type wireJobRef struct {
	Type  string `json:"_type"`
	JobID string `json:"job_id"`
}

const (
	wireTypeTuple  = "tuple"
	wireTypeFile   = "hither_file"
	wireTypeJobRef = "hither_job_ref"
)

// MarshalJSON implements the wire grammar.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindInt:
		return json.Marshal(v.i)
	case KindFloat:
		return json.Marshal(v.f)
	case KindString:
		return json.Marshal(v.s)
	case KindList:
		return json.Marshal(v.list)
	case KindTuple:
		return json.Marshal(wireTuple{Type: wireTypeTuple, Data: v.list})
	case KindMap:
		// encoding/json marshals maps alphabetically; to preserve insertion
		// order we hand-roll it.
		var buf []byte
		buf = append(buf, '{')
		if v.m != nil {
			for i, k := range v.m.Keys() {
				if i > 0 {
					buf = append(buf, ',')
				}
				keyJSON, err := json.Marshal(k)
				if err != nil {
					return nil, err
				}
				buf = append(buf, keyJSON...)
				buf = append(buf, ':')
				item, _ := v.m.Get(k)
				itemJSON, err := item.MarshalJSON()
				if err != nil {
					return nil, err
				}
				buf = append(buf, itemJSON...)
			}
		}
		buf = append(buf, '}')
		return buf, nil
	case KindFile, KindNdarray:
		return json.Marshal(wireFile{Type: wireTypeFile, URI: v.file.URI, ItemType: v.file.ItemType})
	case KindJobRef:
		return json.Marshal(wireJobRef{Type: wireTypeJobRef, JobID: v.job})
	default:
		return nil, fmt.Errorf("%w: unknown kind %v", ErrNotSerializable, v.kind)
	}
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Null()
		return nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err == nil {
		if typeRaw, ok := probe["_type"]; ok {
			var typeTag string
			if err := json.Unmarshal(typeRaw, &typeTag); err != nil {
				return err
			}
			switch typeTag {
			case wireTypeTuple:
				var wt wireTuple
				if err := json.Unmarshal(data, &wt); err != nil {
					return err
				}
				*v = NewTuple(wt.Data)
				return nil
			case wireTypeFile:
				var wf wireFile
				if err := json.Unmarshal(data, &wf); err != nil {
					return err
				}
				if wf.ItemType == ItemTypeNdarray {
					*v = NewNdarray(wf.URI)
				} else {
					*v = NewFile(wf.URI, wf.ItemType)
				}
				return nil
			case wireTypeJobRef:
				var wj wireJobRef
				if err := json.Unmarshal(data, &wj); err != nil {
					return err
				}
				*v = NewJobRef(wj.JobID)
				return nil
			}
		}

		// A plain ordered map: decode key order from the raw bytes.
		om := NewOrderedMap()
		keys, err := jsonObjectKeyOrder(data)
		if err != nil {
			return err
		}
		for _, k := range keys {
			var item Value
			if err := json.Unmarshal(probe[k], &item); err != nil {
				return err
			}
			om.Set(k, item)
		}
		*v = NewMap(om)
		return nil
	}

	var list []Value
	if err := json.Unmarshal(data, &list); err == nil {
		*v = NewList(list)
		return nil
	}

	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*v = NewBool(b)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = NewString(s)
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		if f == float64(int64(f)) {
			*v = NewInt(int64(f))
		} else {
			*v = NewFloat(f)
		}
		return nil
	}

	return fmt.Errorf("value: cannot unmarshal %s", string(data))
}

// jsonObjectKeyOrder walks a raw JSON object token stream to recover key
// order, which encoding/json's map decoding otherwise discards.
func jsonObjectKeyOrder(data []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("value: expected object")
	}

	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("value: expected string key")
		}
		keys = append(keys, key)

		// Skip the value token(s).
		if err := skipJSONValue(dec); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

func skipJSONValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil
	}
	if delim == '{' || delim == '[' {
		depth := 1
		for depth > 0 {
			tok, err := dec.Token()
			if err != nil {
				return err
			}
			if d, ok := tok.(json.Delim); ok {
				switch d {
				case '{', '[':
					depth++
				case '}', ']':
					depth--
				}
			}
		}
	}
	return nil
}
