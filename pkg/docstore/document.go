// Package docstore is an embedded document database shaped after hosted realtime stores:
// documents live in slash-separated collections, queries are ordered and capped, and live
// queries deliver the full result window plus a list of row changes on every write.
//
// Documents are kept in memory and, when a DiskKV is attached, written through to badger
// as protobuf-encoded structs.
package docstore

import (
	"fmt"
	"math"
	"time"
)

// Fields is the content of a document. Values are normalized on write: every number becomes
// float64, string slices become []string, and time.Time is kept as is.
type Fields map[string]any

type Document struct {
	ID         string
	Collection string
	Fields     Fields
	CreateTime time.Time
	UpdateTime time.Time

	version uint64
}

func (d Document) Has(field string) bool {
	_, ok := d.Fields[field]
	return ok
}

func (d Document) Get(field string) any {
	return d.Fields[field]
}

func (d Document) String(field string) string {
	s, _ := d.Fields[field].(string)
	return s
}

// Float reports whether field holds a finite number.
func (d Document) Float(field string) (float64, bool) {
	f, ok := d.Fields[field].(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func (d Document) Int(field string) int {
	f, _ := d.Float(field)
	return int(f)
}

func (d Document) Bool(field string) bool {
	b, _ := d.Fields[field].(bool)
	return b
}

func (d Document) Strings(field string) []string {
	switch v := d.Fields[field].(type) {
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func (d Document) Time(field string) (time.Time, bool) {
	t, ok := d.Fields[field].(time.Time)
	return t, ok
}

// Path returns collection/id.
func (d Document) Path() string {
	return d.Collection + "/" + d.ID
}

func (d Document) clone() Document {
	out := d
	out.Fields = cloneFields(d.Fields)
	return out
}

func cloneFields(f Fields) Fields {
	if f == nil {
		return Fields{}
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	}
	return v
}

// normalizeValue converts caller values into the canonical in-store representation.
func normalizeValue(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, string, float64:
		return t, nil
	case time.Time:
		return t.UTC(), nil
	case int:
		return float64(t), nil
	case int8:
		return float64(t), nil
	case int16:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint:
		return float64(t), nil
	case uint8:
		return float64(t), nil
	case uint16:
		return float64(t), nil
	case uint32:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case float32:
		return float64(t), nil
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out, nil
	case []any:
		allStrings := true
		out := make([]any, len(t))
		for i, e := range t {
			n, err := normalizeValue(e)
			if err != nil {
				return nil, err
			}
			if _, ok := n.(string); !ok {
				allStrings = false
			}
			out[i] = n
		}
		if allStrings {
			ss := make([]string, len(out))
			for i, e := range out {
				ss[i] = e.(string)
			}
			return ss, nil
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			n, err := normalizeValue(e)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case Fields:
		return normalizeValue(map[string]any(t))
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}
