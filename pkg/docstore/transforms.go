package docstore

import "time"

// A transform is a field value computed against the stored value at commit time.
type transform interface {
	apply(old any, now time.Time) any
}

type incrementOp struct{ n float64 }

func (o incrementOp) apply(old any, _ time.Time) any {
	if f, ok := old.(float64); ok {
		return f + o.n
	}
	return o.n
}

type arrayUnionOp struct{ values []string }

func (o arrayUnionOp) apply(old any, _ time.Time) any {
	out := stringSlice(old)
	for _, v := range o.values {
		if !containsString(out, v) {
			out = append(out, v)
		}
	}
	return out
}

type arrayRemoveOp struct{ values []string }

func (o arrayRemoveOp) apply(old any, _ time.Time) any {
	in := stringSlice(old)
	out := in[:0]
	for _, v := range in {
		if !containsString(o.values, v) {
			out = append(out, v)
		}
	}
	return out
}

type serverTimestampOp struct{}

func (serverTimestampOp) apply(_ any, now time.Time) any {
	return now
}

// Increment adds n to a numeric field, treating a missing or non-numeric field as 0.
func Increment(n float64) any { return incrementOp{n: n} }

// ArrayUnion appends each value not already present in a string array field.
func ArrayUnion(values ...string) any { return arrayUnionOp{values: values} }

// ArrayRemove drops every occurrence of values from a string array field.
func ArrayRemove(values ...string) any { return arrayRemoveOp{values: values} }

// ServerTimestamp resolves to the commit time assigned by the store.
func ServerTimestamp() any { return serverTimestampOp{} }

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return []string{}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
