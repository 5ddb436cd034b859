package docstore

import (
	"sort"
	"strings"
	"time"
)

type Direction int

const (
	Asc Direction = iota
	Desc
)

func (d Direction) String() string {
	if d == Desc {
		return "desc"
	}
	return "asc"
}

// DocumentID used as a filter field matches the document id instead of a field.
const DocumentID = "__name__"

// Filter matches documents whose field equals Value.
type Filter struct {
	Field string
	Value any
}

// Query selects documents from one collection. Documents lacking the OrderBy field are
// excluded from the result. Ties are broken by document id in the same direction.
type Query struct {
	Collection string
	Filters    []Filter
	Order      string
	Dir        Direction
	Max        int
	After      *Document
}

// Collection starts a query over the given collection path.
func Collection(path string) Query {
	return Query{Collection: path}
}

func (q Query) Where(field string, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Value: value})
	return q
}

func (q Query) OrderBy(field string, dir Direction) Query {
	q.Order = field
	q.Dir = dir
	return q
}

func (q Query) Limit(n int) Query {
	q.Max = n
	return q
}

// StartAfter resumes the query after doc in this query's ordering.
func (q Query) StartAfter(doc Document) Query {
	d := doc.clone()
	q.After = &d
	return q
}

func (q Query) validate() error {
	if q.Collection == "" || strings.HasPrefix(q.Collection, "/") || strings.HasSuffix(q.Collection, "/") {
		return ErrInvalidQuery
	}
	if q.Max < 0 {
		return ErrInvalidQuery
	}
	return nil
}

func (q Query) matches(d Document) bool {
	for _, f := range q.Filters {
		if f.Field == DocumentID {
			if id, ok := f.Value.(string); !ok || id != d.ID {
				return false
			}
			continue
		}
		want, err := normalizeValue(f.Value)
		if err != nil {
			return false
		}
		got, ok := d.Fields[f.Field]
		if !ok || compareValues(got, want) != 0 {
			return false
		}
	}
	if q.Order != "" && !d.Has(q.Order) {
		return false
	}
	return true
}

// compare orders a and b under q.
func (q Query) compare(a, b Document) int {
	c := 0
	if q.Order != "" {
		c = compareValues(a.Fields[q.Order], b.Fields[q.Order])
	}
	if c == 0 {
		c = strings.Compare(a.ID, b.ID)
	}
	if q.Dir == Desc {
		c = -c
	}
	return c
}

// run filters, orders, pages and caps docs. The input is not modified.
func (q Query) run(docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if q.matches(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return q.compare(out[i], out[j]) < 0
	})
	if q.After != nil {
		cursor := *q.After
		i := sort.Search(len(out), func(i int) bool {
			return q.compare(out[i], cursor) > 0
		})
		out = out[i:]
	}
	if q.Max > 0 && len(out) > q.Max {
		out = out[:q.Max]
	}
	return out
}

// typeRank orders values of different kinds: null < bool < number < timestamp < string < other.
func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case time.Time:
		return 3
	case string:
		return 4
	}
	return 5
}

func compareValues(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch x := a.(type) {
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	case float64:
		y := b.(float64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case time.Time:
		return x.Compare(b.(time.Time))
	case string:
		return strings.Compare(x, b.(string))
	case []string:
		if y, ok := b.([]string); ok && equalStrings(x, y) {
			return 0
		}
		return -1
	}
	return 0
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
