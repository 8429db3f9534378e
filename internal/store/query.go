package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/smallbiznis/tillside/internal/ident"
	"github.com/smallbiznis/tillside/internal/record"
	"gorm.io/gorm"
)

// Query is the predicate subset both backends support identically:
// equality, IN, ordering and limit. SQL-only constructs (OR, IS NULL,
// ranges) are deliberately absent; callers needing them post-filter in
// memory.
type Query struct {
	conds   []cond
	byID    *ident.RecordID
	orderBy string
	desc    bool
	limit   int
}

type condOp int

const (
	opEq condOp = iota
	opIn
)

type cond struct {
	field  string
	op     condOp
	value  any
	values []any
}

// Q starts a new query.
func Q() *Query { return &Query{} }

func (q *Query) Eq(field string, v any) *Query {
	q.conds = append(q.conds, cond{field: field, op: opEq, value: v})
	return q
}

func (q *Query) In(field string, vs ...any) *Query {
	q.conds = append(q.conds, cond{field: field, op: opIn, values: vs})
	return q
}

// ByID matches the entity's identifier regardless of which backend
// assigned it.
func (q *Query) ByID(id ident.RecordID) *Query {
	q.byID = &id
	return q
}

func (q *Query) OrderBy(field string, desc bool) *Query {
	q.orderBy = field
	q.desc = desc
	return q
}

func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// apply attaches the query to a gorm statement for the relational
// backend.
func (q *Query) apply(tx *gorm.DB) *gorm.DB {
	if q == nil {
		return tx
	}
	if q.byID != nil {
		if q.byID.IsLocal() {
			tx = tx.Where("id = ?", q.byID.Int())
		} else {
			// Remote document ids never address local rows.
			tx = tx.Where("1 = 0")
		}
	}
	for _, c := range q.conds {
		switch c.op {
		case opEq:
			tx = tx.Where(fmt.Sprintf("%s = ?", c.field), c.value)
		case opIn:
			tx = tx.Where(fmt.Sprintf("%s IN ?", c.field), c.values)
		}
	}
	if q.orderBy != "" {
		dir := "ASC"
		if q.desc {
			dir = "DESC"
		}
		tx = tx.Order(fmt.Sprintf("%s %s, id %s", q.orderBy, dir, dir))
	}
	if q.limit > 0 {
		tx = tx.Limit(q.limit)
	}
	return tx
}

// Matches evaluates the predicate against a decoded record, the document
// backend's execution path.
func (q *Query) Matches(rec record.Record, docID string) bool {
	if q == nil {
		return true
	}
	if q.byID != nil {
		if !q.byID.IsRemote() || q.byID.Doc() != docID {
			return false
		}
	}
	for _, c := range q.conds {
		switch c.op {
		case opEq:
			if !looseEqual(rec[c.field], c.value) {
				return false
			}
		case opIn:
			hit := false
			for _, v := range c.values {
				if looseEqual(rec[c.field], v) {
					hit = true
					break
				}
			}
			if !hit {
				return false
			}
		}
	}
	return true
}

// SortAndClip orders and truncates an in-memory result set the same way
// the relational backend would.
func (q *Query) SortAndClip(recs []record.Record) []record.Record {
	if q == nil {
		return recs
	}
	if q.orderBy != "" {
		field := q.orderBy
		sort.SliceStable(recs, func(i, j int) bool {
			less := looseLess(recs[i][field], recs[j][field])
			if q.desc {
				return looseLess(recs[j][field], recs[i][field])
			}
			return less
		})
	}
	if q.limit > 0 && len(recs) > q.limit {
		recs = recs[:q.limit]
	}
	return recs
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if sa, ok := a.(string); ok {
		if sb, ok2 := b.(string); ok2 {
			return sa == sb
		}
	}
	na, aNum := asFloat(a)
	nb, bNum := asFloat(b)
	if aNum && bNum {
		return na == nb
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func looseLess(a, b any) bool {
	na, aNum := asFloat(a)
	nb, bNum := asFloat(b)
	if aNum && bNum {
		return na < nb
	}
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b)) < 0
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
