// Package record holds the logical field representation shared by both
// backends and the codec that maps it onto each backend's wire format.
package record

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Record is one entity row as the domain sees it: field name to value.
// Values are strings, numbers, booleans or nil.
type Record map[string]any

// Clone returns a shallow copy so callers can stamp fields without
// mutating the input.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Has reports whether the field is present, even if nil.
func (r Record) Has(field string) bool {
	_, ok := r[field]
	return ok
}

// Int64 reads an integer field, tolerating the numeric types each backend
// decodes into (sqlite scans int64, JSON decodes float64).
func (r Record) Int64(field string) int64 {
	switch v := r[field].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case uint:
		return int64(v)
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	case bool:
		if v {
			return 1
		}
		return 0
	default:
		return 0
	}
}

func (r Record) String(field string) string {
	switch v := r[field].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// Bool reads a boolean field. The relational store persists booleans as
// 0/1 integers, the document store keeps them native.
func (r Record) Bool(field string) bool {
	switch v := r[field].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case int:
		return v != 0
	case float64:
		return v != 0
	case string:
		return v == "1" || strings.EqualFold(v, "true")
	default:
		return false
	}
}

// Decimal reads a monetary or quantity field. Amounts travel as strings
// to keep exact precision across both backends.
func (r Record) Decimal(field string) decimal.Decimal {
	switch v := r[field].(type) {
	case decimal.Decimal:
		return v
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero
		}
		return d
	case float64:
		return decimal.NewFromFloat(v)
	case int64:
		return decimal.NewFromInt(v)
	case int:
		return decimal.NewFromInt(int64(v))
	case []byte:
		d, err := decimal.NewFromString(string(v))
		if err != nil {
			return decimal.Zero
		}
		return d
	default:
		return decimal.Zero
	}
}

// Time reads an epoch-millisecond timestamp field.
func (r Record) Time(field string) time.Time {
	ms := r.Int64(field)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// IsNull reports a present-but-null field, the shape a cleared foreign
// key takes after a referenced row is deleted.
func (r Record) IsNull(field string) bool {
	v, ok := r[field]
	return ok && v == nil
}
