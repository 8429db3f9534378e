package record

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wire field names shared by every syncable table.
const (
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
	FieldSynced    = "synced"
)

// StampNew fills the bookkeeping fields on a freshly inserted record:
// epoch-millisecond created_at/updated_at and, on syncable tables, a
// synced flag defaulting to false.
func StampNew(r Record, now time.Time, syncable bool) Record {
	out := r.Clone()
	ms := now.UTC().UnixMilli()
	if !out.Has(FieldCreatedAt) || out.Int64(FieldCreatedAt) == 0 {
		out[FieldCreatedAt] = ms
	}
	out[FieldUpdatedAt] = ms
	if syncable && !out.Has(FieldSynced) {
		out[FieldSynced] = false
	}
	return out
}

// StampUpdate refreshes updated_at and, on syncable tables, drops the
// record back to unsynced so the outbox replication picks it up.
func StampUpdate(r Record, now time.Time, syncable bool) Record {
	out := r.Clone()
	out[FieldUpdatedAt] = now.UTC().UnixMilli()
	if syncable {
		out[FieldSynced] = false
	}
	return out
}

// EncodeSQL maps a logical record to the relational store's column
// values: booleans become 0/1 integers, decimals become exact strings,
// time.Time values become epoch milliseconds.
func EncodeSQL(r Record) map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		switch t := v.(type) {
		case bool:
			if t {
				out[k] = int64(1)
			} else {
				out[k] = int64(0)
			}
		case decimal.Decimal:
			out[k] = t.String()
		case time.Time:
			out[k] = t.UTC().UnixMilli()
		default:
			out[k] = v
		}
	}
	return out
}

// EncodeDoc maps a logical record to the document store's JSON shape:
// booleans stay native, decimals become exact strings, timestamps stay
// epoch milliseconds so ordering survives serialization.
func EncodeDoc(r Record) map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		switch t := v.(type) {
		case decimal.Decimal:
			out[k] = t.String()
		case time.Time:
			out[k] = t.UTC().UnixMilli()
		default:
			out[k] = v
		}
	}
	return out
}

// DecodeSQL normalizes driver values scanned from the relational store
// back into a logical record.
func DecodeSQL(row map[string]any) Record {
	out := make(Record, len(row))
	for k, v := range row {
		switch t := v.(type) {
		case []byte:
			out[k] = string(t)
		default:
			out[k] = v
		}
	}
	return out
}

// DecodeDoc normalizes a JSON-decoded document. JSON numbers arrive as
// float64; integral ones are folded back to int64 so timestamp ordering
// and id comparisons behave.
func DecodeDoc(doc map[string]any) Record {
	out := make(Record, len(doc))
	for k, v := range doc {
		if f, ok := v.(float64); ok && f == float64(int64(f)) {
			out[k] = int64(f)
			continue
		}
		out[k] = v
	}
	return out
}
