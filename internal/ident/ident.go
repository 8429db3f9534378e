// Package ident defines the identifier scheme shared by both storage
// backends. The embedded relational store hands out auto-incrementing
// integers, the remote document store hands out opaque strings; a RecordID
// carries exactly one of the two so callers never branch on the active
// backend.
package ident

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidID = errors.New("invalid_record_id")

// Kind tags which backend assigned the identifier.
type Kind int

const (
	KindNone Kind = iota
	KindLocal
	KindRemote
)

// RecordID is a tagged union of a local integer row id and a remote
// document id. The zero value is "no identifier".
type RecordID struct {
	kind   Kind
	local  int64
	remote string
}

// LocalID wraps an auto-increment row id from the embedded store.
func LocalID(id int64) RecordID {
	if id <= 0 {
		return RecordID{}
	}
	return RecordID{kind: KindLocal, local: id}
}

// RemoteID wraps an opaque document id from the remote store.
func RemoteID(id string) RecordID {
	id = strings.TrimSpace(id)
	if id == "" {
		return RecordID{}
	}
	return RecordID{kind: KindRemote, remote: id}
}

// Parse accepts whatever identifier representation a caller happens to
// hold: an int64/int, a numeric string, or an opaque document id.
func Parse(v any) (RecordID, error) {
	switch t := v.(type) {
	case nil:
		return RecordID{}, ErrInvalidID
	case RecordID:
		return t, nil
	case int:
		return LocalID(int64(t)), nil
	case int64:
		return LocalID(t), nil
	case float64:
		return LocalID(int64(t)), nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return RecordID{}, ErrInvalidID
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
			return LocalID(n), nil
		}
		return RemoteID(s), nil
	default:
		return RecordID{}, fmt.Errorf("%w: %T", ErrInvalidID, v)
	}
}

func (id RecordID) Kind() Kind     { return id.kind }
func (id RecordID) IsZero() bool   { return id.kind == KindNone }
func (id RecordID) IsLocal() bool  { return id.kind == KindLocal }
func (id RecordID) IsRemote() bool { return id.kind == KindRemote }

// Int returns the local row id, zero when the id is remote or unset.
func (id RecordID) Int() int64 { return id.local }

// Doc returns the remote document id, empty when the id is local or unset.
func (id RecordID) Doc() string { return id.remote }

// Ref is the value a referencing column stores: the integer row id
// locally, the document id remotely.
func (id RecordID) Ref() any {
	if id.kind == KindRemote {
		return id.remote
	}
	return id.local
}

func (id RecordID) Equal(other RecordID) bool {
	return id.kind == other.kind && id.local == other.local && id.remote == other.remote
}

// String renders the identifier for keys, logs and outbox rows. Local ids
// render as their decimal form so a round trip through Parse is lossless.
func (id RecordID) String() string {
	switch id.kind {
	case KindLocal:
		return strconv.FormatInt(id.local, 10)
	case KindRemote:
		return id.remote
	default:
		return ""
	}
}

// Value lets a RecordID bind directly into a query argument.
func (id RecordID) Value() (driver.Value, error) {
	switch id.kind {
	case KindLocal:
		return id.local, nil
	case KindRemote:
		return id.remote, nil
	default:
		return nil, nil
	}
}

func (id RecordID) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case KindLocal:
		return json.Marshal(id.local)
	case KindRemote:
		return json.Marshal(id.remote)
	default:
		return []byte("null"), nil
	}
}

func (id *RecordID) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*id = RecordID{}
		return nil
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
