// Package schema defines the fixed table set of the local store and the
// replication/ownership metadata the unified store consults on every write.
package schema

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

//go:embed schema.sql
var ddl string

var ErrUnknownTable = errors.New("unknown_table")

// Cascade describes a child table deleted together with its parent row.
type Cascade struct {
	Table string
	FK    string
}

// NullLink describes a table whose foreign key is cleared, not cascaded,
// when the referenced row is deleted. Deleting a customer must not erase
// the orders that referenced it.
type NullLink struct {
	Table string
	FK    string
}

// Table carries the per-table metadata the store layer needs.
type Table struct {
	Name      string
	Syncable  bool
	Cascades  []Cascade
	NullLinks []NullLink
}

var tables = map[string]Table{
	"settings":   {Name: "settings"},
	"roles":      {Name: "roles"},
	"users":      {Name: "users"},
	"categories": {Name: "categories"},
	"tables":     {Name: "tables"},
	"audit_log":  {Name: "audit_log"},
	"sync_queue": {Name: "sync_queue"},

	"products": {
		Name:     "products",
		Syncable: true,
		NullLinks: []NullLink{
			{Table: "order_items", FK: "product_id"},
			{Table: "purchase_items", FK: "product_id"},
		},
		Cascades: []Cascade{{Table: "inventory", FK: "product_id"}},
	},
	"customers": {
		Name:     "customers",
		Syncable: true,
		Cascades: []Cascade{{Table: "credit_transactions", FK: "subject_id"}},
		NullLinks: []NullLink{
			{Table: "orders", FK: "customer_id"},
		},
	},
	"suppliers": {
		Name:      "suppliers",
		Syncable:  true,
		NullLinks: []NullLink{{Table: "purchases", FK: "supplier_id"}},
	},
	"orders": {
		Name:     "orders",
		Syncable: true,
		Cascades: []Cascade{
			{Table: "order_items", FK: "order_id"},
			{Table: "payments", FK: "order_id"},
		},
	},
	"order_items": {Name: "order_items", Syncable: true},
	"payments":    {Name: "payments", Syncable: true},
	"inventory":   {Name: "inventory", Syncable: true},
	"stock_transactions": {
		Name:     "stock_transactions",
		Syncable: true,
	},
	"inventory_ledger": {Name: "inventory_ledger", Syncable: true},
	"purchases": {
		Name:     "purchases",
		Syncable: true,
		Cascades: []Cascade{
			{Table: "purchase_items", FK: "purchase_id"},
			{Table: "purchase_payments", FK: "purchase_id"},
		},
	},
	"purchase_items":      {Name: "purchase_items", Syncable: true},
	"purchase_payments":   {Name: "purchase_payments", Syncable: true},
	"expenses":            {Name: "expenses", Syncable: true},
	"day_sessions":        {Name: "day_sessions", Syncable: true},
	"credit_transactions": {Name: "credit_transactions", Syncable: true},
}

// Lookup resolves a table by name.
func Lookup(name string) (Table, error) {
	t, ok := tables[name]
	if !ok {
		return Table{}, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	return t, nil
}

// Known reports whether the table is part of the fixed schema.
func Known(name string) bool {
	_, ok := tables[name]
	return ok
}

// Names returns every table name, order unspecified.
func Names() []string {
	out := make([]string, 0, len(tables))
	for name := range tables {
		out = append(out, name)
	}
	return out
}

// Apply creates the local schema. Statements are idempotent so Apply can
// run on every startup.
func Apply(ctx context.Context, db *gorm.DB) error {
	for _, stmt := range statements() {
		if err := db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Drop removes every table, used by ResetDatabase before re-applying the
// schema. Only ever pointed at the local store.
func Drop(ctx context.Context, db *gorm.DB) error {
	for name := range tables {
		if err := db.WithContext(ctx).Exec("DROP TABLE IF EXISTS " + name).Error; err != nil {
			return fmt.Errorf("drop %s: %w", name, err)
		}
	}
	return nil
}

func statements() []string {
	parts := strings.Split(ddl, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(stripComments(p)) == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func stripComments(stmt string) string {
	lines := strings.Split(stmt, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
