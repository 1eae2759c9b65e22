// Package resolver binds column references used by a query's executor to
// one of the tables participating in it, handling both qualified (T.c)
// and unqualified (c) forms.
//
// What: Set, a list of participating tables (and any aliases) in scan
// order, and Resolve, which maps a column reference to the table that
// owns it.
// How: qualified references split on the first '.' (mirroring the
// teacher's `strings.SplitN(name, ".", 2)` table-qualifier parsing) and
// look up the table/alias by name; unqualified references scan every
// participating table and succeed only if exactly one owns the column.
package resolver

import (
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrAmbiguousColumn is returned when an unqualified column name
	// appears in more than one participating table.
	ErrAmbiguousColumn = errors.New("resolver: ambiguous column")
	// ErrInvalidQualifiedName is returned for a malformed qualified
	// reference (empty table or column side, or more than one dot).
	ErrInvalidQualifiedName = errors.New("resolver: invalid qualified name")
	// ErrColumnNotFound is returned when no participating table has the
	// referenced column.
	ErrColumnNotFound = errors.New("resolver: column not found")
)

// Table is the minimal view a participating table needs to expose for
// column resolution: its own name, any alias it was joined under, and
// its column names in schema order.
type Table struct {
	Name    string
	Alias   string
	Columns []string
}

func (t Table) matchesQualifier(qualifier string) bool {
	return t.Name == qualifier || (t.Alias != "" && t.Alias == qualifier)
}

func (t Table) hasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Set is an ordered list of tables participating in one query (base table
// first, then joined tables in join order).
type Set struct {
	tables []Table
}

// NewSet builds a resolver Set from the tables participating in a query.
func NewSet(tables []Table) *Set {
	return &Set{tables: tables}
}

// Reference is a resolved column: which table owns it and the column's
// unqualified name.
type Reference struct {
	Table  Table
	Column string
}

// Resolve maps a column reference (qualified "T.c" or unqualified "c") to
// the table that owns it.
func (s *Set) Resolve(ref string) (Reference, error) {
	if strings.Contains(ref, ".") {
		return s.resolveQualified(ref)
	}
	return s.resolveUnqualified(ref)
}

func (s *Set) resolveQualified(ref string) (Reference, error) {
	parts := strings.SplitN(ref, ".", 2)
	if len(parts) != 2 {
		return Reference{}, errors.Wrapf(ErrInvalidQualifiedName, "%q", ref)
	}
	qualifier, column := parts[0], parts[1]
	if qualifier == "" || column == "" || strings.Contains(column, ".") {
		return Reference{}, errors.Wrapf(ErrInvalidQualifiedName, "%q", ref)
	}

	for _, t := range s.tables {
		if !t.matchesQualifier(qualifier) {
			continue
		}
		if !t.hasColumn(column) {
			return Reference{}, errors.Wrapf(ErrColumnNotFound, "%s.%s", qualifier, column)
		}
		return Reference{Table: t, Column: column}, nil
	}
	return Reference{}, errors.Wrapf(ErrColumnNotFound, "no table %q in scope", qualifier)
}

func (s *Set) resolveUnqualified(column string) (Reference, error) {
	var match *Table
	for i := range s.tables {
		if s.tables[i].hasColumn(column) {
			if match != nil {
				return Reference{}, errors.Wrapf(ErrAmbiguousColumn, "%q", column)
			}
			match = &s.tables[i]
		}
	}
	if match == nil {
		return Reference{}, errors.Wrapf(ErrColumnNotFound, "%q", column)
	}
	return Reference{Table: *match, Column: column}, nil
}
