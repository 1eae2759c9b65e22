package resolver

import "testing"

func ordersTable() Table {
	return Table{Name: "orders", Columns: []string{"id", "customer_id", "total"}}
}

func customersTable() Table {
	return Table{Name: "customers", Alias: "c", Columns: []string{"id", "name"}}
}

func TestResolveUnqualifiedUniqueColumn(t *testing.T) {
	s := NewSet([]Table{ordersTable(), customersTable()})
	ref, err := s.Resolve("total")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ref.Table.Name != "orders" || ref.Column != "total" {
		t.Fatalf("unexpected reference: %+v", ref)
	}
}

func TestResolveUnqualifiedAmbiguousColumn(t *testing.T) {
	s := NewSet([]Table{ordersTable(), customersTable()})
	if _, err := s.Resolve("id"); errCause(err) != ErrAmbiguousColumn {
		t.Fatalf("expected ErrAmbiguousColumn, got %v", err)
	}
}

func TestResolveUnqualifiedColumnNotFound(t *testing.T) {
	s := NewSet([]Table{ordersTable()})
	if _, err := s.Resolve("email"); errCause(err) != ErrColumnNotFound {
		t.Fatalf("expected ErrColumnNotFound, got %v", err)
	}
}

func TestResolveQualifiedByTableName(t *testing.T) {
	s := NewSet([]Table{ordersTable(), customersTable()})
	ref, err := s.Resolve("orders.id")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ref.Table.Name != "orders" || ref.Column != "id" {
		t.Fatalf("unexpected reference: %+v", ref)
	}
}

func TestResolveQualifiedByAlias(t *testing.T) {
	s := NewSet([]Table{ordersTable(), customersTable()})
	ref, err := s.Resolve("c.id")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ref.Table.Name != "customers" || ref.Column != "id" {
		t.Fatalf("unexpected reference: %+v", ref)
	}
}

func TestResolveQualifiedUnknownTable(t *testing.T) {
	s := NewSet([]Table{ordersTable()})
	if _, err := s.Resolve("nope.id"); errCause(err) != ErrColumnNotFound {
		t.Fatalf("expected ErrColumnNotFound, got %v", err)
	}
}

func TestResolveQualifiedUnknownColumn(t *testing.T) {
	s := NewSet([]Table{ordersTable()})
	if _, err := s.Resolve("orders.missing"); errCause(err) != ErrColumnNotFound {
		t.Fatalf("expected ErrColumnNotFound, got %v", err)
	}
}

func TestResolveInvalidQualifiedName(t *testing.T) {
	s := NewSet([]Table{ordersTable()})
	cases := []string{"orders.", ".id", "orders.a.b"}
	for _, c := range cases {
		if _, err := s.Resolve(c); errCause(err) != ErrInvalidQualifiedName {
			t.Fatalf("%q: expected ErrInvalidQualifiedName, got %v", c, err)
		}
	}
}

// errCause unwraps a github.com/pkg/errors-wrapped error down to its
// sentinel cause, the way the rest of this codebase's tests check
// wrapped errors.
func errCause(err error) error {
	type causer interface{ Cause() error }
	for err != nil {
		c, ok := err.(causer)
		if !ok {
			return err
		}
		err = c.Cause()
	}
	return err
}
