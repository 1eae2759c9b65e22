// Package table implements per-table version-chain storage: the MVCC heart
// of the engine. Each row id maps to a newest-first chain of RowVersions;
// inserts push a new head, updates push a new head and retire the old one,
// deletes retire the head in place.
//
// What: Table, Column, RowVersion, and the insert/update/delete/get/scan/
// vacuum operations.
// How: a map[int64]*RowVersion per table guarded by a single RWMutex, with
// next_id advanced through a CAS retry loop so recovered ids never collide
// with future inserts.
// Why: a single lock around the head-swap keeps the invariant "at most one
// head version per row id" trivially true without per-row locking.
package table

import (
	"sync"
	"sync/atomic"

	"github.com/humanjesse/zvdb/pkg/clog"
	"github.com/humanjesse/zvdb/pkg/txn"
	"github.com/humanjesse/zvdb/pkg/value"
	"github.com/pkg/errors"
)

// Kind mirrors value.Kind for declared column types, plus the
// embedding-with-dimension case.
type Kind = value.Kind

// Column describes one field of a table's schema.
type Column struct {
	Name string
	Type Kind
	// Dim is the declared embedding dimension. Nil means "unspecified;
	// inferred at first insert and bound thereafter".
	Dim *int
}

// RowVersion is one entry in a row's version chain.
type RowVersion struct {
	Data value.Row
	Xmin uint64
	Xmax uint64 // 0 means "no xmax" (still live as of creation)
	Next *RowVersion
}

// Table is a named, ordered set of Columns plus the version chains for
// every row id ever inserted.
type Table struct {
	mu sync.RWMutex

	Name    string
	Cols    []Column
	nextID  atomic.Int64
	heads   map[int64]*RowVersion
	colPos  map[string]int
}

var (
	// ErrRowNotFound is returned by Update/Delete when the row id has no
	// live version visible to the caller's transaction.
	ErrRowNotFound = errors.New("table: row not found")
	// ErrColumnNotFound is returned by ColIndex for an unknown column name.
	ErrColumnNotFound = errors.New("table: column not found")
	// ErrDimensionMismatch is returned when an embedding value's length
	// disagrees with the column's bound dimension.
	ErrDimensionMismatch = errors.New("table: embedding dimension mismatch")
)

// New creates an empty table with the given schema.
func New(name string, cols []Column) *Table {
	pos := make(map[string]int, len(cols))
	for i, c := range cols {
		pos[c.Name] = i
	}
	return &Table{
		Name:   name,
		Cols:   cols,
		heads:  make(map[int64]*RowVersion),
		colPos: pos,
	}
}

// ColIndex returns the schema position of a column by name.
func (t *Table) ColIndex(name string) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.colPos[name]
	if !ok {
		return -1, errors.Wrapf(ErrColumnNotFound, "column %q on table %q", name, t.Name)
	}
	return i, nil
}

// BumpNextID advances next_id to at least want, using a CAS retry loop so
// concurrent inserts and WAL-recovery replay never race each other into
// reusing an id.
func (t *Table) BumpNextID(want int64) {
	for {
		cur := t.nextID.Load()
		if want <= cur {
			return
		}
		if t.nextID.CompareAndSwap(cur, want) {
			return
		}
	}
}

func (t *Table) allocateRowID() int64 {
	for {
		cur := t.nextID.Load()
		next := cur + 1
		if t.nextID.CompareAndSwap(cur, next) {
			return cur
		}
	}
}

// bindEmbeddingDims infers and/or validates embedding column dimensions
// against the row being inserted.
func (t *Table) bindEmbeddingDims(row value.Row) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, c := range t.Cols {
		if c.Type != value.KindEmbedding {
			continue
		}
		v, ok := row[c.Name]
		if !ok || v.IsNull() {
			continue
		}
		d := v.Dimension()
		if c.Dim == nil {
			bound := d
			t.Cols[i].Dim = &bound
			t.colPos[c.Name] = i // colPos unchanged, just keep map valid
			continue
		}
		if *c.Dim != d {
			return errors.Wrapf(ErrDimensionMismatch, "column %q: have %d, column bound to %d", c.Name, d, *c.Dim)
		}
	}
	return nil
}

// Insert assigns a fresh row id and creates a head version with
// xmin=tx.ID, xmax=0 (null). Returns the assigned id.
func (t *Table) Insert(tx *txn.Transaction, row value.Row) (int64, error) {
	if err := t.bindEmbeddingDims(row); err != nil {
		return 0, err
	}

	id := t.allocateRowID()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.heads[id] = &RowVersion{
		Data: row.Clone(),
		Xmin: tx.ID,
		Xmax: 0,
	}
	return id, nil
}

// Update sets xmax on the currently-live head and prepends a new head with
// xmin=tx.ID, xmax=0. Visibility of "currently-live" is evaluated against
// tx's own snapshot, so only the row a transaction can see may be updated.
func (t *Table) Update(cl *clog.CLOG, tx *txn.Transaction, rowID int64, newRow value.Row) error {
	if err := t.bindEmbeddingDims(newRow); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	head := t.visibleHeadLocked(cl, tx, rowID)
	if head == nil {
		return errors.Wrapf(ErrRowNotFound, "row id %d", rowID)
	}

	head.Xmax = tx.ID
	newHead := &RowVersion{
		Data: newRow.Clone(),
		Xmin: tx.ID,
		Xmax: 0,
		Next: head,
	}
	t.heads[rowID] = newHead
	return nil
}

// Delete sets xmax on the visible head; no new version is created.
func (t *Table) Delete(cl *clog.CLOG, tx *txn.Transaction, rowID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	head := t.visibleHeadLocked(cl, tx, rowID)
	if head == nil {
		return errors.Wrapf(ErrRowNotFound, "row id %d", rowID)
	}
	head.Xmax = tx.ID
	return nil
}

// visibleHeadLocked walks the chain for rowID looking for the version
// visible to tx. Caller must hold t.mu.
func (t *Table) visibleHeadLocked(cl *clog.CLOG, tx *txn.Transaction, rowID int64) *RowVersion {
	v := t.heads[rowID]
	for v != nil {
		if tx.IsVisible(cl, v.Xmin, v.Xmax) {
			return v
		}
		v = v.Next
	}
	return nil
}

// Get returns the version of rowID visible to tx's snapshot, or nil if none.
func (t *Table) Get(cl *clog.CLOG, tx *txn.Transaction, rowID int64) value.Row {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v := t.visibleHeadLocked(cl, tx, rowID)
	if v == nil {
		return nil
	}
	return v.Data
}

// ScannedRow pairs a row id with the version data visible to the scanning
// transaction.
type ScannedRow struct {
	ID  int64
	Row value.Row
}

// Scan returns every row visible to tx's snapshot. It is not restartable
// and is intended for single-threaded consumption.
func (t *Table) Scan(cl *clog.CLOG, tx *txn.Transaction) []ScannedRow {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ScannedRow, 0, len(t.heads))
	for id, head := range t.heads {
		v := head
		for v != nil {
			if tx.IsVisible(cl, v.Xmin, v.Xmax) {
				out = append(out, ScannedRow{ID: id, Row: v.Data})
				break
			}
			v = v.Next
		}
	}
	return out
}

// Vacuum removes versions whose xmax is committed and below
// minVisibleTxID, i.e. versions that can no longer be observed by any
// present or future snapshot. Dead tail versions are unlinked first; a dead
// head is then dropped together with its map entry once no tail version
// survives behind it, after which HasRow reports the id as absent.
func (t *Table) Vacuum(minVisibleTxID uint64, cl *clog.CLOG) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, head := range t.heads {
		if head == nil {
			continue
		}
		// Tail of the chain beyond the head may be pruned freely.
		prev := head
		cur := head.Next
		for cur != nil {
			if cur.Xmax != 0 && cl.IsCommitted(cur.Xmax) && cur.Xmax < minVisibleTxID {
				prev.Next = cur.Next
				removed++
				cur = prev.Next
				continue
			}
			prev = cur
			cur = cur.Next
		}

		// The head itself is dropped (row fully gone), map entry and all,
		// only when it is dead, no snapshot can still see it, AND no tail
		// version survives behind it. This is safe because Get/Scan treat
		// "no visible version" identically whether the id is present-but-
		// dead or absent.
		if head.Xmax != 0 && cl.IsCommitted(head.Xmax) && head.Xmax < minVisibleTxID && head.Next == nil {
			delete(t.heads, id)
			removed++
		}
	}
	return removed
}

// LiveEmbedding pairs a row id with one of its embedding column's vectors.
type LiveEmbedding struct {
	RowID  int64
	Vector []float32
}

// LiveEmbeddings returns the column value of every row whose head version
// is still live (xmax unset) and holds a non-null embedding in column.
// Used to rebuild an HNSW index from table contents without requiring a
// transaction snapshot, mirroring the "newest version only" view SaveV2
// already uses for the same liveness check.
func (t *Table) LiveEmbeddings(column string) []LiveEmbedding {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []LiveEmbedding
	for id, head := range t.heads {
		if head == nil || head.Xmax != 0 {
			continue
		}
		v, ok := head.Data[column]
		if !ok || v.Kind != value.KindEmbedding || v.E == nil {
			continue
		}
		out = append(out, LiveEmbedding{RowID: id, Vector: v.E})
	}
	return out
}

// RowCount returns the number of row ids with at least one version (live or
// dead) still tracked. Used by persistence and by instrumentation.
func (t *Table) RowCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.heads)
}

// LongestChain returns the length of the longest version chain, used by the
// auto-vacuum trigger.
func (t *Table) LongestChain() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	longest := 0
	for _, head := range t.heads {
		n := 0
		for v := head; v != nil; v = v.Next {
			n++
		}
		if n > longest {
			longest = n
		}
	}
	return longest
}

// NextID returns the current value of the row-id counter (the id that will
// be assigned next).
func (t *Table) NextID() int64 {
	return t.nextID.Load()
}

// forEachVersion walks every (rowID, version) pair including dead ones, for
// persistence. Caller must not mutate the table concurrently.
func (t *Table) forEachVersion(fn func(rowID int64, v *RowVersion)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for id, head := range t.heads {
		for v := head; v != nil; v = v.Next {
			fn(id, v)
		}
	}
}

// InsertRecovered is used by WAL replay to reinsert a row at a specific id
// with specific xmin (idempotent: the caller checks existence first via
// HasRow). It bypasses txid allocation since the id and xmin are already
// fixed by the WAL record.
func (t *Table) InsertRecovered(rowID int64, xmin uint64, row value.Row) {
	t.mu.Lock()
	t.heads[rowID] = &RowVersion{Data: row.Clone(), Xmin: xmin, Xmax: 0}
	t.mu.Unlock()
	t.BumpNextID(rowID + 1)
}

// HasRow reports whether rowID has any version (live or dead) in the chain.
func (t *Table) HasRow(rowID int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.heads[rowID]
	return ok
}

// RemoveRow deletes all versions for rowID outright. Used by idempotent WAL
// replay of DELETE and by UPDATE-as-insert-if-absent semantics.
func (t *Table) RemoveRow(rowID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.heads, rowID)
}
