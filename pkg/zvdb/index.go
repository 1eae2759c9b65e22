package zvdb

import (
	"github.com/humanjesse/zvdb/pkg/hnsw"
	"github.com/pkg/errors"
)

// ErrIndexExists is returned by CreateIndex when the (table, column) pair
// already has a registered index.
var ErrIndexExists = errors.New("zvdb: index already exists")

// ErrIndexNotFound is returned by DropIndex for an unregistered
// (table, column) pair.
var ErrIndexNotFound = errors.New("zvdb: index not found")

// CreateIndex registers a fresh HNSW index over table/column, keyed by the
// embedding dimension so its file name is pinned at creation time.
func (db *Database) CreateIndex(tableName, column string, dim int, params hnsw.Params) (*hnsw.Index, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	ref := IndexRef{Table: tableName, Column: column, Dim: dim}
	if _, exists := db.indexes[ref]; exists {
		return nil, errors.Wrapf(ErrIndexExists, "%s.%s", tableName, column)
	}
	idx := hnsw.New(params)
	db.indexes[ref] = idx
	db.indexParams[ref] = params
	return idx, nil
}

// DropIndex removes the registered index over table/column for the given
// dimension. The on-disk file, if any, is left in place: SaveAllMvcc writes
// only registered indexes and does not remove it.
func (db *Database) DropIndex(tableName, column string, dim int) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	ref := IndexRef{Table: tableName, Column: column, Dim: dim}
	if _, exists := db.indexes[ref]; !exists {
		return errors.Wrapf(ErrIndexNotFound, "%s.%s", tableName, column)
	}
	delete(db.indexes, ref)
	delete(db.indexParams, ref)
	return nil
}

// Index returns the registered index over table/column for the given
// dimension.
func (db *Database) Index(tableName, column string, dim int) (*hnsw.Index, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	idx, ok := db.indexes[IndexRef{Table: tableName, Column: column, Dim: dim}]
	return idx, ok
}

// RebuildHnswFromTables discards every registered index's graph and
// reinserts one point per live row that has a non-null value in the
// indexed column, using the row id itself as the HNSW external id so the
// index and the table agree on which vector belongs to which row.
func (db *Database) RebuildHnswFromTables() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for ref, params := range db.indexParams {
		t, ok := db.tables[ref.Table]
		if !ok {
			continue
		}
		fresh := hnsw.New(params)
		for _, lr := range t.LiveEmbeddings(ref.Column) {
			id := lr.RowID
			if _, err := fresh.Insert(lr.Vector, &id); err != nil {
				return errors.Wrapf(err, "rebuild index %s.%s: row %d", ref.Table, ref.Column, lr.RowID)
			}
		}
		db.indexes[ref] = fresh
	}
	return nil
}
