package zvdb

import (
	"github.com/humanjesse/zvdb/pkg/recovery"
	"github.com/humanjesse/zvdb/pkg/table"
	"github.com/humanjesse/zvdb/pkg/value"
	"github.com/humanjesse/zvdb/pkg/wal"
	"github.com/pkg/errors"
)

// Insert wraps a single-row insert in an auto-commit transaction, logging a
// WAL insert_row record (if a WAL is enabled) before the commit record.
func (db *Database) Insert(tableName string, row value.Row) (int64, error) {
	t, ok := db.Table(tableName)
	if !ok {
		return 0, errors.Wrapf(ErrTableNotFound, "%q", tableName)
	}

	tx := db.Begin()
	id, err := t.Insert(tx, row)
	if err != nil {
		db.Rollback(tx)
		return 0, err
	}

	if db.wal != nil {
		data, encErr := table.EncodeRow(row, t.Cols)
		if encErr != nil {
			db.Rollback(tx)
			return 0, errors.Wrap(encErr, "encode row for wal")
		}
		db.appendWAL(wal.Record{Type: wal.RecordInsertRow, TxID: tx.ID, RowID: uint64(id), Name: tableName, Data: data})
	}

	if err := db.Commit(tx); err != nil {
		return 0, err
	}
	return id, nil
}

// Update wraps a row update in an auto-commit transaction, logging the old
// and new row bytes so recovery can reconstruct the change.
func (db *Database) Update(tableName string, rowID int64, newRow value.Row) error {
	t, ok := db.Table(tableName)
	if !ok {
		return errors.Wrapf(ErrTableNotFound, "%q", tableName)
	}

	tx := db.Begin()

	var oldData []byte
	if db.wal != nil {
		if old := t.Get(db.clog, tx, rowID); old != nil {
			var err error
			oldData, err = table.EncodeRow(old, t.Cols)
			if err != nil {
				db.Rollback(tx)
				return errors.Wrap(err, "encode old row for wal")
			}
		}
	}

	if err := t.Update(db.clog, tx, rowID, newRow); err != nil {
		db.Rollback(tx)
		return err
	}

	if db.wal != nil {
		newData, err := table.EncodeRow(newRow, t.Cols)
		if err != nil {
			db.Rollback(tx)
			return errors.Wrap(err, "encode new row for wal")
		}
		payload := recovery.EncodeUpdatePayload(oldData, newData)
		db.appendWAL(wal.Record{Type: wal.RecordUpdateRow, TxID: tx.ID, RowID: uint64(rowID), Name: tableName, Data: payload})
	}

	return db.Commit(tx)
}

// Delete wraps a row delete in an auto-commit transaction.
func (db *Database) Delete(tableName string, rowID int64) error {
	t, ok := db.Table(tableName)
	if !ok {
		return errors.Wrapf(ErrTableNotFound, "%q", tableName)
	}

	tx := db.Begin()
	if err := t.Delete(db.clog, tx, rowID); err != nil {
		db.Rollback(tx)
		return err
	}
	if db.wal != nil {
		db.appendWAL(wal.Record{Type: wal.RecordDeleteRow, TxID: tx.ID, RowID: uint64(rowID), Name: tableName})
	}
	return db.Commit(tx)
}

// Get reads a single row under its own fresh snapshot transaction
// (read-only: no WAL record, no commit-log status change beyond the
// transaction's own immediate commit).
func (db *Database) Get(tableName string, rowID int64) (value.Row, error) {
	t, ok := db.Table(tableName)
	if !ok {
		return nil, errors.Wrapf(ErrTableNotFound, "%q", tableName)
	}
	tx := db.txns.Begin()
	defer db.txns.Commit(tx)
	return t.Get(db.clog, tx, rowID), nil
}

// Scan returns every row in tableName visible under a fresh snapshot.
func (db *Database) Scan(tableName string) ([]table.ScannedRow, error) {
	t, ok := db.Table(tableName)
	if !ok {
		return nil, errors.Wrapf(ErrTableNotFound, "%q", tableName)
	}
	tx := db.txns.Begin()
	defer db.txns.Commit(tx)
	return t.Scan(db.clog, tx), nil
}
