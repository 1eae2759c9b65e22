package zvdb

import (
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/humanjesse/zvdb/pkg/clog"
	"github.com/humanjesse/zvdb/pkg/hnsw"
	"github.com/humanjesse/zvdb/pkg/recovery"
	"github.com/humanjesse/zvdb/pkg/table"
	"github.com/humanjesse/zvdb/pkg/txn"
	"github.com/humanjesse/zvdb/pkg/wal"
	"github.com/pkg/errors"
)

var (
	// ErrTableExists is returned by CreateTable for a name already in use.
	ErrTableExists = errors.New("zvdb: table already exists")
	// ErrTableNotFound is returned when an operation names an unknown table.
	ErrTableNotFound = errors.New("zvdb: table not found")
	// ErrWalAlreadyEnabled is returned by EnableWal on a Database that
	// already has a WAL writer open.
	ErrWalAlreadyEnabled = errors.New("zvdb: wal already enabled")
)

// AutoVacuumConfig controls when the auto-commit façade runs a vacuum pass
// after a committed transaction.
type AutoVacuumConfig struct {
	Enabled        bool
	TxnInterval    uint64
	MaxChainLength int
}

// DefaultAutoVacuumConfig is a conservative starting point: vacuum every 100
// committed transactions, or sooner if any chain grows past 50 versions.
var DefaultAutoVacuumConfig = AutoVacuumConfig{
	Enabled:        true,
	TxnInterval:    100,
	MaxChainLength: 50,
}

// Database is the embeddable façade over tables, the transaction manager,
// the commit log, an optional WAL, and registered HNSW indexes. It wraps
// every mutation in an auto-commit transaction and triggers vacuum per
// AutoVacuumConfig.
type Database struct {
	dir        string
	instanceID uuid.UUID

	mu          sync.RWMutex
	tables      map[string]*table.Table
	indexes     map[IndexRef]*hnsw.Index
	indexParams map[IndexRef]hnsw.Params

	clog   *clog.CLOG
	txns   *txn.Manager
	wal    *wal.Writer
	walDir string

	autoSaveDir string
	autoSave    bool

	autoVacuum          AutoVacuumConfig
	txnCountSinceVacuum uint64
	lastCheckpointTxID  uint64
}

// Open loads an existing database directory's tables and commit log. HNSW
// index files are not read here; LoadAllMvcc loads them for refs already
// registered via CreateIndex. A directory that does not yet exist is
// treated as a fresh, empty database rooted there.
func Open(dir string) (*Database, error) {
	tables, _, err := loadAll(dir)
	if err != nil {
		return nil, err
	}
	cl, err := loadCLOG(dir)
	if err != nil {
		return nil, err
	}

	txns := txn.NewManager(cl)
	txns.Restore(cl.MaxTxID())

	db := &Database{
		dir:         dir,
		instanceID:  uuid.New(),
		tables:      tables,
		indexes:     make(map[IndexRef]*hnsw.Index),
		indexParams: make(map[IndexRef]hnsw.Params),
		clog:        cl,
		txns:        txns,
		autoVacuum:  DefaultAutoVacuumConfig,
	}
	log.Printf("[zvdb %s] opened %q with %d table(s)", db.instanceID, dir, len(tables))
	return db, nil
}

// CreateTable registers a new, empty table.
func (db *Database) CreateTable(name string, cols []table.Column) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, exists := db.tables[name]; exists {
		return errors.Wrapf(ErrTableExists, "%q", name)
	}
	db.tables[name] = table.New(name, cols)
	return nil
}

// Table returns the named table.
func (db *Database) Table(name string) (*table.Table, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	t, ok := db.tables[name]
	return t, ok
}

// TableNames returns every registered table's name.
func (db *Database) TableNames() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	names := make([]string, 0, len(db.tables))
	for name := range db.tables {
		names = append(names, name)
	}
	return names
}

// Begin starts an explicit transaction. Most callers should prefer the
// auto-commit Insert/Update/Delete helpers; Begin exists for an executor
// façade driving a multi-statement BEGIN/COMMIT/ROLLBACK block.
func (db *Database) Begin() *txn.Transaction {
	tx := db.txns.Begin()
	db.txns.SetCurrent(tx)
	if db.wal != nil {
		db.appendWAL(wal.Record{Type: wal.RecordBeginTx, TxID: tx.ID})
	}
	return tx
}

// Commit commits tx, flushing its WAL records first if a WAL is enabled,
// then runs the auto-vacuum check.
func (db *Database) Commit(tx *txn.Transaction) error {
	if db.wal != nil {
		db.appendWAL(wal.Record{Type: wal.RecordCommitTx, TxID: tx.ID})
		if err := db.wal.Flush(); err != nil {
			return errors.Wrap(err, "flush wal on commit")
		}
	}
	db.txns.Commit(tx)
	db.txns.SetCurrent(nil)
	db.maybeAutoVacuum()
	return nil
}

// Rollback aborts tx.
func (db *Database) Rollback(tx *txn.Transaction) error {
	if db.wal != nil {
		db.appendWAL(wal.Record{Type: wal.RecordRollbackTx, TxID: tx.ID})
		if err := db.wal.Flush(); err != nil {
			return errors.Wrap(err, "flush wal on rollback")
		}
	}
	db.txns.Rollback(tx)
	db.txns.SetCurrent(nil)
	return nil
}

func (db *Database) appendWAL(rec wal.Record) {
	if _, err := db.wal.Append(rec); err != nil {
		log.Printf("[zvdb %s] wal append failed: %v", db.instanceID, err)
	}
}

// EnableWal opens (or creates) a WAL directory and starts appending future
// mutations to it.
func (db *Database) EnableWal(walDir string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.wal != nil {
		return errors.Wrapf(ErrWalAlreadyEnabled, "%q", db.dir)
	}
	w, err := wal.OpenWriter(walDir)
	if err != nil {
		return err
	}
	db.wal = w
	db.walDir = walDir
	return nil
}

// RecoverFromWal replays walDir's segments against the currently loaded
// tables, marks every transaction with a commit record committed in the
// commit log so replayed rows are visible, and restores the transaction
// manager's counter past the highest txid seen so recovered ids are never
// reissued.
func (db *Database) RecoverFromWal(walDir string) (recovery.Report, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	report, err := recovery.Recover(walDir, recovery.MapTableSet(db.tables))
	if err != nil {
		return report, err
	}
	seqs, err := wal.ListSegments(walDir)
	if err != nil {
		return report, err
	}
	for _, seq := range seqs {
		wal.ReadSegment(wal.SegmentPath(walDir, seq), func(rec wal.Record) error {
			if rec.Type == wal.RecordCommitTx {
				db.clog.Set(rec.TxID, clog.StatusCommitted)
			}
			return nil
		})
	}
	db.txns.Restore(report.MaxTxID)
	return report, nil
}

// EnablePersistence binds dir as the database's default save target and,
// if autoSave is true, flushes a full saveAllMvcc after every auto-vacuum
// trigger point (i.e. the same cadence as vacuum, not every single commit).
func (db *Database) EnablePersistence(dir string, autoSave bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.autoSaveDir = dir
	db.autoSave = autoSave
}

// SaveAll writes v2 (newest-version-only) snapshots of every table to dir.
func (db *Database) SaveAll(dir string) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return saveAll(dir, db.tables)
}

// SaveAllMvcc writes v3 snapshots, the commit log, and every registered
// HNSW index to dir, then appends a WAL checkpoint record carrying the
// checkpoint txid (if a WAL is enabled).
func (db *Database) SaveAllMvcc(dir string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	checkpointTxID := db.txns.NextTxID()
	if err := saveAllMvcc(dir, db.tables, db.clog, db.indexes, checkpointTxID); err != nil {
		return err
	}
	db.lastCheckpointTxID = checkpointTxID
	if db.wal != nil {
		if _, err := db.wal.Append(wal.Record{Type: wal.RecordCheckpoint, TxID: checkpointTxID}); err != nil {
			return errors.Wrap(err, "append checkpoint record")
		}
		if err := db.wal.Flush(); err != nil {
			return errors.Wrap(err, "flush checkpoint record")
		}
	}
	return nil
}

// LoadAllMvcc reloads every table, the commit log, and (for refs already
// registered via CreateIndex) their HNSW indexes from dir, replacing the
// database's current in-memory state.
func (db *Database) LoadAllMvcc(dir string) error {
	tables, _, err := loadAll(dir)
	if err != nil {
		return err
	}
	cl, err := loadCLOG(dir)
	if err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	indexes := make(map[IndexRef]*hnsw.Index, len(db.indexParams))
	for ref, params := range db.indexParams {
		loaded, err := loadHNSWIndexes(dir, []IndexRef{ref}, params)
		if err != nil {
			return err
		}
		if idx, ok := loaded[ref]; ok {
			indexes[ref] = idx
		}
	}

	db.tables = tables
	db.clog = cl
	db.indexes = indexes
	db.txns.Restore(cl.MaxTxID())
	return nil
}

// Close flushes a pending WAL writer, if any.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.wal != nil {
		return db.wal.Close()
	}
	return nil
}

// maybeAutoVacuum runs a vacuum pass when enabled AND either
// txn_count_since_vacuum has reached txn_interval or any table's longest
// chain exceeds max_chain_length. Every table is vacuumed to the current
// minimum-active-txid watermark, then the counter resets.
func (db *Database) maybeAutoVacuum() {
	db.mu.Lock()
	db.txnCountSinceVacuum++
	cfg := db.autoVacuum
	if !cfg.Enabled {
		db.mu.Unlock()
		return
	}

	due := db.txnCountSinceVacuum >= cfg.TxnInterval
	if !due {
		for _, t := range db.tables {
			if t.LongestChain() > cfg.MaxChainLength {
				due = true
				break
			}
		}
	}
	if !due {
		db.mu.Unlock()
		return
	}

	watermark := db.txns.MinActiveTxID()
	for _, t := range db.tables {
		t.Vacuum(watermark, db.clog)
	}
	db.txnCountSinceVacuum = 0
	autoSaveDir, autoSave := db.autoSaveDir, db.autoSave
	db.mu.Unlock()

	if autoSave {
		if err := db.SaveAllMvcc(autoSaveDir); err != nil {
			log.Printf("[zvdb %s] auto-save after vacuum failed: %v", db.instanceID, err)
		}
	}
}
