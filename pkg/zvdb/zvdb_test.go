package zvdb

import (
	"path/filepath"
	"testing"

	"github.com/humanjesse/zvdb/pkg/hnsw"
	"github.com/humanjesse/zvdb/pkg/table"
	"github.com/humanjesse/zvdb/pkg/value"
)

func newTestDB(t *testing.T) (*Database, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.CreateTable("docs", []table.Column{
		{Name: "id", Type: value.KindInt},
		{Name: "body", Type: value.KindText},
	}); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	return db, dir
}

func TestOpenEmptyDirectoryIsFreshDatabase(t *testing.T) {
	db, _ := newTestDB(t)
	if names := db.TableNames(); len(names) != 1 || names[0] != "docs" {
		t.Fatalf("expected [docs], got %v", names)
	}
}

func TestInsertGetRoundTrip(t *testing.T) {
	db, _ := newTestDB(t)
	id, err := db.Insert("docs", value.Row{"body": value.Text("hello")})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	row, err := db.Get("docs", id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row["body"].S != "hello" {
		t.Fatalf("got %q", row["body"].S)
	}
}

func TestInsertUnknownTableErrors(t *testing.T) {
	db, _ := newTestDB(t)
	if _, err := db.Insert("ghost", value.Row{}); errCause(err) != ErrTableNotFound {
		t.Fatalf("expected ErrTableNotFound, got %v", err)
	}
}

func TestUpdateThenScanSeesNewValue(t *testing.T) {
	db, _ := newTestDB(t)
	id, _ := db.Insert("docs", value.Row{"body": value.Text("v1")})
	if err := db.Update("docs", id, value.Row{"body": value.Text("v2")}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	rows, err := db.Scan("docs")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(rows) != 1 || rows[0].Row["body"].S != "v2" {
		t.Fatalf("unexpected scan result: %+v", rows)
	}
}

func TestDeleteRemovesRowFromScan(t *testing.T) {
	db, _ := newTestDB(t)
	id, _ := db.Insert("docs", value.Row{"body": value.Text("gone")})
	if err := db.Delete("docs", id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	rows, _ := db.Scan("docs")
	if len(rows) != 0 {
		t.Fatalf("expected no rows after delete, got %+v", rows)
	}
}

func TestSaveAllThenOpenFreshPreservesLatestRows(t *testing.T) {
	db, dir := newTestDB(t)
	db.Insert("docs", value.Row{"body": value.Text("a")})
	db.Insert("docs", value.Row{"body": value.Text("b")})

	if err := db.SaveAll(dir); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rows, err := reopened.Scan("docs")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows after reload, got %d", len(rows))
	}
}

func TestSaveAllMvccThenLoadAllMvccPreservesCheckpoint(t *testing.T) {
	db, dir := newTestDB(t)
	db.Insert("docs", value.Row{"body": value.Text("a")})

	if err := db.SaveAllMvcc(dir); err != nil {
		t.Fatalf("SaveAllMvcc: %v", err)
	}
	if db.lastCheckpointTxID == 0 {
		t.Fatalf("expected nonzero checkpoint txid")
	}

	if err := db.LoadAllMvcc(dir); err != nil {
		t.Fatalf("LoadAllMvcc: %v", err)
	}
	rows, err := db.Scan("docs")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
}

func TestWalEnabledRecordsReplayAfterCrashSimulation(t *testing.T) {
	dir := t.TempDir()
	walDir := filepath.Join(dir, "wal")

	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.CreateTable("docs", []table.Column{
		{Name: "body", Type: value.KindText},
	}); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := db.EnableWal(walDir); err != nil {
		t.Fatalf("EnableWal: %v", err)
	}

	id, err := db.Insert("docs", value.Row{"body": value.Text("recovered")})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// Simulate a crash: open a brand new database over the same (empty)
	// table schema with no prior saved rows, then recover from the WAL.
	fresh, err := Open(dir)
	if err != nil {
		t.Fatalf("Open fresh: %v", err)
	}
	if err := fresh.CreateTable("docs", []table.Column{
		{Name: "body", Type: value.KindText},
	}); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	report, err := fresh.RecoverFromWal(walDir)
	if err != nil {
		t.Fatalf("RecoverFromWal: %v", err)
	}
	if report.RecordsApplied != 1 {
		t.Fatalf("expected 1 record applied, got %+v", report)
	}

	row, err := fresh.Get("docs", id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row["body"].S != "recovered" {
		t.Fatalf("got %q", row["body"].S)
	}
}

func TestAutoVacuumTriggersOnTxnInterval(t *testing.T) {
	db, _ := newTestDB(t)
	db.autoVacuum = AutoVacuumConfig{Enabled: true, TxnInterval: 3, MaxChainLength: 1000}

	id, _ := db.Insert("docs", value.Row{"body": value.Text("x")})
	for i := 0; i < 5; i++ {
		if err := db.Update("docs", id, value.Row{"body": value.Text("x")}); err != nil {
			t.Fatalf("Update %d: %v", i, err)
		}
	}
	if db.txnCountSinceVacuum >= 3 {
		t.Fatalf("expected vacuum to have reset the counter, got %d", db.txnCountSinceVacuum)
	}
}

func TestCreateIndexAndRebuildFromTable(t *testing.T) {
	db, _ := newTestDB(t)
	if err := db.CreateTable("chunks", []table.Column{
		{Name: "vec", Type: value.KindEmbedding},
	}); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	id1, _ := db.Insert("chunks", value.Row{"vec": value.Embedding([]float32{1, 0, 0})})
	id2, _ := db.Insert("chunks", value.Row{"vec": value.Embedding([]float32{0, 1, 0})})

	if _, err := db.CreateIndex("chunks", "vec", 3, hnsw.Params{M: 4, EfConstruction: 16}); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if err := db.RebuildHnswFromTables(); err != nil {
		t.Fatalf("RebuildHnswFromTables: %v", err)
	}

	idx, ok := db.Index("chunks", "vec", 3)
	if !ok {
		t.Fatalf("expected index to be registered")
	}
	if idx.Len() != 2 {
		t.Fatalf("expected 2 nodes in rebuilt index, got %d", idx.Len())
	}
	results := idx.Search([]float32{1, 0, 0}, 1)
	if len(results) != 1 || results[0].ExternalID != id1 {
		t.Fatalf("expected nearest result to be row %d, got %+v", id1, results)
	}
	_ = id2
}

func TestStatsReflectsTablesAndIndexes(t *testing.T) {
	db, _ := newTestDB(t)
	db.Insert("docs", value.Row{"body": value.Text("a")})

	s := db.Stats()
	if s.TableCount != 1 {
		t.Fatalf("expected 1 table, got %d", s.TableCount)
	}
	if s.WalEnabled {
		t.Fatalf("expected wal disabled by default")
	}
}

// errCause unwraps a github.com/pkg/errors-wrapped error down to its
// sentinel cause.
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
