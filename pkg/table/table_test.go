package table

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/humanjesse/zvdb/pkg/clog"
	"github.com/humanjesse/zvdb/pkg/txn"
	"github.com/humanjesse/zvdb/pkg/value"
)

func newFixture() (*Table, *clog.CLOG, *txn.Manager) {
	cl := clog.New()
	m := txn.NewManager(cl)
	tbl := New("docs", []Column{
		{Name: "id", Type: value.KindInt},
		{Name: "body", Type: value.KindText},
		{Name: "vec", Type: value.KindEmbedding},
	})
	return tbl, cl, m
}

func TestInsertGetVisibleAfterCommit(t *testing.T) {
	tbl, cl, m := newFixture()

	tx := m.Begin()
	id, err := tbl.Insert(tx, value.Row{"body": value.Text("hello")})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	m.Commit(tx)

	reader := m.Begin()
	row := tbl.Get(cl, reader, id)
	if row == nil {
		t.Fatalf("expected row %d to be visible after commit", id)
	}
	if row["body"].S != "hello" {
		t.Fatalf("got body %q", row["body"].S)
	}
}

func TestInsertNotVisibleBeforeCommit(t *testing.T) {
	tbl, cl, m := newFixture()

	writer := m.Begin()
	id, _ := tbl.Insert(writer, value.Row{"body": value.Text("x")})

	other := m.Begin()
	if row := tbl.Get(cl, other, id); row != nil {
		t.Fatalf("uncommitted insert must not be visible to a concurrent snapshot")
	}
}

func TestUpdateRetiresOldHeadAndCreatesNew(t *testing.T) {
	tbl, cl, m := newFixture()

	tx1 := m.Begin()
	id, _ := tbl.Insert(tx1, value.Row{"body": value.Text("v1")})
	m.Commit(tx1)

	tx2 := m.Begin()
	if err := tbl.Update(cl, tx2, id, value.Row{"body": value.Text("v2")}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	m.Commit(tx2)

	reader := m.Begin()
	row := tbl.Get(cl, reader, id)
	if row["body"].S != "v2" {
		t.Fatalf("expected updated value, got %q", row["body"].S)
	}
	if tbl.LongestChain() < 2 {
		t.Fatalf("expected at least 2 versions in chain after update")
	}
}

func TestUpdateInvisibleRowFails(t *testing.T) {
	tbl, cl, m := newFixture()
	tx := m.Begin()
	err := tbl.Update(cl, tx, 999, value.Row{"body": value.Text("x")})
	if err == nil {
		t.Fatalf("expected error updating nonexistent row")
	}
}

func TestDeleteHidesRowFromLaterSnapshots(t *testing.T) {
	tbl, cl, m := newFixture()

	tx1 := m.Begin()
	id, _ := tbl.Insert(tx1, value.Row{"body": value.Text("gone soon")})
	m.Commit(tx1)

	tx2 := m.Begin()
	if err := tbl.Delete(cl, tx2, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	m.Commit(tx2)

	reader := m.Begin()
	if row := tbl.Get(cl, reader, id); row != nil {
		t.Fatalf("deleted row must not be visible to a later snapshot")
	}
}

func TestDeleteStillVisibleToOlderSnapshot(t *testing.T) {
	tbl, cl, m := newFixture()

	tx1 := m.Begin()
	id, _ := tbl.Insert(tx1, value.Row{"body": value.Text("still here")})
	m.Commit(tx1)

	reader := m.Begin() // snapshot taken before the delete begins

	tx2 := m.Begin()
	tbl.Delete(cl, tx2, id)
	m.Commit(tx2)

	if row := tbl.Get(cl, reader, id); row == nil {
		t.Fatalf("repeatable read: older snapshot must still see the row")
	}
}

func TestScanReturnsOnlyVisibleRows(t *testing.T) {
	tbl, cl, m := newFixture()

	tx1 := m.Begin()
	tbl.Insert(tx1, value.Row{"body": value.Text("a")})
	tbl.Insert(tx1, value.Row{"body": value.Text("b")})
	m.Commit(tx1)

	tx2 := m.Begin()
	tbl.Insert(tx2, value.Row{"body": value.Text("c")}) // not committed

	reader := m.Begin()
	rows := tbl.Scan(cl, reader)
	if len(rows) != 2 {
		t.Fatalf("expected 2 visible rows, got %d", len(rows))
	}
}

func TestEmbeddingDimensionInferredThenEnforced(t *testing.T) {
	tbl, _, m := newFixture()

	tx := m.Begin()
	_, err := tbl.Insert(tx, value.Row{"vec": value.Embedding([]float32{1, 2, 3})})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	_, err = tbl.Insert(tx, value.Row{"vec": value.Embedding([]float32{1, 2})})
	if err == nil {
		t.Fatalf("expected dimension mismatch error")
	}
}

func TestBumpNextIDNeverDecreases(t *testing.T) {
	tbl, _, _ := newFixture()
	tbl.BumpNextID(50)
	if tbl.NextID() != 50 {
		t.Fatalf("NextID = %d, want 50", tbl.NextID())
	}
	tbl.BumpNextID(10)
	if tbl.NextID() != 50 {
		t.Fatalf("BumpNextID must never decrease the counter")
	}
}

func TestVacuumPrunesDeadTailThenDropsDeadHead(t *testing.T) {
	tbl, cl, m := newFixture()

	tx1 := m.Begin()
	id, _ := tbl.Insert(tx1, value.Row{"body": value.Text("v1")})
	m.Commit(tx1)

	tx2 := m.Begin()
	tbl.Update(cl, tx2, id, value.Row{"body": value.Text("v2")})
	m.Commit(tx2)

	tx3 := m.Begin()
	tbl.Delete(cl, tx3, id)
	m.Commit(tx3)

	// Everything committed before tx3.ID+1 can be considered dead once no
	// snapshot older than that remains active.
	removed := tbl.Vacuum(tx3.ID+1, cl)
	if removed == 0 {
		t.Fatalf("expected vacuum to remove at least one dead version")
	}
	if tbl.HasRow(id) {
		t.Fatalf("a dead head with no surviving tail version should be collected with its entry")
	}
}

func TestVacuumNeverRemovesLiveVersion(t *testing.T) {
	tbl, cl, m := newFixture()

	tx1 := m.Begin()
	id, _ := tbl.Insert(tx1, value.Row{"body": value.Text("alive")})
	m.Commit(tx1)

	tbl.Vacuum(1<<62, cl)

	reader := m.Begin()
	if row := tbl.Get(cl, reader, id); row == nil {
		t.Fatalf("vacuum must never remove a still-visible version")
	}
}

func TestInsertRecoveredAndRemoveRow(t *testing.T) {
	tbl, _, _ := newFixture()

	tbl.InsertRecovered(7, 3, value.Row{"body": value.Text("replayed")})
	if !tbl.HasRow(7) {
		t.Fatalf("expected row 7 to exist after recovery insert")
	}
	if tbl.NextID() != 8 {
		t.Fatalf("NextID = %d, want 8 after recovering row 7", tbl.NextID())
	}

	tbl.RemoveRow(7)
	if tbl.HasRow(7) {
		t.Fatalf("expected row 7 to be gone after RemoveRow")
	}
}

func TestSaveLoadV2RoundTrip(t *testing.T) {
	tbl, _, m := newFixture()

	tx := m.Begin()
	tbl.Insert(tx, value.Row{"body": value.Text("persisted")})
	m.Commit(tx)

	dir := t.TempDir()
	path := filepath.Join(dir, "docs.zvdb")
	if err := tbl.SaveV2(path); err != nil {
		t.Fatalf("SaveV2: %v", err)
	}

	loaded, checkpoint, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if checkpoint != 0 {
		t.Fatalf("v2 load should report checkpoint 0, got %d", checkpoint)
	}
	if loaded.RowCount() != 1 {
		t.Fatalf("expected 1 row after v2 round trip, got %d", loaded.RowCount())
	}
}

func TestSaveLoadV3RoundTripPreservesChain(t *testing.T) {
	tbl, cl, m := newFixture()

	tx1 := m.Begin()
	id, _ := tbl.Insert(tx1, value.Row{"body": value.Text("v1")})
	m.Commit(tx1)

	tx2 := m.Begin()
	tbl.Update(cl, tx2, id, value.Row{"body": value.Text("v2")})
	m.Commit(tx2)

	dir := t.TempDir()
	path := filepath.Join(dir, "docs.zvdb")
	if err := tbl.SaveV3(path, 42); err != nil {
		t.Fatalf("SaveV3: %v", err)
	}

	loaded, checkpoint, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if checkpoint != 42 {
		t.Fatalf("checkpoint = %d, want 42", checkpoint)
	}
	if loaded.LongestChain() != 2 {
		t.Fatalf("expected chain length 2 after v3 round trip, got %d", loaded.LongestChain())
	}

	reader := m.Begin()
	row := loaded.Get(cl, reader, id)
	if row == nil || row["body"].S != "v2" {
		t.Fatalf("expected newest version visible after reload")
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	dir := t.TempDir()
	_, _, err := Load(filepath.Join(dir, "does-not-exist.zvdb"))
	if err == nil {
		t.Fatalf("expected error loading a missing table file")
	}
}

func TestLoadBadMagicErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.zvdb")
	if err := os.WriteFile(path, []byte("not a table file"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, _, err := Load(path)
	if err == nil {
		t.Fatalf("expected bad-magic error")
	}
}
