package clog

import (
	"path/filepath"
	"testing"
)

func TestUnknownIsInProgress(t *testing.T) {
	c := New()
	if c.Get(42) != StatusInProgress {
		t.Fatalf("unknown txid must read as in_progress")
	}
}

func TestSetGet(t *testing.T) {
	c := New()
	c.Set(1, StatusCommitted)
	c.Set(2, StatusAborted)
	if c.Get(1) != StatusCommitted {
		t.Fatalf("expected committed")
	}
	if c.Get(2) != StatusAborted {
		t.Fatalf("expected aborted")
	}
	if !c.IsCommitted(1) {
		t.Fatalf("IsCommitted(1) should be true")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "commitlog.zvdb")

	c := New()
	c.Set(1, StatusCommitted)
	c.Set(2, StatusAborted)
	c.Set(3, StatusInProgress)
	if err := c.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Get(1) != StatusCommitted || loaded.Get(2) != StatusAborted {
		t.Fatalf("round-trip lost entries")
	}
	if loaded.MaxTxID() != 3 {
		t.Fatalf("MaxTxID = %d, want 3", loaded.MaxTxID())
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	dir := t.TempDir()
	c, err := Load(filepath.Join(dir, "does-not-exist.zvdb"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if c.MaxTxID() != 0 {
		t.Fatalf("expected empty clog")
	}
}
