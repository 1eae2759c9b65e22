package zvdb

import (
	"os"
	"strings"

	"github.com/humanjesse/zvdb/pkg/clog"
	"github.com/humanjesse/zvdb/pkg/hnsw"
	"github.com/humanjesse/zvdb/pkg/table"
	"github.com/pkg/errors"
)

// IndexRef names one vector index: the table and column it was built over,
// plus the embedding dimension bound into its file name.
type IndexRef struct {
	Table  string
	Column string
	Dim    int
}

// saveAll writes every table's newest-version-only (v2) snapshot. Data loss
// warning: version history and in-flight transaction visibility are not
// preserved — a process that crashes mid-transaction and reloads from a v2
// snapshot sees only whatever was last saved, not a consistent point.
func saveAll(dir string, tables map[string]*table.Table) error {
	if err := ensureDir(dir); err != nil {
		return err
	}
	for name, t := range tables {
		if err := t.SaveV2(tablePath(dir, name)); err != nil {
			return errors.Wrapf(err, "save table %q (v2)", name)
		}
	}
	return nil
}

// saveAllMvcc writes every table's full version chain (v3), the commit log,
// and every registered HNSW index, stamping checkpointTxID (the caller's
// nextTxID at the time of the call) into each table file. It returns only
// an error. Callers append a WAL checkpoint record carrying this txid
// after a successful call.
func saveAllMvcc(dir string, tables map[string]*table.Table, cl *clog.CLOG, indexes map[IndexRef]*hnsw.Index, checkpointTxID uint64) error {
	if err := ensureDir(dir); err != nil {
		return err
	}
	for name, t := range tables {
		if err := t.SaveV3(tablePath(dir, name), checkpointTxID); err != nil {
			return errors.Wrapf(err, "save table %q (v3)", name)
		}
	}
	if err := cl.Save(clogPath(dir)); err != nil {
		return errors.Wrap(err, "save commit log")
	}
	for ref, idx := range indexes {
		if err := idx.Save(hnswPath(dir, ref.Dim, ref.Column)); err != nil {
			return errors.Wrapf(err, "save hnsw index %s.%s", ref.Table, ref.Column)
		}
	}
	return nil
}

// loadAll loads every <name>.zvdb file in dir as a v2 or v3 table,
// auto-detecting the format per file (table.Load already does this). It
// returns the tables by name and, for each table loaded from a v3 file, its
// stored checkpoint txid (0 for v2 or for tables with no checkpoint yet).
func loadAll(dir string) (map[string]*table.Table, map[string]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*table.Table{}, map[string]uint64{}, nil
		}
		return nil, nil, errors.Wrap(err, "read database directory")
	}

	tables := make(map[string]*table.Table)
	checkpoints := make(map[string]uint64)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".zvdb") || name == commitLogFileName {
			continue
		}
		tableName := strings.TrimSuffix(name, ".zvdb")
		t, checkpointTxID, err := table.Load(tablePath(dir, tableName))
		if err != nil {
			return nil, nil, errors.Wrapf(err, "load table %q", tableName)
		}
		tables[tableName] = t
		checkpoints[tableName] = checkpointTxID
	}
	return tables, checkpoints, nil
}

// loadCLOG loads the commit log from dir, or an empty one if absent.
func loadCLOG(dir string) (*clog.CLOG, error) {
	return clog.Load(clogPath(dir))
}

// loadHNSWIndexes loads the index for every ref that has a file on disk
// (resolving the canonical name, then legacy names for the default
// column). refs with no backing file are simply absent from the result —
// callers create a fresh index for those instead.
func loadHNSWIndexes(dir string, refs []IndexRef, params hnsw.Params) (map[IndexRef]*hnsw.Index, error) {
	out := make(map[IndexRef]*hnsw.Index, len(refs))
	for _, ref := range refs {
		path := resolveHNSWPath(dir, ref.Dim, ref.Column)
		if path == "" {
			continue
		}
		idx, err := hnsw.Load(path, params)
		if err != nil {
			return nil, errors.Wrapf(err, "load hnsw index %s.%s", ref.Table, ref.Column)
		}
		out[ref] = idx
	}
	return out, nil
}
