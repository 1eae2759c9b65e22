// Package zvdb ties the storage layers together: a persistence orchestrator
// that lays tables, the commit log, and HNSW indexes out on disk under one
// directory, plus a Database façade that wraps transaction/WAL/vacuum
// bookkeeping around the lower layers for an embedding caller.
//
// What: directory layout (<table>.zvdb, commitlog.zvdb,
// vectors_<dim>_<col>.hnsw), saveAll/saveAllMvcc/load, and Database's
// auto-commit DML wrapper with auto-vacuum.
// How: a fixed directory layout and save/load functions underneath a thin
// façade that an external executor drives.
// Why: keeping directory-layout and save/load logic separate from the
// Database façade lets each be tested without constructing the other.
package zvdb

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	commitLogFileName = "commitlog.zvdb"
	legacyVectorsFile = "vectors.hnsw"
)

// tableFileName returns the on-disk file name for a table.
func tableFileName(tableName string) string {
	return tableName + ".zvdb"
}

// encodeColumnName replaces '/' with '_' so a column name embeds safely in
// a file name.
func encodeColumnName(column string) string {
	return strings.ReplaceAll(column, "/", "_")
}

// hnswFileName returns the canonical file name for a vector index over
// column on a table with the given embedding dimension.
func hnswFileName(dim int, column string) string {
	return "vectors_" + strconv.Itoa(dim) + "_" + encodeColumnName(column) + ".hnsw"
}

// legacyHNSWFileNames returns the older file-name forms that a directory
// written before per-column indexes existed may still use: a dimension-only
// name, and a bare name with no dimension or column at all. Both are treated
// as the index for a synthetic default column.
func legacyHNSWFileNames(dim int) []string {
	return []string{
		"vectors_" + strconv.Itoa(dim) + ".hnsw",
		legacyVectorsFile,
	}
}

// DefaultColumn is the synthetic column name a legacy (pre-per-column)
// vectors.hnsw / vectors_<dim>.hnsw file is associated with on load.
const DefaultColumn = "embedding"

// resolveHNSWPath finds the file backing the index for (dim, column) in
// dir, trying the canonical name first and then the legacy forms. Returns
// "" if none exist.
func resolveHNSWPath(dir string, dim int, column string) string {
	canonical := filepath.Join(dir, hnswFileName(dim, column))
	if _, err := os.Stat(canonical); err == nil {
		return canonical
	}
	if column != DefaultColumn {
		return ""
	}
	for _, name := range legacyHNSWFileNames(dim) {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func tablePath(dir, tableName string) string {
	return filepath.Join(dir, tableFileName(tableName))
}

func clogPath(dir string) string {
	return filepath.Join(dir, commitLogFileName)
}

func hnswPath(dir string, dim int, column string) string {
	return filepath.Join(dir, hnswFileName(dim, column))
}

// ensureDir creates dir (and parents) if it does not already exist.
func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create directory %q", dir)
	}
	return nil
}
