package wal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	rec := Record{
		Type:  RecordInsertRow,
		TxID:  7,
		RowID: 12,
		Name:  "docs",
		Data:  []byte("hello"),
	}
	buf := marshalRecord(rec)
	got, err := readRecord(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("readRecord: %v", err)
	}
	if got.Type != rec.Type || got.TxID != rec.TxID || got.RowID != rec.RowID || got.Name != rec.Name || string(got.Data) != string(rec.Data) {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, rec)
	}
}

func TestReadRecordDetectsChecksumMismatch(t *testing.T) {
	rec := Record{Type: RecordInsertRow, TxID: 1, RowID: 1, Name: "t", Data: []byte("x")}
	buf := marshalRecord(rec)
	buf[len(buf)-1] ^= 0xFF // flip a byte in the checksum field
	_, err := readRecord(bytes.NewReader(buf))
	if err == nil {
		t.Fatalf("expected checksum mismatch error")
	}
}

func TestReadRecordDetectsTruncation(t *testing.T) {
	rec := Record{Type: RecordInsertRow, TxID: 1, RowID: 1, Name: "t", Data: []byte("hello world")}
	buf := marshalRecord(rec)
	truncated := buf[:len(buf)-5]
	_, err := readRecord(bytes.NewReader(truncated))
	if err == nil {
		t.Fatalf("expected truncation error")
	}
}

func TestOpenWriterPicksNextSequence(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "wal.0"), nil, 0o644); err != nil {
		t.Fatalf("seed wal.0: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "wal.3"), nil, 0o644); err != nil {
		t.Fatalf("seed wal.3: %v", err)
	}
	w, err := OpenWriter(dir)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	defer w.Close()
	if w.CurrentSegment() != 4 {
		t.Fatalf("CurrentSegment = %d, want 4", w.CurrentSegment())
	}
}

func TestOpenWriterEmptyDirStartsAtZero(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	defer w.Close()
	if w.CurrentSegment() != 0 {
		t.Fatalf("CurrentSegment = %d, want 0", w.CurrentSegment())
	}
}

func TestAppendFlushReadSegment(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}

	if _, err := w.Append(Record{Type: RecordBeginTx, TxID: 1}); err != nil {
		t.Fatalf("Append begin: %v", err)
	}
	if _, err := w.Append(Record{Type: RecordInsertRow, TxID: 1, RowID: 5, Name: "docs", Data: []byte("row-data")}); err != nil {
		t.Fatalf("Append insert: %v", err)
	}
	if _, err := w.Append(Record{Type: RecordCommitTx, TxID: 1}); err != nil {
		t.Fatalf("Append commit: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	seq := w.CurrentSegment()
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var types []RecordType
	n, corrupted, err := ReadSegment(segmentPath(dir, seq), func(r Record) error {
		types = append(types, r.Type)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}
	if corrupted {
		t.Fatalf("did not expect corruption")
	}
	if n != 3 {
		t.Fatalf("expected 3 records, got %d", n)
	}
	if types[0] != RecordBeginTx || types[1] != RecordInsertRow || types[2] != RecordCommitTx {
		t.Fatalf("unexpected record order: %v", types)
	}
}

func TestReadSegmentStopsAtTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	if _, err := w.Append(Record{Type: RecordInsertRow, TxID: 1, RowID: 1, Name: "t", Data: []byte("aaaa")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := w.Append(Record{Type: RecordInsertRow, TxID: 1, RowID: 2, Name: "t", Data: []byte("bbbb")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	seq := w.CurrentSegment()
	w.Close()

	path := segmentPath(dir, seq)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if err := os.Truncate(path, info.Size()-3); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	n, corrupted, err := ReadSegment(path, func(r Record) error { return nil })
	if err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 clean record before truncation, got %d", n)
	}
	if !corrupted {
		t.Fatalf("expected truncation to be reported as corruption")
	}
}

func TestListSegmentsMissingDirIsEmpty(t *testing.T) {
	seqs, err := ListSegments(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(seqs) != 0 {
		t.Fatalf("expected no segments")
	}
}
