// Persistence for Table: the v2 (no-MVCC, newest-row-only) and v3
// (full-chain MVCC) on-disk formats, byte-exact.
package table

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/humanjesse/zvdb/pkg/value"
	"github.com/pkg/errors"
)

// EncodeRow serializes row using the same per-column framing the table
// file formats use, for embedding in WAL insert/update records.
func EncodeRow(row value.Row, cols []Column) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeRow(&buf, cols, row); err != nil {
		return nil, errors.Wrap(err, "encode row")
	}
	return buf.Bytes(), nil
}

// DecodeRow reverses EncodeRow.
func DecodeRow(data []byte) (value.Row, error) {
	row, err := readRow(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "decode row")
	}
	return row, nil
}

const (
	tableMagic = "ZVTBL\x00\x00\x00"
	v2         = uint32(2)
	v3         = uint32(3)

	sentinelNoXmax = ^uint64(0)
)

// typeTag mirrors value.Kind for the on-disk column-type byte; kept as its
// own constant block so the file format is pinned independent of any future
// additions to value.Kind.
const (
	tagNull      = byte(0)
	tagInt       = byte(1)
	tagFloat     = byte(2)
	tagBool      = byte(3)
	tagText      = byte(4)
	tagEmbedding = byte(5)
)

func kindToTag(k value.Kind) byte {
	switch k {
	case value.KindNull:
		return tagNull
	case value.KindInt:
		return tagInt
	case value.KindFloat:
		return tagFloat
	case value.KindBool:
		return tagBool
	case value.KindText:
		return tagText
	case value.KindEmbedding:
		return tagEmbedding
	default:
		return tagNull
	}
}

func tagToKind(tag byte) (value.Kind, error) {
	switch tag {
	case tagNull:
		return value.KindNull, nil
	case tagInt:
		return value.KindInt, nil
	case tagFloat:
		return value.KindFloat, nil
	case tagBool:
		return value.KindBool, nil
	case tagText:
		return value.KindText, nil
	case tagEmbedding:
		return value.KindEmbedding, nil
	default:
		return value.KindNull, fmt.Errorf("table: unknown type tag %d", tag)
	}
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeValue(w io.Writer, v value.Value) error {
	if _, err := w.Write([]byte{kindToTag(v.Kind)}); err != nil {
		return err
	}
	switch v.Kind {
	case value.KindNull:
		return nil
	case value.KindInt:
		return binary.Write(w, binary.LittleEndian, v.I)
	case value.KindFloat:
		return binary.Write(w, binary.LittleEndian, v.F)
	case value.KindBool:
		b := byte(0)
		if v.B {
			b = 1
		}
		_, err := w.Write([]byte{b})
		return err
	case value.KindText:
		return writeString(w, v.S)
	case value.KindEmbedding:
		if err := binary.Write(w, binary.LittleEndian, uint32(len(v.E))); err != nil {
			return err
		}
		for _, f := range v.E {
			if err := binary.Write(w, binary.LittleEndian, f); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("table: cannot serialize kind %v", v.Kind)
	}
}

func readValue(r io.Reader) (value.Value, error) {
	var tagBuf [1]byte
	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		return value.Value{}, err
	}
	kind, err := tagToKind(tagBuf[0])
	if err != nil {
		return value.Value{}, err
	}
	switch kind {
	case value.KindNull:
		return value.Null(), nil
	case value.KindInt:
		var i int64
		if err := binary.Read(r, binary.LittleEndian, &i); err != nil {
			return value.Value{}, err
		}
		return value.Int(i), nil
	case value.KindFloat:
		var f float64
		if err := binary.Read(r, binary.LittleEndian, &f); err != nil {
			return value.Value{}, err
		}
		return value.Float(f), nil
	case value.KindBool:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return value.Value{}, err
		}
		return value.Bool(b[0] != 0), nil
	case value.KindText:
		s, err := readString(r)
		if err != nil {
			return value.Value{}, err
		}
		return value.Text(s), nil
	case value.KindEmbedding:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return value.Value{}, err
		}
		vec := make([]float32, n)
		for i := range vec {
			if err := binary.Read(r, binary.LittleEndian, &vec[i]); err != nil {
				return value.Value{}, err
			}
		}
		return value.Embedding(vec), nil
	default:
		return value.Value{}, fmt.Errorf("table: unhandled kind %v", kind)
	}
}

func writeRow(w io.Writer, cols []Column, row value.Row) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(cols))); err != nil {
		return err
	}
	for _, c := range cols {
		if err := writeString(w, c.Name); err != nil {
			return err
		}
		if _, err := w.Write([]byte{kindToTag(c.Type)}); err != nil {
			return err
		}
		v, ok := row[c.Name]
		if !ok {
			v = value.Null()
		}
		if err := writeValue(w, v); err != nil {
			return err
		}
	}
	return nil
}

func readRow(r io.Reader) (value.Row, error) {
	var colCount uint32
	if err := binary.Read(r, binary.LittleEndian, &colCount); err != nil {
		return nil, err
	}
	row := make(value.Row, colCount)
	for i := uint32(0); i < colCount; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		var tagBuf [1]byte
		if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
			return nil, err
		}
		if _, err := tagToKind(tagBuf[0]); err != nil {
			return nil, err
		}
		v, err := readValue(r)
		if err != nil {
			return nil, err
		}
		row[name] = v
	}
	return row, nil
}

func writeSchema(w io.Writer, name string, cols []Column) error {
	if err := writeString(w, name); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(cols))); err != nil {
		return err
	}
	for _, c := range cols {
		if err := writeString(w, c.Name); err != nil {
			return err
		}
		if _, err := w.Write([]byte{kindToTag(c.Type)}); err != nil {
			return err
		}
	}
	return nil
}

func readSchema(r io.Reader) (string, []Column, error) {
	name, err := readString(r)
	if err != nil {
		return "", nil, err
	}
	var colCount uint32
	if err := binary.Read(r, binary.LittleEndian, &colCount); err != nil {
		return "", nil, err
	}
	cols := make([]Column, colCount)
	for i := range cols {
		cname, err := readString(r)
		if err != nil {
			return "", nil, err
		}
		var tagBuf [1]byte
		if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
			return "", nil, err
		}
		kind, err := tagToKind(tagBuf[0])
		if err != nil {
			return "", nil, err
		}
		cols[i] = Column{Name: cname, Type: kind}
	}
	return name, cols, nil
}

// SaveV2 writes the newest visible version of every row: no MVCC history is
// retained.
func (t *Table) SaveV2(path string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create table file")
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	if _, err := w.WriteString(tableMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, v2); err != nil {
		return err
	}
	if err := writeSchema(w, t.Name, t.Cols); err != nil {
		return err
	}

	type liveRow struct {
		id  int64
		row value.Row
	}
	var live []liveRow
	for id, head := range t.heads {
		if head != nil && head.Xmax == 0 {
			live = append(live, liveRow{id, head.Data})
		}
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(live))); err != nil {
		return err
	}
	for _, lr := range live {
		if err := binary.Write(w, binary.LittleEndian, uint64(lr.id)); err != nil {
			return err
		}
		if err := writeRow(w, t.Cols, lr.row); err != nil {
			return err
		}
	}

	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "flush table file")
	}
	return f.Sync()
}

// SaveV3 writes the full version chain for every row plus the checkpoint
// txid.
func (t *Table) SaveV3(path string, checkpointTxID uint64) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create table file")
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	if _, err := w.WriteString(tableMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, v3); err != nil {
		return err
	}
	if err := writeSchema(w, t.Name, t.Cols); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, checkpointTxID); err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(t.heads))); err != nil {
		return err
	}
	for id, head := range t.heads {
		var versions []*RowVersion
		for v := head; v != nil; v = v.Next {
			versions = append(versions, v)
		}
		if err := binary.Write(w, binary.LittleEndian, uint64(id)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(versions))); err != nil {
			return err
		}
		for _, v := range versions {
			if err := binary.Write(w, binary.LittleEndian, v.Xmin); err != nil {
				return err
			}
			xmax := v.Xmax
			if xmax == 0 {
				xmax = sentinelNoXmax
			}
			if err := binary.Write(w, binary.LittleEndian, xmax); err != nil {
				return err
			}
			if err := writeRow(w, t.Cols, v.Data); err != nil {
				return err
			}
		}
	}

	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "flush table file")
	}
	return f.Sync()
}

// Load auto-detects v2 vs v3 and returns the reconstructed table plus, for
// v3 files, the checkpoint txid (0 for v2). Loader falls back to v2
// semantics gracefully when the file lacks version chains.
func Load(path string) (t *Table, checkpointTxID uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrap(err, "open table file")
	}
	defer f.Close()
	r := bufio.NewReader(f)

	magicBuf := make([]byte, len(tableMagic))
	if _, err := io.ReadFull(r, magicBuf); err != nil {
		return nil, 0, errors.Wrap(err, "read table magic")
	}
	if string(magicBuf) != tableMagic {
		return nil, 0, errors.New("table: bad magic")
	}

	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, 0, errors.Wrap(err, "read table version")
	}

	name, cols, err := readSchema(r)
	if err != nil {
		return nil, 0, errors.Wrap(err, "read table schema")
	}
	tbl := New(name, cols)

	switch version {
	case v2:
		var rowCount uint32
		if err := binary.Read(r, binary.LittleEndian, &rowCount); err != nil {
			return nil, 0, errors.Wrap(err, "read table row count")
		}
		var maxID int64 = -1
		for i := uint32(0); i < rowCount; i++ {
			var id uint64
			if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
				return nil, 0, errors.Wrap(err, "read row id")
			}
			row, err := readRow(r)
			if err != nil {
				return nil, 0, errors.Wrap(err, "read row")
			}
			tbl.heads[int64(id)] = &RowVersion{Data: row, Xmin: 0, Xmax: 0}
			if int64(id) > maxID {
				maxID = int64(id)
			}
		}
		tbl.BumpNextID(maxID + 1)
		return tbl, 0, nil

	case v3:
		var checkpointTx uint64
		if err := binary.Read(r, binary.LittleEndian, &checkpointTx); err != nil {
			return nil, 0, errors.Wrap(err, "read checkpoint txid")
		}
		var rowCount uint32
		if err := binary.Read(r, binary.LittleEndian, &rowCount); err != nil {
			return nil, 0, errors.Wrap(err, "read table row count")
		}
		var maxID int64 = -1
		for i := uint32(0); i < rowCount; i++ {
			var id uint64
			if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
				return nil, 0, errors.Wrap(err, "read row id")
			}
			var versionCount uint32
			if err := binary.Read(r, binary.LittleEndian, &versionCount); err != nil {
				return nil, 0, errors.Wrap(err, "read version count")
			}
			var head, tail *RowVersion
			for j := uint32(0); j < versionCount; j++ {
				var xmin, xmax uint64
				if err := binary.Read(r, binary.LittleEndian, &xmin); err != nil {
					return nil, 0, errors.Wrap(err, "read xmin")
				}
				if err := binary.Read(r, binary.LittleEndian, &xmax); err != nil {
					return nil, 0, errors.Wrap(err, "read xmax")
				}
				if xmax == sentinelNoXmax {
					xmax = 0
				}
				row, err := readRow(r)
				if err != nil {
					return nil, 0, errors.Wrap(err, "read row")
				}
				v := &RowVersion{Data: row, Xmin: xmin, Xmax: xmax}
				if head == nil {
					head = v
					tail = v
				} else {
					tail.Next = v
					tail = v
				}
			}
			tbl.heads[int64(id)] = head
			if int64(id) > maxID {
				maxID = int64(id)
			}
		}
		tbl.BumpNextID(maxID + 1)
		return tbl, checkpointTx, nil

	default:
		return nil, 0, fmt.Errorf("table: unsupported version %d", version)
	}
}
