package hnsw

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
)

const (
	fileMagic  = "ZVHNSW\x00\x00"
	fileVer    = uint32(1)
)

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

func writeStringMap(w io.Writer, m map[string]string) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if err := binary.Write(w, binary.LittleEndian, uint32(len(keys))); err != nil {
		return err
	}
	for _, k := range keys {
		if err := writeString(w, k); err != nil {
			return err
		}
		if err := writeString(w, m[k]); err != nil {
			return err
		}
	}
	return nil
}

func readStringMap(r io.Reader) (map[string]string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	m := make(map[string]string, n)
	for i := uint32(0); i < n; i++ {
		k, err := readString(r)
		if err != nil {
			return nil, err
		}
		v, err := readString(r)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

// Save writes the index to path: a versioned header (M, ef_construction,
// next_external_id, node_count) followed by one record per node
// (internal id, external id, point, layer, per-layer neighbor lists,
// metadata, outgoing edges). Round trip preserves exact external ids,
// point bytes, edge weights, and the next-auto-id sequence.
func (idx *Index) Save(path string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create hnsw file")
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	if _, err := w.WriteString(fileMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, fileVer); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(idx.params.M)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(idx.params.EfConstruction)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(idx.nextExternalID)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(idx.nodes))); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, idx.hasEntry); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, idx.entryPoint); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(idx.entryLevel)); err != nil {
		return err
	}

	// Stable order so Save is deterministic across runs.
	externals := make([]int64, 0, len(idx.nodes))
	for ext := range idx.nodes {
		externals = append(externals, ext)
	}
	sort.Slice(externals, func(i, j int) bool { return externals[i] < externals[j] })

	for _, ext := range externals {
		n := idx.nodes[ext]
		if err := binary.Write(w, binary.LittleEndian, uint32(n.internal)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, n.external); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(n.point))); err != nil {
			return err
		}
		for _, f32 := range n.point {
			if err := binary.Write(w, binary.LittleEndian, f32); err != nil {
				return err
			}
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(n.level)); err != nil {
			return err
		}
		for l := 0; l <= n.level; l++ {
			neighbors := n.neighbors[l]
			if err := binary.Write(w, binary.LittleEndian, uint32(len(neighbors))); err != nil {
				return err
			}
			for _, nb := range neighbors {
				if err := binary.Write(w, binary.LittleEndian, nb); err != nil {
					return err
				}
			}
		}

		if err := writeString(w, n.metadata.Type); err != nil {
			return err
		}
		if err := writeString(w, n.metadata.ContentRef); err != nil {
			return err
		}
		if err := writeStringMap(w, n.metadata.Attributes); err != nil {
			return err
		}

		edges := idx.outgoing[ext]
		var edgeCount uint32
		for _, es := range edges {
			edgeCount += uint32(len(es))
		}
		if err := binary.Write(w, binary.LittleEndian, edgeCount); err != nil {
			return err
		}
		labels := make([]string, 0, len(edges))
		for l := range edges {
			labels = append(labels, l)
		}
		sort.Strings(labels)
		for _, label := range labels {
			for _, e := range edges[label] {
				if err := writeString(w, e.Label); err != nil {
					return err
				}
				if err := binary.Write(w, binary.LittleEndian, e.Dst); err != nil {
					return err
				}
				if err := binary.Write(w, binary.LittleEndian, e.Weight); err != nil {
					return err
				}
			}
		}
	}

	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "flush hnsw file")
	}
	return f.Sync()
}

// Load reads an index file written by Save.
func Load(path string, params Params) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open hnsw file")
	}
	defer f.Close()
	r := bufio.NewReader(f)

	magicBuf := make([]byte, len(fileMagic))
	if _, err := io.ReadFull(r, magicBuf); err != nil {
		return nil, errors.Wrap(err, "read hnsw magic")
	}
	if string(magicBuf) != fileMagic {
		return nil, errors.New("hnsw: bad magic")
	}

	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, err
	}
	if version != fileVer {
		return nil, errors.Errorf("hnsw: unsupported version %d", version)
	}

	var m, efc uint32
	if err := binary.Read(r, binary.LittleEndian, &m); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &efc); err != nil {
		return nil, err
	}
	idx := New(Params{M: int(m), EfConstruction: int(efc)})

	var nextExternal uint64
	if err := binary.Read(r, binary.LittleEndian, &nextExternal); err != nil {
		return nil, err
	}
	idx.nextExternalID = int64(nextExternal)

	var nodeCount uint32
	if err := binary.Read(r, binary.LittleEndian, &nodeCount); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &idx.hasEntry); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &idx.entryPoint); err != nil {
		return nil, err
	}
	var entryLevel uint32
	if err := binary.Read(r, binary.LittleEndian, &entryLevel); err != nil {
		return nil, err
	}
	idx.entryLevel = int(entryLevel)

	type pendingEdge struct {
		src   int64
		label string
		dst   int64
		w     float64
	}
	var pending []pendingEdge
	maxInternal := -1

	for i := uint32(0); i < nodeCount; i++ {
		var internal uint32
		if err := binary.Read(r, binary.LittleEndian, &internal); err != nil {
			return nil, err
		}
		var external int64
		if err := binary.Read(r, binary.LittleEndian, &external); err != nil {
			return nil, err
		}
		var dim uint32
		if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
			return nil, err
		}
		point := make([]float32, dim)
		for j := range point {
			if err := binary.Read(r, binary.LittleEndian, &point[j]); err != nil {
				return nil, err
			}
		}
		var level uint32
		if err := binary.Read(r, binary.LittleEndian, &level); err != nil {
			return nil, err
		}
		n := &node{
			internal:  int(internal),
			external:  external,
			point:     point,
			level:     int(level),
			neighbors: make([][]int64, level+1),
		}
		for l := 0; l <= int(level); l++ {
			var count uint32
			if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
				return nil, err
			}
			neighbors := make([]int64, count)
			for k := range neighbors {
				if err := binary.Read(r, binary.LittleEndian, &neighbors[k]); err != nil {
					return nil, err
				}
			}
			n.neighbors[l] = neighbors
		}

		typ, err := readString(r)
		if err != nil {
			return nil, err
		}
		contentRef, err := readString(r)
		if err != nil {
			return nil, err
		}
		attrs, err := readStringMap(r)
		if err != nil {
			return nil, err
		}
		n.metadata = Metadata{Type: typ, ContentRef: contentRef, Attributes: attrs}
		n.hasMeta = typ != "" || contentRef != "" || len(attrs) > 0

		idx.nodes[external] = n
		idx.indexMetadataLocked(external, n.metadata)
		if int(internal) > maxInternal {
			maxInternal = int(internal)
		}

		var edgeCount uint32
		if err := binary.Read(r, binary.LittleEndian, &edgeCount); err != nil {
			return nil, err
		}
		for e := uint32(0); e < edgeCount; e++ {
			label, err := readString(r)
			if err != nil {
				return nil, err
			}
			var dst int64
			if err := binary.Read(r, binary.LittleEndian, &dst); err != nil {
				return nil, err
			}
			var weight float64
			if err := binary.Read(r, binary.LittleEndian, &weight); err != nil {
				return nil, err
			}
			pending = append(pending, pendingEdge{src: external, label: label, dst: dst, w: weight})
		}
	}

	idx.nextInternal = maxInternal + 1

	for _, pe := range pending {
		e := Edge{Src: pe.src, Dst: pe.dst, Label: pe.label, Weight: pe.w}
		if idx.outgoing[pe.src] == nil {
			idx.outgoing[pe.src] = make(map[string][]Edge)
		}
		idx.outgoing[pe.src][pe.label] = append(idx.outgoing[pe.src][pe.label], e)
		if idx.incoming[pe.dst] == nil {
			idx.incoming[pe.dst] = make(map[string][]Edge)
		}
		idx.incoming[pe.dst][pe.label] = append(idx.incoming[pe.dst][pe.label], e)
	}

	return idx, nil
}
