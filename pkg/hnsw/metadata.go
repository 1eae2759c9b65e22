package hnsw

import "sort"

// indexMetadataLocked adds ext to the type and content-ref secondary
// indexes. Caller must hold idx.mu for writing.
func (idx *Index) indexMetadataLocked(ext int64, meta Metadata) {
	if meta.Type != "" {
		set, ok := idx.typeIndex[meta.Type]
		if !ok {
			set = make(map[int64]struct{})
			idx.typeIndex[meta.Type] = set
		}
		set[ext] = struct{}{}
	}
	if meta.ContentRef != "" {
		set, ok := idx.contentIndex[meta.ContentRef]
		if !ok {
			set = make(map[int64]struct{})
			idx.contentIndex[meta.ContentRef] = set
		}
		set[ext] = struct{}{}
	}
}

func (idx *Index) unindexMetadataLocked(ext int64, meta Metadata) {
	if meta.Type != "" {
		if set, ok := idx.typeIndex[meta.Type]; ok {
			delete(set, ext)
			if len(set) == 0 {
				delete(idx.typeIndex, meta.Type)
			}
		}
	}
	if meta.ContentRef != "" {
		if set, ok := idx.contentIndex[meta.ContentRef]; ok {
			delete(set, ext)
			if len(set) == 0 {
				delete(idx.contentIndex, meta.ContentRef)
			}
		}
	}
}

// UpdateMetadata replaces the metadata for ext, maintaining the type and
// content-ref secondary indexes transactionally: the old entry is removed
// from both indexes before the new one is added, under a single lock
// acquisition, so no reader can observe the node indexed under both the
// old and new type at once.
func (idx *Index) UpdateMetadata(ext int64, newMeta Metadata) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	n, ok := idx.nodes[ext]
	if !ok {
		return ErrNotFound
	}
	idx.unindexMetadataLocked(ext, n.metadata)
	n.metadata = newMeta.clone()
	n.hasMeta = newMeta.Type != "" || newMeta.ContentRef != "" || len(newMeta.Attributes) > 0
	idx.indexMetadataLocked(ext, newMeta)
	return nil
}

// Metadata returns the metadata stored for ext.
func (idx *Index) Metadata(ext int64) (Metadata, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	n, ok := idx.nodes[ext]
	if !ok {
		return Metadata{}, false
	}
	return n.metadata.clone(), true
}

func sortedIDs(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NodesByType returns the sorted external ids of nodes whose metadata.Type
// equals t.
func (idx *Index) NodesByType(t string) []int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return sortedIDs(idx.typeIndex[t])
}

// NodesByContentRef returns the sorted external ids of nodes whose
// metadata.ContentRef equals ref.
func (idx *Index) NodesByContentRef(ref string) []int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return sortedIDs(idx.contentIndex[ref])
}

// AddEdge adds a directed, labeled, weighted edge from src to dst. Both
// endpoints must already exist as nodes.
func (idx *Index) AddEdge(src, dst int64, label string, weight float64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.nodes[src]; !ok {
		return ErrNotFound
	}
	if _, ok := idx.nodes[dst]; !ok {
		return ErrNotFound
	}
	e := Edge{Src: src, Dst: dst, Label: label, Weight: weight}

	if idx.outgoing[src] == nil {
		idx.outgoing[src] = make(map[string][]Edge)
	}
	idx.outgoing[src][label] = append(idx.outgoing[src][label], e)

	if idx.incoming[dst] == nil {
		idx.incoming[dst] = make(map[string][]Edge)
	}
	idx.incoming[dst][label] = append(idx.incoming[dst][label], e)
	return nil
}

// RemoveEdge removes every src->dst edge carrying label.
func (idx *Index) RemoveEdge(src, dst int64, label string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if out, ok := idx.outgoing[src]; ok {
		out[label] = filterEdges(out[label], dst)
		if len(out[label]) == 0 {
			delete(out, label)
		}
	}
	if in, ok := idx.incoming[dst]; ok {
		in[label] = filterEdgesBySrc(in[label], src)
		if len(in[label]) == 0 {
			delete(in, label)
		}
	}
}

func filterEdges(edges []Edge, dst int64) []Edge {
	out := edges[:0]
	for _, e := range edges {
		if e.Dst != dst {
			out = append(out, e)
		}
	}
	return out
}

func filterEdgesBySrc(edges []Edge, src int64) []Edge {
	out := edges[:0]
	for _, e := range edges {
		if e.Src != src {
			out = append(out, e)
		}
	}
	return out
}

// GetEdges returns every outgoing edge from id, optionally filtered by
// label (empty label means all labels).
func (idx *Index) GetEdges(id int64, label string) []Edge {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return collectEdges(idx.outgoing[id], label)
}

// GetIncoming returns every edge pointing at id, optionally filtered by
// label.
func (idx *Index) GetIncoming(id int64, label string) []Edge {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return collectEdges(idx.incoming[id], label)
}

// GetOutgoing is an alias for GetEdges, named for symmetry with
// GetIncoming.
func (idx *Index) GetOutgoing(id int64, label string) []Edge {
	return idx.GetEdges(id, label)
}

func collectEdges(byLabel map[string][]Edge, label string) []Edge {
	if byLabel == nil {
		return nil
	}
	if label != "" {
		out := make([]Edge, len(byLabel[label]))
		copy(out, byLabel[label])
		return out
	}
	var out []Edge
	for _, edges := range byLabel {
		out = append(out, edges...)
	}
	return out
}

// GetNeighbors returns the distinct destination ids reachable from id via
// an outgoing edge, optionally filtered by label.
func (idx *Index) GetNeighbors(id int64, label string) []int64 {
	edges := idx.GetEdges(id, label)
	seen := make(map[int64]struct{}, len(edges))
	var out []int64
	for _, e := range edges {
		if _, ok := seen[e.Dst]; ok {
			continue
		}
		seen[e.Dst] = struct{}{}
		out = append(out, e.Dst)
	}
	return out
}

// Traverse runs a breadth-first walk from start out to depth hops along
// outgoing edges (optionally filtered by label), returning every id
// visited. depth=0 returns [start]; depth=1 also includes direct
// neighbors.
func (idx *Index) Traverse(start int64, depth int, label string) []int64 {
	visited := map[int64]struct{}{start: {}}
	order := []int64{start}
	frontier := []int64{start}

	for d := 0; d < depth; d++ {
		var next []int64
		for _, id := range frontier {
			for _, nb := range idx.GetNeighbors(id, label) {
				if _, ok := visited[nb]; ok {
					continue
				}
				visited[nb] = struct{}{}
				order = append(order, nb)
				next = append(next, nb)
			}
		}
		frontier = next
		if len(frontier) == 0 {
			break
		}
	}
	return order
}

// SearchByType runs an ANN search but only returns results whose
// metadata.Type equals t.
func (idx *Index) SearchByType(query []float32, k int, t string) []Result {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	accept := func(id int64) bool {
		n := idx.nodes[id]
		return n != nil && n.metadata.Type == t
	}
	return idx.searchLocked(query, k, accept)
}

// SearchThenTraverse unions the plain ANN result set for query with the
// traversal (to depth, along label) of every node in that result set.
func (idx *Index) SearchThenTraverse(query []float32, k int, label string, depth int) []int64 {
	hits := idx.Search(query, k)

	seen := make(map[int64]struct{}, len(hits))
	var out []int64
	for _, h := range hits {
		if _, ok := seen[h.ExternalID]; !ok {
			seen[h.ExternalID] = struct{}{}
			out = append(out, h.ExternalID)
		}
	}
	for _, h := range hits {
		for _, id := range idx.Traverse(h.ExternalID, depth, label) {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
