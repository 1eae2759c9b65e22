// Package hnsw implements a Hierarchical Navigable Small World graph for
// approximate nearest-neighbor search over float32 vectors, plus the
// GraphRAG-style metadata and typed-edge layer built on top of it.
//
// What: Index, insert/search, cosine distance, metadata-filtered search,
// and a directed labeled-edge graph over the same node ids.
// How: a classic layered graph (Malkov & Yashunin): each node gets a
// randomly sampled top layer, greedy descent narrows to an entry point
// per layer, and a best-first beam search collects the ef closest
// candidates at each layer.
// Why: one coarse RWMutex around the whole index keeps "a concurrent
// search never sees a partially linked node" trivially true; per-layer
// locking would let a search observe an entry point whose level-0 edges
// haven't been added yet.
package hnsw

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const maxLevel = 32

var (
	// ErrDuplicateExternalID is returned by Insert when external_id is
	// supplied and already present in the index.
	ErrDuplicateExternalID = errors.New("hnsw: duplicate external id")
	// ErrNotFound is returned by metadata/edge operations referencing an
	// external id with no node.
	ErrNotFound = errors.New("hnsw: node not found")
)

// Params are the tunable construction/search parameters.
type Params struct {
	M              int
	EfConstruction int
}

// DefaultParams are the paper's commonly cited values: M=16,
// ef_construction=200, M_max0=2M.
var DefaultParams = Params{M: 16, EfConstruction: 200}

func (p Params) mMax0() int { return p.M * 2 }
func (p Params) mL() float64 {
	return 1.0 / math.Log(float64(p.M))
}

// Metadata carries GraphRAG-style node annotations.
type Metadata struct {
	Type       string
	ContentRef string
	Attributes map[string]string
}

func (m Metadata) clone() Metadata {
	out := Metadata{Type: m.Type, ContentRef: m.ContentRef}
	if m.Attributes != nil {
		out.Attributes = make(map[string]string, len(m.Attributes))
		for k, v := range m.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// Edge is one directed, labeled, weighted connection between two nodes
// (by external id).
type Edge struct {
	Src    int64
	Dst    int64
	Label  string
	Weight float64
}

type node struct {
	internal  int
	external  int64
	point     []float32
	level     int
	neighbors [][]int64 // neighbors[l] holds external ids at layer l
	metadata  Metadata
	hasMeta   bool
}

// Index is a single HNSW graph plus its GraphRAG metadata/edge layer.
type Index struct {
	mu sync.RWMutex

	params Params
	rng    *rand.Rand

	nodes          map[int64]*node
	nextInternal   int
	nextExternalID int64

	hasEntry   bool
	entryPoint int64
	entryLevel int

	typeIndex    map[string]map[int64]struct{}
	contentIndex map[string]map[int64]struct{}

	// outgoing[src][label] -> edges, incoming mirrors it for reverse lookup.
	outgoing map[int64]map[string][]Edge
	incoming map[int64]map[string][]Edge
}

// New creates an empty index with the given parameters.
func New(params Params) *Index {
	if params.M <= 0 {
		params = DefaultParams
	}
	return &Index{
		params:       params,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		nodes:        make(map[int64]*node),
		typeIndex:    make(map[string]map[int64]struct{}),
		contentIndex: make(map[string]map[int64]struct{}),
		outgoing:     make(map[int64]map[string][]Edge),
		incoming:     make(map[int64]map[string][]Edge),
	}
}

// Dim returns the dimensionality of stored vectors, or 0 if the index is
// empty.
func (idx *Index) Dim() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for _, n := range idx.nodes {
		return len(n.point)
	}
	return 0
}

// Len returns the number of nodes in the index.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.nodes)
}

// cosineDistance computes 1 - clamp(cos_similarity, -1, 1); zero-norm
// vectors are defined to have distance 1 from everything, including
// themselves.
func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		av, bv := float64(a[i]), float64(b[i])
		dot += av * bv
		na += av * av
		nb += bv * bv
	}
	if na == 0 || nb == 0 {
		return 1
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if sim > 1 {
		sim = 1
	}
	if sim < -1 {
		sim = -1
	}
	return 1 - sim
}

func (idx *Index) randomLevel() int {
	level := int(math.Floor(-math.Log(idx.rng.Float64()+minPositive) * idx.params.mL()))
	if level > maxLevel {
		level = maxLevel
	}
	return level
}

// minPositive guards against log(0) if Float64() ever returns exactly 0;
// level sampling needs U(0,1] with 0 excluded.
const minPositive = 1e-300

func (idx *Index) dist(query []float32, external int64) float64 {
	n, ok := idx.nodes[external]
	if !ok {
		return math.Inf(1)
	}
	return cosineDistance(query, n.point)
}

func (idx *Index) neighborsAt(external int64, level int) []int64 {
	n := idx.nodes[external]
	if n == nil || level >= len(n.neighbors) {
		return nil
	}
	return n.neighbors[level]
}

func (idx *Index) setNeighborsAt(external int64, level int, neighbors []int64) {
	idx.nodes[external].neighbors[level] = neighbors
}

// greedyClosest walks from ep toward query at a single layer until no
// neighbor improves on the current node, mirroring the paper's simple
// greedy-descent phase used above the insertion/query layer.
func (idx *Index) greedyClosest(query []float32, ep int64, level int) int64 {
	current := ep
	currentDist := idx.dist(query, current)
	for {
		improved := false
		for _, nb := range idx.neighborsAt(current, level) {
			d := idx.dist(query, nb)
			if d < currentDist {
				current = nb
				currentDist = d
				improved = true
			}
		}
		if !improved {
			return current
		}
	}
}

type candidate struct {
	id   int64
	dist float64
}

// searchLayer is the classic best-first beam search: expand the closest
// unvisited candidate, keep the ef best results found so far.
func (idx *Index) searchLayer(query []float32, ep int64, ef int, level int) []candidate {
	visited := map[int64]struct{}{ep: {}}
	epDist := idx.dist(query, ep)

	candidates := []candidate{{ep, epDist}}
	results := []candidate{{ep, epDist}}

	for len(candidates) > 0 {
		closest := candidates[0]
		candidates = candidates[1:]

		if len(results) >= ef && closest.dist > results[len(results)-1].dist {
			break
		}

		for _, nb := range idx.neighborsAt(closest.id, level) {
			if _, seen := visited[nb]; seen {
				continue
			}
			visited[nb] = struct{}{}
			d := idx.dist(query, nb)
			if len(results) < ef || d < results[len(results)-1].dist {
				c := candidate{nb, d}
				results = insertSortedCandidate(results, c)
				if len(results) > ef {
					results = results[:ef]
				}
				candidates = insertSortedCandidate(candidates, c)
			}
		}
	}
	return results
}

func insertSortedCandidate(s []candidate, c candidate) []candidate {
	i := sort.Search(len(s), func(i int) bool { return s[i].dist > c.dist })
	s = append(s, candidate{})
	copy(s[i+1:], s[i:])
	s[i] = c
	return s
}

// selectNeighbors keeps the m closest candidates to query by plain
// distance rather than the paper's diversity heuristic.
func selectNeighbors(candidates []candidate, m int) []int64 {
	if len(candidates) > m {
		candidates = candidates[:m]
	}
	out := make([]int64, len(candidates))
	for i, c := range candidates {
		out[i] = c.id
	}
	return out
}

func (idx *Index) pruneNeighbors(external int64, level int, maxConn int) {
	n := idx.nodes[external]
	neighbors := n.neighbors[level]
	if len(neighbors) <= maxConn {
		return
	}
	scored := make([]candidate, len(neighbors))
	for i, nb := range neighbors {
		scored[i] = candidate{nb, cosineDistance(n.point, idx.nodes[nb].point)}
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].dist < scored[j].dist })
	scored = scored[:maxConn]
	kept := make([]int64, len(scored))
	for i, c := range scored {
		kept[i] = c.id
	}
	n.neighbors[level] = kept
}

// Insert adds point to the index. If externalID is non-nil, that id is
// used (and must not already exist); otherwise the next auto-assigned
// external id is used. Returns the external id assigned.
func (idx *Index) Insert(point []float32, externalID *int64) (int64, error) {
	return idx.InsertWithMetadata(point, externalID, Metadata{})
}

// InsertWithMetadata is Insert plus GraphRAG metadata, maintaining the
// type/content-ref secondary indexes transactionally with the graph
// insert. A caller that leaves ContentRef blank gets one minted for it, so
// every node stays addressable by content reference even with no source
// document to point at.
func (idx *Index) InsertWithMetadata(point []float32, externalID *int64, meta Metadata) (int64, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if meta.ContentRef == "" {
		meta.ContentRef = uuid.NewString()
	}

	var ext int64
	if externalID != nil {
		ext = *externalID
		if _, exists := idx.nodes[ext]; exists {
			return 0, ErrDuplicateExternalID
		}
		if ext >= idx.nextExternalID {
			idx.nextExternalID = ext + 1
		}
	} else {
		ext = idx.nextExternalID
		idx.nextExternalID++
	}

	level := idx.randomLevel()
	n := &node{
		internal:  idx.nextInternal,
		external:  ext,
		point:     append([]float32(nil), point...),
		level:     level,
		neighbors: make([][]int64, level+1),
		metadata:  meta.clone(),
		hasMeta:   meta.Type != "" || meta.ContentRef != "" || len(meta.Attributes) > 0,
	}
	idx.nextInternal++
	idx.nodes[ext] = n
	idx.indexMetadataLocked(ext, meta)

	if !idx.hasEntry {
		idx.hasEntry = true
		idx.entryPoint = ext
		idx.entryLevel = level
		return ext, nil
	}

	ep := idx.entryPoint
	for l := idx.entryLevel; l > level; l-- {
		ep = idx.greedyClosest(point, ep, l)
	}

	top := level
	if idx.entryLevel < top {
		top = idx.entryLevel
	}
	for l := top; l >= 0; l-- {
		candidates := idx.searchLayer(point, ep, idx.params.EfConstruction, l)
		maxConn := idx.params.M
		if l == 0 {
			maxConn = idx.params.mMax0()
		}
		neighbors := selectNeighbors(candidates, maxConn)
		idx.setNeighborsAt(ext, l, neighbors)
		for _, nb := range neighbors {
			idx.nodes[nb].neighbors[l] = append(idx.nodes[nb].neighbors[l], ext)
			idx.pruneNeighbors(nb, l, maxConn)
		}
		if len(candidates) > 0 {
			ep = candidates[0].id
		}
	}

	if level > idx.entryLevel {
		idx.entryPoint = ext
		idx.entryLevel = level
	}
	return ext, nil
}

// Result is one hit from Search.
type Result struct {
	ExternalID int64
	Point      []float32
	Distance   float64
}

// Search returns the k closest points to query, sorted by non-decreasing
// distance with ties broken by smaller external id.
func (idx *Index) Search(query []float32, k int) []Result {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.searchLocked(query, k, nil)
}

func (idx *Index) searchLocked(query []float32, k int, accept func(int64) bool) []Result {
	if !idx.hasEntry || k <= 0 {
		return nil
	}

	ep := idx.entryPoint
	for l := idx.entryLevel; l >= 1; l-- {
		ep = idx.greedyClosest(query, ep, l)
	}

	ef := k
	if idx.params.EfConstruction > ef {
		ef = idx.params.EfConstruction
	}
	candidates := idx.searchLayer(query, ep, ef, 0)

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].dist != candidates[j].dist {
			return candidates[i].dist < candidates[j].dist
		}
		return candidates[i].id < candidates[j].id
	})

	out := make([]Result, 0, k)
	for _, c := range candidates {
		if accept != nil && !accept(c.id) {
			continue
		}
		n := idx.nodes[c.id]
		out = append(out, Result{ExternalID: c.id, Point: n.point, Distance: c.dist})
		if len(out) == k {
			break
		}
	}
	return out
}
