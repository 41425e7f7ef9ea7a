package indexing

import (
	"container/heap"
	"math/rand"
	"sync"

	"github.com/google/uuid"
)

// hnswNode is a node in the HNSW graph. Internally nodes are addressed by
// uuid so the graph logic stays independent of the caller's id scheme;
// HNSWIndex keeps the id<->uuid mapping.
type hnswNode struct {
	id          uuid.UUID
	key         string
	vector      []float32
	connections map[int][]uuid.UUID
	level       int
}

// HNSWIndex implements a Hierarchical Navigable Small World graph ranked
// by cosine similarity, matching spec §4.3's similarity metric.
type HNSWIndex struct {
	dimension      int
	m              int
	mMax0          int
	efConstruction int
	ef             int
	nodes          map[uuid.UUID]*hnswNode
	byKey          map[string]uuid.UUID
	entryPoint     *hnswNode
	mu             sync.RWMutex
}

// NewHNSWIndex creates a new HNSW index fixed to dimension, with m
// connections per layer and efConstruction candidates considered while
// building each insertion.
func NewHNSWIndex(dimension, m, efConstruction int) *HNSWIndex {
	return &HNSWIndex{
		dimension:      dimension,
		m:              m,
		mMax0:          m * 2,
		efConstruction: efConstruction,
		ef:             efConstruction,
		nodes:          make(map[uuid.UUID]*hnswNode),
		byKey:          make(map[string]uuid.UUID),
	}
}

// SetEf sets the search beam width.
func (h *HNSWIndex) SetEf(ef int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ef = ef
}

func (h *HNSWIndex) Upsert(key string, vector []float32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(vector) != h.dimension {
		return ErrDimensionMismatch
	}

	if existing, ok := h.byKey[key]; ok {
		h.removeLocked(existing)
	}

	id := uuid.New()
	level := h.randomLevel()
	node := &hnswNode{
		id:          id,
		key:         key,
		vector:      vector,
		connections: make(map[int][]uuid.UUID),
		level:       level,
	}
	for l := 0; l <= level; l++ {
		node.connections[l] = nil
	}

	h.nodes[id] = node
	h.byKey[key] = id

	if h.entryPoint == nil {
		h.entryPoint = node
		return nil
	}

	ep := []uuid.UUID{h.entryPoint.id}
	for lc := h.entryPoint.level; lc > level; lc-- {
		ep = h.searchLayer(vector, ep, 1, lc)
	}

	for lc := level; lc >= 0; lc-- {
		candidates := h.searchLayer(vector, ep, h.efConstruction, lc)

		m := h.m
		if lc == 0 {
			m = h.mMax0
		}
		neighbors := h.selectNeighbors(vector, candidates, m)

		for _, neighborID := range neighbors {
			h.connect(node.id, neighborID, lc)
			h.connect(neighborID, node.id, lc)
			if neighborNode, ok := h.nodes[neighborID]; ok && len(neighborNode.connections[lc]) > m {
				h.pruneConnections(neighborID, lc, m)
			}
		}
		ep = candidates
	}

	if level > h.entryPoint.level {
		h.entryPoint = node
	}
	return nil
}

func (h *HNSWIndex) Remove(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id, ok := h.byKey[key]; ok {
		h.removeLocked(id)
	}
}

func (h *HNSWIndex) removeLocked(id uuid.UUID) {
	node, ok := h.nodes[id]
	if !ok {
		return
	}
	for layer := 0; layer <= node.level; layer++ {
		for _, neighborID := range node.connections[layer] {
			neighbor, ok := h.nodes[neighborID]
			if !ok {
				continue
			}
			kept := neighbor.connections[layer][:0]
			for _, conn := range neighbor.connections[layer] {
				if conn != id {
					kept = append(kept, conn)
				}
			}
			neighbor.connections[layer] = kept
		}
	}
	delete(h.nodes, id)
	delete(h.byKey, node.key)
	if h.entryPoint != nil && h.entryPoint.id == id {
		h.entryPoint = h.findNewEntryPoint()
	}
}

func (h *HNSWIndex) Search(query []float32, k int) ([]Result, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(query) != h.dimension {
		return nil, ErrDimensionMismatch
	}
	if h.entryPoint == nil || k <= 0 {
		return nil, nil
	}

	var ep []uuid.UUID
	if len(h.nodes) <= k*2 {
		for id := range h.nodes {
			ep = append(ep, id)
		}
	} else {
		ep = []uuid.UUID{h.entryPoint.id}
		for lc := h.entryPoint.level; lc > 0; lc-- {
			ep = h.searchLayer(query, ep, 1, lc)
		}
	}

	beam := h.ef
	if k > beam {
		beam = k
	}
	ep = h.searchLayer(query, ep, beam, 0)

	results := make([]Result, 0, len(ep))
	for _, id := range ep {
		if node, ok := h.nodes[id]; ok {
			results = append(results, Result{ID: node.key, Score: cosineSimilarity(query, node.vector)})
		}
	}
	for i := 1; i < len(results); i++ {
		j := i
		for j > 0 && results[j-1].Score < results[j].Score {
			results[j-1], results[j] = results[j], results[j-1]
			j--
		}
	}

	if k > len(results) {
		k = len(results)
	}
	return results[:k], nil
}

func (h *HNSWIndex) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}

// searchLayer performs a greedy beam search at a single layer, scoring
// candidates by cosine distance (1 - similarity) so the min-heap/max-heap
// machinery underneath is metric-agnostic.
func (h *HNSWIndex) searchLayer(query []float32, entryPoints []uuid.UUID, ef int, layer int) []uuid.UUID {
	visited := make(map[uuid.UUID]bool)
	candidates := &distanceHeap{}
	results := &distanceHeap{}
	heap.Init(candidates)
	heap.Init(results)

	dist := func(v []float32) float64 { return 1 - cosineSimilarity(query, v) }

	for _, ep := range entryPoints {
		if node, ok := h.nodes[ep]; ok {
			d := dist(node.vector)
			heap.Push(candidates, &distanceItem{id: ep, distance: d})
			heap.Push(results, &distanceItem{id: ep, distance: -d})
			visited[ep] = true
		}
	}

	for candidates.Len() > 0 {
		current := heap.Pop(candidates).(*distanceItem)
		if results.Len() >= ef && current.distance > -results.Top().distance {
			break
		}

		node, ok := h.nodes[current.id]
		if !ok {
			continue
		}
		for _, neighborID := range node.connections[layer] {
			if visited[neighborID] {
				continue
			}
			visited[neighborID] = true
			neighbor, ok := h.nodes[neighborID]
			if !ok {
				continue
			}
			d := dist(neighbor.vector)
			if results.Len() < ef || d < -results.Top().distance {
				heap.Push(candidates, &distanceItem{id: neighborID, distance: d})
				heap.Push(results, &distanceItem{id: neighborID, distance: -d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	items := make([]*distanceItem, 0, results.Len())
	for results.Len() > 0 {
		items = append(items, heap.Pop(results).(*distanceItem))
	}
	ids := make([]uuid.UUID, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		ids = append(ids, items[i].id)
	}
	return ids
}

func (h *HNSWIndex) selectNeighbors(query []float32, candidates []uuid.UUID, m int) []uuid.UUID {
	if len(candidates) <= m {
		return candidates
	}

	type scored struct {
		id   uuid.UUID
		dist float64
	}
	cands := make([]scored, 0, len(candidates))
	for _, id := range candidates {
		if node, ok := h.nodes[id]; ok {
			cands = append(cands, scored{id: id, dist: 1 - cosineSimilarity(query, node.vector)})
		}
	}
	for i := 0; i < len(cands)-1; i++ {
		for j := i + 1; j < len(cands); j++ {
			if cands[i].dist > cands[j].dist {
				cands[i], cands[j] = cands[j], cands[i]
			}
		}
	}

	selected := make([]uuid.UUID, 0, m)
	for i := 0; i < m && i < len(cands); i++ {
		selected = append(selected, cands[i].id)
	}
	return selected
}

func (h *HNSWIndex) connect(from, to uuid.UUID, layer int) {
	node, ok := h.nodes[from]
	if !ok {
		return
	}
	for _, conn := range node.connections[layer] {
		if conn == to {
			return
		}
	}
	node.connections[layer] = append(node.connections[layer], to)
}

func (h *HNSWIndex) pruneConnections(id uuid.UUID, layer, m int) {
	node, ok := h.nodes[id]
	if !ok {
		return
	}
	connections := node.connections[layer]
	if len(connections) <= m {
		return
	}

	type connDist struct {
		id   uuid.UUID
		dist float64
	}
	distances := make([]connDist, 0, len(connections))
	for _, connID := range connections {
		if connNode, ok := h.nodes[connID]; ok {
			distances = append(distances, connDist{id: connID, dist: 1 - cosineSimilarity(node.vector, connNode.vector)})
		}
	}
	for i := 0; i < len(distances)-1; i++ {
		for j := i + 1; j < len(distances); j++ {
			if distances[i].dist > distances[j].dist {
				distances[i], distances[j] = distances[j], distances[i]
			}
		}
	}

	kept := make([]uuid.UUID, 0, m)
	for i := 0; i < m && i < len(distances); i++ {
		kept = append(kept, distances[i].id)
	}
	node.connections[layer] = kept
}

func (h *HNSWIndex) randomLevel() int {
	level := 0
	for rand.Float64() < 0.5 && level < 16 {
		level++
	}
	return level
}

func (h *HNSWIndex) findNewEntryPoint() *hnswNode {
	maxLevel := -1
	var ep *hnswNode
	for _, node := range h.nodes {
		if node.level > maxLevel {
			maxLevel = node.level
			ep = node
		}
	}
	return ep
}

type distanceItem struct {
	id       uuid.UUID
	distance float64
}

type distanceHeap []*distanceItem

func (h distanceHeap) Len() int            { return len(h) }
func (h distanceHeap) Less(i, j int) bool  { return h[i].distance < h[j].distance }
func (h distanceHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *distanceHeap) Push(x interface{}) { *h = append(*h, x.(*distanceItem)) }
func (h *distanceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
func (h *distanceHeap) Top() *distanceItem {
	if len(*h) == 0 {
		return nil
	}
	return (*h)[0]
}
