// Package store implements the Store of spec §4.1: the authoritative
// local view of every Record, CRDT merge dispatch, subscriber
// notification, vector index maintenance, and the rule-engine hook, built
// around a request-serialization pattern generalized from a document
// collection to PluresDB's single keyed graph of records.
package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pluresdb/pluresdb/internal/clock"
	"github.com/pluresdb/pluresdb/internal/embedding"
	"github.com/pluresdb/pluresdb/internal/indexing"
	"github.com/pluresdb/pluresdb/internal/logging"
	"github.com/pluresdb/pluresdb/internal/monitoring"
	"github.com/pluresdb/pluresdb/internal/resolver"
	"github.com/pluresdb/pluresdb/internal/rules"
	"github.com/pluresdb/pluresdb/internal/storage"
	"github.com/pluresdb/pluresdb/internal/tracing"
	"github.com/pluresdb/pluresdb/internal/types"
)

// Broadcaster is the narrow view of the mesh replicator the Store needs
// to broadcast its own local writes. Kept as an interface so store never
// imports mesh and creates a cycle; *mesh.Mesh satisfies it.
type Broadcaster interface {
	Broadcast(msg any) error
}

// Config configures a Store. PeerID is required; the rest have
// spec-faithful defaults.
type Config struct {
	PeerID      string
	PersistPath string // empty => in-memory, per spec open("")
	Embedder    embedding.Embedder
	IndexKind   indexing.Kind
	Metrics     *monitoring.Metrics
	Logger      *logging.Logger
	Mesh        Broadcaster // optional; nil disables broadcasting
}

// Store is the central component described by spec §4.1.
type Store struct {
	peerID   string
	backend  storage.Backend
	index    indexing.Index
	embedder embedding.Embedder
	rules    *rules.Engine
	mesh     Broadcaster
	metrics  *monitoring.Metrics
	log      *zap.Logger

	// sem serializes local and remote writes onto one logical thread of
	// execution, matching the cooperative single-threaded concurrency
	// model of spec §5; it is acquired with a select against closeCh so a
	// caller waiting on it is cancelled, not blocked forever, by Close.
	sem     chan struct{}
	closeCh chan struct{}
	closed  atomic.Bool

	subMu       sync.RWMutex
	subscribers map[string][]*subscription
	allSubs     []*subscription
	nextSubID   int64

	notifyCh chan notification
	notifyWG sync.WaitGroup
}

type subscription struct {
	id int64
	cb func(id string, record *types.Record)
}

type notification struct {
	id     string
	record *types.Record
}

// Open constructs a Store per cfg: opens the persistence backend,
// rebuilds the vector index from it (spec §4.3 coherence invariant), and
// starts the asynchronous subscriber-notification worker.
func Open(cfg Config) (*Store, error) {
	if cfg.PeerID == "" {
		return nil, newErr("open", MalformedInput, fmt.Errorf("peer id must not be empty"))
	}

	backend, err := storage.Open(cfg.PersistPath)
	if err != nil {
		return nil, newErr("open", IOFailure, err)
	}

	embedder := cfg.Embedder
	if embedder == nil {
		embedder = embedding.NewDefault()
	}
	indexKind := cfg.IndexKind
	if indexKind == "" {
		indexKind = indexing.KindBruteForce
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}

	s := &Store{
		peerID:      cfg.PeerID,
		backend:     backend,
		index:       indexing.New(indexKind, embedder.Dimension()),
		embedder:    embedder,
		rules:       rules.New(log.Logger),
		mesh:        cfg.Mesh,
		metrics:     cfg.Metrics,
		log:         log.Logger,
		sem:         make(chan struct{}, 1),
		closeCh:     make(chan struct{}),
		subscribers: make(map[string][]*subscription),
		notifyCh:    make(chan notification, 4096),
	}

	records, err := backend.ListNodes()
	if err != nil {
		return nil, newErr("open", IOFailure, err)
	}
	for _, rec := range records {
		if len(rec.Vector) > 0 {
			_ = s.index.Upsert(rec.ID, rec.Vector)
		}
	}

	s.notifyWG.Add(1)
	go s.notifyLoop()

	return s, nil
}

// PeerID returns this Store's stable peer identifier.
func (s *Store) PeerID() string { return s.peerID }

// AddRule registers rule with the Store's rule engine (spec §4.5).
func (s *Store) AddRule(rule rules.Rule) {
	s.rules.Add(rule)
}

// RemoveRule unregisters the named rule, if present.
func (s *Store) RemoveRule(name string) {
	s.rules.Remove(name)
}

func (s *Store) acquire() error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-s.closeCh:
		return newErr("acquire", ClosedWhileWaiting, nil)
	}
}

func (s *Store) release() { <-s.sem }

// Put is the local write operation of spec §4.1 steps (a)-(k).
func (s *Store) Put(ctx context.Context, id string, data map[string]any) (*types.Record, error) {
	ctx, span := tracing.StartSpan(ctx, "store.put", attribute.String("record_id", id))
	defer span.End()

	if id == "" {
		return nil, newErr("put", MalformedInput, fmt.Errorf("id must not be empty"))
	}
	if s.closed.Load() {
		return nil, newErr("put", NotOpen, nil)
	}
	if err := s.acquire(); err != nil {
		return nil, err
	}

	merged, err := s.applyLocalPut(ctx, id, data)
	s.release()
	if err != nil {
		return nil, err
	}
	s.log.Debug("put applied", zap.String("record_id", id), zap.Int64("timestamp", merged.Timestamp))

	// Rule evaluation may itself call Put (through a suppressed Context),
	// so it must run after this merge's own critical section is released
	// -- otherwise a rule-driven write would deadlock reacquiring sem.
	if !rules.Suppressed(ctx) {
		s.rules.Evaluate(ctx, merged, s)
	}

	s.notify(id, merged)

	if s.mesh != nil {
		if err := s.mesh.Broadcast(types.PutMessage{
			Type:     types.MsgPut,
			OriginID: s.peerID,
			Node:     merged,
		}); err != nil {
			s.log.Debug("put broadcast failed", zap.String("record_id", id), zap.Error(err))
		} else {
			s.log.Debug("put broadcast", zap.String("record_id", id))
		}
	}

	return merged, nil
}

// applyLocalPut runs the part of spec §4.1 steps (a)-(h) that must happen
// under the store's serialization point: read-merge-persist-index. It is
// called with sem already held.
func (s *Store) applyLocalPut(ctx context.Context, id string, data map[string]any) (*types.Record, error) {
	existing, err := s.backend.GetNode(id)
	if err != nil {
		return nil, newErr("put", IOFailure, err)
	}

	provisional, err := s.buildProvisional(ctx, id, data, existing)
	if err != nil {
		return nil, err
	}

	_, mergeSpan := tracing.StartSpan(ctx, "resolver.merge", attribute.String("record_id", id))
	merged := resolver.Merge(existing, provisional)
	mergeSpan.End()
	s.log.Debug("merge resolved", zap.String("record_id", id), zap.Bool("existed", existing != nil))

	if err := s.backend.SetNode(merged); err != nil {
		return nil, newErr("put", IOFailure, err)
	}
	s.syncIndex(merged)

	if s.metrics != nil {
		s.metrics.PutOps.Inc()
		s.metrics.MergesApplied.Inc()
	}
	return merged, nil
}

// buildProvisional implements spec §4.1 steps (b)-(e): a new wall-clock
// timestamp, an advanced vector-clock entry for this peer, vector/type
// derivation, and per-field state timestamps for every field in data.
func (s *Store) buildProvisional(ctx context.Context, id string, data map[string]any, existing *types.Record) (*types.Record, error) {
	now := nowMillis()

	prov := &types.Record{
		ID:        id,
		Data:      data,
		Timestamp: now,
		State:     make(map[string]int64, len(data)),
	}
	if existing != nil {
		prov.VectorClock = clock.Clone(existing.VectorClock)
	}
	prov.VectorClock = clock.Increment(prov.VectorClock, s.peerID)

	vector, err := s.deriveVector(ctx, data, existing)
	if err != nil {
		return nil, err
	}
	prov.Vector = vector

	if t, ok := data["type"].(string); ok && t != "" {
		prov.Type = t
	} else if existing != nil {
		prov.Type = existing.Type
	}

	for f := range data {
		prov.State[f] = now
	}

	return prov, nil
}

func (s *Store) deriveVector(ctx context.Context, data map[string]any, existing *types.Record) ([]float32, error) {
	if raw, ok := data["vector"]; ok {
		vec, ok := toFloat32Slice(raw)
		if !ok {
			return nil, newErr("put", MalformedInput, fmt.Errorf("vector field is not a numeric sequence"))
		}
		return vec, nil
	}

	var text string
	if t, ok := data["text"].(string); ok {
		text = t
	} else if c, ok := data["content"].(string); ok {
		text = c
	} else {
		if existing != nil {
			return existing.Vector, nil
		}
		return nil, nil
	}

	vec, err := s.embedder.Generate(ctx, text)
	if err != nil {
		return nil, newErr("put", IOFailure, err)
	}
	return vec, nil
}

func (s *Store) syncIndex(rec *types.Record) {
	if len(rec.Vector) > 0 {
		_ = s.index.Upsert(rec.ID, rec.Vector)
	} else {
		s.index.Remove(rec.ID)
	}
	if s.metrics != nil {
		s.metrics.IndexSize.Set(float64(s.index.Size()))
	}
}

// Get returns the current record for id, or nil if absent.
func (s *Store) Get(ctx context.Context, id string) (*types.Record, error) {
	if s.closed.Load() {
		return nil, newErr("get", NotOpen, nil)
	}
	rec, err := s.backend.GetNode(id)
	if err != nil {
		return nil, newErr("get", IOFailure, err)
	}
	return rec.Clone(), nil
}

// Delete removes id locally and broadcasts a delete message. See spec
// §4.1 "Delete semantics": this is an unconditional removal, not a
// CRDT-versioned tombstone. A put for id that was concurrent with this
// delete and arrives afterwards recreates the record, so a delete racing
// a put can be undone on some or all peers.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, span := tracing.StartSpan(ctx, "store.delete", attribute.String("record_id", id))
	defer span.End()

	if id == "" {
		return newErr("delete", MalformedInput, fmt.Errorf("id must not be empty"))
	}
	if s.closed.Load() {
		return newErr("delete", NotOpen, nil)
	}
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	if err := s.backend.DeleteNode(id); err != nil {
		return newErr("delete", IOFailure, err)
	}
	s.index.Remove(id)
	if s.metrics != nil {
		s.metrics.DeleteOps.Inc()
	}
	s.log.Debug("delete applied", zap.String("record_id", id))

	s.notify(id, nil)

	if s.mesh != nil {
		if err := s.mesh.Broadcast(types.DeleteMessage{
			Type:     types.MsgDelete,
			OriginID: s.peerID,
			ID:       id,
		}); err != nil {
			s.log.Debug("delete broadcast failed", zap.String("record_id", id), zap.Error(err))
		} else {
			s.log.Debug("delete broadcast", zap.String("record_id", id))
		}
	}
	return nil
}

// ReceivePut applies an inbound mesh PUT (mesh.ReceiveHook). originId
// self-discard already happened in the mesh layer; this is the
// "identical from step (f) onward" remote receive flow of spec §4.1.
func (s *Store) ReceivePut(ctx context.Context, originID string, incoming *types.Record) error {
	ctx, span := tracing.StartSpan(ctx, "store.receive_put",
		attribute.String("origin_id", originID))
	defer span.End()

	if incoming == nil || incoming.ID == "" {
		return newErr("receive_put", MalformedInput, fmt.Errorf("node missing or id empty"))
	}
	span.SetAttributes(attribute.String("record_id", incoming.ID))
	if s.closed.Load() {
		return newErr("receive_put", NotOpen, nil)
	}
	if err := s.acquire(); err != nil {
		return err
	}

	existing, err := s.backend.GetNode(incoming.ID)
	if err != nil {
		s.release()
		return newErr("receive_put", IOFailure, err)
	}

	_, mergeSpan := tracing.StartSpan(ctx, "resolver.merge", attribute.String("record_id", incoming.ID))
	merged := resolver.Merge(existing, incoming)
	mergeSpan.End()

	// A merge that leaves the record unchanged is a no-op: no persist,
	// no notification.
	if recordsEqual(existing, merged) {
		s.release()
		s.log.Debug("receive put no-op", zap.String("record_id", incoming.ID), zap.String("origin_id", originID))
		return nil
	}

	if err := s.backend.SetNode(merged); err != nil {
		s.release()
		return newErr("receive_put", IOFailure, err)
	}
	s.syncIndex(merged)

	if s.metrics != nil {
		s.metrics.MergesApplied.Inc()
	}
	s.release()
	s.log.Debug("receive put merged", zap.String("record_id", incoming.ID), zap.String("origin_id", originID))

	// Rule evaluation may itself call Put (through a suppressed Context),
	// so it must run after this merge's own critical section is released
	// -- otherwise a rule-driven write would deadlock reacquiring sem.
	s.rules.Evaluate(ctx, merged, s)
	s.notify(incoming.ID, merged)
	return nil
}

// ReceiveDelete applies an inbound mesh DELETE unconditionally.
func (s *Store) ReceiveDelete(ctx context.Context, originID string, id string) error {
	_, span := tracing.StartSpan(ctx, "store.receive_delete",
		attribute.String("record_id", id), attribute.String("origin_id", originID))
	defer span.End()

	if id == "" {
		return newErr("receive_delete", MalformedInput, fmt.Errorf("id must not be empty"))
	}
	if s.closed.Load() {
		return newErr("receive_delete", NotOpen, nil)
	}
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	if err := s.backend.DeleteNode(id); err != nil {
		return newErr("receive_delete", IOFailure, err)
	}
	s.index.Remove(id)
	s.log.Debug("receive delete applied", zap.String("record_id", id), zap.String("origin_id", originID))
	s.notify(id, nil)
	return nil
}

// AllRecords returns every currently-stored record, used by the mesh
// layer to answer SYNC_REQUEST.
func (s *Store) AllRecords(ctx context.Context) ([]*types.Record, error) {
	return s.List(ctx)
}

// List returns every currently-stored record. Order is unspecified but
// stable within a single call.
func (s *Store) List(ctx context.Context) ([]*types.Record, error) {
	if s.closed.Load() {
		return nil, newErr("list", NotOpen, nil)
	}
	records, err := s.backend.ListNodes()
	if err != nil {
		return nil, newErr("list", IOFailure, err)
	}
	return records, nil
}

// InstancesOf returns every record whose Type equals t.
func (s *Store) InstancesOf(ctx context.Context, t string) ([]*types.Record, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Record, 0)
	for _, rec := range all {
		if rec.Type == t {
			out = append(out, rec)
		}
	}
	return out, nil
}

// History returns prior versions of id, newest first.
func (s *Store) History(ctx context.Context, id string) ([]*types.Record, error) {
	if s.closed.Load() {
		return nil, newErr("history", NotOpen, nil)
	}
	hist, err := s.backend.GetNodeHistory(id)
	if err != nil {
		return nil, newErr("history", IOFailure, err)
	}
	return hist, nil
}

// Restore re-applies the version of id recorded at timestamp t as a new
// local put, per spec §4.1 "history(id) / restore(id, t)".
func (s *Store) Restore(ctx context.Context, id string, t int64) (*types.Record, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current != nil && current.Timestamp == t {
		return s.Put(ctx, id, current.Data)
	}

	hist, err := s.History(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, rec := range hist {
		if rec.Timestamp == t {
			return s.Put(ctx, id, rec.Data)
		}
	}
	return nil, newErr("restore", MalformedInput, fmt.Errorf("no version of %q at timestamp %d", id, t))
}

// VectorSearch returns up to k ids with the highest cosine similarity to
// query. Falls back to a brute-force scan of the persistence backend if
// the index is empty (spec §4.3 "Failure mode if index is empty").
func (s *Store) VectorSearch(ctx context.Context, query []float32, k int) ([]indexing.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "store.vector_search",
		attribute.Int("k", k), attribute.Int("index_size", s.index.Size()))
	defer span.End()

	if s.metrics != nil {
		s.metrics.VectorSearchOps.Inc()
		start := time.Now()
		defer func() { s.metrics.VectorSearchLat.Observe(time.Since(start).Seconds()) }()
	}

	if s.index.Size() > 0 {
		results, err := s.index.Search(query, k)
		if err == nil {
			s.log.Debug("vector search served from index", zap.Int("k", k), zap.Int("hits", len(results)))
		}
		return results, err
	}

	s.log.Debug("vector search index empty, falling back to full scan", zap.Int("k", k))
	records, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	fallback := indexing.NewBruteForceIndex()
	for _, rec := range records {
		if len(rec.Vector) > 0 {
			_ = fallback.Upsert(rec.ID, rec.Vector)
		}
	}
	return fallback.Search(query, k)
}

// Subscribe registers cb to be invoked, asynchronously and in merge
// order, after every merge affecting id (including deletes, for which
// cb receives a nil record). The returned func unregisters cb.
func (s *Store) Subscribe(id string, cb func(id string, record *types.Record)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextSubID++
	sub := &subscription{id: s.nextSubID, cb: cb}
	s.subscribers[id] = append(s.subscribers[id], sub)

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		s.subscribers[id] = removeSub(s.subscribers[id], sub.id)
	}
}

// SubscribeAll registers cb to be invoked for merges affecting any id.
func (s *Store) SubscribeAll(cb func(id string, record *types.Record)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextSubID++
	sub := &subscription{id: s.nextSubID, cb: cb}
	s.allSubs = append(s.allSubs, sub)

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		s.allSubs = removeSub(s.allSubs, sub.id)
	}
}

func removeSub(subs []*subscription, id int64) []*subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// notify enqueues a notification for asynchronous, in-order delivery.
// Delivery never re-enters Store methods synchronously (spec §4.1
// subscribe contract).
func (s *Store) notify(id string, record *types.Record) {
	select {
	case s.notifyCh <- notification{id: id, record: record.Clone()}:
	case <-s.closeCh:
	}
}

func (s *Store) notifyLoop() {
	defer s.notifyWG.Done()
	for n := range s.notifyCh {
		s.dispatch(n)
	}
}

func (s *Store) dispatch(n notification) {
	s.subMu.RLock()
	targets := make([]*subscription, 0, len(s.subscribers[n.id])+len(s.allSubs))
	targets = append(targets, s.subscribers[n.id]...)
	targets = append(targets, s.allSubs...)
	s.subMu.RUnlock()

	for _, sub := range targets {
		s.runCallback(sub, n)
	}
}

func (s *Store) runCallback(sub *subscription, n notification) {
	defer func() {
		if p := recover(); p != nil {
			if s.metrics != nil {
				s.metrics.SubscriberErrors.Inc()
			}
			s.log.Error("subscriber callback panicked", zap.Any("panic", p), zap.String("record_id", n.id))
		}
	}()
	sub.cb(n.id, n.record)
}

// Close flushes pending notifications and releases the persistence
// backend. Operations suspended waiting for the store's serialization
// point are cancelled with ClosedWhileWaiting rather than left blocked.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.closeCh)
	close(s.notifyCh)
	s.notifyWG.Wait()
	if err := s.backend.Close(); err != nil {
		return newErr("close", IOFailure, err)
	}
	return nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func recordsEqual(a, b *types.Record) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.ID != b.ID || a.Type != b.Type || a.Timestamp != b.Timestamp {
		return false
	}
	if len(a.Data) != len(b.Data) || len(a.Vector) != len(b.Vector) {
		return false
	}
	for i := range a.Vector {
		if a.Vector[i] != b.Vector[i] {
			return false
		}
	}
	for k, v := range a.Data {
		bv, ok := b.Data[k]
		if !ok || !valuesEqual(v, bv) {
			return false
		}
	}
	if len(a.State) != len(b.State) {
		return false
	}
	for k, v := range a.State {
		if b.State[k] != v {
			return false
		}
	}
	return clock.Compare(a.VectorClock, b.VectorClock) == clock.Equal
}

func valuesEqual(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			if !valuesEqual(v, bv[k]) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

func toFloat32Slice(v any) ([]float32, bool) {
	switch vv := v.(type) {
	case []float32:
		return vv, true
	case []float64:
		out := make([]float32, len(vv))
		for i, f := range vv {
			out[i] = float32(f)
		}
		return out, true
	case []any:
		out := make([]float32, len(vv))
		for i, e := range vv {
			f, ok := e.(float64)
			if !ok {
				return nil, false
			}
			out[i] = float32(f)
		}
		return out, true
	default:
		return nil, false
	}
}
