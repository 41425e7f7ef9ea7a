// Package pluresdb is the public façade over the core engine: the single
// keyed store, its vector index, its rule engine, and its mesh replicator,
// wired together the way a CLI, HTTP/SSE, or embedding-UI layer would
// consume them.
package pluresdb

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pluresdb/pluresdb/internal/embedding"
	"github.com/pluresdb/pluresdb/internal/indexing"
	"github.com/pluresdb/pluresdb/internal/logging"
	"github.com/pluresdb/pluresdb/internal/mesh"
	"github.com/pluresdb/pluresdb/internal/monitoring"
	"github.com/pluresdb/pluresdb/internal/rules"
	"github.com/pluresdb/pluresdb/internal/store"
	"github.com/pluresdb/pluresdb/internal/tracing"
	"github.com/pluresdb/pluresdb/internal/types"
)

// Options configures a DB. PeerID is required; everything else has
// spec-faithful defaults.
type Options struct {
	// PeerID identifies this replica in vector clocks and originId fields.
	PeerID string

	// PersistPath selects the on-disk persistence backend; empty means
	// in-memory only (spec §4.4 open("")).
	PersistPath string

	// ListenAddr, if set, starts accepting mesh connections (spec §4.2
	// "served" links). Leave empty to run dial-only or standalone.
	ListenAddr string

	// Embedder overrides the default deterministic embedder (spec §4.3).
	Embedder embedding.Embedder

	// IndexKind selects the vector index backend; defaults to brute-force.
	IndexKind indexing.Kind

	// Registerer receives this DB's Prometheus metrics. Nil disables
	// metrics entirely.
	Registerer prometheus.Registerer

	// JaegerEndpoint, if set, enables OpenTelemetry tracing export.
	JaegerEndpoint string
}

// DB is the public handle on a running PluresDB replica: a Store backed by
// a persistence backend and vector index, optionally joined to a mesh of
// peers.
type DB struct {
	store      *store.Store
	mesh       *mesh.Mesh
	log        *logging.Logger
	listenAddr string
}

// ListenAddr returns the address this DB is accepting mesh connections on,
// or the empty string if Options.ListenAddr was not set.
func (d *DB) ListenAddr() string { return d.listenAddr }

// Open constructs a DB per opts: opens the persistence backend, builds the
// metrics/logging/tracing ambient stack, and starts the mesh replicator if
// ListenAddr is set.
func Open(ctx context.Context, opts Options) (*DB, error) {
	if opts.PeerID == "" {
		return nil, fmt.Errorf("pluresdb: PeerID must not be empty")
	}
	if ctx == nil {
		return nil, fmt.Errorf("pluresdb: context must not be nil")
	}

	log, err := logging.New(logging.DebugEnabled())
	if err != nil {
		return nil, fmt.Errorf("pluresdb: build logger: %w", err)
	}

	var metrics *monitoring.Metrics
	if opts.Registerer != nil {
		metrics = monitoring.New(opts.Registerer)
	}

	if opts.JaegerEndpoint != "" {
		if _, err := tracing.InitTracer(opts.PeerID, opts.JaegerEndpoint); err != nil {
			log.Warn("tracing init failed, continuing without export", zap.Error(err))
		}
	}

	db := &DB{log: log}

	m := mesh.New(opts.PeerID, db, metrics, log.Logger)

	s, err := store.Open(store.Config{
		PeerID:      opts.PeerID,
		PersistPath: opts.PersistPath,
		Embedder:    opts.Embedder,
		IndexKind:   opts.IndexKind,
		Metrics:     metrics,
		Logger:      log,
		Mesh:        m,
	})
	if err != nil {
		return nil, fmt.Errorf("pluresdb: open store: %w", err)
	}
	db.store = s
	db.mesh = m

	if opts.ListenAddr != "" {
		addr, err := m.Serve(opts.ListenAddr)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("pluresdb: listen on %s: %w", opts.ListenAddr, err)
		}
		db.listenAddr = addr.String()
	}

	return db, nil
}

// Dial joins this DB to a peer listening at addr (spec §4.2 "dialer"
// link), requesting an immediate full sync of the remote's state.
func (d *DB) Dial(ctx context.Context, addr string) error {
	return d.mesh.Dial(ctx, addr)
}

// PeerID returns this replica's stable identifier.
func (d *DB) PeerID() string { return d.store.PeerID() }

// AddRule registers a rule-engine hook (spec §4.5).
func (d *DB) AddRule(rule rules.Rule) { d.store.AddRule(rule) }

// RemoveRule unregisters the named rule, if present.
func (d *DB) RemoveRule(name string) { d.store.RemoveRule(name) }

// Put is the spec §4.1 local write operation.
func (d *DB) Put(ctx context.Context, id string, data map[string]any) (*types.Record, error) {
	return d.store.Put(ctx, id, data)
}

// Get returns the current record for id, or nil if absent.
func (d *DB) Get(ctx context.Context, id string) (*types.Record, error) {
	return d.store.Get(ctx, id)
}

// Delete removes id locally and broadcasts the removal to peers.
func (d *DB) Delete(ctx context.Context, id string) error {
	return d.store.Delete(ctx, id)
}

// List returns every currently-stored record.
func (d *DB) List(ctx context.Context) ([]*types.Record, error) {
	return d.store.List(ctx)
}

// InstancesOf returns every record of the given type.
func (d *DB) InstancesOf(ctx context.Context, recordType string) ([]*types.Record, error) {
	return d.store.InstancesOf(ctx, recordType)
}

// History returns prior versions of id, newest first.
func (d *DB) History(ctx context.Context, id string) ([]*types.Record, error) {
	return d.store.History(ctx, id)
}

// Restore re-applies the version of id recorded at timestamp t as a new
// local write.
func (d *DB) Restore(ctx context.Context, id string, timestamp int64) (*types.Record, error) {
	return d.store.Restore(ctx, id, timestamp)
}

// VectorSearch returns up to k ids with the highest cosine similarity to
// query (spec §4.3).
func (d *DB) VectorSearch(ctx context.Context, query []float32, k int) ([]indexing.Result, error) {
	return d.store.VectorSearch(ctx, query, k)
}

// Subscribe registers cb for every merge affecting id. The returned func
// unregisters cb.
func (d *DB) Subscribe(id string, cb func(id string, record *types.Record)) func() {
	return d.store.Subscribe(id, cb)
}

// SubscribeAll registers cb for merges affecting any id.
func (d *DB) SubscribeAll(cb func(id string, record *types.Record)) func() {
	return d.store.SubscribeAll(cb)
}

// LinkCount reports the number of currently active mesh links.
func (d *DB) LinkCount() int { return d.mesh.LinkCount() }

// ReceivePut implements mesh.ReceiveHook by delegating to the Store.
func (d *DB) ReceivePut(ctx context.Context, originID string, record *types.Record) error {
	return d.store.ReceivePut(ctx, originID, record)
}

// ReceiveDelete implements mesh.ReceiveHook by delegating to the Store.
func (d *DB) ReceiveDelete(ctx context.Context, originID string, id string) error {
	return d.store.ReceiveDelete(ctx, originID, id)
}

// AllRecords implements mesh.ReceiveHook by delegating to the Store.
func (d *DB) AllRecords(ctx context.Context) ([]*types.Record, error) {
	return d.store.AllRecords(ctx)
}

// Close tears down the mesh and releases the persistence backend.
func (d *DB) Close() error {
	meshErr := d.mesh.Close()
	storeErr := d.store.Close()
	if storeErr != nil {
		return storeErr
	}
	return meshErr
}
