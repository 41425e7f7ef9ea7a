// Package mesh implements the Mesh Replicator of spec §4.2: bidirectional
// links to peers, message-preserving JSON framing, and rebroadcast
// discipline that prevents loops without a global coordinator, built on a
// hand-rolled TCP protocol reshaped around served-vs-dialer link roles
// instead of a single flat connection set.
package mesh

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/pluresdb/pluresdb/internal/monitoring"
	"github.com/pluresdb/pluresdb/internal/tracing"
	"github.com/pluresdb/pluresdb/internal/types"
)

// ReceiveHook is the subset of the Store the mesh needs to apply inbound
// traffic and answer sync requests. Kept narrow so this package never
// imports store and creates a cycle.
type ReceiveHook interface {
	ReceivePut(ctx context.Context, originID string, record *types.Record) error
	ReceiveDelete(ctx context.Context, originID string, id string) error
	AllRecords(ctx context.Context) ([]*types.Record, error)
}

// Role distinguishes the two ways a link can come into being (spec §4.2).
// Only Served links rebroadcast; Dialer links never do.
type Role int

const (
	Served Role = iota
	Dialer
)

// sendQueueCapacity bounds each link's outbound queue; once full, the
// oldest pending message is dropped to make room (spec §4.2 back-pressure).
const sendQueueCapacity = 256

// Mesh manages this peer's set of active links and dispatches inbound
// messages to hook, rebroadcasting per the protocol's loop-freedom rules.
type Mesh struct {
	PeerID string

	hook    ReceiveHook
	metrics *monitoring.Metrics
	log     *zap.Logger

	mu       sync.RWMutex
	links    map[string]*link
	listener net.Listener
	nextID   int
}

// New constructs a Mesh for peerID. metrics and log may be nil.
func New(peerID string, hook ReceiveHook, metrics *monitoring.Metrics, log *zap.Logger) *Mesh {
	if log == nil {
		log = zap.NewNop()
	}
	return &Mesh{
		PeerID:  peerID,
		hook:    hook,
		metrics: metrics,
		log:     log,
		links:   make(map[string]*link),
	}
}

type link struct {
	id        string
	conn      net.Conn
	role      Role
	sendCh    chan []byte
	mu        sync.Mutex
	closeOnce sync.Once
}

func (m *Mesh) nextLinkID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return fmt.Sprintf("link-%d", m.nextID)
}

// Serve starts accepting inbound connections on addr. Every accepted
// connection becomes a Served-role link.
func (m *Mesh) Serve(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("mesh: listen %s: %w", addr, err)
	}
	m.mu.Lock()
	m.listener = ln
	m.mu.Unlock()

	go m.acceptLoop(ln)
	return ln.Addr(), nil
}

func (m *Mesh) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		m.addLink(conn, Served)
	}
}

// Dial establishes an outbound connection to addr as a Dialer-role link
// and immediately requests a sync of the remote's current state.
func (m *Mesh) Dial(ctx context.Context, addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("mesh: dial %s: %w", addr, err)
	}
	l := m.addLink(conn, Dialer)
	return m.send(l, types.SyncRequestMessage{Type: types.MsgSyncRequest, OriginID: m.PeerID})
}

func (m *Mesh) addLink(conn net.Conn, role Role) *link {
	l := &link{
		id:     m.nextLinkID(),
		conn:   conn,
		role:   role,
		sendCh: make(chan []byte, sendQueueCapacity),
	}

	m.mu.Lock()
	m.links[l.id] = l
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ActiveLinks.Inc()
	}

	go m.writeLoop(l)
	go m.readLoop(l)
	return l
}

func (m *Mesh) removeLink(l *link) error {
	m.mu.Lock()
	_, existed := m.links[l.id]
	delete(m.links, l.id)
	m.mu.Unlock()
	if existed && m.metrics != nil {
		m.metrics.ActiveLinks.Dec()
	}
	var err error
	l.closeOnce.Do(func() {
		close(l.sendCh)
		err = l.conn.Close()
	})
	return err
}

func (m *Mesh) writeLoop(l *link) {
	for data := range l.sendCh {
		l.mu.Lock()
		_, err := l.conn.Write(append(data, '\n'))
		l.mu.Unlock()
		if err != nil {
			m.log.Debug("mesh write failed", zap.String("link", l.id), zap.Error(err))
			m.removeLink(l)
			return
		}
		if m.metrics != nil {
			m.metrics.MessagesSent.Inc()
			m.metrics.BytesSent.Add(float64(len(data) + 1))
		}
	}
}

func (m *Mesh) readLoop(l *link) {
	scanner := bufio.NewScanner(l.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if m.metrics != nil {
			m.metrics.MessagesReceived.Inc()
		}
		m.handleLine(l, append([]byte(nil), line...))
	}
	m.removeLink(l)
}

func (m *Mesh) handleLine(l *link, line []byte) {
	var env types.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		// Any message that cannot be parsed is silently ignored (§4.2).
		return
	}

	ctx := context.Background()
	switch env.Type {
	case types.MsgPut:
		m.handlePut(ctx, l, line)
	case types.MsgDelete:
		m.handleDelete(ctx, l, line)
	case types.MsgSyncRequest:
		m.handleSyncRequest(ctx, l, line)
	}
}

func (m *Mesh) handlePut(ctx context.Context, l *link, line []byte) {
	var msg types.PutMessage
	if err := json.Unmarshal(line, &msg); err != nil || msg.Node == nil {
		return
	}
	if msg.OriginID == m.PeerID {
		if m.metrics != nil {
			m.metrics.RemoteDropsOrigin.Inc()
		}
		return
	}
	if err := m.hook.ReceivePut(ctx, msg.OriginID, msg.Node); err != nil {
		m.log.Debug("receive put failed", zap.Error(err))
		return
	}
	m.log.Debug("receive put applied", zap.String("record_id", msg.Node.ID), zap.String("origin_id", msg.OriginID))
	m.rebroadcast(l, line)
}

func (m *Mesh) handleDelete(ctx context.Context, l *link, line []byte) {
	var msg types.DeleteMessage
	if err := json.Unmarshal(line, &msg); err != nil || msg.ID == "" {
		return
	}
	if msg.OriginID == m.PeerID {
		if m.metrics != nil {
			m.metrics.RemoteDropsOrigin.Inc()
		}
		return
	}
	if err := m.hook.ReceiveDelete(ctx, msg.OriginID, msg.ID); err != nil {
		m.log.Debug("receive delete failed", zap.Error(err))
		return
	}
	m.log.Debug("receive delete applied", zap.String("record_id", msg.ID), zap.String("origin_id", msg.OriginID))
	m.rebroadcast(l, line)
}

func (m *Mesh) handleSyncRequest(ctx context.Context, l *link, line []byte) {
	var msg types.SyncRequestMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return
	}
	records, err := m.hook.AllRecords(ctx)
	if err != nil {
		m.log.Debug("sync request: list failed", zap.Error(err))
		return
	}
	for _, rec := range records {
		_ = m.send(l, types.PutMessage{Type: types.MsgPut, OriginID: m.PeerID, Node: rec})
	}
	m.log.Debug("sync request served", zap.String("link", l.id), zap.Int("records", len(records)))
}

// rebroadcast forwards a just-received, already-applied message to every
// other Served link this peer maintains. Dialer-role links never
// rebroadcast (spec §4.2's loop-freedom rule), and the source link is
// always excluded.
func (m *Mesh) rebroadcast(source *link, line []byte) {
	if source.role != Served {
		return
	}

	m.mu.RLock()
	targets := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		if l.id == source.id || l.role != Served {
			continue
		}
		targets = append(targets, l)
	}
	m.mu.RUnlock()

	if len(targets) > 0 {
		m.log.Debug("rebroadcast", zap.String("source_link", source.id), zap.Int("targets", len(targets)))
	}
	for _, l := range targets {
		m.enqueue(l, line)
	}
}

// Broadcast sends msg to every active link, served and dialer alike. Used
// for the store's own local writes (spec §4.1 step k), which must reach
// every peer regardless of how the link was formed.
func (m *Mesh) Broadcast(msg any) error {
	_, span := tracing.StartSpan(context.Background(), "mesh.broadcast")
	defer span.End()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mesh: encode message: %w", err)
	}

	m.mu.RLock()
	targets := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		targets = append(targets, l)
	}
	m.mu.RUnlock()

	span.SetAttributes(attribute.Int("targets", len(targets)))
	for _, l := range targets {
		m.enqueue(l, data)
	}
	m.log.Debug("broadcast", zap.Int("targets", len(targets)))
	return nil
}

func (m *Mesh) send(l *link, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mesh: encode message: %w", err)
	}
	m.enqueue(l, data)
	return nil
}

// enqueue applies the bounded, drop-oldest back-pressure policy of
// spec §4.2: if a link's send queue is full, the oldest pending message
// is discarded to make room for the new one, rather than blocking the
// caller or growing without bound.
func (m *Mesh) enqueue(l *link, data []byte) {
	// A link can be torn down by its own read/write goroutine concurrently
	// with another goroutine trying to forward traffic to it; guard the
	// send against the resulting closed-channel race rather than
	// synchronizing every enqueue through removeLink.
	defer func() { _ = recover() }()

	select {
	case l.sendCh <- data:
		return
	default:
	}
	select {
	case <-l.sendCh:
		if m.metrics != nil {
			m.metrics.SendQueueDrops.Inc()
		}
	default:
	}
	select {
	case l.sendCh <- data:
	default:
	}
}

// LinkCount reports the number of currently active links, for tests and
// diagnostics.
func (m *Mesh) LinkCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.links)
}

// Close tears down the listener and every active link. Sends in flight
// on other links are unaffected by any single link's failure (spec §4.2
// failure semantics).
func (m *Mesh) Close() error {
	m.mu.Lock()
	var err error
	if m.listener != nil {
		err = m.listener.Close()
	}
	links := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	for _, l := range links {
		err = multierr.Append(err, m.removeLink(l))
	}
	return err
}
