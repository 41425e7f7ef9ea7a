package pluresdb

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pluresdb/pluresdb/internal/types"
)

func TestOpenRequiresPeerID(t *testing.T) {
	_, err := Open(context.Background(), Options{})
	require.Error(t, err)
}

func TestOpenRequiresNonNilContext(t *testing.T) {
	_, err := Open(nil, Options{PeerID: "A"}) //lint:ignore SA1012 validating nil-context handling
	require.Error(t, err)
}

func TestPutThenGetRoundTrip(t *testing.T) {
	db, err := Open(context.Background(), Options{PeerID: "A"})
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	rec, err := db.Put(ctx, "k1", map[string]any{"x": 1.0})
	require.NoError(t, err)
	require.EqualValues(t, 1.0, rec.Data["x"])

	got, err := db.Get(ctx, "k1")
	require.NoError(t, err)
	require.EqualValues(t, 1.0, got.Data["x"])
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// TestTwoPeersConvergeOnUnionOfFields checks that two peers, each putting a
// distinct field on the same record, converge to the union of fields once
// synced, with no field lost.
func TestTwoPeersConvergeOnUnionOfFields(t *testing.T) {
	ctx := context.Background()

	a, err := Open(ctx, Options{PeerID: "A", ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer a.Close()

	b, err := Open(ctx, Options{PeerID: "B"})
	require.NoError(t, err)
	defer b.Close()

	_, err = a.Put(ctx, "rec-1", map[string]any{"name": "alpha"})
	require.NoError(t, err)

	require.NoError(t, b.Dial(ctx, a.ListenAddr()))
	waitForCondition(t, 2*time.Second, func() bool { return a.LinkCount() == 1 && b.LinkCount() == 1 })

	_, err = b.Put(ctx, "rec-1", map[string]any{"color": "blue"})
	require.NoError(t, err)

	waitForCondition(t, 2*time.Second, func() bool {
		rec, err := a.Get(ctx, "rec-1")
		return err == nil && rec != nil && rec.Data["color"] == "blue"
	})

	recA, err := a.Get(ctx, "rec-1")
	require.NoError(t, err)
	require.Equal(t, "alpha", recA.Data["name"])
	require.Equal(t, "blue", recA.Data["color"])

	waitForCondition(t, 2*time.Second, func() bool {
		rec, err := b.Get(ctx, "rec-1")
		return err == nil && rec != nil && rec.Data["name"] == "alpha"
	})
	recB, err := b.Get(ctx, "rec-1")
	require.NoError(t, err)
	require.Equal(t, "alpha", recB.Data["name"])
	require.Equal(t, "blue", recB.Data["color"])
}

// TestHubServingTwoDialersRebroadcastsLoopFree checks that a hub peer H
// serving two dialer peers A and B forwards a put from A to B, and never
// echoes it back to A with A's own originId.
func TestHubServingTwoDialersRebroadcastsLoopFree(t *testing.T) {
	ctx := context.Background()

	hub, err := Open(ctx, Options{PeerID: "H", ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer hub.Close()

	a, err := Open(ctx, Options{PeerID: "A"})
	require.NoError(t, err)
	defer a.Close()

	bPeer, err := Open(ctx, Options{PeerID: "B"})
	require.NoError(t, err)
	defer bPeer.Close()

	addr := hub.ListenAddr()
	require.NoError(t, a.Dial(ctx, addr))
	require.NoError(t, bPeer.Dial(ctx, addr))
	waitForCondition(t, 2*time.Second, func() bool { return hub.LinkCount() == 2 })

	var deliveries int
	var mu sync.Mutex
	unsub := a.SubscribeAll(func(id string, record *types.Record) {
		mu.Lock()
		defer mu.Unlock()
		deliveries++
	})
	defer unsub()

	_, err = a.Put(ctx, "loop-rec", map[string]any{"x": 1.0})
	require.NoError(t, err)

	waitForCondition(t, 2*time.Second, func() bool {
		rec, err := bPeer.Get(ctx, "loop-rec")
		return err == nil && rec != nil
	})

	// A's own local put notifies exactly once; H must never echo the
	// message back to A with A's own originId, which would otherwise
	// show up as a second notification here.
	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, deliveries)
}
