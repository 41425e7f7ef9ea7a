package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pluresdb/pluresdb/internal/rules"
	"github.com/pluresdb/pluresdb/internal/types"
)

func newTestStore(t *testing.T, peerID string) *Store {
	t.Helper()
	s, err := Open(Config{PeerID: peerID})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRequiresPeerID(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
}

func TestPutThenGetRoundTrip(t *testing.T) {
	s := newTestStore(t, "A")
	ctx := context.Background()

	rec, err := s.Put(ctx, "k1", map[string]any{"x": 1.0})
	require.NoError(t, err)
	require.EqualValues(t, 1.0, rec.Data["x"])

	got, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.EqualValues(t, 1.0, got.Data["x"])
}

func TestGetMissingIsNilNotError(t *testing.T) {
	s := newTestStore(t, "A")
	got, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestPutEmptyIDIsMalformedInput(t *testing.T) {
	s := newTestStore(t, "A")
	_, err := s.Put(context.Background(), "", map[string]any{})
	var serr *Error
	require.ErrorAs(t, err, &serr)
	require.Equal(t, MalformedInput, serr.Kind)
}

func TestPutAdvancesVectorClockForThisPeer(t *testing.T) {
	s := newTestStore(t, "A")
	ctx := context.Background()

	rec1, err := s.Put(ctx, "k1", map[string]any{"x": 1.0})
	require.NoError(t, err)
	first := rec1.VectorClock["A"]

	rec2, err := s.Put(ctx, "k1", map[string]any{"x": 2.0})
	require.NoError(t, err)
	require.Greater(t, rec2.VectorClock["A"], first)
}

func TestDeleteThenGetIsNil(t *testing.T) {
	s := newTestStore(t, "A")
	ctx := context.Background()
	_, err := s.Put(ctx, "k1", map[string]any{"x": 1.0})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "k1"))

	got, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestListEmptyStoreYieldsEmptySequence(t *testing.T) {
	s := newTestStore(t, "A")
	records, err := s.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestInstancesOfFiltersByType(t *testing.T) {
	s := newTestStore(t, "A")
	ctx := context.Background()
	_, err := s.Put(ctx, "k1", map[string]any{"type": "note"})
	require.NoError(t, err)
	_, err = s.Put(ctx, "k2", map[string]any{"type": "task"})
	require.NoError(t, err)

	notes, err := s.InstancesOf(ctx, "note")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.Equal(t, "k1", notes[0].ID)
}

func TestHistoryAndRestore(t *testing.T) {
	s := newTestStore(t, "A")
	ctx := context.Background()

	rec1, err := s.Put(ctx, "k1", map[string]any{"x": 1.0})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = s.Put(ctx, "k1", map[string]any{"x": 2.0})
	require.NoError(t, err)

	hist, err := s.History(ctx, "k1")
	require.NoError(t, err)
	require.NotEmpty(t, hist)

	restored, err := s.Restore(ctx, "k1", rec1.Timestamp)
	require.NoError(t, err)
	require.EqualValues(t, 1.0, restored.Data["x"])
}

func TestSubscribeDeliversMergeAsynchronously(t *testing.T) {
	s := newTestStore(t, "A")
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	unsub := s.Subscribe("k1", func(id string, record *types.Record) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, id)
	})
	defer unsub()

	_, err := s.Put(ctx, "k1", map[string]any{"x": 1.0})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribeDeleteDeliversNilRecord(t *testing.T) {
	s := newTestStore(t, "A")
	ctx := context.Background()
	_, err := s.Put(ctx, "k1", map[string]any{"x": 1.0})
	require.NoError(t, err)

	var mu sync.Mutex
	var gotNil bool
	unsub := s.Subscribe("k1", func(id string, record *types.Record) {
		mu.Lock()
		defer mu.Unlock()
		if record == nil {
			gotNil = true
		}
	})
	defer unsub()

	require.NoError(t, s.Delete(ctx, "k1"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotNil
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribeAllSeesEveryID(t *testing.T) {
	s := newTestStore(t, "A")
	ctx := context.Background()

	var mu sync.Mutex
	seen := map[string]bool{}
	unsub := s.SubscribeAll(func(id string, record *types.Record) {
		mu.Lock()
		defer mu.Unlock()
		seen[id] = true
	})
	defer unsub()

	_, err := s.Put(ctx, "a", map[string]any{})
	require.NoError(t, err)
	_, err = s.Put(ctx, "b", map[string]any{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["a"] && seen["b"]
	}, time.Second, 5*time.Millisecond)
}

func TestPutWithTextDerivesVectorAndIndexesIt(t *testing.T) {
	s := newTestStore(t, "A")
	ctx := context.Background()

	rec, err := s.Put(ctx, "k1", map[string]any{"text": "alpha"})
	require.NoError(t, err)
	require.NotEmpty(t, rec.Vector)
	require.Equal(t, 1, s.index.Size())
}

func TestVectorSearchRanksBySimilarity(t *testing.T) {
	s := newTestStore(t, "A")
	ctx := context.Background()

	_, err := s.Put(ctx, "alpha", map[string]any{"text": "alpha"})
	require.NoError(t, err)
	_, err = s.Put(ctx, "alpha-beta", map[string]any{"text": "alpha beta"})
	require.NoError(t, err)
	_, err = s.Put(ctx, "gamma", map[string]any{"text": "gamma"})
	require.NoError(t, err)

	query, err := s.embedder.Generate(ctx, "alpha")
	require.NoError(t, err)

	results, err := s.VectorSearch(ctx, query, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "alpha", results[0].ID)
	for _, r := range results {
		require.NotEqual(t, "gamma", r.ID)
	}
}

func TestVectorSearchFallsBackToBackendScanWhenIndexEmpty(t *testing.T) {
	s := newTestStore(t, "A")
	ctx := context.Background()

	rec, err := s.Put(ctx, "k1", map[string]any{"text": "alpha"})
	require.NoError(t, err)
	require.NotEmpty(t, rec.Vector)

	// Simulate an index that lost coherence with the backend.
	s.index.Remove("k1")

	results, err := s.VectorSearch(ctx, rec.Vector, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "k1", results[0].ID)
}

func TestReceivePutWithSameRecordIsNoOp(t *testing.T) {
	s := newTestStore(t, "A")
	ctx := context.Background()

	rec, err := s.Put(ctx, "k1", map[string]any{"x": 1.0})
	require.NoError(t, err)

	var mu sync.Mutex
	calls := 0
	unsub := s.Subscribe("k1", func(id string, record *types.Record) {
		mu.Lock()
		defer mu.Unlock()
		calls++
	})
	defer unsub()

	require.NoError(t, s.ReceivePut(ctx, "B", rec.Clone()))

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, calls)
}

func TestCloseRejectsSubsequentOperations(t *testing.T) {
	s, err := Open(Config{PeerID: "A"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Put(context.Background(), "k1", map[string]any{})
	var serr *Error
	require.ErrorAs(t, err, &serr)
	require.Equal(t, NotOpen, serr.Kind)
}

func TestRuleEvaluatedAfterMergeCanWriteSuppressed(t *testing.T) {
	s := newTestStore(t, "A")
	ctx := context.Background()

	s.AddRule(rules.Rule{
		Name: "derive",
		Eval: func(ctx context.Context, record *types.Record, rc *rules.Context) error {
			if record.ID != "trigger" {
				return nil
			}
			_, err := rc.Put(ctx, "trigger-derived", map[string]any{"from": record.ID})
			return err
		},
	})

	_, err := s.Put(ctx, "trigger", map[string]any{"x": 1.0})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := s.Get(ctx, "trigger-derived")
		return err == nil && rec != nil
	}, time.Second, 5*time.Millisecond)
}
