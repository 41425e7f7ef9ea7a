// Package resolver implements the per-record CRDT merge algorithm: per-field
// last-writer-wins with vector clocks, full-record-timestamp tie-break, and a
// deterministic peer-id fallback.
package resolver

import (
	"github.com/pluresdb/pluresdb/internal/clock"
	"github.com/pluresdb/pluresdb/internal/types"
)

// Merge combines local (possibly nil) and remote records with the same id
// into the deterministic result described by spec §4.1. Merge is
// commutative and idempotent: Merge(Merge(L, R), R) == Merge(L, R) and
// Merge(Merge(L, R1), R2) == Merge(Merge(L, R2), R1).
func Merge(local, remote *types.Record) *types.Record {
	if remote == nil {
		return local.Clone()
	}
	if local == nil {
		return remote.Clone()
	}

	merged := &types.Record{
		ID:    local.ID,
		Data:  make(map[string]any),
		State: make(map[string]int64),
	}

	fields := make(map[string]struct{}, len(local.Data)+len(remote.Data))
	for f := range local.Data {
		fields[f] = struct{}{}
	}
	for f := range remote.Data {
		fields[f] = struct{}{}
	}

	for f := range fields {
		lv, lok := local.Data[f]
		rv, rok := remote.Data[f]
		lt, lstateok := local.State[f]
		rt, rstateok := remote.State[f]

		switch {
		case lok && rok:
			// Present on both sides: per-field timestamp wins, then
			// record timestamp, then peer-id of the contributing side.
			winner := pickField(local, remote, lt, rt)
			if winner == local {
				merged.Data[f] = cloneValue(lv)
			} else {
				merged.Data[f] = cloneValue(rv)
			}
			merged.State[f] = maxInt64(lt, rt)

		case lok && !rok:
			// Only local has it: keep it if remote's state has no
			// entry for F (remote never wrote it), or if local's write
			// to F postdates remote's record as a whole. Otherwise
			// remote saw and dropped the field, and it is dropped.
			if !rstateok || lt > remote.Timestamp {
				merged.Data[f] = cloneValue(lv)
				merged.State[f] = lt
			}

		case rok && !lok:
			if !lstateok || rt > local.Timestamp {
				merged.Data[f] = cloneValue(rv)
				merged.State[f] = rt
			}
		}
	}

	// Vector/type: remote wins if remote's record timestamp >= local's,
	// else local wins; ties prefer remote (deterministic).
	if remote.Timestamp >= local.Timestamp {
		merged.Vector = cloneVector(remote.Vector)
		merged.Type = orInherit(remote.Type, local.Type)
	} else {
		merged.Vector = cloneVector(local.Vector)
		merged.Type = orInherit(local.Type, remote.Type)
	}

	merged.Timestamp = maxInt64(local.Timestamp, remote.Timestamp)
	merged.VectorClock = clock.Merge(local.VectorClock, remote.VectorClock)

	return merged
}

// pickField resolves a same-field conflict between two whole records given
// their already-looked-up per-field timestamps, applying spec §4.1 step 2's
// three-level tie-break: per-field timestamp, then record timestamp, then
// lexicographic peer-id of the last writer recorded in that side's own
// vector clock (the peer whose counter is highest on that side).
func pickField(local, remote *types.Record, lt, rt int64) *types.Record {
	if lt > rt {
		return local
	}
	if rt > lt {
		return remote
	}
	if local.Timestamp > remote.Timestamp {
		return local
	}
	if remote.Timestamp > local.Timestamp {
		return remote
	}
	if lastWriter(local) >= lastWriter(remote) {
		return local
	}
	return remote
}

// lastWriter returns the peer-id with the highest counter in r's vector
// clock: the peer whose write the record's own clock most recently
// reflects. Used only to break exact timestamp ties deterministically.
func lastWriter(r *types.Record) string {
	best := ""
	var bestCount int64 = -1
	for peer, count := range r.VectorClock {
		if count > bestCount || (count == bestCount && peer > best) {
			best = peer
			bestCount = count
		}
	}
	return best
}

func orInherit(preferred, fallback string) string {
	if preferred != "" {
		return preferred
	}
	return fallback
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func cloneVector(v []float32) []float32 {
	if v == nil {
		return nil
	}
	return append([]float32(nil), v...)
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = cloneValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}
