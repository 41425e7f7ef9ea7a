// Package clock implements vector clocks: one counter per peer, used to
// tell whether one version of a record causally precedes, follows, or
// conflicts with another across an untrusted-latency mesh.
package clock

// VectorClock tracks, for each peer that has ever touched a record, how
// many of that peer's own writes are reflected in the current value.
// A peer absent from the map is read as counter zero.
type VectorClock map[string]int64

// ComparisonResult classifies the causal relationship between two
// VectorClocks.
type ComparisonResult int

const (
	// Equal means the two clocks carry identical counters for every peer.
	Equal ComparisonResult = iota
	// Before means the left clock is causally behind the right one: every
	// counter on the left is at most the corresponding counter on the
	// right, and at least one is strictly less.
	Before
	// After is the mirror of Before: the left clock strictly dominates.
	After
	// Concurrent means neither side dominates -- each has seen at least
	// one write the other hasn't.
	Concurrent
)

// NewVectorClock returns a clock with no peers recorded yet.
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Increment records one more local write from peerID, allocating the
// clock first if it is nil. The updated clock is returned so callers can
// use Increment on a nil receiver without a separate allocation step.
func Increment(vc VectorClock, peerID string) VectorClock {
	if vc == nil {
		vc = make(VectorClock)
	}
	vc[peerID]++
	return vc
}

// Merge folds two clocks into the pointwise maximum of their counters,
// the vector-clock join used whenever two versions of a record are
// combined into one.
func Merge(a, b VectorClock) VectorClock {
	out := make(VectorClock, len(a)+len(b))
	for peer, count := range a {
		out[peer] = count
	}
	for peer, count := range b {
		if cur, ok := out[peer]; !ok || count > cur {
			out[peer] = count
		}
	}
	return out
}

// Compare reports how a relates to b across the union of every peer
// either one has counted.
func Compare(a, b VectorClock) ComparisonResult {
	var aAhead, bAhead bool

	peers := make(map[string]struct{}, len(a)+len(b))
	for peer := range a {
		peers[peer] = struct{}{}
	}
	for peer := range b {
		peers[peer] = struct{}{}
	}

	for peer := range peers {
		switch av, bv := a[peer], b[peer]; {
		case av > bv:
			aAhead = true
		case av < bv:
			bAhead = true
		}
	}

	switch {
	case !aAhead && !bAhead:
		return Equal
	case aAhead && !bAhead:
		return After
	case bAhead && !aAhead:
		return Before
	default:
		return Concurrent
	}
}

// HappensBefore reports whether a causally precedes or equals b, i.e.
// b has observed every write a has and possibly more.
func HappensBefore(a, b VectorClock) bool {
	switch Compare(a, b) {
	case Before, Equal:
		return true
	default:
		return false
	}
}

// Clone returns an independent copy of vc; mutating the result never
// affects vc. A nil clock clones to nil.
func Clone(vc VectorClock) VectorClock {
	if vc == nil {
		return nil
	}
	out := make(VectorClock, len(vc))
	for peer, count := range vc {
		out[peer] = count
	}
	return out
}
