package blocksync

import (
	"github.com/silkchain/silksync/types"
)

// budgetKey scopes a retry budget to one peer, one protocol and one span
// start. Spans degrading concurrently against the same peer keep independent
// histories.
type budgetKey struct {
	peer    types.PeerID
	purpose Purpose
	start   uint64
}

// retryBudget remembers every block count already requested from a peer for
// a span start. A retry must never reuse a size from this set: a repeated
// (start, max) signature is what trips the remote peer's abuse ban.
type retryBudget struct {
	tried map[uint32]struct{}
	last  uint32
}

// sizer picks the block count for the next request attempt. The first
// request for a span uses the configured maximum. After a timeout, the next
// attempt against the same peer and span start uses the largest count below
// the previous one that has never been tried, down to a floor of 1.
//
// Shrinking the count instead of splitting the range keeps the request
// signature unique on every retry while still re-requesting the blocks that
// timed out. Holding the count at 1 for the rest of a bad range would do the
// opposite: many identical single-block requests, which is exactly the
// signature remote peers ban.
type sizer struct {
	max     uint32
	budgets map[budgetKey]*retryBudget
}

func newSizer(max uint32) *sizer {
	if max == 0 {
		max = 1
	}
	return &sizer{
		max:     max,
		budgets: make(map[budgetKey]*retryBudget),
	}
}

// next returns the size to use for the next request against peer for the
// span starting at start. It does not record the attempt; recordAttempt is
// called once the request is actually sent. Returns ErrExhaustedRetries when
// every size down to 1 has been tried.
func (s *sizer) next(peer types.PeerID, purpose Purpose, start uint64) (uint32, error) {
	b := s.budgets[budgetKey{peer, purpose, start}]
	if b == nil {
		return s.max, nil
	}
	for size := b.last - 1; size >= 1; size-- {
		if _, ok := b.tried[size]; !ok {
			return size, nil
		}
	}
	return 0, ErrExhaustedRetries
}

// recordAttempt marks size as used for the given peer and span start.
func (s *sizer) recordAttempt(peer types.PeerID, purpose Purpose, start uint64, size uint32) {
	key := budgetKey{peer, purpose, start}
	b := s.budgets[key]
	if b == nil {
		b = &retryBudget{tried: make(map[uint32]struct{})}
		s.budgets[key] = b
	}
	b.tried[size] = struct{}{}
	b.last = size
}

// recordSuccess clears the degraded state for a span. The next request
// against this peer reverts to the full configured size; degradation is
// scoped to "until next success", not to the life of the connection.
func (s *sizer) recordSuccess(peer types.PeerID, purpose Purpose, start uint64) {
	delete(s.budgets, budgetKey{peer, purpose, start})
}

// recordExhausted evicts a fully walked budget. If the span is ever retried
// against the same peer it starts a fresh walk from the full size; enough
// wall time has passed by then that the remote's repeat heuristic no longer
// sees the earlier attempts.
func (s *sizer) recordExhausted(peer types.PeerID, purpose Purpose, start uint64) {
	delete(s.budgets, budgetKey{peer, purpose, start})
}

// degraded reports whether the peer is in a retry sequence for the span.
func (s *sizer) degraded(peer types.PeerID, purpose Purpose, start uint64) bool {
	_, ok := s.budgets[budgetKey{peer, purpose, start}]
	return ok
}

// releasePeer drops all budgets held against a disconnected peer.
func (s *sizer) releasePeer(peer types.PeerID) {
	for key := range s.budgets {
		if key.peer == peer {
			delete(s.budgets, key)
		}
	}
}

// prune evicts budgets for spans the planner no longer cares about, keeping
// the map from growing with long-gone ranges.
func (s *sizer) prune(keep func(budgetKey) bool) {
	for key := range s.budgets {
		if !keep(key) {
			delete(s.budgets, key)
		}
	}
}

func (s *sizer) len() int { return len(s.budgets) }
