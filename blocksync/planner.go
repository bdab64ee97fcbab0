package blocksync

import (
	"fmt"
	"sort"
	"time"

	"github.com/silkchain/silksync/types"
)

// span is a half-open interval [start, end) of block numbers.
type span struct {
	start, end uint64
}

func (sp span) len() uint64      { return sp.end - sp.start }
func (sp span) empty() bool      { return sp.start >= sp.end }
func (sp span) String() string   { return fmt.Sprintf("[%d, %d)", sp.start, sp.end) }
func (sp span) has(n uint64) bool { return n >= sp.start && n < sp.end }

// spanSet is an ordered set of disjoint, non-adjacent spans.
type spanSet struct {
	spans []span
}

func newSpanSet() *spanSet {
	return &spanSet{}
}

// add inserts a span, merging it with any overlapping or adjacent ones.
func (ss *spanSet) add(sp span) {
	if sp.empty() {
		return
	}
	i := sort.Search(len(ss.spans), func(i int) bool { return ss.spans[i].end >= sp.start })
	j := i
	for j < len(ss.spans) && ss.spans[j].start <= sp.end {
		if ss.spans[j].start < sp.start {
			sp.start = ss.spans[j].start
		}
		if ss.spans[j].end > sp.end {
			sp.end = ss.spans[j].end
		}
		j++
	}
	merged := make([]span, 0, len(ss.spans)-(j-i)+1)
	merged = append(merged, ss.spans[:i]...)
	merged = append(merged, sp)
	merged = append(merged, ss.spans[j:]...)
	ss.spans = merged
}

// remove subtracts a span, splitting an existing one if needed.
func (ss *spanSet) remove(sp span) {
	if sp.empty() {
		return
	}
	out := make([]span, 0, len(ss.spans)+1)
	for _, cur := range ss.spans {
		if cur.end <= sp.start || cur.start >= sp.end {
			out = append(out, cur)
			continue
		}
		if cur.start < sp.start {
			out = append(out, span{cur.start, sp.start})
		}
		if cur.end > sp.end {
			out = append(out, span{sp.end, cur.end})
		}
	}
	ss.spans = out
}

// firstAt returns the lowest span containing a number >= from, clipped to
// begin no earlier than from.
func (ss *spanSet) firstAt(from uint64) (span, bool) {
	i := sort.Search(len(ss.spans), func(i int) bool { return ss.spans[i].end > from })
	if i == len(ss.spans) {
		return span{}, false
	}
	sp := ss.spans[i]
	if sp.start < from {
		sp.start = from
	}
	return sp, true
}

func (ss *spanSet) contains(n uint64) bool {
	i := sort.Search(len(ss.spans), func(i int) bool { return ss.spans[i].end > n })
	return i < len(ss.spans) && ss.spans[i].has(n)
}

// truncateAbove drops all numbers greater than limit.
func (ss *spanSet) truncateAbove(limit uint64) {
	ss.remove(span{limit + 1, ^uint64(0)})
}

// truncateBelow drops all numbers less than floor.
func (ss *spanSet) truncateBelow(floor uint64) {
	ss.remove(span{0, floor})
}

func (ss *spanSet) clone() *spanSet {
	cp := make([]span, len(ss.spans))
	copy(cp, ss.spans)
	return &spanSet{spans: cp}
}

func (ss *spanSet) total() uint64 {
	var n uint64
	for _, sp := range ss.spans {
		n += sp.len()
	}
	return n
}

func (ss *spanSet) isEmpty() bool { return len(ss.spans) == 0 }

//------------------------------------------------------------------------------

// pendingRange is a contiguous span of block numbers requested from exactly
// one peer. The span keeps the full length even when max is degraded below
// it; whatever the response does not cover returns to the missing set.
type pendingRange struct {
	peer     types.PeerID
	span     span
	max      uint32
	issuedAt time.Time
}

// queuedBlock is a downloaded block waiting on (or inside) the import queue.
type queuedBlock struct {
	peer      types.PeerID
	data      types.BlockData
	importing bool
}

// planCandidate is a peer the strategy deems eligible for a new block range
// this pass.
type planCandidate struct {
	peer   types.PeerID
	common uint64
	best   uint64
}

// proposal is one planned request: a span to ask a peer for.
type proposal struct {
	peer types.PeerID
	span span
}

// planner decides which missing ranges to request next. It maintains the
// partition invariant: every block number between the local best and the
// sync target is in exactly one of the missing set, a pending range, or the
// queued map.
//
// The planner never talks to the network; the strategy feeds it peer
// candidates and commits the proposals it decides to send.
type planner struct {
	best    uint64     // last block settled locally
	anchor  types.Hash // hash of block `best`; linkage anchor for ready runs
	target  uint64     // highest number the partition must cover
	horizon uint64     // highest number currently covered by the partition
	window  uint64     // look-ahead bound beyond best
	maxLen  uint32     // span length ceiling per request

	missing *spanSet
	pending map[types.PeerID]*pendingRange
	queued  map[uint64]*queuedBlock
}

func newPlanner(best uint64, anchor types.Hash, window uint64, maxLen uint32) *planner {
	if maxLen == 0 {
		maxLen = 1
	}
	return &planner{
		best:    best,
		anchor:  anchor,
		target:  best,
		horizon: best,
		window:  window,
		maxLen:  maxLen,
		missing: newSpanSet(),
		pending: make(map[types.PeerID]*pendingRange),
		queued:  make(map[uint64]*queuedBlock),
	}
}

// setBest moves the settled floor, for chains advanced outside the import
// results path (e.g. a restart mid-sync).
func (pl *planner) setBest(best uint64, anchor types.Hash) {
	if best < pl.best {
		return
	}
	pl.best = best
	pl.anchor = anchor
	pl.missing.truncateBelow(best + 1)
	if pl.horizon < best {
		pl.horizon = best
	}
	if pl.target < best {
		pl.target = best
	}
}

// setTarget extends (or trims) the partition to cover up to target.
func (pl *planner) setTarget(target uint64) {
	if target > pl.horizon {
		pl.missing.add(span{pl.horizon + 1, target + 1})
		pl.horizon = target
	} else if target < pl.target {
		pl.missing.truncateAbove(target)
	}
	pl.target = target
}

// planRequests proposes up to slots new ranges for the given candidates.
// Pure: no state changes until commit. Candidates are processed in order, so
// a stable candidate order keeps planning deterministic; a span claimed by
// an earlier candidate in the same pass is skipped for later ones.
func (pl *planner) planRequests(candidates []planCandidate, slots int) []proposal {
	inFlight := len(pl.pending)
	if inFlight >= slots {
		return nil
	}
	unclaimed := pl.missing.clone()
	var out []proposal
	for _, c := range candidates {
		if inFlight+len(out) >= slots {
			break
		}
		if _, busy := pl.pending[c.peer]; busy {
			continue
		}
		from := c.common + 1
		if from < pl.best+1 {
			from = pl.best + 1
		}
		limit := c.best
		if ahead := pl.best + pl.window; ahead < limit {
			limit = ahead
		}
		sp, ok := unclaimed.firstAt(from)
		if !ok || sp.start > limit {
			continue
		}
		if sp.end > limit+1 {
			sp.end = limit + 1
		}
		if sp.len() > uint64(pl.maxLen) {
			sp.end = sp.start + uint64(pl.maxLen)
		}
		if sp.empty() {
			continue
		}
		unclaimed.remove(sp)
		out = append(out, proposal{peer: c.peer, span: sp})
	}
	return out
}

// commit records a proposal as in flight. The claimed span leaves the
// missing set; max is the request's block-count limit, which may be smaller
// than the span when the sizer has degraded this peer.
func (pl *planner) commit(p proposal, max uint32, now time.Time) *pendingRange {
	pl.missing.remove(p.span)
	pr := &pendingRange{peer: p.peer, span: p.span, max: max, issuedAt: now}
	pl.pending[p.peer] = pr
	return pr
}

// pendingFor returns the peer's in-flight block range, if any.
func (pl *planner) pendingFor(peer types.PeerID) *pendingRange {
	return pl.pending[peer]
}

// release drops the peer's pending range and returns its span to the
// missing set, to be re-planned against any peer.
func (pl *planner) release(peer types.PeerID) *pendingRange {
	pr := pl.pending[peer]
	if pr == nil {
		return nil
	}
	delete(pl.pending, peer)
	sp := pr.span
	if sp.start < pl.best+1 {
		sp.start = pl.best + 1
	}
	pl.missing.add(sp)
	return pr
}

// fill consumes the peer's pending range with the blocks a response
// delivered. Blocks must be ascending from the span start (the strategy
// validates before calling). The unreceived tail of the span returns to the
// missing set.
func (pl *planner) fill(peer types.PeerID, blocks []types.BlockData) int {
	pr := pl.pending[peer]
	if pr == nil {
		return 0
	}
	delete(pl.pending, peer)

	accepted := 0
	next := pr.span.start
	for i := range blocks {
		bd := blocks[i]
		if bd.Header == nil {
			break
		}
		n := bd.Header.Number
		if n != next || !pr.span.has(n) {
			break
		}
		pl.queued[n] = &queuedBlock{peer: peer, data: bd}
		next++
		accepted++
	}
	if next < pr.span.end {
		pl.missing.add(span{next, pr.span.end})
	}
	return accepted
}

// readyBlocks returns the longest run of queued blocks that extends the
// local chain with unbroken parent linkage, starting right after any blocks
// already handed to the import queue. brokenAt is non-nil when the walk
// stopped because a queued block does not link to its predecessor; that
// block is fork data and must be evicted.
//
// The walk recomputes from current state every call: finite, restartable,
// not a consuming iterator.
func (pl *planner) readyBlocks() (run []IncomingBlock, brokenAt *uint64) {
	parent := pl.anchor
	n := pl.best + 1

	// Skip the prefix already owned by the import queue.
	for {
		qb := pl.queued[n]
		if qb == nil || !qb.importing {
			break
		}
		parent = qb.data.Header.Hash()
		n++
	}

	for {
		qb := pl.queued[n]
		if qb == nil || qb.importing {
			return run, nil
		}
		h := qb.data.Header
		if h == nil || !h.ParentHash.Equal(parent) {
			at := n
			return run, &at
		}
		run = append(run, IncomingBlock{Peer: qb.peer, Data: qb.data})
		parent = h.Hash()
		n++
	}
}

// markImporting transfers ownership of a ready run to the import queue. The
// planner keeps the entries as dedupe markers until results arrive.
func (pl *planner) markImporting(run []IncomingBlock) {
	for i := range run {
		if qb := pl.queued[run[i].Data.Header.Number]; qb != nil {
			qb.importing = true
		}
	}
}

// evict throws away the queued block at n and everything queued above it
// that came from the same peer, returning the numbers to the missing set.
// Used when a block turns out to be fork data that will never link.
func (pl *planner) evict(n uint64, peer types.PeerID) int {
	evicted := 0
	for {
		qb := pl.queued[n]
		if qb == nil || qb.importing {
			break
		}
		if evicted > 0 && qb.peer != peer {
			break
		}
		delete(pl.queued, n)
		pl.missing.add(span{n, n + 1})
		evicted++
		n++
	}
	return evicted
}

// supplier returns the peer that delivered the queued block at n.
func (pl *planner) supplier(n uint64) (types.PeerID, bool) {
	qb := pl.queued[n]
	if qb == nil {
		return "", false
	}
	return qb.peer, true
}

// onImported settles one import result. Successful blocks advance the local
// best; failed ones return to the missing set for re-download. Results for
// numbers the planner never queued (fork-branch imports, blocks applied by
// another path) are ignored; chain growth from outside reaches the planner
// through setBest instead.
func (pl *planner) onImported(res ImportResult) {
	qb := pl.queued[res.Number]
	if qb == nil {
		return
	}
	delete(pl.queued, res.Number)
	switch res.Outcome {
	case OutcomeImported, OutcomeAlreadyInChain:
		if res.Number > pl.best {
			pl.best = res.Number
			pl.anchor = res.Hash
			if pl.horizon < pl.best {
				pl.horizon = pl.best
			}
		}
	default:
		if res.Number > pl.best {
			pl.missing.add(span{res.Number, res.Number + 1})
		}
	}
}

// covers reports which partition bucket holds block n. Exactly one of the
// results is true for any n in (best, target]; tests lean on this.
func (pl *planner) covers(n uint64) (missing, pending, queued bool) {
	missing = pl.missing.contains(n)
	for _, pr := range pl.pending {
		if pr.span.has(n) {
			pending = true
			break
		}
	}
	_, queued = pl.queued[n]
	return
}

func (pl *planner) pendingCount() int { return len(pl.pending) }
func (pl *planner) queuedCount() int  { return len(pl.queued) }

// done reports whether the planner has nothing left to do: the partition is
// fully settled up to the target.
func (pl *planner) done() bool {
	return pl.best >= pl.target && pl.missing.isEmpty() &&
		len(pl.pending) == 0 && len(pl.queued) == 0
}
