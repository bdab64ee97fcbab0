package blocksync

import (
	"sort"

	"github.com/silkchain/silksync/libs/log"
	"github.com/silkchain/silksync/types"
)

// peer is the sync engine's bookkeeping for one connected remote. All
// mutation happens on the engine loop; no locking here.
type peer struct {
	id         types.PeerID
	bestHash   types.Hash
	bestNumber uint64

	// common is the highest block number known to be shared with the local
	// chain. Monotonically non-decreasing once commonKnown.
	common      uint64
	commonKnown bool

	state    PeerState
	failures uint32
	dropping bool

	// ancestry bisection over (ancLo, ancHi]; ancLo is always a shared
	// height.
	ancLo   uint64
	ancHi   uint64
	probe   uint64
	probing bool
}

// startAncestry begins the common-block search. The first probe goes to the
// top of the possible range: on the happy path (peer is simply ahead of us
// on the same chain) a single round trip resolves the search.
func (p *peer) startAncestry(ourBest uint64) {
	hi := ourBest
	if p.bestNumber < hi {
		hi = p.bestNumber
	}
	if hi == 0 {
		p.common = 0
		p.commonKnown = true
		p.state = PeerIdle
		return
	}
	p.ancLo = 0
	p.ancHi = hi
	p.probe = hi
	p.probing = false
	p.state = PeerAncestrySearch
}

// nextProbe returns the height the search wants checked next.
func (p *peer) nextProbe() (uint64, bool) {
	if p.commonKnown || p.state != PeerAncestrySearch {
		return 0, false
	}
	return p.probe, true
}

// recordProbe narrows the search with the result of one probe: shared
// reports whether our chain has the same block at that height. Returns true
// once the common number is resolved.
func (p *peer) recordProbe(height uint64, shared bool) bool {
	p.probing = false
	if shared {
		p.ancLo = height
	} else {
		if height == 0 {
			// Nothing shared at all; treat the genesis as common and let
			// response validation catch the divergence.
			p.ancHi = 0
			p.ancLo = 0
		} else {
			p.ancHi = height - 1
		}
	}
	if p.ancLo >= p.ancHi {
		p.common = p.ancLo
		p.commonKnown = true
		p.state = PeerIdle
		return true
	}
	p.probe = (p.ancLo + p.ancHi + 1) / 2
	return false
}

// status snapshots the peer for the observability surface.
func (p *peer) status() PeerStatus {
	return PeerStatus{
		Peer:        p.id,
		State:       p.state,
		BestHash:    p.bestHash,
		BestNumber:  p.bestNumber,
		CommonKnown: p.commonKnown,
		Common:      p.common,
		Failures:    p.failures,
	}
}

//------------------------------------------------------------------------------

// peerTable is the authoritative per-peer metadata store. No retry or drop
// policy lives here; that is the strategy's job.
type peerTable struct {
	logger log.Logger
	peers  map[types.PeerID]*peer
	order  []types.PeerID
}

func newPeerTable(logger log.Logger) *peerTable {
	return &peerTable{
		logger: logger,
		peers:  make(map[types.PeerID]*peer),
	}
}

// add creates the peer entry. Re-adding an existing peer overwrites it with
// a warning. With an empty local chain the genesis is trivially the common
// block; otherwise the common number starts unknown and an ancestry search
// decides it.
func (pt *peerTable) add(id types.PeerID, bestHash types.Hash, bestNumber uint64, ourBest uint64) *peer {
	if _, ok := pt.peers[id]; ok {
		pt.logger.Info("peer already known to sync, overwriting", "peer", id)
	} else {
		pt.order = append(pt.order, id)
	}

	p := &peer{
		id:         id,
		bestHash:   bestHash,
		bestNumber: bestNumber,
		state:      PeerIdle,
	}
	pt.peers[id] = p

	if ourBest == 0 {
		p.common = 0
		p.commonKnown = true
	} else if bestNumber > ourBest {
		p.startAncestry(ourBest)
	}
	return p
}

// remove deletes the entry and returns it, so the caller can release
// whatever the peer had in flight.
func (pt *peerTable) remove(id types.PeerID) *peer {
	p, ok := pt.peers[id]
	if !ok {
		return nil
	}
	delete(pt.peers, id)
	for i, o := range pt.order {
		if o == id {
			pt.order = append(pt.order[:i], pt.order[i+1:]...)
			break
		}
	}
	return p
}

func (pt *peerTable) get(id types.PeerID) *peer {
	return pt.peers[id]
}

// announce folds a block announcement into the peer's tip. A peer that was
// idle because it had nothing for us enters ancestry search once its chain
// grows past ours.
func (pt *peerTable) announce(id types.PeerID, header *types.Header, ourBest uint64) *peer {
	p, ok := pt.peers[id]
	if !ok {
		return nil
	}
	if header.Number > p.bestNumber {
		p.bestNumber = header.Number
		p.bestHash = header.Hash()
	}
	if !p.commonKnown && p.state == PeerIdle && p.bestNumber > ourBest {
		p.startAncestry(ourBest)
	}
	return p
}

// recordResult updates the consecutive-failure counter: any success clears
// it, any network-level failure increments it.
func (pt *peerTable) recordResult(id types.PeerID, success bool) {
	p, ok := pt.peers[id]
	if !ok {
		return
	}
	if success {
		p.failures = 0
	} else {
		p.failures++
	}
}

// ordered returns peers in insertion order, keeping planning deterministic.
func (pt *peerTable) ordered() []*peer {
	out := make([]*peer, 0, len(pt.peers))
	for _, id := range pt.order {
		out = append(out, pt.peers[id])
	}
	return out
}

func (pt *peerTable) len() int { return len(pt.peers) }

// medianBest is the network-observed best height: the median of all peers'
// reported tips, robust against a single liar inflating the target. For an
// even count the upper middle is taken.
func (pt *peerTable) medianBest() (uint64, bool) {
	if len(pt.peers) == 0 {
		return 0, false
	}
	bests := make([]uint64, 0, len(pt.peers))
	for _, p := range pt.peers {
		bests = append(bests, p.bestNumber)
	}
	sort.Slice(bests, func(i, j int) bool { return bests[i] < bests[j] })
	return bests[len(bests)/2], true
}

// maxBest is the tallest tip any peer reported.
func (pt *peerTable) maxBest() (uint64, bool) {
	if len(pt.peers) == 0 {
		return 0, false
	}
	var max uint64
	for _, p := range pt.peers {
		if p.bestNumber > max {
			max = p.bestNumber
		}
	}
	return max, true
}
