package blocksync

import (
	"time"

	"github.com/Workiva/go-datastructures/queue"

	"github.com/silkchain/silksync/types"
)

// Event is the generic argument to the engine loop. Events are queued in
// the inbox, prioritized by the embedded priority struct.
type Event queue.Item

type priority interface {
	Compare(other queue.Item) int
	Priority() int
}

type priorityLow struct{}
type priorityNormal struct{}
type priorityHigh struct{}

func (p priorityLow) Priority() int    { return 1 }
func (p priorityNormal) Priority() int { return 2 }
func (p priorityHigh) Priority() int   { return 3 }

// The priority queue serves the item that compares smallest first, so a
// higher Priority() must compare as smaller than a lower one.
func comparePriority(p priority, other queue.Item) int {
	op := other.(priority)
	if p.Priority() > op.Priority() {
		return -1
	} else if p.Priority() == op.Priority() {
		return 0
	}
	return 1
}

func (p priorityLow) Compare(other queue.Item) int    { return comparePriority(p, other) }
func (p priorityNormal) Compare(other queue.Item) int { return comparePriority(p, other) }
func (p priorityHigh) Compare(other queue.Item) int   { return comparePriority(p, other) }

//------------------------------------------------------------------------------

type addPeerEv struct {
	priorityNormal
	peerID     types.PeerID
	bestHash   types.Hash
	bestNumber uint64
}

type removePeerEv struct {
	priorityHigh
	peerID types.PeerID
}

type announceEv struct {
	priorityNormal
	peerID   types.PeerID
	announce types.BlockAnnounce
}

type responseEv struct {
	priorityNormal
	peerID    types.PeerID
	requestID uint64
	resp      Response
}

type failureEv struct {
	priorityHigh
	peerID    types.PeerID
	requestID uint64
	kind      FailureKind
}

type importResultsEv struct {
	priorityNormal
	results []ImportResult
}

type justificationImportedEv struct {
	priorityNormal
	hash    types.Hash
	number  uint64
	success bool
}

type requestJustificationEv struct {
	priorityNormal
	hash   types.Hash
	number uint64
}

type tickEv struct {
	priorityLow
	time time.Time
}
