package blocksync

import (
	"fmt"
	"time"

	"github.com/silkchain/silksync/behaviour"
	"github.com/silkchain/silksync/types"
)

// Purpose identifies the request/response protocol a message belongs to.
// At most one request per (peer, purpose) pair may be in flight at a time;
// a new request for the same pair supersedes the old one.
type Purpose int

const (
	PurposeBlocks Purpose = iota
	PurposeJustification
	PurposeState
	PurposeWarp
)

func (p Purpose) String() string {
	switch p {
	case PurposeBlocks:
		return "blocks"
	case PurposeJustification:
		return "justification"
	case PurposeState:
		return "state"
	case PurposeWarp:
		return "warp"
	default:
		return fmt.Sprintf("purpose(%d)", int(p))
	}
}

// purposes is used when scanning a peer's in-flight slots.
var purposes = []Purpose{PurposeBlocks, PurposeJustification, PurposeState, PurposeWarp}

// Direction orders the blocks of a range request.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

func (d Direction) String() string {
	if d == Descending {
		return "descending"
	}
	return "ascending"
}

// FailureKind classifies a terminal transport failure. Timeouts are enforced
// by the transport; the engine only ever observes the terminal kind.
type FailureKind int

const (
	FailTimeout FailureKind = iota
	FailRefused
	FailDisconnected
	FailUnsupported
)

func (k FailureKind) String() string {
	switch k {
	case FailTimeout:
		return "timeout"
	case FailRefused:
		return "refused"
	case FailDisconnected:
		return "disconnected"
	case FailUnsupported:
		return "unsupported-protocol"
	default:
		return fmt.Sprintf("failure(%d)", int(k))
	}
}

// PeerState is the block-download position of a peer in the sync state
// machine. Justification downloads are tracked separately since they may run
// concurrently with a block download against the same peer.
type PeerState int

const (
	PeerIdle PeerState = iota
	PeerAncestrySearch
	PeerDownloadingNew
	PeerDownloadingGap
	PeerDownloadingFork
	PeerDownloadingJustification
)

func (s PeerState) String() string {
	switch s {
	case PeerIdle:
		return "idle"
	case PeerAncestrySearch:
		return "ancestry-search"
	case PeerDownloadingNew:
		return "downloading-new"
	case PeerDownloadingGap:
		return "downloading-gap"
	case PeerDownloadingFork:
		return "downloading-fork"
	case PeerDownloadingJustification:
		return "downloading-justification"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StrategyKind tags the active syncing strategy. The engine holds one active
// strategy at a time and advances to the next on Finished.
type StrategyKind int

const (
	KindChainSync StrategyKind = iota
	KindStateSync
	KindWarpSync
)

func (k StrategyKind) String() string {
	switch k {
	case KindChainSync:
		return "chain"
	case KindStateSync:
		return "state"
	case KindWarpSync:
		return "warp"
	default:
		return fmt.Sprintf("strategy(%d)", int(k))
	}
}

//------------------------------------------------------------------------------
// Requests and responses

// Request is one typed request the transport can carry to a peer.
type Request interface {
	fmt.Stringer
	Purpose() Purpose
}

// BlockRequest asks a peer for a run of blocks. When StartHash is set the
// range is addressed by hash (fork and ancestry downloads), otherwise by
// number. Max bounds the number of blocks in the response; the responder may
// return fewer but never more.
type BlockRequest struct {
	Start             uint64
	StartHash         types.Hash
	Direction         Direction
	Max               uint32
	WithBody          bool
	WithJustification bool
}

func (r *BlockRequest) Purpose() Purpose { return PurposeBlocks }

func (r *BlockRequest) String() string {
	from := fmt.Sprintf("#%d", r.Start)
	if !r.StartHash.IsZero() {
		from = r.StartHash.String()
	}
	return fmt.Sprintf("BlockRequest{%s %s max=%d}", from, r.Direction, r.Max)
}

// JustificationRequest asks a peer for the finality proof of a single block.
type JustificationRequest struct {
	Hash   types.Hash
	Number uint64
}

func (r *JustificationRequest) Purpose() Purpose { return PurposeJustification }

func (r *JustificationRequest) String() string {
	return fmt.Sprintf("JustificationRequest{#%d %v}", r.Number, r.Hash)
}

// StateRequest asks a peer for a state proof at a block. Used by the state
// syncing strategy only.
type StateRequest struct {
	AtHash types.Hash
}

func (r *StateRequest) Purpose() Purpose { return PurposeState }

func (r *StateRequest) String() string {
	return fmt.Sprintf("StateRequest{%v}", r.AtHash)
}

// WarpProofRequest asks a peer for a finality-jump proof beginning at a
// block. Used by the warp syncing strategy only.
type WarpProofRequest struct {
	Begin types.Hash
}

func (r *WarpProofRequest) Purpose() Purpose { return PurposeWarp }

func (r *WarpProofRequest) String() string {
	return fmt.Sprintf("WarpProofRequest{%v}", r.Begin)
}

// Response is the success result of a request.
type Response interface {
	fmt.Stringer
}

// BlockResponse carries the blocks (or the lone justification) a peer
// returned. It answers both block and justification requests.
type BlockResponse struct {
	Blocks []types.BlockData
}

func (r *BlockResponse) String() string {
	return fmt.Sprintf("BlockResponse{%d blocks}", len(r.Blocks))
}

//------------------------------------------------------------------------------
// Actions

// Action is one instruction the strategy hands the engine to execute.
type Action interface {
	fmt.Stringer
}

// StartRequest sends a request to a peer. RemoveObsolete discards any
// still-outstanding response for the same (peer, purpose) slot, so a stale
// slow response can never be misapplied after a retry went out.
type StartRequest struct {
	Peer           types.PeerID
	Req            Request
	RemoveObsolete bool
}

func (a StartRequest) String() string {
	return fmt.Sprintf("StartRequest{%v %v}", a.Peer, a.Req)
}

// CancelRequest abandons the in-flight request in a (peer, purpose) slot.
// Cancellation is advisory to the transport; the engine discards the slot
// locally either way.
type CancelRequest struct {
	Peer    types.PeerID
	Purpose Purpose
}

func (a CancelRequest) String() string {
	return fmt.Sprintf("CancelRequest{%v %v}", a.Peer, a.Purpose)
}

// DropPeer disconnects a peer for cause.
type DropPeer struct {
	Behaviour behaviour.PeerBehaviour
}

// Peer returns the peer being dropped.
func (a DropPeer) Peer() types.PeerID { return a.Behaviour.PeerID() }

func (a DropPeer) String() string {
	return fmt.Sprintf("DropPeer{%v %v}", a.Behaviour.PeerID(), a.Behaviour.Reason())
}

// ReportPeer surfaces a non-fatal behaviour observation to the reporter
// without touching the connection. Fatal reasons go through DropPeer.
type ReportPeer struct {
	Behaviour behaviour.PeerBehaviour
}

func (a ReportPeer) String() string {
	return fmt.Sprintf("ReportPeer{%v %v}", a.Behaviour.PeerID(), a.Behaviour.Reason())
}

// ImportBlocks hands an ordered, chain-linked run of blocks to the import
// queue. Each block keeps the identity of the peer that supplied it so an
// import verdict can be traced back.
type ImportBlocks struct {
	Origin Origin
	Blocks []IncomingBlock
}

func (a ImportBlocks) String() string {
	return fmt.Sprintf("ImportBlocks{%v %d blocks}", a.Origin, len(a.Blocks))
}

// ImportJustification hands a downloaded finality proof to the import queue.
type ImportJustification struct {
	Peer          types.PeerID
	Hash          types.Hash
	Number        uint64
	Justification types.Justification
}

func (a ImportJustification) String() string {
	return fmt.Sprintf("ImportJustification{#%d %v from %v}", a.Number, a.Hash, a.Peer)
}

// Finished reports that the strategy has no further work. The engine may
// then switch to the next strategy, or simply keep the current one running
// at the chain tip.
type Finished struct{}

func (a Finished) String() string { return "Finished{}" }

//------------------------------------------------------------------------------
// Import pipeline types

// Origin describes how a block reached the import queue.
type Origin int

const (
	// OriginInitialSync marks blocks downloaded while catching up.
	OriginInitialSync Origin = iota
	// OriginBroadcast marks blocks downloaded near the chain tip.
	OriginBroadcast
	// OriginGap marks historical blocks backfilled below the chain base.
	OriginGap
)

func (o Origin) String() string {
	switch o {
	case OriginBroadcast:
		return "broadcast"
	case OriginGap:
		return "gap"
	default:
		return "initial-sync"
	}
}

// IncomingBlock pairs block data with the peer that supplied it.
type IncomingBlock struct {
	Peer types.PeerID
	Data types.BlockData
}

// ImportOutcome is the import queue's verdict on a single block.
type ImportOutcome int

const (
	// OutcomeImported means the block extended the chain.
	OutcomeImported ImportOutcome = iota
	// OutcomeAlreadyInChain means work already done; not an error.
	OutcomeAlreadyInChain
	// OutcomeConsensusInvalid means the block violates validity rules. The
	// supplying peer is dropped unconditionally.
	OutcomeConsensusInvalid
	// OutcomeUnknownParent means the block does not connect to anything we
	// have; its range is re-downloaded.
	OutcomeUnknownParent
	// OutcomeOther is an internal import failure not attributable to the
	// supplying peer.
	OutcomeOther
)

func (o ImportOutcome) String() string {
	switch o {
	case OutcomeImported:
		return "imported"
	case OutcomeAlreadyInChain:
		return "already-in-chain"
	case OutcomeConsensusInvalid:
		return "consensus-invalid"
	case OutcomeUnknownParent:
		return "unknown-parent"
	default:
		return "other"
	}
}

// ImportResult is the per-block completion notice from the import queue.
type ImportResult struct {
	Hash    types.Hash
	Number  uint64
	Peer    types.PeerID
	Outcome ImportOutcome
	Err     error
}

//------------------------------------------------------------------------------
// Status surface

// Status is a point-in-time summary of sync progress, safe to read from any
// goroutine via the engine.
type Status struct {
	Kind            StrategyKind
	IsMajorSyncing  bool
	OurBest         uint64
	BestSeen        uint64
	HasBestSeen     bool
	TargetBest      uint64
	NumPeers        int
	PendingRequests int
	QueuedBlocks    int
	MissingBlocks   int
	CaughtUp        bool
}

// PeerStatus is the externally visible view of one peer's sync state.
type PeerStatus struct {
	Peer        types.PeerID
	State       PeerState
	BestHash    types.Hash
	BestNumber  uint64
	CommonKnown bool
	Common      uint64
	Failures    uint32
}

//------------------------------------------------------------------------------

// Strategy is the decision engine for one syncing mode. All methods are
// called from the engine's single loop goroutine; implementations hold no
// locks. Handlers record what happened, Actions derives what to do next.
type Strategy interface {
	Kind() StrategyKind

	AddPeer(peer types.PeerID, bestHash types.Hash, bestNumber uint64)
	RemovePeer(peer types.PeerID)
	OnBlockAnnounce(peer types.PeerID, announce types.BlockAnnounce)
	OnResponse(peer types.PeerID, req Request, resp Response)
	OnFailure(peer types.PeerID, req Request, kind FailureKind)
	OnBlocksProcessed(results []ImportResult)
	OnJustificationImported(hash types.Hash, number uint64, success bool)
	RequestJustification(hash types.Hash, number uint64)

	Actions(now time.Time) []Action

	Status() Status
	PeerStatuses() []PeerStatus
}

// ChainSource is the strategy's read-only view of the local chain.
type ChainSource interface {
	BestNumber() uint64
	BestHash() types.Hash
	GenesisHash() types.Hash
	HashByNumber(number uint64) (types.Hash, bool)
	HasHeader(hash types.Hash) bool

	// Gap returns the unfilled historical range [start, end) left behind
	// when the chain was bootstrapped from a snapshot instead of the
	// genesis. ok is false once the history below the best block is
	// complete.
	Gap() (start, end uint64, ok bool)
}

// Transport sends requests to remote peers. SendRequest is asynchronous: the
// transport later calls back into the engine with the request id and either
// a response or a terminal failure. Per-request timeouts are the transport's
// job.
type Transport interface {
	SendRequest(peer types.PeerID, id uint64, req Request)
	Disconnect(peer types.PeerID)
}

// ImportQueue verifies and commits downloaded data. Submission is
// asynchronous; completion comes back through the engine's
// SubmitImportResults and JustificationImported feeders.
type ImportQueue interface {
	SubmitBlocks(origin Origin, blocks []IncomingBlock)
	SubmitJustification(peer types.PeerID, hash types.Hash, number uint64, just types.Justification)
}
