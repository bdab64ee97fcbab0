package blocksync

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/silkchain/silksync/behaviour"
	"github.com/silkchain/silksync/libs/log"
	"github.com/silkchain/silksync/types"
)

// maxForkDepth caps descending fork downloads. Reorgs deeper than this
// resolve through ancestry search and range sync instead.
const maxForkDepth = 32

// justTarget is one wanted finality proof. A target is retried against a
// different peer after every failure; tried resets only once every live peer
// has been asked.
type justTarget struct {
	hash    types.Hash
	number  uint64
	tried   map[types.PeerID]struct{}
	pending types.PeerID // peer currently asked, "" when unassigned
	from    types.PeerID // peer whose proof is with the import queue
	waiting bool         // handed to the import queue, awaiting a verdict
}

// forkTarget is an announced block off our best chain, fetched by descending
// hash-addressed requests from one of its announcers.
type forkTarget struct {
	hash    types.Hash
	number  uint64
	peers   map[types.PeerID]struct{}
	pending types.PeerID
}

// ChainSync is the block-download strategy: it keeps the local chain growing
// toward the median peer best, backfills a historical gap when the chain was
// bootstrapped from a snapshot, and fetches announced fork branches and
// finality proofs on the side.
//
// All methods run on the engine loop; event handlers record what happened
// and queue immediate reactions, Actions derives everything else.
type ChainSync struct {
	logger  log.Logger
	cfg     Config
	chain   ChainSource
	clock   clock.Clock
	metrics *Metrics

	peers *peerTable
	tip   *planner
	gap   *planner // nil when the history below the base is complete
	sizer *sizer

	justifications []*justTarget
	forks          map[types.Hash]*forkTarget

	// queued collects actions raised by event handlers between Actions
	// calls, plus drops raised while an Actions pass is being built.
	queued []Action

	finished bool
}

var _ Strategy = (*ChainSync)(nil)

func NewChainSync(cfg Config, chain ChainSource, cl clock.Clock, m *Metrics) *ChainSync {
	best := chain.BestNumber()
	cs := &ChainSync{
		logger:  log.NewNopLogger(),
		cfg:     cfg,
		chain:   chain,
		clock:   cl,
		metrics: m,
		peers:   newPeerTable(log.NewNopLogger()),
		tip:     newPlanner(best, chain.BestHash(), cfg.LookaheadWindow, cfg.MaxBlocksPerRequest),
		sizer:   newSizer(cfg.MaxBlocksPerRequest),
		forks:   make(map[types.Hash]*forkTarget),
	}
	if start, end, ok := chain.Gap(); ok && end > start {
		anchor, ok := cs.gapAnchor(start)
		if ok {
			cs.gap = newPlanner(start-1, anchor, cfg.LookaheadWindow, cfg.MaxBlocksPerRequest)
			cs.gap.setTarget(end - 1)
		}
	}
	return cs
}

// gapAnchor resolves the hash of the block just below the gap. A gap
// starting at 1 anchors on the genesis, which is known even when the genesis
// block itself was never downloaded.
func (cs *ChainSync) gapAnchor(start uint64) (types.Hash, bool) {
	if start <= 1 {
		return cs.chain.GenesisHash(), true
	}
	return cs.chain.HashByNumber(start - 1)
}

func (cs *ChainSync) SetLogger(l log.Logger) {
	cs.logger = l
	cs.peers.logger = l
}

func (cs *ChainSync) Kind() StrategyKind { return KindChainSync }

//------------------------------------------------------------------------------
// Event handlers

func (cs *ChainSync) AddPeer(id types.PeerID, bestHash types.Hash, bestNumber uint64) {
	cs.peers.add(id, bestHash, bestNumber, cs.chain.BestNumber())
}

func (cs *ChainSync) RemovePeer(id types.PeerID) {
	p := cs.peers.remove(id)
	if p == nil {
		return
	}
	cs.tip.release(id)
	if cs.gap != nil {
		cs.gap.release(id)
	}
	cs.sizer.releasePeer(id)
	for _, jt := range cs.justifications {
		if jt.pending == id {
			jt.pending = ""
		}
	}
	for h, ft := range cs.forks {
		delete(ft.peers, id)
		if ft.pending == id {
			ft.pending = ""
		}
		if len(ft.peers) == 0 {
			delete(cs.forks, h)
		}
	}
}

func (cs *ChainSync) OnBlockAnnounce(id types.PeerID, ann types.BlockAnnounce) {
	p := cs.peers.announce(id, &ann.Header, cs.chain.BestNumber())
	if p == nil {
		return
	}
	h := ann.Header.Hash()
	n := ann.Header.Number
	if cs.chain.HasHeader(h) {
		return
	}
	if ann.IsBest && n > cs.tip.best {
		// reachable by forward range sync; the raised peer best is enough
		return
	}
	if n > cs.tip.best+cs.cfg.LookaheadWindow {
		return
	}
	ft := cs.forks[h]
	if ft == nil {
		ft = &forkTarget{hash: h, number: n, peers: make(map[types.PeerID]struct{})}
		cs.forks[h] = ft
		cs.logger.Debug("new fork target", "hash", h, "number", n, "peer", id)
	}
	ft.peers[id] = struct{}{}
}

func (cs *ChainSync) OnResponse(id types.PeerID, req Request, resp Response) {
	p := cs.peers.get(id)
	if p == nil {
		cs.logger.Debug("response from unknown peer", "peer", id)
		return
	}
	switch r := req.(type) {
	case *BlockRequest:
		br, ok := resp.(*BlockResponse)
		if !ok {
			cs.dropBadData(p, errors.Errorf("unexpected %T to a block request", resp))
			return
		}
		switch {
		case p.state == PeerAncestrySearch:
			cs.onProbeResponse(p, r, br)
		case !r.StartHash.IsZero():
			cs.onForkResponse(p, r, br)
		default:
			cs.onRangeResponse(p, r, br)
		}
	case *JustificationRequest:
		br, ok := resp.(*BlockResponse)
		if !ok {
			cs.dropBadData(p, errors.Errorf("unexpected %T to a justification request", resp))
			return
		}
		cs.onJustificationResponse(p, r, br)
	default:
		cs.logger.Debug("response for unhandled purpose", "purpose", req.Purpose(), "peer", id)
	}
}

func (cs *ChainSync) onProbeResponse(p *peer, req *BlockRequest, resp *BlockResponse) {
	if len(resp.Blocks) != 1 {
		cs.dropBadData(p, errEmptyResponse)
		return
	}
	bd := &resp.Blocks[0]
	if err := validateBlockData(bd); err != nil {
		cs.dropBadData(p, err)
		return
	}
	if bd.Header.Number != req.Start {
		cs.dropBadData(p, errWrongStartBlock)
		return
	}
	cs.peers.recordResult(p.id, true)
	ours, ok := cs.chain.HashByNumber(bd.Header.Number)
	shared := ok && ours.Equal(bd.Hash)
	if p.recordProbe(bd.Header.Number, shared) {
		cs.logger.Info("ancestry search complete", "peer", p.id, "common", p.common)
	}
}

func (cs *ChainSync) onRangeResponse(p *peer, req *BlockRequest, resp *BlockResponse) {
	pl := cs.plannerFor(p.id, req.Start)
	if pl == nil {
		cs.logger.Debug("range response with no pending range", "peer", p.id, "start", req.Start)
		return
	}
	if err := validateRange(req, resp); err != nil {
		pl.release(p.id)
		p.state = PeerIdle
		cs.dropBadData(p, err)
		return
	}
	cs.sizer.recordSuccess(p.id, PurposeBlocks, req.Start)
	cs.peers.recordResult(p.id, true)
	accepted := pl.fill(p.id, resp.Blocks)
	p.state = PeerIdle
	cs.logger.Debug("accepted block range",
		"peer", p.id, "start", req.Start, "count", accepted)
}

func (cs *ChainSync) onForkResponse(p *peer, req *BlockRequest, resp *BlockResponse) {
	ft := cs.forks[req.StartHash]
	if ft == nil || ft.pending != p.id {
		cs.logger.Debug("fork response with no live target", "peer", p.id, "hash", req.StartHash)
		return
	}
	ft.pending = ""
	p.state = PeerIdle
	if err := validateForkRange(req, resp); err != nil {
		cs.dropBadData(p, err)
		return
	}
	cs.peers.recordResult(p.id, true)
	delete(cs.forks, req.StartHash)

	// Deepest block first for the import queue.
	blocks := make([]IncomingBlock, 0, len(resp.Blocks))
	for i := len(resp.Blocks) - 1; i >= 0; i-- {
		blocks = append(blocks, IncomingBlock{Peer: p.id, Data: resp.Blocks[i]})
	}
	cs.queued = append(cs.queued, ImportBlocks{Origin: OriginBroadcast, Blocks: blocks})
}

func (cs *ChainSync) onJustificationResponse(p *peer, req *JustificationRequest, resp *BlockResponse) {
	jt := cs.findJustification(req.Hash)
	if jt == nil || jt.pending != p.id {
		cs.logger.Debug("justification response with no live target", "peer", p.id, "hash", req.Hash)
		return
	}
	jt.pending = ""
	if len(resp.Blocks) != 1 {
		cs.dropBadData(p, errEmptyResponse)
		return
	}
	bd := &resp.Blocks[0]
	if !bd.Hash.Equal(req.Hash) {
		cs.dropBadData(p, errWrongStartBlock)
		return
	}
	if len(bd.Justification) == 0 {
		// The peer answered but has no proof for this block; ask elsewhere.
		cs.peers.recordResult(p.id, false)
		cs.logger.Debug("justification unavailable", "peer", p.id, "hash", req.Hash,
			"err", errMissingJustification)
		return
	}
	cs.peers.recordResult(p.id, true)
	jt.waiting = true
	jt.from = p.id
	cs.queued = append(cs.queued, ImportJustification{
		Peer:          p.id,
		Hash:          req.Hash,
		Number:        req.Number,
		Justification: bd.Justification,
	})
}

func (cs *ChainSync) OnFailure(id types.PeerID, req Request, kind FailureKind) {
	p := cs.peers.get(id)
	if p == nil {
		return
	}
	switch kind {
	case FailDisconnected:
		// The transport already lost the peer; a RemovePeer follows.
		cs.releaseRequest(p, req)
	case FailRefused:
		cs.peers.recordResult(id, false)
		cs.releaseRequest(p, req)
		cs.dropPeer(p, behaviour.RefusedRequest(id, req.String()))
	case FailUnsupported:
		cs.peers.recordResult(id, false)
		cs.releaseRequest(p, req)
		cs.dropPeer(p, behaviour.UnsupportedProtocol(id, req.Purpose().String()))
	case FailTimeout:
		cs.onTimeout(p, req)
	}
}

// onTimeout implements the adaptive retry: a timed-out block range is
// reissued to the same peer at the same start with the next untried, strictly
// smaller max. Probe, fork and justification timeouts just free their slot
// for re-dispatch.
func (cs *ChainSync) onTimeout(p *peer, req Request) {
	cs.peers.recordResult(p.id, false)
	br, ok := req.(*BlockRequest)
	if !ok || p.state == PeerAncestrySearch || !br.StartHash.IsZero() {
		cs.releaseRequest(p, req)
		return
	}
	pl := cs.plannerFor(p.id, br.Start)
	if pl == nil {
		return
	}
	pr := pl.release(p.id)
	if pr == nil {
		return
	}
	sp := pr.span
	if sp.start < pl.best+1 {
		sp.start = pl.best + 1
	}
	if sp.empty() {
		p.state = PeerIdle
		return
	}
	size, err := cs.sizer.next(p.id, PurposeBlocks, sp.start)
	if err != nil {
		// Sizes down to 1 all failed; this is a peer problem, not a sizing
		// problem. The span is back in missing for any peer to claim.
		cs.sizer.recordExhausted(p.id, PurposeBlocks, sp.start)
		p.state = PeerIdle
		cs.queued = append(cs.queued, ReportPeer{Behaviour: behaviour.ExhaustedRetries(p.id)})
		cs.logger.Info("request size retries exhausted",
			"peer", p.id, "start", sp.start, "failures", p.failures)
		return
	}
	if uint64(size) > sp.len() {
		size = uint32(sp.len())
	}
	cs.sizer.recordAttempt(p.id, PurposeBlocks, sp.start, size)
	pl.commit(proposal{peer: p.id, span: sp}, size, cs.clock.Now())
	cs.metrics.SizeDegradedRetries.Add(1)
	cs.queued = append(cs.queued, StartRequest{
		Peer:           p.id,
		Req:            &BlockRequest{Start: sp.start, Direction: Ascending, Max: size, WithBody: true},
		RemoveObsolete: true,
	})
	cs.logger.Debug("block range timed out, shrinking request",
		"peer", p.id, "start", sp.start, "max", size,
		"waited", cs.clock.Now().Sub(pr.issuedAt))
}

func (cs *ChainSync) OnBlocksProcessed(results []ImportResult) {
	for _, res := range results {
		pl := cs.tip
		if cs.gap != nil && res.Number <= cs.gap.target {
			pl = cs.gap
		}
		pl.onImported(res)
		switch res.Outcome {
		case OutcomeConsensusInvalid:
			if p := cs.peers.get(res.Peer); p != nil {
				reason := "consensus-invalid block"
				if res.Err != nil {
					reason = res.Err.Error()
				}
				cs.dropPeer(p, behaviour.ConsensusInvalidBlock(res.Peer, reason))
			}
		case OutcomeUnknownParent, OutcomeOther:
			cs.logger.Debug("block import failed",
				"number", res.Number, "outcome", res.Outcome, "err", res.Err)
		}
	}
}

func (cs *ChainSync) OnJustificationImported(hash types.Hash, number uint64, success bool) {
	jt := cs.findJustification(hash)
	if jt == nil {
		return
	}
	if success {
		cs.removeJustification(hash)
		cs.logger.Info("justification imported", "hash", hash, "number", number)
		return
	}
	jt.waiting = false
	if p := cs.peers.get(jt.from); p != nil {
		cs.dropPeer(p, behaviour.BadBlockResponse(jt.from, "invalid justification"))
	}
}

func (cs *ChainSync) RequestJustification(hash types.Hash, number uint64) {
	if cs.findJustification(hash) != nil {
		return
	}
	cs.justifications = append(cs.justifications, &justTarget{
		hash:   hash,
		number: number,
		tried:  make(map[types.PeerID]struct{}),
	})
	cs.logger.Debug("justification requested", "hash", hash, "number", number)
}

//------------------------------------------------------------------------------
// Per-pass decisions

func (cs *ChainSync) Actions(now time.Time) []Action {
	cs.syncChainView()
	cs.scanFailures()
	acts := cs.queued
	cs.queued = nil

	acts = cs.appendProbeActions(acts)
	acts = cs.appendJustificationActions(acts)
	acts = cs.appendForkActions(acts)
	acts = cs.appendRangeActions(acts, now)
	acts = cs.appendImportActions(acts)

	// Drops raised while building this pass (broken-linkage evictions).
	if len(cs.queued) > 0 {
		acts = append(acts, cs.queued...)
		cs.queued = nil
	}
	acts = cs.appendFinished(acts)
	cs.pruneSizer()
	return acts
}

// syncChainView realigns the planner with chain growth from outside the sync
// path and with the current median peer best.
func (cs *ChainSync) syncChainView() {
	if best := cs.chain.BestNumber(); best > cs.tip.best {
		cs.tip.setBest(best, cs.chain.BestHash())
	}
	if med, ok := cs.peers.medianBest(); ok {
		t := med
		if t < cs.tip.best {
			t = cs.tip.best
		}
		cs.tip.setTarget(t)
	}
}

// scanFailures applies the drop threshold. While major syncing the threshold
// is suspended: a far-behind node churning through slow links would otherwise
// drop every peer it has.
func (cs *ChainSync) scanFailures() {
	for _, p := range cs.peers.ordered() {
		if p.dropping || p.failures < cs.cfg.MaxTimeoutsBeforeDrop {
			continue
		}
		if !cs.cfg.DisableMajorSyncGating && cs.isMajorSyncing() {
			continue
		}
		cs.dropPeer(p, behaviour.SlowPeer(p.id,
			fmt.Sprintf("%d consecutive failures", p.failures)))
	}
}

func (cs *ChainSync) appendProbeActions(acts []Action) []Action {
	for _, p := range cs.peers.ordered() {
		if p.dropping || p.state != PeerAncestrySearch || p.probing {
			continue
		}
		h, ok := p.nextProbe()
		if !ok {
			continue
		}
		p.probing = true
		acts = append(acts, StartRequest{
			Peer:           p.id,
			Req:            &BlockRequest{Start: h, Direction: Ascending, Max: 1},
			RemoveObsolete: true,
		})
	}
	return acts
}

func (cs *ChainSync) appendJustificationActions(acts []Action) []Action {
	if len(cs.justifications) == 0 {
		return acts
	}
	busy := make(map[types.PeerID]bool)
	for _, jt := range cs.justifications {
		if jt.pending != "" {
			busy[jt.pending] = true
		}
	}
	for _, jt := range cs.justifications {
		if jt.pending != "" || jt.waiting {
			continue
		}
		p := cs.pickJustificationPeer(jt, busy)
		if p == nil {
			// Every eligible peer has been tried; start a fresh round.
			if cs.resetJustificationRound(jt, busy) {
				p = cs.pickJustificationPeer(jt, busy)
			}
			if p == nil {
				continue
			}
		}
		jt.pending = p.id
		jt.tried[p.id] = struct{}{}
		busy[p.id] = true
		acts = append(acts, StartRequest{
			Peer:           p.id,
			Req:            &JustificationRequest{Hash: jt.hash, Number: jt.number},
			RemoveObsolete: true,
		})
	}
	return acts
}

func (cs *ChainSync) pickJustificationPeer(jt *justTarget, busy map[types.PeerID]bool) *peer {
	for _, p := range cs.peers.ordered() {
		if p.dropping || busy[p.id] || p.bestNumber < jt.number {
			continue
		}
		if _, tried := jt.tried[p.id]; tried {
			continue
		}
		return p
	}
	return nil
}

// resetJustificationRound clears the tried set when at least one peer could
// serve the target but all of them have been asked already.
func (cs *ChainSync) resetJustificationRound(jt *justTarget, busy map[types.PeerID]bool) bool {
	for _, p := range cs.peers.ordered() {
		if p.dropping || busy[p.id] || p.bestNumber < jt.number {
			continue
		}
		jt.tried = make(map[types.PeerID]struct{})
		return true
	}
	return false
}

func (cs *ChainSync) appendForkActions(acts []Action) []Action {
	if len(cs.forks) == 0 {
		return acts
	}
	targets := make([]*forkTarget, 0, len(cs.forks))
	for _, ft := range cs.forks {
		targets = append(targets, ft)
	}
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].number != targets[j].number {
			return targets[i].number < targets[j].number
		}
		return bytes.Compare(targets[i].hash.Bytes(), targets[j].hash.Bytes()) < 0
	})
	for _, ft := range targets {
		if cs.chain.HasHeader(ft.hash) {
			delete(cs.forks, ft.hash)
			continue
		}
		if ft.pending != "" || ft.number > cs.tip.best+cs.cfg.LookaheadWindow {
			continue
		}
		p := cs.pickForkPeer(ft)
		if p == nil {
			continue
		}
		ft.pending = p.id
		p.state = PeerDownloadingFork
		depth := ft.number
		if depth > maxForkDepth {
			depth = maxForkDepth
		}
		acts = append(acts, StartRequest{
			Peer: p.id,
			Req: &BlockRequest{
				Start:     ft.number,
				StartHash: ft.hash,
				Direction: Descending,
				Max:       uint32(depth),
				WithBody:  true,
			},
			RemoveObsolete: true,
		})
	}
	return acts
}

func (cs *ChainSync) pickForkPeer(ft *forkTarget) *peer {
	for _, p := range cs.peers.ordered() {
		if p.dropping || p.state != PeerIdle {
			continue
		}
		if _, announced := ft.peers[p.id]; !announced {
			continue
		}
		if cs.tip.pendingFor(p.id) != nil {
			continue
		}
		if cs.gap != nil && cs.gap.pendingFor(p.id) != nil {
			continue
		}
		return p
	}
	return nil
}

func (cs *ChainSync) appendRangeActions(acts []Action, now time.Time) []Action {
	gapPending := 0
	if cs.gap != nil {
		gapPending = cs.gap.pendingCount()
	}
	props := cs.tip.planRequests(cs.tipCandidates(), cs.cfg.MaxParallelDownloads-gapPending)
	for _, prop := range props {
		acts = cs.commitProposal(acts, cs.tip, prop, PeerDownloadingNew, now)
	}
	if cs.gap != nil {
		gprops := cs.gap.planRequests(cs.gapCandidates(), cs.cfg.MaxParallelDownloads-cs.tip.pendingCount())
		for _, prop := range gprops {
			acts = cs.commitProposal(acts, cs.gap, prop, PeerDownloadingGap, now)
		}
	}
	return acts
}

func (cs *ChainSync) commitProposal(acts []Action, pl *planner, prop proposal, st PeerState, now time.Time) []Action {
	size, err := cs.sizer.next(prop.peer, PurposeBlocks, prop.span.start)
	if err != nil {
		// A leftover budget from an abandoned walk bottomed out; evict it
		// and leave the span for a later pass.
		cs.sizer.recordExhausted(prop.peer, PurposeBlocks, prop.span.start)
		return acts
	}
	if uint64(size) > prop.span.len() {
		size = uint32(prop.span.len())
	}
	cs.sizer.recordAttempt(prop.peer, PurposeBlocks, prop.span.start, size)
	pl.commit(prop, size, now)
	if p := cs.peers.get(prop.peer); p != nil {
		p.state = st
	}
	return append(acts, StartRequest{
		Peer:           prop.peer,
		Req:            &BlockRequest{Start: prop.span.start, Direction: Ascending, Max: size, WithBody: true},
		RemoveObsolete: true,
	})
}

func (cs *ChainSync) tipCandidates() []planCandidate {
	var out []planCandidate
	for _, p := range cs.peers.ordered() {
		if !cs.idleForBlocks(p) {
			continue
		}
		out = append(out, planCandidate{peer: p.id, common: p.common, best: p.bestNumber})
	}
	return out
}

// gapCandidates are peers the tip planner left unused whose common ancestor
// proves they share the whole historical range.
func (cs *ChainSync) gapCandidates() []planCandidate {
	var out []planCandidate
	for _, p := range cs.peers.ordered() {
		if !cs.idleForBlocks(p) || p.common < cs.gap.target {
			continue
		}
		out = append(out, planCandidate{peer: p.id, common: cs.gap.best, best: cs.gap.target})
	}
	return out
}

func (cs *ChainSync) idleForBlocks(p *peer) bool {
	if p.dropping || !p.commonKnown {
		return false
	}
	switch p.state {
	case PeerIdle, PeerDownloadingNew, PeerDownloadingGap:
	default:
		return false
	}
	if cs.tip.pendingFor(p.id) != nil {
		return false
	}
	if cs.gap != nil && cs.gap.pendingFor(p.id) != nil {
		return false
	}
	return true
}

func (cs *ChainSync) appendImportActions(acts []Action) []Action {
	if cs.gap != nil {
		acts = cs.appendReadyRun(acts, cs.gap, OriginGap)
		if cs.gap.done() {
			cs.logger.Info("historical gap closed", "through", cs.gap.target)
			cs.gap = nil
		}
	}
	origin := OriginBroadcast
	if cs.isMajorSyncing() {
		origin = OriginInitialSync
	}
	return cs.appendReadyRun(acts, cs.tip, origin)
}

func (cs *ChainSync) appendReadyRun(acts []Action, pl *planner, origin Origin) []Action {
	run, broken := pl.readyBlocks()
	if len(run) > 0 {
		pl.markImporting(run)
		acts = append(acts, ImportBlocks{Origin: origin, Blocks: run})
	}
	if broken != nil {
		n := *broken
		if from, ok := pl.supplier(n); ok {
			pl.evict(n, from)
			if p := cs.peers.get(from); p != nil {
				cs.dropPeer(p, behaviour.BadBlockResponse(from,
					fmt.Sprintf("block %d does not link to the chain", n)))
			}
		}
	}
	return acts
}

func (cs *ChainSync) appendFinished(acts []Action) []Action {
	if cs.finished || cs.peers.len() == 0 || cs.isMajorSyncing() {
		return acts
	}
	if !cs.tip.done() || cs.gap != nil {
		return acts
	}
	cs.finished = true
	cs.logger.Info("caught up with the network", "best", cs.tip.best)
	return append(acts, Finished{})
}

func (cs *ChainSync) pruneSizer() {
	cs.sizer.prune(func(k budgetKey) bool {
		if cs.peers.get(k.peer) == nil {
			return false
		}
		if k.start > cs.tip.best {
			return true
		}
		return cs.gap != nil && k.start > cs.gap.best && k.start <= cs.gap.target
	})
}

//------------------------------------------------------------------------------
// Shared helpers

func (cs *ChainSync) isMajorSyncing() bool {
	med, ok := cs.peers.medianBest()
	return ok && med > cs.tip.best+majorSyncThreshold
}

func (cs *ChainSync) dropPeer(p *peer, pb behaviour.PeerBehaviour) {
	if p.dropping {
		return
	}
	p.dropping = true
	cs.queued = append(cs.queued, DropPeer{Behaviour: pb})
	cs.logger.Info("dropping peer", "peer", p.id, "reason", pb.Reason())
}

func (cs *ChainSync) dropBadData(p *peer, err error) {
	cs.peers.recordResult(p.id, false)
	cs.dropPeer(p, behaviour.BadBlockResponse(p.id, err.Error()))
}

// releaseRequest frees whatever slot the request occupied, without any retry
// decision.
func (cs *ChainSync) releaseRequest(p *peer, req Request) {
	switch r := req.(type) {
	case *BlockRequest:
		if p.state == PeerAncestrySearch {
			p.probing = false
			return
		}
		if !r.StartHash.IsZero() {
			if ft := cs.forks[r.StartHash]; ft != nil && ft.pending == p.id {
				ft.pending = ""
			}
			p.state = PeerIdle
			return
		}
		if pl := cs.plannerFor(p.id, r.Start); pl != nil {
			pl.release(p.id)
			p.state = PeerIdle
		}
	case *JustificationRequest:
		for _, jt := range cs.justifications {
			if jt.pending == p.id && jt.hash.Equal(r.Hash) {
				jt.pending = ""
			}
		}
	}
}

// plannerFor matches an in-flight block range back to the planner that
// committed it. Tip and gap spans never overlap, so the start number is
// enough.
func (cs *ChainSync) plannerFor(id types.PeerID, start uint64) *planner {
	if pr := cs.tip.pendingFor(id); pr != nil && pr.span.start == start {
		return cs.tip
	}
	if cs.gap != nil {
		if pr := cs.gap.pendingFor(id); pr != nil && pr.span.start == start {
			return cs.gap
		}
	}
	return nil
}

func (cs *ChainSync) findJustification(hash types.Hash) *justTarget {
	for _, jt := range cs.justifications {
		if jt.hash.Equal(hash) {
			return jt
		}
	}
	return nil
}

func (cs *ChainSync) removeJustification(hash types.Hash) {
	for i, jt := range cs.justifications {
		if jt.hash.Equal(hash) {
			cs.justifications = append(cs.justifications[:i], cs.justifications[i+1:]...)
			return
		}
	}
}

//------------------------------------------------------------------------------
// Status surface

func (cs *ChainSync) Status() Status {
	pending := cs.tip.pendingCount()
	queued := cs.tip.queuedCount()
	missing := int(cs.tip.missing.total())
	if cs.gap != nil {
		pending += cs.gap.pendingCount()
		queued += cs.gap.queuedCount()
		missing += int(cs.gap.missing.total())
	}
	bestSeen, haveBest := cs.peers.maxBest()
	return Status{
		Kind:            KindChainSync,
		IsMajorSyncing:  cs.isMajorSyncing(),
		OurBest:         cs.tip.best,
		BestSeen:        bestSeen,
		HasBestSeen:     haveBest,
		TargetBest:      cs.tip.target,
		NumPeers:        cs.peers.len(),
		PendingRequests: pending,
		QueuedBlocks:    queued,
		MissingBlocks:   missing,
		CaughtUp:        cs.finished,
	}
}

func (cs *ChainSync) PeerStatuses() []PeerStatus {
	out := make([]PeerStatus, 0, cs.peers.len())
	for _, p := range cs.peers.ordered() {
		st := p.status()
		if st.State == PeerIdle {
			for _, jt := range cs.justifications {
				if jt.pending == p.id {
					st.State = PeerDownloadingJustification
					break
				}
			}
		}
		out = append(out, st)
	}
	return out
}

//------------------------------------------------------------------------------
// Response validation

func validateBlockData(bd *types.BlockData) error {
	if bd.Header == nil {
		return errMissingHeader
	}
	if !bd.Hash.Equal(bd.Header.Hash()) {
		return errHashMismatch
	}
	return nil
}

func validateRange(req *BlockRequest, resp *BlockResponse) error {
	if len(resp.Blocks) == 0 {
		return errEmptyResponse
	}
	if uint32(len(resp.Blocks)) > req.Max {
		return errExceedsRequestedMax
	}
	var prev *types.Header
	for i := range resp.Blocks {
		bd := &resp.Blocks[i]
		if err := validateBlockData(bd); err != nil {
			return err
		}
		if prev == nil {
			if bd.Header.Number != req.Start {
				return errWrongStartBlock
			}
		} else {
			if bd.Header.Number != prev.Number+1 {
				return errNonSequentialResponse
			}
			if !bd.Header.ParentHash.Equal(prev.Hash()) {
				return errResponseNotChain
			}
		}
		prev = bd.Header
	}
	return nil
}

func validateForkRange(req *BlockRequest, resp *BlockResponse) error {
	if len(resp.Blocks) == 0 {
		return errEmptyResponse
	}
	if uint32(len(resp.Blocks)) > req.Max {
		return errExceedsRequestedMax
	}
	for i := range resp.Blocks {
		bd := &resp.Blocks[i]
		if err := validateBlockData(bd); err != nil {
			return err
		}
		if i == 0 {
			if !bd.Hash.Equal(req.StartHash) {
				return errWrongStartBlock
			}
			continue
		}
		prev := resp.Blocks[i-1].Header
		if bd.Header.Number != prev.Number-1 {
			return errNonSequentialResponse
		}
		if !prev.ParentHash.Equal(bd.Hash) {
			return errResponseNotChain
		}
	}
	return nil
}
