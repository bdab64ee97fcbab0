package blocksync

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/silkchain/silksync/behaviour"
	"github.com/silkchain/silksync/libs/log"
	"github.com/silkchain/silksync/libs/service"
	"github.com/silkchain/silksync/types"
)

// inboxBufferSize is a capacity hint for the event queue; the queue itself
// grows as needed.
const inboxBufferSize = 1024

// flightKey addresses one in-flight request slot. One request per peer and
// purpose may be outstanding; a new request with RemoveObsolete set replaces
// the slot and the superseded response is discarded by id.
type flightKey struct {
	peer    types.PeerID
	purpose Purpose
}

type flight struct {
	id     uint64
	req    Request
	sentAt time.Time
}

// Engine drives the sync strategies. It owns the single goroutine all
// strategy code runs on: transport callbacks, import verdicts and the tick
// timer are serialized through the inbox, and every event is followed by an
// Actions pass whose output the engine executes against the transport and
// the import queue.
//
// The engine also owns request identity. Strategies reason about (peer,
// request) pairs; the engine maps those onto monotonically increasing ids so
// late responses to superseded requests are recognized and dropped.
type Engine struct {
	service.BaseService

	cfg       Config
	transport Transport
	imports   ImportQueue
	reporter  behaviour.Reporter
	clock     clock.Clock
	metrics   *Metrics

	strategies []Strategy
	current    int

	inbox   *inbox
	flights map[flightKey]flight
	nextID  uint64

	status     atomic.Value // Status
	peerStatus atomic.Value // []PeerStatus

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine wires the strategy pipeline to a transport and an import queue.
// Strategies run in order; each Finished advances to the next. A nil
// reporter logs behaviour reports, a nil metrics records nothing.
func NewEngine(
	cfg Config,
	strategies []Strategy,
	transport Transport,
	imports ImportQueue,
	reporter behaviour.Reporter,
	metrics *Metrics,
) *Engine {
	if len(strategies) == 0 {
		panic("blocksync: NewEngine requires at least one strategy")
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	e := &Engine{
		cfg:        cfg,
		transport:  transport,
		imports:    imports,
		reporter:   reporter,
		clock:      clock.New(),
		metrics:    metrics,
		strategies: strategies,
		flights:    make(map[flightKey]flight),
		stopCh:     make(chan struct{}),
	}
	e.BaseService = *service.NewBaseService(nil, "SyncEngine", e)
	if reporter == nil {
		e.reporter = behaviour.NewLogReporter(e.Logger)
	}
	e.status.Store(strategies[0].Status())
	e.peerStatus.Store([]PeerStatus{})
	return e
}

// SetLogger sets the logger on the engine and its inbox.
func (e *Engine) SetLogger(l log.Logger) {
	e.BaseService.Logger = l
	if e.inbox != nil {
		e.inbox.logger = l
	}
}

// OnStart implements service.Service.
func (e *Engine) OnStart() error {
	e.inbox = newInbox("sync-engine", inboxBufferSize, e.Logger)
	e.inbox.start()
	e.wg.Add(2)
	go e.loop()
	go e.tickLoop()
	return nil
}

// OnStop implements service.Service. Queued events are discarded; in-flight
// requests are abandoned to the transport.
func (e *Engine) OnStop() {
	close(e.stopCh)
	e.inbox.stop()
	e.wg.Wait()
}

//------------------------------------------------------------------------------
// Feeders: called by the transport, the import queue and the embedding node.

// AddPeer introduces a connected peer and its advertised best block.
func (e *Engine) AddPeer(peer types.PeerID, bestHash types.Hash, bestNumber uint64) error {
	return e.send(addPeerEv{peerID: peer, bestHash: bestHash, bestNumber: bestNumber})
}

// RemovePeer withdraws a disconnected peer.
func (e *Engine) RemovePeer(peer types.PeerID) error {
	return e.send(removePeerEv{peerID: peer})
}

// NotifyBlockAnnounce feeds a gossiped block announcement.
func (e *Engine) NotifyBlockAnnounce(peer types.PeerID, announce types.BlockAnnounce) error {
	return e.send(announceEv{peerID: peer, announce: announce})
}

// SubmitResponse delivers a peer's answer to the request with the given id.
func (e *Engine) SubmitResponse(peer types.PeerID, requestID uint64, resp Response) error {
	return e.send(responseEv{peerID: peer, requestID: requestID, resp: resp})
}

// SubmitFailure delivers the terminal failure of the request with the given
// id.
func (e *Engine) SubmitFailure(peer types.PeerID, requestID uint64, kind FailureKind) error {
	return e.send(failureEv{peerID: peer, requestID: requestID, kind: kind})
}

// SubmitImportResults feeds per-block verdicts from the import queue.
func (e *Engine) SubmitImportResults(results []ImportResult) error {
	return e.send(importResultsEv{results: results})
}

// NotifyJustificationImported feeds the verdict on a submitted finality
// proof.
func (e *Engine) NotifyJustificationImported(hash types.Hash, number uint64, success bool) error {
	return e.send(justificationImportedEv{hash: hash, number: number, success: success})
}

// RequestJustification asks the sync to fetch a finality proof for the given
// block from some peer.
func (e *Engine) RequestJustification(hash types.Hash, number uint64) error {
	return e.send(requestJustificationEv{hash: hash, number: number})
}

func (e *Engine) send(ev Event) error {
	if !e.IsRunning() {
		return errNotRunning
	}
	if !e.inbox.send(ev) {
		return errInboxStopped
	}
	return nil
}

//------------------------------------------------------------------------------
// Observers: safe from any goroutine.

// Status returns the latest sync snapshot.
func (e *Engine) Status() Status {
	st, _ := e.status.Load().(Status)
	return st
}

// IsMajorSyncing reports whether the node considers itself far behind the
// network.
func (e *Engine) IsMajorSyncing() bool { return e.Status().IsMajorSyncing }

// IsCaughtUp reports whether the strategy pipeline has declared the node
// synced at least once.
func (e *Engine) IsCaughtUp() bool { return e.Status().CaughtUp }

// NumPeers returns the number of peers the sync is tracking.
func (e *Engine) NumPeers() int { return e.Status().NumPeers }

// BestSeenBlock returns the highest block number any peer has advertised;
// ok is false before the first peer connects.
func (e *Engine) BestSeenBlock() (uint64, bool) {
	st := e.Status()
	return st.BestSeen, st.HasBestSeen
}

// PeerInfo returns a snapshot of every tracked peer.
func (e *Engine) PeerInfo() []PeerStatus {
	ps, _ := e.peerStatus.Load().([]PeerStatus)
	out := make([]PeerStatus, len(ps))
	copy(out, ps)
	return out
}

// PeerStatusFor returns the snapshot of a single peer.
func (e *Engine) PeerStatusFor(peer types.PeerID) (PeerStatus, error) {
	ps, _ := e.peerStatus.Load().([]PeerStatus)
	for _, st := range ps {
		if st.Peer == peer {
			return st, nil
		}
	}
	return PeerStatus{}, errPeerUnknown
}

//------------------------------------------------------------------------------
// Loop

func (e *Engine) loop() {
	defer e.wg.Done()
	for {
		ev, err := e.inbox.receive()
		if err != nil {
			return
		}
		e.handle(ev)
	}
}

func (e *Engine) tickLoop() {
	defer e.wg.Done()
	ticker := e.clock.Ticker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case t := <-ticker.C:
			e.inbox.send(tickEv{time: t})
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) handle(event Event) {
	switch ev := event.(type) {
	case addPeerEv:
		e.strategy().AddPeer(ev.peerID, ev.bestHash, ev.bestNumber)
	case removePeerEv:
		e.clearFlights(ev.peerID)
		e.strategy().RemovePeer(ev.peerID)
	case announceEv:
		e.metrics.Announces.Add(1)
		e.strategy().OnBlockAnnounce(ev.peerID, ev.announce)
	case responseEv:
		e.onResponse(ev)
	case failureEv:
		e.onFailure(ev)
	case importResultsEv:
		e.strategy().OnBlocksProcessed(ev.results)
	case justificationImportedEv:
		e.strategy().OnJustificationImported(ev.hash, ev.number, ev.success)
	case requestJustificationEv:
		e.strategy().RequestJustification(ev.hash, ev.number)
	case tickEv:
		// nothing to record; the Actions pass below re-plans
	default:
		e.Logger.Error("unhandled event", "event", event)
		return
	}
	e.execute(e.strategy().Actions(e.clock.Now()))
	e.refresh()
}

func (e *Engine) strategy() Strategy { return e.strategies[e.current] }

// matchFlight resolves a request id back to the slot holding it.
func (e *Engine) matchFlight(peer types.PeerID, id uint64) (flight, flightKey, bool) {
	for _, purpose := range purposes {
		key := flightKey{peer, purpose}
		if fl, ok := e.flights[key]; ok && fl.id == id {
			return fl, key, true
		}
	}
	return flight{}, flightKey{}, false
}

func (e *Engine) onResponse(ev responseEv) {
	fl, key, ok := e.matchFlight(ev.peerID, ev.requestID)
	if !ok {
		e.metrics.StaleResponses.Add(1)
		e.Logger.Debug("discarding stale response", "peer", ev.peerID, "id", ev.requestID)
		return
	}
	delete(e.flights, key)
	e.report(behaviour.GoodBlockResponse(ev.peerID))
	e.strategy().OnResponse(ev.peerID, fl.req, ev.resp)
}

func (e *Engine) onFailure(ev failureEv) {
	fl, key, ok := e.matchFlight(ev.peerID, ev.requestID)
	if !ok {
		e.metrics.StaleResponses.Add(1)
		e.Logger.Debug("discarding stale failure", "peer", ev.peerID, "id", ev.requestID)
		return
	}
	delete(e.flights, key)
	e.metrics.RequestFailures.With("kind", ev.kind.String()).Add(1)
	age := e.clock.Now().Sub(fl.sentAt).Round(time.Millisecond)
	if ev.kind == FailTimeout {
		e.report(behaviour.SlowPeer(ev.peerID,
			fmt.Sprintf("%v request timed out after %v", fl.req.Purpose(), age)))
	}
	e.Logger.Debug("request failed", "peer", ev.peerID, "kind", ev.kind, "age", age)
	e.strategy().OnFailure(ev.peerID, fl.req, ev.kind)
}

//------------------------------------------------------------------------------
// Action execution

func (e *Engine) execute(acts []Action) {
	for _, act := range acts {
		switch a := act.(type) {
		case StartRequest:
			e.startRequest(a)
		case CancelRequest:
			delete(e.flights, flightKey{a.Peer, a.Purpose})
		case DropPeer:
			e.execDrop(a)
		case ReportPeer:
			e.report(a.Behaviour)
		case ImportBlocks:
			e.imports.SubmitBlocks(a.Origin, a.Blocks)
			e.metrics.BlocksImported.Add(float64(len(a.Blocks)))
		case ImportJustification:
			e.imports.SubmitJustification(a.Peer, a.Hash, a.Number, a.Justification)
			e.metrics.JustificationsImported.Add(1)
		case Finished:
			e.advanceStrategy()
		default:
			e.Logger.Error("unhandled action", "action", act)
		}
	}
}

func (e *Engine) startRequest(a StartRequest) {
	key := flightKey{a.Peer, a.Req.Purpose()}
	if old, busy := e.flights[key]; busy {
		if !a.RemoveObsolete {
			e.Logger.Error("request slot busy, not sending",
				"peer", a.Peer, "in-flight", old.req, "dropped", a.Req)
			return
		}
		e.Logger.Debug("superseding in-flight request",
			"peer", a.Peer, "old", old.req, "new", a.Req)
	}
	e.nextID++
	e.flights[key] = flight{id: e.nextID, req: a.Req, sentAt: e.clock.Now()}
	e.metrics.RequestsSent.With("purpose", a.Req.Purpose().String()).Add(1)
	e.transport.SendRequest(a.Peer, e.nextID, a.Req)
}

func (e *Engine) execDrop(a DropPeer) {
	peer := a.Peer()
	e.report(a.Behaviour)
	e.metrics.PeersDropped.With("reason", reasonLabel(a.Behaviour.Reason())).Add(1)
	e.clearFlights(peer)
	e.transport.Disconnect(peer)
	e.strategy().RemovePeer(peer)
}

// advanceStrategy moves to the next strategy in the pipeline, handing over
// the peer set. The final strategy's Finished just means the node is caught
// up; it keeps running to follow the tip.
func (e *Engine) advanceStrategy() {
	if e.current+1 >= len(e.strategies) {
		e.Logger.Info("sync caught up, following the chain tip",
			"strategy", e.strategy().Kind())
		return
	}
	prev := e.strategy()
	e.current++
	next := e.strategy()
	e.Logger.Info("switching sync strategy", "from", prev.Kind(), "to", next.Kind())
	for _, ps := range prev.PeerStatuses() {
		next.AddPeer(ps.Peer, ps.BestHash, ps.BestNumber)
	}
}

func (e *Engine) clearFlights(peer types.PeerID) {
	for _, purpose := range purposes {
		delete(e.flights, flightKey{peer, purpose})
	}
}

func (e *Engine) report(pb behaviour.PeerBehaviour) {
	if err := e.reporter.Report(pb); err != nil {
		e.Logger.Error("behaviour report failed", "peer", pb.PeerID(), "err", err)
	}
}

func (e *Engine) refresh() {
	st := e.strategy().Status()
	e.status.Store(st)
	e.peerStatus.Store(e.strategy().PeerStatuses())

	e.metrics.Syncing.Set(boolToFloat(st.IsMajorSyncing))
	e.metrics.NumPeers.Set(float64(st.NumPeers))
	e.metrics.LocalHeight.Set(float64(st.OurBest))
	e.metrics.BestSeenHeight.Set(float64(st.BestSeen))
	e.metrics.PendingRequests.Set(float64(st.PendingRequests))
	e.metrics.QueuedBlocks.Set(float64(st.QueuedBlocks))
	e.metrics.MissingBlocks.Set(float64(st.MissingBlocks))
}

// reasonLabel truncates a drop reason to its fixed prefix, keeping the metric
// label set bounded while the full explanation goes to the reporter.
func reasonLabel(r behaviour.Reason) string {
	s := r.String()
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return s
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
