package sim

import (
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/silkchain/silksync/blocksync"
	"github.com/silkchain/silksync/libs/service"
	"github.com/silkchain/silksync/types"
)

// defaultBanAfterRepeats is how many identical block requests a virtual peer
// tolerates before refusing the requester, mirroring the reputation systems
// of production networks.
const defaultBanAfterRepeats = 2

// ResponseSink receives the terminal outcome of every request the net
// carries. *blocksync.Engine satisfies it.
type ResponseSink interface {
	SubmitResponse(peer types.PeerID, requestID uint64, resp blocksync.Response) error
	SubmitFailure(peer types.PeerID, requestID uint64, kind blocksync.FailureKind) error
}

// PeerProfile shapes how a virtual peer behaves on the wire.
type PeerProfile struct {
	// Latency delays every answer, good or bad.
	Latency time.Duration

	// ServeTime is extra time spent building a response. When latency plus
	// serve time exceed the net's request timeout, the requester sees a
	// timeout instead.
	ServeTime time.Duration

	// TimeoutRate is the probability a request is silently dropped, which
	// the requester observes as a timeout.
	TimeoutRate float64

	// LateDelivery delivers the real response shortly after its timeout was
	// reported, exercising the requester's stale-response handling.
	LateDelivery bool

	// Refuse lists request purposes this peer refuses outright.
	Refuse map[blocksync.Purpose]bool

	// ResponseBlockLimit caps the blocks served in one response regardless
	// of what was asked. Zero means no cap beyond the request's own max.
	ResponseBlockLimit uint32

	// BanAfterRepeats is how many times the peer tolerates the exact same
	// block request before flipping to refusing. Zero applies
	// defaultBanAfterRepeats.
	BanAfterRepeats int
}

// repeatKey identifies a range request for the repeat-ban bookkeeping.
type repeatKey struct {
	start     uint64
	direction blocksync.Direction
	max       uint32
}

type simPeer struct {
	id      types.PeerID
	profile PeerProfile
	chain   *Chain

	asked        map[repeatKey]int
	askedStarts  map[uint64]bool
	banned       bool
	disconnected bool
}

// NetStats is what the virtual network observed. Read it after Stop.
type NetStats struct {
	Requests       uint64
	Responses      uint64
	Timeouts       uint64
	Refusals       uint64
	LateDeliveries uint64

	// Retries counts block requests re-asking a start this peer was already
	// asked, i.e. the requester's degraded retry walk.
	Retries uint64

	// RepeatedAsks counts block requests identical to an earlier one, the
	// feed of the repeat ban. A requester with a correct retry walk keeps
	// this at zero.
	RepeatedAsks uint64
	BansTripped  int
	Disconnects  int
}

// Net is an in-memory transport: virtual peers answer block and
// justification requests from their own chain copies, with configurable
// latency, refusals, timeouts and late deliveries. It enforces the request
// timeout the way a production transport enforces its deadline.
type Net struct {
	service.BaseService

	clock   clock.Clock
	timeout time.Duration

	mtx   sync.Mutex
	rng   *rand.Rand
	sink  ResponseSink
	peers map[types.PeerID]*simPeer
	stats NetStats

	stopCh chan struct{}
	wg     sync.WaitGroup
}

var _ blocksync.Transport = (*Net)(nil)

// NewNet creates a network with no peers. A nil clock means wall time.
func NewNet(timeout time.Duration, seed int64, cl clock.Clock) *Net {
	if cl == nil {
		cl = clock.New()
	}
	n := &Net{
		clock:   cl,
		timeout: timeout,
		rng:     rand.New(rand.NewSource(seed)),
		peers:   make(map[types.PeerID]*simPeer),
		stopCh:  make(chan struct{}),
	}
	n.BaseService = *service.NewBaseService(nil, "SimNet", n)
	return n
}

// Attach sets where request outcomes are delivered. Call it before Start.
func (n *Net) Attach(sink ResponseSink) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.sink = sink
}

// AddPeer registers a virtual peer serving from the given chain.
func (n *Net) AddPeer(id types.PeerID, chain *Chain, profile PeerProfile) {
	if profile.BanAfterRepeats == 0 {
		profile.BanAfterRepeats = defaultBanAfterRepeats
	}
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.peers[id] = &simPeer{
		id:          id,
		profile:     profile,
		chain:       chain,
		asked:       make(map[repeatKey]int),
		askedStarts: make(map[uint64]bool),
	}
}

// OnStart implements service.Service.
func (n *Net) OnStart() error { return nil }

// OnStop implements service.Service. Scheduled deliveries are abandoned.
func (n *Net) OnStop() {
	close(n.stopCh)
	n.wg.Wait()
}

// Stats returns a copy of the counters.
func (n *Net) Stats() NetStats {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.stats
}

// Banned lists the peers that flipped to refusing after repeated identical
// requests.
func (n *Net) Banned() []types.PeerID {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	var out []types.PeerID
	for id, p := range n.peers {
		if p.banned {
			out = append(out, id)
		}
	}
	return out
}

// delivery is one scheduled outcome for an in-flight request.
type delivery struct {
	after  time.Duration
	failed bool
	fail   blocksync.FailureKind
	resp   blocksync.Response

	// lateAfter, when positive, delivers resp this long after the failure
	// above was reported.
	lateAfter time.Duration
}

// SendRequest implements blocksync.Transport. It never blocks; the outcome
// reaches the attached sink asynchronously.
func (n *Net) SendRequest(peer types.PeerID, id uint64, req blocksync.Request) {
	n.mtx.Lock()
	d := n.plan(peer, req)
	n.mtx.Unlock()

	n.wg.Add(1)
	go n.deliver(peer, id, d)
}

// Disconnect implements blocksync.Transport. Outcomes already scheduled for
// the peer still fire; the requester discards them by request id.
func (n *Net) Disconnect(peer types.PeerID) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	p, ok := n.peers[peer]
	if !ok || p.disconnected {
		return
	}
	p.disconnected = true
	n.stats.Disconnects++
}

// plan decides the outcome of a request. Called with the lock held.
func (n *Net) plan(peer types.PeerID, req blocksync.Request) delivery {
	n.stats.Requests++
	p, ok := n.peers[peer]
	if !ok || p.disconnected {
		return delivery{failed: true, fail: blocksync.FailDisconnected}
	}
	lat := p.profile.Latency

	if br, ok := req.(*blocksync.BlockRequest); ok {
		if n.recordAsk(p, br) {
			n.stats.Refusals++
			return delivery{after: lat, failed: true, fail: blocksync.FailRefused}
		}
	}
	if p.banned || p.profile.Refuse[req.Purpose()] {
		n.stats.Refusals++
		return delivery{after: lat, failed: true, fail: blocksync.FailRefused}
	}

	resp, ok := n.answer(p, req)
	if !ok {
		n.stats.Refusals++
		return delivery{after: lat, failed: true, fail: blocksync.FailUnsupported}
	}

	tooSlow := lat+p.profile.ServeTime > n.timeout
	dropped := p.profile.TimeoutRate > 0 && n.rng.Float64() < p.profile.TimeoutRate
	if tooSlow || dropped {
		n.stats.Timeouts++
		d := delivery{after: n.timeout, failed: true, fail: blocksync.FailTimeout}
		if p.profile.LateDelivery {
			d.resp = resp
			d.lateAfter = lat + p.profile.ServeTime
			if d.lateAfter <= 0 {
				d.lateAfter = n.timeout / 4
			}
		}
		return d
	}
	n.stats.Responses++
	return delivery{after: lat + p.profile.ServeTime, resp: resp}
}

// recordAsk books a block request against the peer's repeat counters and
// reports whether it tripped the repeat ban. Only number-addressed range
// requests feed the ban: single-block probes and hash-addressed fork
// downloads are cheap to serve and repeat legitimately after timeouts, the
// way they do against production peers.
func (n *Net) recordAsk(p *simPeer, br *blocksync.BlockRequest) bool {
	if !br.StartHash.IsZero() {
		return false
	}
	if p.askedStarts[br.Start] {
		n.stats.Retries++
	}
	p.askedStarts[br.Start] = true
	if br.Max <= 1 {
		return false
	}

	key := repeatKey{start: br.Start, direction: br.Direction, max: br.Max}
	p.asked[key]++
	if p.asked[key] > 1 {
		n.stats.RepeatedAsks++
	}
	if p.asked[key] > p.profile.BanAfterRepeats && !p.banned {
		p.banned = true
		n.stats.BansTripped++
		return true
	}
	return p.banned
}

func (n *Net) answer(p *simPeer, req blocksync.Request) (blocksync.Response, bool) {
	switch r := req.(type) {
	case *blocksync.BlockRequest:
		return &blocksync.BlockResponse{Blocks: p.chain.Serve(r, p.profile.ResponseBlockLimit)}, true
	case *blocksync.JustificationRequest:
		return &blocksync.BlockResponse{Blocks: []types.BlockData{p.chain.ServeJustification(r)}}, true
	default:
		return nil, false
	}
}

func (n *Net) deliver(peer types.PeerID, id uint64, d delivery) {
	defer n.wg.Done()
	if !n.wait(d.after) {
		return
	}
	sink := n.getSink()
	if sink == nil {
		return
	}
	if !d.failed {
		_ = sink.SubmitResponse(peer, id, d.resp)
		return
	}
	_ = sink.SubmitFailure(peer, id, d.fail)
	if d.lateAfter <= 0 {
		return
	}
	if !n.wait(d.lateAfter) {
		return
	}
	n.mtx.Lock()
	n.stats.LateDeliveries++
	n.mtx.Unlock()
	_ = sink.SubmitResponse(peer, id, d.resp)
}

func (n *Net) wait(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-n.stopCh:
			return false
		default:
			return true
		}
	}
	t := n.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-n.stopCh:
		return false
	}
}

func (n *Net) getSink() ResponseSink {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.sink
}
