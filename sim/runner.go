package sim

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/creachadair/taskgroup"
	dbm "github.com/tendermint/tm-db"

	"github.com/silkchain/silksync/behaviour"
	"github.com/silkchain/silksync/blocksync"
	"github.com/silkchain/silksync/libs/log"
	"github.com/silkchain/silksync/types"
)

// pollInterval is how often the runner checks the engine for progress.
const pollInterval = 25 * time.Millisecond

// Config tunes one simulation run.
type Config struct {
	// Peers is the number of virtual peers, a seeded mix of good, slow and
	// flaky profiles.
	Peers int

	// Blocks is the canonical chain height the engine has to reach.
	Blocks uint64

	// Seed makes the whole run reproducible: chain contents, peer profiles
	// and failure rolls all derive from it.
	Seed int64

	// Latency is the base peer round trip; individual peers get a seeded
	// spread around it.
	Latency time.Duration

	// TimeoutRate is the drop probability applied to the flaky peers.
	TimeoutRate float64

	// RequestTimeout is the transport deadline for a single request.
	RequestTimeout time.Duration

	// Duration bounds the whole run.
	Duration time.Duration

	// InvalidPeers serve a doctored chain; the engine has to drop them and
	// still catch up.
	InvalidPeers int

	// Sync tunes the engine under test.
	Sync blocksync.Config

	// Metrics instruments the engine; nil records nothing.
	Metrics *blocksync.Metrics
}

// DefaultConfig returns a simulation sized for an interactive run.
func DefaultConfig() Config {
	return Config{
		Peers:          8,
		Blocks:         4096,
		Seed:           1,
		Latency:        20 * time.Millisecond,
		TimeoutRate:    0.1,
		RequestTimeout: 400 * time.Millisecond,
		Duration:       2 * time.Minute,
		InvalidPeers:   1,
		Sync:           blocksync.DefaultConfig(),
	}
}

// Summary is what one run produced.
type Summary struct {
	CaughtUp       bool
	Height         uint64
	Target         uint64
	Elapsed        time.Duration
	Imported       uint64
	Backfilled     uint64
	Invalid        uint64
	Justifications uint64
	Requests       uint64
	Timeouts       uint64
	Retries        uint64
	LateDeliveries uint64
	RepeatedAsks   uint64
	BansTripped    int
	Dropped        int
}

func (s Summary) String() string {
	return fmt.Sprintf("Summary{caught_up=%v height=%d/%d elapsed=%v imported=%d invalid=%d "+
		"requests=%d timeouts=%d retries=%d dropped=%d bans=%d}",
		s.CaughtUp, s.Height, s.Target, s.Elapsed.Round(time.Millisecond), s.Imported,
		s.Invalid, s.Requests, s.Timeouts, s.Retries, s.Dropped, s.BansTripped)
}

// peerSpec pins down one virtual peer before the run starts.
type peerSpec struct {
	id    types.PeerID
	chain *Chain
}

// Runner owns one simulated sync: a seeded chain, a virtual peer network,
// an import pipeline over an in-memory block store, and the engine under
// test.
type Runner struct {
	logger log.Logger
	cfg    Config

	chain    *Chain
	net      *Net
	importer *Importer
	engine   *blocksync.Engine
	joined   []peerSpec
}

// NewRunner builds the simulation but does not start it.
func NewRunner(cfg Config, logger log.Logger) *Runner {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = blocksync.NopMetrics()
	}

	chain := NewChain(cfg.Blocks, cfg.Seed)
	root, _ := chain.Block(0)
	importer := NewImporter(dbm.NewMemDB(), root, chain.GenesisHash())
	importer.SetReference(chain)
	importer.SetLogger(logger.With("module", "import"))

	net := NewNet(cfg.RequestTimeout, cfg.Seed, nil)
	net.SetLogger(logger.With("module", "net"))

	strategy := blocksync.NewChainSync(cfg.Sync, importer, clock.New(), metrics)
	strategy.SetLogger(logger.With("module", "sync"))
	reporter := behaviour.NewLogReporter(logger.With("module", "behaviour"))
	engine := blocksync.NewEngine(cfg.Sync, []blocksync.Strategy{strategy}, net, importer, reporter, metrics)
	engine.SetLogger(logger.With("module", "engine"))

	net.Attach(engine)
	importer.Attach(engine)

	r := &Runner{
		logger:   logger,
		cfg:      cfg,
		chain:    chain,
		net:      net,
		importer: importer,
		engine:   engine,
	}
	r.populate()
	return r
}

// populate derives the peer set from the seed: a rotating mix of good, slow
// and flaky profiles, with the first InvalidPeers serving a doctored chain.
func (r *Runner) populate() {
	rng := rand.New(rand.NewSource(r.cfg.Seed + 1))
	for i := 0; i < r.cfg.Peers; i++ {
		id := types.PeerID(fmt.Sprintf("%016x", rng.Uint64()))
		jitter := time.Duration(rng.Int63n(int64(r.cfg.Latency)/2 + 1))
		profile := PeerProfile{Latency: r.cfg.Latency + jitter}

		serving := r.chain
		switch {
		case i < r.cfg.InvalidPeers:
			forkAt := r.cfg.Blocks / 2
			serving = r.chain.Fork(forkAt, r.cfg.Blocks-forkAt+16, r.cfg.Seed+int64(i)+100)
		case i%3 == 1:
			profile.Latency *= 2
			profile.ServeTime = r.cfg.RequestTimeout / 4
		case i%3 == 2:
			profile.TimeoutRate = r.cfg.TimeoutRate
			profile.LateDelivery = true
		}

		r.net.AddPeer(id, serving, profile)
		r.joined = append(r.joined, peerSpec{id: id, chain: serving})
	}
}

// Run drives the simulation until the engine has the whole chain or the
// deadline passes, then tears everything down and reports what happened.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	started := time.Now()
	if err := r.importer.Start(); err != nil {
		return Summary{}, err
	}
	if err := r.net.Start(); err != nil {
		return Summary{}, err
	}
	if err := r.engine.Start(); err != nil {
		return Summary{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Duration)
	defer cancel()

	g := taskgroup.New(taskgroup.Trigger(cancel))
	g.Go(func() error { return r.joinPeers(ctx) })
	g.Go(func() error { return r.watch(ctx) })
	err := g.Wait()

	if serr := r.engine.Stop(); serr != nil && err == nil {
		err = serr
	}
	if serr := r.net.Stop(); serr != nil && err == nil {
		err = serr
	}
	if serr := r.importer.Stop(); serr != nil && err == nil {
		err = serr
	}
	return r.summarize(time.Since(started)), err
}

// joinPeers introduces the peers to the engine with a small stagger, the
// way discovery trickles connections in.
func (r *Runner) joinPeers(ctx context.Context) error {
	for _, spec := range r.joined {
		if err := r.engine.AddPeer(spec.id, spec.chain.Head().Hash(), spec.chain.Height()); err != nil {
			return err
		}
		select {
		case <-time.After(r.cfg.Latency / 2):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// watch polls until the chain is fully downloaded, then pulls one finality
// proof through the justification path before declaring the run complete.
func (r *Runner) watch(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for r.importer.BestNumber() < r.chain.Height() || !r.engine.IsCaughtUp() {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.logger.Info("chain downloaded", "height", r.importer.BestNumber())

	head := r.chain.Head()
	if err := r.engine.RequestJustification(head.Hash(), head.Header.Number); err != nil {
		return err
	}
	for r.importer.Stats().Justifications == 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *Runner) summarize(elapsed time.Duration) Summary {
	netStats := r.net.Stats()
	impStats := r.importer.Stats()
	return Summary{
		CaughtUp:       r.engine.IsCaughtUp() && r.importer.BestNumber() >= r.chain.Height(),
		Height:         r.importer.BestNumber(),
		Target:         r.chain.Height(),
		Elapsed:        elapsed,
		Imported:       impStats.Imported,
		Backfilled:     impStats.Backfilled,
		Invalid:        impStats.Invalid,
		Justifications: impStats.Justifications,
		Requests:       netStats.Requests,
		Timeouts:       netStats.Timeouts,
		Retries:        netStats.Retries,
		LateDeliveries: netStats.LateDeliveries,
		RepeatedAsks:   netStats.RepeatedAsks,
		BansTripped:    netStats.BansTripped,
		Dropped:        netStats.Disconnects,
	}
}
