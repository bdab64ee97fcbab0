package sim

import (
	"bytes"
	"sync"

	"github.com/pkg/errors"
	dbm "github.com/tendermint/tm-db"

	"github.com/silkchain/silksync/blocksync"
	"github.com/silkchain/silksync/libs/service"
	"github.com/silkchain/silksync/store"
	"github.com/silkchain/silksync/types"
)

// importQueueDepth bounds the batches waiting for the verifier goroutine.
const importQueueDepth = 64

// ImportSink receives the importer's verdicts. *blocksync.Engine satisfies
// it.
type ImportSink interface {
	SubmitImportResults(results []blocksync.ImportResult) error
	NotifyJustificationImported(hash types.Hash, number uint64, success bool) error
}

// ImportStats counts the importer's verdicts.
type ImportStats struct {
	Imported       uint64
	Backfilled     uint64
	AlreadyInChain uint64
	Invalid        uint64
	UnknownParent  uint64
	Other          uint64
	Justifications uint64
	FailedProofs   uint64
}

// Importer is the simulation's import pipeline: it verifies downloaded
// blocks, commits them to a block store, and posts verdicts to the attached
// sink from its own goroutine. It doubles as the engine's read view of the
// local chain.
type Importer struct {
	service.BaseService

	store   *store.BlockStore
	genesis types.Hash

	mtx       sync.Mutex
	reference *Chain
	invalid   map[types.Hash]bool
	sink      ImportSink
	stats     ImportStats

	// History backfill below the store's root block. gapParent is the hash
	// the next backfilled block must chain from.
	gapNext          uint64
	gapEnd           uint64
	gapParent        types.Hash
	backfilledByNum  map[uint64]types.Hash
	backfilledByHash map[types.Hash]uint64

	jobs   chan importJob
	stopCh chan struct{}
	wg     sync.WaitGroup
}

var (
	_ blocksync.ImportQueue = (*Importer)(nil)
	_ blocksync.ChainSource = (*Importer)(nil)
)

type importJob struct {
	origin blocksync.Origin
	blocks []blocksync.IncomingBlock
	proof  *proofJob
}

type proofJob struct {
	peer   types.PeerID
	hash   types.Hash
	number uint64
	just   types.Justification
}

// NewImporter opens a block store over db and seeds it with root when it is
// empty. Seeding with a block above the genesis simulates a node
// bootstrapped from a snapshot: the missing history below the root is
// reported through Gap until backfilled.
func NewImporter(db dbm.DB, root *types.Block, genesis types.Hash) *Importer {
	bs := store.NewBlockStore(db)
	if bs.Size() == 0 {
		bs.SaveBlock(root, nil)
	}
	i := &Importer{
		store:            bs,
		genesis:          genesis,
		invalid:          make(map[types.Hash]bool),
		backfilledByNum:  make(map[uint64]types.Hash),
		backfilledByHash: make(map[types.Hash]uint64),
		jobs:             make(chan importJob, importQueueDepth),
		stopCh:           make(chan struct{}),
	}
	if base := bs.Base(); base > 0 {
		i.gapNext = 1
		i.gapEnd = base
		i.gapParent = genesis
	}
	i.BaseService = *service.NewBaseService(nil, "SimImporter", i)
	return i
}

// SetReference marks every block not on chain as consensus-invalid, the way
// a real verifier rejects blocks whose seals do not check out.
func (i *Importer) SetReference(chain *Chain) {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	i.reference = chain
}

// InjectInvalid makes the verifier reject the block with the given hash.
func (i *Importer) InjectInvalid(hash types.Hash) {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	i.invalid[hash] = true
}

// Attach sets where verdicts are posted. Call it before Start.
func (i *Importer) Attach(sink ImportSink) {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	i.sink = sink
}

// Stats returns a copy of the verdict counters.
func (i *Importer) Stats() ImportStats {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	return i.stats
}

// Store exposes the backing block store.
func (i *Importer) Store() *store.BlockStore { return i.store }

// OnStart implements service.Service.
func (i *Importer) OnStart() error {
	i.wg.Add(1)
	go i.worker()
	return nil
}

// OnStop implements service.Service. Queued batches are dropped.
func (i *Importer) OnStop() {
	close(i.stopCh)
	i.wg.Wait()
}

//------------------------------------------------------------------------------
// blocksync.ImportQueue

// SubmitBlocks implements blocksync.ImportQueue.
func (i *Importer) SubmitBlocks(origin blocksync.Origin, blocks []blocksync.IncomingBlock) {
	select {
	case i.jobs <- importJob{origin: origin, blocks: blocks}:
	case <-i.stopCh:
	}
}

// SubmitJustification implements blocksync.ImportQueue.
func (i *Importer) SubmitJustification(peer types.PeerID, hash types.Hash, number uint64, just types.Justification) {
	select {
	case i.jobs <- importJob{proof: &proofJob{peer: peer, hash: hash, number: number, just: just}}:
	case <-i.stopCh:
	}
}

func (i *Importer) worker() {
	defer i.wg.Done()
	for {
		select {
		case job := <-i.jobs:
			i.process(job)
		case <-i.stopCh:
			return
		}
	}
}

// process verifies one batch. A block that fails aborts the rest of its
// batch, since nothing after it can connect; every submitted block still
// gets a verdict so the requester can re-plan the range.
func (i *Importer) process(job importJob) {
	sink := i.getSink()
	if job.proof != nil {
		ok := i.applyJustification(job.proof)
		if sink != nil {
			_ = sink.NotifyJustificationImported(job.proof.hash, job.proof.number, ok)
		}
		return
	}

	results := make([]blocksync.ImportResult, 0, len(job.blocks))
	aborted := false
	for idx := range job.blocks {
		ib := &job.blocks[idx]
		var res blocksync.ImportResult
		if aborted {
			res = blocksync.ImportResult{
				Hash:    ib.Data.Hash,
				Peer:    ib.Peer,
				Outcome: blocksync.OutcomeUnknownParent,
				Err:     errors.New("an earlier block in the batch failed"),
			}
			if ib.Data.Header != nil {
				res.Number = ib.Data.Header.Number
			}
			i.count(res.Outcome, false)
		} else {
			res = i.importOne(ib)
			if res.Outcome != blocksync.OutcomeImported && res.Outcome != blocksync.OutcomeAlreadyInChain {
				aborted = true
			}
		}
		if res.Err != nil {
			i.Logger.Info("block rejected", "number", res.Number, "peer", ib.Peer,
				"origin", job.origin, "outcome", res.Outcome, "err", res.Err)
		}
		results = append(results, res)
	}
	if sink != nil {
		_ = sink.SubmitImportResults(results)
	}
}

func (i *Importer) importOne(ib *blocksync.IncomingBlock) blocksync.ImportResult {
	bd := &ib.Data
	res := blocksync.ImportResult{Hash: bd.Hash, Peer: ib.Peer}
	if bd.Header == nil {
		res.Outcome = blocksync.OutcomeOther
		res.Err = errors.New("block data carries no header")
		i.count(res.Outcome, false)
		return res
	}
	res.Number = bd.Header.Number

	i.mtx.Lock()
	bad := i.invalid[bd.Hash]
	ref := i.reference
	i.mtx.Unlock()
	if !bad && ref != nil {
		_, onChain := ref.NumberByHash(bd.Hash)
		bad = !onChain
	}
	if bad {
		res.Outcome = blocksync.OutcomeConsensusInvalid
		res.Err = errors.Errorf("block %d fails consensus checks", res.Number)
		i.count(res.Outcome, false)
		return res
	}

	if i.HasHeader(bd.Hash) {
		res.Outcome = blocksync.OutcomeAlreadyInChain
		i.count(res.Outcome, false)
		return res
	}

	if res.Number < i.store.Base() {
		res.Outcome, res.Err = i.backfill(bd)
		i.count(res.Outcome, true)
		return res
	}

	if res.Number != i.store.Height()+1 || !bd.Header.ParentHash.Equal(i.store.BestHash()) {
		res.Outcome = blocksync.OutcomeUnknownParent
		res.Err = errors.Errorf("block %d does not connect to the chain at height %d",
			res.Number, i.store.Height())
		i.count(res.Outcome, false)
		return res
	}

	i.store.SaveBlock(&types.Block{Header: *bd.Header, Body: bd.Body}, bd.Justification)
	res.Outcome = blocksync.OutcomeImported
	i.count(res.Outcome, false)
	return res
}

// backfill accepts history below the store's root. Blocks must arrive in
// ascending order, chain from the genesis, and the last one must be the
// root's parent.
func (i *Importer) backfill(bd *types.BlockData) (blocksync.ImportOutcome, error) {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	n := bd.Header.Number
	if i.gapNext >= i.gapEnd || n != i.gapNext {
		return blocksync.OutcomeUnknownParent,
			errors.Errorf("history backfill wants block %d, got %d", i.gapNext, n)
	}
	if !bd.Header.ParentHash.Equal(i.gapParent) {
		return blocksync.OutcomeUnknownParent,
			errors.Errorf("history block %d does not chain from %v", n, i.gapParent)
	}
	if n == i.gapEnd-1 {
		root := i.store.LoadHeader(i.gapEnd)
		if root == nil || !root.ParentHash.Equal(bd.Hash) {
			return blocksync.OutcomeConsensusInvalid,
				errors.Errorf("history block %d is not the parent of the root block", n)
		}
	}
	i.backfilledByNum[n] = bd.Hash
	i.backfilledByHash[bd.Hash] = n
	i.gapParent = bd.Hash
	i.gapNext = n + 1
	return blocksync.OutcomeImported, nil
}

// applyJustification verifies and persists a downloaded finality proof.
func (i *Importer) applyJustification(pj *proofJob) bool {
	i.mtx.Lock()
	ref := i.reference
	i.mtx.Unlock()

	ok := len(pj.just) > 0
	if ok && ref != nil {
		n, onChain := ref.NumberByHash(pj.hash)
		ok = onChain && n == pj.number && bytes.Equal(pj.just, ref.JustificationAt(pj.number))
	}
	if ok {
		if err := i.store.SaveJustification(pj.number, pj.just); err != nil {
			i.Logger.Info("justification not persisted", "number", pj.number, "err", err)
			ok = false
		}
	}
	i.mtx.Lock()
	if ok {
		i.stats.Justifications++
	} else {
		i.stats.FailedProofs++
	}
	i.mtx.Unlock()
	return ok
}

func (i *Importer) count(outcome blocksync.ImportOutcome, viaGap bool) {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	switch outcome {
	case blocksync.OutcomeImported:
		if viaGap {
			i.stats.Backfilled++
		} else {
			i.stats.Imported++
		}
	case blocksync.OutcomeAlreadyInChain:
		i.stats.AlreadyInChain++
	case blocksync.OutcomeConsensusInvalid:
		i.stats.Invalid++
	case blocksync.OutcomeUnknownParent:
		i.stats.UnknownParent++
	default:
		i.stats.Other++
	}
}

func (i *Importer) getSink() ImportSink {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	return i.sink
}

//------------------------------------------------------------------------------
// blocksync.ChainSource

// BestNumber implements blocksync.ChainSource.
func (i *Importer) BestNumber() uint64 { return i.store.Height() }

// BestHash implements blocksync.ChainSource.
func (i *Importer) BestHash() types.Hash { return i.store.BestHash() }

// GenesisHash implements blocksync.ChainSource.
func (i *Importer) GenesisHash() types.Hash { return i.genesis }

// HashByNumber implements blocksync.ChainSource.
func (i *Importer) HashByNumber(number uint64) (types.Hash, bool) {
	if h, ok := i.store.HashByNumber(number); ok {
		return h, true
	}
	i.mtx.Lock()
	defer i.mtx.Unlock()
	h, ok := i.backfilledByNum[number]
	return h, ok
}

// HasHeader implements blocksync.ChainSource.
func (i *Importer) HasHeader(hash types.Hash) bool {
	if i.store.HasHeader(hash) {
		return true
	}
	i.mtx.Lock()
	defer i.mtx.Unlock()
	_, ok := i.backfilledByHash[hash]
	return ok
}

// Gap implements blocksync.ChainSource.
func (i *Importer) Gap() (uint64, uint64, bool) {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	if i.gapNext >= i.gapEnd {
		return 0, 0, false
	}
	return i.gapNext, i.gapEnd, true
}
