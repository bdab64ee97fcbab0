package blocksync

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/silkchain/silksync/types"
)

// testChainData builds n+1 linked block data entries numbered from 0.
func testChainData(n int) []types.BlockData {
	out := make([]types.BlockData, 0, n+1)
	parent := types.Hash{}
	for i := 0; i <= n; i++ {
		h := &types.Header{
			ParentHash: parent,
			Number:     uint64(i),
			StateRoot:  types.NewHash([]byte(fmt.Sprintf("s%d", i))),
		}
		out = append(out, types.BlockData{
			Hash:   h.Hash(),
			Header: h,
			Body:   [][]byte{[]byte(fmt.Sprintf("b%d", i))},
		})
		parent = h.Hash()
	}
	return out
}

func TestSpanSetAddMergesAndRemoveSplits(t *testing.T) {
	ss := newSpanSet()
	ss.add(span{10, 20})
	ss.add(span{30, 40})
	ss.add(span{20, 30}) // adjacent on both sides, all merge
	require.Equal(t, []span{{10, 40}}, ss.spans)

	ss.remove(span{15, 25})
	require.Equal(t, []span{{10, 15}, {25, 40}}, ss.spans)

	sp, ok := ss.firstAt(12)
	require.True(t, ok)
	assert.Equal(t, span{12, 15}, sp)

	sp, ok = ss.firstAt(20)
	require.True(t, ok)
	assert.Equal(t, span{25, 40}, sp)

	_, ok = ss.firstAt(40)
	assert.False(t, ok)

	assert.True(t, ss.contains(10))
	assert.False(t, ss.contains(15))
	assert.EqualValues(t, 20, ss.total())
}

func TestPlannerProposesFromCommonPlusOne(t *testing.T) {
	pl := newPlanner(0, types.Hash{}, 2048, 64)
	pl.setTarget(1000)

	props := pl.planRequests([]planCandidate{{peer: "p1", common: 0, best: 1000}}, 5)
	require.Len(t, props, 1)
	assert.Equal(t, span{1, 65}, props[0].span)
}

func TestPlannerNoOverlapBetweenPeers(t *testing.T) {
	// Two peers both able to serve the same missing range: the overlap goes
	// to exactly one of them.
	pl := newPlanner(0, types.Hash{}, 2048, 64)
	pl.setTarget(1000)

	props := pl.planRequests([]planCandidate{
		{peer: "p1", common: 0, best: 1000},
		{peer: "p2", common: 0, best: 1000},
	}, 5)
	require.Len(t, props, 2)
	assert.Equal(t, "p1", string(props[0].peer))
	assert.Equal(t, span{1, 65}, props[0].span)
	assert.Equal(t, "p2", string(props[1].peer))
	assert.Equal(t, span{65, 129}, props[1].span)
}

func TestPlannerIdempotentWithoutCommit(t *testing.T) {
	pl := newPlanner(0, types.Hash{}, 2048, 64)
	pl.setTarget(1000)
	candidates := []planCandidate{
		{peer: "p1", common: 0, best: 1000},
		{peer: "p2", common: 0, best: 1000},
	}

	first := pl.planRequests(candidates, 5)
	second := pl.planRequests(candidates, 5)
	require.Equal(t, first, second)

	// Committing claims the span for real; planning again must not propose
	// it a second time. The issue time sticks to the pending range so the
	// timeout path can tell how long the peer sat on it.
	pl.commit(first[0], 64, time.Unix(42, 0))
	require.Equal(t, time.Unix(42, 0), pl.pendingFor("p1").issuedAt)
	third := pl.planRequests(candidates, 5)
	require.Len(t, third, 1)
	assert.Equal(t, "p2", string(third[0].peer))
	assert.Equal(t, span{65, 129}, third[0].span)
}

func TestPlannerRespectsParallelCeiling(t *testing.T) {
	pl := newPlanner(0, types.Hash{}, 1<<20, 8)
	pl.setTarget(10000)

	var candidates []planCandidate
	for i := 0; i < 10; i++ {
		candidates = append(candidates, planCandidate{
			peer: types.PeerID(fmt.Sprintf("p%d", i)), common: 0, best: 10000,
		})
	}
	props := pl.planRequests(candidates, 5)
	require.Len(t, props, 5)
	for _, p := range props {
		pl.commit(p, 8, time.Unix(0, 0))
	}
	assert.Equal(t, 5, pl.pendingCount())

	// All slots taken: nothing more this round.
	assert.Empty(t, pl.planRequests(candidates, 5))

	pl.release("p0")
	more := pl.planRequests(candidates, 5)
	require.Len(t, more, 1)
}

func TestPlannerWindowAndPeerBestBounds(t *testing.T) {
	pl := newPlanner(100, types.NewHash([]byte("tip")), 50, 64)
	pl.setTarget(1000)

	// Peer best below the span: clipped at the peer's best.
	props := pl.planRequests([]planCandidate{{peer: "p1", common: 100, best: 120}}, 5)
	require.Len(t, props, 1)
	assert.Equal(t, span{101, 121}, props[0].span)

	// Look-ahead window clips at best+window even for a tall peer.
	props = pl.planRequests([]planCandidate{{peer: "p2", common: 100, best: 1000}}, 5)
	require.Len(t, props, 1)
	assert.Equal(t, span{101, 151}, props[0].span)

	// A peer whose chain ends before the first missing block gets nothing.
	pl2 := newPlanner(100, types.Hash{}, 50, 64)
	pl2.setTarget(1000)
	assert.Empty(t, pl2.planRequests([]planCandidate{{peer: "p3", common: 90, best: 95}}, 5))
}

func TestPlannerFillRequeuesUnreceivedTail(t *testing.T) {
	chain := testChainData(200)
	pl := newPlanner(0, chain[0].Hash, 2048, 64)
	pl.setTarget(200)

	props := pl.planRequests([]planCandidate{{peer: "p1", common: 0, best: 200}}, 5)
	require.Len(t, props, 1)
	require.Equal(t, span{1, 65}, props[0].span)
	pl.commit(props[0], 64, time.Unix(0, 0))

	// Degraded response: only 40 of 64 blocks arrived.
	accepted := pl.fill("p1", chain[1:41])
	assert.Equal(t, 40, accepted)
	assert.Equal(t, 0, pl.pendingCount())
	assert.Equal(t, 40, pl.queuedCount())

	// The tail [41, 65) is missing again and is the next thing planned.
	props = pl.planRequests([]planCandidate{{peer: "p1", common: 0, best: 200}}, 5)
	require.Len(t, props, 1)
	assert.Equal(t, span{41, 105}, props[0].span)
}

func TestPlannerReadyBlocksLinkageAndRestart(t *testing.T) {
	chain := testChainData(100)
	pl := newPlanner(0, chain[0].Hash, 2048, 64)
	pl.setTarget(100)

	props := pl.planRequests([]planCandidate{{peer: "p1", common: 0, best: 100}}, 5)
	pl.commit(props[0], 64, time.Unix(0, 0))
	pl.fill("p1", chain[1:65])

	run, broken := pl.readyBlocks()
	require.Nil(t, broken)
	require.Len(t, run, 64)
	assert.EqualValues(t, 1, run[0].Data.Header.Number)
	assert.EqualValues(t, 64, run[63].Data.Header.Number)

	// Restartable: recomputing without consuming produces the same run.
	again, _ := pl.readyBlocks()
	assert.Equal(t, run, again)

	// Once handed to the import queue the run is excluded, and later fills
	// resume after the importing prefix.
	pl.markImporting(run)
	rest, broken := pl.readyBlocks()
	require.Nil(t, broken)
	assert.Empty(t, rest)

	props = pl.planRequests([]planCandidate{{peer: "p1", common: 0, best: 100}}, 5)
	require.Len(t, props, 1)
	require.Equal(t, span{65, 101}, props[0].span)
	pl.commit(props[0], 64, time.Unix(0, 0))
	pl.fill("p1", chain[65:101])

	rest, broken = pl.readyBlocks()
	require.Nil(t, broken)
	require.Len(t, rest, 36)
	assert.EqualValues(t, 65, rest[0].Data.Header.Number)
}

func TestPlannerReadyBlocksDetectsForkData(t *testing.T) {
	chain := testChainData(100)
	pl := newPlanner(0, chain[0].Hash, 2048, 64)
	pl.setTarget(100)

	props := pl.planRequests([]planCandidate{{peer: "p1", common: 0, best: 100}}, 5)
	pl.commit(props[0], 64, time.Unix(0, 0))

	// A response whose first block does not descend from our tip.
	forged := make([]types.BlockData, 3)
	copy(forged, chain[1:4])
	h := *forged[0].Header
	h.ParentHash = types.NewHash([]byte("other-branch"))
	forged[0].Header = &h
	forged[0].Hash = h.Hash()
	pl.fill("p1", forged[:1])

	run, broken := pl.readyBlocks()
	assert.Empty(t, run)
	require.NotNil(t, broken)
	assert.EqualValues(t, 1, *broken)

	evicted := pl.evict(*broken, "p1")
	assert.Equal(t, 1, evicted)
	missing, pending, queued := pl.covers(1)
	assert.True(t, missing)
	assert.False(t, pending)
	assert.False(t, queued)
}

func TestPlannerImportResults(t *testing.T) {
	chain := testChainData(20)
	pl := newPlanner(0, chain[0].Hash, 2048, 8)
	pl.setTarget(20)

	props := pl.planRequests([]planCandidate{{peer: "p1", common: 0, best: 20}}, 5)
	pl.commit(props[0], 8, time.Unix(0, 0))
	pl.fill("p1", chain[1:9])

	run, _ := pl.readyBlocks()
	require.Len(t, run, 8)
	pl.markImporting(run)

	for _, b := range run[:7] {
		pl.onImported(ImportResult{
			Hash: b.Data.Hash, Number: b.Data.Header.Number,
			Peer: "p1", Outcome: OutcomeImported,
		})
	}
	assert.EqualValues(t, 7, pl.best)
	assert.Equal(t, chain[7].Hash, pl.anchor)

	// The last block of the batch fails: back to missing for re-download.
	pl.onImported(ImportResult{
		Hash: run[7].Data.Hash, Number: 8, Peer: "p1", Outcome: OutcomeUnknownParent,
	})
	missing, _, queued := pl.covers(8)
	assert.True(t, missing)
	assert.False(t, queued)
	assert.False(t, pl.done())
}

// TestPlannerCoverageProperty drives the planner through random
// plan/commit/fill/fail/import sequences and checks after every step that
// each block between the local best and the target sits in exactly one of
// the missing set, a pending range, or the queued map.
func TestPlannerCoverageProperty(t *testing.T) {
	chain := testChainData(600)
	peers := []types.PeerID{"p0", "p1", "p2", "p3"}

	rapid.Check(t, func(t *rapid.T) {
		target := uint64(rapid.IntRange(1, 400).Draw(t, "target").(int))
		pl := newPlanner(0, chain[0].Hash, 1<<20, 16)
		pl.setTarget(target)

		steps := rapid.IntRange(1, 60).Draw(t, "steps").(int)
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 4).Draw(t, "op").(int) {
			case 0: // extend the target
				if target < 580 {
					target += uint64(rapid.IntRange(1, 20).Draw(t, "extend").(int))
					pl.setTarget(target)
				}
			case 1: // plan and commit
				var candidates []planCandidate
				for _, p := range peers {
					candidates = append(candidates, planCandidate{peer: p, common: pl.best, best: target})
				}
				for _, prop := range pl.planRequests(candidates, 3) {
					pl.commit(prop, uint32(prop.span.len()), time.Unix(0, 0))
				}
			case 2: // a pending range fails
				for _, p := range peers {
					if pl.pendingFor(p) != nil {
						pl.release(p)
						break
					}
				}
			case 3: // a pending range succeeds, possibly partially
				for _, p := range peers {
					pr := pl.pendingFor(p)
					if pr == nil {
						continue
					}
					n := rapid.IntRange(1, int(pr.span.len())).Draw(t, "fill").(int)
					pl.fill(p, chain[pr.span.start:pr.span.start+uint64(n)])
					break
				}
			case 4: // import the ready run
				run, broken := pl.readyBlocks()
				require.Nil(t, broken)
				if len(run) == 0 {
					continue
				}
				pl.markImporting(run)
				for _, b := range run {
					pl.onImported(ImportResult{
						Hash: b.Data.Hash, Number: b.Data.Header.Number,
						Peer: b.Peer, Outcome: OutcomeImported,
					})
				}
			}

			for n := pl.best + 1; n <= target; n++ {
				missing, pending, queued := pl.covers(n)
				count := 0
				for _, in := range []bool{missing, pending, queued} {
					if in {
						count++
					}
				}
				if count != 1 {
					t.Fatalf("block %d in %d buckets (missing=%v pending=%v queued=%v)",
						n, count, missing, pending, queued)
				}
			}
		}
	})
}
