package blocksync

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silkchain/silksync/libs/log"
	"github.com/silkchain/silksync/types"
)

// testChainView is an in-memory ChainSource over a prebuilt canonical chain.
type testChainView struct {
	blocks []types.BlockData
	best   uint64
	gapLo  uint64
	gapHi  uint64 // history [gapLo, gapHi) not stored locally
}

func newTestChainView(blocks []types.BlockData, best uint64) *testChainView {
	return &testChainView{blocks: blocks, best: best}
}

func (v *testChainView) BestNumber() uint64      { return v.best }
func (v *testChainView) BestHash() types.Hash    { return v.blocks[v.best].Hash }
func (v *testChainView) GenesisHash() types.Hash { return v.blocks[0].Hash }

func (v *testChainView) inGap(n uint64) bool { return n >= v.gapLo && n < v.gapHi }

func (v *testChainView) HashByNumber(n uint64) (types.Hash, bool) {
	if n > v.best || v.inGap(n) {
		return types.Hash{}, false
	}
	return v.blocks[n].Hash, true
}

func (v *testChainView) HasHeader(h types.Hash) bool {
	for n := uint64(0); n <= v.best; n++ {
		if v.inGap(n) {
			continue
		}
		if v.blocks[n].Hash.Equal(h) {
			return true
		}
	}
	return false
}

func (v *testChainView) Gap() (uint64, uint64, bool) {
	return v.gapLo, v.gapHi, v.gapHi > v.gapLo
}

// altChainData builds a chain sharing nothing with testChainData, numbered
// from 1.
func altChainData(n int) []types.BlockData {
	out := make([]types.BlockData, 0, n)
	parent := types.NewHash([]byte("alt-genesis"))
	for i := 1; i <= n; i++ {
		h := &types.Header{
			ParentHash: parent,
			Number:     uint64(i),
			StateRoot:  types.NewHash([]byte(fmt.Sprintf("a%d", i))),
		}
		out = append(out, types.BlockData{Hash: h.Hash(), Header: h, Body: [][]byte{[]byte("a")}})
		parent = h.Hash()
	}
	return out
}

// forkChainData builds a branch of n blocks diverging right after base[at].
func forkChainData(base []types.BlockData, at uint64, n int) []types.BlockData {
	out := make([]types.BlockData, 0, n)
	parent := base[at].Hash
	for i := 1; i <= n; i++ {
		h := &types.Header{
			ParentHash: parent,
			Number:     at + uint64(i),
			StateRoot:  types.NewHash([]byte(fmt.Sprintf("f%d", i))),
		}
		out = append(out, types.BlockData{Hash: h.Hash(), Header: h, Body: [][]byte{[]byte("f")}})
		parent = h.Hash()
	}
	return out
}

func newTestSync(view *testChainView, cfg Config) *ChainSync {
	cs := NewChainSync(cfg, view, clock.NewMock(), NopMetrics())
	cs.SetLogger(log.TestingLogger())
	return cs
}

func rangeResponse(chain []types.BlockData, start, count uint64) *BlockResponse {
	return &BlockResponse{Blocks: append([]types.BlockData(nil), chain[start:start+count]...)}
}

func startRequests(acts []Action) []StartRequest {
	var out []StartRequest
	for _, a := range acts {
		if sr, ok := a.(StartRequest); ok {
			out = append(out, sr)
		}
	}
	return out
}

func dropActions(acts []Action) []DropPeer {
	var out []DropPeer
	for _, a := range acts {
		if d, ok := a.(DropPeer); ok {
			out = append(out, d)
		}
	}
	return out
}

func reportActions(acts []Action) []ReportPeer {
	var out []ReportPeer
	for _, a := range acts {
		if r, ok := a.(ReportPeer); ok {
			out = append(out, r)
		}
	}
	return out
}

func importActions(acts []Action) []ImportBlocks {
	var out []ImportBlocks
	for _, a := range acts {
		if im, ok := a.(ImportBlocks); ok {
			out = append(out, im)
		}
	}
	return out
}

func hasFinished(acts []Action) bool {
	for _, a := range acts {
		if _, ok := a.(Finished); ok {
			return true
		}
	}
	return false
}

// lastBlockRequest returns the newest block request to the peer in acts.
func lastBlockRequest(t *testing.T, acts []Action, peer types.PeerID) *BlockRequest {
	t.Helper()
	var out *BlockRequest
	for _, sr := range startRequests(acts) {
		if sr.Peer != peer {
			continue
		}
		if br, ok := sr.Req.(*BlockRequest); ok {
			out = br
		}
	}
	require.NotNil(t, out, "no block request to %v", peer)
	return out
}

func lastJustificationRequest(t *testing.T, acts []Action) (types.PeerID, *JustificationRequest) {
	t.Helper()
	for _, sr := range startRequests(acts) {
		if jr, ok := sr.Req.(*JustificationRequest); ok {
			return sr.Peer, jr
		}
	}
	t.Fatal("no justification request")
	return "", nil
}

func TestChainSyncFirstRequestIsFullSize(t *testing.T) {
	view := newTestChainView(testChainData(0), 0)
	cs := newTestSync(view, DefaultConfig())
	cs.AddPeer("p1", types.NewHash([]byte("p1")), 1000)

	acts := cs.Actions(time.Now())
	srs := startRequests(acts)
	require.Len(t, srs, 1)
	assert.True(t, srs[0].RemoveObsolete)

	req := lastBlockRequest(t, acts, "p1")
	assert.EqualValues(t, 1, req.Start)
	assert.EqualValues(t, 64, req.Max)
	assert.Equal(t, Ascending, req.Direction)
	assert.True(t, req.WithBody)

	pr := cs.tip.pendingFor("p1")
	require.NotNil(t, pr)
	assert.Equal(t, span{1, 65}, pr.span)
}

func TestChainSyncTimeoutShrinksRequest(t *testing.T) {
	view := newTestChainView(testChainData(0), 0)
	cs := newTestSync(view, DefaultConfig())
	cs.AddPeer("p1", types.NewHash([]byte("p1")), 1000)

	acts := cs.Actions(time.Now())
	req := lastBlockRequest(t, acts, "p1")

	cs.OnFailure("p1", req, FailTimeout)
	acts = cs.Actions(time.Now())

	// Same start, same span, strictly smaller never-tried max.
	retry := lastBlockRequest(t, acts, "p1")
	assert.EqualValues(t, 1, retry.Start)
	assert.EqualValues(t, 63, retry.Max)

	pr := cs.tip.pendingFor("p1")
	require.NotNil(t, pr)
	assert.Equal(t, span{1, 65}, pr.span)
	assert.EqualValues(t, 63, pr.max)
	assert.Empty(t, dropActions(acts))
	assert.EqualValues(t, 1, cs.peers.get("p1").failures)
}

func TestChainSyncRetryWalkExhaustsAndRestarts(t *testing.T) {
	view := newTestChainView(testChainData(0), 0)
	cs := newTestSync(view, DefaultConfig())
	cs.AddPeer("p1", types.NewHash([]byte("p1")), 1000)

	acts := cs.Actions(time.Now())
	req := lastBlockRequest(t, acts, "p1")
	sizes := []uint32{req.Max}

	for i := 0; i < 64; i++ {
		cs.OnFailure("p1", req, FailTimeout)
		acts = cs.Actions(time.Now())
		// Major syncing plus gating: the walk never drops the peer.
		require.Empty(t, dropActions(acts))
		req = lastBlockRequest(t, acts, "p1")
		require.EqualValues(t, 1, req.Start)
		sizes = append(sizes, req.Max)
	}

	// 64 distinct sizes walked down to 1, then exhaustion releases the span
	// and the next claim starts a fresh full-size walk.
	require.Len(t, sizes, 65)
	for i := 0; i < 64; i++ {
		assert.EqualValues(t, 64-i, sizes[i])
	}
	assert.EqualValues(t, 64, sizes[64])
	assert.EqualValues(t, 64, cs.peers.get("p1").failures)

	// The exhaustion surfaced as a non-fatal behaviour report in the final
	// batch, alongside the fresh request.
	reports := reportActions(acts)
	require.Len(t, reports, 1)
	assert.EqualValues(t, "p1", reports[0].Behaviour.PeerID())
	assert.False(t, reports[0].Behaviour.Reason().Fatal())
}

func TestChainSyncSuccessRestoresFullSize(t *testing.T) {
	chain := testChainData(200)
	view := newTestChainView(testChainData(0), 0)
	cs := newTestSync(view, DefaultConfig())
	cs.AddPeer("p1", chain[200].Hash, 200)

	acts := cs.Actions(time.Now())
	req := lastBlockRequest(t, acts, "p1")
	cs.OnFailure("p1", req, FailTimeout)
	acts = cs.Actions(time.Now())
	req = lastBlockRequest(t, acts, "p1")
	require.EqualValues(t, 63, req.Max)

	// The degraded request succeeds, short of the full span.
	cs.OnResponse("p1", req, rangeResponse(chain, 1, 63))
	assert.Zero(t, cs.peers.get("p1").failures)

	acts = cs.Actions(time.Now())
	next := lastBlockRequest(t, acts, "p1")
	assert.EqualValues(t, 64, next.Start)
	assert.EqualValues(t, 64, next.Max)
}

func TestChainSyncDisjointAssignments(t *testing.T) {
	view := newTestChainView(testChainData(0), 0)
	cs := newTestSync(view, DefaultConfig())
	cs.AddPeer("p1", types.NewHash([]byte("p1")), 1000)
	cs.AddPeer("p2", types.NewHash([]byte("p2")), 1000)

	acts := cs.Actions(time.Now())
	srs := startRequests(acts)
	require.Len(t, srs, 2)

	r1 := lastBlockRequest(t, acts, "p1")
	r2 := lastBlockRequest(t, acts, "p2")
	assert.EqualValues(t, 1, r1.Start)
	assert.EqualValues(t, 65, r2.Start)
	assert.Equal(t, span{1, 65}, cs.tip.pendingFor("p1").span)
	assert.Equal(t, span{65, 129}, cs.tip.pendingFor("p2").span)
}

func TestChainSyncDropGating(t *testing.T) {
	failPeerOut := func(t *testing.T, cs *ChainSync, n int) []Action {
		t.Helper()
		acts := cs.Actions(time.Now())
		req := lastBlockRequest(t, acts, "p1")
		for i := 0; i < n; i++ {
			cs.OnFailure("p1", req, FailTimeout)
			acts = cs.Actions(time.Now())
			if cs.tip.pendingFor("p1") != nil {
				req = lastBlockRequest(t, acts, "p1")
			}
		}
		return acts
	}

	t.Run("major sync holds the threshold", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxTimeoutsBeforeDrop = 3
		cs := newTestSync(newTestChainView(testChainData(0), 0), cfg)
		cs.AddPeer("p1", types.NewHash([]byte("p1")), 1000)
		require.True(t, cs.isMajorSyncing())

		acts := failPeerOut(t, cs, 3)
		assert.Empty(t, dropActions(acts))
		assert.EqualValues(t, 3, cs.peers.get("p1").failures)
		// The peer keeps getting retries.
		assert.NotEmpty(t, startRequests(acts))
	})

	t.Run("gating disabled drops at the threshold", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxTimeoutsBeforeDrop = 3
		cfg.DisableMajorSyncGating = true
		cs := newTestSync(newTestChainView(testChainData(0), 0), cfg)
		cs.AddPeer("p1", types.NewHash([]byte("p1")), 1000)
		require.True(t, cs.isMajorSyncing())

		acts := failPeerOut(t, cs, 3)
		drops := dropActions(acts)
		require.Len(t, drops, 1)
		assert.EqualValues(t, "p1", drops[0].Peer())
		assert.Contains(t, drops[0].Behaviour.Reason().String(), "slow peer")

		// The drop is emitted exactly once.
		assert.Empty(t, dropActions(cs.Actions(time.Now())))

		// The engine follows up with RemovePeer, releasing the range.
		cs.RemovePeer("p1")
		assert.Zero(t, cs.peers.len())
		assert.True(t, cs.tip.missing.contains(1))
	})

	t.Run("near the tip the threshold applies", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxTimeoutsBeforeDrop = 3
		cs := newTestSync(newTestChainView(testChainData(0), 0), cfg)
		cs.AddPeer("p1", types.NewHash([]byte("p1")), 4)
		require.False(t, cs.isMajorSyncing())

		acts := failPeerOut(t, cs, 3)
		require.Len(t, dropActions(acts), 1)
	})
}

func TestChainSyncConsensusInvalidDropsSupplier(t *testing.T) {
	chain := testChainData(70)
	view := newTestChainView(testChainData(0), 0)
	cs := newTestSync(view, DefaultConfig())
	cs.AddPeer("p1", chain[70].Hash, 1000)

	acts := cs.Actions(time.Now())
	req := lastBlockRequest(t, acts, "p1")
	cs.OnResponse("p1", req, rangeResponse(chain, 1, 64))

	acts = cs.Actions(time.Now())
	ims := importActions(acts)
	require.Len(t, ims, 1)
	assert.Equal(t, OriginInitialSync, ims[0].Origin)
	require.Len(t, ims[0].Blocks, 64)

	require.True(t, cs.isMajorSyncing())
	cs.OnBlocksProcessed([]ImportResult{
		{Hash: chain[1].Hash, Number: 1, Peer: "p1", Outcome: OutcomeImported},
		{Hash: chain[2].Hash, Number: 2, Peer: "p1", Outcome: OutcomeConsensusInvalid},
	})

	acts = cs.Actions(time.Now())
	drops := dropActions(acts)
	require.Len(t, drops, 1)
	assert.EqualValues(t, "p1", drops[0].Peer())
	assert.Contains(t, drops[0].Behaviour.Reason().String(), "consensus-invalid")

	// The rejected number is missing again, to be re-downloaded elsewhere.
	missing, _, _ := cs.tip.covers(2)
	assert.True(t, missing)
}

func TestChainSyncMalformedResponsesDropImmediately(t *testing.T) {
	chain := testChainData(70)

	cloneHeader := func(h *types.Header) *types.Header {
		cp := *h
		return &cp
	}

	cases := []struct {
		name    string
		mutate  func([]types.BlockData) []types.BlockData
		wantErr error
	}{
		{
			name:    "empty response",
			mutate:  func([]types.BlockData) []types.BlockData { return nil },
			wantErr: errEmptyResponse,
		},
		{
			name: "missing header",
			mutate: func(b []types.BlockData) []types.BlockData {
				b[10].Header = nil
				return b
			},
			wantErr: errMissingHeader,
		},
		{
			name: "hash mismatch",
			mutate: func(b []types.BlockData) []types.BlockData {
				b[0].Hash = types.NewHash([]byte("forged"))
				return b
			},
			wantErr: errHashMismatch,
		},
		{
			name: "wrong start block",
			mutate: func(b []types.BlockData) []types.BlockData {
				return b[1:]
			},
			wantErr: errWrongStartBlock,
		},
		{
			name: "non-sequential numbers",
			mutate: func(b []types.BlockData) []types.BlockData {
				return append(b[:3:3], b[4:]...)
			},
			wantErr: errNonSequentialResponse,
		},
		{
			name: "broken parent linkage",
			mutate: func(b []types.BlockData) []types.BlockData {
				h := cloneHeader(b[5].Header)
				h.ParentHash = types.NewHash([]byte("elsewhere"))
				b[5].Header = h
				b[5].Hash = h.Hash()
				return b
			},
			wantErr: errResponseNotChain,
		},
		{
			name: "more blocks than requested",
			mutate: func(b []types.BlockData) []types.BlockData {
				return append(b, chain[65])
			},
			wantErr: errExceedsRequestedMax,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cs := newTestSync(newTestChainView(testChainData(0), 0), DefaultConfig())
			cs.AddPeer("p1", chain[70].Hash, 1000)
			acts := cs.Actions(time.Now())
			req := lastBlockRequest(t, acts, "p1")

			blocks := tc.mutate(append([]types.BlockData(nil), chain[1:65]...))
			cs.OnResponse("p1", req, &BlockResponse{Blocks: blocks})

			drops := dropActions(cs.Actions(time.Now()))
			require.Len(t, drops, 1)
			assert.Contains(t, drops[0].Behaviour.Reason().String(), tc.wantErr.Error())
			assert.Nil(t, cs.tip.pendingFor("p1"))
			assert.True(t, cs.tip.missing.contains(1))
		})
	}
}

func TestChainSyncRefusedAndUnsupportedDropImmediately(t *testing.T) {
	for kind, fragment := range map[FailureKind]string{
		FailRefused:     "refused request",
		FailUnsupported: "unsupported protocol",
	} {
		cs := newTestSync(newTestChainView(testChainData(0), 0), DefaultConfig())
		cs.AddPeer("p1", types.NewHash([]byte("p1")), 1000)
		require.True(t, cs.isMajorSyncing())

		acts := cs.Actions(time.Now())
		req := lastBlockRequest(t, acts, "p1")
		cs.OnFailure("p1", req, kind)

		drops := dropActions(cs.Actions(time.Now()))
		require.Len(t, drops, 1, "kind %v", kind)
		assert.Contains(t, drops[0].Behaviour.Reason().String(), fragment)
		assert.Nil(t, cs.tip.pendingFor("p1"))
	}
}

func TestChainSyncDisconnectedReleasesWithoutDrop(t *testing.T) {
	cs := newTestSync(newTestChainView(testChainData(0), 0), DefaultConfig())
	cs.AddPeer("p1", types.NewHash([]byte("p1")), 1000)

	acts := cs.Actions(time.Now())
	req := lastBlockRequest(t, acts, "p1")
	cs.OnFailure("p1", req, FailDisconnected)

	assert.Nil(t, cs.tip.pendingFor("p1"))
	assert.Empty(t, cs.queued)

	cs.RemovePeer("p1")
	assert.Zero(t, cs.peers.len())
	assert.True(t, cs.tip.missing.contains(1))
}

func TestChainSyncUnlinkedRangeEvictedAndSupplierDropped(t *testing.T) {
	alt := altChainData(64)
	cs := newTestSync(newTestChainView(testChainData(0), 0), DefaultConfig())
	cs.AddPeer("p1", alt[63].Hash, 1000)

	acts := cs.Actions(time.Now())
	req := lastBlockRequest(t, acts, "p1")

	// Internally consistent chain built on the wrong genesis: the response
	// validates, but it can never link to our chain.
	cs.OnResponse("p1", req, &BlockResponse{Blocks: alt})

	acts = cs.Actions(time.Now())
	assert.Empty(t, importActions(acts))
	drops := dropActions(acts)
	require.Len(t, drops, 1)
	assert.Contains(t, drops[0].Behaviour.Reason().String(), "does not link")

	// The whole delivery is evicted back to missing.
	missing, pending, queued := cs.tip.covers(1)
	assert.True(t, missing)
	assert.False(t, pending)
	assert.False(t, queued)
	assert.Zero(t, cs.tip.queuedCount())
}

func TestChainSyncAncestryBisectionOnDivergedPeer(t *testing.T) {
	chain := testChainData(100)
	branch := forkChainData(chain, 0, 120) // shares only the genesis
	view := newTestChainView(chain, 100)
	cs := newTestSync(view, DefaultConfig())
	cs.AddPeer("p1", branch[119].Hash, 120)

	var probes []uint64
	for i := 0; i < 20; i++ {
		p := cs.peers.get("p1")
		if p.state != PeerAncestrySearch {
			break
		}
		acts := cs.Actions(time.Now())
		req := lastBlockRequest(t, acts, "p1")
		require.EqualValues(t, 1, req.Max)
		probes = append(probes, req.Start)
		cs.OnResponse("p1", req, &BlockResponse{Blocks: []types.BlockData{branch[req.Start-1]}})
	}

	assert.Equal(t, []uint64{100, 50, 25, 12, 6, 3, 1}, probes)
	p := cs.peers.get("p1")
	require.True(t, p.commonKnown)
	assert.Zero(t, p.common)
	assert.Equal(t, PeerIdle, p.state)

	// Planning never reaches below our own best even with common at zero.
	acts := cs.Actions(time.Now())
	req := lastBlockRequest(t, acts, "p1")
	assert.EqualValues(t, 101, req.Start)
	assert.EqualValues(t, 20, req.Max)
}

func TestChainSyncProbeTimeoutRetriesProbe(t *testing.T) {
	chain := testChainData(120)
	view := newTestChainView(chain, 100)
	cs := newTestSync(view, DefaultConfig())
	cs.AddPeer("p1", chain[120].Hash, 120)

	acts := cs.Actions(time.Now())
	probe := lastBlockRequest(t, acts, "p1")
	require.EqualValues(t, 100, probe.Start)

	cs.OnFailure("p1", probe, FailTimeout)
	assert.EqualValues(t, 1, cs.peers.get("p1").failures)

	acts = cs.Actions(time.Now())
	retry := lastBlockRequest(t, acts, "p1")
	assert.EqualValues(t, 100, retry.Start)

	// The same-chain fast path: one answered probe resolves the search.
	cs.OnResponse("p1", retry, &BlockResponse{Blocks: []types.BlockData{chain[100]}})
	p := cs.peers.get("p1")
	require.True(t, p.commonKnown)
	assert.EqualValues(t, 100, p.common)
}

func TestChainSyncJustificationRoundRobin(t *testing.T) {
	chain := testChainData(100)
	view := newTestChainView(chain, 100)
	cs := newTestSync(view, DefaultConfig())
	cs.AddPeer("p1", chain[100].Hash, 100)
	cs.AddPeer("p2", chain[100].Hash, 100)

	cs.RequestJustification(chain[50].Hash, 50)
	cs.RequestJustification(chain[50].Hash, 50) // duplicate is a no-op
	require.Len(t, cs.justifications, 1)

	acts := cs.Actions(time.Now())
	peer1, jr := lastJustificationRequest(t, acts)
	assert.EqualValues(t, "p1", peer1)
	assert.EqualValues(t, 50, jr.Number)

	// Timeout: the target moves to a different peer.
	cs.OnFailure(peer1, jr, FailTimeout)
	acts = cs.Actions(time.Now())
	peer2, jr2 := lastJustificationRequest(t, acts)
	assert.EqualValues(t, "p2", peer2)

	proof := types.Justification("finality-proof")
	cs.OnResponse(peer2, jr2, &BlockResponse{Blocks: []types.BlockData{{
		Hash:          chain[50].Hash,
		Justification: proof,
	}}})

	acts = cs.Actions(time.Now())
	var ij *ImportJustification
	for _, a := range acts {
		if got, ok := a.(ImportJustification); ok {
			ij = &got
		}
	}
	require.NotNil(t, ij)
	assert.EqualValues(t, "p2", ij.Peer)
	assert.EqualValues(t, 50, ij.Number)
	assert.Equal(t, proof, ij.Justification)

	// Waiting on the import verdict: no re-dispatch.
	for _, sr := range startRequests(acts) {
		_, isJust := sr.Req.(*JustificationRequest)
		assert.False(t, isJust)
	}

	cs.OnJustificationImported(chain[50].Hash, 50, true)
	assert.Empty(t, cs.justifications)
}

func TestChainSyncJustificationUnavailableTriesElsewhere(t *testing.T) {
	chain := testChainData(100)
	cs := newTestSync(newTestChainView(chain, 100), DefaultConfig())
	cs.AddPeer("p1", chain[100].Hash, 100)
	cs.AddPeer("p2", chain[100].Hash, 100)

	cs.RequestJustification(chain[50].Hash, 50)
	acts := cs.Actions(time.Now())
	peer1, jr := lastJustificationRequest(t, acts)

	// An honest "I do not have it": no drop, but the peer is not asked again
	// this round.
	cs.OnResponse(peer1, jr, &BlockResponse{Blocks: []types.BlockData{{Hash: chain[50].Hash}}})
	assert.EqualValues(t, 1, cs.peers.get(peer1).failures)

	acts = cs.Actions(time.Now())
	assert.Empty(t, dropActions(acts))
	peer2, _ := lastJustificationRequest(t, acts)
	assert.NotEqual(t, peer1, peer2)
}

func TestChainSyncInvalidJustificationDropsProvider(t *testing.T) {
	chain := testChainData(100)
	cs := newTestSync(newTestChainView(chain, 100), DefaultConfig())
	cs.AddPeer("p1", chain[100].Hash, 100)

	cs.RequestJustification(chain[50].Hash, 50)
	acts := cs.Actions(time.Now())
	peer, jr := lastJustificationRequest(t, acts)

	cs.OnResponse(peer, jr, &BlockResponse{Blocks: []types.BlockData{{
		Hash:          chain[50].Hash,
		Justification: types.Justification("junk"),
	}}})
	cs.Actions(time.Now()) // hands the proof to the import queue

	cs.OnJustificationImported(chain[50].Hash, 50, false)
	drops := dropActions(cs.Actions(time.Now()))
	require.Len(t, drops, 1)
	assert.Equal(t, peer, drops[0].Peer())
	assert.Contains(t, drops[0].Behaviour.Reason().String(), "invalid justification")

	// The target survives for another provider.
	require.Len(t, cs.justifications, 1)
	assert.False(t, cs.justifications[0].waiting)
}

func TestChainSyncForkDownload(t *testing.T) {
	chain := testChainData(100)
	branch := forkChainData(chain, 94, 3) // blocks 95'..97'
	view := newTestChainView(chain, 100)
	cs := newTestSync(view, DefaultConfig())
	cs.AddPeer("p1", chain[100].Hash, 100)

	// Announcing a block we already have does nothing.
	cs.OnBlockAnnounce("p1", types.BlockAnnounce{Header: *chain[80].Header})
	assert.Empty(t, cs.forks)

	cs.OnBlockAnnounce("p1", types.BlockAnnounce{Header: *branch[2].Header})
	require.Len(t, cs.forks, 1)

	acts := cs.Actions(time.Now())
	req := lastBlockRequest(t, acts, "p1")
	assert.True(t, req.StartHash.Equal(branch[2].Hash))
	assert.Equal(t, Descending, req.Direction)
	assert.EqualValues(t, maxForkDepth, req.Max)
	assert.Equal(t, PeerDownloadingFork, cs.peers.get("p1").state)

	// Deepest-last over the wire, deepest-first to the import queue.
	cs.OnResponse("p1", req, &BlockResponse{Blocks: []types.BlockData{
		branch[2], branch[1], branch[0],
	}})
	acts = cs.Actions(time.Now())
	ims := importActions(acts)
	require.Len(t, ims, 1)
	assert.Equal(t, OriginBroadcast, ims[0].Origin)
	require.Len(t, ims[0].Blocks, 3)
	for i, want := range []uint64{95, 96, 97} {
		assert.EqualValues(t, want, ims[0].Blocks[i].Data.Header.Number)
	}
	assert.Empty(t, cs.forks)
	assert.Equal(t, PeerIdle, cs.peers.get("p1").state)
}

func TestChainSyncGapBackfill(t *testing.T) {
	chain := testChainData(150)
	view := newTestChainView(chain, 100)
	view.gapLo, view.gapHi = 1, 50
	cs := newTestSync(view, DefaultConfig())
	require.NotNil(t, cs.gap)

	cs.AddPeer("p1", chain[150].Hash, 150)

	// Same chain: ancestry resolves on the first probe.
	acts := cs.Actions(time.Now())
	probe := lastBlockRequest(t, acts, "p1")
	require.EqualValues(t, 100, probe.Start)
	cs.OnResponse("p1", probe, &BlockResponse{Blocks: []types.BlockData{chain[100]}})

	// The tip range wins the peer first.
	acts = cs.Actions(time.Now())
	req := lastBlockRequest(t, acts, "p1")
	require.EqualValues(t, 101, req.Start)
	require.EqualValues(t, 50, req.Max)
	cs.OnResponse("p1", req, rangeResponse(chain, 101, 50))

	// With the tip quiet, the freed peer serves the historical gap.
	acts = cs.Actions(time.Now())
	ims := importActions(acts)
	require.Len(t, ims, 1)
	assert.Equal(t, OriginInitialSync, ims[0].Origin)
	req = lastBlockRequest(t, acts, "p1")
	require.EqualValues(t, 1, req.Start)
	require.EqualValues(t, 49, req.Max)
	assert.Equal(t, PeerDownloadingGap, cs.peers.get("p1").state)

	cs.OnResponse("p1", req, rangeResponse(chain, 1, 49))
	acts = cs.Actions(time.Now())
	gapRun := importActions(acts)
	require.Len(t, gapRun, 1)
	assert.Equal(t, OriginGap, gapRun[0].Origin)
	require.Len(t, gapRun[0].Blocks, 49)
	assert.EqualValues(t, 1, gapRun[0].Blocks[0].Data.Header.Number)

	results := make([]ImportResult, 0, 49)
	for n := uint64(1); n < 50; n++ {
		results = append(results, ImportResult{
			Hash: chain[n].Hash, Number: n, Peer: "p1", Outcome: OutcomeImported,
		})
	}
	cs.OnBlocksProcessed(results)

	cs.Actions(time.Now())
	assert.Nil(t, cs.gap, "gap planner retires once the range is settled")
}

func TestChainSyncFinishedEmittedOnce(t *testing.T) {
	chain := testChainData(110)
	view := newTestChainView(chain, 100)
	cs := newTestSync(view, DefaultConfig())
	cs.AddPeer("p1", chain[103].Hash, 103)

	acts := cs.Actions(time.Now())
	probe := lastBlockRequest(t, acts, "p1")
	cs.OnResponse("p1", probe, &BlockResponse{Blocks: []types.BlockData{chain[100]}})

	acts = cs.Actions(time.Now())
	assert.False(t, hasFinished(acts))
	req := lastBlockRequest(t, acts, "p1")
	require.EqualValues(t, 101, req.Start)
	require.EqualValues(t, 3, req.Max)
	cs.OnResponse("p1", req, rangeResponse(chain, 101, 3))

	acts = cs.Actions(time.Now())
	ims := importActions(acts)
	require.Len(t, ims, 1)
	// Three blocks behind is tip-follow territory, not a major sync.
	assert.Equal(t, OriginBroadcast, ims[0].Origin)
	assert.False(t, hasFinished(acts), "not finished while imports are in flight")

	cs.OnBlocksProcessed([]ImportResult{
		{Hash: chain[101].Hash, Number: 101, Peer: "p1", Outcome: OutcomeImported},
		{Hash: chain[102].Hash, Number: 102, Peer: "p1", Outcome: OutcomeImported},
		{Hash: chain[103].Hash, Number: 103, Peer: "p1", Outcome: OutcomeImported},
	})

	acts = cs.Actions(time.Now())
	assert.True(t, hasFinished(acts))
	assert.True(t, cs.Status().CaughtUp)

	assert.False(t, hasFinished(cs.Actions(time.Now())))

	// Catch-up status is sticky across later target movement.
	cs.OnBlockAnnounce("p1", types.BlockAnnounce{Header: *chain[104].Header, IsBest: true})
	acts = cs.Actions(time.Now())
	assert.False(t, hasFinished(acts))
	assert.True(t, cs.Status().CaughtUp)
}

func TestChainSyncStatusSnapshot(t *testing.T) {
	chain := testChainData(200)
	cs := newTestSync(newTestChainView(testChainData(0), 0), DefaultConfig())

	st := cs.Status()
	assert.Equal(t, KindChainSync, st.Kind)
	assert.False(t, st.HasBestSeen)
	assert.Zero(t, st.NumPeers)

	cs.AddPeer("p1", chain[200].Hash, 200)
	cs.AddPeer("p2", chain[150].Hash, 150)
	acts := cs.Actions(time.Now())
	require.NotEmpty(t, acts)

	st = cs.Status()
	assert.True(t, st.IsMajorSyncing)
	assert.True(t, st.HasBestSeen)
	assert.EqualValues(t, 200, st.BestSeen)
	// Target follows the median (upper middle of two peers).
	assert.EqualValues(t, 200, st.TargetBest)
	assert.Equal(t, 2, st.NumPeers)
	assert.Equal(t, 2, st.PendingRequests)
	assert.Equal(t, int(st.TargetBest)-st.PendingRequests*64, st.MissingBlocks)

	sts := cs.PeerStatuses()
	require.Len(t, sts, 2)
	assert.EqualValues(t, "p1", sts[0].Peer)
	assert.Equal(t, PeerDownloadingNew, sts[0].State)
}

func TestChainSyncPeerStatusShowsJustificationDownload(t *testing.T) {
	chain := testChainData(100)
	cs := newTestSync(newTestChainView(chain, 100), DefaultConfig())
	cs.AddPeer("p1", chain[100].Hash, 100)
	cs.RequestJustification(chain[60].Hash, 60)

	cs.Actions(time.Now())
	sts := cs.PeerStatuses()
	require.Len(t, sts, 1)
	assert.Equal(t, PeerDownloadingJustification, sts[0].State)
}

func TestChainSyncResponsesFromStrangersIgnored(t *testing.T) {
	cs := newTestSync(newTestChainView(testChainData(0), 0), DefaultConfig())
	// Unknown peer, no pending anything: both must be no-ops.
	cs.OnResponse("ghost", &BlockRequest{Start: 1, Max: 64}, &BlockResponse{})
	cs.OnFailure("ghost", &BlockRequest{Start: 1, Max: 64}, FailTimeout)
	assert.Empty(t, cs.queued)
	assert.Empty(t, startRequests(cs.Actions(time.Now())))
}
