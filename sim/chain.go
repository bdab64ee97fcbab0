package sim

import (
	"math/rand"

	"github.com/silkchain/silksync/blocksync"
	"github.com/silkchain/silksync/types"
)

// justificationInterval is how often the built chain carries a finality
// proof. The head always carries one so tip-follow proof requests can be
// answered.
const justificationInterval = 32

// Chain is a deterministic in-memory blockchain that virtual peers serve
// from. The same height and seed always produce the same blocks, so
// components built independently from one seed agree on every hash.
type Chain struct {
	blocks []types.Block
	byHash map[types.Hash]uint64
	justs  map[uint64]types.Justification
}

// NewChain builds a canonical chain of the given height on top of a seeded
// genesis block.
func NewChain(height uint64, seed int64) *Chain {
	c := &Chain{
		byHash: make(map[types.Hash]uint64, height+1),
		justs:  make(map[uint64]types.Justification),
	}
	rng := rand.New(rand.NewSource(seed))
	c.append(types.Block{Header: types.Header{
		Number:    0,
		StateRoot: randomHash(rng),
		DataHash:  randomHash(rng),
	}})
	c.grow(height, rng)
	c.justs[c.Height()] = makeJustification(c.Head().Hash())
	return c
}

// Fork returns a chain sharing this one's blocks up to and including height
// at, then diverging for length blocks grown from the fork seed.
func (c *Chain) Fork(at, length uint64, seed int64) *Chain {
	if at > c.Height() {
		at = c.Height()
	}
	f := &Chain{
		byHash: make(map[types.Hash]uint64, at+length+1),
		justs:  make(map[uint64]types.Justification),
	}
	for n := uint64(0); n <= at; n++ {
		f.append(c.blocks[n])
	}
	f.grow(length, rand.New(rand.NewSource(seed)))
	f.justs[f.Height()] = makeJustification(f.Head().Hash())
	return f
}

func (c *Chain) grow(n uint64, rng *rand.Rand) {
	for i := uint64(0); i < n; i++ {
		parent := &c.blocks[len(c.blocks)-1]
		c.append(types.Block{
			Header: types.Header{
				ParentHash: parent.Hash(),
				Number:     parent.Header.Number + 1,
				StateRoot:  randomHash(rng),
				DataHash:   randomHash(rng),
			},
			Body: randomBody(rng),
		})
	}
}

func (c *Chain) append(b types.Block) {
	n := b.Header.Number
	c.byHash[b.Hash()] = n
	c.blocks = append(c.blocks, b)
	if n > 0 && n%justificationInterval == 0 {
		c.justs[n] = makeJustification(b.Hash())
	}
}

// Height returns the head block number.
func (c *Chain) Height() uint64 { return c.blocks[len(c.blocks)-1].Header.Number }

// Head returns the highest block.
func (c *Chain) Head() *types.Block { return &c.blocks[len(c.blocks)-1] }

// GenesisHash returns the hash of block zero.
func (c *Chain) GenesisHash() types.Hash { return c.blocks[0].Hash() }

// Block returns the block at the given height.
func (c *Chain) Block(number uint64) (*types.Block, bool) {
	if number > c.Height() {
		return nil, false
	}
	return &c.blocks[number], true
}

// NumberByHash resolves a block hash to its height on this chain.
func (c *Chain) NumberByHash(hash types.Hash) (uint64, bool) {
	n, ok := c.byHash[hash]
	return n, ok
}

// JustificationAt returns the finality proof carried at the given height,
// or nil when the height has none.
func (c *Chain) JustificationAt(number uint64) types.Justification {
	return c.justs[number]
}

// Serve assembles the answer to a block request from this chain's view,
// returning at most limit blocks when limit is non-zero. Nil means the chain
// cannot place the requested start at all.
func (c *Chain) Serve(req *blocksync.BlockRequest, limit uint32) []types.BlockData {
	max := req.Max
	if max == 0 {
		max = 1
	}
	if limit > 0 && limit < max {
		max = limit
	}
	start, ok := c.resolveStart(req)
	if !ok {
		return nil
	}
	out := make([]types.BlockData, 0, max)
	n := start
	for uint32(len(out)) < max {
		b, ok := c.Block(n)
		if !ok {
			break
		}
		out = append(out, c.blockData(b, req))
		if req.Direction == blocksync.Descending {
			if n == 0 {
				break
			}
			n--
		} else {
			n++
		}
	}
	return out
}

// ServeJustification answers a justification request. The Justification
// field stays empty when this chain holds no proof for the block, which a
// well-behaved requester treats as "ask another peer".
func (c *Chain) ServeJustification(req *blocksync.JustificationRequest) types.BlockData {
	bd := types.BlockData{Hash: req.Hash}
	if n, ok := c.NumberByHash(req.Hash); ok {
		bd.Justification = c.justs[n]
	}
	return bd
}

func (c *Chain) resolveStart(req *blocksync.BlockRequest) (uint64, bool) {
	if !req.StartHash.IsZero() {
		return c.NumberByHash(req.StartHash)
	}
	if req.Start > c.Height() {
		return 0, false
	}
	return req.Start, true
}

func (c *Chain) blockData(b *types.Block, req *blocksync.BlockRequest) types.BlockData {
	header := b.Header
	bd := types.BlockData{Hash: b.Hash(), Header: &header}
	if req.WithBody {
		bd.Body = b.Body
	}
	if req.WithJustification {
		bd.Justification = c.justs[header.Number]
	}
	return bd
}

func makeJustification(hash types.Hash) types.Justification {
	return append(types.Justification("finalized:"), hash.Bytes()...)
}

func randomHash(rng *rand.Rand) types.Hash {
	var h types.Hash
	rng.Read(h[:])
	return h
}

func randomBody(rng *rand.Rand) [][]byte {
	body := make([][]byte, 1+rng.Intn(4))
	for i := range body {
		tx := make([]byte, 8+rng.Intn(56))
		rng.Read(tx)
		body[i] = tx
	}
	return body
}
