package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	"github.com/silkchain/silksync/types"
)

/*
BlockStore is a simple low level store for the canonical chain.

There are three kinds of information stored per block:
 - Header:        the part that commits to the chain position
 - Body:          the opaque block body
 - Justification: the finality proof, when one exists

The store can be assumed to contain all contiguous blocks between base and
height (inclusive). Fork blocks are never stored; the import pipeline only
commits the chain it has selected as best.

NOTE: BlockStore methods will panic if they encounter errors deserializing
loaded data, indicating probable corruption on disk.
*/
type BlockStore struct {
	db dbm.DB

	mtx         sync.RWMutex
	initialized bool
	base        uint64
	height      uint64
	bestHash    types.Hash
}

// NewBlockStore returns a new BlockStore with the given DB, initialized to
// the last height that was committed to the DB.
func NewBlockStore(db dbm.DB) *BlockStore {
	bs := &BlockStore{db: db}
	state, ok := LoadBlockStoreState(db)
	if ok {
		bs.initialized = true
		bs.base = state.Base
		bs.height = state.Height
		bs.bestHash = state.BestHash
	}
	return bs
}

// Base returns the first known contiguous block height, or 0 for empty
// block stores.
func (bs *BlockStore) Base() uint64 {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.base
}

// Height returns the last known contiguous block height, or 0 for empty
// block stores. Note that 0 is also the genesis height; use Size to tell an
// empty store from one holding only the root block.
func (bs *BlockStore) Height() uint64 {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.height
}

// BestHash returns the hash of the block at Height, or the zero hash for
// empty block stores.
func (bs *BlockStore) BestHash() types.Hash {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.bestHash
}

// Size returns the number of blocks in the block store.
func (bs *BlockStore) Size() uint64 {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	if !bs.initialized {
		return 0
	}
	return bs.height - bs.base + 1
}

// LoadHeader returns the header at the given height.
// If no header is found for that height, it returns nil.
func (bs *BlockStore) LoadHeader(height uint64) *types.Header {
	bz, err := bs.db.Get(headerKey(height))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil
	}
	header := new(types.Header)
	if err := json.Unmarshal(bz, header); err != nil {
		panic(fmt.Errorf("reading header at height %d: %w", height, err))
	}
	return header
}

// LoadBlock returns the block at the given height, reassembled from its
// header and body. If no block is found for that height, it returns nil.
func (bs *BlockStore) LoadBlock(height uint64) *types.Block {
	header := bs.LoadHeader(height)
	if header == nil {
		return nil
	}
	block := &types.Block{Header: *header}

	bz, err := bs.db.Get(bodyKey(height))
	if err != nil {
		panic(err)
	}
	if len(bz) > 0 {
		if err := json.Unmarshal(bz, &block.Body); err != nil {
			panic(fmt.Errorf("reading body at height %d: %w", height, err))
		}
	}
	return block
}

// LoadJustification returns the justification stored for the given height,
// or nil if the block has none.
func (bs *BlockStore) LoadJustification(height uint64) types.Justification {
	bz, err := bs.db.Get(justificationKey(height))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil
	}
	return types.Justification(bz)
}

// NumberByHash returns the height of the block with the given hash, if the
// hash belongs to the stored chain.
func (bs *BlockStore) NumberByHash(hash types.Hash) (uint64, bool) {
	bz, err := bs.db.Get(hashKey(hash))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return 0, false
	}
	height, err := strconv.ParseUint(string(bz), 10, 64)
	if err != nil {
		panic(fmt.Errorf("reading height index for hash %v: %w", hash, err))
	}
	return height, true
}

// HashByNumber returns the hash of the block at the given height, if the
// store holds one.
func (bs *BlockStore) HashByNumber(height uint64) (types.Hash, bool) {
	header := bs.LoadHeader(height)
	if header == nil {
		return types.Hash{}, false
	}
	return header.Hash(), true
}

// HasHeader reports whether a block with the given hash is on the stored
// chain.
func (bs *BlockStore) HasHeader(hash types.Hash) bool {
	_, ok := bs.NumberByHash(hash)
	return ok
}

// SaveBlock persists the given block as the new chain tip, together with an
// optional justification.
//
// The first block saved into an empty store becomes its root and may carry
// any height; this is how both the genesis block and a snapshot root enter
// the store. Every later call must extend the current tip by exactly one,
// with a matching parent hash, and panics otherwise.
func (bs *BlockStore) SaveBlock(block *types.Block, just types.Justification) {
	if block == nil {
		panic("BlockStore can only save a non-nil block")
	}
	height := block.Header.Number
	hash := block.Hash()

	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if bs.initialized {
		if w := bs.height + 1; height != w {
			panic(fmt.Sprintf("BlockStore can only save contiguous blocks. Wanted %v, got %v", w, height))
		}
		if !block.Header.ParentHash.Equal(bs.bestHash) {
			panic(fmt.Sprintf("BlockStore can only extend the stored chain. Wanted parent %v, got %v",
				bs.bestHash, block.Header.ParentHash))
		}
	}

	batch := bs.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(headerKey(height), mustEncode(block.Header)); err != nil {
		panic(err)
	}
	if err := batch.Set(bodyKey(height), mustEncode(block.Body)); err != nil {
		panic(err)
	}
	if len(just) > 0 {
		if err := batch.Set(justificationKey(height), just); err != nil {
			panic(err)
		}
	}
	if err := batch.Set(hashKey(hash), []byte(strconv.FormatUint(height, 10))); err != nil {
		panic(err)
	}

	if !bs.initialized {
		bs.initialized = true
		bs.base = height
	}
	bs.height = height
	bs.bestHash = hash

	state := BlockStoreState{Base: bs.base, Height: bs.height, BestHash: bs.bestHash}
	if err := batch.Set(stateKey(), mustEncode(state)); err != nil {
		panic(err)
	}
	if err := batch.WriteSync(); err != nil {
		panic(err)
	}
}

// SaveJustification attaches a justification to an already stored block.
// Saving a second justification for the same height is a no-op; the first
// proof wins.
func (bs *BlockStore) SaveJustification(height uint64, just types.Justification) error {
	if len(just) == 0 {
		return fmt.Errorf("empty justification for height %d", height)
	}
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	if !bs.initialized || height < bs.base || height > bs.height {
		return fmt.Errorf("no stored block at height %d", height)
	}
	if existing := bs.LoadJustification(height); existing != nil {
		return nil
	}
	return bs.db.SetSync(justificationKey(height), just)
}

// Close closes the underlying database.
func (bs *BlockStore) Close() error {
	return bs.db.Close()
}

func mustEncode(v interface{}) []byte {
	bz, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return bz
}

//-----------------------------------------------------------------------------

// BlockStoreState records the extent of the stored chain. It is persisted
// on every save so that a restarted node resumes from its previous tip.
type BlockStoreState struct {
	Base     uint64     `json:"base"`
	Height   uint64     `json:"height"`
	BestHash types.Hash `json:"best_hash"`
}

// LoadBlockStoreState returns the BlockStoreState as loaded from disk. The
// second return value is false when no state was previously persisted.
func LoadBlockStoreState(db dbm.DB) (BlockStoreState, bool) {
	bz, err := db.Get(stateKey())
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return BlockStoreState{}, false
	}
	var state BlockStoreState
	if err := json.Unmarshal(bz, &state); err != nil {
		panic(fmt.Errorf("could not unmarshal block store state: %w", err))
	}
	return state, true
}

//---------------------------------- KEY ENCODING -----------------------------

// key prefixes
const (
	// prefixes are unique across all silksync db's
	prefixHeader        = int64(0)
	prefixBody          = int64(1)
	prefixJustification = int64(2)
	prefixBlockHash     = int64(3)
	prefixStoreState    = int64(4)
)

func headerKey(height uint64) []byte {
	key, err := orderedcode.Append(nil, prefixHeader, height)
	if err != nil {
		panic(err)
	}
	return key
}

func bodyKey(height uint64) []byte {
	key, err := orderedcode.Append(nil, prefixBody, height)
	if err != nil {
		panic(err)
	}
	return key
}

func justificationKey(height uint64) []byte {
	key, err := orderedcode.Append(nil, prefixJustification, height)
	if err != nil {
		panic(err)
	}
	return key
}

func hashKey(hash types.Hash) []byte {
	key, err := orderedcode.Append(nil, prefixBlockHash, string(hash.Bytes()))
	if err != nil {
		panic(err)
	}
	return key
}

func stateKey() []byte {
	key, err := orderedcode.Append(nil, prefixStoreState)
	if err != nil {
		panic(err)
	}
	return key
}
