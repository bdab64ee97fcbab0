package blocksync

import "time"

// majorSyncThreshold is how many blocks behind the median peer best the
// local chain must be before the node counts as major syncing.
const majorSyncThreshold = 5

// Config carries the tuning knobs of the sync engine. The zero value is not
// usable; start from DefaultConfig.
type Config struct {
	// MaxBlocksPerRequest is the ceiling and initial value for the adaptive
	// request sizer.
	MaxBlocksPerRequest uint32

	// MaxTimeoutsBeforeDrop is the consecutive-failure count at which a peer
	// becomes eligible for dropping.
	MaxTimeoutsBeforeDrop uint32

	// DisableMajorSyncGating drops peers at the failure threshold even while
	// the node is major syncing.
	DisableMajorSyncGating bool

	// MaxParallelDownloads bounds the number of block ranges in flight
	// across all peers.
	MaxParallelDownloads int

	// LookaheadWindow bounds how far past the local best block ranges may be
	// requested.
	LookaheadWindow uint64

	// TickInterval drives proactive re-planning when no events arrive.
	TickInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxBlocksPerRequest:    64,
		MaxTimeoutsBeforeDrop:  20,
		DisableMajorSyncGating: false,
		MaxParallelDownloads:   5,
		LookaheadWindow:        2048,
		TickInterval:           1100 * time.Millisecond,
	}
}
