package version

var (
	// GitCommit is the current HEAD set using ldflags.
	GitCommit string

	// Version is the built software version.
	Version = SilksyncSemVer
)

func init() {
	if GitCommit != "" {
		Version += "-" + GitCommit
	}
}

// SilksyncSemVer is the current version of the silksync engine.
// It's the Semantic Version of the software.
const SilksyncSemVer = "0.3.0"

// Protocol is used for implementation agnostic versioning of the wire
// surfaces the engine speaks through its transport collaborator.
type Protocol uint64

// Uint64 returns the Protocol version as a uint64.
func (p Protocol) Uint64() uint64 {
	return uint64(p)
}

var (
	// SyncProtocol versions the sync request/response vocabulary.
	SyncProtocol Protocol = 1

	// BlockProtocol versions the block data structures.
	BlockProtocol Protocol = 1
)
