package blocksync

import "errors"

// ErrExhaustedRetries is returned by the request sizer once every block
// count from the configured maximum down to 1 has been tried against a peer
// for the same span start. The caller treats it as a real peer failure, not
// a sizing problem.
var ErrExhaustedRetries = errors.New("exhausted request sizes for span")

var (
	errPeerUnknown  = errors.New("peer not in sync table")
	errNotRunning   = errors.New("sync engine is not running")
	errInboxStopped = errors.New("sync engine inbox is stopped")

	// response validation
	errEmptyResponse         = errors.New("empty block response")
	errMissingHeader         = errors.New("block data missing header")
	errWrongStartBlock       = errors.New("response does not start at the requested block")
	errNonSequentialResponse = errors.New("response numbers are not sequential")
	errResponseNotChain      = errors.New("response blocks do not form a chain")
	errExceedsRequestedMax   = errors.New("response contains more blocks than requested")
	errHashMismatch          = errors.New("block data hash does not match its header")
	errMissingJustification  = errors.New("response missing requested justification")
)
