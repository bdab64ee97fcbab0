package behaviour

import (
	"fmt"

	"github.com/silkchain/silksync/types"
)

// PeerBehaviour describes something a peer did: either grounds for a drop or
// evidence of good service. peerID identifies the peer and reason
// characterizes the specific behaviour.
type PeerBehaviour struct {
	peerID types.PeerID
	reason Reason
}

// PeerID returns the peer the behaviour belongs to.
func (pb PeerBehaviour) PeerID() types.PeerID { return pb.peerID }

// Reason returns the behaviour's reason.
func (pb PeerBehaviour) Reason() Reason { return pb.reason }

// Reason is the closed set of behaviour reasons reported by the sync engine.
type Reason interface {
	fmt.Stringer
	// Fatal reports whether the behaviour must terminate the peer
	// relationship.
	Fatal() bool
}

type goodBlockResponse struct{}

func (goodBlockResponse) String() string { return "useful block response" }
func (goodBlockResponse) Fatal() bool    { return false }

// GoodBlockResponse marks a peer that served a usable block response.
func GoodBlockResponse(peerID types.PeerID) PeerBehaviour {
	return PeerBehaviour{peerID: peerID, reason: goodBlockResponse{}}
}

type slowPeer struct {
	explanation string
}

func (r slowPeer) String() string { return "slow peer: " + r.explanation }
func (slowPeer) Fatal() bool      { return false }

// SlowPeer marks a peer whose request timed out. Not fatal by itself; the
// strategy decides when accumulated timeouts become a drop.
func SlowPeer(peerID types.PeerID, explanation string) PeerBehaviour {
	return PeerBehaviour{peerID: peerID, reason: slowPeer{explanation}}
}

type refusedRequest struct {
	explanation string
}

func (r refusedRequest) String() string { return "refused request: " + r.explanation }
func (refusedRequest) Fatal() bool      { return true }

// RefusedRequest marks a peer that refused to serve a request type.
func RefusedRequest(peerID types.PeerID, explanation string) PeerBehaviour {
	return PeerBehaviour{peerID: peerID, reason: refusedRequest{explanation}}
}

type unsupportedProtocol struct {
	explanation string
}

func (r unsupportedProtocol) String() string { return "unsupported protocol: " + r.explanation }
func (unsupportedProtocol) Fatal() bool      { return true }

// UnsupportedProtocol marks a peer that does not speak the request protocol.
func UnsupportedProtocol(peerID types.PeerID, explanation string) PeerBehaviour {
	return PeerBehaviour{peerID: peerID, reason: unsupportedProtocol{explanation}}
}

type badBlockResponse struct {
	explanation string
}

func (r badBlockResponse) String() string { return "bad block response: " + r.explanation }
func (badBlockResponse) Fatal() bool      { return true }

// BadBlockResponse marks a peer that returned a malformed or non-chain
// response. Always fatal: data-validity violations are a correctness
// boundary, not a performance one.
func BadBlockResponse(peerID types.PeerID, explanation string) PeerBehaviour {
	return PeerBehaviour{peerID: peerID, reason: badBlockResponse{explanation}}
}

type consensusInvalidBlock struct {
	explanation string
}

func (r consensusInvalidBlock) String() string { return "consensus-invalid block: " + r.explanation }
func (consensusInvalidBlock) Fatal() bool      { return true }

// ConsensusInvalidBlock marks a peer that supplied a block the import queue
// rejected as invalid.
func ConsensusInvalidBlock(peerID types.PeerID, explanation string) PeerBehaviour {
	return PeerBehaviour{peerID: peerID, reason: consensusInvalidBlock{explanation}}
}

type exhaustedRetries struct{}

func (exhaustedRetries) String() string { return "exhausted retry sizes" }
func (exhaustedRetries) Fatal() bool    { return false }

// ExhaustedRetries marks a peer that timed out on every request size down to
// a single block. Counted as a network-level failure.
func ExhaustedRetries(peerID types.PeerID) PeerBehaviour {
	return PeerBehaviour{peerID: peerID, reason: exhaustedRetries{}}
}
