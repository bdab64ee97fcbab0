package types

// PeerID is a hex-encoded unique identifier for a remote peer, assigned by
// the transport on connection. It stays opaque to the sync engine.
type PeerID string

func (id PeerID) String() string { return string(id) }
