package behaviour

import (
	"sync"

	"github.com/silkchain/silksync/libs/log"
	"github.com/silkchain/silksync/types"
)

// Reporter provides an interface for the sync engine to report the behaviour
// of peers synchronously to other components (reputation tracking, transport
// bans, test assertions).
type Reporter interface {
	Report(behaviour PeerBehaviour) error
}

// LogReporter writes every reported behaviour to a logger. It is the default
// reporter when the embedding node wires nothing else.
type LogReporter struct {
	logger log.Logger
}

// NewLogReporter returns a Reporter that logs reports at Info level for
// fatal reasons and Debug otherwise.
func NewLogReporter(logger log.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

// Report logs the behaviour.
func (lr *LogReporter) Report(behaviour PeerBehaviour) error {
	if behaviour.Reason().Fatal() {
		lr.logger.Info("peer behaviour", "peer", behaviour.PeerID(), "reason", behaviour.Reason().String())
	} else {
		lr.logger.Debug("peer behaviour", "peer", behaviour.PeerID(), "reason", behaviour.Reason().String())
	}
	return nil
}

// MockReporter is a concrete implementation of the Reporter interface used in
// tests to assert that the engine reports the correct behaviour in
// manufactured scenarios.
type MockReporter struct {
	mtx sync.RWMutex
	pb  map[types.PeerID][]PeerBehaviour
}

// NewMockReporter returns a Reporter which records all reported behaviours in
// memory.
func NewMockReporter() *MockReporter {
	return &MockReporter{
		pb: map[types.PeerID][]PeerBehaviour{},
	}
}

// Report stores the behaviour produced by the peer identified by peerID.
func (mr *MockReporter) Report(behaviour PeerBehaviour) error {
	mr.mtx.Lock()
	defer mr.mtx.Unlock()
	mr.pb[behaviour.PeerID()] = append(mr.pb[behaviour.PeerID()], behaviour)

	return nil
}

// GetBehaviours returns all behaviours reported on the peer identified by
// peerID.
func (mr *MockReporter) GetBehaviours(peerID types.PeerID) []PeerBehaviour {
	mr.mtx.RLock()
	defer mr.mtx.RUnlock()
	if items, ok := mr.pb[peerID]; ok {
		result := make([]PeerBehaviour, len(items))
		copy(result, items)

		return result
	}

	return []PeerBehaviour{}
}
