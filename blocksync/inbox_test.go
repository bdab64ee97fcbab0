package blocksync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silkchain/silksync/libs/log"
)

func TestInboxServesHighPriorityFirst(t *testing.T) {
	ib := newInbox("test", 10, log.TestingLogger())
	ib.start()
	defer ib.stop()

	// Enqueued in deliberately unfavourable order: the low-priority tick
	// first, the high-priority failure and removal last.
	require.True(t, ib.send(tickEv{time: time.Unix(0, 0)}))
	require.True(t, ib.send(responseEv{peerID: "p1", requestID: 1, resp: &BlockResponse{}}))
	require.True(t, ib.send(failureEv{peerID: "p1", requestID: 2, kind: FailTimeout}))
	require.True(t, ib.send(removePeerEv{peerID: "p2"}))

	var order []Event
	for i := 0; i < 4; i++ {
		ev, err := ib.receive()
		require.NoError(t, err)
		order = append(order, ev)
	}

	// Failures and peer removals overtake everything else; the tick drains
	// last. The two high-priority events keep no defined order between them.
	for _, ev := range order[:2] {
		switch ev.(type) {
		case failureEv, removePeerEv:
		default:
			t.Fatalf("expected a high-priority event first, got %T", ev)
		}
	}
	assert.NotEqual(t, order[0], order[1])
	assert.IsType(t, responseEv{}, order[2])
	assert.IsType(t, tickEv{}, order[3])
}

func TestInboxRejectsAfterStop(t *testing.T) {
	ib := newInbox("test", 10, log.TestingLogger())

	// Not started yet.
	assert.False(t, ib.send(tickEv{time: time.Unix(0, 0)}))

	ib.start()
	require.True(t, ib.send(tickEv{time: time.Unix(0, 0)}))

	ib.stop()
	assert.False(t, ib.send(tickEv{time: time.Unix(0, 0)}))
	_, err := ib.receive()
	assert.Error(t, err)
}
