package behaviour_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silkchain/silksync/behaviour"
	"github.com/silkchain/silksync/types"
)

// TestMockReporter tests the MockReporter's ability to store reported peer
// behaviours in memory indexed by the peerID.
func TestMockReporter(t *testing.T) {
	var peerID types.PeerID = "MockPeer"
	pr := behaviour.NewMockReporter()

	behaviours := pr.GetBehaviours(peerID)
	assert.Empty(t, behaviours)

	badMessage := behaviour.BadBlockResponse(peerID, "bad message")
	err := pr.Report(badMessage)
	require.NoError(t, err)

	behaviours = pr.GetBehaviours(peerID)
	require.Len(t, behaviours, 1)
	assert.Equal(t, badMessage, behaviours[0])
	assert.True(t, behaviours[0].Reason().Fatal())
}

type scriptItem struct {
	peerID    types.PeerID
	behaviour behaviour.PeerBehaviour
}

// TestMockReporterConcurrency sends a number of behaviours in parallel and
// ensures all of them are stored.
func TestMockReporterConcurrency(t *testing.T) {
	behaviourScript := []struct {
		peerID     types.PeerID
		behaviours []behaviour.PeerBehaviour
	}{
		{
			peerID: "1",
			behaviours: []behaviour.PeerBehaviour{
				behaviour.GoodBlockResponse("1"),
			},
		},
		{
			peerID: "2",
			behaviours: []behaviour.PeerBehaviour{
				behaviour.GoodBlockResponse("2"),
				behaviour.SlowPeer("2", "block request"),
				behaviour.ExhaustedRetries("2"),
			},
		},
		{
			peerID: "3",
			behaviours: []behaviour.PeerBehaviour{
				behaviour.BadBlockResponse("3", "nonsequential numbers"),
				behaviour.RefusedRequest("3", "justifications"),
				behaviour.ConsensusInvalidBlock("3", "bad seal"),
			},
		},
	}

	var receiveWg sync.WaitGroup
	pr := behaviour.NewMockReporter()
	scriptItems := make(chan scriptItem)
	done := make(chan int)
	numConsumers := 3
	for i := 0; i < numConsumers; i++ {
		receiveWg.Add(1)
		go func() {
			defer receiveWg.Done()
			for {
				select {
				case pb := <-scriptItems:
					if err := pr.Report(pb.behaviour); err != nil {
						t.Error(err)
					}
				case <-done:
					return
				}
			}
		}()
	}

	var sendingWg sync.WaitGroup
	sendingWg.Add(1)
	go func() {
		defer sendingWg.Done()
		for _, item := range behaviourScript {
			for _, reason := range item.behaviours {
				scriptItems <- scriptItem{item.peerID, reason}
			}
		}
	}()

	sendingWg.Wait()
	close(done)
	receiveWg.Wait()

	for _, items := range behaviourScript {
		reported := pr.GetBehaviours(items.peerID)
		assert.Len(t, reported, len(items.behaviours))
		for _, behaviour := range items.behaviours {
			assert.Contains(t, reported, behaviour)
		}
	}
}
