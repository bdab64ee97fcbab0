package blocksync

import (
	"fmt"
	"sync/atomic"

	"github.com/Workiva/go-datastructures/queue"

	"github.com/silkchain/silksync/libs/log"
)

// inbox serializes events from transport callbacks, the import queue and
// the tick timer into the engine's single consumer loop. It wraps a
// priority queue so peer removals and failures overtake queued responses.
type inbox struct {
	name    string
	queue   *queue.PriorityQueue
	running *uint32
	logger  log.Logger
}

func newInbox(name string, bufferSize int, logger log.Logger) *inbox {
	return &inbox{
		name:    name,
		queue:   queue.NewPriorityQueue(bufferSize, true),
		running: new(uint32),
		logger:  logger,
	}
}

func (ib *inbox) start() {
	if !atomic.CompareAndSwapUint32(ib.running, uint32(0), uint32(1)) {
		panic(fmt.Sprintf("%s is already running", ib.name))
	}
}

func (ib *inbox) isRunning() bool {
	return atomic.LoadUint32(ib.running) == 1
}

// send enqueues an event. Returns false when the inbox is not accepting
// events (not started yet, or stopped).
func (ib *inbox) send(event Event) bool {
	if !ib.isRunning() {
		return false
	}
	if err := ib.queue.Put(event); err != nil {
		ib.logger.Error(fmt.Sprintf("%s: send failed, queue was stopped", ib.name))
		return false
	}
	return true
}

// receive blocks until an event is available. Returns queue.ErrDisposed
// once the inbox has been stopped and drained.
func (ib *inbox) receive() (Event, error) {
	events, err := ib.queue.Get(1)
	if err != nil {
		return nil, err
	}
	return events[0].(Event), nil
}

// stop concludes processing: no further sends are accepted, queued events
// are discarded and receive returns ErrDisposed.
func (ib *inbox) stop() {
	if !atomic.CompareAndSwapUint32(ib.running, uint32(1), uint32(0)) {
		return
	}
	ib.queue.Dispose()
}
