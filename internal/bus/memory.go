package bus

import (
	"sync"
)

const subscriberBuffer = 64

// MemoryBus is the single-process fan-out. Subscribers get a buffered
// channel; a subscriber that falls behind loses events rather than
// blocking publishers, which is safe because streams reconcile from
// store snapshots.
type MemoryBus struct {
	mu      sync.Mutex
	subs    map[string][]chan Event
	cancels map[string]struct{}
	closed  bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:    make(map[string][]chan Event),
		cancels: make(map[string]struct{}),
	}
}

func (b *MemoryBus) Publish(taskID string, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[taskID] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(taskID string) (*Subscription, error) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subs[taskID] = append(b.subs[taskID], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		chans := b.subs[taskID]
		for i, c := range chans {
			if c == ch {
				b.subs[taskID] = append(chans[:i], chans[i+1:]...)
				close(ch)
				break
			}
		}
		if len(b.subs[taskID]) == 0 {
			delete(b.subs, taskID)
		}
	}
	return &Subscription{C: ch, cancel: cancel}, nil
}

func (b *MemoryBus) RequestCancel(taskID string) error {
	b.mu.Lock()
	b.cancels[taskID] = struct{}{}
	b.mu.Unlock()
	// Emit a line so attached streams log it immediately.
	return b.Publish(taskID, Event{"message": "Cancel requested", "taskId": taskID})
}

func (b *MemoryBus) IsCancelled(taskID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.cancels[taskID]
	return ok
}

func (b *MemoryBus) ClearCancel(taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cancels, taskID)
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
		delete(b.subs, id)
	}
	return nil
}
