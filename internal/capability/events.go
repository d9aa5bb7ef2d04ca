package capability

import (
	"sync"
	"time"
)

const EventCapabilityChanged = "CAPABILITY_CHANGED"

// Event describes one effective-value change, published to in-process
// subscribers after the write lands in the store.
type Event struct {
	Type  string    `json:"type"`
	Path  string    `json:"path"`
	OrgID string    `json:"org_id,omitempty"`
	Old   bool      `json:"old"`
	New   bool      `json:"new"`
	TS    time.Time `json:"ts"`
}

// Notifier fans events out to subscribers. Sends never block: a subscriber
// that stops draining its channel misses events instead of stalling writes.
type Notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of future events and a cancel func that
// unsubscribes and closes the channel.
func (n *Notifier) Subscribe() (<-chan Event, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]chan Event)
	}
	id := n.nextID
	n.nextID++
	ch := make(chan Event, 8)
	n.subs[id] = ch
	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if sub, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (n *Notifier) Publish(ev Event) {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
