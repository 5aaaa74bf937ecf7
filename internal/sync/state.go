package sync

import (
	"fmt"
	"sync"
)

// StateKind enumerates the engine's externally visible states.
type StateKind int

const (
	StateIdle StateKind = iota
	StateInitialSync
	StateFollowUpSync
	StateFailedToSync
)

func (k StateKind) String() string {
	switch k {
	case StateInitialSync:
		return "initial sync"
	case StateFollowUpSync:
		return "follow-up sync"
	case StateFailedToSync:
		return "failed to sync"
	default:
		return "idle"
	}
}

// State is a snapshot of what the engine is doing.
type State struct {
	Kind StateKind

	// Message is the progress text of an initial sync.
	Message string

	// Args and Background describe a follow-up sync.
	Args       SyncArgs
	Background bool

	// Err is the cause of a failed sync.
	Err error
}

func (s State) String() string {
	switch s.Kind {
	case StateInitialSync:
		return fmt.Sprintf("%s: %s", s.Kind, s.Message)
	case StateFailedToSync:
		return fmt.Sprintf("%s: %v", s.Kind, s.Err)
	default:
		return s.Kind.String()
	}
}

// StateCell holds the current [State] and fans updates out to subscribers.
// Subscribers see the latest value; intermediate values may be skipped when
// a subscriber falls behind. Create one with [NewStateCell].
type StateCell struct {
	mu   sync.Mutex
	cur  State
	subs map[int]chan State
	next int
}

// NewStateCell returns a cell in the Idle state.
func NewStateCell() *StateCell {
	return &StateCell{subs: make(map[int]chan State)}
}

// Current returns the latest state.
func (c *StateCell) Current() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

// Subscribe returns a channel that first yields the current state and then
// every later update, plus a function that ends the subscription and closes
// the channel.
func (c *StateCell) Subscribe() (<-chan State, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.next
	c.next++
	ch := make(chan State, 1)
	ch <- c.cur
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs, id)
			close(ch)
		})
	}
}

// set publishes s. A subscriber holding an unread value has it replaced.
func (c *StateCell) set(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cur = s
	for _, ch := range c.subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- s
		}
	}
}
