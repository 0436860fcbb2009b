package presence

import (
	"sync"
	"time"
)

// DefaultGracePeriod is how long a user stays online after their last
// connection closes, absorbing fast reconnects such as a page reload.
const DefaultGracePeriod = 3 * time.Second

// Tracker counts open connections per user and debounces the transition to
// offline. It holds no persistence; counts rebuild as connections register
// after a restart.
type Tracker struct {
	mu      sync.Mutex
	grace   time.Duration
	counts  map[string]int
	pending map[string]*time.Timer
}

// NewTracker constructs a Tracker with the given grace period.
func NewTracker(grace time.Duration) *Tracker {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Tracker{
		grace:   grace,
		counts:  make(map[string]int),
		pending: make(map[string]*time.Timer),
	}
}

// Connect registers one connection for the user and returns the distinct
// online-user count. A pending disconnect timer for the user is cancelled
// and the count reset to one, matching a reload of the user's only tab.
func (t *Tracker) Connect(userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.pending[userID]; ok {
		timer.Stop()
		delete(t.pending, userID)
		t.counts[userID] = 1
	} else {
		t.counts[userID]++
	}
	return len(t.counts)
}

// Disconnect deregisters one connection. When other connections remain it
// returns the online count and true, meaning the caller should broadcast
// now. When the last connection closed it starts the grace timer and
// returns false; onOffline runs with the updated count only if the window
// elapses without a reconnect. Unknown users are a no-op.
func (t *Tracker) Disconnect(userID string, onOffline func(online int)) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := t.counts[userID]
	if count == 0 {
		return len(t.counts), false
	}

	if count > 1 {
		t.counts[userID] = count - 1
		return len(t.counts), true
	}

	// Cancel-and-replace: at most one timer per user.
	if prev, ok := t.pending[userID]; ok {
		prev.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(t.grace, func() {
		t.mu.Lock()
		if t.pending[userID] != timer {
			t.mu.Unlock()
			return
		}
		delete(t.pending, userID)
		if t.counts[userID] != 1 {
			t.mu.Unlock()
			return
		}
		delete(t.counts, userID)
		online := len(t.counts)
		t.mu.Unlock()

		if onOffline != nil {
			onOffline(online)
		}
	})
	t.pending[userID] = timer
	return len(t.counts), false
}

// Online returns the distinct online-user count.
func (t *Tracker) Online() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counts)
}

// Connections returns how many open connections the user has.
func (t *Tracker) Connections(userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[userID]
}

// PendingOffline reports whether the user has a running grace timer.
func (t *Tracker) PendingOffline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[userID]
	return ok
}
