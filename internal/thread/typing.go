package thread

import (
	"sort"
	"sync"
	"time"
)

// typingSet tracks which users are currently typing. Every entry carries an
// expiry timer that is reset on refresh; entries vanish on an explicit off
// event, on expiry, or when the connection drops. The local user never
// appears in the set.
type typingSet struct {
	mu       sync.Mutex
	debounce time.Duration
	timers   map[string]*time.Timer
	expired  func(userID string) // fired off the timer goroutine on expiry
}

func newTypingSet(debounce time.Duration, expired func(string)) *typingSet {
	return &typingSet{
		debounce: debounce,
		timers:   make(map[string]*time.Timer),
		expired:  expired,
	}
}

// set turns a user's indicator on or off. Returns true when the visible set
// changed.
func (t *typingSet) set(userID string, isTyping bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !isTyping {
		timer, ok := t.timers[userID]
		if !ok {
			return false
		}
		timer.Stop()
		delete(t.timers, userID)
		return true
	}
	if timer, ok := t.timers[userID]; ok {
		timer.Reset(t.debounce)
		return false
	}
	t.timers[userID] = time.AfterFunc(t.debounce, func() { t.expire(userID) })
	return true
}

func (t *typingSet) expire(userID string) {
	t.mu.Lock()
	_, ok := t.timers[userID]
	if ok {
		delete(t.timers, userID)
	}
	t.mu.Unlock()
	if ok && t.expired != nil {
		t.expired(userID)
	}
}

// users returns the current typing users, sorted for stable snapshots.
func (t *typingSet) users() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.timers))
	for id := range t.timers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// clear stops all timers and empties the set. Returns true if it was
// non-empty.
func (t *typingSet) clear() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.timers) == 0 {
		return false
	}
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
	return true
}
