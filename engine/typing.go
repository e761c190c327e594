package engine

import (
	"sort"
	"sync"
	"time"
)

// DefaultTypingWindow is how long a local typing:start stays in effect
// before the automatic typing:stop.
const DefaultTypingWindow = 3 * time.Second

// typingTracker keeps the ephemeral "who is typing" state. Local typing is
// time-boxed: one start, then a stop after the window regardless of further
// keystrokes (no debounce extension, a documented coarseness). Remote
// entries are added and removed purely on the peer's events.
type typingTracker struct {
	mu     sync.Mutex
	window time.Duration

	// emit sends typing:start / typing:stop for a conversation.
	emit func(conversationID string, start bool)

	localActive bool
	localConv   string
	timer       *time.Timer

	// conversation id -> set of remote user ids currently typing
	remote map[string]map[string]bool
}

func newTypingTracker(window time.Duration, emit func(conversationID string, start bool)) *typingTracker {
	if window <= 0 {
		window = DefaultTypingWindow
	}
	return &typingTracker{
		window: window,
		emit:   emit,
		remote: make(map[string]map[string]bool),
	}
}

// ping is called on every local keystroke. Only the first one inside the
// window emits anything.
func (t *typingTracker) ping(conversationID string) {
	t.mu.Lock()
	if t.localActive {
		t.mu.Unlock()
		return
	}
	t.localActive = true
	t.localConv = conversationID
	t.timer = time.AfterFunc(t.window, t.expire)
	t.mu.Unlock()

	t.emit(conversationID, true)
}

func (t *typingTracker) expire() {
	t.mu.Lock()
	if !t.localActive {
		t.mu.Unlock()
		return
	}
	t.localActive = false
	conv := t.localConv
	t.mu.Unlock()

	t.emit(conv, false)
}

// stop cancels local typing early, used when the active conversation
// switches so the stop lands in the room it started in.
func (t *typingTracker) stop() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	active := t.localActive
	t.localActive = false
	conv := t.localConv
	t.mu.Unlock()

	if active {
		t.emit(conv, false)
	}
}

func (t *typingTracker) localTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localActive
}

// applyRemote records a remote user's typing intent for a conversation.
// There is no local expiry of remote entries; the peer is trusted to send
// its stop.
func (t *typingTracker) applyRemote(conversationID, userID string, isTyping bool) {
	if conversationID == "" || userID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.remote[conversationID]
	if isTyping {
		if set == nil {
			set = make(map[string]bool)
			t.remote[conversationID] = set
		}
		set[userID] = true
		return
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(t.remote, conversationID)
	}
}

// typingUsers lists remote users typing in a conversation, sorted for
// deterministic display.
func (t *typingTracker) typingUsers(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.remote[conversationID]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
