package chatclient

import (
	"sync"
	"time"
)

const typingNotifyDebounce = 2 * time.Second

// typingNotifier debounces outbound typing signals so continuous keystrokes
// cost at most one active=true envelope per debounce window per room.
type typingNotifier struct {
	mu     sync.Mutex
	lastBy map[string]time.Time // room id -> last active=true sent
}

func newTypingNotifier() *typingNotifier {
	return &typingNotifier{lastBy: make(map[string]time.Time)}
}

// shouldSend reports whether an active=true signal is due for the room and,
// when it is, records the send.
func (t *typingNotifier) shouldSend(roomID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if last, ok := t.lastBy[roomID]; ok && now.Sub(last) < typingNotifyDebounce {
		return false
	}
	t.lastBy[roomID] = now
	return true
}

// clear drops the debounce state for a room (on explicit stop or leave, so the
// next keystroke signals immediately).
func (t *typingNotifier) clear(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastBy, roomID)
}
