package notifier

import (
	"sync"
	"time"
)

const defaultHistory = 20

// Entry is one recorded dispatch.
type Entry struct {
	Time           time.Time
	Type           string
	Path           Path
	Attempted      int
	Delivered      int
	NotificationID string
	ScheduledFor   time.Time
}

// History is a fixed-size ring of recent dispatches.
type History struct {
	mu   sync.Mutex
	buf  []Entry
	next int
	full bool
}

func NewHistory(n int) *History {
	if n <= 0 {
		n = defaultHistory
	}
	return &History{buf: make([]Entry, n)}
}

func (h *History) Add(e Entry) {
	h.mu.Lock()
	h.buf[h.next] = e
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
	h.mu.Unlock()
}

// Recent returns up to n entries, newest first.
func (h *History) Recent(n int) []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	size := h.next
	if h.full {
		size = len(h.buf)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Entry, 0, n)
	for i := 1; i <= n; i++ {
		idx := (h.next - i + len(h.buf)) % len(h.buf)
		out = append(out, h.buf[idx])
	}
	return out
}
