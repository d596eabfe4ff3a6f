package logs

import (
	"sync"

	"github.com/narvanalabs/sandbox-plane/internal/models"
)

// DefaultTailLines is the default number of recent entries kept per target.
const DefaultTailLines = 500

// Tail is a bounded buffer of the most recent log entries.
type Tail struct {
	mu       sync.RWMutex
	entries  []*models.LogEntry
	maxLines int
}

// NewTail creates a tail holding at most maxLines entries.
func NewTail(maxLines int) *Tail {
	if maxLines <= 0 {
		maxLines = DefaultTailLines
	}
	return &Tail{maxLines: maxLines}
}

// Add appends entry, evicting the oldest tenth when full.
func (t *Tail) Add(entry *models.LogEntry) {
	if entry == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) >= t.maxLines {
		removeCount := t.maxLines / 10
		if removeCount < 1 {
			removeCount = 1
		}
		t.entries = append(t.entries[:0:0], t.entries[removeCount:]...)
	}
	t.entries = append(t.entries, entry)
}

// All returns a copy of the buffered entries, oldest first.
func (t *Tail) All() []*models.LogEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*models.LogEntry, len(t.entries))
	copy(result, t.entries)
	return result
}

// Len returns the number of buffered entries.
func (t *Tail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
