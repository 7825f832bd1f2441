package logger

import (
	"sync"
	"time"
)

// DefaultBufferCapacity is the number of entries the shared buffer retains
const DefaultBufferCapacity = 100

// Level is the severity of a log entry
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Entry is a single structured log record retained in the buffer
type Entry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Level     Level                  `json:"level"`
	Message   string                 `json:"message"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// Buffer is a bounded, insertion-ordered tail of log entries.
// Once full, each append evicts the oldest entry.
type Buffer struct {
	mu          sync.Mutex
	capacity    int
	entries     []Entry
	subscribers map[int]chan Entry
	nextSubID   int
}

// NewBuffer creates a buffer holding at most capacity entries
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &Buffer{
		capacity:    capacity,
		entries:     make([]Entry, 0, capacity),
		subscribers: make(map[int]chan Entry),
	}
}

// Append adds an entry, evicting the oldest one on overflow, and fans it
// out to subscribers. Slow subscribers miss entries rather than block.
func (b *Buffer) Append(entry Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == b.capacity {
		copy(b.entries, b.entries[1:])
		b.entries = b.entries[:b.capacity-1]
	}
	b.entries = append(b.entries, entry)

	for _, ch := range b.subscribers {
		select {
		case ch <- entry:
		default:
		}
	}
}

// Entries returns a snapshot of the buffer, oldest first
func (b *Buffer) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Len returns the number of retained entries
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Capacity returns the maximum number of retained entries
func (b *Buffer) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// Resize changes the capacity, keeping the newest entries when shrinking.
// Non-positive values restore DefaultBufferCapacity.
func (b *Buffer) Resize(capacity int) {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.entries
	if len(kept) > capacity {
		kept = kept[len(kept)-capacity:]
	}
	entries := make([]Entry, len(kept), capacity)
	copy(entries, kept)
	b.entries = entries
	b.capacity = capacity
}

// Reset drops all retained entries. Subscribers stay registered.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = b.entries[:0]
}

// Subscribe registers a live tail. The returned cancel func unregisters
// it and closes the channel.
func (b *Buffer) Subscribe(size int) (<-chan Entry, func()) {
	if size <= 0 {
		size = 16
	}

	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	ch := make(chan Entry, size)
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

var sharedBuffer = NewBuffer(DefaultBufferCapacity)

// SharedBuffer returns the process-wide buffer every logger appends to
// unless configured otherwise
func SharedBuffer() *Buffer {
	return sharedBuffer
}

// GetRecentLogs returns the process-wide buffer contents, oldest first
func GetRecentLogs() []Entry {
	return sharedBuffer.Entries()
}

// ResetBuffer clears the process-wide buffer
func ResetBuffer() {
	sharedBuffer.Reset()
}
