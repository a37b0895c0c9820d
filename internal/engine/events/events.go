package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rfbdl/rfbdl/internal/engine/types"
)

// ProgressMsg represents a progress update from a transfer
type ProgressMsg struct {
	TaskID     string
	Name       string
	Percent    float64 // 0-100
	Downloaded int64   // bytes on disk
	Total      int64   // expected size, 0 when unknown
	Speed      float64 // bytes per second over the whole session
	ETA        time.Duration
	ETAKnown   bool
}

// StatusMsg signals a status transition. A Downloading -> Downloading
// message carries a new Detail (for example the retry attempt).
type StatusMsg struct {
	TaskID string
	Name   string
	Status types.Status
	Detail string
	Err    string // set only when Status is Failed
}

// TaskAddedMsg is sent when the manager inserts a task into its live set
type TaskAddedMsg struct {
	TaskID string
	Bucket string
	Name   string
	Status types.Status
}

// TasksClearedMsg lists the tasks dropped by a prune
type TasksClearedMsg struct {
	TaskIDs []string
}

// Bus fans published messages out to subscribers. Publish never blocks:
// a subscriber whose buffer is full misses the message.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan any
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan any)}
}

// Subscribe registers a subscriber with the given buffer. The returned
// function unsubscribes and closes the channel; it is safe to call twice.
func (b *Bus) Subscribe(buf int) (<-chan any, func()) {
	if buf <= 0 {
		buf = types.EventChannelBuffer
	}
	ch := make(chan any, buf)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers msg to every subscriber with room in its buffer.
func (b *Bus) Publish(msg any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later subscribers get a closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
