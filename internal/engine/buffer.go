package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Buffer and consumer errors.
var (
	ErrConsumerClosed  = errors.New("consumer closed")
	ErrConsumerDropped = errors.New("consumer dropped: backlog limit exceeded")
)

// consumerQueueDepth is the chunk capacity of a consumer's delivery channel.
// The byte-based lag limit is the real backpressure bound; the channel just
// needs enough slack that bursts of small chunks do not trip it first.
const consumerQueueDepth = 512

// RollingBuffer keeps the most recent transcoder output chunks under a byte
// cap, oldest trimmed first. With preserveInitial set, trimming is disabled so
// short alert sounds survive in full for late consumers.
//
// The buffer is mutated only from the owning session's read loop; the mutex
// exists for snapshot readers (priming, stats).
type RollingBuffer struct {
	mu              sync.RWMutex
	chunks          [][]byte
	size            int64
	cap             int64
	preserveInitial bool
}

// NewRollingBuffer creates a buffer with the given byte cap.
func NewRollingBuffer(capBytes int64, preserveInitial bool) *RollingBuffer {
	return &RollingBuffer{
		cap:             capBytes,
		preserveInitial: preserveInitial,
	}
}

// Append adds a chunk and trims oldest-first past the byte cap.
func (b *RollingBuffer) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	b.mu.Lock()
	b.chunks = append(b.chunks, data)
	b.size += int64(len(data))
	if !b.preserveInitial {
		for b.size > b.cap && len(b.chunks) > 1 {
			b.size -= int64(len(b.chunks[0]))
			b.chunks = b.chunks[1:]
		}
	}
	b.mu.Unlock()
}

// Snapshot returns the buffered chunks in emission order.
func (b *RollingBuffer) Snapshot() [][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([][]byte, len(b.chunks))
	copy(out, b.chunks)
	return out
}

// Bytes returns the current buffered byte count.
func (b *RollingBuffer) Bytes() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Reset discards all buffered chunks.
func (b *RollingBuffer) Reset() {
	b.mu.Lock()
	b.chunks = nil
	b.size = 0
	b.mu.Unlock()
}

// Consumer is one reader of a session's output stream. Chunks arrive in
// transcoder-emission order. A consumer that falls further behind than the
// session's lag limit is dropped without affecting its peers.
type Consumer struct {
	ID uuid.UUID

	ch      chan []byte
	pending atomic.Int64
	read    atomic.Int64

	closeOnce sync.Once
	dropped   atomic.Bool
	ended     atomic.Bool
}

func newConsumer() *Consumer {
	return &Consumer{
		ID: uuid.New(),
		ch: make(chan []byte, consumerQueueDepth),
	}
}

// Next returns the next chunk, blocking until one is available, the stream
// ends (ErrConsumerClosed) or the consumer is dropped (ErrConsumerDropped).
func (c *Consumer) Next(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-c.ch:
		if !ok {
			if c.dropped.Load() {
				return nil, ErrConsumerDropped
			}
			return nil, ErrConsumerClosed
		}
		c.pending.Add(-int64(len(data)))
		c.read.Add(int64(len(data)))
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending returns the bytes queued but not yet read by this consumer.
func (c *Consumer) Pending() int64 {
	return c.pending.Load()
}

// BytesRead returns the total bytes delivered to this consumer.
func (c *Consumer) BytesRead() int64 {
	return c.read.Load()
}

// offer enqueues a chunk. Returns false when the consumer cannot keep up and
// must be dropped.
func (c *Consumer) offer(data []byte, lagLimit int64) bool {
	if c.ended.Load() {
		return true
	}
	if c.pending.Load()+int64(len(data)) > lagLimit {
		return false
	}
	select {
	case c.ch <- data:
		c.pending.Add(int64(len(data)))
		return true
	default:
		// Queue full counts as lagging regardless of byte total.
		return false
	}
}

// end closes the consumer gracefully: queued chunks remain readable and Next
// reports ErrConsumerClosed afterwards.
func (c *Consumer) end() {
	c.ended.Store(true)
	c.closeOnce.Do(func() { close(c.ch) })
}

// destroy closes the consumer immediately, discarding queued chunks.
func (c *Consumer) destroy(asDrop bool) {
	if asDrop {
		c.dropped.Store(true)
	}
	c.ended.Store(true)
	c.closeOnce.Do(func() {
		close(c.ch)
		for range c.ch {
			// Drain so queued slices are released.
		}
	})
}

// consumerSet is a session's live consumer fan-out. Broadcast never blocks on
// a slow member; it drops the member instead.
type consumerSet struct {
	mu        sync.Mutex
	consumers map[uuid.UUID]*Consumer
	drops     atomic.Int64
}

func newConsumerSet() *consumerSet {
	return &consumerSet{consumers: make(map[uuid.UUID]*Consumer)}
}

func (s *consumerSet) add(c *Consumer) {
	s.mu.Lock()
	s.consumers[c.ID] = c
	s.mu.Unlock()
}

func (s *consumerSet) remove(id uuid.UUID) {
	s.mu.Lock()
	delete(s.consumers, id)
	s.mu.Unlock()
}

func (s *consumerSet) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumers)
}

func (s *consumerSet) dropCount() int64 {
	return s.drops.Load()
}

// broadcast delivers a chunk to every live consumer, evicting the ones whose
// backlog exceeds lagLimit.
func (s *consumerSet) broadcast(data []byte, lagLimit int64) {
	s.mu.Lock()
	var evicted []*Consumer
	for id, c := range s.consumers {
		if !c.offer(data, lagLimit) {
			delete(s.consumers, id)
			evicted = append(evicted, c)
		}
	}
	s.mu.Unlock()

	for _, c := range evicted {
		c.destroy(true)
		s.drops.Add(1)
	}
}

// closeAll ends every consumer. With discard set, queued chunks are thrown
// away instead of delivered.
func (s *consumerSet) closeAll(discard bool) {
	s.mu.Lock()
	consumers := make([]*Consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.consumers = make(map[uuid.UUID]*Consumer)
	s.mu.Unlock()

	for _, c := range consumers {
		if discard {
			c.destroy(false)
		} else {
			c.end()
		}
	}
}
