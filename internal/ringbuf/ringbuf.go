package ringbuf

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Entry is one timestamped, typed record written into a per-CPU buffer.
// The payload is opaque to the store; only the registered formatter for the
// id interprets it.
type Entry struct {
	ID        uint16
	Timestamp uint64
	Payload   []byte
}

var (
	// ErrClosed is returned by operations on a freed buffer.
	ErrClosed = errors.New("ringbuf: buffer freed")
	// ErrFull is returned by Write when overwrite is disabled and the
	// target ring has no room left.
	ErrFull = errors.New("ringbuf: ring full")
)

// cpuRing is a single circular buffer. head indexes the oldest entry;
// writes land at (head+count)%cap.
type cpuRing struct {
	mu      sync.Mutex
	entries []Entry
	head    int
	count   int
	lost    uint64 // evictions since the last consume
}

// Buffer is a store of independent per-CPU rings sharing one wake channel.
type Buffer struct {
	rings     []*cpuRing
	overwrite bool

	notifyMu sync.Mutex
	notifyCh chan struct{}
	done     chan struct{}
	freed    bool
}

// Alloc creates a store with cpus rings of capacity entries each. With
// overwrite enabled a full ring evicts its oldest entry on write and counts
// it as lost.
func Alloc(cpus, capacity int, overwrite bool) (*Buffer, error) {
	if cpus <= 0 {
		return nil, fmt.Errorf("ringbuf: invalid cpu count %d", cpus)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("ringbuf: invalid capacity %d", capacity)
	}
	b := &Buffer{
		rings:     make([]*cpuRing, cpus),
		overwrite: overwrite,
		notifyCh:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	for i := range b.rings {
		b.rings[i] = &cpuRing{entries: make([]Entry, capacity)}
	}
	return b, nil
}

// Free releases the store and wakes all blocked waiters. Further writes and
// waits fail with ErrClosed.
func (b *Buffer) Free() {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()
	if b.freed {
		return
	}
	b.freed = true
	close(b.done)
}

// CPUs returns the number of per-CPU rings.
func (b *Buffer) CPUs() int { return len(b.rings) }

func (b *Buffer) ring(cpu int) (*cpuRing, error) {
	if cpu < 0 || cpu >= len(b.rings) {
		return nil, fmt.Errorf("ringbuf: no such cpu %d", cpu)
	}
	return b.rings[cpu], nil
}

// Write appends an entry to the given CPU's ring and wakes waiters.
func (b *Buffer) Write(cpu int, e Entry) error {
	r, err := b.ring(cpu)
	if err != nil {
		return err
	}
	b.notifyMu.Lock()
	freed := b.freed
	b.notifyMu.Unlock()
	if freed {
		return ErrClosed
	}

	r.mu.Lock()
	if r.count == len(r.entries) {
		if !b.overwrite {
			r.mu.Unlock()
			return ErrFull
		}
		// Evict the oldest entry to make room; the eviction is
		// reported as a lost event on the next consume.
		r.head = (r.head + 1) % len(r.entries)
		r.count--
		r.lost++
	}
	r.entries[(r.head+r.count)%len(r.entries)] = e
	r.count++
	r.mu.Unlock()

	b.wake()
	return nil
}

// EmptyCPU reports whether the given CPU's ring holds no entries. Unknown
// CPUs read as empty so merge scans can iterate defensively.
func (b *Buffer) EmptyCPU(cpu int) bool {
	r, err := b.ring(cpu)
	if err != nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count == 0
}

// Empty reports whether every ring is empty.
func (b *Buffer) Empty() bool {
	for cpu := range b.rings {
		if !b.EmptyCPU(cpu) {
			return false
		}
	}
	return true
}

// Depth returns the number of buffered entries on a CPU.
func (b *Buffer) Depth(cpu int) int {
	r, err := b.ring(cpu)
	if err != nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Lost returns the evictions accumulated on a CPU since its last consume.
func (b *Buffer) Lost(cpu int) uint64 {
	r, err := b.ring(cpu)
	if err != nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lost
}

// Peek returns the oldest entry on a CPU without consuming it, along with
// the number of entries evicted since the last consume on that CPU.
func (b *Buffer) Peek(cpu int) (Entry, uint64, bool) {
	r, err := b.ring(cpu)
	if err != nil {
		return Entry{}, 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return Entry{}, r.lost, false
	}
	return r.entries[r.head], r.lost, true
}

// Consume removes the oldest entry on a CPU, returning its timestamp and
// the eviction count accumulated since the previous consume. The eviction
// counter resets to zero.
func (b *Buffer) Consume(cpu int) (uint64, uint64, bool) {
	r, err := b.ring(cpu)
	if err != nil {
		return 0, 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return 0, 0, false
	}
	ts := r.entries[r.head].Timestamp
	r.entries[r.head] = Entry{}
	r.head = (r.head + 1) % len(r.entries)
	r.count--
	lost := r.lost
	r.lost = 0
	return ts, lost, true
}

// Wait blocks until any CPU has data, the context is cancelled, or the
// buffer is freed. A nil return only means a wake happened; callers must
// recheck emptiness, since consumers may race the wake.
func (b *Buffer) Wait(ctx context.Context) error {
	b.notifyMu.Lock()
	if b.freed {
		b.notifyMu.Unlock()
		return ErrClosed
	}
	ch := b.notifyCh
	b.notifyMu.Unlock()

	// The channel was captured before this check, so a write landing
	// between the check and the select still wakes us.
	if !b.Empty() {
		return nil
	}

	select {
	case <-ch:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wake releases current waiters by closing the notify channel and arming a
// fresh one.
func (b *Buffer) wake() {
	b.notifyMu.Lock()
	if !b.freed {
		close(b.notifyCh)
		b.notifyCh = make(chan struct{})
	}
	b.notifyMu.Unlock()
}
