package trace

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xiaokunge/kernel-kprobe-memleak/internal/ringbuf"
)

// ErrWouldBlock is returned by non-blocking reads on an empty store. It is
// an expected outcome, not a failure; callers retry.
var ErrWouldBlock = errors.New("trace: read would block")

// cursor is the transient per-fill-cycle state of a session. It is
// re-initialized at the start of every fill so stale entries from a
// previous cycle can never leak into the next one.
type cursor struct {
	ent  ringbuf.Entry
	cpu  int
	ts   uint64
	lost uint64
	ok   bool
}

// Session is one open handle on the trace stream. Each session has its own
// seq buffer and mutex; the underlying record stream is shared and
// destructive, so records are delivered to whichever session consumes them
// first.
type Session struct {
	id  uuid.UUID
	sub *Subsystem

	// mu serializes read calls on this handle. It is dropped while the
	// session blocks waiting for data.
	mu  sync.Mutex
	seq *Seq
	cur cursor
}

// ID returns the session's identifier, used in logs and stats.
func (s *Session) ID() uuid.UUID { return s.id }

// Close releases the session. The shared store and other sessions are
// unaffected.
func (s *Session) Close() {
	s.sub.sessions.Add(-1)
	s.sub.metrics.sessions.Dec()
	s.sub.logger.Debug("trace session closed", zap.String("session", s.id.String()))
}

// Read fills p with formatted trace text and returns the number of bytes
// copied. Semantics follow a non-seekable streaming read:
//
//   - leftover text formatted on a previous call is delivered first,
//     without touching the store;
//   - on an empty store a blocking read waits for data (releasing the
//     session lock while blocked) and a non-blocking one fails with
//     ErrWouldBlock;
//   - a zero count means "no data right now", never end of stream;
//   - context cancellation aborts a blocked wait without consuming
//     anything.
func (s *Session) Read(ctx context.Context, p []byte, block bool) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Deliver what an earlier call formatted but could not fit into its
	// caller's buffer.
	if n := s.seq.ReadTo(p); n > 0 {
		return n, nil
	}
	s.seq.Reset()

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := s.waitPipe(ctx, block); err != nil {
			return 0, err
		}
		// Producers may race the wake; with nothing to format the
		// stream is temporarily exhausted, not closed.
		if s.sub.store.Empty() {
			return 0, nil
		}

		cnt := len(p)
		if cnt >= s.seq.Cap() {
			cnt = s.seq.Cap() - 1
		}

		s.cur = cursor{}
		s.seq.Reset()
		progressed := s.fill(cnt)

		n := s.seq.ReadTo(p)
		if s.seq.Drained() {
			s.seq.Reset()
		}
		if n > 0 {
			return n, nil
		}
		if !progressed {
			// The next line cannot fit the seq buffer at all.
			// Returning zero keeps the record unconsumed without
			// spinning on it.
			return 0, nil
		}
		// Records were consumed but produced no output (informational
		// formatters); wait for more rather than returning empty.
	}
}

// waitPipe blocks until the store has data. The session lock is released
// for the duration of the wait so a cancellation can be observed promptly,
// and reacquired before returning.
func (s *Session) waitPipe(ctx context.Context, block bool) error {
	for s.sub.store.Empty() {
		if !block {
			return ErrWouldBlock
		}
		s.mu.Unlock()
		err := s.sub.store.Wait(ctx)
		s.mu.Lock()
		if err != nil {
			return err
		}
	}
	return nil
}

// fill runs the merge loop under the store-wide access lock: peek the
// globally-earliest record, format it, and consume it, until cnt bytes are
// buffered or the store drains. Returns false when the first line of the
// cycle overflowed an empty seq buffer, meaning no amount of retrying can
// make it fit.
func (s *Session) fill(cnt int) bool {
	s.sub.accessMu.Lock()
	defer s.sub.accessMu.Unlock()

	for s.nextEntryInc() {
		saveLen := s.seq.Used()

		ret := s.printLine()
		if ret == LinePartial {
			// Never deliver half a line: roll back and leave the
			// record in place to lead the next cycle.
			s.seq.Truncate(saveLen)
			if saveLen == 0 {
				s.sub.warnSeqTooSmall(s.cur.ent.ID)
				return false
			}
			break
		}
		if ret != LineNoConsume {
			_, lost, ok := s.sub.store.Consume(s.cur.cpu)
			if ok {
				s.sub.metrics.consumed.Inc()
				s.sub.metrics.lost.Add(float64(lost))
			}
		}
		if s.seq.Used() >= cnt {
			break
		}
		// A formatter that wrote past capacity yet reported the line
		// handled skipped the overflow check; the next iteration
		// bails out through the partial path.
		if s.seq.HasOverflowed() {
			s.sub.warnOverflow(s.cur.ent.ID)
		}
	}
	return true
}

// nextEntryInc advances the transient cursor to the next globally-earliest
// record, if any.
func (s *Session) nextEntryInc() bool {
	s.cur.ent, s.cur.cpu, s.cur.ts, s.cur.lost, s.cur.ok = findNextEntry(s.sub.store)
	return s.cur.ok
}

// printLine formats the record under the cursor into the seq buffer.
func (s *Session) printLine() LineResult {
	if s.seq.HasOverflowed() {
		return LinePartial
	}

	// Surface evictions before the record that survived them.
	if s.cur.lost > 0 {
		s.seq.Printf("CPU:%d [LOST %d EVENTS]\n", s.cur.cpu, s.cur.lost)
		if s.seq.HasOverflowed() {
			return LinePartial
		}
	}

	if class := s.sub.registry.Lookup(s.cur.ent.ID); class != nil {
		return class.format(s.seq, s.cur.ent)
	}

	s.seq.Printf("Unknown id %d\n", s.cur.ent.ID)
	return s.seq.Handle()
}
