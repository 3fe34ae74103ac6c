package trace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xiaokunge/kernel-kprobe-memleak/internal/ringbuf"
)

// newTestSubsystem builds a small overwriting subsystem with the builtin
// classes unless the options say otherwise.
func newTestSubsystem(t *testing.T, opts Options) *Subsystem {
	t.Helper()
	if opts.Classes == nil {
		opts.Classes = BuiltinClasses()
	}
	if opts.CPUs == 0 {
		opts.CPUs = 2
	}
	if opts.BufferSize == 0 {
		opts.BufferSize = 16
	}
	opts.Overwrite = true
	opts.Logger = zaptest.NewLogger(t)
	sub, err := Init(opts)
	require.NoError(t, err)
	require.NotNil(t, sub)
	t.Cleanup(sub.Teardown)
	return sub
}

// drain reads non-blocking until the stream reports it would block.
func drain(t *testing.T, sess *Session) string {
	t.Helper()
	var out []byte
	buf := make([]byte, 64)
	for {
		n, err := sess.Read(context.Background(), buf, false)
		if errors.Is(err, ErrWouldBlock) || (err == nil && n == 0) {
			return string(out)
		}
		require.NoError(t, err)
		out = append(out, buf[:n]...)
	}
}

func TestChronologicalMerge(t *testing.T) {
	sub := newTestSubsystem(t, Options{})
	msg := sub.Registry().ByName(ClassMessage)
	require.NoError(t, msg.Emit(0, 5, []byte("a")))
	require.NoError(t, msg.Emit(1, 3, []byte("b")))
	require.NoError(t, msg.Emit(0, 7, []byte("c")))

	sess := sub.Open()
	defer sess.Close()

	buf := make([]byte, 256)
	n, err := sess.Read(context.Background(), buf, true)
	require.NoError(t, err)
	assert.Equal(t, "b\na\nc\n", string(buf[:n]))

	_, err = sess.Read(context.Background(), buf, false)
	require.ErrorIs(t, err, ErrWouldBlock)
}

func TestEqualTimestampsResolveLowestCPUFirst(t *testing.T) {
	sub := newTestSubsystem(t, Options{CPUs: 3})
	msg := sub.Registry().ByName(ClassMessage)
	// Emission order deliberately reversed from CPU order.
	require.NoError(t, msg.Emit(2, 5, []byte("cpu2")))
	require.NoError(t, msg.Emit(1, 5, []byte("cpu1")))
	require.NoError(t, msg.Emit(0, 5, []byte("cpu0")))

	sess := sub.Open()
	defer sess.Close()
	assert.Equal(t, "cpu0\ncpu1\ncpu2\n", drain(t, sess))
}

func TestNonBlockingReadOnEmptyStore(t *testing.T) {
	sub := newTestSubsystem(t, Options{})
	sess := sub.Open()
	defer sess.Close()

	start := time.Now()
	n, err := sess.Read(context.Background(), make([]byte, 64), false)
	require.ErrorIs(t, err, ErrWouldBlock)
	assert.Zero(t, n)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestBlockingReadWokenByEmit(t *testing.T) {
	sub := newTestSubsystem(t, Options{})
	msg := sub.Registry().ByName(ClassMessage)
	sess := sub.Open()
	defer sess.Close()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		buf := make([]byte, 64)
		n, err := sess.Read(context.Background(), buf, true)
		done <- result{string(buf[:n]), err}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, msg.Emit(0, 1, []byte("wake")))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, "wake\n", r.text)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for blocked read to wake")
	}
}

func TestBlockingReadCancelled(t *testing.T) {
	sub := newTestSubsystem(t, Options{})
	sess := sub.Open()
	defer sess.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := sess.Read(ctx, make([]byte, 64), true)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for cancellation to abort the read")
	}
	assert.True(t, sub.Store().Empty())
}

func TestUnknownIDFallback(t *testing.T) {
	sub := newTestSubsystem(t, Options{})
	require.NoError(t, sub.Store().Write(0, ringbuf.Entry{ID: 99, Timestamp: 1}))

	sess := sub.Open()
	defer sess.Close()
	assert.Equal(t, "Unknown id 99\n", drain(t, sess))
	// The record was consumed despite having no formatter.
	assert.True(t, sub.Store().Empty())
}

func TestPartialLineStaysUnconsumed(t *testing.T) {
	// Seq holds one 11-byte line but not two.
	sub := newTestSubsystem(t, Options{SeqSize: 16})
	msg := sub.Registry().ByName(ClassMessage)
	require.NoError(t, msg.Emit(0, 1, []byte("0123456789")))
	require.NoError(t, msg.Emit(0, 2, []byte("abcdefghij")))

	sess := sub.Open()
	defer sess.Close()

	buf := make([]byte, 256)
	n, err := sess.Read(context.Background(), buf, true)
	require.NoError(t, err)
	assert.Equal(t, "0123456789\n", string(buf[:n]))
	// The second record was rolled back, not consumed.
	assert.Equal(t, 1, sub.Store().Depth(0))

	n, err = sess.Read(context.Background(), buf, true)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij\n", string(buf[:n]))
	assert.True(t, sub.Store().Empty())
}

func TestLineLargerThanSeqBuffer(t *testing.T) {
	sub := newTestSubsystem(t, Options{SeqSize: 8})
	msg := sub.Registry().ByName(ClassMessage)
	require.NoError(t, msg.Emit(0, 1, []byte("0123456789")))

	sess := sub.Open()
	defer sess.Close()

	// The line can never fit: the read reports no data rather than
	// emitting a truncated line or spinning, and the record stays put.
	n, err := sess.Read(context.Background(), make([]byte, 64), true)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, sub.Store().Depth(0))
}

func TestLostEventAccounting(t *testing.T) {
	const capacity = 4
	const appended = 9
	sub := newTestSubsystem(t, Options{CPUs: 1, BufferSize: capacity})
	msg := sub.Registry().ByName(ClassMessage)
	for i := 1; i <= appended; i++ {
		require.NoError(t, msg.Emit(0, uint64(i), []byte(fmt.Sprintf("m%d", i))))
	}

	sess := sub.Open()
	defer sess.Close()
	out := drain(t, sess)

	assert.True(t, strings.HasPrefix(out, fmt.Sprintf("CPU:0 [LOST %d EVENTS]\n", appended-capacity)), out)
	// Only the surviving records follow, in order.
	assert.Equal(t, "m6\nm7\nm8\nm9\n", strings.SplitN(out, "\n", 2)[1])
}

func TestSmallReadsDrainLeftoverWithoutTouchingStore(t *testing.T) {
	sub := newTestSubsystem(t, Options{})
	msg := sub.Registry().ByName(ClassMessage)
	line := strings.Repeat("x", 100)
	require.NoError(t, msg.Emit(0, 1, []byte(line)))

	sess := sub.Open()
	defer sess.Close()

	var got []byte
	buf := make([]byte, 16)
	for len(got) < 101 {
		n, err := sess.Read(context.Background(), buf, false)
		require.NoError(t, err)
		require.Positive(t, n)
		got = append(got, buf[:n]...)
		// After the first call the store is already drained; the
		// remaining calls serve the session's leftover text.
		assert.True(t, sub.Store().Empty())
	}
	assert.Equal(t, line+"\n", string(got))

	_, err := sess.Read(context.Background(), buf, false)
	require.ErrorIs(t, err, ErrWouldBlock)
}

func TestNonEmittingRecordsDoNotYieldEmptyRead(t *testing.T) {
	quiet := Desc{Name: "quiet", Format: func(s *Seq, e ringbuf.Entry) LineResult {
		return LineHandled // consumed, nothing written
	}}
	sub := newTestSubsystem(t, Options{Classes: []Desc{quiet}})
	cls := sub.Registry().Classes()[0]
	for i := 1; i <= 3; i++ {
		require.NoError(t, cls.Emit(0, uint64(i), nil))
	}

	sess := sub.Open()
	defer sess.Close()

	// All records are consumed during the retry loop; the non-blocking
	// read then reports would-block instead of a misleading empty slice.
	_, err := sess.Read(context.Background(), make([]byte, 64), false)
	require.ErrorIs(t, err, ErrWouldBlock)
	assert.True(t, sub.Store().Empty())
}

func TestNoConsumeFormatterKeepsRecord(t *testing.T) {
	var calls int
	peeker := Desc{Name: "peeker", Format: func(s *Seq, e ringbuf.Entry) LineResult {
		calls++
		if calls == 1 {
			s.Puts("diag\n")
			return LineNoConsume
		}
		s.Puts("real\n")
		return s.Handle()
	}}
	sub := newTestSubsystem(t, Options{Classes: []Desc{peeker}})
	require.NoError(t, sub.Registry().Classes()[0].Emit(0, 1, nil))

	sess := sub.Open()
	defer sess.Close()

	buf := make([]byte, 256)
	n, err := sess.Read(context.Background(), buf, true)
	require.NoError(t, err)
	// The first pass inspected without consuming; the second consumed.
	assert.Equal(t, "diag\nreal\n", string(buf[:n]))
	assert.True(t, sub.Store().Empty())
}

func TestConcurrentSessionsNeverDuplicate(t *testing.T) {
	const total = 100
	const readers = 4
	sub := newTestSubsystem(t, Options{CPUs: 4, BufferSize: 64})
	msg := sub.Registry().ByName(ClassMessage)
	for i := 0; i < total; i++ {
		require.NoError(t, msg.Emit(i%4, uint64(i+1), []byte(fmt.Sprintf("m%03d", i))))
	}

	outputs := make([]string, readers)
	var wg sync.WaitGroup
	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			sess := sub.Open()
			defer sess.Close()
			var out []byte
			buf := make([]byte, 32)
			for {
				n, err := sess.Read(context.Background(), buf, false)
				if err != nil || n == 0 {
					outputs[r] = string(out)
					return
				}
				out = append(out, buf[:n]...)
			}
		}(r)
	}
	wg.Wait()

	seen := map[string]int{}
	for _, out := range outputs {
		for _, line := range strings.Split(strings.TrimSuffix(out, "\n"), "\n") {
			if line != "" {
				seen[line]++
			}
		}
	}
	// Every emitted record shows up exactly once across all sessions.
	var count int
	for line, c := range seen {
		assert.Equal(t, 1, c, "line %q duplicated", line)
		count += c
	}
	assert.LessOrEqual(t, count, total)
	assert.True(t, sub.Store().Empty())
}

func TestKmemleakFormatting(t *testing.T) {
	sub := newTestSubsystem(t, Options{})
	leak := sub.Registry().ByName(ClassKmemleak)
	require.NoError(t, leak.Emit(0, 1, EncodeKmemleak(0xffff888012345678, "kmalloc_trace+0x10")))
	require.NoError(t, leak.Emit(0, 2, []byte{1, 2, 3}))

	sess := sub.Open()
	defer sess.Close()
	out := drain(t, sess)
	assert.Equal(t,
		"kmemleak: 0xffff888012345678, caller: kmalloc_trace+0x10\n"+
			"kmemleak: malformed payload (3 bytes)\n",
		out)
}
