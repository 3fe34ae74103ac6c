package trace

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xiaokunge/kernel-kprobe-memleak/internal/ringbuf"
)

// Options configures Init.
type Options struct {
	// Classes is the ordered descriptor list; ids are assigned by
	// position. An empty list makes the whole subsystem a no-op.
	Classes []Desc
	// CPUs is the number of per-CPU rings. Must be positive.
	CPUs int
	// BufferSize is the per-CPU ring capacity in entries.
	BufferSize int
	// SeqSize is the per-session output buffer capacity in bytes.
	SeqSize int
	// Overwrite makes full rings evict their oldest entry, counting it
	// as a lost event. Without it producers get an error instead.
	Overwrite bool

	Logger   *zap.Logger
	Registry *prometheus.Registry
}

// Default sizes mirror the kernel module: a small overwriting ring per CPU
// and a page-sized line buffer per session.
const (
	DefaultBufferSize = 2048
	DefaultSeqSize    = 4096
)

// Subsystem is the process-wide trace stream state: the shared store, the
// class registry, and the lock that serializes destructive merges across
// sessions. Constructed once by Init and passed by reference; there is no
// ambient global instance.
type Subsystem struct {
	store    *ringbuf.Buffer
	registry *Registry
	logger   *zap.Logger
	metrics  *metrics
	promReg  *prometheus.Registry
	seqSize  int

	// accessMu serializes the peek→format→consume sequence across all
	// sessions. Consuming is destructive and shared; without this two
	// sessions racing through the merge could consume each other's
	// peeked record or emit one logical entry twice. It is held only
	// around the per-record work, never across waits.
	accessMu sync.Mutex

	sessions atomic.Int64

	overflowOnce sync.Once
	tooSmallOnce sync.Once
}

// Init builds the subsystem: class registration first, then store
// allocation, then the caller publishes the read interface. With no
// classes the subsystem is skipped entirely and Init returns (nil, nil).
// Failures leave nothing allocated.
func Init(opts Options) (*Subsystem, error) {
	if len(opts.Classes) == 0 {
		return nil, nil
	}
	if len(opts.Classes) >= maxClassID {
		return nil, ErrTooManyClasses
	}
	if opts.CPUs <= 0 {
		opts.CPUs = 1
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.SeqSize <= 0 {
		opts.SeqSize = DefaultSeqSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}

	store, err := ringbuf.Alloc(opts.CPUs, opts.BufferSize, opts.Overwrite)
	if err != nil {
		return nil, err
	}

	sub := &Subsystem{
		store:   store,
		logger:  opts.Logger,
		metrics: newMetrics(opts.Registry),
		promReg: opts.Registry,
		seqSize: opts.SeqSize,
	}
	sub.registry = newRegistry(opts.Classes, sub)

	sub.logger.Info("created print event classes",
		zap.Int("classes", sub.registry.Len()),
		zap.Int("cpus", opts.CPUs),
		zap.Int("buffer_size", opts.BufferSize))
	return sub, nil
}

// Teardown frees the store and wakes any blocked readers. Safe to call on
// the nil subsystem produced by an empty class list.
func (t *Subsystem) Teardown() {
	if t == nil {
		return
	}
	t.store.Free()
	t.logger.Info("destroyed print event classes",
		zap.Int("classes", t.registry.Len()))
}

// Open creates a new read session bound to the shared store. Sessions do
// not duplicate storage; every open handle drains the same logical log.
func (t *Subsystem) Open() *Session {
	s := &Session{
		id:  uuid.New(),
		sub: t,
		seq: NewSeq(t.seqSize),
	}
	t.sessions.Add(1)
	t.metrics.sessions.Inc()
	t.logger.Debug("trace session opened", zap.String("session", s.id.String()))
	return s
}

// OpenSessions returns the number of sessions currently open.
func (t *Subsystem) OpenSessions() int64 { return t.sessions.Load() }

// Registry returns the class table for producers and the HTTP surface.
func (t *Subsystem) Registry() *Registry { return t.registry }

// Store exposes the underlying ring buffer store for stats.
func (t *Subsystem) Store() *ringbuf.Buffer { return t.store }

// MetricsRegistry returns the prometheus registry the subsystem's
// collectors are registered on.
func (t *Subsystem) MetricsRegistry() *prometheus.Registry { return t.promReg }

// warnOverflow flags a formatter that wrote past the seq capacity without
// reporting a partial line. Logged loudly once; the read keeps serving
// whatever was buffered before the fault.
func (t *Subsystem) warnOverflow(id uint16) {
	t.overflowOnce.Do(func() {
		t.metrics.overflows.Inc()
		t.logger.Warn("seq full flag set by formatter", zap.Uint16("event_id", id))
	})
}

// warnSeqTooSmall flags a line that cannot fit an empty seq buffer.
func (t *Subsystem) warnSeqTooSmall(id uint16) {
	t.tooSmallOnce.Do(func() {
		t.metrics.overflows.Inc()
		t.logger.Warn("formatted line exceeds seq capacity",
			zap.Uint16("event_id", id),
			zap.Int("seq_size", t.seqSize))
	})
}
