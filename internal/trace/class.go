package trace

import (
	"errors"
	"math"
	"time"

	"github.com/xiaokunge/kernel-kprobe-memleak/internal/ringbuf"
)

// LineResult is what a formatter reports back to the read loop.
type LineResult int

const (
	// LinePartial means the line did not fit the seq buffer; the write
	// position is rolled back and the record stays unconsumed.
	LinePartial LineResult = iota
	// LineHandled means the line was fully written and the record can be
	// consumed.
	LineHandled
	// LineUnhandled means the formatter refused the record; it is
	// consumed without output.
	LineUnhandled
	// LineNoConsume means the line was written but the record must stay
	// in its ring, for diagnostic-only formatters that inspect without
	// removing.
	LineNoConsume
)

// FormatFunc renders one record into the session's seq buffer.
type FormatFunc func(s *Seq, e ringbuf.Entry) LineResult

// Desc describes one event class to register at startup. Ids are assigned
// sequentially in registration order.
type Desc struct {
	Name   string
	Format FormatFunc
}

// maxClassID is the ceiling imposed by the uint16 id field of a record.
const maxClassID = math.MaxUint16

// ErrTooManyClasses is returned at startup when the descriptor list
// exceeds the id range.
var ErrTooManyClasses = errors.New("trace: too many event classes")

// Class is a registered event class bound to the shared store. Producers
// hold a Class to emit records; the read path resolves it by id to format
// them.
type Class struct {
	id     uint16
	name   string
	format FormatFunc
	sub    *Subsystem
}

// ID returns the id assigned at registration.
func (c *Class) ID() uint16 { return c.id }

// Name returns the registered class name.
func (c *Class) Name() string { return c.name }

// Emit writes one record of this class to the given CPU's ring. A zero
// timestamp is replaced with the current monotonic clock reading.
func (c *Class) Emit(cpu int, ts uint64, payload []byte) error {
	if ts == 0 {
		ts = uint64(time.Now().UnixNano())
	}
	err := c.sub.store.Write(cpu, ringbuf.Entry{ID: c.id, Timestamp: ts, Payload: payload})
	if err == nil {
		c.sub.metrics.written.Inc()
	}
	return err
}

// Registry is the fixed id-to-class table, built once at startup and
// immutable afterwards.
type Registry struct {
	classes []*Class
}

func newRegistry(descs []Desc, sub *Subsystem) *Registry {
	r := &Registry{classes: make([]*Class, 0, len(descs))}
	for i, d := range descs {
		r.classes = append(r.classes, &Class{
			id:     uint16(i),
			name:   d.Name,
			format: d.Format,
			sub:    sub,
		})
	}
	return r
}

// Lookup resolves an id to its class in O(1), or nil when the id is out of
// the registered range. Record ids come from producer-controlled payloads,
// so the read path must tolerate any value here.
func (r *Registry) Lookup(id uint16) *Class {
	if int(id) < len(r.classes) {
		return r.classes[id]
	}
	return nil
}

// ByName resolves a class by its registered name, or nil.
func (r *Registry) ByName(name string) *Class {
	for _, c := range r.classes {
		if c.name == name {
			return c
		}
	}
	return nil
}

// Len returns the number of registered classes.
func (r *Registry) Len() int { return len(r.classes) }

// Classes returns the registered classes in id order.
func (r *Registry) Classes() []*Class { return r.classes }
