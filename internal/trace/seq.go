package trace

import "fmt"

// Seq is a fixed-capacity text buffer with separate read and write cursors.
// Formatters append to it; read calls drain it in caller-sized chunks. A
// write that would exceed the capacity sets the overflow flag instead of
// truncating, so a partially-formatted line can be rolled back cleanly.
type Seq struct {
	buf     []byte
	readpos int
	full    bool
}

// NewSeq returns a Seq with the given byte capacity.
func NewSeq(capacity int) *Seq {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Seq{buf: make([]byte, 0, capacity)}
}

// Cap returns the fixed capacity.
func (s *Seq) Cap() int { return cap(s.buf) }

// Used returns the number of bytes written so far.
func (s *Seq) Used() int { return len(s.buf) }

// HasOverflowed reports whether a write was refused for lack of room.
func (s *Seq) HasOverflowed() bool { return s.full }

// Printf appends formatted text. On overflow nothing is written and the
// overflow flag is set; subsequent writes are ignored until Reset.
func (s *Seq) Printf(format string, args ...any) {
	if s.full {
		return
	}
	b := fmt.Appendf(nil, format, args...)
	if len(s.buf)+len(b) > cap(s.buf) {
		s.full = true
		return
	}
	s.buf = append(s.buf, b...)
}

// Puts appends a literal string under the same overflow rules as Printf.
func (s *Seq) Puts(str string) {
	if s.full {
		return
	}
	if len(s.buf)+len(str) > cap(s.buf) {
		s.full = true
		return
	}
	s.buf = append(s.buf, str...)
}

// Truncate rolls the write position back to n bytes and clears the
// overflow flag. Used to discard a partially-formatted line.
func (s *Seq) Truncate(n int) {
	if n >= 0 && n <= len(s.buf) {
		s.buf = s.buf[:n]
	}
	s.full = false
}

// ReadTo copies unread bytes into p, advancing the read cursor. Returns 0
// when everything written has already been read.
func (s *Seq) ReadTo(p []byte) int {
	if s.readpos >= len(s.buf) {
		return 0
	}
	n := copy(p, s.buf[s.readpos:])
	s.readpos += n
	return n
}

// Drained reports whether the read cursor caught up with the write cursor.
func (s *Seq) Drained() bool { return s.readpos >= len(s.buf) }

// Reset clears both cursors and the overflow flag.
func (s *Seq) Reset() {
	s.buf = s.buf[:0]
	s.readpos = 0
	s.full = false
}

// Handle translates the buffer state after a formatter ran into a
// LineResult: overflowed output becomes a partial line.
func (s *Seq) Handle() LineResult {
	if s.full {
		return LinePartial
	}
	return LineHandled
}
