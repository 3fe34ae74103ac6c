package trace

import (
	"encoding/binary"

	"github.com/xiaokunge/kernel-kprobe-memleak/internal/ringbuf"
)

// Built-in event classes. The kmemleak class carries the payload the
// kprobe producers write: a leaked pointer followed by the caller symbol.
// The message class carries free text for the emit endpoint and CLI.
const (
	ClassKmemleak = "kmemleak"
	ClassMessage  = "message"
)

// BuiltinClasses returns the default descriptor list in registration
// order.
func BuiltinClasses() []Desc {
	return []Desc{
		{Name: ClassKmemleak, Format: formatKmemleak},
		{Name: ClassMessage, Format: formatMessage},
	}
}

// EncodeKmemleak packs a kmemleak payload: 8-byte little-endian pointer
// value, then the caller symbol.
func EncodeKmemleak(ptr uint64, caller string) []byte {
	b := make([]byte, 8, 8+len(caller))
	binary.LittleEndian.PutUint64(b, ptr)
	return append(b, caller...)
}

func formatKmemleak(s *Seq, e ringbuf.Entry) LineResult {
	if len(e.Payload) < 8 {
		s.Printf("kmemleak: malformed payload (%d bytes)\n", len(e.Payload))
		return s.Handle()
	}
	ptr := binary.LittleEndian.Uint64(e.Payload[:8])
	caller := string(e.Payload[8:])
	if caller == "" {
		caller = "(null)"
	}
	s.Printf("kmemleak: 0x%x, caller: %s\n", ptr, caller)
	return s.Handle()
}

func formatMessage(s *Seq, e ringbuf.Entry) LineResult {
	s.Puts(string(e.Payload))
	s.Puts("\n")
	return s.Handle()
}
