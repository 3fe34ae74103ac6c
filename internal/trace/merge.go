package trace

import "github.com/xiaokunge/kernel-kprobe-memleak/internal/ringbuf"

// findNextEntry scans every CPU's ring, skipping empty ones, and returns
// the oldest unconsumed record with the globally smallest timestamp, its
// CPU, and the eviction count accumulated on that CPU since its last
// consume. The comparison is strict, so the first candidate wins ties and
// equal timestamps resolve to the lowest CPU index.
func findNextEntry(store *ringbuf.Buffer) (next ringbuf.Entry, cpu int, ts, lost uint64, ok bool) {
	cpu = -1
	for c := 0; c < store.CPUs(); c++ {
		if store.EmptyCPU(c) {
			continue
		}
		ent, l, okc := store.Peek(c)
		if !okc {
			continue
		}
		if !ok || ent.Timestamp < ts {
			next, cpu, ts, lost, ok = ent, c, ent.Timestamp, l, true
		}
	}
	return next, cpu, ts, lost, ok
}
