// Package ringbuf implements the per-CPU circular buffer store backing the
// trace stream: independent fixed-capacity rings holding timestamped
// records, with non-destructive peek, destructive consume that reports
// entries evicted since the last consume, and a blocking wait for data on
// any CPU.
package ringbuf
