// Package trace implements the chronological trace stream reader: an event
// class registry mapping numeric ids to formatters, a k-way merge over the
// per-CPU ring buffer store, and blocking read sessions that turn the
// merged records into one globally time-ordered text stream.
package trace
