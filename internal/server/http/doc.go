// Package httpserver publishes the trace stream over HTTP: a chunked
// streaming pipe endpoint, a producer emit endpoint, stats, health, and
// prometheus metrics. It replaces the proc-filesystem node the original
// kernel module exposed.
package httpserver
