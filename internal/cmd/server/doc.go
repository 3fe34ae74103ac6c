// Package serverrun wires the trace subsystem and the HTTP server into a
// running process: configuration assembly, logger construction, ordered
// startup with rollback, and signal-driven shutdown.
package serverrun
