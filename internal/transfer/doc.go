// Package transfer runs composite payload jobs in either direction.
//
// Ownership boundary:
// - job state, FIFO item queue, aggregate progress and its throttling
// - send side: item packets with payload streamed through a Sender
// - receive side: payload streams copied into sinks, size checks, grace window
//
// Jobs are driven by internal/scheduler; this package never starts goroutines.
package transfer
