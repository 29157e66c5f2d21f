// Package observability owns process metrics and admin request logging.
//
// Ownership boundary:
// - prometheus collectors for packets, links, pairing and transfers
// - gin middleware for request logs and request metrics
// - event bus subscriber feeding pairing/transfer counters
package observability
