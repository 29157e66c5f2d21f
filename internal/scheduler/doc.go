// Package scheduler runs background protocol jobs on a bounded pool.
//
// Ownership boundary:
// - job table keyed by job id with a capacity limit
// - worker slots (semaphore) shared by every job
// - cancellation by id, tolerant of races with completion
package scheduler
