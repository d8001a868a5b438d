// Package workqueue implements the Work Queues (C5): per-AMT FIFO
// dispatch with a blocking, version-gated get_next, per spec §4.5.
package workqueue
