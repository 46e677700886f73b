// Package store persists campaigns and send-tasks.
//
// Three drivers share one interface: sqlite (default, single file),
// postgres (shared database), and memory (tests). The dispatcher relies on
// two store-level guarantees regardless of driver:
//
//   - ClaimDue reserves a batch atomically (claim lease), so overlapping
//     ticks never hand out the same task twice while a claim is live.
//   - MarkSent/MarkFailed only transition tasks out of pending, so a task's
//     terminal state is written at most once.
package store
