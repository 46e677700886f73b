// Package dispatch runs the periodic poll-and-send cycle.
//
// Each tick claims a bounded batch of due pending tasks from the store,
// groups them into per-tenant lanes (serial within a tenant, concurrent
// across tenants), resolves each tenant's outbound channel, and records a
// terminal sent/failed outcome for every claimed task. Failure is terminal
// by design: there is no automatic retry of a failed task.
//
// Tick overlap is excluded twice over: the cron chain skips a tick while the
// previous one runs, and the store's claim lease plus compare-and-swap status
// writes make double-dispatch impossible even if two cycles did overlap.
package dispatch
