// Package scheduler owns the job table and the cron timing engine.
//
// Firings are handed to the executor; the scheduler never waits for an
// invocation. A job whose previous invocation is still running misfires:
// the firing is recorded and dropped, never queued.
//
// The table is only changed by Reload, which diffs the new task list against
// the installed one and swaps entries under the exclusive lock, so a firing
// sees either the old or the new table.
package scheduler
