// Package storage keeps execution history across restarts.
//
// It stores:
//   - terminal execution records (restored into the in-memory record store on start)
//   - operator audit entries (manual triggers, pause/resume, reloads)
//   - notifier dedup state, so repeated failure alerts stay suppressed after a restart
package storage
