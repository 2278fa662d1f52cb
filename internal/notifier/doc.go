// Package notifier sends operator alerts for failed invocations.
//
// It subscribes to the event bus, turns failures (and optionally misfires)
// into short messages, and delivers them through a Sender on a supervised
// worker. Delivery is rate limited and retried with backoff. Repeated alerts
// for the same job and error kind are suppressed for a window; with a store
// configured the window survives restarts.
package notifier
