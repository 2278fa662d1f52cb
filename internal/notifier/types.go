package notifier

import (
	"context"
	"time"
)

// Config controls the alert pipeline.
type Config struct {
	Enabled       bool
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
	Misfires      bool
}

// Sender delivers one message. The Telegram implementation lives in telegram.go.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Notification is one queued alert.
type Notification struct {
	Priority int // 0 low .. 10 high
	Text     string
	// DedupKey groups repeats; empty disables suppression for this alert.
	DedupKey string
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
	Err  string    `json:"error,omitempty"`
}
