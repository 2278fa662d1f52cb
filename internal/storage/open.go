package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"agentcron/internal/task/record"
	logx "agentcron/pkg/logx"
)

// Store is the persistence API used by the executor, notifier and HTTP API.
type Store interface {
	// SaveRecord upserts rec by invocation id.
	SaveRecord(ctx context.Context, rec record.ExecutionRecord) error
	// LoadRecords returns up to perJob newest records of every job, oldest
	// first. perJob <= 0 returns everything kept.
	LoadRecords(ctx context.Context, perJob int) ([]record.ExecutionRecord, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
