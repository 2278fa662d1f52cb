package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"agentcron/internal/task/record"
	logx "agentcron/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	retain int

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, retain: cfg.retain(), pruneEvery: 100}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite storage opened", logx.String("path", path), logx.Int("retain", st.retain))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveRecord(ctx context.Context, rec record.ExecutionRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	var finished any
	if rec.FinishedAt != nil {
		finished = rec.FinishedAt.UnixNano()
	}
	var kind, msg any
	if rec.Error != nil {
		kind, msg = string(rec.Error.Kind), rec.Error.Message
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records(invocation_id, job_name, agent_id, trigger_type, status, started_at, finished_at, error_kind, error_message, output)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(invocation_id) DO UPDATE SET
		   status=excluded.status, finished_at=excluded.finished_at,
		   error_kind=excluded.error_kind, error_message=excluded.error_message, output=excluded.output`,
		rec.InvocationID, rec.JobName, rec.AgentID, string(rec.Trigger), string(rec.Status),
		rec.StartedAt.UnixNano(), finished, kind, msg, nullStr(rec.Output),
	)
	if err != nil {
		return err
	}
	if s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if perr := s.prune(pctx); perr != nil {
			s.log.Debug("sqlite prune failed", logx.Err(perr))
		}
		cancel()
	}
	return nil
}

func (s *sqliteStore) LoadRecords(ctx context.Context, perJob int) ([]record.ExecutionRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if perJob <= 0 {
		perJob = -1 // LIMIT -1 means no limit in SQLite
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT invocation_id, job_name, agent_id, trigger_type, status, started_at, finished_at, error_kind, error_message, output
		 FROM (
		   SELECT *, ROW_NUMBER() OVER (PARTITION BY job_name ORDER BY started_at DESC) AS rn FROM records
		 )
		 WHERE ? < 0 OR rn <= ?
		 ORDER BY started_at ASC`, perJob, perJob)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []record.ExecutionRecord
	for rows.Next() {
		var (
			rec              record.ExecutionRecord
			trig, status     string
			started          int64
			finished         sql.NullInt64
			kind, msg, outpt sql.NullString
		)
		if err := rows.Scan(&rec.InvocationID, &rec.JobName, &rec.AgentID, &trig, &status, &started, &finished, &kind, &msg, &outpt); err != nil {
			return nil, err
		}
		rec.Trigger = record.Trigger(trig)
		rec.Status = record.Status(status)
		rec.StartedAt = time.Unix(0, started)
		if finished.Valid {
			t := time.Unix(0, finished.Int64)
			rec.FinishedAt = &t
		}
		if kind.Valid {
			rec.Error = &record.ErrorDetail{Kind: record.ErrorKind(kind.String), Message: msg.String}
		}
		rec.Output = outpt.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// prune keeps the newest retain records of every job.
func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE invocation_id IN (
		   SELECT invocation_id FROM (
		     SELECT invocation_id, ROW_NUMBER() OVER (PARTITION BY job_name ORDER BY started_at DESC) AS rn FROM records
		   ) WHERE rn > ?
		 )`, s.retain)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	ok := 0
	if e.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, target, ok, err, took_ms, meta) VALUES(?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), nullStr(e.Actor), e.Action, nullStr(e.Target), ok, nullStr(e.Error), e.TookMS, nullStr(e.Meta),
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
