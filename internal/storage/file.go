package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"agentcron/internal/task/record"
	logx "agentcron/pkg/logx"
)

// fileStore keeps everything in JSON Lines files.
//
// Files:
//   - <prefix>.records.jsonl       (append-only, last line per invocation wins)
//   - <prefix>.audit.jsonl         (append-only)
//   - <prefix>.dedup.snapshot.json (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl (append-only journal)
//
// The records file is rewritten with the newest Retain records per job every
// compactEvery writes; the dedup journal is folded into its snapshot likewise.
type fileStore struct {
	log    logx.Logger
	retain int

	mu sync.Mutex

	recordsPath  string
	recordsFile  *os.File
	recordWrites int

	auditFile *os.File

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli
	dedupWrites       int
}

const compactEvery = 1000

type dedupLine struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:               log,
		retain:            cfg.retain(),
		recordsPath:       prefix + ".records.jsonl",
		dedupSnapshotPath: prefix + ".dedup.snapshot.json",
		dedup:             map[string]int64{},
	}
	journalPath := prefix + ".dedup.journal.jsonl"

	var err error
	if s.recordsFile, err = appendOnly(s.recordsPath); err != nil {
		return nil, err
	}
	if s.auditFile, err = appendOnly(prefix + ".audit.jsonl"); err != nil {
		_ = s.recordsFile.Close()
		return nil, err
	}

	_ = loadDedupSnapshot(s.dedupSnapshotPath, s.dedup)
	_ = replayDedupJournal(journalPath, s.dedup)
	pruneExpiredDedup(s.dedup)
	if s.dedupJournalFile, err = os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		_ = s.recordsFile.Close()
		_ = s.auditFile.Close()
		return nil, err
	}
	log.Debug("file storage opened", logx.String("prefix", prefix), logx.Int("retain", s.retain))
	return s, nil
}

func appendOnly(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, f := range []**os.File{&s.recordsFile, &s.auditFile, &s.dedupJournalFile} {
		if *f != nil {
			errs = append(errs, (*f).Close())
			*f = nil
		}
	}
	return errors.Join(errs...)
}

func (s *fileStore) SaveRecord(_ context.Context, rec record.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordsFile == nil {
		return errors.New("records file closed")
	}
	if err := json.NewEncoder(s.recordsFile).Encode(rec); err != nil {
		return err
	}
	s.recordWrites++
	if s.recordWrites%compactEvery == 0 {
		if err := s.compactRecordsLocked(); err != nil {
			s.log.Debug("records compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) LoadRecords(_ context.Context, perJob int) ([]record.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := readRecords(s.recordsPath)
	if err != nil {
		return nil, err
	}
	return newestPerJob(recs, perJob), nil
}

// readRecords replays the records file. Unreadable lines are skipped.
func readRecords(path string) ([]record.ExecutionRecord, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	byID := map[string]int{}
	var out []record.ExecutionRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var r record.ExecutionRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.InvocationID == "" {
			continue
		}
		if i, ok := byID[r.InvocationID]; ok {
			out[i] = r
			continue
		}
		byID[r.InvocationID] = len(out)
		out = append(out, r)
	}
	return out, sc.Err()
}

// newestPerJob keeps the newest perJob records of each job and returns them
// oldest first. perJob <= 0 keeps all.
func newestPerJob(recs []record.ExecutionRecord, perJob int) []record.ExecutionRecord {
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].StartedAt.Before(recs[j].StartedAt) })
	if perJob <= 0 {
		return recs
	}
	seen := map[string]int{}
	keep := make([]bool, len(recs))
	n := 0
	for i := len(recs) - 1; i >= 0; i-- {
		job := recs[i].JobName
		if seen[job] < perJob {
			seen[job]++
			keep[i] = true
			n++
		}
	}
	out := make([]record.ExecutionRecord, 0, n)
	for i, r := range recs {
		if keep[i] {
			out = append(out, r)
		}
	}
	return out
}

func (s *fileStore) compactRecordsLocked() error {
	recs, err := readRecords(s.recordsPath)
	if err != nil {
		return err
	}
	recs = newestPerJob(recs, s.retain)

	tmp := s.recordsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	_ = s.recordsFile.Close()
	if err := os.Rename(tmp, s.recordsPath); err != nil {
		s.recordsFile, _ = appendOnly(s.recordsPath)
		return err
	}
	s.recordsFile, err = appendOnly(s.recordsPath)
	return err
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return errors.New("dedup journal closed")
	}
	s.dedup[key] = ms
	if err := json.NewEncoder(s.dedupJournalFile).Encode(dedupLine{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%compactEvery == 0 {
		if err := s.compactDedupLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactDedupLocked() error {
	pruneExpiredDedup(s.dedup)

	tmp := s.dedupSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.dedup); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.dedupSnapshotPath); err != nil {
		return err
	}
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.dedupJournalFile.Seek(0, 2)
	return err
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var m map[string]int64
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var l dedupLine
		if json.Unmarshal(sc.Bytes(), &l) != nil || l.Key == "" {
			continue
		}
		out[l.Key] = l.Until
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
