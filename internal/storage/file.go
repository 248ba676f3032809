package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"jobmgr/pkg/logx"
)

// fileStore appends runs to <prefix>.runs.jsonl and keeps the newest run of
// every job in memory, rebuilt from the file on open.
type fileStore struct {
	log  logx.Logger
	path string

	mu   sync.Mutex
	file *os.File
	last map[string]RunRecord
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	runsPath := filepath.Join(dir, base) + ".runs.jsonl"

	last := map[string]RunRecord{}
	if err := scanRuns(runsPath, func(r RunRecord) { last[r.Name] = r }); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage.replay.failed", logx.String("path", runsPath), logx.Err(err))
	}

	f, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("storage.opened", logx.String("path", runsPath), logx.Int("jobs", len(last)))
	return &fileStore{log: log, path: runsPath, file: f, last: last}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *fileStore) AppendRun(_ context.Context, r RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return ErrDisabled
	}
	if err := json.NewEncoder(s.file).Encode(r); err != nil {
		return err
	}
	s.last[r.Name] = r
	return nil
}

func (s *fileStore) Recent(ctx context.Context, q Query) ([]RunRecord, error) {
	s.mu.Lock()
	closed := s.file == nil
	s.mu.Unlock()
	if closed {
		return nil, ErrDisabled
	}

	// Keep the newest limit matches in a ring while scanning forward.
	n := q.limit()
	ring := make([]RunRecord, 0, n)
	next := 0
	err := scanRuns(s.path, func(r RunRecord) {
		if !q.match(r) {
			return
		}
		if len(ring) < n {
			ring = append(ring, r)
			return
		}
		ring[next] = r
		next = (next + 1) % n
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]RunRecord, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[(next+i)%len(ring)])
	}
	return out, nil
}

func (s *fileStore) LastRun(_ context.Context, name string) (RunRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return RunRecord{}, false, ErrDisabled
	}
	r, ok := s.last[name]
	return r, ok, nil
}

// scanRuns calls fn for every decodable line. Torn or foreign lines are
// skipped.
func scanRuns(path string, fn func(RunRecord)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Name == "" {
			continue
		}
		fn(r)
	}
	return sc.Err()
}
