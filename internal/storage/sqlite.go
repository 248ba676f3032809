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
	"time"

	_ "modernc.org/sqlite"

	"jobmgr/pkg/logx"
)

// tsLayout has fixed width so stored timestamps sort as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
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

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Debug("storage.pragma.failed", logx.String("pragma", p), logx.Err(err))
		}
	}
	if _, err := db.Exec(migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("storage.opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.EndedAt.IsZero() {
		r.EndedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, job_id, name, family, grp, severity, message, group_result, reschedule, started_at, ended_at, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, int64(r.JobID), r.Name, nullStr(r.Family), nullStr(r.Group), r.Severity,
		nullStr(r.Message), nullStr(r.GroupResult), r.Reschedule, nullTime(r.StartedAt),
		r.EndedAt.UTC().Format(tsLayout), r.TookMS,
	)
	return err
}

const selectRuns = `SELECT id, job_id, name, family, grp, severity, message, group_result, reschedule, started_at, ended_at, took_ms FROM runs`

func (s *sqliteStore) Recent(ctx context.Context, q Query) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var (
		rows *sql.Rows
		err  error
	)
	if q.Name != "" {
		rows, err = s.db.QueryContext(ctx, selectRuns+` WHERE name = ? ORDER BY ended_at DESC, rowid DESC LIMIT ?`, q.Name, q.limit())
	} else {
		rows, err = s.db.QueryContext(ctx, selectRuns+` ORDER BY ended_at DESC, rowid DESC LIMIT ?`, q.limit())
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LastRun(ctx context.Context, name string) (RunRecord, bool, error) {
	runs, err := s.Recent(ctx, Query{Name: name, Limit: 1})
	if err != nil || len(runs) == 0 {
		return RunRecord{}, false, err
	}
	return runs[0], true, nil
}

func scanRow(rows *sql.Rows) (RunRecord, error) {
	var (
		r                          RunRecord
		jobID                      int64
		family, grp, msg, groupRes sql.NullString
		started                    sql.NullString
		ended                      string
	)
	if err := rows.Scan(&r.ID, &jobID, &r.Name, &family, &grp, &r.Severity, &msg, &groupRes,
		&r.Reschedule, &started, &ended, &r.TookMS); err != nil {
		return RunRecord{}, err
	}
	r.JobID = uint64(jobID)
	r.Family, r.Group, r.Message, r.GroupResult = family.String, grp.String, msg.String, groupRes.String
	if started.Valid {
		r.StartedAt, _ = time.Parse(tsLayout, started.String)
	}
	r.EndedAt, _ = time.Parse(tsLayout, ended)
	return r, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(tsLayout)
}
