package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file at Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunRecord is one completed job run. Keep it compact and schema-stable.
type RunRecord struct {
	ID          string    `json:"id"`
	JobID       uint64    `json:"job_id"`
	Name        string    `json:"name"`
	Family      string    `json:"family,omitempty"`
	Group       string    `json:"group,omitempty"`
	Severity    string    `json:"severity"`
	Message     string    `json:"message,omitempty"`
	GroupResult string    `json:"group_result,omitempty"`
	Reschedule  bool      `json:"reschedule,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	EndedAt     time.Time `json:"ended_at"`
	TookMS      int64     `json:"took_ms"`
}

// Query selects runs for Recent. Zero values match everything; Limit 0
// means 50.
type Query struct {
	Name  string
	Limit int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 50
	}
	return q.Limit
}

func (q Query) match(r RunRecord) bool {
	return q.Name == "" || q.Name == r.Name
}
