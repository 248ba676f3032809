package jobs

import (
	"errors"

	"jobmgr/internal/lock"
)

var (
	ErrStopped       = errors.New("job manager stopped")
	ErrForeignJob    = errors.New("job belongs to another manager")
	ErrRuleChange    = errors.New("rule can only change while the job is not scheduled")
	ErrGroupAssigned = errors.New("job group can only be set once, while the job is not scheduled")
	ErrJoinSelf      = errors.New("join would wait on the calling job")
	ErrCanceled      = errors.New("join canceled by monitor")

	// ErrJoinInterrupted wraps the context error of a join whose ctx ended.
	ErrJoinInterrupted = errors.New("join interrupted")

	ErrNilJob        = errors.New("job is nil")
	ErrNegativeDelay = errors.New("scheduling delay is negative")

	// Re-exported so callers need only this package. Only rule and lock
	// acquisitions report ErrInterrupted.
	ErrInterrupted = lock.ErrInterrupted
	ErrNoOwner     = lock.ErrNoOwner
)
