package lock

import "errors"

var (
	// ErrInterrupted is returned when a blocked acquisition is abandoned
	// because its context ended or its monitor was canceled. No new hold is
	// left behind.
	ErrInterrupted = errors.New("lock: acquisition interrupted")
	// ErrScopeMismatch is returned for a nested rule that the current scope
	// does not contain, and for releases that do not match the innermost scope.
	ErrScopeMismatch = errors.New("lock: rule does not match current scope")
	// ErrNotOwner is returned when releasing something the owner does not hold.
	ErrNotOwner = errors.New("lock: not owner")
	// ErrNoOwner is returned when a context carries no Owner.
	ErrNoOwner = errors.New("lock: no owner in context")
)
