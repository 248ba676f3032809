// Package status holds job result values.
package status

import (
	"errors"
	"fmt"
	"strings"
)

// Severity is a bit mask so callers can match several severities at once.
type Severity int

const (
	SeverityOK      Severity = 0
	SeverityInfo    Severity = 0x01
	SeverityWarning Severity = 0x02
	SeverityError   Severity = 0x04
	SeverityCancel  Severity = 0x08
)

func (s Severity) String() string {
	switch s {
	case SeverityOK:
		return "ok"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCancel:
		return "cancel"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Status is the outcome of a job run. A multi-status carries children and
// takes the highest child severity.
type Status struct {
	Severity Severity
	Message  string
	Err      error
	Children []*Status

	async bool
}

var (
	// OK is the shared success result.
	OK = &Status{Severity: SeverityOK, Message: "ok"}
	// Cancel is returned by bodies that observed a cancellation request.
	Cancel = &Status{Severity: SeverityCancel, Message: "canceled"}
	// AsyncFinish tells the manager the body continues elsewhere and will
	// report through Job.Done.
	AsyncFinish = &Status{Severity: SeverityOK, Message: "async", async: true}
)

// New returns a status without a cause.
func New(sev Severity, msg string) *Status {
	return &Status{Severity: sev, Message: msg}
}

// Error returns an ERROR status wrapping err.
func Error(msg string, err error) *Status {
	if msg == "" && err != nil {
		msg = err.Error()
	}
	return &Status{Severity: SeverityError, Message: msg, Err: err}
}

// Warning returns a WARNING status.
func Warning(msg string) *Status { return New(SeverityWarning, msg) }

// Info returns an INFO status.
func Info(msg string) *Status { return New(SeverityInfo, msg) }

// FromError maps a plain error onto a status. context.Canceled style errors
// are not special-cased; bodies decide what cancellation looks like.
func FromError(err error) *Status {
	if err == nil {
		return OK
	}
	return Error("", err)
}

// Multi combines children; the result severity is the highest child severity.
func Multi(msg string, children ...*Status) *Status {
	m := &Status{Severity: SeverityOK, Message: msg}
	for _, c := range children {
		if c == nil {
			continue
		}
		m.Children = append(m.Children, c)
		if c.Severity > m.Severity {
			m.Severity = c.Severity
		}
	}
	return m
}

// IsOK reports whether the status is nil or OK.
func (s *Status) IsOK() bool { return s == nil || s.Severity == SeverityOK }

// IsAsync reports whether s is the AsyncFinish marker.
func (s *Status) IsAsync() bool { return s != nil && s.async }

// IsMulti reports whether s has children.
func (s *Status) IsMulti() bool { return s != nil && len(s.Children) > 0 }

// Matches reports whether the severity is in mask. OK matches only a zero mask.
func (s *Status) Matches(mask Severity) bool {
	if s == nil {
		return mask == SeverityOK
	}
	if s.Severity == SeverityOK {
		return mask == SeverityOK
	}
	return s.Severity&mask != 0
}

// AsError returns nil for OK/INFO results and an error otherwise. The error
// unwraps to the cause when there is one.
func (s *Status) AsError() error {
	if s == nil || s.Severity <= SeverityInfo {
		return nil
	}
	return &statusError{st: s}
}

func (s *Status) String() string {
	if s == nil {
		return "ok"
	}
	var b strings.Builder
	b.WriteString(s.Severity.String())
	if s.Message != "" {
		b.WriteString(": ")
		b.WriteString(s.Message)
	}
	if s.Err != nil && s.Err.Error() != s.Message {
		b.WriteString(" (")
		b.WriteString(s.Err.Error())
		b.WriteString(")")
	}
	if len(s.Children) > 0 {
		b.WriteString(" [")
		for i, c := range s.Children {
			if i > 0 {
				b.WriteString("; ")
			}
			b.WriteString(c.String())
		}
		b.WriteString("]")
	}
	return b.String()
}

type statusError struct{ st *Status }

func (e *statusError) Error() string { return e.st.String() }

func (e *statusError) Unwrap() []error {
	var errs []error
	if e.st.Err != nil {
		errs = append(errs, e.st.Err)
	}
	for _, c := range e.st.Children {
		if err := c.AsError(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Join is errors.Join over the non-OK statuses, handy for callers that only
// speak error.
func Join(sts ...*Status) error {
	var errs []error
	for _, s := range sts {
		if err := s.AsError(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
