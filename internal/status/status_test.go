package status

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMultiTakesHighestSeverity(t *testing.T) {
	t.Parallel()

	m := Multi("group", OK, Warning("slow"), nil, Error("boom", nil))
	assert.Equal(t, SeverityError, m.Severity)
	assert.Len(t, m.Children, 3)
	assert.True(t, m.IsMulti())
	assert.Equal(t, SeverityOK, Multi("empty").Severity)
}

func TestMatches(t *testing.T) {
	t.Parallel()

	assert.True(t, OK.Matches(SeverityOK))
	assert.False(t, OK.Matches(SeverityError))
	assert.True(t, Cancel.Matches(SeverityCancel|SeverityError))
	assert.False(t, Warning("w").Matches(SeverityError))
	assert.True(t, (*Status)(nil).Matches(SeverityOK))
}

func TestAsErrorUnwrapsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk full")
	err := Multi("all", Error("write", cause)).AsError()
	assert.ErrorIs(t, err, cause)
	assert.NoError(t, OK.AsError())
	assert.NoError(t, Info("fyi").AsError())
	assert.ErrorIs(t, Join(OK, Error("", cause)), cause)
}

func TestAsyncMarker(t *testing.T) {
	t.Parallel()

	assert.True(t, AsyncFinish.IsAsync())
	assert.False(t, OK.IsAsync())
	assert.Equal(t, "error: boom (disk)", Error("boom", errors.New("disk")).String())
}
