package progress

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounterRecordsWork(t *testing.T) {
	t.Parallel()

	c := NewCounter()
	c.Begin("copy", 10)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Worked(2)
		}()
	}
	wg.Wait()
	c.Worked(-3)
	c.Done()

	s := c.Snapshot()
	assert.Equal(t, "copy", s.Name)
	assert.Equal(t, 10, s.Worked)
	assert.Equal(t, 1, s.Dones)
	assert.InDelta(t, 1.0, s.Fraction(), 0.0001)
}

func TestCancelFlag(t *testing.T) {
	t.Parallel()

	var m Monitor = NewNull()
	assert.False(t, Canceled(m))
	m.SetCanceled(true)
	assert.True(t, Canceled(m))
	assert.False(t, Canceled(nil))
	assert.NotNil(t, OrNull(nil))
	assert.Same(t, m, OrNull(m))
}
