package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPostOrdering(t *testing.T) {
	exec := New()
	defer exec.Stop()

	results := make([]int, 0)
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		exec.Post(func() { results = append(results, i) })
	}
	exec.Post(func() { close(done) })
	<-done
	assert.Len(t, results, 100)
	for i, value := range results {
		assert.Equal(t, i, value)
	}
}

func TestPostFromTask(t *testing.T) {
	exec := New()
	defer exec.Stop()

	done := make(chan struct{})
	exec.Post(func() {
		exec.Post(func() { close(done) })
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested post was not processed")
	}
}

func TestSubmitWait(t *testing.T) {
	exec := New()
	defer exec.Stop()

	done := make(chan time.Time, 1)
	start := time.Now()
	exec.SubmitWait(50*time.Millisecond, func() { done <- time.Now() })
	select {
	case fired := <-done:
		assert.GreaterOrEqual(t, fired.Sub(start), 50*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}
