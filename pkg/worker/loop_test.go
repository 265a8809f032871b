// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopPostRunsJobsInOrderOnOneGoroutine(t *testing.T) {
	l := New()
	l.Start()
	t.Cleanup(l.Close)

	var mu sync.Mutex
	var order []int

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			if i == 4 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for jobs to run")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestLoopScheduleDelaysJob(t *testing.T) {
	l := New()
	l.Start()
	t.Cleanup(l.Close)

	start := time.Now()
	done := make(chan time.Time, 1)
	l.Schedule(50*time.Millisecond, func() { done <- time.Now() })

	select {
	case fired := <-done:
		assert.GreaterOrEqual(t, fired.Sub(start), 50*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for scheduled job")
	}
}

func TestLoopCloseStopsAcceptingNewJobs(t *testing.T) {
	l := New()
	l.Start()
	l.Close()

	ran := false
	l.Post(func() { ran = true })
	require.False(t, ran, "Post after Close must not run the job")
}
