// SPDX-License-Identifier: Apache-2.0

// Package worker is the single-goroutine event loop a relay.Server or
// relay.Client is confined to, grounded on the teacher's reconnect
// loop in pkg/client/client.go.
package worker

import (
	"sync"
	"time"
)

// Loop runs arbitrary posted jobs on one goroutine, one at a time, so
// every relay.Server/relay.Client method call they wrap arrives from
// exactly that goroutine. It is the thing Schedule and every
// ioloop.Loop callback post into.
type Loop struct {
	jobs      chan func()
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New returns a Loop with a reasonably sized job buffer; callers still
// confined to the loop goroutine itself never block on Post because
// they never post to themselves synchronously.
func New() *Loop {
	return &Loop{
		jobs:   make(chan func(), 64),
		closed: make(chan struct{}),
	}
}

// Start spawns the loop goroutine.
func (l *Loop) Start() {
	l.wg.Add(1)
	go l.run()
}

func (l *Loop) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.closed:
			return
		case job := <-l.jobs:
			job()
		}
	}
}

// Post enqueues job to run on the loop goroutine, blocking until there
// is room or the loop is closed. Call this from any goroutine other
// than the loop's own.
func (l *Loop) Post(job func()) {
	select {
	case l.jobs <- job:
	case <-l.closed:
	}
}

// Schedule posts job after delay, satisfying relay.Scheduler's
// underlying timer primitive. The timer's own goroutine never touches
// job directly — it only posts, matching design note §9's
// single-worker-confinement guarantee.
func (l *Loop) Schedule(delay time.Duration, job func()) {
	time.AfterFunc(delay, func() { l.Post(job) })
}

// Close stops accepting new jobs and waits for the loop goroutine to
// drain its current job, if any, and exit.
func (l *Loop) Close() {
	l.closeOnce.Do(func() { close(l.closed) })
	l.wg.Wait()
}
