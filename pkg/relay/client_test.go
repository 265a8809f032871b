// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopholelabs/relay/internal/reconnect"
)

type schedule struct {
	delay   time.Duration
	message any
}

type fakeScheduler struct {
	scheduled []schedule
}

func (f *fakeScheduler) Schedule(delay time.Duration, message any) {
	f.scheduled = append(f.scheduled, schedule{delay: delay, message: message})
}

func newTestClient(t *testing.T, cfg ClientConfig, io IOController[string], sched Scheduler) *Client[string, string] {
	opts := []ClientOption[string, string]{}
	if sched != nil {
		opts = append(opts, WithClientScheduler[string, string](sched))
	}
	c, err := NewClient[string, string](cfg, io, testLogger(t), opts...)
	require.NoError(t, err)
	return c
}

func TestClientCorrelation_S4(t *testing.T) {
	io := newFakeController[string]()
	c := newTestClient(t, ClientConfig{Name: "cli", Address: "unix:///tmp/x", SentBufferSize: 2, PendingBufferSize: 10}, io, nil)
	c.Connected()

	var results []string
	send := func(req string) {
		c.Send(req).OnComplete(func(resp string, err error) {
			if err != nil {
				results = append(results, "err:"+err.Error())
				return
			}
			results = append(results, resp)
		})
	}

	send("q1")
	send("q2")
	require.False(t, io.writesPaused, "writes must not pause before SentQueue reaches the soft cap")

	// the controller writes q1 and q2, simulating the real write loop.
	io.completeNext(WriteSuccess) // q1
	io.completeNext(WriteSuccess) // q2

	send("q3")
	assert.True(t, io.writesPaused, "third send must pause writes once SentQueue has reached sentBufferSize")

	require.NoError(t, c.ProcessResponse("s1"))
	assert.False(t, io.writesPaused, "writes resume once SentQueue drops back below the cap")

	io.completeNext(WriteSuccess) // q3, written once writes resume

	require.NoError(t, c.ProcessResponse("s2"))
	require.NoError(t, c.ProcessResponse("s3"))

	assert.Equal(t, []string{"s1", "s2", "s3"}, results)
}

func TestClientFailFastPurgesBeforeReconnect_S5(t *testing.T) {
	io := newFakeController[string]()
	io.pendingCap = 0
	sched := &fakeScheduler{}
	c := newTestClient(t, ClientConfig{
		Name: "cli", Address: "unix:///tmp/x", SentBufferSize: 20, PendingBufferSize: 20,
		FailFast:           true,
		ConnectionAttempts: reconnect.Policy{Interval: time.Millisecond, MaxAttempts: 3},
	}, io, sched)
	c.Connected()

	var failures int
	complete := func(req string) {
		c.Send(req).OnComplete(func(_ string, err error) {
			if err != nil {
				failures++
			}
		})
	}

	complete("sent-1")
	complete("sent-2")
	io.completeNext(WriteSuccess)
	io.completeNext(WriteSuccess)
	require.Equal(t, 2, c.SentLen())

	complete("pending-1")
	complete("pending-2")
	complete("pending-3")
	require.Equal(t, 3, io.len(), "pending-* must still be unresolved in the controller")

	c.ConnectionLost()

	assert.Equal(t, 5, failures, "all 5 outstanding requests must fail before reconnect fires")
	assert.Equal(t, 0, c.SentLen())
	assert.Len(t, sched.scheduled, 1, "exactly one reconnect must be scheduled")
	assert.IsType(t, ReconnectSignal{}, sched.scheduled[0].message)
}

func TestClientPendingSurvivesConnectionLossWithoutFailFast(t *testing.T) {
	io := newFakeController[string]()
	io.pendingCap = 0
	sched := &fakeScheduler{}
	c := newTestClient(t, ClientConfig{
		Name: "cli", Address: "unix:///tmp/x", SentBufferSize: 20, PendingBufferSize: 20,
		FailFast:           false,
		ConnectionAttempts: reconnect.Policy{Interval: time.Millisecond, MaxAttempts: 3},
	}, io, sched)
	c.Connected()

	var failures, successes int
	complete := func(req string) {
		c.Send(req).OnComplete(func(_ string, err error) {
			if err != nil {
				failures++
				return
			}
			successes++
		})
	}

	complete("sent-1")
	io.completeNext(WriteSuccess)
	require.Equal(t, 1, c.SentLen())

	// with no live writer, attemptWrite still pushes these into the
	// controller because FailFast is false: they must survive the
	// upcoming connection loss untouched.
	c.hasWriter = false
	complete("pending-1")
	complete("pending-2")
	require.Equal(t, 2, io.len(), "pending-* must still be buffered in the controller")

	c.ConnectionLost()

	assert.Equal(t, 1, failures, "only the already-sent request fails on connection loss")
	assert.Equal(t, 0, c.SentLen())
	assert.Equal(t, 2, io.len(), "pending-* must survive the connection loss since FailFast is false")

	// simulate the next reconnect flushing the surviving backlog.
	c.Connected()
	io.completeNext(WriteSuccess)
	io.completeNext(WriteSuccess)
	require.NoError(t, c.ProcessResponse("r1"))
	require.NoError(t, c.ProcessResponse("r2"))

	assert.Equal(t, 2, successes, "the surviving backlog must complete successfully after reconnect")
}

func TestClientGracefulDisconnectDrainsOnConnectionLoss(t *testing.T) {
	io := newFakeController[string]()
	var drained bool
	c, err := NewClient[string, string](ClientConfig{
		Name: "cli", Address: "unix:///tmp/x", SentBufferSize: 5, PendingBufferSize: 5,
	}, io, testLogger(t), WithOnFullyDisconnected[string, string](func() { drained = true }))
	require.NoError(t, err)
	c.Connected()

	c.Send("in-flight").OnComplete(func(_ string, err error) {
		assert.Error(t, err, "an in-flight send must fail when the connection drops before it's answered")
	})
	require.Equal(t, 1, io.len())
	io.completeNext(WriteSuccess)
	require.Equal(t, 1, c.SentLen())

	c.GracefulDisconnect()
	assert.False(t, drained, "onFullyDisconnected must not fire while a request is still outstanding")

	// the connection drops instead of the response arriving normally.
	c.ConnectionLost()

	assert.Equal(t, 0, c.SentLen())
	assert.True(t, drained, "purgeBuffers draining SentQueue to zero must trigger onFullyDisconnected, same as ProcessResponse would")
}

func TestClientIdleCheckCancelsStalePendingWrite(t *testing.T) {
	io := newFakeController[string]()
	var ms int64
	clock := func() int64 { return ms }
	c, err := NewClient[string, string](ClientConfig{
		Name: "cli", Address: "unix:///tmp/x", SentBufferSize: 5, PendingBufferSize: 5,
		RequestTimeout: 100 * time.Millisecond,
	}, io, testLogger(t), WithClientClock[string, string](clock))
	require.NoError(t, err)
	// no Connected() call: hasWriter stays false, and FailFast defaults
	// to false, so this send sits in the controller's pending buffer
	// indefinitely — exactly the unwritten-forever case IdleCheck exists
	// to bound.
	var timedOut bool
	c.Send("stuck").OnComplete(func(_ string, err error) {
		timedOut = assertIsTimeout(err)
	})
	require.Equal(t, 1, io.len())

	ms += 50
	c.IdleCheck(0)
	require.Equal(t, 1, io.len(), "not yet past RequestTimeout, must still be queued")
	assert.False(t, timedOut)

	ms += 60 // total 110ms, past the 100ms RequestTimeout
	c.IdleCheck(0)
	assert.Equal(t, 0, io.len(), "past RequestTimeout, the stale write must be swept")
	assert.True(t, timedOut, "a swept write must surface as ErrTimeout to the waiting caller")
}

func assertIsTimeout(err error) bool {
	return err != nil && errors.Is(err, ErrTimeout)
}

func TestClientStaleReconnect_S6(t *testing.T) {
	io := newFakeController[string]()
	c := newTestClient(t, ClientConfig{Name: "cli", Address: "unix:///tmp/x", SentBufferSize: 5, PendingBufferSize: 5}, io, nil)
	c.Connected()

	c.GracefulDisconnect()

	err := c.Connect()
	assert.ErrorIs(t, err, ErrStaleClient)
}

func TestClientReconnectBound(t *testing.T) {
	io := newFakeController[string]()
	sched := &fakeScheduler{}
	c := newTestClient(t, ClientConfig{
		Name: "cli", Address: "unix:///tmp/x", SentBufferSize: 5, PendingBufferSize: 5,
		ConnectionAttempts: reconnect.Policy{Interval: time.Millisecond, MaxAttempts: 2},
	}, io, sched)

	c.ConnectionFailed()
	c.ConnectionFailed()
	c.ConnectionFailed() // third attempt must be refused: max is 2

	assert.LessOrEqual(t, len(sched.scheduled), 2)
}

func TestClientDataDesyncOnUnmatchedResponse(t *testing.T) {
	io := newFakeController[string]()
	c := newTestClient(t, ClientConfig{Name: "cli", Address: "unix:///tmp/x", SentBufferSize: 5, PendingBufferSize: 5}, io, nil)
	c.Connected()

	err := c.ProcessResponse("orphan")
	assert.ErrorIs(t, err, ErrData)
}
