// SPDX-License-Identifier: Apache-2.0

package ioloop

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/loopholelabs/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopholelabs/relay/pkg/relay"
	"github.com/loopholelabs/relay/pkg/wire"
)

// stringCodec is a trivial relay.Codec[string, string] so these tests
// exercise the Loop's framing and pause/resume machinery without
// pulling in pkg/wire's UUID/polyglot machinery.
type stringCodec struct{}

func (stringCodec) Encode(s string) ([]byte, error) { return []byte(s), nil }
func (stringCodec) Decode(b []byte) (string, error) { return string(b), nil }
func (stringCodec) Reset()                          {}

func newBoundPair(t *testing.T) (*Loop[string, string], *Loop[string, string]) {
	a, b := net.Pipe()
	logger := logging.NewTestLogger(t)
	la := New[string, string](stringCodec{}, 10, logger)
	lb := New[string, string](stringCodec{}, 10, logger)
	la.Bind(a, func(string) {}, func(error) {})
	lb.Bind(b, func(string) {}, func(error) {})
	t.Cleanup(func() {
		la.Close()
		lb.Close()
	})
	return la, lb
}

func TestLoopRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	logger := logging.NewTestLogger(t)
	la := New[string, string](stringCodec{}, 10, logger)
	lb := New[string, string](stringCodec{}, 10, logger)
	t.Cleanup(func() {
		la.Close()
		lb.Close()
	})

	var mu sync.Mutex
	var received []string
	done := make(chan struct{}, 1)

	lb.Bind(b, func(msg string) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
		done <- struct{}{}
	}, func(error) {})
	la.Bind(a, func(string) {}, func(error) {})

	ok := la.Push("hello", 0, func(result relay.WriteResult) {
		assert.Equal(t, relay.WriteSuccess, result)
	})
	require.True(t, ok)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"hello"}, received)
}

// TestLoopRoundTripWithWireCodec exercises the concrete codec this
// module actually ships (pkg/wire) rather than the trivial stringCodec
// test double every other Loop/worker/listener test uses, so the wire
// Request/Response pair is proven to decode correctly through a real
// bound Loop pair, nil-Data responses included.
func TestLoopRoundTripWithWireCodec(t *testing.T) {
	a, b := net.Pipe()
	logger := logging.NewTestLogger(t)
	server := New[wire.Response, wire.Request](wire.NewServerCodec(), 10, logger)
	client := New[wire.Request, wire.Response](wire.NewClientCodec(), 10, logger)
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	requestID := uuid.New()
	received := make(chan wire.Request, 1)
	responses := make(chan wire.Response, 1)
	server.Bind(b, func(req wire.Request) { received <- req }, func(error) {})
	client.Bind(a, func(resp wire.Response) { responses <- resp }, func(error) {})

	ok := client.Push(wire.Request{ID: requestID, Type: 9, Data: []byte("ping")}, 0, func(result relay.WriteResult) {
		assert.Equal(t, relay.WriteSuccess, result)
	})
	require.True(t, ok)

	var req wire.Request
	select {
	case req = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request")
	}
	assert.Equal(t, requestID, req.ID)
	assert.Equal(t, uint32(9), req.Type)
	assert.Equal(t, []byte("ping"), req.Data)

	// a success response with nil Data: the case that used to desync
	// the wire codec's decoder.
	responseID := uuid.New()
	ok = server.Push(wire.Response{ID: responseID, Data: nil}, 0, func(result relay.WriteResult) {
		assert.Equal(t, relay.WriteSuccess, result)
	})
	require.True(t, ok)

	select {
	case resp := <-responses:
		assert.Equal(t, responseID, resp.ID)
		assert.NoError(t, resp.Error)
		assert.Nil(t, resp.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestLoopPushRejectsWhenFull(t *testing.T) {
	a, b := net.Pipe()
	logger := logging.NewTestLogger(t)
	la := New[string, string](stringCodec{}, 1, logger)
	t.Cleanup(func() {
		la.Close()
		_ = b.Close()
	})
	// no write goroutine bound yet, so the single slot fills immediately.
	_ = a

	ok := la.Push("first", 0, func(relay.WriteResult) {})
	require.True(t, ok)

	ok = la.Push("second", 0, func(relay.WriteResult) {})
	assert.False(t, ok, "push must fail once the outgoing channel is full")
}

func TestLoopPurgeOutgoingFailsQueuedPushes(t *testing.T) {
	a, b := net.Pipe()
	logger := logging.NewTestLogger(t)
	la := New[string, string](stringCodec{}, 4, logger)
	t.Cleanup(func() {
		la.Close()
		_ = a.Close()
		_ = b.Close()
	})

	var results []relay.WriteResult
	for i := 0; i < 3; i++ {
		la.Push("queued", 0, func(result relay.WriteResult) {
			results = append(results, result)
		})
	}

	la.PurgeOutgoing()

	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, relay.WriteFailure, r)
	}
}

func TestLoopExpirePendingCancelsStaleItemsOnly(t *testing.T) {
	a, b := net.Pipe()
	logger := logging.NewTestLogger(t)
	la := New[string, string](stringCodec{}, 4, logger)
	t.Cleanup(func() {
		la.Close()
		_ = a.Close()
		_ = b.Close()
	})

	var results []relay.WriteResult
	for _, ts := range []int64{100, 200, 300} {
		la.Push("queued", ts, func(result relay.WriteResult) {
			results = append(results, result)
		})
	}

	// cutoff of 250 expires the two oldest (ts 100, 200), leaves ts 300.
	la.ExpirePending(250)

	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, relay.WriteCancelled, r)
	}

	// the survivor is still queued and resolves normally on purge.
	la.PurgeOutgoing()
	require.Len(t, results, 3)
	assert.Equal(t, relay.WriteFailure, results[2])
}

func TestLoopRebindSurvivesReconnect(t *testing.T) {
	logger := logging.NewTestLogger(t)
	l := New[string, string](stringCodec{}, 10, logger)

	a1, b1 := net.Pipe()
	lostFirst := make(chan struct{}, 1)
	// writes stay paused across the first generation, so its write
	// goroutine never drains this: the underlying conn closes before
	// anything is written.
	l.PauseWrites()
	l.Bind(a1, func(string) {}, func(error) { lostFirst <- struct{}{} })

	var firstResult relay.WriteResult
	resultSet := make(chan struct{}, 1)
	ok := l.Push("buffered", 0, func(r relay.WriteResult) {
		firstResult = r
		resultSet <- struct{}{}
	})
	require.True(t, ok)

	_ = b1.Close()
	select {
	case <-lostFirst:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection loss")
	}
	l.StopConnection()

	a2, b2 := net.Pipe()
	received := make(chan string, 1)
	l.Bind(a2, func(string) {}, func(error) {})
	lb2 := New[string, string](stringCodec{}, 10, logger)
	lb2.Bind(b2, func(msg string) { received <- msg }, func(error) {})
	t.Cleanup(func() {
		l.Close()
		lb2.Close()
	})
	l.ResumeWrites()

	select {
	case msg := <-received:
		assert.Equal(t, "buffered", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the buffered send to drain after reconnect")
	}

	select {
	case <-resultSet:
		assert.Equal(t, relay.WriteSuccess, firstResult)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the push result")
	}
}
