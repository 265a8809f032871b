// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	logging "github.com/loopholelabs/logging/types"

	"github.com/loopholelabs/relay/internal/deferred"
	"github.com/loopholelabs/relay/pkg/ioloop"
	"github.com/loopholelabs/relay/pkg/relay"
)

// DialFunc establishes the underlying connection a ClientLoop drives a
// relay.Client over. Adapted from the teacher's client.DialFunc to
// take a context, so a shutdown mid-dial is cancellable.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// ClientLoop binds a relay.Client to one Loop, a DialFunc, and a single
// long-lived pkg/ioloop.Loop that survives across reconnects. It is the
// concrete "worker" design note §9 and §4.9 describe: the only
// goroutine that ever calls into the bound relay.Client.
type ClientLoop[Req, Resp any] struct {
	loop   *Loop
	client *relay.Client[Req, Resp]
	dial   DialFunc
	logger logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	io      *ioloop.Loop[Req, Resp]
	drained chan struct{}
}

// NewClientLoop constructs one persistent ioloop.Loop and the
// relay.Client bound to it, wiring itself in as both the client's
// Scheduler and its onFullyDisconnected callback before the client ever
// sends anything. The same ioloop.Loop instance is rebound to a fresh
// connection on every reconnect, so sends buffered while disconnected
// are never orphaned.
func NewClientLoop[Req, Resp any](config relay.ClientConfig, dial DialFunc, codec relay.Codec[Req, Resp], pendingBufferSize int, logger logging.Logger, extra ...relay.ClientOption[Req, Resp]) (*ClientLoop[Req, Resp], error) {
	cl := &ClientLoop[Req, Resp]{
		loop:    New(),
		dial:    dial,
		logger:  logger.SubLogger("worker"),
		drained: make(chan struct{}),
	}
	cl.ctx, cl.cancel = context.WithCancel(context.Background())
	cl.io = ioloop.New[Req, Resp](codec, pendingBufferSize, cl.logger)

	opts := append([]relay.ClientOption[Req, Resp]{
		relay.WithClientScheduler[Req, Resp](cl),
		relay.WithOnFullyDisconnected[Req, Resp](func() { cl.closeConnection() }),
	}, extra...)

	client, err := relay.NewClient[Req, Resp](config, cl.io, logger, opts...)
	if err != nil {
		return nil, err
	}
	cl.client = client
	return cl, nil
}

// Schedule implements relay.Scheduler: the worker loop is what
// relay.Client.WithClientScheduler is wired to.
func (cl *ClientLoop[Req, Resp]) Schedule(delay time.Duration, message any) {
	cl.loop.Schedule(delay, func() { cl.handleScheduled(message) })
}

func (cl *ClientLoop[Req, Resp]) handleScheduled(message any) {
	switch message.(type) {
	case relay.ReconnectSignal:
		cl.dialAndServe()
	case idleTick:
		cl.client.IdleCheck(idleCheckInterval)
		cl.Schedule(idleCheckInterval, idleTick{})
	}
}

// Start spawns the loop goroutine, kicks off the first connection
// attempt, and starts the periodic sweep that turns stale pending
// writes into timeouts (relay.Client.IdleCheck, gated on
// ClientConfig.RequestTimeout).
func (cl *ClientLoop[Req, Resp]) Start() {
	cl.loop.Start()
	cl.loop.Post(cl.dialAndServe)
	cl.loop.Post(func() { cl.Schedule(idleCheckInterval, idleTick{}) })
}

// Send posts req onto the loop goroutine and returns a Deferred that
// completes once the bound relay.Client.Send's own Deferred does. This
// is the thread-safe entry point from distilled spec §4.2: safe to call
// from any goroutine, never just the loop's own.
func (cl *ClientLoop[Req, Resp]) Send(req Req) *deferred.Deferred[Resp] {
	out := deferred.New[Resp]()
	cl.loop.Post(func() {
		cl.client.Send(req).OnComplete(func(resp Resp, err error) {
			out.Complete(resp, err)
		})
	})
	return out
}

func (cl *ClientLoop[Req, Resp]) closeConnection() {
	cl.io.Close()
	select {
	case <-cl.drained:
	default:
		close(cl.drained)
	}
}

// Stop gracefully disconnects the bound client and tears the loop down
// once it has fully drained.
func (cl *ClientLoop[Req, Resp]) Stop() {
	cl.loop.Post(func() { cl.client.GracefulDisconnect() })
	<-cl.drained
	cl.cancel()
	cl.wg.Wait()
	cl.loop.Close()
}

// dialAndServe runs the teacher's connect-then-HandleConnection shape,
// adapted: one dial attempt, rebind the persistent ioloop.Loop on
// success, mark the client connected, and block the dialing goroutine
// until that connection is lost or closed. A failed dial goes through
// relay.Client.ConnectionFailed so retries are bounded by the client's
// own ConnectionAttempts policy (and counted in connection_failures)
// instead of an unbounded backoff loop the core never sees.
func (cl *ClientLoop[Req, Resp]) dialAndServe() {
	cl.wg.Add(1)
	go func() {
		defer cl.wg.Done()
		conn, err := cl.dial(cl.ctx)
		if err != nil {
			select {
			case <-cl.ctx.Done():
				return
			default:
			}
			cl.logger.Error().Err(err).Msg("unable to create connection")
			cl.loop.Post(func() { cl.client.ConnectionFailed() })
			return
		}
		cl.io.Bind(conn,
			func(resp Resp) {
				cl.loop.Post(func() {
					if err := cl.client.ProcessResponse(resp); err != nil {
						cl.logger.Error().Err(err).Msg("response did not correlate with any outstanding request")
					}
				})
			},
			func(err error) {
				cl.loop.Post(func() {
					// a bare io.EOF means the peer closed its write side
					// cleanly with nothing left mid-frame; anything else
					// (a partial frame, a real network error) is a lost
					// connection, which reconnects.
					if errors.Is(err, io.EOF) {
						cl.client.ConnectionClosed()
					} else {
						cl.client.ConnectionLost()
					}
				})
			},
		)
		cl.loop.Post(func() { cl.client.Connected() })
	}()
}
