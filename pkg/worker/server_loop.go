// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"io"
	"time"

	logging "github.com/loopholelabs/logging/types"

	"github.com/loopholelabs/relay/pkg/ioloop"
	"github.com/loopholelabs/relay/pkg/relay"
)

// idleCheckInterval is how often each loop re-runs its timeout sweep,
// for as long as the loop runs.
const idleCheckInterval = 50 * time.Millisecond

type idleTick struct{}

// ServerLoop binds a relay.Server to one accepted connection via a
// Loop and a pkg/ioloop.Loop, grounded on the teacher's
// rpc.Server.HandleConnection: one loop per connection, torn down when
// the connection closes or its queue fully drains after a graceful
// disconnect.
type ServerLoop[Req, Resp any] struct {
	loop   *Loop
	server *relay.Server[Req, Resp]
	io     *ioloop.Loop[Resp, Req]
	conn   io.ReadWriteCloser
	logger logging.Logger
	done   chan struct{}
}

// NewServerLoop constructs the relay.Server itself, so it can wire
// itself in as both the server's Scheduler and its onDrained callback
// before the server ever processes a message. It does not start
// running until Serve is called.
func NewServerLoop[Req, Resp any](config relay.ServerConfig, handler relay.Handler[Req, Resp], conn io.ReadWriteCloser, codec relay.Codec[Resp, Req], pendingBufferSize int, logger logging.Logger, extra ...relay.ServerOption[Req, Resp]) (*ServerLoop[Req, Resp], error) {
	sl := &ServerLoop[Req, Resp]{
		loop:   New(),
		conn:   conn,
		logger: logger.SubLogger("worker"),
		done:   make(chan struct{}),
	}
	sl.io = ioloop.New[Resp, Req](codec, pendingBufferSize, sl.logger)

	opts := append([]relay.ServerOption[Req, Resp]{
		relay.WithScheduler[Req, Resp](sl),
		relay.WithOnDrained[Req, Resp](func() { sl.closeConnection() }),
	}, extra...)

	server, err := relay.NewServer[Req, Resp](config, handler, sl.io, logger, opts...)
	if err != nil {
		return nil, err
	}
	sl.server = server
	return sl, nil
}

// Schedule implements relay.Scheduler.
func (sl *ServerLoop[Req, Resp]) Schedule(delay time.Duration, message any) {
	sl.loop.Schedule(delay, func() { sl.handleScheduled(message) })
}

func (sl *ServerLoop[Req, Resp]) handleScheduled(message any) {
	switch message.(type) {
	case idleTick:
		sl.server.IdleCheck(idleCheckInterval)
		sl.Schedule(idleCheckInterval, idleTick{})
	}
}

func (sl *ServerLoop[Req, Resp]) closeConnection() {
	sl.io.Close()
	select {
	case <-sl.done:
	default:
		close(sl.done)
	}
}

// Serve starts the loop goroutine and the connection's read/write
// goroutines, and blocks until the connection is closed.
func (sl *ServerLoop[Req, Resp]) Serve() {
	sl.loop.Start()
	sl.loop.Post(func() {
		sl.Schedule(idleCheckInterval, idleTick{})
	})
	sl.io.Bind(sl.conn,
		func(req Req) {
			sl.loop.Post(func() { sl.server.ProcessMessage(req) })
		},
		func(err error) {
			sl.loop.Post(func() {
				sl.server.ConnectionClosed()
				sl.closeConnection()
			})
		},
	)
	<-sl.done
	sl.loop.Close()
}

// Close gracefully disconnects the bound server, letting its queue
// drain before the connection is torn down.
func (sl *ServerLoop[Req, Resp]) Close() {
	sl.loop.Post(func() { sl.server.GracefulDisconnect() })
}
