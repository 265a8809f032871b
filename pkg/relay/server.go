// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"fmt"
	"time"

	logging "github.com/loopholelabs/logging/types"

	"github.com/loopholelabs/relay/internal/deferred"
	"github.com/loopholelabs/relay/internal/metrics"
)

// ServerConfig is the server-side configuration surface from §6.4.
type ServerConfig struct {
	// Name is the metric prefix for every metric this server emits.
	Name string

	// RequestTimeout is how long a promise may sit incomplete at the
	// head of the queue before the idle sweep times it out.
	RequestTimeout time.Duration

	// RequestBufferSize is the soft limit on in-flight promises. Once
	// the queue reaches it, further requests are still accepted but
	// immediately rejected with Overloaded. Must be >= 1.
	RequestBufferSize int

	// LogErrors gates error-path logging.
	LogErrors bool
}

func (c *ServerConfig) setDefaults() {
	if c.RequestBufferSize <= 0 {
		c.RequestBufferSize = 100
	}
}

var ErrInvalidServerConfig = errors.New("invalid server config")

func validServerConfig(c ServerConfig) bool {
	return c.Name != "" && c.RequestBufferSize >= 1
}

// serverState mirrors the distilled spec's Active -> Draining -> Closed
// state machine.
type serverState int

const (
	serverActive serverState = iota
	serverDraining
	serverClosed
)

// Server is the ServiceServer core: it accepts decoded requests on a
// single connection (ProcessMessage), dispatches them to a Handler, and
// writes responses back to the IOController strictly in arrival order.
// A Server is confined to one worker goroutine; every method here must
// be invoked from that goroutine.
type Server[Req, Resp any] struct {
	config  ServerConfig
	handler Handler[Req, Resp]
	io      IOController[Resp]
	sched   Scheduler
	logger  logging.Logger
	sink    metrics.Sink
	tagsFor TagsFunc[Req, Resp]
	clock   func() int64

	// onDrained is invoked exactly once, when the queue empties after
	// GracefulDisconnect has been called. The contract from §6.1 has no
	// explicit Close method; the caller (typically pkg/worker/pkg/ioloop)
	// wires this to actually tear the connection down.
	onDrained func()

	queue               *promiseQueue[Req, Resp]
	state               serverState
	connAlive           bool
	disconnecting       bool
	totalRequests       int
	concurrentRequests  metrics.Counter
	droppedWrites       metrics.Counter
}

// ServerOption customizes a Server at construction time.
type ServerOption[Req, Resp any] func(*Server[Req, Resp])

// WithSink wires an explicit metrics sink. Defaults to metrics.Noop.
func WithSink[Req, Resp any](sink metrics.Sink) ServerOption[Req, Resp] {
	return func(s *Server[Req, Resp]) { s.sink = sink }
}

// WithTagsFor wires the pluggable tagsFor(request, response) hook.
func WithTagsFor[Req, Resp any](fn TagsFunc[Req, Resp]) ServerOption[Req, Resp] {
	return func(s *Server[Req, Resp]) { s.tagsFor = fn }
}

// WithScheduler wires the worker's Schedule(delay, message) collaborator.
func WithScheduler[Req, Resp any](sched Scheduler) ServerOption[Req, Resp] {
	return func(s *Server[Req, Resp]) { s.sched = sched }
}

// WithClock overrides the monotonic millisecond clock; intended for
// deterministic tests.
func WithClock[Req, Resp any](clock func() int64) ServerOption[Req, Resp] {
	return func(s *Server[Req, Resp]) { s.clock = clock }
}

// WithOnDrained wires the callback invoked once a graceful disconnect
// has fully drained the queue.
func WithOnDrained[Req, Resp any](fn func()) ServerOption[Req, Resp] {
	return func(s *Server[Req, Resp]) { s.onDrained = fn }
}

// NewServer constructs a Server bound to io and handler. logger is
// sub-logged under config.Name, matching the teacher's
// logger.SubLogger(name) convention.
func NewServer[Req, Resp any](config ServerConfig, handler Handler[Req, Resp], io IOController[Resp], logger logging.Logger, opts ...ServerOption[Req, Resp]) (*Server[Req, Resp], error) {
	config.setDefaults()
	if !validServerConfig(config) || handler == nil || io == nil || logger == nil {
		return nil, ErrInvalidServerConfig
	}
	s := &Server[Req, Resp]{
		config:    config,
		handler:   handler,
		io:        io,
		logger:    logger.SubLogger(config.Name),
		sink:      metrics.Noop,
		tagsFor:   defaultTagsFunc[Req, Resp],
		clock:     defaultClock,
		queue:     newPromiseQueue[Req, Resp](),
		state:     serverActive,
		connAlive: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.concurrentRequests = s.sink.Counter(s.metricName("concurrent_requests"))
	s.droppedWrites = s.sink.Counter(s.metricName("dropped_writes"))
	return s, nil
}

func defaultClock() int64 { return time.Now().UnixMilli() }

func (s *Server[Req, Resp]) metricName(suffix string) string {
	return s.config.Name + "." + suffix
}

// Schedule requests a timed callback from the worker. A no-op if no
// Scheduler was wired in.
func (s *Server[Req, Resp]) Schedule(delay time.Duration, message any) {
	if s.sched == nil {
		return
	}
	s.sched.Schedule(delay, message)
}

// ProcessMessage is the inbound hook invoked by the codec layer per
// decoded request.
func (s *Server[Req, Resp]) ProcessMessage(request Req) {
	now := s.clock()
	admit := s.queue.len() < s.config.RequestBufferSize
	p := newPromise[Req, Resp](request, now)
	s.queue.push(p)
	s.concurrentRequests.Inc()
	s.totalRequests++

	var result *deferred.Deferred[Resp]
	if admit {
		result = s.safeProcessRequest(request)
	} else {
		var zero Resp
		result = deferred.Done(zero, ErrOverloaded)
	}

	result.OnComplete(func(resp Resp, err error) {
		if err != nil {
			resp = s.handleFailure(request, err)
		}
		p.complete(resp)
		s.orderingPass()
	})
}

func (s *Server[Req, Resp]) safeProcessRequest(request Req) (result *deferred.Deferred[Resp]) {
	defer func() {
		if r := recover(); r != nil {
			var zero Resp
			result = deferred.Done(zero, &UserError{Cause: fmt.Errorf("panic: %v", r)})
		}
	}()
	result = s.handler.ProcessRequest(request)
	if result == nil {
		var zero Resp
		result = deferred.Done(zero, &UserError{Cause: errors.New("ProcessRequest returned a nil result")})
	}
	return result
}

// handleFailure converts cause into a protocol response, tagging and
// optionally logging the error along the way.
func (s *Server[Req, Resp]) handleFailure(request Req, cause error) Resp {
	kind := kindOf(cause)
	s.sink.Rate(s.metricName("errors"), metrics.Tag{Key: "kind", Value: kind}).Inc()
	if s.config.LogErrors {
		s.logger.Error().Err(cause).Str("kind", kind).Msg("request failed")
	}
	return s.handler.ProcessFailure(request, cause)
}

// orderingPass is the only writer to the wire: while the connection is
// alive and the queue is non-empty and the head is complete, it
// dequeues, emits metrics, and pushes the response in arrival order.
func (s *Server[Req, Resp]) orderingPass() {
	for s.connAlive && s.state != serverClosed {
		head, ok := s.queue.front()
		if !ok || !head.isComplete() {
			return
		}
		s.queue.pop()
		resp := head.response()
		s.concurrentRequests.Dec()

		tags := s.tagsFor(head.request, resp)
		elapsed := float64(s.clock() - head.creationTime)
		s.sink.Rate(s.metricName("requests"), tags...).Inc()
		s.sink.Histogram(s.metricName("latency"), tags...).Observe(elapsed)

		accepted := s.io.Push(resp, head.creationTime, func(result WriteResult) {
			if result != WriteSuccess {
				s.droppedWrites.Inc()
				if s.config.LogErrors {
					s.logger.Warn().Msg("dropped reply")
				}
			}
		})
		if !accepted {
			s.droppedWrites.Inc()
		}

		s.checkGracefulDisconnect()
	}
}

// IdleCheck is the periodic timeout sweep: while the head is incomplete
// and older than RequestTimeout, it completes it with a timeout error.
// Because completion triggers the ordering pass, a timed-out head
// immediately flushes, unblocking already-completed successors.
func (s *Server[Req, Resp]) IdleCheck(time.Duration) {
	now := s.clock()
	for {
		head, ok := s.queue.front()
		if !ok || head.isComplete() {
			return
		}
		if now-head.creationTime <= s.config.RequestTimeout.Milliseconds() {
			return
		}
		head.complete(s.handleFailure(head.request, ErrTimeout))
		s.orderingPass()
	}
}

// GracefulDisconnect pauses reads and sets disconnecting; the connection
// is only closed once the PromiseQueue is empty.
func (s *Server[Req, Resp]) GracefulDisconnect() {
	if s.disconnecting {
		return
	}
	s.disconnecting = true
	s.state = serverDraining
	s.io.PauseReads()
	s.checkGracefulDisconnect()
}

func (s *Server[Req, Resp]) checkGracefulDisconnect() {
	if !s.disconnecting || s.state == serverClosed || s.queue.len() != 0 {
		return
	}
	s.state = serverClosed
	s.connAlive = false
	if s.onDrained != nil {
		s.onDrained()
	}
}

// ConnectionClosed handles a clean or errored close of the underlying
// connection: it emits requests_per_connection and decrements
// concurrent_requests by the number of still-queued promises. Any
// undelivered responses are discarded.
func (s *Server[Req, Resp]) ConnectionClosed() {
	s.sink.Histogram(s.metricName("requests_per_connection")).Observe(float64(s.totalRequests))
	s.concurrentRequests.Add(-int64(s.queue.len()))
	s.connAlive = false
	s.state = serverClosed
}

// IsDisconnecting reports whether GracefulDisconnect has been called.
func (s *Server[Req, Resp]) IsDisconnecting() bool { return s.disconnecting }

// QueueLen reports the number of promises currently buffered. Exposed
// for tests and observability, not part of the core algorithm.
func (s *Server[Req, Resp]) QueueLen() int { return s.queue.len() }
