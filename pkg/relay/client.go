// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"math"
	"time"

	logging "github.com/loopholelabs/logging/types"

	"github.com/loopholelabs/relay/internal/deferred"
	"github.com/loopholelabs/relay/internal/metrics"
	"github.com/loopholelabs/relay/internal/reconnect"
)

// ClientConfig is the client-side configuration surface from §6.4.
type ClientConfig struct {
	// Address is the remote endpoint, used only for logging/metrics
	// tagging: dialing itself is owned by the caller (pkg/worker).
	Address string

	// Name is the metric prefix for every metric this client emits.
	Name string

	RequestTimeout time.Duration

	// PendingBufferSize is the configured cap on requests buffered
	// unwritten in the IOController. The Client only defaults and
	// validates it; the cap Push enforces is the controller's own
	// capacity, set when the controller is built.
	PendingBufferSize int

	// SentBufferSize is the soft cap on SentQueue; once reached, writes
	// pause until the queue drains below it again.
	SentBufferSize int

	// FailFast, when true, drops new sends immediately whenever there
	// is no live writer, instead of buffering them for the next
	// reconnect.
	FailFast bool

	ConnectionAttempts reconnect.Policy
}

func (c *ClientConfig) setDefaults() {
	if c.PendingBufferSize <= 0 {
		c.PendingBufferSize = 100
	}
	if c.SentBufferSize <= 0 {
		c.SentBufferSize = 20
	}
}

var ErrInvalidClientConfig = errors.New("invalid client config")

func validClientConfig(c ClientConfig) bool {
	return c.Name != "" && c.Address != "" && c.PendingBufferSize >= 1 && c.SentBufferSize >= 1
}

// ReconnectSignal is the message a Client schedules via its Scheduler
// when it wants the worker to attempt another connection.
type ReconnectSignal struct{}

// Client is the ServiceClient core: it sends requests on a single
// connection and correlates incoming responses with outstanding
// handlers by FIFO order. A Client is confined to one worker goroutine;
// every method here (other than the thread-safe façade built on top of
// it, see pkg/worker) must be invoked from that goroutine.
type Client[Req, Resp any] struct {
	config ClientConfig
	io     IOController[Req]
	sched  Scheduler
	logger logging.Logger
	sink   metrics.Sink
	clock  func() int64

	sent                 *sentQueue[Req, Resp]
	hasWriter            bool
	writesPaused         bool
	disconnecting        bool
	manuallyDisconnected bool
	connectionAttempts   int

	requestRate     metrics.Rate
	droppedRequests metrics.Counter

	// onFullyDisconnected is invoked exactly once, once GracefulDisconnect
	// has been called and SentQueue has fully drained; the caller wires
	// this to actually close the connection.
	onFullyDisconnected func()
}

// ClientOption customizes a Client at construction time.
type ClientOption[Req, Resp any] func(*Client[Req, Resp])

func WithClientSink[Req, Resp any](sink metrics.Sink) ClientOption[Req, Resp] {
	return func(c *Client[Req, Resp]) { c.sink = sink }
}

func WithClientScheduler[Req, Resp any](sched Scheduler) ClientOption[Req, Resp] {
	return func(c *Client[Req, Resp]) { c.sched = sched }
}

func WithClientClock[Req, Resp any](clock func() int64) ClientOption[Req, Resp] {
	return func(c *Client[Req, Resp]) { c.clock = clock }
}

// WithOnFullyDisconnected wires the callback invoked once a graceful
// disconnect has fully drained SentQueue.
func WithOnFullyDisconnected[Req, Resp any](fn func()) ClientOption[Req, Resp] {
	return func(c *Client[Req, Resp]) { c.onFullyDisconnected = fn }
}

// NewClient constructs a Client bound to io.
func NewClient[Req, Resp any](config ClientConfig, io IOController[Req], logger logging.Logger, opts ...ClientOption[Req, Resp]) (*Client[Req, Resp], error) {
	config.setDefaults()
	if !validClientConfig(config) || io == nil || logger == nil {
		return nil, ErrInvalidClientConfig
	}
	c := &Client[Req, Resp]{
		config: config,
		io:     io,
		logger: logger.SubLogger(config.Name),
		sink:   metrics.Noop,
		clock:  defaultClock,
		sent:   newSentQueue[Req, Resp](),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.requestRate = c.sink.Rate(c.metricName("requests"))
	c.droppedRequests = c.sink.Counter(c.metricName("dropped_requests"))
	return c, nil
}

func (c *Client[Req, Resp]) metricName(suffix string) string {
	return c.config.Name + "." + suffix
}

func (c *Client[Req, Resp]) Schedule(delay time.Duration, message any) {
	if c.sched == nil {
		return
	}
	c.sched.Schedule(delay, message)
}

// Connect instructs the worker to initiate a connection. It is the only
// guard the core itself applies; the actual dial is owned by the
// caller.
func (c *Client[Req, Resp]) Connect() error {
	if c.manuallyDisconnected {
		return ErrStaleClient
	}
	return nil
}

// Send enqueues a send and returns a Deferred that completes with the
// response or a typed error.
func (c *Client[Req, Resp]) Send(request Req) *deferred.Deferred[Resp] {
	result := deferred.New[Resp]()
	s := &sourcedRequest[Req, Resp]{
		request: request,
		start:   c.clock(),
		handler: func(resp Resp, err error) { result.Complete(resp, err) },
	}
	c.attemptWrite(s)
	return result
}

func (c *Client[Req, Resp]) attemptWrite(s *sourcedRequest[Req, Resp]) {
	var zero Resp
	if c.disconnecting {
		s.complete(zero, ErrNotConnected)
		return
	}

	if c.hasWriter || !c.config.FailFast {
		accepted := c.io.Push(s.request, s.start, func(result WriteResult) {
			switch result {
			case WriteSuccess:
				c.sent.push(s)
			case WriteFailure:
				s.complete(zero, errSendFailed)
			case WriteCancelled:
				s.complete(zero, ErrTimeout)
			}
		})
		if accepted {
			if c.sent.len() >= c.config.SentBufferSize {
				c.io.PauseWrites()
				c.writesPaused = true
			}
			return
		}
		s.complete(zero, ErrClientOverloaded)
		return
	}

	c.droppedRequests.Inc()
	s.complete(zero, ErrNotConnected)
}

// ProcessResponse correlates the nth decoded response with the nth
// SentQueue entry. A response with nothing outstanding is a protocol
// desync and is returned as ErrData.
func (c *Client[Req, Resp]) ProcessResponse(resp Resp) error {
	s, ok := c.sent.pop()
	if !ok {
		return ErrData
	}

	elapsed := float64(c.clock() - s.start)
	c.sink.Histogram(c.metricName("latency")).Observe(elapsed)
	s.complete(resp, nil)
	c.requestRate.Inc()

	c.checkGracefulDisconnect()

	if c.writesPaused && c.sent.len() < c.config.SentBufferSize {
		c.writesPaused = false
		c.io.ResumeWrites()
	}
	return nil
}

// Connected resets reconnect bookkeeping and signals the controller it
// may resume delivering inbound data.
func (c *Client[Req, Resp]) Connected() {
	c.hasWriter = true
	c.connectionAttempts = 0
	c.io.ReadyForData()
}

// ConnectionClosed handles a clean close: the client becomes terminal
// and every outstanding request fails.
func (c *Client[Req, Resp]) ConnectionClosed() {
	c.manuallyDisconnected = true
	c.purgeBuffers(ErrNotConnected)
}

// ConnectionLost handles an errored close: outstanding requests fail
// and a bounded reconnect attempt is scheduled.
func (c *Client[Req, Resp]) ConnectionLost() {
	c.purgeBuffers(ErrConnectionLost)
	c.sink.Rate(c.metricName("disconnects")).Inc()
	c.attemptReconnect()
}

// IdleCheck sweeps the controller's pending buffer for writes older
// than RequestTimeout, completing each as a Cancelled write so
// attemptWrite's WriteCancelled branch turns it into ErrTimeout for
// the waiting caller. A no-op when RequestTimeout is unset. Mirrors
// relay.Server.IdleCheck's sweep, but over writes that never left the
// controller rather than completed promises.
func (c *Client[Req, Resp]) IdleCheck(time.Duration) {
	if c.config.RequestTimeout <= 0 {
		return
	}
	c.io.ExpirePending(c.clock() - c.config.RequestTimeout.Milliseconds())
}

// ConnectionFailed handles a failed initial connection attempt.
func (c *Client[Req, Resp]) ConnectionFailed() {
	c.sink.Rate(c.metricName("connection_failures")).Inc()
	c.attemptReconnect()
}

func (c *Client[Req, Resp]) attemptReconnect() {
	if c.disconnecting {
		return
	}
	if c.config.ConnectionAttempts.IsExpended(c.connectionAttempts) {
		if len(c.config.Address) > 0 {
			c.logger.Warn().Str("address", c.config.Address).Int("attempts", c.connectionAttempts).Msg("giving up reconnecting")
		}
		return
	}
	c.connectionAttempts++
	c.Schedule(c.config.ConnectionAttempts.Interval, ReconnectSignal{})
}

// purgeBuffers clears the writer handle and fails every SourcedRequest
// still in SentQueue with cause: those were already written and are
// awaiting a response, so they cannot survive the connection going
// away regardless of FailFast. Requests still sitting unwritten in the
// controller's pending buffer are a different story: in failFast mode
// they are purged immediately, same as sent ones; otherwise they are
// left exactly where they are so the controller can carry them across
// to the next connection once a reconnect binds a new writer (see
// pkg/ioloop's generation/rebind design). The trailing
// checkGracefulDisconnect call matters when GracefulDisconnect was
// called with requests still outstanding and the connection drops
// before they're answered normally: draining SentQueue here is the
// only other place it can reach zero, so onFullyDisconnected has to be
// checked from here too, not just from ProcessResponse.
func (c *Client[Req, Resp]) purgeBuffers(cause error) {
	c.hasWriter = false
	c.sent.drain(func(s *sourcedRequest[Req, Resp]) {
		c.sink.Rate(c.metricName("errors"), metrics.Tag{Key: "kind", Value: kindOf(cause)}).Inc()
		var zero Resp
		s.complete(zero, cause)
	})
	if c.config.FailFast {
		c.io.PurgePending()
	}
	c.checkGracefulDisconnect()
}

// GracefulDisconnect sets disconnecting and manuallyDisconnected, purges
// the controller's not-yet-written queue (cancelling those entries with
// a timeout-style error), and schedules a full disconnect once
// SentQueue drains.
func (c *Client[Req, Resp]) GracefulDisconnect() {
	if c.disconnecting {
		return
	}
	c.disconnecting = true
	c.manuallyDisconnected = true
	// every unwritten entry is older than this cutoff, so each completes
	// as a Cancelled write, which attemptWrite turns into ErrTimeout.
	c.io.ExpirePending(math.MaxInt64)
	c.io.PurgeOutgoing()
	c.io.PurgePending()
	c.checkGracefulDisconnect()
}

func (c *Client[Req, Resp]) checkGracefulDisconnect() {
	if c.disconnecting && c.sent.len() == 0 && c.onFullyDisconnected != nil {
		c.onFullyDisconnected()
	}
}

// IsConnected reports whether the client currently has a live writer
// and has not begun disconnecting.
func (c *Client[Req, Resp]) IsConnected() bool {
	return c.hasWriter && !c.disconnecting
}

// SentLen reports how many requests are currently awaiting a response.
// Exposed for tests and observability.
func (c *Client[Req, Resp]) SentLen() int { return c.sent.len() }
