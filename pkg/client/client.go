// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"

	"github.com/loopholelabs/relay/internal/deferred"
	"github.com/loopholelabs/relay/pkg/worker"
)

var (
	OptionsErr = errors.New("invalid options")
	CreateErr  = errors.New("unable to create client")
)

// Client is the public façade over a worker.ClientLoop: dial with
// backoff, reconnect on loss, send requests that correlate with
// responses by arrival order. Req/Resp are fixed generic parameters, so
// one Options[Req, Resp] value describes a whole connection's wire
// shape.
type Client[Req, Resp any] struct {
	loop *worker.ClientLoop[Req, Resp]
}

// New constructs and starts a Client: the first dial attempt begins
// immediately, in the background.
func New[Req, Resp any](options *Options[Req, Resp]) (*Client[Req, Resp], error) {
	if !validOptions(options) {
		return nil, OptionsErr
	}
	loop, err := worker.NewClientLoop[Req, Resp](options.Config, options.Dial, options.Codec, options.PendingBufferSize, options.Logger, options.Extra...)
	if err != nil {
		return nil, errors.Join(CreateErr, err)
	}
	loop.Start()
	return &Client[Req, Resp]{loop: loop}, nil
}

// Send submits req and returns a Deferred that resolves once the
// server's response for it arrives, or once the request fails (not
// connected, timed out, or dropped during a disconnect). Safe to call
// from any goroutine.
func (c *Client[Req, Resp]) Send(req Req) *deferred.Deferred[Resp] {
	return c.loop.Send(req)
}

// Close gracefully disconnects, waiting for any outstanding requests to
// drain before the underlying connection is torn down.
func (c *Client[Req, Resp]) Close() error {
	c.loop.Stop()
	return nil
}
