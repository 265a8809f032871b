// SPDX-License-Identifier: Apache-2.0

package listener

import (
	logging "github.com/loopholelabs/logging/types"

	"github.com/loopholelabs/relay/pkg/relay"
	"github.com/loopholelabs/relay/pkg/worker"
)

// Serve accepts connections from lis until it closes, starting one
// worker.ServerLoop (and the relay.Server bound to it) per accepted
// connection. Each connection's ServerLoop runs on its own goroutine;
// Serve itself returns once lis.Accept starts reporting ClosedErr.
func Serve[Req, Resp any](lis *Listener, config relay.ServerConfig, handler relay.Handler[Req, Resp], codec relay.Codec[Resp, Req], pendingBufferSize int, logger logging.Logger, opts ...relay.ServerOption[Req, Resp]) error {
	sublogger := logger.SubLogger("listener")
	for {
		conn, err := lis.Accept()
		if err != nil {
			return err
		}
		sl, err := worker.NewServerLoop[Req, Resp](config, handler, conn, codec, pendingBufferSize, logger, opts...)
		if err != nil {
			sublogger.Error().Err(err).Msg("unable to start server loop for accepted connection")
			_ = conn.Close()
			continue
		}
		go sl.Serve()
	}
}
