// SPDX-License-Identifier: Apache-2.0

package server

import (
	logging "github.com/loopholelabs/logging/types"

	"github.com/loopholelabs/relay/internal/listener"
	"github.com/loopholelabs/relay/pkg/relay"
)

// Options configures a Server. Req is the decoded request type, Resp
// the decoded response type; both flow straight through to the
// relay.Server each accepted connection gets.
type Options[Req, Resp any] struct {
	UnixPath string
	MaxConn  int

	Config            relay.ServerConfig
	Handler           relay.Handler[Req, Resp]
	Codec             relay.Codec[Resp, Req]
	PendingBufferSize int

	Logger logging.Logger
	Extra  []relay.ServerOption[Req, Resp]
}

func validOptions[Req, Resp any](options *Options[Req, Resp]) bool {
	return options != nil && options.UnixPath != "" && options.MaxConn > 0 && options.Handler != nil && options.Codec != nil && options.Logger != nil
}

func (options *Options[Req, Resp]) listener() *listener.Options {
	return &listener.Options{
		UnixPath: options.UnixPath,
		MaxConn:  options.MaxConn,
		Logger:   options.Logger,
	}
}
