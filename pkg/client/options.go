// SPDX-License-Identifier: Apache-2.0

package client

import (
	logging "github.com/loopholelabs/logging/types"

	"github.com/loopholelabs/relay/pkg/relay"
	"github.com/loopholelabs/relay/pkg/worker"
)

// Options configures a Client. Req is the type sent to the server,
// Resp the type a response decodes to.
type Options[Req, Resp any] struct {
	Config            relay.ClientConfig
	Dial              worker.DialFunc
	Codec             relay.Codec[Req, Resp]
	PendingBufferSize int
	Logger            logging.Logger
	Extra             []relay.ClientOption[Req, Resp]
}

func validOptions[Req, Resp any](options *Options[Req, Resp]) bool {
	return options != nil && options.Dial != nil && options.Codec != nil && options.Logger != nil
}
