//go:build linux

// SPDX-License-Identifier: Apache-2.0

package vsock

import (
	"context"
	"io"

	internalvsock "github.com/loopholelabs/relay/internal/vsock"
	"github.com/loopholelabs/relay/pkg/worker"
)

// DialFunc returns a worker.DialFunc that connects to the given
// AF_VSOCK context ID and port, delegating to internal/vsock instead of
// duplicating the socket/connect syscalls here — the fix for the
// teacher's own "convert to dialContext" TODO.
func DialFunc(cid uint32, port uint32) worker.DialFunc {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		return internalvsock.DialContext(ctx, cid, port)
	}
}
