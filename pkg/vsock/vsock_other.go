//go:build !linux

// SPDX-License-Identifier: Apache-2.0

package vsock

import (
	"context"
	"errors"
	"io"

	"github.com/loopholelabs/relay/pkg/worker"
)

var (
	UnsupportedErr = errors.New("not supported on this platform")
)

// DialFunc returns a worker.DialFunc that always fails: AF_VSOCK is
// Linux-only.
func DialFunc(uint32, uint32) worker.DialFunc {
	return func(context.Context) (io.ReadWriteCloser, error) {
		return nil, UnsupportedErr
	}
}
