// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"io"
	"sync"

	logging "github.com/loopholelabs/logging/types"

	"github.com/loopholelabs/relay/internal/listener"
	"github.com/loopholelabs/relay/pkg/worker"
)

var (
	OptionsErr = errors.New("invalid options")
	CreateErr  = errors.New("unable to create server")
	CloseErr   = errors.New("unable to close server")
)

// Server accepts Unix domain socket connections and starts one
// worker.ServerLoop (and the relay.Server bound to it) per accepted
// connection, replacing the teacher's rpc.Server.HandleConnection
// dispatch with the generic relay core.
type Server[Req, Resp any] struct {
	listener *listener.Listener
	logger   logging.Logger
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[io.ReadWriteCloser]struct{}
}

func New[Req, Resp any](options *Options[Req, Resp]) (*Server[Req, Resp], error) {
	if !validOptions(options) {
		return nil, OptionsErr
	}
	lis, err := listener.New(options.listener())
	if err != nil {
		return nil, errors.Join(CreateErr, err)
	}
	s := &Server[Req, Resp]{
		listener: lis,
		logger:   options.Logger.SubLogger("server"),
		conns:    make(map[io.ReadWriteCloser]struct{}),
	}
	s.wg.Add(1)
	go s.serve(options)
	return s, nil
}

func (s *Server[Req, Resp]) serve(options *Options[Req, Resp]) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		sl, err := worker.NewServerLoop[Req, Resp](options.Config, options.Handler, conn, options.Codec, options.PendingBufferSize, options.Logger, options.Extra...)
		if err != nil {
			s.logger.Error().Err(err).Msg("unable to start server loop for accepted connection")
			_ = conn.Close()
			continue
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go func() {
			sl.Serve()
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

// Close stops accepting new connections, force-closes every connection
// already accepted (each ServerLoop notices on its own read/write
// goroutine and tears itself down), and waits for the accept loop to
// exit.
func (s *Server[Req, Resp]) Close() error {
	err := s.listener.Close()
	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	if err != nil {
		return errors.Join(CloseErr, err)
	}
	return nil
}
