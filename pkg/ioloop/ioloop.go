// SPDX-License-Identifier: Apache-2.0

// Package ioloop is the concrete, goroutine-driven relay.IOController:
// a split read/write loop over an io.ReadWriteCloser, grounded on the
// teacher's pkg/rpc read()/write() pair.
package ioloop

import (
	"io"
	"sync"
	"sync/atomic"

	logging "github.com/loopholelabs/logging/types"

	"github.com/loopholelabs/relay/pkg/relay"
	"github.com/loopholelabs/relay/pkg/wire"
)

type outgoingItem[Out any] struct {
	msg      Out
	ts       int64
	onResult func(relay.WriteResult)
}

// generation is the read/write goroutine pair bound to one physical
// connection. A Loop outlives any single generation: the pending
// buffer (outgoing) and pause state survive a Rebind across a
// reconnect, exactly as the distilled spec's controller does — only
// the underlying conn changes.
type generation struct {
	conn      io.ReadWriteCloser
	closed    chan struct{}
	closeOnce sync.Once
}

func (g *generation) stop() {
	g.closeOnce.Do(func() { close(g.closed) })
	_ = g.conn.Close()
}

// stopGeneration stops g and wakes any pause/resume waiter blocked on
// this Loop's conds, so a paused read or write goroutine notices the
// generation closed instead of waiting forever.
func (l *Loop[Out, In]) stopGeneration(g *generation) {
	g.stop()
	l.mu.Lock()
	l.readCond.Broadcast()
	l.writeCond.Broadcast()
	l.mu.Unlock()
}

// Loop owns the outgoing queue and pause state for one relay.Server or
// relay.Client, across however many physical connections it binds to
// in turn. Out is the message type it writes; In is the message type
// it decodes and hands to the bound onMessage callback.
type Loop[Out, In any] struct {
	codec  relay.Codec[Out, In]
	logger logging.Logger

	outgoing chan outgoingItem[Out]

	mu           sync.Mutex
	readsPaused  bool
	writesPaused bool
	readCond     *sync.Cond
	writeCond    *sync.Cond

	genMu  sync.Mutex
	gen    *generation
	genNum atomic.Uint64
	wg     sync.WaitGroup

	onMessage        func(In)
	onConnectionLost func(error)
}

// New returns an unbound Loop: call Bind once a connection exists.
func New[Out, In any](codec relay.Codec[Out, In], pendingBufferSize int, logger logging.Logger) *Loop[Out, In] {
	if pendingBufferSize <= 0 {
		pendingBufferSize = 100
	}
	l := &Loop[Out, In]{
		codec:    codec,
		logger:   logger.SubLogger("ioloop"),
		outgoing: make(chan outgoingItem[Out], pendingBufferSize),
	}
	l.readCond = sync.NewCond(&l.mu)
	l.writeCond = sync.NewCond(&l.mu)
	return l
}

// Bind starts a read/write goroutine pair over conn. onMessage and
// onConnectionLost are invoked only for this generation: a later Bind
// (after a reconnect) makes any still-running callback from a prior
// generation a no-op. The pending buffer and pause flags are untouched,
// so sends buffered before or between connections are still drained by
// the new generation's write goroutine.
func (l *Loop[Out, In]) Bind(conn io.ReadWriteCloser, onMessage func(In), onConnectionLost func(error)) {
	l.onMessage = onMessage
	l.onConnectionLost = onConnectionLost

	g := &generation{conn: conn, closed: make(chan struct{})}
	myGen := l.genNum.Add(1)

	l.genMu.Lock()
	l.gen = g
	l.genMu.Unlock()

	l.wg.Add(2)
	go l.read(g, myGen)
	go l.write(g, myGen)
}

// StopConnection closes the current generation's connection and waits
// for its goroutines to exit, leaving the pending buffer and pause
// state in place for a later Bind.
func (l *Loop[Out, In]) StopConnection() {
	l.genMu.Lock()
	g := l.gen
	l.genMu.Unlock()
	if g == nil {
		return
	}
	l.stopGeneration(g)
	l.wg.Wait()
}

// Close permanently tears the Loop down: it stops the current
// connection (if any) and fails every item still sitting in the
// pending buffer.
func (l *Loop[Out, In]) Close() {
	l.StopConnection()
	l.PurgeOutgoing()
}

func (l *Loop[Out, In]) currentGen() uint64 {
	return l.genNum.Load()
}

func (l *Loop[Out, In]) read(g *generation, myGen uint64) {
	defer l.wg.Done()
	var buf []byte
	for {
		l.waitWhile(l.readCond, func() bool { return l.readsPaused }, g.closed)
		select {
		case <-g.closed:
			return
		default:
		}

		frame, err := wire.ReadFrame(g.conn, buf)
		if err != nil {
			select {
			case <-g.closed:
				return
			default:
			}
			l.stopGeneration(g)
			if l.currentGen() == myGen {
				l.logger.Error().Err(err).Msg("unable to read frame")
				l.onConnectionLost(err)
			}
			return
		}
		buf = frame

		msg, err := l.codec.Decode(frame)
		if err != nil {
			l.logger.Error().Err(err).Msg("unable to decode frame")
			continue
		}
		if l.currentGen() == myGen {
			l.onMessage(msg)
		}
	}
}

func (l *Loop[Out, In]) write(g *generation, myGen uint64) {
	defer l.wg.Done()
	for {
		l.waitWhile(l.writeCond, func() bool { return l.writesPaused }, g.closed)
		select {
		case <-g.closed:
			return
		default:
		}
		select {
		case <-g.closed:
			return
		case item, ok := <-l.outgoing:
			if !ok {
				return
			}
			l.writeOne(g, myGen, item)
		}
	}
}

func (l *Loop[Out, In]) writeOne(g *generation, myGen uint64, item outgoingItem[Out]) {
	payload, err := l.codec.Encode(item.msg)
	if err != nil {
		l.logger.Error().Err(err).Msg("unable to encode message")
		item.onResult(relay.WriteFailure)
		return
	}
	if err := wire.WriteFrame(g.conn, payload); err != nil {
		l.logger.Error().Err(err).Msg("unable to write frame")
		item.onResult(relay.WriteFailure)
		l.stopGeneration(g)
		if l.currentGen() == myGen {
			l.onConnectionLost(err)
		}
		return
	}
	item.onResult(relay.WriteSuccess)
}

func (l *Loop[Out, In]) waitWhile(cond *sync.Cond, paused func() bool, closed <-chan struct{}) {
	l.mu.Lock()
	for paused() {
		select {
		case <-closed:
			l.mu.Unlock()
			return
		default:
		}
		cond.Wait()
	}
	l.mu.Unlock()
}

// Push enqueues msg for the write goroutine. It returns false, without
// blocking, when the outgoing channel (the pending buffer) is full —
// this is the hard cap relay.Client's ClientOverloaded path branches
// on; relay.Server counts a refused Push as a dropped write.
func (l *Loop[Out, In]) Push(msg Out, ts int64, onResult func(relay.WriteResult)) bool {
	select {
	case l.outgoing <- outgoingItem[Out]{msg: msg, ts: ts, onResult: onResult}:
		return true
	default:
		return false
	}
}

func (l *Loop[Out, In]) PauseReads() {
	l.mu.Lock()
	l.readsPaused = true
	l.mu.Unlock()
}

func (l *Loop[Out, In]) ResumeReads() {
	l.mu.Lock()
	l.readsPaused = false
	l.mu.Unlock()
	l.readCond.Broadcast()
}

func (l *Loop[Out, In]) PauseWrites() {
	l.mu.Lock()
	l.writesPaused = true
	l.mu.Unlock()
}

func (l *Loop[Out, In]) ResumeWrites() {
	l.mu.Lock()
	l.writesPaused = false
	l.mu.Unlock()
	l.writeCond.Broadcast()
}

// ReadyForData is a no-op hook: the read goroutine is always ready to
// decode once bound, nothing needs priming.
func (l *Loop[Out, In]) ReadyForData() {}

// PurgeOutgoing drains every item still sitting in the outgoing
// channel, completing each with WriteFailure.
func (l *Loop[Out, In]) PurgeOutgoing() {
	for {
		select {
		case item := <-l.outgoing:
			item.onResult(relay.WriteFailure)
		default:
			return
		}
	}
}

// PurgePending is PurgeOutgoing's twin: this Loop models the pending
// buffer and the outgoing queue as the same bounded channel, so both
// purges drain it (see DESIGN.md).
func (l *Loop[Out, In]) PurgePending() {
	l.PurgeOutgoing()
}

// ExpirePending sweeps the outgoing channel for any item older than
// cutoff, completing it with WriteCancelled and pushing every other
// item straight back so write order survives the sweep. The sweep
// only ever looks at as many items as were queued when it started, so
// a Push racing with it lands after the sweep's own re-pushes rather
// than being inspected twice.
func (l *Loop[Out, In]) ExpirePending(cutoff int64) {
	n := len(l.outgoing)
	for i := 0; i < n; i++ {
		var item outgoingItem[Out]
		select {
		case item = <-l.outgoing:
		default:
			return
		}
		if item.ts < cutoff {
			item.onResult(relay.WriteCancelled)
			continue
		}
		select {
		case l.outgoing <- item:
		default:
			item.onResult(relay.WriteFailure)
		}
	}
}

var _ relay.IOController[int] = (*Loop[int, int])(nil)
