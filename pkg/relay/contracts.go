// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"time"

	"github.com/loopholelabs/relay/internal/deferred"
	"github.com/loopholelabs/relay/internal/metrics"
)

// WriteResult is the outcome an IOController reports back through a
// Push completion callback.
type WriteResult int

const (
	WriteSuccess WriteResult = iota
	WriteFailure
	WriteCancelled
)

// IOController is the external, codec-aware I/O collaborator both
// Server and Client compose against. A concrete implementation (see
// pkg/ioloop) owns the actual socket, encode/decode, and buffering;
// Server/Client never touch the wire directly.
type IOController[M any] interface {
	// Push enqueues msg for encoding and writing. onResult is invoked
	// exactly once, on the owning worker, with the outcome. Push
	// returns false without enqueuing if the pending buffer is full.
	Push(msg M, timestamp int64, onResult func(WriteResult)) bool

	PauseReads()
	ResumeReads()
	PauseWrites()
	ResumeWrites()
	ReadyForData()

	// PurgeOutgoing and PurgePending both drop unwritten items, invoking
	// each one's onResult with WriteFailure: a purge means the
	// connection is gone, not that the individual write was merely
	// cancelled. A caller deciding whether backlog should survive a
	// disconnect (fail-fast vs. not) calls PurgePending conditionally
	// and leaves PurgeOutgoing alone; a terminal teardown calls both.
	PurgeOutgoing()
	PurgePending()

	// ExpirePending sweeps the pending buffer for any item whose
	// timestamp is older than cutoff, completing it with WriteCancelled
	// rather than WriteFailure: the connection is still up, this
	// particular write just sat too long waiting its turn.
	ExpirePending(cutoff int64)
}

// Scheduler is the external worker collaborator used to request a timed
// callback. A nil Scheduler makes Schedule a no-op, matching the
// distilled spec's "no-op if the handler is unbound".
type Scheduler interface {
	Schedule(delay time.Duration, message any)
}

// Handler is the two-method capability Server is parameterized by: the
// only two user hooks in the whole system.
type Handler[Req, Resp any] interface {
	// ProcessRequest may complete synchronously (return an
	// already-done Deferred) or asynchronously.
	ProcessRequest(req Req) *deferred.Deferred[Resp]

	// ProcessFailure must be total: it converts any cause into a
	// protocol-level response and may not itself fail.
	ProcessFailure(req Req, cause error) Resp
}

// HandlerFuncs adapts two plain functions into a Handler.
type HandlerFuncs[Req, Resp any] struct {
	Process func(req Req) *deferred.Deferred[Resp]
	Fail    func(req Req, cause error) Resp
}

func (h HandlerFuncs[Req, Resp]) ProcessRequest(req Req) *deferred.Deferred[Resp] {
	return h.Process(req)
}

func (h HandlerFuncs[Req, Resp]) ProcessFailure(req Req, cause error) Resp {
	return h.Fail(req, cause)
}

// TagsFunc is the pluggable tagsFor(request, response) hook used to
// derive per-request metrics tags.
type TagsFunc[Req, Resp any] func(req Req, resp Resp) []metrics.Tag

func defaultTagsFunc[Req, Resp any](Req, Resp) []metrics.Tag { return nil }

// ResponseHandler is the single-shot response continuation carried by a
// SourcedRequest on the client side.
type ResponseHandler[Resp any] func(Resp, error)

// Codec is the wire capability design note §9 calls for: encode a
// response (server side) or a request (client side) to bytes, decode
// bytes back to the other message type, and reset any internal
// buffering between frames. pkg/relay never calls Codec directly —
// ProcessMessage/ProcessResponse take already-decoded Go values — but
// pkg/ioloop is built against it, and In is the type encoded, Out the
// decoded type produced, so the same interface shape serves both a
// Server's IOController[Resp] (In=Resp, Out=Req) and a Client's
// IOController[Req] (In=Req, Out=Resp).
type Codec[In, Out any] interface {
	Encode(In) ([]byte, error)
	Decode([]byte) (Out, error)
	Reset()
}
