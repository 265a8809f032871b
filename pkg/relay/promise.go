// SPDX-License-Identifier: Apache-2.0

package relay

import "github.com/loopholelabs/relay/internal/deferred"

// promise represents one received request awaiting a response. It is
// completed at most once, enforced by the embedded Deferred's
// Complete-is-idempotent semantics.
type promise[Req, Resp any] struct {
	request      Req
	creationTime int64 // monotonic milliseconds
	result       *deferred.Deferred[Resp]
}

func newPromise[Req, Resp any](request Req, now int64) *promise[Req, Resp] {
	return &promise[Req, Resp]{
		request:      request,
		creationTime: now,
		result:       deferred.New[Resp](),
	}
}

func (p *promise[Req, Resp]) complete(resp Resp) {
	p.result.Complete(resp, nil)
}

func (p *promise[Req, Resp]) isComplete() bool {
	return p.result.IsComplete()
}

func (p *promise[Req, Resp]) response() Resp {
	resp, _ := p.result.Result()
	return resp
}

// promiseQueue is the ordered buffer of in-flight promises described in
// §3/§4.3: the head is always the oldest incomplete-or-unflushed
// promise, and there is no reordering operation.
type promiseQueue[Req, Resp any] struct {
	r *ring[*promise[Req, Resp]]
}

func newPromiseQueue[Req, Resp any]() *promiseQueue[Req, Resp] {
	return &promiseQueue[Req, Resp]{r: newRing[*promise[Req, Resp]]()}
}

func (q *promiseQueue[Req, Resp]) push(p *promise[Req, Resp]) {
	q.r.Push(p)
}

func (q *promiseQueue[Req, Resp]) len() int {
	return q.r.Len()
}

func (q *promiseQueue[Req, Resp]) front() (*promise[Req, Resp], bool) {
	return q.r.Front()
}

func (q *promiseQueue[Req, Resp]) pop() (*promise[Req, Resp], bool) {
	return q.r.Pop()
}
