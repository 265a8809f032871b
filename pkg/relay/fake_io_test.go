// SPDX-License-Identifier: Apache-2.0

package relay

// pushedItem records one Push call so a test can resolve it later, out
// of band, to model the asynchronous nature of a real IOController.
type pushedItem[M any] struct {
	msg      M
	ts       int64
	onResult func(WriteResult)
}

// fakeController is a deterministic stand-in for the real, goroutine
// driven pkg/ioloop.Loop: every Push is recorded but never resolved
// until the test explicitly calls completeNext, so ordering
// and backpressure assertions are exact.
type fakeController[M any] struct {
	pushed      []pushedItem[M]
	pendingCap  int // 0 means unbounded
	readsPaused bool
	writesPaused bool
	purgedOutgoing int
	purgedPending  int
}

func newFakeController[M any]() *fakeController[M] {
	return &fakeController[M]{}
}

func (f *fakeController[M]) Push(msg M, ts int64, onResult func(WriteResult)) bool {
	if f.pendingCap > 0 && len(f.pushed) >= f.pendingCap {
		return false
	}
	f.pushed = append(f.pushed, pushedItem[M]{msg: msg, ts: ts, onResult: onResult})
	return true
}

func (f *fakeController[M]) PauseReads()   { f.readsPaused = true }
func (f *fakeController[M]) ResumeReads()  { f.readsPaused = false }
func (f *fakeController[M]) PauseWrites()  { f.writesPaused = true }
func (f *fakeController[M]) ResumeWrites() { f.writesPaused = false }
func (f *fakeController[M]) ReadyForData() {}

func (f *fakeController[M]) PurgeOutgoing() {
	items := f.pushed
	f.pushed = nil
	f.purgedOutgoing += len(items)
	for _, item := range items {
		item.onResult(WriteFailure)
	}
}

// PurgePending drains the same backlog PurgeOutgoing does: the real
// pkg/ioloop.Loop models the pending buffer and the outgoing queue as
// one bounded channel, so this fake mirrors that rather than pretending
// they're independently sized.
func (f *fakeController[M]) PurgePending() {
	items := f.pushed
	f.pushed = nil
	f.purgedPending += len(items)
	for _, item := range items {
		item.onResult(WriteFailure)
	}
}

// ExpirePending mirrors pkg/ioloop.Loop's sweep: anything older than
// cutoff completes Cancelled, everything else stays queued in order.
func (f *fakeController[M]) ExpirePending(cutoff int64) {
	kept := f.pushed[:0]
	for _, item := range f.pushed {
		if item.ts < cutoff {
			item.onResult(WriteCancelled)
			continue
		}
		kept = append(kept, item)
	}
	f.pushed = kept
}

// completeNext resolves the oldest unresolved push.
func (f *fakeController[M]) completeNext(result WriteResult) {
	item := f.pushed[0]
	f.pushed = f.pushed[1:]
	item.onResult(result)
}

// len reports how many pushes are still unresolved.
func (f *fakeController[M]) len() int { return len(f.pushed) }
