package pool

import (
	"github.com/ChuLiYu/taskpool/internal/deferred"
	"github.com/ChuLiYu/taskpool/internal/whandle"
)

// execGoFunc runs fn directly on a goroutine rather than over w's Conn. It
// still occupies w's slot in the scheduler's busy set, so a thread-kind
// pool's concurrency bound applies uniformly whether a task is a named
// method dispatched over the wire or a Go function value submitted
// directly (see SPEC_FULL.md Open Question 1): a thread-kind worker shares
// this process's memory, so there is no transport boundary left to cross
// for the call itself, only for the bookkeeping that keeps one task per
// worker at a time.
func execGoFunc(w *whandle.Handle, fn whandle.GoFunc) *deferred.Deferred {
	d := deferred.New()
	go func() {
		value, err := fn(nil)
		if err != nil {
			d.Reject(err)
			return
		}
		d.Resolve(value)
	}()
	return d
}
