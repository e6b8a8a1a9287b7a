package pool

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ChuLiYu/taskpool/internal/deferred"
	"github.com/ChuLiYu/taskpool/internal/whandle"
	"github.com/ChuLiYu/taskpool/pkg/types"
)

// loopState holds every field the scheduling actor touches. It only ever
// runs on Pool.loop's goroutine, so none of it needs its own lock.
type loopState struct {
	pool *Pool

	queue []*task
	// idle holds workers eligible for dispatch, ordered oldest-idle-first:
	// newly-idle workers are appended at the back, dispatch always pops the
	// front, so the worker that has sat idle longest is handed the next
	// task. This is the spec's §4.5 "least-recently-used, to spread wear"
	// tie-break among eligible workers.
	idle  []*whandle.Handle
	busy  map[*whandle.Handle]*task
	byDef map[*deferred.Deferred]*task

	// pending tracks workers that have been spawned but have not yet
	// signaled readiness (or crashed first). Counted toward MaxWorkers so
	// dispatch never over-spawns while a worker is still starting up.
	pending map[*whandle.Handle]struct{}

	terminating    bool
	terminateForce bool

	backoff *backoff.ExponentialBackOff
}

// pushIdle marks w eligible for dispatch, at the back of the LRU queue.
func (s *loopState) pushIdle(w *whandle.Handle) {
	s.idle = append(s.idle, w)
}

// popIdle removes and returns the least-recently-used idle worker, or nil
// if none is eligible.
func (s *loopState) popIdle() *whandle.Handle {
	if len(s.idle) == 0 {
		return nil
	}
	w := s.idle[0]
	s.idle = s.idle[1:]
	return w
}

// removeIdle drops w from the idle queue if present, used when a worker
// that was sitting idle crashes or is told to terminate.
func (s *loopState) removeIdle(w *whandle.Handle) {
	for i, candidate := range s.idle {
		if candidate == w {
			s.idle = append(s.idle[:i], s.idle[i+1:]...)
			return
		}
	}
}

// run is the scheduler's single event loop. It exits once Terminate has
// drained every in-flight task (or immediately, for a forced terminate).
func (s *loopState) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for _, t := range s.queue {
				t.d.Reject(ErrPoolTerminated)
			}
			s.queue = nil
			s.killAll()
			return

		case raw := <-s.pool.cmdCh:
			switch cmd := raw.(type) {
			case cmdExec:
				s.handleExec(cmd)
			case cmdCancel:
				s.handleCancel(cmd)
			case cmdTerminate:
				s.handleTerminate(cmd)
			case cmdStats:
				cmd.resp <- s.stats()
			case evtWorkerReady:
				delete(s.busy, cmd.h)
				delete(s.pending, cmd.h)
				if cmd.t != nil {
					delete(s.byDef, cmd.t.d)
				}
				// A worker whose connection has already dropped races this
				// event with evtWorkerGone: runOn's goroutine observed
				// inner.Wait() return ErrWorkerTerminated and sent this
				// evtWorkerReady, while the handle's own read loop fired
				// OnDisconnect and queued evtWorkerGone, and the two can
				// arrive in either order. Re-idling a disconnected handle
				// here would strand it in s.idle (handleWorkerGone's
				// removeIdle only helps if it runs first) where dispatch
				// could hand it a task that fails instantly, and would
				// understate how many workers trySpawnReplacement thinks
				// are actually alive.
				if cmd.h.State() == whandle.StateDisconnected {
					s.dispatch()
					break
				}
				if !s.terminating {
					s.pushIdle(cmd.h)
				} else {
					_ = cmd.h.Terminate()
				}
				s.dispatch()
			case evtWorkerGone:
				s.handleWorkerGone(cmd)
			case evtReplaceNeeded:
				s.trySpawnReplacement()
			case evtTerminateTimeout:
				if s.terminating && len(s.busy) > 0 {
					s.pool.opts.Logger.Warn("taskpool: workerTerminateTimeout elapsed, forcing remaining workers")
					s.killAll()
				}
			}
			s.reportStats()
		}

		if s.terminating && len(s.busy) == 0 {
			return
		}
	}
}

func (s *loopState) stats() Stats {
	return Stats{
		Workers:     len(s.idle) + len(s.busy) + len(s.pending),
		IdleWorkers: len(s.idle),
		QueuedTasks: len(s.queue),
		InFlight:    len(s.busy),
	}
}

// reportStats pushes the current snapshot to Options.Metrics, if configured.
func (s *loopState) reportStats() {
	m := s.pool.opts.Metrics
	if m == nil {
		return
	}
	st := s.stats()
	m.UpdatePoolStats(st.QueuedTasks, st.InFlight, st.Workers)
}

func (s *loopState) handleExec(cmd cmdExec) {
	t := cmd.t
	if s.terminating {
		t.d.Reject(ErrPoolTerminated)
		cmd.resp <- t.d
		return
	}
	s.queue = append(s.queue, t)
	s.byDef[t.d] = t
	cmd.resp <- t.d
	if m := s.pool.opts.Metrics; m != nil {
		m.RecordEnqueue()
	}
	s.dispatch()
}

func (s *loopState) handleCancel(cmd cmdCancel) {
	t, ok := s.byDef[cmd.d]
	if !ok {
		return
	}
	delete(s.byDef, cmd.d)

	if t.worker == nil {
		for i, qt := range s.queue {
			if qt == t {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
		return
	}

	// The task is in flight: kill its worker. This arrives on the loop
	// goroutine as an evtWorkerGone once the handle's read loop observes
	// the closed connection, which is where busy/idle bookkeeping and
	// replacement actually happen. The deferred has already rejected
	// itself with ErrCancellation via triggerRoot before this command was
	// even sent, and first-settle-wins means that rejection, not the
	// ErrWorkerTerminated evtWorkerGone will try to apply, is what callers
	// observe.
	_ = t.worker.Kill()
}

func (s *loopState) handleTerminate(cmd cmdTerminate) {
	s.terminating = true
	s.terminateForce = cmd.force

	for _, t := range s.queue {
		t.d.Reject(ErrPoolTerminated)
	}
	s.queue = nil

	if cmd.force {
		s.killAll()
	} else {
		for _, w := range s.idle {
			_ = w.Terminate()
		}
		if len(s.busy) > 0 {
			s.armTerminateTimeout()
		}
	}
	close(cmd.resp)
}

// armTerminateTimeout schedules a forced kill of any workers still running
// an in-flight task once Options.WorkerTerminateTimeout elapses, matching
// the spec's "await exit up to timeoutMs; then kill remaining workers".
func (s *loopState) armTerminateTimeout() {
	timeout := s.pool.opts.WorkerTerminateTimeout
	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.pool.done:
			return
		}
		select {
		case s.pool.cmdCh <- evtTerminateTimeout{}:
		case <-s.pool.done:
		}
	}()
}

func (s *loopState) killAll() {
	for _, w := range s.idle {
		_ = w.Kill()
	}
	for w, t := range s.busy {
		_ = w.Kill()
		t.d.Reject(types.NewTaskError(types.ErrWorkerTerminated, "pool terminated while task was in flight"))
	}
	for w := range s.pending {
		_ = w.Kill()
	}
	s.busy = make(map[*whandle.Handle]*task)
	s.idle = nil
	s.pending = make(map[*whandle.Handle]struct{})
}

func (s *loopState) handleWorkerGone(evt evtWorkerGone) {
	s.removeIdle(evt.h)
	delete(s.pending, evt.h)
	if t, ok := s.busy[evt.h]; ok {
		delete(s.busy, evt.h)
		delete(s.byDef, t.d)
		// t.d may already be rejected (cancellation raced the crash); Reject
		// is a no-op in that case, first-settle-wins.
		t.d.Reject(types.NewTaskError(types.ErrWorkerTerminated, "worker exited while task was in flight"))
	}
	s.maybeReplace(evt.h)
}

// maybeReplace schedules a re-evaluation of minWorkers after a backoff
// delay, unless the pool is shutting down. The actual spawn decision (and
// the spawn itself) happens back on the loop goroutine via evtReplaceNeeded,
// since spawnWorker mutates loop-owned maps and must never run concurrently
// with the loop.
func (s *loopState) maybeReplace(gone *whandle.Handle) {
	if s.terminating {
		return
	}
	if s.backoff == nil {
		s.backoff = s.pool.opts.CrashBackoff()
	}
	delay := s.backoff.NextBackOff()
	if m := s.pool.opts.Metrics; m != nil {
		m.SetWorkerRespawnGap(delay.Seconds())
	}

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.pool.egCtx.Done():
			return
		}
		select {
		case s.pool.cmdCh <- evtReplaceNeeded{}:
		case <-s.pool.done:
		}
	}()
}

// trySpawnReplacement re-evaluates minWorkers on the loop goroutine and
// spawns one worker if the roster has fallen short, matching the spec's
// "re-evaluates minWorkers" replacement policy (not a blind 1:1 replace).
func (s *loopState) trySpawnReplacement() {
	if s.terminating {
		return
	}
	total := len(s.idle) + len(s.busy) + len(s.pending)
	if total >= s.pool.opts.MinWorkers {
		return
	}
	if err := s.spawnWorker(); err != nil {
		s.pool.opts.Logger.Error("taskpool: replacement spawn failed", "error", err)
	}
}

// dispatch assigns queued tasks to idle workers until either runs out, then
// grows the roster toward MaxWorkers if tasks are still waiting and no idle
// worker remains (spec §4.5 dispatch algorithm, step 3).
func (s *loopState) dispatch() {
	for len(s.queue) > 0 && len(s.idle) > 0 {
		w := s.popIdle()

		t := s.queue[0]
		s.queue = s.queue[1:]

		if t.fn != nil && w.Kind != whandle.KindThread {
			t.d.Reject(types.NewTaskError(types.ErrConfiguration, "cannot submit a function body to a process-kind worker"))
			delete(s.byDef, t.d)
			s.pushIdle(w)
			continue
		}

		t.worker = w
		s.busy[w] = t
		s.runOn(w, t)
	}

	if len(s.queue) == 0 {
		return
	}
	total := len(s.idle) + len(s.busy) + len(s.pending)
	if total < s.pool.opts.MaxWorkers {
		if err := s.spawnWorker(); err != nil {
			s.pool.opts.Logger.Error("taskpool: elastic spawn failed", "error", err)
		}
	}
}

func (s *loopState) runOn(w *whandle.Handle, t *task) {
	t.dispatchedAt = time.Now()
	if m := s.pool.opts.Metrics; m != nil {
		m.RecordDispatch()
	}

	var inner *deferred.Deferred
	if t.fn != nil {
		inner = execGoFunc(w, t.fn)
	} else {
		inner = w.Exec(t.method, t.params, t.onEvent)
	}

	go func() {
		value, err := inner.Wait()

		if m := s.pool.opts.Metrics; m != nil {
			switch {
			case err == nil:
				m.RecordCompleted(time.Since(t.dispatchedAt).Seconds())
			case types.IsKind(err, types.ErrWorkerTerminated):
				m.RecordCrashed()
			default:
				m.RecordFailed()
			}
		}

		if err != nil {
			t.d.Reject(err)
		} else {
			t.d.Resolve(value)
		}

		select {
		case s.pool.cmdCh <- evtWorkerReady{h: w, t: t}:
		case <-s.pool.egCtx.Done():
		}
	}()
}
