package pool

import (
	"fmt"

	"github.com/ChuLiYu/taskpool/internal/whandle"
)

// spawnWorker creates one worker via the pool's Spawner, wires its
// disconnect callback back into the scheduling loop, and starts its read
// loop. It never blocks the loop goroutine on the worker becoming ready:
// readiness arrives asynchronously as an evtWorkerReady once the worker's
// read loop observes wire.ReadySignal, via Handle.Ready().
func (s *loopState) spawnWorker() error {
	conn, kind, err := s.pool.opts.Spawn()
	if err != nil {
		return fmt.Errorf("taskpool: spawn worker: %w", err)
	}

	h := whandle.New(kind, conn)
	s.pending[h] = struct{}{}

	if s.pool.opts.OnCreateWorker != nil {
		s.pool.opts.OnCreateWorker(s.pool.debugPort)
		s.pool.debugPort++
	}

	h.OnDisconnect(func(h *whandle.Handle, inFlight []int64) {
		select {
		case s.pool.cmdCh <- evtWorkerGone{h: h, inFlight: inFlight}:
		case <-s.pool.done:
		}
	})

	s.pool.eg.Go(func() error {
		h.ReadLoop()
		return nil
	})

	s.pool.eg.Go(func() error {
		select {
		case <-h.Ready():
		case <-s.pool.egCtx.Done():
			return nil
		}
		if h.State() == whandle.StateDisconnected {
			// Crashed before ever becoming ready; evtWorkerGone already
			// covers cleanup and replacement.
			return nil
		}
		select {
		case s.pool.cmdCh <- evtWorkerReady{h: h}:
		case <-s.pool.done:
		}
		return nil
	})

	return nil
}
