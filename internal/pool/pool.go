// ============================================================================
// Taskpool Scheduler
// ============================================================================
//
// Package: internal/pool
// File: pool.go
// Function: owns the FIFO task queue, the worker roster, and the dispatch
// decision of which worker runs which task next.
//
// Design Pattern:
//   A single actor goroutine (Pool.loop) owns every mutable field on Pool.
//   Every public method (Exec, Terminate, Stats) only ever sends a command
//   on an unbuffered channel and waits for loop to act on it; loop is the
//   only goroutine that ever touches the worker roster or the queue. This
//   collapses what the teacher modeled as four cooperating loops guarded by
//   a mutex (internal/controller) into one event loop, which is what makes
//   "no two handlers for the same worker run concurrently" trivially true
//   instead of something a reviewer has to verify by reading lock order.
//
// Architecture Components:
//   ┌──────────┐  cmd   ┌────────────────┐  Exec   ┌────────────┐
//   │  Exec()  │ ─────> │   Pool.loop     │ ──────> │ whandle.H  │
//   └──────────┘        │  (one goroutine)│ <────── └────────────┘
//                        │  FIFO queue     │ Response
//                        │  worker roster  │
//                        └────────────────┘
//
// Lifecycle:
//   1. New(opts) - validate options, build the pool
//   2. Start(ctx) - spawn MinWorkers workers, start Pool.loop
//   3. Exec(method, params) - enqueue a task, returns a *deferred.Deferred
//   4. Terminate(force bool) - drain (or cut short) the queue and stop
//
// Error Handling:
//   - ErrPoolTerminated: Exec called after Terminate
//   - ErrPoolNotStarted: Exec called before Start
//   - a worker crash rejects its in-flight task with ErrWorkerTerminated and
//     triggers a backoff-governed replacement spawn, matching the teacher's
//     "Worker health check and exception recovery" Phase 2 note, actually
//     implemented instead of left as a comment.
//
// ============================================================================

package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/taskpool/internal/deferred"
	"github.com/ChuLiYu/taskpool/internal/wconn"
	"github.com/ChuLiYu/taskpool/internal/whandle"
	"github.com/ChuLiYu/taskpool/pkg/types"
)

var (
	// ErrPoolTerminated indicates Exec was called after Terminate.
	ErrPoolTerminated = errors.New("taskpool: pool is terminated")
	// ErrPoolNotStarted indicates Exec or Terminate was called before Start.
	ErrPoolNotStarted = errors.New("taskpool: pool not started")
)

// MaxWorkersAuto is the MaxWorkers special value (a zero MaxWorkers is
// treated the same): it resolves to runtime.NumCPU()-1, or 3 when that is
// not positive.
const MaxWorkersAuto = -1

// Spawner creates one fresh worker connection. internal/cli supplies a
// process-kind spawner via wconn.NewProcess, running a worker binary such
// as cmd/echoworker; tests
// and thread-kind pools supply one built on wconn.NewThreadPair plus a
// goroutine running an internal/rt.Runtime.
type Spawner func() (wconn.Conn, whandle.Kind, error)

// Options configures a Pool.
type Options struct {
	MinWorkers int
	MaxWorkers int // 0 or MaxWorkersAuto resolves to runtime.NumCPU()-1 (3 if not positive)

	Spawn Spawner

	// OnCreateWorker is invoked once per spawned worker with a monotonic
	// debug port allocation, mirroring the original's inspector-port
	// convention; most Spawners ignore it.
	OnCreateWorker func(debugPort int)

	// CrashBackoff governs the delay before replacing a worker that just
	// crashed. Defaults to an exponential backoff between 100ms and 30s.
	CrashBackoff func() *backoff.ExponentialBackOff

	// WorkerTerminateTimeout bounds how long a graceful Terminate(false)
	// waits for workers with an in-flight task to finish it before they are
	// killed outright, matching the spec's workerTerminateTimeout pool
	// field. Defaults to 1000ms. Ignored by a forced Terminate(true), which
	// kills immediately.
	WorkerTerminateTimeout time.Duration

	Logger *slog.Logger

	// Metrics, if set, receives enqueue/dispatch/completion/crash events
	// and point-in-time pool stats. internal/metrics.Collector implements
	// this; nil is a valid no-op choice for library callers who don't run
	// Prometheus.
	Metrics MetricsSink
}

// MetricsSink receives scheduler lifecycle events. internal/metrics.Collector
// satisfies it; a nil Metrics field on Options skips all reporting.
type MetricsSink interface {
	RecordEnqueue()
	RecordDispatch()
	RecordCompleted(latencySeconds float64)
	RecordFailed()
	RecordCrashed()
	SetWorkerRespawnGap(seconds float64)
	UpdatePoolStats(pending, inFlight, workers int)
}

func (o *Options) setDefaults() {
	if o.MaxWorkers == 0 {
		o.MaxWorkers = MaxWorkersAuto
	}
	if o.MaxWorkers == MaxWorkersAuto {
		// cpus-1, mirroring the spec's "default cpus − 1 if determinable,
		// else 3".
		if n := runtime.NumCPU() - 1; n > 0 {
			o.MaxWorkers = n
		} else {
			o.MaxWorkers = 3
		}
	}
	if o.CrashBackoff == nil {
		o.CrashBackoff = func() *backoff.ExponentialBackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			return b
		}
	}
	if o.WorkerTerminateTimeout <= 0 {
		o.WorkerTerminateTimeout = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// task is one queued or in-flight unit of work.
type task struct {
	method  string
	params  []any
	fn      whandle.GoFunc
	onEvent func(payload any)
	d       *deferred.Deferred
	worker  *whandle.Handle // set once dispatched

	dispatchedAt time.Time // set in runOn, used for RecordCompleted's latency
}

// ExecOptions configures a single Exec call. The zero value requests no
// events.
type ExecOptions struct {
	// OnEvent, if set, is invoked with every event payload the method emits
	// while this task is in flight. Each call completes before the task's
	// Deferred settles (spec §4.4 "an onEvent callback for a task is
	// delivered before that task's final resolution").
	OnEvent func(payload any)
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Workers     int
	IdleWorkers int
	QueuedTasks int
	InFlight    int
}

// Pool is a taskpool scheduler. Zero value is not usable; build one with
// New.
type Pool struct {
	opts Options

	cmdCh chan any
	done  chan struct{}
	eg    *errgroup.Group
	egCtx context.Context

	mu         sync.Mutex // guards only the started/terminated flags below
	started    bool
	terminated bool

	debugPort int
}

// New validates opts and returns an unstarted Pool.
func New(opts Options) (*Pool, error) {
	if opts.Spawn == nil {
		return nil, types.NewTaskError(types.ErrConfiguration, "taskpool: Options.Spawn is required")
	}
	if opts.MinWorkers < 0 {
		return nil, types.NewTaskError(types.ErrConfiguration, "taskpool: MinWorkers must be >= 0")
	}
	if opts.MaxWorkers < 0 && opts.MaxWorkers != MaxWorkersAuto {
		return nil, types.NewTaskError(types.ErrConfiguration, "taskpool: MaxWorkers must be >= 1 or MaxWorkersAuto")
	}
	opts.setDefaults()
	if opts.MinWorkers > opts.MaxWorkers {
		return nil, types.NewTaskError(types.ErrConfiguration, "taskpool: MinWorkers must be <= MaxWorkers")
	}
	return &Pool{opts: opts, cmdCh: make(chan any), done: make(chan struct{}), debugPort: debugPortBase}, nil
}

// internal loop commands
type cmdExec struct {
	t    *task
	resp chan *deferred.Deferred
}
type cmdCancel struct{ d *deferred.Deferred }
type cmdTerminate struct {
	force bool
	resp  chan struct{}
}
type cmdStats struct{ resp chan Stats }
type evtWorkerReady struct {
	h *whandle.Handle
	t *task
}
type evtWorkerGone struct {
	h        *whandle.Handle
	inFlight []int64
}
type evtReplaceNeeded struct{}
type evtTerminateTimeout struct{}

// Start spawns MinWorkers workers and begins the scheduling loop. ctx
// bounds the lifetime of the pool's background goroutines; cancelling it
// is equivalent to a forced Terminate.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("taskpool: already started")
	}
	p.started = true
	p.mu.Unlock()

	eg, egCtx := errgroup.WithContext(ctx)
	p.eg = eg
	p.egCtx = egCtx

	st := &loopState{
		pool:    p,
		queue:   nil,
		idle:    nil,
		busy:    make(map[*whandle.Handle]*task),
		byDef:   make(map[*deferred.Deferred]*task),
		pending: make(map[*whandle.Handle]struct{}),
	}

	for i := 0; i < p.opts.MinWorkers; i++ {
		if err := st.spawnWorker(); err != nil {
			return fmt.Errorf("taskpool: initial spawn: %w", err)
		}
	}

	eg.Go(func() error {
		st.run(egCtx)
		close(p.done)
		return nil
	})

	return nil
}

// Exec enqueues method(params) and returns a Deferred settled once a
// worker has executed it (or it is cancelled, times out, or the pool is
// terminated first). Cancelling or timing out the returned Deferred
// dequeues the task if it has not yet dispatched, or kills the worker
// running it otherwise. An optional ExecOptions supplies an OnEvent
// callback for methods that emit mid-task events.
func (p *Pool) Exec(method string, params []any, opts ...ExecOptions) *deferred.Deferred {
	t := &task{method: method, params: params}
	if len(opts) > 0 {
		t.onEvent = opts[0].OnEvent
	}
	return p.submit(t)
}

// ExecFunc submits a Go function body directly, only valid for thread-kind
// pools (see SPEC_FULL.md Open Question 1); a process-kind pool rejects it
// with ErrConfiguration.
func (p *Pool) ExecFunc(fn whandle.GoFunc) *deferred.Deferred {
	return p.submit(&task{fn: fn})
}

func (p *Pool) submit(t *task) *deferred.Deferred {
	p.mu.Lock()
	started, terminated := p.started, p.terminated
	p.mu.Unlock()

	d := deferred.New()
	t.d = d

	if !started {
		d.Reject(ErrPoolNotStarted)
		return d
	}
	if terminated {
		d.Reject(ErrPoolTerminated)
		return d
	}

	d.OnCancel(func(err error) {
		select {
		case p.cmdCh <- cmdCancel{d: d}:
		case <-p.done:
		}
	})

	resp := make(chan *deferred.Deferred, 1)
	select {
	case p.cmdCh <- cmdExec{t: t, resp: resp}:
		<-resp
	case <-p.done:
		d.Reject(ErrPoolTerminated)
	}
	return d
}

// Terminate stops the pool. With force=false, workers finish their current
// task and the queue is rejected with ErrPoolTerminated; with force=true,
// every worker is killed immediately, rejecting whatever it was running
// with ErrWorkerTerminated.
func (p *Pool) Terminate(force bool) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.terminated {
		p.mu.Unlock()
		return nil
	}
	p.terminated = true
	p.mu.Unlock()

	resp := make(chan struct{})
	select {
	case p.cmdCh <- cmdTerminate{force: force, resp: resp}:
		<-resp
	case <-p.done:
	}
	return p.eg.Wait()
}

// Stats returns a snapshot of the pool's current roster and queue depth.
func (p *Pool) Stats() Stats {
	resp := make(chan Stats, 1)
	select {
	case p.cmdCh <- cmdStats{resp: resp}:
		return <-resp
	case <-p.done:
		return Stats{}
	}
}
