// ============================================================================
// Taskpool Worker Handle
// ============================================================================
//
// Package: internal/whandle
// File: whandle.go
// Function: one Handle per live worker. Owns the worker's Conn, its
// in-flight request (at most one, ever), and the read loop that turns wire
// Responses back into settled Deferreds.
//
// Execution Model:
//   Each Handle runs exactly one reader goroutine:
//     for {
//       msg := conn.Recv()
//       - *wire.Response: settle the matching pending Deferred
//       - ReadySignal: mark the handle ready for dispatch
//       - io.EOF / error: treat as a crash, reject the in-flight Deferred
//         with ErrWorkerTerminated and report Disconnected to whoever is
//         watching this handle (internal/pool)
//     }
//
// ============================================================================

package whandle

import (
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/ChuLiYu/taskpool/internal/deferred"
	"github.com/ChuLiYu/taskpool/internal/wconn"
	"github.com/ChuLiYu/taskpool/internal/wire"
	"github.com/ChuLiYu/taskpool/pkg/types"
)

// Kind is the transport a worker handle was spawned over.
type Kind int

const (
	KindProcess Kind = iota
	KindThread
)

// State is a Handle's lifecycle state.
type State int

const (
	StateStarting State = iota
	StateReady
	StateBusy
	StateTerminating
	StateDisconnected
)

// GoFunc is a directly-submitted function body, only ever accepted by a
// thread-kind handle (see SPEC_FULL.md Open Question 1).
type GoFunc func(params []any) (any, error)

// pendingCall is one in-flight request: its Deferred, plus the onEvent
// callback (if any) to invoke for every mid-task event the worker emits
// under this request's id before the Deferred itself settles.
type pendingCall struct {
	d       *deferred.Deferred
	onEvent func(payload any)
}

// Handle supervises one worker's connection. All exported methods are safe
// for concurrent use; the read loop and Exec coordinate through mu.
type Handle struct {
	ID   string
	Kind Kind

	conn wconn.Conn

	mu      sync.Mutex
	state   State
	pending map[int64]*pendingCall
	nextID  int64

	ready        chan struct{}
	readyOnce    sync.Once
	onDisconnect func(h *Handle, inFlight []int64)
}

// New wraps conn as a worker handle of the given kind, generating a fresh
// instance ID so a crashed-and-replaced worker is distinguishable in logs
// and metrics from its predecessor.
func New(kind Kind, conn wconn.Conn) *Handle {
	return &Handle{
		ID:      uuid.NewString(),
		Kind:    kind,
		conn:    conn,
		state:   StateStarting,
		pending: make(map[int64]*pendingCall),
		ready:   make(chan struct{}),
	}
}

// Ready returns a channel closed once the worker has sent wire.ReadySignal,
// or immediately if it already has (or already crashed before doing so).
func (h *Handle) Ready() <-chan struct{} {
	return h.ready
}

// OnDisconnect installs the callback run once, from the read loop's
// goroutine, when the connection drops. inFlight lists the request IDs that
// were still pending and have already been rejected with
// ErrWorkerTerminated by the time the callback runs.
func (h *Handle) OnDisconnect(fn func(h *Handle, inFlight []int64)) {
	h.mu.Lock()
	h.onDisconnect = fn
	h.mu.Unlock()
}

// State reports the handle's current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ReadLoop drives the handle until the connection closes. Run it on its own
// goroutine immediately after New.
func (h *Handle) ReadLoop() {
	for {
		msg, err := h.conn.Recv()
		if err != nil {
			h.onCrash()
			return
		}

		switch m := msg.(type) {
		case string:
			if m == wire.ReadySignal {
				h.mu.Lock()
				if h.state == StateStarting {
					h.state = StateReady
				}
				h.mu.Unlock()
				h.readyOnce.Do(func() { close(h.ready) })
			}
		case *wire.Response:
			h.handleResponse(m)
		default:
			// A worker never sends us a Request; ignore anything else.
		}
	}
}

func (h *Handle) handleResponse(resp *wire.Response) {
	h.mu.Lock()
	call, ok := h.pending[resp.ID]
	if ok && !resp.IsEvent {
		delete(h.pending, resp.ID)
		if len(h.pending) == 0 && h.state == StateBusy {
			h.state = StateReady
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	if resp.IsEvent {
		// Delivered synchronously, before the request's own terminal
		// settlement below, matching the spec's "an onEvent callback for a
		// task is delivered before that task's final resolution" (§4.4).
		// The pending request stays registered; an event carries no
		// settlement of its own.
		if call.onEvent != nil {
			call.onEvent(resp.Payload)
		}
		return
	}
	if resp.IsFailure() {
		call.d.Reject(resp.Error.Inflate())
		return
	}
	call.d.Resolve(resp.Result)
}

func (h *Handle) onCrash() {
	h.readyOnce.Do(func() { close(h.ready) })

	h.mu.Lock()
	h.state = StateDisconnected
	ids := make([]int64, 0, len(h.pending))
	for id, call := range h.pending {
		ids = append(ids, id)
		call.d.Reject(types.NewTaskError(types.ErrWorkerTerminated, "worker exited while task was in flight"))
	}
	h.pending = make(map[int64]*pendingCall)
	cb := h.onDisconnect
	h.mu.Unlock()

	if cb != nil {
		cb(h, ids)
	}
}

// Exec dispatches method(params) to the worker and returns a Deferred
// settled once the worker responds or the connection drops. onEvent, if
// non-nil, is invoked with each event payload the worker emits under this
// request's id while it is in flight, each call completing before the
// returned Deferred settles. Calling Exec while the handle already has a
// request in flight is a caller error for every handle this module returns
// from internal/pool, since the scheduler only ever hands a worker one task
// at a time; Exec itself does not enforce single-flight so tests can drive
// it directly.
func (h *Handle) Exec(method string, params []any, onEvent func(payload any)) *deferred.Deferred {
	d := deferred.New()

	h.mu.Lock()
	if h.state == StateDisconnected || h.state == StateTerminating {
		h.mu.Unlock()
		d.Reject(types.NewTaskError(types.ErrWorkerTerminated, "worker is no longer available"))
		return d
	}
	h.nextID++
	id := h.nextID
	h.pending[id] = &pendingCall{d: d, onEvent: onEvent}
	h.state = StateBusy
	h.mu.Unlock()

	if err := h.conn.Send(&wire.Request{ID: id, Method: method, Params: params}); err != nil {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
		d.Reject(types.NewTaskError(types.ErrWorkerTerminated, "failed to dispatch to worker: "+err.Error()))
		return d
	}
	return d
}

// Terminate asks the worker to exit gracefully by sending the terminate
// sentinel and marks the handle terminating. It does not close the
// connection itself: the worker closes its end when it exits, which the read
// loop observes as a disconnect. A worker mid-request finishes that request
// before it reads the sentinel.
func (h *Handle) Terminate() error {
	h.mu.Lock()
	h.state = StateTerminating
	h.mu.Unlock()

	if err := h.conn.Send(wire.TerminateSentinel); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	return nil
}

// Kill closes the underlying connection immediately, without waiting for an
// in-flight request to finish. Used when a worker must be removed right
// away, e.g. to honor a task cancellation that is currently executing.
func (h *Handle) Kill() error {
	return h.conn.Close()
}
