// ============================================================================
// Taskpool Worker Runtime
// ============================================================================
//
// Package: internal/rt
// File: rt.go
// Function: the worker side of the wire protocol. A Runtime owns a Conn, a
// registry of named methods, and the serve loop that reads one Request at a
// time, dispatches it, and writes back exactly one Response.
//
// How it works:
//   The runtime runs the same loop whether its Conn is a process-kind
//   stdio pipe or a thread-kind io.Pipe (internal/wconn hides the
//   difference):
//     1. Send the ready signal once, before the first Recv.
//     2. Loop: Recv one message.
//        - a *wire.Request: dispatch to the registered method, with at
//          most one request in flight at a time (serve is single-goroutine).
//        - the terminate sentinel: run the OnTerminate hook, close the
//          connection, and exit the loop cleanly.
//        - io.EOF: the pool hung up; exit.
//   A registered method may call Emit any number of times while it is the
//   active request; Emit is a no-op once that request has returned.
//
// ============================================================================

package rt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/ChuLiYu/taskpool/internal/wconn"
	"github.com/ChuLiYu/taskpool/internal/wire"
	"github.com/ChuLiYu/taskpool/pkg/types"
)

// Method is a handler registered under a name. ctx is the context passed to
// Serve; the runtime does not cancel it itself. params are the raw
// JSON-decoded arguments from the Request.
type Method func(ctx context.Context, params []any) (any, error)

// Runtime is the worker side of one Conn. It is not safe for concurrent use
// from outside its own Serve goroutine; methods registered on it may call
// Emit freely since Emit is internally synchronized against currentID.
type Runtime struct {
	conn wconn.Conn

	mu        sync.Mutex
	methods   map[string]Method
	transient map[string]bool
	currentID int64
	hasActive bool

	onTerminate func()
}

// New creates a Runtime bound to conn, seeded with the "methods" built-in
// (spec §4.3's "methods(): returns the key list of methods"). The other
// seeded built-in the spec describes, run(fnSource, args), compiles and
// evaluates source text at runtime; there is no dynamic-evaluation facility
// to ground that in, so it is omitted (see SPEC_FULL.md Open Question 1).
// Call Register for each method the worker exposes beyond these, then Serve.
func New(conn wconn.Conn) *Runtime {
	r := &Runtime{
		conn:      conn,
		methods:   make(map[string]Method),
		transient: make(map[string]bool),
	}
	r.Register("methods", r.listMethods)
	return r
}

// listMethods is the "methods" built-in: the sorted key list of every
// currently registered method, including itself.
func (r *Runtime) listMethods(ctx context.Context, params []any) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Register installs a persistent method. Persistent methods remain
// registered for the lifetime of the runtime.
func (r *Runtime) Register(name string, fn Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = fn
}

// RegisterTransient installs a method that is removed from the registry
// after it runs once, for one-shot setup-style calls.
func (r *Runtime) RegisterTransient(name string, fn Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = fn
	r.transient[name] = true
}

// OnTerminate installs a hook invoked just before Serve returns because the
// pool asked this worker to terminate (as opposed to returning because the
// connection was dropped).
func (r *Runtime) OnTerminate(fn func()) {
	r.onTerminate = fn
}

// Emit sends an out-of-band event tied to the currently active request. It
// is silently dropped if no request is active, matching the host API's
// contract that emit has no effect outside a running method call.
func (r *Runtime) Emit(payload any) {
	r.mu.Lock()
	id, active := r.currentID, r.hasActive
	r.mu.Unlock()
	if !active {
		return
	}
	_ = r.conn.Send(&wire.Response{ID: id, IsEvent: true, Payload: payload})
}

// Serve sends the ready signal and then loops, dispatching one Request at a
// time, until the connection is closed or the pool sends the terminate
// sentinel. On the sentinel it closes the connection, so the pool side sees
// the worker go away just as it would when a worker process exits. It
// returns nil on either clean exit.
func (r *Runtime) Serve(ctx context.Context) error {
	if err := r.conn.Send(wire.ReadySignal); err != nil {
		return fmt.Errorf("rt: send ready: %w", err)
	}

	for {
		msg, err := r.conn.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("rt: recv: %w", err)
		}

		switch m := msg.(type) {
		case string:
			if m == wire.TerminateSentinel {
				if r.onTerminate != nil {
					r.onTerminate()
				}
				_ = r.conn.Close()
				return nil
			}
		case *wire.Request:
			if r.dispatch(ctx, m) {
				// The handler panicked. A thread-kind worker shares this
				// process with every other worker and the caller, so an
				// unrecovered panic here would crash far more than "one
				// worker" -- close the connection so the pool observes an
				// ordinary crash (ErrWorkerTerminated) and stop serving,
				// the same outcome a process-kind worker reaches by really
				// exiting.
				_ = r.conn.Close()
				return fmt.Errorf("rt: handler for %q panicked", m.Method)
			}
		default:
			// Responses are never sent to a worker; ignore anything
			// that isn't a Request or a control string.
		}
	}
}

// dispatch invokes the registered method for req and sends its response. It
// returns fatal=true if the handler panicked, signaling Serve to stop.
func (r *Runtime) dispatch(ctx context.Context, req *wire.Request) (fatal bool) {
	r.mu.Lock()
	fn, ok := r.methods[req.Method]
	if ok && r.transient[req.Method] {
		delete(r.methods, req.Method)
		delete(r.transient, req.Method)
	}
	r.currentID = req.ID
	r.hasActive = true
	r.mu.Unlock()

	defer func() {
		if rec := recover(); rec != nil {
			fatal = true
		}
		r.mu.Lock()
		r.hasActive = false
		r.mu.Unlock()
	}()

	if !ok {
		resp := &wire.Response{
			ID: req.ID,
			Error: types.SerializeError(types.NewTaskError(
				types.ErrUnknownMethod,
				fmt.Sprintf("unknown method %q", req.Method),
			)),
		}
		_ = r.conn.Send(resp)
		return false
	}

	result, err := fn(ctx, req.Params)
	if err != nil {
		_ = r.conn.Send(&wire.Response{ID: req.ID, Error: types.SerializeError(err)})
		return false
	}
	// A Transfer envelope's Message is what crosses the wire as Result; the
	// Transferables list names buffers to move rather than copy, which
	// neither transport this module ships can honor (see types.Transfer),
	// so it is dropped here rather than round-tripped.
	if tr, ok := result.(types.Transfer); ok {
		result = tr.Message
	}
	_ = r.conn.Send(&wire.Response{ID: req.ID, Result: result})
	return false
}
