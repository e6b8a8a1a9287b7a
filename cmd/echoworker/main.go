// Command echoworker is a process-kind worker binary: it speaks the wire
// protocol on stdin/stdout and registers a small set of demo methods, the
// way a caller's own worker script is expected to. internal/cli's default
// config points poolctl at a binary built from this package.
package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/taskpool/internal/rt"
	"github.com/ChuLiYu/taskpool/internal/wconn"
)

func main() {
	conn := wconn.NewStdio()
	runtime := rt.New(conn)

	runtime.Register("add", func(ctx context.Context, params []any) (any, error) {
		var sum float64
		for _, p := range params {
			n, ok := p.(float64)
			if !ok {
				return nil, fmt.Errorf("add: non-numeric parameter %v", p)
			}
			sum += n
		}
		return sum, nil
	})

	runtime.Register("sleep", func(ctx context.Context, params []any) (any, error) {
		ms := 0.0
		if len(params) > 0 {
			if n, ok := params[0].(float64); ok {
				ms = n
			}
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	runtime.Register("crash", func(ctx context.Context, params []any) (any, error) {
		panic("echoworker: simulated crash")
	})

	runtime.Register("emitProgress", func(ctx context.Context, params []any) (any, error) {
		steps := 3
		for i := 1; i <= steps; i++ {
			runtime.Emit(map[string]any{"step": i, "of": steps})
			time.Sleep(10 * time.Millisecond)
		}
		return "complete", nil
	})

	if err := runtime.Serve(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}
