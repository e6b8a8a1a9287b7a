// ============================================================================
// Taskpool Transport Layer
// ============================================================================
//
// Package: internal/wconn
// Purpose: hide whether a worker is a real OS process or an in-process
// goroutine behind one Conn interface, so internal/rt and internal/whandle
// never branch on worker kind.
//
// Both implementations frame the same line-delimited JSON stream defined in
// internal/wire; only how the bytes reach the other side differs:
//   - NewProcess: the stream is the stdin/stdout pipes of an os/exec child.
//   - NewThreadPair: the stream is a pair of io.Pipe connected in memory,
//     with the "worker" side run as a goroutine in this same process.
//
// ============================================================================

package wconn

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/ChuLiYu/taskpool/internal/wire"
)

// Conn is a bidirectional, line-delimited JSON message channel to a worker.
// Send and Recv are safe to call from different goroutines, but Send itself
// is not safe for concurrent callers (the pool already serializes calls to
// a given worker via its single-goroutine scheduler).
type Conn interface {
	// Send writes one message as a single line of JSON.
	Send(msg any) error
	// Recv blocks for the next decoded wire message. It returns io.EOF once
	// the peer has closed its write side and no more lines remain.
	Recv() (any, error)
	// Close tears down the underlying transport.
	Close() error
}

// lineConn implements Conn over any io.WriteCloser/io.Reader pair by framing
// messages as newline-delimited JSON, matching internal/wire's Decode.
type lineConn struct {
	mu     sync.Mutex
	w      io.WriteCloser
	r      *bufio.Reader
	closer io.Closer
}

// newLineConn builds a Conn writing to w and reading from r, closed via
// closer (which may aggregate both ends, e.g. an exec.Cmd or an io.Pipe pair).
func newLineConn(w io.WriteCloser, r io.Reader, closer io.Closer) *lineConn {
	return &lineConn{w: w, r: bufio.NewReader(r), closer: closer}
}

func (c *lineConn) Send(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wconn: encode: %w", err)
	}
	b = append(b, '\n')
	if _, err := c.w.Write(b); err != nil {
		return fmt.Errorf("wconn: write: %w", err)
	}
	return nil
}

func (c *lineConn) Recv() (any, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) == 0 {
			return nil, io.EOF
		}
		if err != io.EOF {
			return nil, fmt.Errorf("wconn: read: %w", err)
		}
	}
	return wire.Decode(line)
}

func (c *lineConn) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	return c.w.Close()
}
