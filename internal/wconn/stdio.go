package wconn

import "os"

// NewStdio wraps this process's own stdin/stdout as a Conn. A worker binary
// built against internal/rt calls this, the mirror image of NewProcess
// which the parent side uses to spawn and wrap a child.
func NewStdio() Conn {
	return newLineConn(os.Stdout, os.Stdin, os.Stdin)
}
