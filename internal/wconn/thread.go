package wconn

import "io"

// pairCloser closes both pipe halves of a thread-kind connection.
type pairCloser struct {
	closers []io.Closer
}

func (p *pairCloser) Close() error {
	var first error
	for _, c := range p.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NewThreadPair returns two connected Conns wired front-to-back with
// io.Pipe, so a message Sent on one end arrives on the other's Recv. The
// caller runs one end's counterpart (the "worker" side) on a goroutine in
// this same process; no OS process boundary exists, which is exactly what
// lets exec accept a bare Go function value for thread-kind pools.
func NewThreadPair() (pool Conn, worker Conn) {
	toWorkerR, toWorkerW := io.Pipe()
	toPoolR, toPoolW := io.Pipe()

	pool = newLineConn(toWorkerW, toPoolR, &pairCloser{closers: []io.Closer{toWorkerW, toPoolR}})
	worker = newLineConn(toPoolW, toWorkerR, &pairCloser{closers: []io.Closer{toPoolW, toWorkerR}})
	return pool, worker
}
