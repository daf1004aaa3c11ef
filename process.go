package uia2

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const killWait = 3 * time.Second

// serverProcess is the handle to the app_process instance launched over a
// streamed shell. The stream stays open for the lifetime of the remote
// process; closing it kills the process.
//
// A background goroutine drains the stream into an append-only buffer until
// the stream ends, then signals done. Output readers always observe a prefix
// of the final buffer.
type serverProcess struct {
	conn net.Conn
	log  *zap.SugaredLogger

	mu     sync.Mutex
	output []byte

	done chan struct{}
}

func newServerProcess(conn net.Conn, log *zap.SugaredLogger) *serverProcess {
	p := &serverProcess{
		conn: conn,
		log:  log,
		done: make(chan struct{}),
	}
	go p.drain()
	return p
}

func (p *serverProcess) drain() {
	defer close(p.done)
	buf := make([]byte, 1024)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			p.log.Debugf("server output: %s", buf[:n])
			p.mu.Lock()
			p.output = append(p.output, buf[:n]...)
			p.mu.Unlock()
		}
		if err != nil {
			// Read errors here mean the stream closed, which means the
			// process is gone. That is the normal end of a drain.
			return
		}
	}
}

// Output returns a copy of everything the process has written so far.
func (p *serverProcess) Output() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, len(p.output))
	copy(out, p.output)
	return out
}

// Wait blocks until the process's stream ends or the timeout elapses, and
// reports whether it ended.
func (p *serverProcess) Wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

// Exited reports whether the process's stream has ended.
func (p *serverProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Kill closes the stream and waits (bounded) for the drain to observe it.
func (p *serverProcess) Kill() {
	p.conn.Close()
	if !p.Wait(killWait) {
		p.log.Debugf("drain did not finish within %s of kill", killWait)
	}
}
