// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package exile

import (
	"fmt"
	"os"
	"runtime"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"v.io/x/exile/lookpath"
)

// Logger receives diagnostics (handshake, exit, failed reads and writes,
// watcher cleanup). Replace it before starting children. Successful reads and
// writes log nothing.
var Logger logrus.FieldLogger = logrus.StandardLogger()

// Unbuffered requests a read that returns as soon as any bytes are
// available, rather than waiting for a fixed count.
const Unbuffered = -1

// StartOpts configures StartWith.
type StartOpts struct {
	// Dir is the child's working directory. Empty means inherit.
	Dir string
	// Env is a list of "key=value" entries merged over the parent
	// environment.
	Env []string
	// TempDir is the directory for the handshake socket. Empty means
	// os.TempDir.
	TempDir string
	// SpawnerPath is the location of the exile-spawner helper. Empty means
	// look next to the host executable, then on the PATH.
	SpawnerPath string
}

// Process is a handle on one spawned child. All methods are safe for
// concurrent use; reads and writes that would overlap an in-flight one are
// rejected, not queued.
type Process struct {
	c *controller
}

// Start runs the named command with default options.
func Start(name string, args ...string) (*Process, error) {
	return StartWith(StartOpts{}, name, args...)
}

// StartWith runs the named command. The name is resolved against the child's
// PATH to an absolute executable path, which also becomes the child's
// argv[0]. It fails without creating a child if the command cannot be
// located, the dir does not exist, an env entry is malformed, or the spawner
// handshake does not complete in time.
func StartWith(opts StartOpts, name string, args ...string) (*Process, error) {
	if name == "" {
		return nil, fmt.Errorf("exile: empty command")
	}
	if opts.Dir != "" {
		info, err := os.Stat(opts.Dir)
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("exile: dir does not exist: %s", opts.Dir)
		}
	}
	env, err := mergeEnv(os.Environ(), opts.Env)
	if err != nil {
		return nil, err
	}
	path, err := lookpath.Look(env, name)
	if err != nil {
		return nil, fmt.Errorf("exile: command not found: %s", name)
	}
	c, err := startChild(append([]string{path}, args...), env, opts)
	if err != nil {
		return nil, err
	}
	p := &Process{c: c}
	// The watcher cleans up after handles that are dropped without Stop.
	runtime.SetFinalizer(p, (*Process).finalize)
	return p, nil
}

// Write writes p to the child's stdin, blocking until every byte has been
// accepted by the kernel pipe. It fails with ErrPendingWrite if another
// write is in flight, with the raw errno on I/O failure, with a *StatusError
// if the child has exited, and with ErrStdinClosed after CloseStdin.
func (p *Process) Write(b []byte) error {
	reply := make(chan error, 1)
	if err := p.c.send(writeMsg{data: b, reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// Read reads from the child's stdout. A positive size blocks until exactly
// size bytes have been gathered, or returns the shorter tail with io.EOF if
// the child closes its stdout first. Unbuffered returns whatever the first
// successful read yields; an empty first read is io.EOF. It fails with
// ErrPendingRead if another read is in flight. After the child exits, reads
// keep draining whatever it left in the pipe; once they hit EOF, further
// reads fail with a *StatusError.
func (p *Process) Read(size int) ([]byte, error) {
	if size <= 0 && size != Unbuffered {
		return nil, ErrBadReadSize
	}
	reply := make(chan readResult, 1)
	if err := p.c.send(readMsg{size: size, reply: reply}); err != nil {
		return nil, err
	}
	res := <-reply
	return res.data, res.err
}

// CloseStdin closes the child's stdin, typically to make it observe
// end-of-input. It is idempotent and succeeds trivially on an exited child.
// A writer pending at the time of the call fails with ErrStdinClosed.
func (p *Process) CloseStdin() error {
	reply := make(chan error, 1)
	if err := p.c.send(closeStdinMsg{reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// Kill delivers sig, which must be SIGTERM or SIGKILL, to the child. It
// returns ErrProcessGone once the pid is no longer known, which is also what
// guards against signalling a recycled pid.
func (p *Process) Kill(sig syscall.Signal) error {
	if sig != syscall.SIGTERM && sig != syscall.SIGKILL {
		return ErrBadSignal
	}
	reply := make(chan error, 1)
	if err := p.c.send(killMsg{sig: sig, reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// AwaitExit blocks until the child exits and returns its exit code. A
// timeout of 0 waits forever; otherwise ErrTimeout is returned if the
// deadline fires first, without disturbing other waiters. Any number of
// callers may wait concurrently; all observe the same code.
func (p *Process) AwaitExit(timeout time.Duration) (int, error) {
	c := p.c
	// A recorded exit wins even if the handle was stopped afterwards.
	select {
	case <-c.exited:
		return c.exitCode, nil
	default:
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	select {
	case <-c.exited:
		return c.exitCode, nil
	case <-deadline:
		return 0, ErrTimeout
	case <-c.done:
		select {
		case <-c.exited:
			return c.exitCode, nil
		default:
		}
		return 0, ErrStopped
	}
}

// Pid returns the child's OS pid, or -1 once it is no longer known (the
// child has been reaped, or the handle stopped).
func (p *Process) Pid() int {
	reply := make(chan int, 1)
	if err := p.c.send(pidMsg{reply: reply}); err != nil {
		return -1
	}
	return <-reply
}

// Stop releases the controller: the pipe fds are closed, pending callers
// observe ErrStopped, and the watcher ensures the OS child is signalled,
// reaped and the socket path removed. Stop does not wait for the child.
func (p *Process) Stop() error {
	runtime.SetFinalizer(p, nil)
	reply := make(chan error, 1)
	if err := p.c.send(stopMsg{reply: reply}); err != nil {
		return err
	}
	return <-reply
}

func (p *Process) finalize() {
	go p.Stop()
}
