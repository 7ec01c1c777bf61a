// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package exile

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// readChunk bounds a single read attempt, and is the most an Unbuffered read
// returns. Matches the default kernel pipe capacity.
const readChunk = 64 << 10

// A controller owns one child: its pipe fds, its lifecycle status and the two
// pending-operation slots. All state below is touched only by the loop
// goroutine; callers talk to it through the mailbox and block on their reply
// channels. The mailbox is unbuffered, so requests are processed strictly in
// arrival order.
type controller struct {
	mailbox chan message
	done    chan struct{} // closed by teardown; nothing is accepted after
	exited  chan struct{} // closed once the exit status is recorded
	reaped  chan struct{} // closed by the reaper once the OS child is gone

	cmd *exec.Cmd

	// Loop-owned state.
	stdin        *os.File // write end of the child's stdin pipe
	stdout       *os.File // read end of the child's stdout pipe
	stdinRC      syscall.RawConn
	stdoutRC     syscall.RawConn
	stdinClosed  bool
	stdoutClosed bool

	pid      int // -1 once no longer known
	exitSeen bool
	exitCode int

	pendingW   *pendingWrite
	pendingR   *pendingRead
	writeArmed bool
	readArmed  bool

	lastErr error // most recent I/O errno, for diagnostics
}

type pendingWrite struct {
	data  []byte // the unwritten tail
	reply chan error
}

type pendingRead struct {
	remaining  int
	unbuffered bool
	acc        []byte
	reply      chan readResult
}

type readResult struct {
	data []byte
	err  error
}

type message interface{}

type (
	writeMsg      struct{ data []byte; reply chan error }
	readMsg       struct{ size int; reply chan readResult }
	closeStdinMsg struct{ reply chan error }
	killMsg       struct{ sig syscall.Signal; reply chan error }
	pidMsg        struct{ reply chan int }
	stopMsg       struct{ reply chan error }

	writeReadyMsg struct{ err error }
	readReadyMsg  struct{ err error }
	exitMsg       struct{ code int }
)

// send enqueues m, or reports ErrStopped once the controller is gone. Every
// accepted message is guaranteed a reply, even across teardown.
func (c *controller) send(m message) error {
	select {
	case c.mailbox <- m:
		return nil
	case <-c.done:
		return ErrStopped
	}
}

// post is send for internal events, which are dropped after teardown.
func (c *controller) post(m message) {
	select {
	case c.mailbox <- m:
	case <-c.done:
	}
}

func (c *controller) loop() {
	for {
		switch m := (<-c.mailbox).(type) {
		case writeMsg:
			c.handleWrite(m)
		case readMsg:
			c.handleRead(m)
		case closeStdinMsg:
			m.reply <- c.handleCloseStdin()
		case killMsg:
			m.reply <- c.handleKill(m.sig)
		case pidMsg:
			m.reply <- c.pid
		case writeReadyMsg:
			c.handleWriteReady(m.err)
		case readReadyMsg:
			c.handleReadReady(m.err)
		case exitMsg:
			c.handleExit(m.code)
		case stopMsg:
			c.teardown()
			m.reply <- nil
			return
		}
	}
}

// reap waits for the OS child and converts its status: plain exit code, or
// 128+signum if the child died on a signal.
func (c *controller) reap() {
	err := c.cmd.Wait()
	code := exitStatus(err)
	close(c.reaped)
	c.post(exitMsg{code})
}

func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return 128 + int(ws.Signal())
			}
			return ws.ExitStatus()
		}
	}
	return -1
}

////////////////////////////////////////
// Write path

func (c *controller) handleWrite(m writeMsg) {
	switch {
	case c.pendingW != nil:
		m.reply <- ErrPendingWrite
	case c.exitSeen:
		m.reply <- &StatusError{Code: c.exitCode}
	case c.stdinClosed:
		m.reply <- ErrStdinClosed
	case len(m.data) == 0:
		m.reply <- nil
	default:
		c.pendingW = &pendingWrite{data: m.data, reply: m.reply}
		c.flushWrite()
	}
}

// flushWrite makes one non-blocking attempt at the pending tail. A full write
// replies to the caller; a partial write keeps the tail and re-arms; EAGAIN
// re-arms with state unchanged; any other errno fails the caller.
func (c *controller) flushWrite() {
	pw := c.pendingW
	n, err := c.rawWrite(pw.data)
	if err == unix.EAGAIN {
		c.armWrite()
		return
	}
	if err != nil {
		c.lastErr = err
		Logger.WithError(err).Debug("exile: write failed")
		pw.reply <- err
		c.pendingW = nil
		return
	}
	if n < len(pw.data) {
		pw.data = pw.data[n:]
		c.armWrite()
		return
	}
	pw.reply <- nil
	c.pendingW = nil
}

func (c *controller) rawWrite(p []byte) (int, error) {
	var n int
	var err error
	werr := c.stdinRC.Write(func(fd uintptr) bool {
		for {
			n, err = unix.Write(int(fd), p)
			if err != unix.EINTR {
				return true
			}
		}
	})
	if err == nil && werr != nil {
		err = werr
	}
	if n < 0 {
		n = 0
	}
	return n, err
}

func (c *controller) handleWriteReady(err error) {
	c.writeArmed = false
	if c.pendingW == nil {
		return
	}
	if err != nil {
		// The fd went away under the armed waiter (teardown races aside,
		// this means CloseStdin already failed the writer).
		c.lastErr = err
		c.pendingW.reply <- err
		c.pendingW = nil
		return
	}
	c.flushWrite()
}

// armWrite parks a helper goroutine on the runtime poller until the stdin fd
// is writable again, then posts the readiness event. At most one helper is in
// flight.
func (c *controller) armWrite() {
	if c.writeArmed {
		return
	}
	c.writeArmed = true
	rc := c.stdinRC
	go func() {
		c.post(writeReadyMsg{err: waitReady(rc, rcWrite)})
	}()
}

////////////////////////////////////////
// Read path

func (c *controller) handleRead(m readMsg) {
	switch {
	case c.pendingR != nil:
		m.reply <- readResult{err: ErrPendingRead}
	case c.stdoutClosed:
		// Exit observed and the pipe already drained to EOF.
		m.reply <- readResult{err: &StatusError{Code: c.exitCode}}
	default:
		c.pendingR = &pendingRead{
			remaining:  m.size,
			unbuffered: m.size == Unbuffered,
			reply:      m.reply,
		}
		c.fillRead()
	}
}

// fillRead makes one non-blocking attempt for the pending read. A zero-byte
// read is EOF; a short read accumulates and re-arms; reaching the requested
// size replies; an Unbuffered request is satisfied by any successful read.
func (c *controller) fillRead() {
	pr := c.pendingR
	want := readChunk
	if !pr.unbuffered && pr.remaining < want {
		want = pr.remaining
	}
	buf := make([]byte, want)
	n, err := c.rawRead(buf)
	switch {
	case err == unix.EAGAIN:
		c.armRead()
	case err != nil:
		c.lastErr = err
		Logger.WithError(err).Debug("exile: read failed")
		c.finishRead(readResult{err: err})
	case n == 0:
		c.finishRead(readResult{data: pr.acc, err: io.EOF})
	case pr.unbuffered:
		c.finishRead(readResult{data: buf[:n]})
	default:
		pr.acc = append(pr.acc, buf[:n]...)
		pr.remaining -= n
		if pr.remaining <= 0 {
			c.finishRead(readResult{data: pr.acc})
		} else {
			c.armRead()
		}
	}
}

func (c *controller) finishRead(res readResult) {
	c.pendingR.reply <- res
	c.pendingR = nil
	// The read end is held open past exit so the child's final bytes can
	// still be pulled out of the pipe; EOF (or an errno) after exit is the
	// point of no return.
	if c.exitSeen && res.err != nil {
		c.closeStdout()
	}
}

func (c *controller) rawRead(p []byte) (int, error) {
	var n int
	var err error
	rerr := c.stdoutRC.Read(func(fd uintptr) bool {
		for {
			n, err = unix.Read(int(fd), p)
			if err != unix.EINTR {
				return true
			}
		}
	})
	if err == nil && rerr != nil {
		err = rerr
	}
	if n < 0 {
		n = 0
	}
	return n, err
}

func (c *controller) handleReadReady(err error) {
	c.readArmed = false
	if c.pendingR == nil {
		return
	}
	if err != nil {
		c.lastErr = err
		c.finishRead(readResult{data: c.pendingR.acc, err: err})
		return
	}
	c.fillRead()
}

func (c *controller) armRead() {
	if c.readArmed {
		return
	}
	c.readArmed = true
	rc := c.stdoutRC
	go func() {
		c.post(readReadyMsg{err: waitReady(rc, rcRead)})
	}()
}

////////////////////////////////////////
// Readiness

type rcDirection int

const (
	rcRead rcDirection = iota
	rcWrite
)

// waitReady blocks until the fd is ready in the given direction. The first
// closure invocation declines so the runtime poller parks us; the second
// fires once the fd is ready (or the file is closed, which surfaces as an
// error from the RawConn).
func waitReady(rc syscall.RawConn, dir rcDirection) error {
	first := true
	f := func(uintptr) bool {
		if first {
			first = false
			return false
		}
		return true
	}
	if dir == rcWrite {
		return rc.Write(f)
	}
	return rc.Read(f)
}

////////////////////////////////////////
// Lifecycle

func (c *controller) handleCloseStdin() error {
	if c.exitSeen || c.stdinClosed {
		return nil
	}
	if c.pendingW != nil {
		c.pendingW.reply <- ErrStdinClosed
		c.pendingW = nil
	}
	return c.closeStdin()
}

func (c *controller) handleKill(sig syscall.Signal) error {
	if c.pid == -1 {
		return ErrProcessGone
	}
	if err := syscall.Kill(c.pid, sig); err != nil {
		if err == syscall.ESRCH {
			return ErrProcessGone
		}
		return err
	}
	return nil
}

func (c *controller) handleExit(code int) {
	c.exitSeen = true
	c.exitCode = code
	c.pid = -1
	close(c.exited)
	if c.pendingW != nil {
		c.pendingW.reply <- &StatusError{Code: code}
		c.pendingW = nil
	}
	c.closeStdin()
	// The stdout fd stays open: reads keep draining what the child left in
	// the pipe until they hit EOF.
	Logger.WithField("status", code).Debug("exile: child exited")
}

// teardown releases the controller. Pending callers observe ErrStopped; the
// watcher takes over if the child has not been reaped yet.
func (c *controller) teardown() {
	close(c.done)
	if c.pendingW != nil {
		c.pendingW.reply <- ErrStopped
		c.pendingW = nil
	}
	if c.pendingR != nil {
		c.pendingR.reply <- readResult{err: ErrStopped}
		c.pendingR = nil
	}
	c.closeStdin()
	c.closeStdout()
}

func (c *controller) closeStdin() error {
	if c.stdinClosed {
		return nil
	}
	c.stdinClosed = true
	return c.stdin.Close()
}

func (c *controller) closeStdout() error {
	if c.stdoutClosed {
		return nil
	}
	c.stdoutClosed = true
	return c.stdout.Close()
}
