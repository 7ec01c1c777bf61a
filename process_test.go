// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package exile_test

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"runtime/debug"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
	"v.io/x/exile"
)

var spawnerPath string

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "exile-test")
	if err != nil {
		panic(err)
	}
	spawnerPath = filepath.Join(dir, "exile-spawner")
	out, err := exec.Command("go", "build", "-o", spawnerPath, "v.io/x/exile/cmd/exile-spawner").CombinedOutput()
	if err != nil {
		fmt.Fprintf(os.Stderr, "building exile-spawner: %v\n%s", err, out)
		os.Exit(1)
	}
	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}

func fatal(t *testing.T, v ...interface{}) {
	debug.PrintStack()
	t.Fatal(v...)
}

func fatalf(t *testing.T, format string, v ...interface{}) {
	debug.PrintStack()
	t.Fatalf(format, v...)
}

func ok(t *testing.T, err error) {
	if err != nil {
		fatal(t, err)
	}
}

func nok(t *testing.T, err error) {
	if err == nil {
		fatal(t, "nil err")
	}
}

func eq(t *testing.T, got, want interface{}) {
	if !reflect.DeepEqual(got, want) {
		fatalf(t, "got %v, want %v", got, want)
	}
}

func neq(t *testing.T, got, notWant interface{}) {
	if reflect.DeepEqual(got, notWant) {
		fatalf(t, "got %v", got)
	}
}

func start(t *testing.T, name string, args ...string) *exile.Process {
	return startWith(t, exile.StartOpts{}, name, args...)
}

func startWith(t *testing.T, opts exile.StartOpts, name string, args ...string) *exile.Process {
	opts.SpawnerPath = spawnerPath
	p, err := exile.StartWith(opts, name, args...)
	ok(t, err)
	return p
}

// A full round trip through cat: write, drain, EOF, exit code.
func TestRoundTrip(t *testing.T) {
	p := start(t, "cat")
	defer p.Stop()
	ok(t, p.Write([]byte("hello")))
	ok(t, p.CloseStdin())
	b, err := p.Read(5)
	ok(t, err)
	eq(t, string(b), "hello")
	b, err = p.Read(1)
	eq(t, err, io.EOF)
	eq(t, len(b), 0)
	code, err := p.AwaitExit(0)
	ok(t, err)
	eq(t, code, 0)
}

// A timed-out waiter is dropped without disturbing the eventual exit
// observation.
func TestAwaitExitTimeout(t *testing.T) {
	p := start(t, "sh", "-c", "sleep 1; exit 7")
	defer p.Stop()
	_, err := p.AwaitExit(100 * time.Millisecond)
	eq(t, err, exile.ErrTimeout)
	code, err := p.AwaitExit(0)
	ok(t, err)
	eq(t, code, 7)
}

// Killing the child unblocks a pending read with the bytes produced so far.
func TestKillUnblocksRead(t *testing.T) {
	p := start(t, "sh", "-c", "printf AB; sleep 10")
	defer p.Stop()
	type result struct {
		b   []byte
		err error
	}
	readDone := make(chan result, 1)
	go func() {
		b, err := p.Read(4)
		readDone <- result{b, err}
	}()
	// Give the read time to gather AB and go pending on the rest.
	time.Sleep(200 * time.Millisecond)
	ok(t, p.Kill(syscall.SIGKILL))
	res := <-readDone
	eq(t, res.err, io.EOF)
	eq(t, string(res.b), "AB")
	code, err := p.AwaitExit(0)
	ok(t, err)
	eq(t, code, 128+int(syscall.SIGKILL))
}

// Of two concurrent writers, exactly one installs the pending slot; the
// other is rejected, not queued.
func TestConcurrentWrite(t *testing.T) {
	p := start(t, "sh", "-c", "sleep 10")
	defer p.Stop()
	// Far more than the pipe buffer, so the first write stays pending.
	big := make([]byte, 4<<20)
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- p.Write(big) }()
	}
	err := <-errs
	eq(t, err, exile.ErrPendingWrite)
	ok(t, p.Kill(syscall.SIGKILL))
	// The survivor fails once the child is gone: with the exit status, or
	// with EPIPE if a write attempt races the exit event.
	nok(t, <-errs)
}

// After exit, the status is sticky.
func TestExitStatusSticky(t *testing.T) {
	p := start(t, "false")
	defer p.Stop()
	code, err := p.AwaitExit(0)
	ok(t, err)
	eq(t, code, 1)
	err = p.Write([]byte("x"))
	var se *exile.StatusError
	if !errors.As(err, &se) {
		fatalf(t, "got %v, want StatusError", err)
	}
	eq(t, se.Code, 1)
	// The first read still drains the (empty) pipe; after that EOF the
	// status is all that's left.
	_, err = p.Read(1)
	eq(t, err, io.EOF)
	_, err = p.Read(1)
	if !errors.As(err, &se) {
		fatalf(t, "got %v, want StatusError", err)
	}
	// CloseStdin on an exited child reports ok.
	ok(t, p.CloseStdin())
	eq(t, p.Pid(), -1)
	eq(t, p.Kill(syscall.SIGTERM), exile.ErrProcessGone)
}

// A command that cannot be resolved creates nothing, not even the socket
// file.
func TestCommandNotFound(t *testing.T) {
	dir := t.TempDir()
	_, err := exile.StartWith(exile.StartOpts{SpawnerPath: spawnerPath, TempDir: dir}, "doesnotexist")
	nok(t, err)
	entries, lerr := os.ReadDir(dir)
	ok(t, lerr)
	eq(t, len(entries), 0)
}

func TestExitFanout(t *testing.T) {
	p := start(t, "sh", "-c", "sleep 0.2; exit 42")
	defer p.Stop()
	var g errgroup.Group
	for i := 0; i < 5; i++ {
		g.Go(func() error {
			code, err := p.AwaitExit(0)
			if err != nil {
				return err
			}
			if code != 42 {
				return fmt.Errorf("got code %d, want 42", code)
			}
			return nil
		})
	}
	ok(t, g.Wait())
}

func TestPendingRead(t *testing.T) {
	p := start(t, "sh", "-c", "sleep 10")
	defer p.Stop()
	go p.Read(1)
	time.Sleep(100 * time.Millisecond)
	_, err := p.Read(1)
	eq(t, err, exile.ErrPendingRead)
	ok(t, p.Kill(syscall.SIGKILL))
}

func TestUnbufferedRead(t *testing.T) {
	p := start(t, "cat")
	defer p.Stop()
	ok(t, p.Write([]byte("hi")))
	b, err := p.Read(exile.Unbuffered)
	ok(t, err)
	eq(t, string(b), "hi")
	ok(t, p.CloseStdin())
	b, err = p.Read(exile.Unbuffered)
	eq(t, err, io.EOF)
	eq(t, len(b), 0)
}

func TestReadSizeValidation(t *testing.T) {
	p := start(t, "cat")
	defer p.Stop()
	_, err := p.Read(0)
	eq(t, err, exile.ErrBadReadSize)
	_, err = p.Read(-2)
	eq(t, err, exile.ErrBadReadSize)
}

func TestCloseStdin(t *testing.T) {
	p := start(t, "sh", "-c", "sleep 10")
	defer p.Stop()
	ok(t, p.CloseStdin())
	ok(t, p.CloseStdin())
	eq(t, p.Write([]byte("x")), exile.ErrStdinClosed)
	ok(t, p.Kill(syscall.SIGKILL))
}

func TestCloseStdinFailsPendingWrite(t *testing.T) {
	p := start(t, "sh", "-c", "sleep 10")
	defer p.Stop()
	big := make([]byte, 4<<20)
	errCh := make(chan error, 1)
	go func() { errCh <- p.Write(big) }()
	time.Sleep(200 * time.Millisecond)
	ok(t, p.CloseStdin())
	eq(t, <-errCh, exile.ErrStdinClosed)
	ok(t, p.Kill(syscall.SIGKILL))
}

func TestKillValidation(t *testing.T) {
	p := start(t, "sh", "-c", "sleep 10")
	defer p.Stop()
	eq(t, p.Kill(syscall.SIGINT), exile.ErrBadSignal)
	ok(t, p.Kill(syscall.SIGTERM))
	code, err := p.AwaitExit(0)
	ok(t, err)
	eq(t, code, 128+int(syscall.SIGTERM))
}

func TestDirOpt(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	ok(t, err)
	p := startWith(t, exile.StartOpts{Dir: dir}, "sh", "-c", "pwd; sleep 10")
	defer p.Stop()
	b, rerr := p.Read(len(dir) + 1)
	ok(t, rerr)
	eq(t, string(b), dir+"\n")
	ok(t, p.Kill(syscall.SIGKILL))
}

func TestBadDir(t *testing.T) {
	_, err := exile.StartWith(exile.StartOpts{SpawnerPath: spawnerPath, Dir: "/doesnotexist"}, "cat")
	nok(t, err)
}

func TestEnvOpt(t *testing.T) {
	p := startWith(t, exile.StartOpts{Env: []string{"EXILE_TEST_VAR=quux"}},
		"sh", "-c", `printf "$EXILE_TEST_VAR"; sleep 10`)
	defer p.Stop()
	b, err := p.Read(4)
	ok(t, err)
	eq(t, string(b), "quux")
	ok(t, p.Kill(syscall.SIGKILL))
}

func TestMalformedEnv(t *testing.T) {
	_, err := exile.StartWith(exile.StartOpts{SpawnerPath: spawnerPath, Env: []string{"NOEQUALS"}}, "cat")
	nok(t, err)
}

// After Stop, the socket path is absent, the pid is reaped, and subsequent
// operations observe the stopped handle.
func TestStopCleansUp(t *testing.T) {
	dir := t.TempDir()
	p := startWith(t, exile.StartOpts{TempDir: dir}, "sh", "-c", "sleep 100")
	pid := p.Pid()
	neq(t, pid, -1)
	ok(t, p.Stop())
	eq(t, p.Write([]byte("x")), exile.ErrStopped)
	_, err := p.Read(1)
	eq(t, err, exile.ErrStopped)
	_, err = p.AwaitExit(time.Second)
	eq(t, err, exile.ErrStopped)
	// The watcher signals the orphan and waits for the reap.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if syscall.Kill(pid, 0) == syscall.ESRCH {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	eq(t, syscall.Kill(pid, 0), syscall.ESRCH)
	entries, lerr := os.ReadDir(dir)
	ok(t, lerr)
	eq(t, len(entries), 0)
}

func TestAwaitExitAfterExit(t *testing.T) {
	p := start(t, "true")
	defer p.Stop()
	code, err := p.AwaitExit(0)
	ok(t, err)
	eq(t, code, 0)
	// The captured code is returned immediately, with or without a timeout.
	code, err = p.AwaitExit(time.Nanosecond)
	ok(t, err)
	eq(t, code, 0)
}

// A large transfer exercises partial writes and read re-arms through the
// 64 KiB pipe buffers in both directions.
func TestLargeTransfer(t *testing.T) {
	p := start(t, "cat")
	defer p.Stop()
	const n = 1 << 20
	big := make([]byte, n)
	for i := range big {
		big[i] = byte(i)
	}
	werr := make(chan error, 1)
	go func() { werr <- p.Write(big) }()
	b, err := p.Read(n)
	ok(t, err)
	ok(t, <-werr)
	eq(t, len(b), n)
	if !reflect.DeepEqual(b, big) {
		fatal(t, "round-tripped bytes differ")
	}
	ok(t, p.CloseStdin())
	code, err := p.AwaitExit(0)
	ok(t, err)
	eq(t, code, 0)
}
