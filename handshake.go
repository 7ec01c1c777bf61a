// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package exile

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"v.io/x/exile/lookpath"
	"v.io/x/exile/spawn"
)

const (
	spawnerName = "exile-spawner"
	// handshakeTimeout bounds both the accept and the rights-message receive.
	handshakeTimeout = 2 * time.Second
)

// startChild launches the spawner helper and performs the fd-passing
// handshake. argv[0] must already be the resolved absolute path of the
// target command; env is the child's full environment. On success the
// returned controller is live: its loop, reaper and watcher goroutines are
// running and the socket path has been unlinked.
func startChild(argv []string, env []string, opts StartOpts) (*controller, error) {
	spawnerPath := opts.SpawnerPath
	if spawnerPath == "" {
		var err error
		if spawnerPath, err = findSpawner(env); err != nil {
			return nil, err
		}
	}

	sockPath := spawn.SocketPath(opts.TempDir)
	// Tolerate a leftover path from a previous crash.
	os.Remove(sockPath)
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: sockPath, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("exile: listen %s: %w", sockPath, err)
	}
	defer ln.Close()

	cmd := exec.Command(spawnerPath, append([]string{sockPath}, argv...)...)
	cmd.Dir = opts.Dir
	cmd.Env = env
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		os.Remove(sockPath)
		return nil, fmt.Errorf("exile: start spawner: %w", err)
	}

	stdin, stdout, err := receiveFds(ln)
	if err != nil {
		cmd.Process.Kill()
		go cmd.Wait()
		os.Remove(sockPath)
		return nil, err
	}
	// The path must be gone before the handle escapes; the watcher's removal
	// at teardown is then a no-op.
	os.Remove(sockPath)

	stdinRC, err := stdin.SyscallConn()
	if err == nil {
		var stdoutRC syscall.RawConn
		if stdoutRC, err = stdout.SyscallConn(); err == nil {
			c := &controller{
				mailbox:  make(chan message),
				done:     make(chan struct{}),
				exited:   make(chan struct{}),
				reaped:   make(chan struct{}),
				cmd:      cmd,
				stdin:    stdin,
				stdout:   stdout,
				stdinRC:  stdinRC,
				stdoutRC: stdoutRC,
				pid:      cmd.Process.Pid,
			}
			go c.loop()
			go c.reap()
			go (&watcher{pid: c.pid, sockPath: sockPath, reaped: c.reaped, done: c.done}).run()
			Logger.WithField("pid", c.pid).Debug("exile: handshake complete")
			return c, nil
		}
	}
	stdin.Close()
	stdout.Close()
	cmd.Process.Kill()
	go cmd.Wait()
	return nil, fmt.Errorf("exile: handshake: %w", err)
}

// receiveFds accepts the helper's connection and receives the rights
// message, both under the handshake deadline. The returned files are in
// non-blocking mode and registered with the runtime poller.
func receiveFds(ln *net.UnixListener) (stdin, stdout *os.File, err error) {
	ln.SetDeadline(time.Now().Add(handshakeTimeout))
	conn, err := ln.AcceptUnix()
	if err != nil {
		return nil, nil, fmt.Errorf("exile: handshake accept: %w", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	stdinFd, stdoutFd, err := spawn.RecvFiles(conn)
	if err != nil {
		return nil, nil, fmt.Errorf("exile: handshake: %w", err)
	}
	unix.CloseOnExec(stdinFd)
	unix.CloseOnExec(stdoutFd)
	unix.SetNonblock(stdinFd, true)
	unix.SetNonblock(stdoutFd, true)
	return os.NewFile(uintptr(stdinFd), "|0"), os.NewFile(uintptr(stdoutFd), "|1"), nil
}

// findSpawner locates the helper: next to the host executable first, then on
// the PATH.
func findSpawner(env []string) (string, error) {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), spawnerName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0111 != 0 {
			return candidate, nil
		}
	}
	if path, err := lookpath.Look(env, spawnerName); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("exile: cannot locate the %s helper; set StartOpts.SpawnerPath", spawnerName)
}
