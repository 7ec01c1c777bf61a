// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !windows

// Command exile-spawner is the helper half of the exile handshake. Invoked
// by the host as
//
//	exile-spawner [-timeout d] <socket-path> <cmd-abs-path> [arg ...]
//
// it dials the socket, creates the child's stdio pipes, hands the host ends
// back in a single SCM_RIGHTS rights message, dups the child ends onto fds 0
// and 1, and execs the target command in place. The host prepares the
// working directory and environment before exec, so both are simply
// inherited.
package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
	"v.io/x/exile/spawn"
)

var timeout = pflag.Duration("timeout", 2*time.Second, "how long to wait for the host to accept the handshake")

func main() {
	// Everything after <cmd-abs-path> belongs to the target command.
	pflag.CommandLine.SetInterspersed(false)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-timeout d] <socket-path> <cmd-abs-path> [arg ...]\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()
	args := pflag.Args()
	if len(args) < 2 {
		pflag.Usage()
		os.Exit(2)
	}
	if err := run(args[0], args[1], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "exile-spawner: %v\n", err)
		os.Exit(127)
	}
}

func run(sockPath, cmdPath string, argv []string) error {
	conn, err := net.DialTimeout("unix", sockPath, *timeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", sockPath, err)
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return err
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return err
	}
	if err := spawn.SendFiles(conn.(*net.UnixConn), int(stdinW.Fd()), int(stdoutR.Fd())); err != nil {
		return err
	}
	conn.Close()
	stdinW.Close()
	stdoutR.Close()

	// Dup2 clears close-on-exec on the target fds; the originals disappear
	// at exec along with every other O_CLOEXEC descriptor.
	if err := unix.Dup2(int(stdinR.Fd()), 0); err != nil {
		return fmt.Errorf("dup2 stdin: %w", err)
	}
	if err := unix.Dup2(int(stdoutW.Fd()), 1); err != nil {
		return fmt.Errorf("dup2 stdout: %w", err)
	}
	if err := unix.Exec(cmdPath, argv, os.Environ()); err != nil {
		return fmt.Errorf("exec %s: %w", cmdPath, err)
	}
	return nil
}
