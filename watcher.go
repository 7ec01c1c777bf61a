// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package exile

import (
	"os"
	"syscall"
	"time"
)

// A watcher guarantees OS-level cleanup for one child. It holds the pid and
// the socket path by value and never touches the controller's state: it only
// observes the reap channel and, if the controller is torn down first, makes
// sure the child is signalled and reaped. The socket path is removed in
// every case.
type watcher struct {
	pid      int
	sockPath string
	reaped   <-chan struct{}
	done     <-chan struct{}
}

func (w *watcher) run() {
	select {
	case <-w.reaped:
	case <-w.done:
		w.terminate()
	}
	if err := os.Remove(w.sockPath); err != nil && !os.IsNotExist(err) {
		Logger.WithError(err).Warn("exile: watcher: cannot remove socket path")
	}
}

// terminate sends SIGTERM, escalates to SIGKILL after a grace period, and
// waits for the reaper. Skipped entirely if the child was already reaped.
func (w *watcher) terminate() {
	select {
	case <-w.reaped:
		return
	default:
	}
	Logger.WithField("pid", w.pid).Warn("exile: controller stopped before child exit; terminating child")
	if err := syscall.Kill(w.pid, syscall.SIGTERM); err == syscall.ESRCH {
		<-w.reaped
		return
	}
	for i := 0; i < 10; i++ {
		select {
		case <-w.reaped:
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	Logger.WithField("pid", w.pid).Warn("exile: child ignored SIGTERM; sending SIGKILL")
	syscall.Kill(w.pid, syscall.SIGKILL)
	<-w.reaped
}
