// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package exile

import (
	"errors"
	"fmt"
)

var (
	// ErrPendingRead is returned by Read while another read is in flight.
	ErrPendingRead = errors.New("exile: read already in flight")
	// ErrPendingWrite is returned by Write while another write is in flight.
	ErrPendingWrite = errors.New("exile: write already in flight")
	// ErrStdinClosed is returned by Write after CloseStdin, and delivered to
	// a writer that was pending when CloseStdin was called.
	ErrStdinClosed = errors.New("exile: stdin closed")
	// ErrBadReadSize is returned by Read for sizes that are neither positive
	// nor Unbuffered.
	ErrBadReadSize = errors.New("exile: read size must be positive or Unbuffered")
	// ErrBadSignal is returned by Kill for signals other than SIGTERM and
	// SIGKILL.
	ErrBadSignal = errors.New("exile: signal must be SIGTERM or SIGKILL")
	// ErrProcessGone is returned by Kill once the child's pid is no longer
	// known, i.e. the child has been reaped.
	ErrProcessGone = errors.New("exile: process not alive")
	// ErrTimeout is returned by AwaitExit when the deadline fires first.
	ErrTimeout = errors.New("exile: timeout")
	// ErrStopped is returned by Write, Read, CloseStdin, Kill and Stop after
	// Stop, and by AwaitExit unless an exit was recorded first. Pid reports
	// -1 instead.
	ErrStopped = errors.New("exile: process handle stopped")
)

// StatusError reports that the child has already exited. It is returned by
// Write once the exit was observed (including to a writer pending at that
// moment), and by Read once the stdout pipe has been drained to EOF after
// the exit.
type StatusError struct {
	// Code is the child's exit code; 128+signum if it died on a signal.
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("exile: process exited with status %d", e.Code)
}
