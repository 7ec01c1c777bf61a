// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package exile runs an external command and hands its stdin and stdout to
// the caller as explicit pull/push endpoints. Nothing is buffered on the
// caller's behalf: a Read pulls bytes out of the child's stdout pipe only
// when the caller asks for them, a Write pushes bytes into the child's stdin
// pipe only as fast as the child drains it, and back-pressure in both
// directions is whatever the kernel pipe buffers provide.
//
// Each child is owned by a single controller goroutine that serialises all
// operations on it: at most one read and one write may be in flight at any
// instant, and a second caller is rejected rather than queued. The pipe fds
// are obtained from a small helper executable (exile-spawner) that connects
// back over a Unix-domain socket and passes them with an SCM_RIGHTS rights
// message before becoming the target command.
//
// For usage examples, see process_test.go and internal/exile_example.
package exile
