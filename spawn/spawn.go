// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package spawn implements the handshake protocol between an exile host and
// the exile-spawner helper: the helper dials a Unix-domain socket named by
// the host and hands back the child's stdin-write and stdout-read file
// descriptors in a single SCM_RIGHTS rights message.
//
// The message's data payload carries the two descriptor numbers as
// native-endian 32-bit integers, in the fixed order stdin-write then
// stdout-read. The payload is positional only; the descriptors themselves
// travel in the control message.
package spawn

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// payloadLen is two 32-bit positional markers.
const payloadLen = 8

// numFds is the number of descriptors in a handshake: stdin-write and
// stdout-read.
const numFds = 2

var errBadHandshake = errors.New("spawn: malformed handshake message")

// SocketPath returns a fresh handshake socket path under dir (os.TempDir if
// empty). The name is derived from 16 random bytes, url-safe.
func SocketPath(dir string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	id := uuid.New()
	return filepath.Join(dir, "exile-"+base64.RawURLEncoding.EncodeToString(id[:])+".sock")
}

// SendFiles sends the two pipe descriptors to the host over conn in a single
// rights message. Called by the helper.
func SendFiles(conn *net.UnixConn, stdinW, stdoutR int) error {
	payload := make([]byte, payloadLen)
	binary.NativeEndian.PutUint32(payload[0:4], uint32(stdinW))
	binary.NativeEndian.PutUint32(payload[4:8], uint32(stdoutR))
	oob := unix.UnixRights(stdinW, stdoutR)
	n, oobn, err := conn.WriteMsgUnix(payload, oob, nil)
	if err != nil {
		return fmt.Errorf("spawn: sendmsg: %w", err)
	}
	if n != len(payload) || oobn != len(oob) {
		return fmt.Errorf("spawn: short sendmsg: data %d/%d, oob %d/%d", n, len(payload), oobn, len(oob))
	}
	return nil
}

// RecvFiles receives the two pipe descriptors from conn. Called by the host.
// The returned descriptors are raw fds owned by the caller, in the fixed
// order stdin-write, stdout-read. Any message shape other than one rights
// control message carrying exactly two descriptors with an intact payload is
// an error.
func RecvFiles(conn *net.UnixConn) (stdinW, stdoutR int, err error) {
	payload := make([]byte, payloadLen)
	oob := make([]byte, unix.CmsgSpace(numFds*4))
	n, oobn, flags, _, err := conn.ReadMsgUnix(payload, oob)
	if err != nil {
		return -1, -1, fmt.Errorf("spawn: recvmsg: %w", err)
	}
	if n != payloadLen || flags&unix.MSG_CTRUNC != 0 {
		return -1, -1, errBadHandshake
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, -1, fmt.Errorf("spawn: parse control message: %w", err)
	}
	if len(msgs) != 1 {
		return -1, -1, errBadHandshake
	}
	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return -1, -1, fmt.Errorf("spawn: parse rights: %w", err)
	}
	if len(fds) != numFds {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return -1, -1, errBadHandshake
	}
	// The markers are the sender's descriptor numbers; their values carry no
	// meaning on this side of the socket beyond confirming the payload shape.
	_ = binary.NativeEndian.Uint32(payload[0:4])
	_ = binary.NativeEndian.Uint32(payload[4:8])
	return fds[0], fds[1], nil
}
