// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package transport moves real file descriptors between processes over
// abstract-namespace AF_UNIX/SOCK_DGRAM sockets using SCM_RIGHTS
// ancillary messages (spec.md section 4.1, 4.2).
package transport

import (
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/chkpt-project/fdrestore/internal/fderrors"
)

// Address derives the abstract-namespace address a holder listens on
// for a given (salt, pid, fd) triple. The leading NUL byte is what
// makes it an abstract address rather than a filesystem path (spec.md
// section 4.1). salt namespaces one restore pass's addresses from any
// other concurrent pass sharing the same network namespace.
func Address(salt, prefix string, pid, fd int32) string {
	return fmt.Sprintf("\x00%s-%s-%d-%d", prefix, salt, pid, fd)
}

// NewSalt returns a fresh per-restore-pass address salt. Using a
// collision-resistant UUID instead of e.g. the restore pass's own PID
// means two restore passes racing in the same network namespace (a
// retried restore sharing leftover state from a crashed attempt) can
// never collide on the same abstract address.
func NewSalt() string {
	return uuid.NewString()
}

// Channel is one endpoint of an abstract-namespace descriptor-passing
// socket, bound and ready to Send or Recv exactly one fd.
type Channel struct {
	fd   int
	addr string
}

// Listen creates and binds a SOCK_DGRAM socket at addr, ready to Recv.
func Listen(addr string) (*Channel, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fderrors.Syscall("socket", -1, err)
	}
	sa := &unix.SockaddrUnix{Name: addr}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fderrors.Syscall("bind", fd, err)
	}
	return &Channel{fd: fd, addr: addr}, nil
}

// Close releases the channel's socket. A no-op if the fd was already
// taken by Detach.
func (c *Channel) Close() error {
	if c.fd < 0 {
		return nil
	}
	if err := unix.Close(c.fd); err != nil {
		return fderrors.Syscall("close", c.fd, err)
	}
	return nil
}

// FD returns the channel's current socket descriptor number.
func (c *Channel) FD() int { return c.fd }

// Detach returns the channel's fd and disowns it, so a later Close is a
// no-op. Used when phase P hands the listening socket off to
// internal/fd/fdjuggle to relocate onto the descriptor's target slot:
// ownership of the fd number passes to whatever holds the dup2'd copy.
func (c *Channel) Detach() int {
	fd := c.fd
	c.fd = -1
	return fd
}

// Send transmits realFD, a live kernel descriptor, to the listener at
// dstAddr as an SCM_RIGHTS ancillary message over a throwaway unbound
// datagram socket. The single payload byte carries no meaning beyond
// giving sendmsg a non-empty buffer to send.
func Send(dstAddr string, realFD int) error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fderrors.Syscall("socket", -1, err)
	}
	defer unix.Close(fd)

	rights := unix.UnixRights(realFD)
	sa := &unix.SockaddrUnix{Name: dstAddr}
	if err := unix.Sendmsg(fd, []byte{0}, rights, sa, 0); err != nil {
		return fderrors.Syscall("sendmsg", fd, err)
	}
	return nil
}

// Recv blocks until a descriptor arrives on c and returns it. There is
// no timeout; per spec.md section 9 the restore pass has no
// cancellation model, matching WaitRealized in internal/fd/registry.
func (c *Channel) Recv() (int, error) {
	return Recv(c.fd)
}

// Recv blocks until a descriptor arrives on the bound SOCK_DGRAM socket
// fd and returns it. It takes a raw fd rather than a *Channel so callers
// that relocated a listening socket onto a checkpointed target slot
// (internal/fd/fdjuggle.Land) can still receive on it, since that slot's
// fd number is the whole point of having moved it there.
func Recv(fd int) (int, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := unix.Recvmsg(fd, buf, oob, 0)
	if err != nil {
		return 0, fderrors.Syscall("recvmsg", fd, err)
	}
	if n == 0 && oobn == 0 {
		return 0, fderrors.MalformedImage("recvmsg returned no data and no ancillary message", nil)
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, fderrors.Syscall("parse_socket_control_message", fd, err)
	}
	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		if len(fds) != 1 {
			return 0, fderrors.MalformedImage(fmt.Sprintf("expected exactly one fd in SCM_RIGHTS, got %d", len(fds)), nil)
		}
		return fds[0], nil
	}
	return 0, fderrors.MalformedImage("no SCM_RIGHTS control message in received datagram", nil)
}
