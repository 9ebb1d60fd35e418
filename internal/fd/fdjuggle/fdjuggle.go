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

// Package fdjuggle relocates a restorer-owned working descriptor (e.g.
// a transport or image-reading fd) off of a slot a checkpointed process
// needs to land a descriptor on (spec.md section 4.7).
package fdjuggle

import (
	"golang.org/x/sys/unix"

	"github.com/chkpt-project/fdrestore/internal/fderrors"
)

// MoveOffTarget duplicates fd onto a fresh close-on-exec slot chosen by
// the kernel (F_DUPFD_CLOEXEC with a lower bound of 0, meaning "any free
// slot"), closes the original fd, and returns the new slot. Used when a
// restoring process discovers its own bookkeeping descriptor (e.g. the
// transport socket it is about to Recv a file on) collides with a
// target slot a checkpointed descriptor must land on.
func MoveOffTarget(fd int) (int, error) {
	newFD, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return 0, fderrors.Syscall("fcntl(F_DUPFD_CLOEXEC)", fd, err)
	}
	if err := unix.Close(fd); err != nil {
		unix.Close(int(newFD))
		return 0, fderrors.Syscall("close", fd, err)
	}
	return int(newFD), nil
}

// Collides reports whether any of the still-pending target slots for
// this process would be clobbered by a descriptor currently sitting at
// fd, meaning fd must be moved with MoveOffTarget before the holder that
// owns target can install its descriptor there.
func Collides(fd int, pendingTargets []int32) bool {
	for _, t := range pendingTargets {
		if int32(fd) == t {
			return true
		}
	}
	return false
}

// Land places realFD onto slot target via dup2, closing whatever was
// previously open there, then closes realFD. This is the final step of
// installing a received or newly-opened descriptor at its checkpointed
// fd number (spec.md section 4.6 phase C/R).
func Land(realFD int, target int32) error {
	if err := unix.Dup2(realFD, int(target)); err != nil {
		return fderrors.Syscall("dup2", realFD, err)
	}
	if realFD != int(target) {
		if err := unix.Close(realFD); err != nil {
			return fderrors.Syscall("close", realFD, err)
		}
	}
	return nil
}
