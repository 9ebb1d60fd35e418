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

// Package signalowner restores F_SETOWN_EX/F_SETSIG state on a
// reopened descriptor, bracketing the fcntl call with a UID
// oscillation so the kernel's permission check against the owner's
// original credentials passes (spec.md section 3, section 4.6
// invariants, section 9 "Privilege oscillation").
package signalowner

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/chkpt-project/fdrestore/internal/fd/description"
	"github.com/chkpt-project/fdrestore/internal/fderrors"
	"github.com/chkpt-project/fdrestore/internal/logger"
)

// fOwnerEx mirrors the kernel's struct f_owner_ex, the argument
// F_SETOWN_EX/F_GETOWN_EX take. golang.org/x/sys/unix has no typed
// wrapper for it (F_SETOWN_EX is a pointer-argument fcntl, unlike the
// int-argument ones unix.FcntlInt covers), so it is passed by raw
// syscall below.
type fOwnerEx struct {
	Type int32
	PID  int32
}

// Restore applies owner to fd, if owner.Set() reports a recorded owner
// at all. It brackets the fcntl calls with setresuid so the kernel's
// signal-owner permission check runs under the real and effective UID
// that originally owned the signal, restoring the caller's prior real
// and effective UID afterwards even if the fcntl calls themselves fail.
func Restore(fd int, owner description.SignalOwner) error {
	if !owner.Set() {
		return nil
	}

	savedRUID, savedEUID, err := currentUIDs()
	if err != nil {
		return err
	}

	if err := unix.Setresuid(int(owner.UID), int(owner.EUID), -1); err != nil {
		return fderrors.Syscall("setresuid", fd, err)
	}
	defer func() {
		if err := unix.Setresuid(savedRUID, savedEUID, -1); err != nil {
			logger.Errorf("signalowner: failed to restore uid %d/euid %d on fd %d: %v", savedRUID, savedEUID, fd, err)
		}
	}()

	if err := setOwnerEx(fd, owner.PIDType, owner.PID); err != nil {
		return fderrors.Syscall("fcntl(F_SETOWN_EX)", fd, err)
	}
	if owner.Signum != 0 {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETSIG, int(owner.Signum)); err != nil {
			return fderrors.Syscall("fcntl(F_SETSIG)", fd, err)
		}
	}
	return nil
}

func currentUIDs() (ruid, euid int, err error) {
	var suid int
	if err := unix.Getresuid(&ruid, &euid, &suid); err != nil {
		return 0, 0, fderrors.Syscall("getresuid", -1, err)
	}
	return ruid, euid, nil
}

func setOwnerEx(fd int, pidType, pid int32) error {
	owner := fOwnerEx{Type: pidType, PID: pid}
	_, _, errno := unix.Syscall(unix.SYS_FCNTL, uintptr(fd), uintptr(unix.F_SETOWN_EX), uintptr(unsafe.Pointer(&owner)))
	if errno != 0 {
		return errno
	}
	return nil
}
