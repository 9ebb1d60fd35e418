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

// Package opener reopens regular files by their checkpointed path and
// reconstructs their position, mutable open-file-status flags, and
// signal-owner state (spec.md section 4.4). It registers itself as the
// description.Regular file kind's Ops on import.
package opener

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"

	"github.com/chkpt-project/fdrestore/internal/fd/description"
	"github.com/chkpt-project/fdrestore/internal/fd/signalowner"
	"github.com/chkpt-project/fdrestore/internal/fderrors"
)

func init() {
	description.Register(description.Regular, description.Ops{Open: openRegular})
}

// accessModeMask keeps only the bits that describe how the file was
// opened (read/write/append at the open(2) call site), stripping
// creation-time-only flags like O_CREAT/O_EXCL/O_TRUNC that must never
// be replayed against an already-existing file on reopen.
const accessModeMask = unix.O_ACCMODE | unix.O_APPEND | unix.O_DIRECT | unix.O_NOFOLLOW | unix.O_LARGEFILE

// mutableFlagsMask is the set of open-file-status flags F_SETFL can
// change after the fact (SPEC_FULL.md supplemented feature 2, mirroring
// the kernel's own fcntl(2) restriction to this exact bit set).
const mutableFlagsMask = unix.O_APPEND | unix.O_NONBLOCK | unix.O_ASYNC | unix.O_DIRECT | unix.O_NOATIME

func openRegular(d *description.Description) (int, error) {
	p := d.Regular
	if p == nil {
		return 0, fderrors.Invariant("regular description missing its payload")
	}

	fd, err := unix.Open(p.Path, int(p.Flags)&accessModeMask, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return 0, fderrors.MalformedImage("reopen "+p.Path, fderrors.ErrGhostFile)
		}
		return 0, fderrors.Syscall("open", -1, err)
	}

	if _, err := unix.Seek(fd, p.Position, os.SEEK_SET); err != nil {
		unix.Close(fd)
		return 0, fderrors.Syscall("lseek", fd, err)
	}

	if err := applyMutableFlags(fd, p.Flags); err != nil {
		unix.Close(fd)
		return 0, err
	}

	if err := signalowner.Restore(fd, p.Owner); err != nil {
		unix.Close(fd)
		return 0, err
	}

	return fd, nil
}

func applyMutableFlags(fd int, flags int32) error {
	bits := int(flags) & mutableFlagsMask
	if bits == 0 {
		return nil
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, bits); err != nil {
		return fderrors.Syscall("fcntl(F_SETFL)", fd, err)
	}
	return nil
}

// Open is the exported entry point internal/fd/restore calls to create
// the real kernel object for a description, regardless of its type: it
// dispatches through the description's own registered Ops (spec.md
// section 4.3).
func Open(d *description.Description) (int, error) {
	ops, err := description.LookupOps(d.Type)
	if err != nil {
		return 0, err
	}
	return ops.Open(d)
}
