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

// Package fsctx restores a process's working directory and root by
// reopening a regular file's description by identifier and pointing
// the process at it, folding into the restore pass's "filesystem
// context restore" row without installing anything at a numbered
// descriptor slot.
package fsctx

import (
	"golang.org/x/sys/unix"

	"github.com/chkpt-project/fdrestore/internal/fd/description"
	"github.com/chkpt-project/fdrestore/internal/fd/restore"
	"github.com/chkpt-project/fdrestore/internal/fderrors"
)

// RestoreCwd reopens the regular-file description identified by id and
// fchdir(2)s the current process into it, then closes the temporary fd.
func RestoreCwd(table *description.Table, id uint32) error {
	return restoreInto(table, id, unix.Fchdir)
}

// RestoreRoot reopens the regular-file description identified by id and
// chroot(2)s the current process into it via fchdir+chroot(".") so the
// call works from an arbitrary directory fd, then closes the temporary
// fd. Requires CAP_SYS_CHROOT, same as the syscall itself.
func RestoreRoot(table *description.Table, id uint32) error {
	return restoreInto(table, id, func(fd int) error {
		if err := unix.Fchdir(fd); err != nil {
			return err
		}
		return unix.Chroot(".")
	})
}

func restoreInto(table *description.Table, id uint32, apply func(fd int) error) error {
	fd, err := restore.OpenRegularByID(table, id)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	if err := apply(fd); err != nil {
		return fderrors.Syscall("fchdir/chroot", fd, err)
	}
	return nil
}
