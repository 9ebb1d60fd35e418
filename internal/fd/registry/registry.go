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

// Package registry is the shared descriptor registry: a fixed-capacity
// array of entries, one per (pid, fd) seen in the checkpoint, mapped
// MAP_SHARED so every restoring process can see and wait on the same
// memory (spec.md section 3, section 4.5, section 5).
//
// The original checkpoint/restore design builds this array once in a
// single parent and hands it to forked children, who inherit the
// mapping for free. This core's restoring processes are independent
// exec'd binaries rather than fork() children of a common Go process
// (Go's runtime cannot safely fork() a multi-threaded program), so the
// shared mapping is backed by a memfd instead of an anonymous mapping
// inherited across fork: NewShared creates the memfd and returns the
// *os.File so the out-of-scope process spawner (spec.md Non-goals) can
// pass its fd number down to each child via exec.Cmd.ExtraFiles, and
// Attach maps that inherited fd in the child.
package registry

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/chkpt-project/fdrestore/internal/fderrors"
)

// entrySize is sizeof(Entry) padded to 8-byte alignment; see Entry.
const entrySize = 32

// Entry is one descriptor record in the shared registry: a process,
// the fd it held, the description it refers to, and the realized-pid
// futex word the master process waits on during phase C (spec.md
// section 4.5, 4.6).
//
// Entry's memory is shared and mutated across process boundaries by
// raw offset, not by Go's normal aliasing rules, so every field access
// goes through the atomic/unsafe helpers below rather than plain struct
// field reads once a Registry is backed by a live mapping.
type Entry struct {
	PID         int32
	FD          int32
	Flags       int32
	DescType    uint32
	DescID      uint32
	RealizedPID int32
	_           int64 // pad to entrySize
}

// Registry is a fixed-capacity, shared-memory-backed array of Entry.
type Registry struct {
	mem      []byte
	capacity int32
	next     *int32 // bump allocator cursor, lives at the front of mem
}

const headerSize = 8 // one int32 cursor, padded to 8 bytes

// Size returns the number of bytes a shared mapping for capacity
// entries must be, including the bump-allocator header.
func Size(capacity int) int64 {
	return int64(headerSize) + int64(capacity)*entrySize
}

// NewShared creates a new anonymous shared-memory object sized for
// capacity entries, maps it into this process, and returns both the
// Registry and the backing *os.File (whose Fd() the caller passes to
// child processes, e.g. via exec.Cmd.ExtraFiles).
func NewShared(capacity int) (*Registry, *os.File, error) {
	if capacity <= 0 {
		return nil, nil, fderrors.Invariant("registry capacity must be positive")
	}
	fd, err := unix.MemfdCreate("fdrestore-registry", 0)
	if err != nil {
		return nil, nil, fderrors.Syscall("memfd_create", -1, err)
	}
	f := os.NewFile(uintptr(fd), "fdrestore-registry")
	size := Size(capacity)
	if err := unix.Ftruncate(int(fd), size); err != nil {
		f.Close()
		return nil, nil, fderrors.Syscall("ftruncate", fd, err)
	}
	r, err := mapEntries(int(fd), capacity, size)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return r, f, nil
}

// Attach maps an already-sized shared registry inherited from a parent
// process (typically fd 3 under the exec.Cmd.ExtraFiles convention).
func Attach(f *os.File, capacity int) (*Registry, error) {
	if capacity <= 0 {
		return nil, fderrors.Invariant("registry capacity must be positive")
	}
	return mapEntries(int(f.Fd()), capacity, Size(capacity))
}

func mapEntries(fd, capacity int, size int64) (*Registry, error) {
	mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fderrors.Syscall("mmap", fd, err)
	}
	return &Registry{
		mem:      mem,
		capacity: int32(capacity),
		next:     (*int32)(unsafe.Pointer(&mem[0])),
	}, nil
}

// Close unmaps the registry's memory. It does not close the backing fd.
func (r *Registry) Close() error {
	if err := unix.Munmap(r.mem); err != nil {
		return fderrors.Syscall("munmap", -1, err)
	}
	return nil
}

// Capacity returns the fixed number of entries the registry holds.
func (r *Registry) Capacity() int {
	return int(r.capacity)
}

func (r *Registry) entryPtr(i int32) *Entry {
	off := headerSize + int(i)*entrySize
	return (*Entry)(unsafe.Pointer(&r.mem[off]))
}

// Alloc bump-allocates the next free slot and writes its initial
// fields, returning the slot index. The cursor bump is atomic; in a
// restore pass the orchestrator allocates every row while loading the
// processes, and worker processes change the shared array only through
// MarkRealized.
func (r *Registry) Alloc(pid, fd, flags int32, descType, descID uint32) (int32, error) {
	i := atomic.AddInt32(r.next, 1) - 1
	if i >= r.capacity {
		return 0, fderrors.RegistryExhausted(int(r.capacity), int(i)+1)
	}
	e := r.entryPtr(i)
	e.PID = pid
	e.FD = fd
	e.Flags = flags
	e.DescType = descType
	e.DescID = descID
	atomic.StoreInt32(&e.RealizedPID, 0)
	return i, nil
}

// Get returns a copy of the entry at index i.
func (r *Registry) Get(i int32) (Entry, error) {
	if i < 0 || i >= r.capacity {
		return Entry{}, fmt.Errorf("registry: index %d out of range [0,%d)", i, r.capacity)
	}
	e := r.entryPtr(i)
	return Entry{
		PID:         e.PID,
		FD:          e.FD,
		Flags:       e.Flags,
		DescType:    e.DescType,
		DescID:      e.DescID,
		RealizedPID: atomic.LoadInt32(&e.RealizedPID),
	}, nil
}

// MarkRealized stamps pid into entry i's futex word and wakes every
// waiter. Called once by a non-master holder after it has bound its
// transport socket, so the master knows it can send (spec.md section
// 4.6 phase P).
func (r *Registry) MarkRealized(i int32, pid int32) error {
	if i < 0 || i >= r.capacity {
		return fmt.Errorf("registry: index %d out of range [0,%d)", i, r.capacity)
	}
	e := r.entryPtr(i)
	atomic.StoreInt32(&e.RealizedPID, pid)
	return futexWakeAll(&e.RealizedPID)
}

// WaitRealized blocks until entry i's futex word is non-zero, i.e.
// until MarkRealized has been called for it; the master calls it for
// each remote holder before sending (spec.md section 4.6 phase C).
// There is no timeout: per spec.md section 9, restore has no
// cancellation model, so a process that never realizes its description
// leaves waiters blocked forever, same as the checkpoint/restore core
// this is modeled on.
func (r *Registry) WaitRealized(i int32) (int32, error) {
	if i < 0 || i >= r.capacity {
		return 0, fmt.Errorf("registry: index %d out of range [0,%d)", i, r.capacity)
	}
	e := r.entryPtr(i)
	for {
		pid := atomic.LoadInt32(&e.RealizedPID)
		if pid != 0 {
			return pid, nil
		}
		if err := futexWait(&e.RealizedPID, 0); err != nil {
			return 0, err
		}
	}
}
