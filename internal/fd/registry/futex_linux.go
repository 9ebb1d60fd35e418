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

package registry

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// golang.org/x/sys/unix has no high-level futex wrapper (it is a
// single syscall with syscall-specific semantics, not worth a typed
// API for the handful of Linux platforms that need it), so this wraps
// the raw SYS_FUTEX syscall directly through unix.Syscall; the rest of
// this package uses unix's typed wrappers.
const (
	futexWaitOp = 0 // FUTEX_WAIT
	futexWakeOp = 1 // FUTEX_WAKE
)

// futexWait blocks while *addr == want. It loops on EINTR and on the
// benign EAGAIN race (the value changed between the caller's load and
// the kernel's recheck), re-reading addr each time so a wakeup that
// raced ahead of the wait is never missed.
func futexWait(addr *int32, want int32) error {
	for {
		if atomic.LoadInt32(addr) != want {
			return nil
		}
		_, _, errno := unix.Syscall(unix.SYS_FUTEX,
			uintptr(unsafe.Pointer(addr)),
			uintptr(futexWaitOp),
			uintptr(want))
		switch errno {
		case 0, unix.EAGAIN, unix.EINTR:
			continue
		default:
			return errno
		}
	}
}

// futexWakeAll wakes every waiter blocked on addr.
func futexWakeAll(addr *int32) error {
	_, _, errno := unix.Syscall(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWakeOp),
		uintptr(^uint32(0)>>1)) // INT_MAX waiters
	if errno != 0 {
		return errno
	}
	return nil
}
