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

// Package fderrors names the fatal error classes a restore pass can
// fail with (spec.md section 7). The core never retries; it returns one
// of these so the supervisor tearing down the process tree can tell
// what happened without string-matching.
package fderrors

import (
	"errors"
	"fmt"
)

// Kind classifies a restore failure.
type Kind int

const (
	// KindMalformedImage means the checkpoint image was truncated or
	// structurally invalid.
	KindMalformedImage Kind = iota
	// KindRegistryExhausted means the shared registry ran out of room
	// for descriptor entries.
	KindRegistryExhausted
	// KindUnknownDescription means a descriptor record referenced a
	// file identifier with no matching description record.
	KindUnknownDescription
	// KindSyscall means a syscall needed to reconstruct a descriptor
	// failed.
	KindSyscall
	// KindInvariant means an internal invariant (e.g. a non-empty
	// holder list) was violated.
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindMalformedImage:
		return "malformed image"
	case KindRegistryExhausted:
		return "registry exhausted"
	case KindUnknownDescription:
		return "unknown description"
	case KindSyscall:
		return "syscall failure"
	case KindInvariant:
		return "invariant violation"
	default:
		return "unknown"
	}
}

// Error is a restore-fatal error tagged with a Kind so callers can
// errors.As against it instead of matching message text.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, fderrors.ErrGhostFile) etc. work against a
// *Error whose Err chain bottoms out at a sentinel.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func newErr(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// MalformedImage reports a structurally invalid checkpoint image.
func MalformedImage(msg string, err error) *Error {
	return newErr(KindMalformedImage, msg, err)
}

// RegistryExhausted reports the shared registry running out of capacity.
func RegistryExhausted(capacity, needed int) *Error {
	return newErr(KindRegistryExhausted, fmt.Sprintf("capacity %d, needed at least %d", capacity, needed), nil)
}

// UnknownDescription reports a descriptor record with no matching
// description.
func UnknownDescription(typ uint32, id uint32) *Error {
	return newErr(KindUnknownDescription, fmt.Sprintf("type=%d id=%#x", typ, id), nil)
}

// Syscall reports a failing syscall, annotated with the syscall name
// and the target fd it was operating on (spec.md section 7 item 4).
func Syscall(name string, fd int, err error) *Error {
	return newErr(KindSyscall, fmt.Sprintf("%s(fd=%d)", name, fd), err)
}

// Invariant reports an assertion-class failure: an invariant the data
// model guarantees was found violated.
func Invariant(msg string) *Error {
	return newErr(KindInvariant, msg, nil)
}

// ErrGhostFile marks a regular-file description whose recorded path no
// longer resolves to the checkpointed inode (the original was deleted
// after checkpoint, before restore). See SPEC_FULL.md supplemented
// feature 1.
var ErrGhostFile = errors.New("regular file path no longer resolves to checkpointed inode")
