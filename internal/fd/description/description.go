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

// Package description holds the file-description table: one entry per
// unique file identifier seen in the checkpoint, each owning the
// ordered list of (pid, fd) holders that referenced it (spec.md
// section 3, section 4.3).
package description

import (
	"fmt"
	"sort"

	"github.com/chkpt-project/fdrestore/internal/fderrors"
)

// Type tags the kind of kernel object a description represents. Only
// Regular is fully implemented by this core; Pipe and Socket are carried
// so the holder-list/master machinery (which is type-agnostic) can be
// exercised by future file kinds without changing section 4.6's state
// machine, per section 4.3's "single extension point" note.
type Type uint32

const (
	Regular Type = iota + 1
	PipeEnd
	Socket
)

func (t Type) String() string {
	switch t {
	case Regular:
		return "regular"
	case PipeEnd:
		return "pipe"
	case Socket:
		return "socket"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// SignalOwner captures F_SETOWN_EX/F_SETSIG state (spec.md section 3).
type SignalOwner struct {
	Signum  int32
	PIDType int32 // F_OWNER_PID / F_OWNER_PGRP / F_OWNER_TID
	PID     int32
	UID     uint32
	EUID    uint32
}

// Set reports whether this block records an owner at all; an all-zero
// block means no F_SETOWN_EX/F_SETSIG was recorded at checkpoint time.
func (o SignalOwner) Set() bool {
	return o.Signum != 0 && o.PID != 0
}

// RegularPayload is the type-specific state for a Regular description.
type RegularPayload struct {
	Flags    int32
	Position int64
	Owner    SignalOwner
	Path     string
}

// Key identifies a description: (type, identifier) is unique across the
// table (spec.md section 3's invariant).
type Key struct {
	Type Type
	ID   uint32
}

// Holder is one (pid, fd) pair that referenced a description at
// checkpoint time. EntryIndex is the holder's slot in the shared
// registry (internal/fd/registry), the stable back-reference the
// design notes recommend instead of a cross-process pointer.
type Holder struct {
	PID        int32
	FD         int32
	EntryIndex int32
}

// Ops is a description's virtual operation table (spec.md section 4.3):
// the single extension point by which new file kinds plug in.
type Ops struct {
	// Open creates the real kernel object and returns its fd.
	Open func(d *Description) (int, error)
	// WantTransport reports whether even the master holder of this
	// description kind must also create a transport socket. Regular
	// files never do; some socket kinds do. A nil WantTransport is
	// equivalent to "always false".
	WantTransport func(d *Description, h Holder) bool
}

func (o Ops) wantTransport(d *Description, h Holder) bool {
	if o.WantTransport == nil {
		return false
	}
	return o.WantTransport(d, h)
}

// Description is one unique open-file-description from the checkpoint,
// shared by every descriptor that referenced the same (type, id).
type Description struct {
	Key
	Regular *RegularPayload // non-nil iff Key.Type == Regular
	Ops     Ops

	// Holders is kept sorted ascending by PID (spec.md section 9's Open
	// Question, resolved in DESIGN.md: preserve the ordering). Holders[0]
	// is always the master.
	Holders []Holder
}

// Master returns the description's master holder: the process
// responsible for creating the real kernel object. It is an invariant
// violation (spec.md section 4.3) for the holder list to be empty.
func (d *Description) Master() (Holder, error) {
	if len(d.Holders) == 0 {
		return Holder{}, fderrors.Invariant(fmt.Sprintf("description %s/%#x has no holders", d.Type, d.ID))
	}
	return d.Holders[0], nil
}

// IsMaster reports whether (pid, fd) is this description's master
// holder.
func (d *Description) IsMaster(pid, fd int32) bool {
	m, err := d.Master()
	if err != nil {
		return false
	}
	return m.PID == pid && m.FD == fd
}

// WantTransport reports whether the given holder must create its own
// transport socket even though it is the master (spec.md section 4.6
// phase P).
func (d *Description) WantTransport(h Holder) bool {
	return d.Ops.wantTransport(d, h)
}

// addHolder inserts h keeping Holders sorted ascending by PID. Per
// description, holder counts are small (one per process that shared the
// fd), so an insertion sort is simpler and just as fast as a full sort.
func (d *Description) addHolder(h Holder) {
	i := sort.Search(len(d.Holders), func(i int) bool { return d.Holders[i].PID >= h.PID })
	d.Holders = append(d.Holders, Holder{})
	copy(d.Holders[i+1:], d.Holders[i:])
	d.Holders[i] = h
}

// opsRegistry is the process-wide map from Type to Ops, the extension
// point new file kinds register themselves into (spec.md section 4.3).
// Modeled on the small type->behavior maps gcsfuse's cfg package keys
// its mapstructure decode hooks off of.
var opsRegistry = map[Type]Ops{}

// Register installs the operation table for a file kind. Called from
// each kind's package init() (internal/fd/opener registers Regular).
func Register(t Type, ops Ops) {
	opsRegistry[t] = ops
}

// LookupOps returns the registered Ops for t, or an error if no file
// kind registered itself under that type tag.
func LookupOps(t Type) (Ops, error) {
	ops, ok := opsRegistry[t]
	if !ok {
		return Ops{}, fderrors.Invariant(fmt.Sprintf("no ops registered for %s", t))
	}
	return ops, nil
}
