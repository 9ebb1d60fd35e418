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

package description

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMasterIsFirstHolderAfterSortedInsertion(t *testing.T) {
	d := &Description{Key: Key{Type: Regular, ID: 1}}
	d.addHolder(Holder{PID: 30, FD: 3, EntryIndex: 2})
	d.addHolder(Holder{PID: 10, FD: 3, EntryIndex: 0})
	d.addHolder(Holder{PID: 20, FD: 5, EntryIndex: 1})

	m, err := d.Master()
	require.NoError(t, err)
	assert.Equal(t, int32(10), m.PID)
	assert.True(t, d.IsMaster(10, 3))
	assert.False(t, d.IsMaster(20, 5))
}

func TestMasterOnEmptyHolderListIsInvariantViolation(t *testing.T) {
	d := &Description{Key: Key{Type: Regular, ID: 1}}
	_, err := d.Master()
	require.Error(t, err)
}

func TestWantTransportDefaultsFalseWhenOpsUnset(t *testing.T) {
	d := &Description{Key: Key{Type: Regular, ID: 1}}
	assert.False(t, d.WantTransport(Holder{PID: 1, FD: 1}))
}

func TestWantTransportDelegatesToOps(t *testing.T) {
	d := &Description{
		Key: Key{Type: Socket, ID: 1},
		Ops: Ops{WantTransport: func(d *Description, h Holder) bool { return h.FD == 7 }},
	}
	assert.True(t, d.WantTransport(Holder{FD: 7}))
	assert.False(t, d.WantTransport(Holder{FD: 8}))
}

func TestRegisterAndLookupOps(t *testing.T) {
	called := false
	Register(PipeEnd, Ops{Open: func(d *Description) (int, error) { called = true; return 42, nil }})

	ops, err := LookupOps(PipeEnd)
	require.NoError(t, err)
	fd, err := ops.Open(&Description{})
	require.NoError(t, err)
	assert.Equal(t, 42, fd)
	assert.True(t, called)
}

func TestLookupOpsUnregisteredIsError(t *testing.T) {
	_, err := LookupOps(Type(999))
	assert.Error(t, err)
}

func TestTypeStringer(t *testing.T) {
	assert.Equal(t, "regular", Regular.String())
	assert.Equal(t, "pipe", PipeEnd.String())
	assert.Equal(t, "socket", Socket.String())
	assert.Contains(t, Type(42).String(), "42")
}
