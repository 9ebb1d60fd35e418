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

func TestTableAddAndLookup(t *testing.T) {
	tbl := NewTable()
	d := &Description{Key: Key{Type: Regular, ID: 0x10}, Regular: &RegularPayload{Path: "/tmp/a"}}
	require.NoError(t, tbl.Add(d))

	got, err := tbl.Lookup(Regular, 0x10)
	require.NoError(t, err)
	assert.Same(t, d, got)
	assert.Equal(t, 1, tbl.Len())
}

func TestTableAddDuplicateKeyFails(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Add(&Description{Key: Key{Type: Regular, ID: 1}}))
	err := tbl.Add(&Description{Key: Key{Type: Regular, ID: 1}})
	assert.Error(t, err)
}

func TestTableLookupUnknownIsUnknownDescriptionKind(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Lookup(Regular, 0xdead)
	require.Error(t, err)
}

func TestTableAddHolderOrdersByPID(t *testing.T) {
	tbl := NewTableWithBuckets(4)
	require.NoError(t, tbl.Add(&Description{Key: Key{Type: Regular, ID: 1}}))

	require.NoError(t, tbl.AddHolder(Regular, 1, Holder{PID: 99, FD: 3, EntryIndex: 1}))
	require.NoError(t, tbl.AddHolder(Regular, 1, Holder{PID: 5, FD: 4, EntryIndex: 0}))

	d, err := tbl.Lookup(Regular, 1)
	require.NoError(t, err)
	m, err := d.Master()
	require.NoError(t, err)
	assert.Equal(t, int32(5), m.PID)
}

func TestTableAddHolderUnknownDescriptionFails(t *testing.T) {
	tbl := NewTable()
	err := tbl.AddHolder(Regular, 1, Holder{PID: 1, FD: 1})
	assert.Error(t, err)
}

func TestTableBucketingSpreadsAcrossChains(t *testing.T) {
	tbl := NewTableWithBuckets(2)
	require.NoError(t, tbl.Add(&Description{Key: Key{Type: Regular, ID: 0}}))
	require.NoError(t, tbl.Add(&Description{Key: Key{Type: Regular, ID: 1}}))
	require.NoError(t, tbl.Add(&Description{Key: Key{Type: Regular, ID: 2}}))

	assert.Equal(t, 3, tbl.Len())
	assert.Len(t, tbl.All(), 3)
	assert.Len(t, tbl.buckets[0], 2)
	assert.Len(t, tbl.buckets[1], 1)
}
