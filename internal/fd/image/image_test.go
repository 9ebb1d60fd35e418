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

package image

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chkpt-project/fdrestore/internal/fd/description"
)

func TestRegularFileStreamRoundTrips(t *testing.T) {
	want := []RegularFileRecord{
		{Identifier: 0x10, Flags: 2, Position: 42, Path: "/tmp/a"},
		{
			Identifier: 0x11, Flags: 0, Position: 0,
			Owner: description.SignalOwner{Signum: 10, PIDType: 1, PID: 100, UID: 1000, EUID: 1000},
			Path:  "/tmp/b-longer-path",
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteRegularFileStream(&buf, want))

	got, err := ReadRegularFileStream(&buf)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDescriptorStreamRoundTrips(t *testing.T) {
	want := []DescriptorRecord{
		{Type: description.Regular, Identifier: 0x10, FD: 7, Flags: 1},
		{Type: description.Regular, Identifier: 0x20, FD: 3, Flags: 0},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteDescriptorStream(&buf, want))

	got, err := ReadDescriptorStream(&buf)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDescriptorStreamRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})

	_, err := ReadDescriptorStream(&buf)
	assert.Error(t, err)
}

func TestRegularFileStreamTruncatedRecordIsMalformedImage(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{1, 2, 3})

	_, err := ReadRegularFileStream(&buf)
	assert.Error(t, err)
}

func TestFSContextStreamRoundTrips(t *testing.T) {
	want := FSContextRecord{CwdIdentifier: 0x10, RootIdentifier: 0x20}

	var buf bytes.Buffer
	require.NoError(t, WriteFSContextStream(&buf, want))

	got, err := ReadFSContextStream(&buf)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFSContextStreamRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})

	_, err := ReadFSContextStream(&buf)
	assert.Error(t, err)
}

func TestEmptyRegularFileStreamIsEmptySlice(t *testing.T) {
	got, err := ReadRegularFileStream(&bytes.Buffer{})
	require.NoError(t, err)
	assert.Empty(t, got)
}
