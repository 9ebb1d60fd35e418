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

package fdjuggle

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestMoveOffTargetPreservesDescriptorIdentity(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	orig := int(w.Fd())
	moved, err := MoveOffTarget(orig)
	require.NoError(t, err)
	assert.NotEqual(t, orig, moved)

	_, err = unix.Write(moved, []byte("x"))
	assert.NoError(t, err)
	unix.Close(moved)
}

func TestCollidesDetectsOverlap(t *testing.T) {
	targets := []int32{3, 5, 7}
	assert.True(t, Collides(5, targets))
	assert.False(t, Collides(6, targets))
}

func TestLandDup2sOntoTarget(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	free, err := unix.FcntlInt(w.Fd(), unix.F_DUPFD_CLOEXEC, 100)
	require.NoError(t, err)
	unix.Close(int(w.Fd()))

	target := int32(free + 1)
	require.NoError(t, Land(int(free), target))
	defer unix.Close(int(target))

	_, err = unix.Write(int(target), []byte("y"))
	assert.NoError(t, err)
}
