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

package opener

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/chkpt-project/fdrestore/internal/fd/description"
	"github.com/chkpt-project/fdrestore/internal/fderrors"
)

func writeTempFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "regular")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestOpenRegularRestoresPosition(t *testing.T) {
	path := writeTempFile(t, "0123456789")
	d := &description.Description{
		Key:     description.Key{Type: description.Regular, ID: 1},
		Regular: &description.RegularPayload{Flags: unix.O_RDONLY, Position: 5, Path: path},
	}

	fd, err := Open(d)
	require.NoError(t, err)
	defer unix.Close(fd)

	buf := make([]byte, 5)
	n, err := unix.Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "56789", string(buf[:n]))
}

func TestOpenRegularAppliesMutableFlags(t *testing.T) {
	path := writeTempFile(t, "data")
	d := &description.Description{
		Key:     description.Key{Type: description.Regular, ID: 1},
		Regular: &description.RegularPayload{Flags: unix.O_WRONLY | unix.O_APPEND, Path: path},
	}

	fd, err := Open(d)
	require.NoError(t, err)
	defer unix.Close(fd)

	got, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, got&unix.O_APPEND)
}

func TestOpenRegularMissingFileIsGhost(t *testing.T) {
	d := &description.Description{
		Key:     description.Key{Type: description.Regular, ID: 1},
		Regular: &description.RegularPayload{Flags: unix.O_RDONLY, Path: "/nonexistent/fdrestore/path"},
	}

	_, err := Open(d)
	require.Error(t, err)
	assert.ErrorIs(t, err, fderrors.ErrGhostFile)
}

func TestOpenRegularMissingPayloadIsInvariantViolation(t *testing.T) {
	d := &description.Description{Key: description.Key{Type: description.Regular, ID: 1}}
	_, err := Open(d)
	assert.Error(t, err)
}
