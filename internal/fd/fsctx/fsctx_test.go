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

package fsctx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/chkpt-project/fdrestore/internal/fd/description"
)

func TestRestoreCwdChangesWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	real, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)

	ops, err := description.LookupOps(description.Regular)
	require.NoError(t, err)

	table := description.NewTable()
	require.NoError(t, table.Add(&description.Description{
		Key:     description.Key{Type: description.Regular, ID: 0x99},
		Regular: &description.RegularPayload{Flags: unix.O_RDONLY, Path: dir},
		Ops:     ops,
	}))

	origWD, err := os.Getwd()
	require.NoError(t, err)
	defer os.Chdir(origWD)

	require.NoError(t, RestoreCwd(table, 0x99))

	gotWD, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, real, gotWD)
}

func TestRestoreCwdUnknownIdentifierFails(t *testing.T) {
	table := description.NewTable()
	err := RestoreCwd(table, 0xdead)
	assert.Error(t, err)
}
