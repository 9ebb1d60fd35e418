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

package fdimagestore

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

// newFakeGCSServer serves just the media-download endpoint Store needs
// for a single object, avoiding a live GCS dependency in tests.
func newFakeGCSServer(t *testing.T, bucket, objName string, body []byte) (*httptest.Server, func()) {
	return newFakeGCSServerObjects(bucket, map[string][]byte{objName: body})
}

func newFakeGCSServerObjects(bucket string, objects map[string][]byte) (*httptest.Server, func()) {
	mux := http.NewServeMux()
	for name, body := range objects {
		body := body
		mux.HandleFunc(fmt.Sprintf("/b/%s/o/%s", bucket, name), func(w http.ResponseWriter, r *http.Request) {
			w.Write(body)
		})
	}
	srv := httptest.NewServer(mux)
	return srv, srv.Close
}

func TestFetchAllDownloadsDescriptorStream(t *testing.T) {
	const bucketName = "restore-bucket"
	content := []byte("fake descriptor stream bytes")

	srv, cleanup := newFakeGCSServer(t, bucketName, DescriptorStreamObject, content)
	defer cleanup()

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	store := NewWithClient(client, bucketName)

	destDir := t.TempDir()
	path, err := store.FetchAll(context.Background(), destDir, nil)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(destDir, DescriptorStreamObject), path)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestFetchAllFailsWithoutDescriptorStream(t *testing.T) {
	const bucketName = "restore-bucket"
	srv, cleanup := newFakeGCSServer(t, bucketName, "proc-100.img", []byte("irrelevant"))
	defer cleanup()

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	store := NewWithClient(client, bucketName)
	_, err = store.FetchAll(context.Background(), t.TempDir(), nil)
	assert.Error(t, err)
}

func TestFetchAllDownloadsProcessStreams(t *testing.T) {
	const bucketName = "restore-bucket"
	srv, cleanup := newFakeGCSServerObjects(bucketName, map[string][]byte{
		DescriptorStreamObject:       []byte("descriptors"),
		ProcessStreamObjectName(100): []byte("proc100"),
	})
	defer cleanup()

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	store := NewWithClient(client, bucketName)
	destDir := t.TempDir()
	_, err = store.FetchAll(context.Background(), destDir, []int32{100})
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(destDir, ProcessStreamObjectName(100)))
	require.NoError(t, err)
	assert.Equal(t, "proc100", string(got))
}

func TestProcessStreamObjectName(t *testing.T) {
	assert.Equal(t, "proc-1234.img", ProcessStreamObjectName(1234))
}

func TestFSContextObjectName(t *testing.T) {
	assert.Equal(t, "fs-1234.img", FSContextObjectName(1234))
}

func TestFetchAllDownloadsFSContextWhenPresent(t *testing.T) {
	const bucketName = "restore-bucket"
	srv, cleanup := newFakeGCSServerObjects(bucketName, map[string][]byte{
		DescriptorStreamObject:       []byte("descriptors"),
		ProcessStreamObjectName(100): []byte("proc100"),
		FSContextObjectName(100):     []byte("fs100"),
	})
	defer cleanup()

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	store := NewWithClient(client, bucketName)
	destDir := t.TempDir()
	_, err = store.FetchAll(context.Background(), destDir, []int32{100})
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(destDir, FSContextObjectName(100)))
	require.NoError(t, err)
	assert.Equal(t, "fs100", string(got))
}

func TestFetchAllSkipsMissingFSContext(t *testing.T) {
	const bucketName = "restore-bucket"
	srv, cleanup := newFakeGCSServerObjects(bucketName, map[string][]byte{
		DescriptorStreamObject:       []byte("descriptors"),
		ProcessStreamObjectName(100): []byte("proc100"),
	})
	defer cleanup()

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	store := NewWithClient(client, bucketName)
	destDir := t.TempDir()
	_, err = store.FetchAll(context.Background(), destDir, []int32{100})
	require.NoError(t, err, "a missing fs-context object must not fail the pass")

	_, err = os.Stat(filepath.Join(destDir, FSContextObjectName(100)))
	assert.True(t, os.IsNotExist(err))
}

func TestFetchManifestParsesPIDs(t *testing.T) {
	const bucketName = "restore-bucket"
	srv, cleanup := newFakeGCSServer(t, bucketName, PIDManifestObject, []byte("100\n200\n\n300\n"))
	defer cleanup()

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	store := NewWithClient(client, bucketName)
	pids, err := store.FetchManifest(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, []int32{100, 200, 300}, pids)
}

func TestFetchManifestRejectsMalformedLine(t *testing.T) {
	const bucketName = "restore-bucket"
	srv, cleanup := newFakeGCSServer(t, bucketName, PIDManifestObject, []byte("100\nnotapid\n"))
	defer cleanup()

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	store := NewWithClient(client, bucketName)
	_, err = store.FetchManifest(context.Background(), t.TempDir())
	assert.Error(t, err)
}
