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

// Package fdimagestore pulls descriptor and per-process image streams
// from a GCS bucket down to a local directory before a restore pass
// reads them, for the --gcs-image-bucket mode. Modeled on the
// teacher's storage.Client wiring, trading its oauth2/jacobsa-gcs
// token source for the ambient credentials path (ADC via
// compute/metadata) gcsfuse's main client construction otherwise uses.
package fdimagestore

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
)

// DescriptorStreamObject and ProcessStreamObjectPrefix name the objects
// a checkpoint writer is expected to have uploaded: one descriptor
// stream per image, and one process-descriptor stream per restored
// pid, named "<prefix><pid>". PIDManifestObject names the object
// listing which pids a checkpoint covers, one decimal pid per line, so
// a restore pass can discover them without listing the bucket.
const (
	DescriptorStreamObject    = "descriptors.img"
	ProcessStreamObjectPrefix = "proc-"
	FSContextObjectPrefix     = "fs-"
	PIDManifestObject         = "pids.manifest"
)

// Store fetches image objects out of a single GCS bucket into a local
// directory, so the rest of the restore pass can read plain files
// regardless of where the image actually lives.
type Store struct {
	bucket *storage.BucketHandle
}

// New opens a Store against bucketName using application-default
// credentials.
func New(ctx context.Context, bucketName string) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return &Store{bucket: client.Bucket(bucketName)}, nil
}

// NewWithClient opens a Store against an already-constructed client,
// for tests that inject a fake/emulator client.
func NewWithClient(client *storage.Client, bucketName string) *Store {
	return &Store{bucket: client.Bucket(bucketName)}
}

// FetchAll downloads the descriptor stream plus one process stream per
// pid in pids into destDir, and returns the local path to the
// descriptor stream. The caller supplies the pids a checkpoint covers
// (FetchManifest reads them from the checkpoint's manifest), so this
// fetches named objects directly rather than listing the bucket.
func (s *Store) FetchAll(ctx context.Context, destDir string, pids []int32) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("creating image dir: %w", err)
	}

	descriptorPath, err := s.fetchOne(ctx, DescriptorStreamObject, destDir)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", DescriptorStreamObject, err)
	}

	for _, pid := range pids {
		name := ProcessStreamObjectName(pid)
		if _, err := s.fetchOne(ctx, name, destDir); err != nil {
			return "", fmt.Errorf("fetching %s: %w", name, err)
		}

		// The fs-context object is optional: not every checkpoint writer
		// records a process's cwd/root, so a missing object here just
		// means that pid's filesystem context won't be restored.
		fsName := FSContextObjectName(pid)
		if _, err := s.fetchOne(ctx, fsName, destDir); err != nil {
			continue
		}
	}
	return descriptorPath, nil
}

// FetchManifest downloads the pid manifest into destDir and returns the
// pids it lists, so the caller can then call FetchAll with them without
// having to list the bucket itself.
func (s *Store) FetchManifest(ctx context.Context, destDir string) ([]int32, error) {
	path, err := s.fetchOne(ctx, PIDManifestObject, destDir)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", PIDManifestObject, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var pids []int32
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		pid, err := strconv.ParseInt(line, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %q is not a pid: %w", PIDManifestObject, line, err)
		}
		pids = append(pids, int32(pid))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return pids, nil
}

func (s *Store) fetchOne(ctx context.Context, objectName, destDir string) (string, error) {
	r, err := s.bucket.Object(objectName).NewReader(ctx)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", objectName, err)
	}
	defer r.Close()

	localPath := filepath.Join(destDir, objectName)
	f, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", localPath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return "", fmt.Errorf("downloading %s: %w", objectName, err)
	}
	return localPath, nil
}

// ProcessStreamObjectName returns the object name a checkpoint writer
// would have used for pid's descriptor-table stream.
func ProcessStreamObjectName(pid int32) string {
	return fmt.Sprintf("%s%d.img", ProcessStreamObjectPrefix, pid)
}

// FSContextObjectName returns the object name a checkpoint writer would
// have used for pid's filesystem-context record, if it recorded one.
func FSContextObjectName(pid int32) string {
	return fmt.Sprintf("%s%d.img", FSContextObjectPrefix, pid)
}
