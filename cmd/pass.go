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

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/kardianos/osext"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chkpt-project/fdrestore/cfg"
	"github.com/chkpt-project/fdrestore/internal/fd/fsctx"
	"github.com/chkpt-project/fdrestore/internal/fd/image"
	"github.com/chkpt-project/fdrestore/internal/fd/restore"
	"github.com/chkpt-project/fdrestore/internal/fdimagestore"
	"github.com/chkpt-project/fdrestore/internal/fdmetrics"
	"github.com/chkpt-project/fdrestore/internal/logger"
)

// Every restoring process is a separate exec'd binary, not a goroutine:
// real per-process fd restoration needs each worker to own its own OS
// fd table the way the checkpointed processes themselves did. The
// orchestrator resolves master/holder topology once, up front, across
// every checkpoint pid (Driver.LoadProcess requires that), then hands
// each worker its slice of that topology over these env vars plus the
// shared registry inherited at fd 3 (exec.Cmd's first ExtraFiles slot).
const (
	workerPIDEnvVar        = "FDRESTORE_WORKER_PID"
	workerGroupsFileEnvVar = "FDRESTORE_WORKER_GROUPS_FILE"
	workerSaltEnvVar       = "FDRESTORE_WORKER_SALT"
	workerImageDirEnvVar   = "FDRESTORE_WORKER_IMAGE_DIR"

	workerRegistryFD = 3
)

// runRestorePass dispatches to the orchestrator or to a worker,
// depending on whether this process was exec'd by runOrchestrator.
func runRestorePass(c *cfg.Config) error {
	if _, ok := os.LookupEnv(workerPIDEnvVar); ok {
		return runWorker(c)
	}
	return runOrchestrator(c)
}

// runOrchestrator drives one full restore pass: it discovers which
// checkpoint pids are being restored, builds the shared registry and
// description table, resolves every process's descriptor groups against
// that shared state, then execs one worker per pid to actually install
// the descriptors (spec.md section 4.6 runs inside the worker).
func runOrchestrator(c *cfg.Config) error {
	ctx := context.Background()

	if c.Metrics.Enabled {
		shutdown, err := serveMetrics(c.Metrics.PrometheusPort)
		if err != nil {
			return fmt.Errorf("starting metrics server: %w", err)
		}
		defer shutdown(ctx)
	}

	imageDir, pids, err := discoverImages(ctx, c)
	if err != nil {
		return fmt.Errorf("discovering checkpoint images: %w", err)
	}
	if len(pids) == 0 {
		return fmt.Errorf("no checkpointed processes found under %s", imageDir)
	}
	logger.Infof("restore: found %d checkpointed process(es) under %s", len(pids), imageDir)

	drv, err := restore.NewDriver(c.RestorePass.AbstractSocketPrefix, c.RestorePass.RegistryCapacity, uint32(c.RestorePass.BucketCount))
	if err != nil {
		return fmt.Errorf("allocating shared registry: %w", err)
	}
	defer drv.Registry.Close()
	defer drv.RegistryFD.Close()

	if err := loadDescriptorStream(drv, imageDir); err != nil {
		return err
	}

	// Each pid's descriptor stream is its own file and Driver.LoadProcess
	// locks around the table/registry mutation it performs, so the I/O
	// and decoding for every pid can overlap even though the pass as a
	// whole still needs every LoadProcess to finish before BuildGroups.
	procs := make([]*restore.Process, len(pids))
	loadErrs := make([]error, len(pids))
	var wg sync.WaitGroup
	for i, pid := range pids {
		wg.Add(1)
		go func(i int, pid int32) {
			defer wg.Done()
			procStreamPath := filepath.Join(imageDir, fdimagestore.ProcessStreamObjectName(pid))
			procFile, err := os.Open(procStreamPath)
			if err != nil {
				loadErrs[i] = fmt.Errorf("opening %s: %w", procStreamPath, err)
				return
			}
			proc, err := drv.LoadProcess(pid, procFile)
			procFile.Close()
			if err != nil {
				loadErrs[i] = fmt.Errorf("loading process stream for pid %d: %w", pid, err)
				return
			}
			procs[i] = proc
		}(i, pid)
	}
	wg.Wait()
	for _, err := range loadErrs {
		if err != nil {
			return err
		}
	}

	groupsDir, err := os.MkdirTemp("", "fdrestore-groups-")
	if err != nil {
		return fmt.Errorf("creating groups staging dir: %w", err)
	}
	defer os.RemoveAll(groupsDir)

	exe, err := osext.Executable()
	if err != nil {
		return fmt.Errorf("osext.Executable: %w", err)
	}

	cmds := make([]*exec.Cmd, len(pids))
	for i, pid := range pids {
		if err := procs[i].BuildGroups(); err != nil {
			return fmt.Errorf("building descriptor groups for pid %d: %w", pid, err)
		}

		data, err := json.Marshal(procs[i].ExportGroups())
		if err != nil {
			return fmt.Errorf("marshaling descriptor groups for pid %d: %w", pid, err)
		}
		groupsFile := filepath.Join(groupsDir, fmt.Sprintf("%d.json", pid))
		if err := os.WriteFile(groupsFile, data, 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", groupsFile, err)
		}

		workerCmd := exec.Command(exe, os.Args[1:]...)
		workerCmd.ExtraFiles = []*os.File{drv.RegistryFD}
		workerCmd.Env = append(os.Environ(),
			fmt.Sprintf("%s=%d", workerPIDEnvVar, pid),
			fmt.Sprintf("%s=%s", workerGroupsFileEnvVar, groupsFile),
			fmt.Sprintf("%s=%s", workerSaltEnvVar, drv.Salt()),
			fmt.Sprintf("%s=%s", workerImageDirEnvVar, imageDir),
		)
		workerCmd.Stdout = os.Stdout
		workerCmd.Stderr = os.Stderr
		cmds[i] = workerCmd
	}

	for i, workerCmd := range cmds {
		if err := workerCmd.Start(); err != nil {
			return fmt.Errorf("starting worker for pid %d: %w", pids[i], err)
		}
	}

	var firstErr error
	for i, workerCmd := range cmds {
		if err := workerCmd.Wait(); err != nil {
			logger.Errorf("restore: pid=%d worker failed: %v", pids[i], err)
			if firstErr == nil {
				firstErr = fmt.Errorf("restoring pid %d: %w", pids[i], err)
			}
			continue
		}
		logger.Infof("restore: pid=%d descriptors restored", pids[i])
	}
	return firstErr
}

// runWorker is the per-pid restoring process: it attaches to the
// registry it inherited at fd 3, reloads the regular-file description
// stream (process-independent, so every worker decodes it the same
// way), rebuilds its Process from the groups the orchestrator resolved,
// and runs the three-phase state machine.
func runWorker(c *cfg.Config) error {
	pidStr := os.Getenv(workerPIDEnvVar)
	pid64, err := strconv.ParseInt(pidStr, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", workerPIDEnvVar, pidStr, err)
	}
	pid := int32(pid64)

	groupsFile := os.Getenv(workerGroupsFileEnvVar)
	data, err := os.ReadFile(groupsFile)
	if err != nil {
		return fmt.Errorf("reading %s: %w", groupsFile, err)
	}
	var groups []restore.ResolvedGroup
	if err := json.Unmarshal(data, &groups); err != nil {
		return fmt.Errorf("parsing %s: %w", groupsFile, err)
	}

	registryFD := os.NewFile(workerRegistryFD, "fdrestore-registry")
	if registryFD == nil {
		return fmt.Errorf("worker for pid %d missing inherited registry fd %d", pid, workerRegistryFD)
	}

	drv, err := restore.AttachDriver(
		c.RestorePass.AbstractSocketPrefix,
		os.Getenv(workerSaltEnvVar),
		registryFD,
		c.RestorePass.RegistryCapacity,
		uint32(c.RestorePass.BucketCount),
	)
	if err != nil {
		return fmt.Errorf("attaching to registry: %w", err)
	}
	defer drv.Registry.Close()

	if err := loadDescriptorStream(drv, os.Getenv(workerImageDirEnvVar)); err != nil {
		return err
	}

	proc, err := restore.AttachProcess(drv, pid, groups)
	if err != nil {
		return fmt.Errorf("attaching process for pid %d: %w", pid, err)
	}

	// Workers record their own phase/descriptor metrics locally; only
	// the orchestrator binds the Prometheus HTTP endpoint (see
	// serveMetrics), since every worker is its own process and nothing
	// aggregates per-worker OTel state back into one registry.
	if c.Metrics.Enabled {
		recorder, _, shutdown, err := fdmetrics.SetupMetrics()
		if err != nil {
			return fmt.Errorf("setting up metrics: %w", err)
		}
		defer shutdown(context.Background())
		proc.SetMetrics(recorder)
	}

	if err := proc.Run(); err != nil {
		return fmt.Errorf("restoring pid %d: %w", pid, err)
	}

	if err := restoreFSContext(drv, pid, os.Getenv(workerImageDirEnvVar)); err != nil {
		return fmt.Errorf("restoring filesystem context for pid %d: %w", pid, err)
	}
	return nil
}

func serveMetrics(port int) (fdmetrics.ShutdownFunc, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", srv.Addr, err)
	}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Errorf("metrics server: %v", err)
		}
	}()
	return srv.Shutdown, nil
}

func discoverImages(ctx context.Context, c *cfg.Config) (string, []int32, error) {
	if c.RestorePass.GCSImageBucket == "" {
		pids, err := discoverLocalPIDs(c.RestorePass.ImageDir)
		if err != nil {
			return "", nil, err
		}
		return c.RestorePass.ImageDir, pids, nil
	}

	destDir, err := os.MkdirTemp("", "fdrestore-images-")
	if err != nil {
		return "", nil, fmt.Errorf("creating image staging dir: %w", err)
	}
	store, err := fdimagestore.New(ctx, c.RestorePass.GCSImageBucket)
	if err != nil {
		return "", nil, err
	}
	pids, err := store.FetchManifest(ctx, destDir)
	if err != nil {
		return "", nil, err
	}
	if _, err := store.FetchAll(ctx, destDir, pids); err != nil {
		return "", nil, err
	}
	return destDir, pids, nil
}

func discoverLocalPIDs(dir string) ([]int32, error) {
	pattern := filepath.Join(dir, fdimagestore.ProcessStreamObjectPrefix+"*.img")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("globbing %s: %w", pattern, err)
	}

	pids := make([]int32, 0, len(matches))
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), ".img")
		name = strings.TrimPrefix(name, fdimagestore.ProcessStreamObjectPrefix)
		pid, err := strconv.ParseInt(name, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("process image %q does not encode a pid: %w", filepath.Base(m), err)
		}
		pids = append(pids, int32(pid))
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids, nil
}

func loadDescriptorStream(drv *restore.Driver, imageDir string) error {
	path := filepath.Join(imageDir, fdimagestore.DescriptorStreamObject)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	if err := drv.LoadRegularFileStream(f); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// restoreFSContext fchdir/chroots pid's worker back into the cwd/root it
// was checkpointed with, if the checkpoint recorded one. Not every
// checkpoint writer records a pid's filesystem context, so a missing
// object here just means that part of the restore is skipped.
func restoreFSContext(drv *restore.Driver, pid int32, imageDir string) error {
	path := filepath.Join(imageDir, fdimagestore.FSContextObjectName(pid))
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	rec, err := image.ReadFSContextStream(f)
	if err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}

	if rec.CwdIdentifier != 0 {
		if err := fsctx.RestoreCwd(drv.Table(), rec.CwdIdentifier); err != nil {
			return fmt.Errorf("restoring cwd: %w", err)
		}
	}
	if rec.RootIdentifier != 0 {
		if err := fsctx.RestoreRoot(drv.Table(), rec.RootIdentifier); err != nil {
			return fmt.Errorf("restoring root: %w", err)
		}
	}
	return nil
}
