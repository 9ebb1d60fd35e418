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

// Package restore drives the per-process, three-phase descriptor
// restoration state machine (spec.md section 4.6): phase P
// (prepare-transport), phase C (create/send), phase R (receive).
package restore

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"

	"github.com/chkpt-project/fdrestore/internal/fd/description"
	"github.com/chkpt-project/fdrestore/internal/fd/fdjuggle"
	"github.com/chkpt-project/fdrestore/internal/fd/image"
	"github.com/chkpt-project/fdrestore/internal/fd/locker"
	"github.com/chkpt-project/fdrestore/internal/fd/opener" // import also registers the Regular file kind's Ops via init()
	"github.com/chkpt-project/fdrestore/internal/fd/registry"
	"github.com/chkpt-project/fdrestore/internal/fd/transport"
	"github.com/chkpt-project/fdrestore/internal/fderrors"
	"github.com/chkpt-project/fdrestore/internal/logger"
)

// MetricsRecorder is the subset of internal/fdmetrics's recorder this
// package depends on, kept as a narrow interface here so restore never
// imports the OpenTelemetry stack directly.
type MetricsRecorder interface {
	ObservePhaseDuration(phase string, d time.Duration)
	IncDescriptorsRestored()
}

type noopMetrics struct{}

func (noopMetrics) ObservePhaseDuration(string, time.Duration) {}
func (noopMetrics) IncDescriptorsRestored()                    {}

// Driver owns the shared registry and the description table, the state
// every restoring process in one restore pass needs before it can run
// its own descriptor-restore state machine. An orchestrator loading
// many checkpoint pids may call LoadProcess concurrently (one goroutine
// per pid's descriptor-stream file) to overlap their I/O; mu guards the
// table and registry mutations LoadProcess performs.
//
// GUARDED_BY(mu): table
type Driver struct {
	Registry   *registry.Registry
	RegistryFD *os.File // pass Fd() to child processes via exec.Cmd.ExtraFiles
	table      *description.Table
	salt       string
	addrPrefix string
	mu         syncutil.InvariantMutex
}

func (drv *Driver) checkInvariants() {
	if drv.table == nil {
		if locker.InvariantsCheckEnabled() {
			panic("restore: driver has a nil description table")
		}
		logger.Errorf("restore: invariant violated: driver has a nil description table")
	}
}

// lock acquires drv.mu, logging the acquisition when --debug-mutex is
// on. unlock is returned for the caller to defer.
func (drv *Driver) lock() (unlock func()) {
	if locker.DebugMessagesEnabled() {
		logger.Infof("restore: locking driver mutex")
	}
	drv.mu.Lock()
	return func() {
		drv.mu.Unlock()
		if locker.DebugMessagesEnabled() {
			logger.Infof("restore: unlocked driver mutex")
		}
	}
}

// NewDriver allocates the shared registry (spec.md's
// prepare_shared_fdinfo) sized for capacity descriptor records and
// returns a Driver ready to load the description table. bucketCount
// sizes the in-memory description table's hash chains (0 selects
// description.DefaultBucketCount).
func NewDriver(addrPrefix string, capacity int, bucketCount uint32) (*Driver, error) {
	reg, f, err := registry.NewShared(capacity)
	if err != nil {
		return nil, err
	}
	drv := &Driver{
		Registry:   reg,
		RegistryFD: f,
		table:      description.NewTableWithBuckets(bucketCount),
		salt:       transport.NewSalt(),
		addrPrefix: addrPrefix,
	}
	drv.mu = syncutil.NewInvariantMutex(drv.checkInvariants)
	return drv, nil
}

// AttachDriver builds a Driver around a registry inherited from a
// parent process's Driver (via RegistryFD), for a restoring process
// that did not itself call NewDriver.
func AttachDriver(addrPrefix, salt string, f *os.File, capacity int, bucketCount uint32) (*Driver, error) {
	reg, err := registry.Attach(f, capacity)
	if err != nil {
		return nil, err
	}
	drv := &Driver{
		Registry:   reg,
		table:      description.NewTableWithBuckets(bucketCount),
		salt:       salt,
		addrPrefix: addrPrefix,
	}
	drv.mu = syncutil.NewInvariantMutex(drv.checkInvariants)
	return drv, nil
}

// Salt returns the restore pass's address-space salt, to be forwarded
// to processes built with AttachDriver.
func (drv *Driver) Salt() string { return drv.salt }

// LoadRegularFileStream decodes the regular-file-description stream
// (spec.md's collect_reg_files) and populates the description table.
func (drv *Driver) LoadRegularFileStream(r io.Reader) error {
	records, err := image.ReadRegularFileStream(r)
	if err != nil {
		return err
	}
	ops, err := description.LookupOps(description.Regular)
	if err != nil {
		return err
	}

	defer drv.lock()()
	for _, rec := range records {
		d := &description.Description{
			Key: description.Key{Type: description.Regular, ID: rec.Identifier},
			Regular: &description.RegularPayload{
				Flags:    rec.Flags,
				Position: rec.Position,
				Owner:    rec.Owner,
				Path:     rec.Path,
			},
			Ops: ops,
		}
		if err := drv.table.Add(d); err != nil {
			return err
		}
	}
	return nil
}

// Table exposes the description table for read-only use by other
// components (e.g. internal/fd/fsctx's by-identifier lookups).
func (drv *Driver) Table() *description.Table { return drv.table }

// record is one of a single process's own descriptor-stream entries,
// plus the slot it occupies in the shared registry.
type record struct {
	entryIndex int32
	fd         int32
	flags      int32
	descType   description.Type
	descID     uint32
}

// descGroup is this process's view of one description: which of its own
// records is the "representative" that actually touches the network
// (the master's own fd, or — for a non-master holder — the first of
// its own fds for that description), and which are same-process
// duplicates resolved locally by dup2.
type descGroup struct {
	desc           *description.Description
	isMaster       bool
	needsTransport bool
	rep            record
	dups           []record
	// remoteHolders is populated only for master groups: the other
	// processes' registry entries the master must wait on before
	// sending them this description's real fd (runPhaseC).
	remoteHolders []description.Holder
}

// Process runs the three-phase state machine for one checkpointed
// process, identified by its checkpoint PID (which is logically
// distinct from this restoring process's real OS PID — see
// internal/fd/transport.Address).
type Process struct {
	drv     *Driver
	pid     int32
	osPID   int32
	clock   timeutil.Clock
	metrics MetricsRecorder

	myRecords []record
	groups    []*descGroup
	// working holds one live pointer per restorer-owned descriptor this
	// process must keep track of (e.g. the fd its own descriptor stream
	// was read from); clearTarget updates the pointee in place when the
	// descriptor gets relocated out of a checkpointed target's way
	// (spec.md section 4.7), so callers who kept the pointer from
	// TrackWorkingFD always see the fd's current number.
	working []*int32
}

// LoadProcess decodes one process's descriptor stream (spec.md's
// prepare_fd_pid) and allocates its entries in the shared registry.
// Call LoadProcess for every process in the restore pass before calling
// BuildGroups on any of them: a process's master/holder determination
// needs every other process's holders already registered in the table.
func (drv *Driver) LoadProcess(pid int32, r io.Reader) (*Process, error) {
	recs, err := image.ReadDescriptorStream(r)
	if err != nil {
		return nil, err
	}
	p := &Process{
		drv:     drv,
		pid:     pid,
		osPID:   int32(unix.Getpid()),
		clock:   timeutil.RealClock(),
		metrics: noopMetrics{},
	}

	defer drv.lock()()
	for _, rec := range recs {
		idx, err := drv.Registry.Alloc(pid, rec.FD, rec.Flags, uint32(rec.Type), rec.Identifier)
		if err != nil {
			return nil, err
		}
		if err := drv.table.AddHolder(rec.Type, rec.Identifier, description.Holder{PID: pid, FD: rec.FD, EntryIndex: idx}); err != nil {
			return nil, err
		}
		p.myRecords = append(p.myRecords, record{
			entryIndex: idx,
			fd:         rec.FD,
			flags:      rec.Flags,
			descType:   rec.Type,
			descID:     rec.Identifier,
		})
	}
	return p, nil
}

// SetClock overrides the clock used for phase-duration measurement,
// for tests.
func (p *Process) SetClock(c timeutil.Clock) { p.clock = c }

// SetMetrics installs the metrics recorder phase durations and restored
// counts are reported to.
func (p *Process) SetMetrics(m MetricsRecorder) {
	if m != nil {
		p.metrics = m
	}
}

// TrackWorkingFD registers a restorer-owned descriptor (e.g. the fd the
// per-process descriptor stream itself was read from) so a later phase
// that needs fd's current slot for a checkpointed target relocates it
// first instead of clobbering it. The returned pointer is updated in
// place if the descriptor is relocated; callers that need the fd's
// current number later (after Run) should keep and dereference it.
func (p *Process) TrackWorkingFD(fd int32) *int32 {
	v := fd
	p.working = append(p.working, &v)
	return &v
}

// BuildGroups groups this process's own descriptor records by
// description and determines, per description, whether this process is
// the master. Must run after every process's LoadProcess has completed.
func (p *Process) BuildGroups() error {
	byKey := map[description.Key][]record{}
	order := []description.Key{}
	for _, r := range p.myRecords {
		k := description.Key{Type: r.descType, ID: r.descID}
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = append(byKey[k], r)
	}

	for _, k := range order {
		recs := byKey[k]
		d, err := p.drv.table.Lookup(k.Type, k.ID)
		if err != nil {
			return err
		}
		m, err := d.Master()
		if err != nil {
			return err
		}
		sort.Slice(recs, func(i, j int) bool { return recs[i].fd < recs[j].fd })

		g := &descGroup{desc: d, isMaster: m.PID == p.pid}
		if g.isMaster {
			for _, r := range recs {
				if r.fd == m.FD {
					g.rep = r
				} else {
					g.dups = append(g.dups, r)
				}
			}
			g.needsTransport = d.WantTransport(description.Holder{PID: p.pid, FD: g.rep.fd})
			g.remoteHolders = remoteHolders(d, p.pid)
		} else {
			g.rep = recs[0]
			g.dups = recs[1:]
			g.needsTransport = true
		}
		p.groups = append(p.groups, g)
	}
	return nil
}

// ResolvedHolder is a serializable reference to another process's
// registry entry for a description this process's master group must
// wait on or address, so a worker that attaches to the registry
// without replaying every sibling process's descriptor stream itself
// still has what runPhaseC needs.
type ResolvedHolder struct {
	EntryIndex int32 `json:"entry_index"`
	PID        int32 `json:"pid"`
	FD         int32 `json:"fd"`
}

// ResolvedRecord is one registry-backed record, flattened to plain data.
type ResolvedRecord struct {
	EntryIndex int32 `json:"entry_index"`
	FD         int32 `json:"fd"`
	Flags      int32 `json:"flags"`
}

// ResolvedGroup is one descGroup flattened to plain data, crossing a
// process boundary so a separately-exec'd restorer can run phases
// P/C/R for a process whose holder topology was computed elsewhere
// (see Driver.LoadProcess's ordering requirement).
type ResolvedGroup struct {
	DescType       description.Type `json:"desc_type"`
	DescID         uint32           `json:"desc_id"`
	IsMaster       bool             `json:"is_master"`
	NeedsTransport bool             `json:"needs_transport"`
	Rep            ResolvedRecord   `json:"rep"`
	Dups           []ResolvedRecord `json:"dups,omitempty"`
	RemoteHolders  []ResolvedHolder `json:"remote_holders,omitempty"`
}

// ExportGroups flattens p's groups (built by BuildGroups, which
// requires every process's LoadProcess to have already run against the
// same Driver) into a form an orchestrator can hand to a worker that
// only attaches to the shared registry via AttachDriver + AttachProcess.
func (p *Process) ExportGroups() []ResolvedGroup {
	out := make([]ResolvedGroup, 0, len(p.groups))
	for _, g := range p.groups {
		rg := ResolvedGroup{
			DescType:       g.desc.Key.Type,
			DescID:         g.desc.Key.ID,
			IsMaster:       g.isMaster,
			NeedsTransport: g.needsTransport,
			Rep:            ResolvedRecord{EntryIndex: g.rep.entryIndex, FD: g.rep.fd, Flags: g.rep.flags},
		}
		for _, d := range g.dups {
			rg.Dups = append(rg.Dups, ResolvedRecord{EntryIndex: d.entryIndex, FD: d.fd, Flags: d.flags})
		}
		for _, h := range g.remoteHolders {
			rg.RemoteHolders = append(rg.RemoteHolders, ResolvedHolder{EntryIndex: h.EntryIndex, PID: h.PID, FD: h.FD})
		}
		out = append(out, rg)
	}
	return out
}

// AttachProcess rebuilds a Process from a previously-exported group
// list against a Driver that only has the regular-file description
// stream loaded locally (no per-process holder topology of its own —
// that already lives in groups). The real *description.Description for
// a master group (needed by runPhaseC's opener.Open) is looked up in
// drv's own table, which the worker populates by calling
// LoadRegularFileStream itself: that stream is process-independent, so
// every worker in a pass decodes the same records from it.
func AttachProcess(drv *Driver, pid int32, groups []ResolvedGroup) (*Process, error) {
	p := &Process{
		drv:     drv,
		pid:     pid,
		osPID:   int32(unix.Getpid()),
		clock:   timeutil.RealClock(),
		metrics: noopMetrics{},
	}
	for _, rg := range groups {
		g := &descGroup{
			isMaster:       rg.IsMaster,
			needsTransport: rg.NeedsTransport,
			rep:            record{entryIndex: rg.Rep.EntryIndex, fd: rg.Rep.FD, flags: rg.Rep.Flags, descType: rg.DescType, descID: rg.DescID},
		}
		for _, d := range rg.Dups {
			g.dups = append(g.dups, record{entryIndex: d.EntryIndex, fd: d.FD, flags: d.Flags, descType: rg.DescType, descID: rg.DescID})
		}
		for _, h := range rg.RemoteHolders {
			g.remoteHolders = append(g.remoteHolders, description.Holder{PID: h.PID, FD: h.FD, EntryIndex: h.EntryIndex})
		}
		if g.isMaster {
			d, err := drv.table.Lookup(rg.DescType, rg.DescID)
			if err != nil {
				return nil, err
			}
			g.desc = d
		}
		p.groups = append(p.groups, g)
	}
	return p, nil
}

// Run executes phase P, phase C, and phase R in order, as spec.md
// section 4.6 requires within one process. It returns the first fatal
// error encountered; the core never retries (spec.md section 7).
func (p *Process) Run() error {
	if err := p.timedPhase("P", p.runPhaseP); err != nil {
		return err
	}
	if err := p.timedPhase("C", p.runPhaseC); err != nil {
		return err
	}
	if err := p.timedPhase("R", p.runPhaseR); err != nil {
		return err
	}
	return nil
}

func (p *Process) timedPhase(name string, fn func() error) error {
	start := p.clock.Now()
	err := fn()
	p.metrics.ObservePhaseDuration(name, p.clock.Now().Sub(start))
	if err != nil {
		logger.Errorf("restore: pid=%d phase=%s failed: %v", p.pid, name, err)
	}
	return err
}

// runPhaseP is spec.md section 4.6 phase P.
func (p *Process) runPhaseP() error {
	for _, g := range p.groups {
		if !g.needsTransport {
			continue
		}
		addr := transport.Address(p.drv.salt, p.drv.addrPrefix, p.osPID, g.rep.fd)
		ch, err := transport.Listen(addr)
		if err != nil {
			return err
		}
		if err := p.land(ch.Detach(), g.rep.fd); err != nil {
			return err
		}
		if err := p.drv.Registry.MarkRealized(g.rep.entryIndex, p.osPID); err != nil {
			return err
		}
	}
	return nil
}

// runPhaseC is spec.md section 4.6 phase C.
func (p *Process) runPhaseC() error {
	for _, g := range p.groups {
		if !g.isMaster {
			continue
		}
		k, err := opener.Open(g.desc)
		if err != nil {
			return err
		}
		if err := p.land(k, g.rep.fd); err != nil {
			return err
		}
		if err := applyDescriptorFlags(g.rep.fd, g.rep.flags); err != nil {
			return err
		}
		if err := p.dup2Locals(g.rep.fd, g.dups); err != nil {
			return err
		}
		for _, h := range g.remoteHolders {
			realizedOSPID, err := p.drv.Registry.WaitRealized(h.EntryIndex)
			if err != nil {
				return err
			}
			addr := transport.Address(p.drv.salt, p.drv.addrPrefix, realizedOSPID, h.FD)
			if err := transport.Send(addr, int(g.rep.fd)); err != nil {
				return err
			}
		}
		p.metrics.IncDescriptorsRestored()
	}
	return nil
}

// runPhaseR is spec.md section 4.6 phase R.
func (p *Process) runPhaseR() error {
	for _, g := range p.groups {
		if g.isMaster {
			continue
		}
		k, err := transport.Recv(int(g.rep.fd))
		if err != nil {
			return err
		}
		if err := fdjuggle.Land(k, g.rep.fd); err != nil {
			return err
		}
		if err := applyDescriptorFlags(g.rep.fd, g.rep.flags); err != nil {
			return err
		}
		if err := p.dup2Locals(g.rep.fd, g.dups); err != nil {
			return err
		}
		p.metrics.IncDescriptorsRestored()
	}
	return nil
}

// dup2Locals resolves this process's own remaining same-description fds
// by duplicating the already-installed rep fd onto each of them.
func (p *Process) dup2Locals(rep int32, dups []record) error {
	for _, d := range dups {
		if d.fd == rep {
			continue
		}
		if err := p.clearTarget(d.fd); err != nil {
			return err
		}
		if err := unix.Dup2(int(rep), int(d.fd)); err != nil {
			return fderrors.Syscall("dup2", int(rep), err)
		}
		if err := applyDescriptorFlags(d.fd, d.flags); err != nil {
			return err
		}
	}
	return nil
}

// land installs k at target, first relocating any tracked working
// descriptor currently sitting there (spec.md section 4.7).
func (p *Process) land(k int, target int32) error {
	if err := p.clearTarget(target); err != nil {
		return err
	}
	return fdjuggle.Land(k, target)
}

func (p *Process) clearTarget(target int32) error {
	for _, fd := range p.working {
		if *fd == target {
			moved, err := fdjuggle.MoveOffTarget(int(*fd))
			if err != nil {
				return err
			}
			*fd = int32(moved)
		}
	}
	return nil
}

// remoteHolders returns one Holder per distinct remote process that
// shares d with pid: the lowest-fd holder for that process, matching
// the rep a remote process's own BuildGroups computes for itself (the
// only one of its registry entries that ever gets MarkRealized'd, since
// its other same-description fds are resolved locally by dup2Locals).
// A holder per raw (pid, fd) record here would make runPhaseC's
// WaitRealized wait forever on a dup entry that never gets realized.
func remoteHolders(d *description.Description, pid int32) []description.Holder {
	reps := map[int32]description.Holder{}
	for _, h := range d.Holders {
		if h.PID == pid {
			continue
		}
		rep, ok := reps[h.PID]
		if !ok || h.FD < rep.FD {
			reps[h.PID] = h
		}
	}

	var out []description.Holder
	for _, h := range reps {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

func applyDescriptorFlags(fd int32, flags int32) error {
	arg := 0
	if flags&unix.FD_CLOEXEC != 0 {
		arg = unix.FD_CLOEXEC
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, arg); err != nil {
		return fderrors.Syscall("fcntl(F_SETFD)", int(fd), err)
	}
	return nil
}

// OpenRegularByID opens a regular file's real kernel object by
// description identifier without installing it at any target slot
// (spec.md's open_reg_by_id), for the filesystem-context restorer and
// memory-map rebuild helpers.
func OpenRegularByID(table *description.Table, id uint32) (int, error) {
	d, err := table.Lookup(description.Regular, id)
	if err != nil {
		return 0, err
	}
	return opener.Open(d)
}

// GetFilemapFD resolves a VMA's backing-file identifier to a freshly
// opened fd (spec.md's get_filemap_fd), for a memory-map rebuilder that
// needs to mmap the same regular file a checkpointed process had mapped
// without touching that process's descriptor table. The identifier
// names a description in table the same way it would for any other
// regular-file descriptor; pid is accepted only to match
// get_filemap_fd's signature and to label errors, since the
// description table itself is shared process-independent state.
func GetFilemapFD(table *description.Table, pid int32, vmaIdentifier uint32) (int, error) {
	fd, err := OpenRegularByID(table, vmaIdentifier)
	if err != nil {
		return 0, fmt.Errorf("get_filemap_fd(pid=%d, vma=%d): %w", pid, vmaIdentifier, err)
	}
	return fd, nil
}
