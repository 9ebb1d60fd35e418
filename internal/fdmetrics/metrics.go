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

// Package fdmetrics exposes OpenTelemetry instrumentation for a restore
// pass: phase durations, descriptors restored, and SCM_RIGHTS traffic.
// Adapted from the attribute-set-caching and shutdown-composition
// patterns the teacher's telemetry package used for its GCS-filesystem
// metrics, rewired to restore-domain metric names.
package fdmetrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/chkpt-project/fdrestore"

	metricDescriptorsRestored = "fdrestore.descriptors.restored"
	metricPhaseDuration       = "fdrestore.phase.duration"
	metricSCMSends            = "fdrestore.scm_rights.sends"
	metricSCMRecvs            = "fdrestore.scm_rights.recvs"
	metricRegistryOccupancy   = "fdrestore.registry.occupancy"
)

// Recorder records restore-pass metrics against a MeterProvider-issued
// Meter. It satisfies internal/fd/restore.MetricsRecorder.
type Recorder struct {
	descriptorsRestored metric.Int64Counter
	phaseDuration        metric.Float64Histogram
	scmSends             metric.Int64Counter
	scmRecvs             metric.Int64Counter
	registryOccupancy    metric.Int64Counter

	// phaseAttrs caches the metric.MeasurementOption for each phase name
	// so the hot path (one call per phase per process) doesn't allocate
	// a new attribute set every time, mirroring the teacher's
	// otel_metrics.go sync.Map attribute-set cache.
	phaseAttrs sync.Map // phase string -> metric.MeasurementOption
}

// NewRecorder constructs a Recorder against the given meter, registering
// every instrument fdrestore emits.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	r := &Recorder{}
	var err error

	r.descriptorsRestored, err = meter.Int64Counter(metricDescriptorsRestored,
		metric.WithDescription("number of descriptor slots this process has installed a real kernel object or duplicate into"))
	if err != nil {
		return nil, err
	}
	r.phaseDuration, err = meter.Float64Histogram(metricPhaseDuration,
		metric.WithDescription("seconds spent in each restore phase"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	r.scmSends, err = meter.Int64Counter(metricSCMSends,
		metric.WithDescription("SCM_RIGHTS messages sent to remote holders"))
	if err != nil {
		return nil, err
	}
	r.scmRecvs, err = meter.Int64Counter(metricSCMRecvs,
		metric.WithDescription("SCM_RIGHTS messages received from a remote master"))
	if err != nil {
		return nil, err
	}
	r.registryOccupancy, err = meter.Int64Counter(metricRegistryOccupancy,
		metric.WithDescription("descriptor entries allocated in the shared registry"))
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) attrsForPhase(phase string) metric.MeasurementOption {
	if v, ok := r.phaseAttrs.Load(phase); ok {
		return v.(metric.MeasurementOption)
	}
	opt := metric.WithAttributes(attribute.String("phase", phase))
	r.phaseAttrs.Store(phase, opt)
	return opt
}

// ObservePhaseDuration records how long phase took.
func (r *Recorder) ObservePhaseDuration(phase string, d time.Duration) {
	r.phaseDuration.Record(context.Background(), d.Seconds(), r.attrsForPhase(phase))
}

// IncDescriptorsRestored increments the restored-descriptors counter by
// one.
func (r *Recorder) IncDescriptorsRestored() {
	r.descriptorsRestored.Add(context.Background(), 1)
}

// IncSCMSend increments the SCM_RIGHTS-sent counter.
func (r *Recorder) IncSCMSend() {
	r.scmSends.Add(context.Background(), 1)
}

// IncSCMRecv increments the SCM_RIGHTS-received counter.
func (r *Recorder) IncSCMRecv() {
	r.scmRecvs.Add(context.Background(), 1)
}

// IncRegistryOccupancy records one more descriptor entry allocated in
// the shared registry.
func (r *Recorder) IncRegistryOccupancy() {
	r.registryOccupancy.Add(context.Background(), 1)
}
