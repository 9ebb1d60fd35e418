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

package fdmetrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestRecorderRecordsPhaseDurationAndCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	r, err := NewRecorder(provider.Meter(meterName))
	require.NoError(t, err)

	r.ObservePhaseDuration("P", 10*time.Millisecond)
	r.ObservePhaseDuration("P", 20*time.Millisecond)
	r.IncDescriptorsRestored()
	r.IncDescriptorsRestored()
	r.IncSCMSend()
	r.IncRegistryOccupancy()

	var data metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &data))

	names := map[string]bool{}
	for _, sm := range data.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	assert.True(t, names[metricDescriptorsRestored])
	assert.True(t, names[metricPhaseDuration])
	assert.True(t, names[metricSCMSends])
	assert.True(t, names[metricRegistryOccupancy])
}

func TestAttrsForPhaseIsCached(t *testing.T) {
	provider := sdkmetric.NewMeterProvider()
	r, err := NewRecorder(provider.Meter(meterName))
	require.NoError(t, err)

	a := r.attrsForPhase("C")
	b := r.attrsForPhase("C")
	assert.Equal(t, a, b)
}

func TestJoinShutdownFuncRunsAll(t *testing.T) {
	var calls int
	fn := JoinShutdownFunc(
		func(context.Context) error { calls++; return nil },
		func(context.Context) error { calls++; return nil },
	)
	require.NoError(t, fn(context.Background()))
	assert.Equal(t, 2, calls)
}

func TestJoinShutdownFuncSkipsNil(t *testing.T) {
	fn := JoinShutdownFunc(nil, func(context.Context) error { return nil })
	assert.NoError(t, fn(context.Background()))
}
