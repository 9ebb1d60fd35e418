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

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// ShutdownFunc releases provider resources, flushing anything buffered.
type ShutdownFunc func(context.Context) error

// JoinShutdownFunc composes shutdown funcs so callers can defer one
// value regardless of how many providers were set up. Every func runs,
// even after one fails; only the first error is returned.
func JoinShutdownFunc(fns ...ShutdownFunc) ShutdownFunc {
	return func(ctx context.Context) error {
		var first error
		for _, fn := range fns {
			if fn == nil {
				continue
			}
			if err := fn(ctx); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
}

// SetupMetrics wires a Prometheus exporter into a MeterProvider and
// returns a Recorder bound to it, plus a shutdown func. The exporter
// itself exposes a /metrics-compatible Gatherer; wiring it to an HTTP
// handler is the caller's responsibility; cmd's worker processes call
// this and do not serve the result over HTTP.
func SetupMetrics() (*Recorder, *sdkmetric.MeterProvider, ShutdownFunc, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	recorder, err := NewRecorder(provider.Meter(meterName))
	if err != nil {
		return nil, nil, nil, err
	}
	return recorder, provider, provider.Shutdown, nil
}

// SetupTracing wires a stdout trace exporter into a TracerProvider.
// Nothing in the restore pass calls it, so the restore phases emit no
// spans.
func SetupTracing() (trace.Tracer, ShutdownFunc, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, err
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	return provider.Tracer(meterName), provider.Shutdown, nil
}
