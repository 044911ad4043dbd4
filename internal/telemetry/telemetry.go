// Copyright 2024 The Tessera authors. All Rights Reserved.
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

// Package telemetry wires up tracing for the lseqkv core and storage layers.
package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/contrib/exporters/autoexport"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"
)

// Init configures the global tracer provider using whichever exporter
// autoexport resolves from the environment (OTEL_TRACES_EXPORTER, defaulting
// to a no-op console exporter), and returns a shutdown function which should
// be called just before the process exits.
func Init(ctx context.Context) func(context.Context) {
	exp, err := autoexport.NewSpanExporter(ctx)
	if err != nil {
		klog.Errorf("telemetry: failed to resolve span exporter, tracing disabled: %v", err)
		return func(context.Context) {}
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) {
		if err := errors.Join(tp.Shutdown(ctx)); err != nil {
			klog.Errorf("telemetry: shutdown: %v", err)
		}
	}
}

// Tracer returns the package-scoped tracer used to name spans across the
// engine, e.g. "lseqkv.core.Put".
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
