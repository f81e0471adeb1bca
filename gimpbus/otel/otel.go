// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package gimpotel provides OpenTelemetry instrumentation for gimp-dbus
// servers. It implements the [gimpbus.DispatchHook] interface to add
// tracing and metrics around every bridged call.
//
// Usage:
//
//	server := gimpbus.NewServer(registry, store)
//	gimpotel.InstrumentServer(server, gimpotel.DefaultConfig())
package gimpotel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GlimmerLabs/gimp-dbus/gimpbus"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "gimp_dbus"
	rpcSystem           = "dbus"
)

// OtelConfig configures OpenTelemetry instrumentation for a server.
type OtelConfig struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// Propagator extracts trace context from transport metadata.
	// Defaults to otel.GetTextMapPropagator().
	Propagator propagation.TextMapPropagator
	// EnableTracing enables span creation. Default true.
	EnableTracing bool
	// EnableMetrics enables counter and histogram recording. Default true.
	EnableMetrics bool
	// RecordExceptions calls RecordError on the span for failed calls.
	// Default true.
	RecordExceptions bool
	// ServiceName is the rpc.service attribute value.
	// Defaults to Server.ServiceName() or gimpbus.ServiceName.
	ServiceName string
	// CustomAttributes are added to every span.
	CustomAttributes []attribute.KeyValue
}

// DefaultConfig returns an OtelConfig with tracing, metrics and exception
// recording on. Providers are resolved from the global SDK at
// instrumentation time.
func DefaultConfig() OtelConfig {
	return OtelConfig{
		EnableTracing:    true,
		EnableMetrics:    true,
		RecordExceptions: true,
	}
}

// InstrumentServer attaches the instrumentation to server through
// [gimpbus.Server.SetDispatchHook].
func InstrumentServer(server *gimpbus.Server, cfg OtelConfig) {
	server.SetDispatchHook(NewHook(server, cfg))
}

// NewHook builds the dispatch hook without installing it.
func NewHook(server *gimpbus.Server, cfg OtelConfig) gimpbus.DispatchHook {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.Propagator == nil {
		cfg.Propagator = otel.GetTextMapPropagator()
	}
	if cfg.ServiceName == "" {
		if sn := server.ServiceName(); sn != "" {
			cfg.ServiceName = sn
		} else {
			cfg.ServiceName = gimpbus.ServiceName
		}
	}

	hook := &otelHook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}

	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		hook.requestCounter, _ = meter.Int64Counter("rpc.server.requests",
			metric.WithUnit("{request}"),
			metric.WithDescription("Number of bridged calls"),
		)
		hook.durationHistogram, _ = meter.Float64Histogram("rpc.server.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Duration of bridged calls"),
		)
	}
	return hook
}

type otelHook struct {
	cfg               OtelConfig
	tracer            trace.Tracer
	requestCounter    metric.Int64Counter
	durationHistogram metric.Float64Histogram
}

// spanToken is the HookToken returned by OnDispatchStart.
type spanToken struct {
	span      trace.Span
	startTime time.Time
}

// OnDispatchStart extracts parent trace context and starts a server span.
func (h *otelHook) OnDispatchStart(ctx context.Context, info gimpbus.DispatchInfo) (context.Context, gimpbus.HookToken) {
	// traceparent/tracestate arrive as request metadata on the Arrow transports.
	if h.cfg.Propagator != nil && info.TransportMetadata != nil {
		ctx = h.cfg.Propagator.Extract(ctx, propagation.MapCarrier(info.TransportMetadata))
	}

	if !h.cfg.EnableTracing {
		return ctx, &spanToken{startTime: time.Now()}
	}

	attrs := []attribute.KeyValue{
		attribute.String("rpc.system", rpcSystem),
		attribute.String("rpc.service", h.cfg.ServiceName),
		attribute.String("rpc.method", info.Method),
		attribute.String("rpc.gimp_dbus.method_type", info.MethodType),
		attribute.String("rpc.gimp_dbus.transport", info.Transport),
	}
	if info.Interface != "" {
		attrs = append(attrs, attribute.String("rpc.gimp_dbus.interface", info.Interface))
	}
	if info.Procedure != "" {
		attrs = append(attrs, attribute.String("rpc.gimp_dbus.procedure", info.Procedure))
	}
	if info.ServerID != "" {
		attrs = append(attrs, attribute.String("rpc.gimp_dbus.server_id", info.ServerID))
	}
	attrs = append(attrs, h.cfg.CustomAttributes...)

	if v := info.TransportMetadata["remote_addr"]; v != "" {
		attrs = append(attrs, attribute.String("net.peer.ip", v))
	}
	if v := info.TransportMetadata["user_agent"]; v != "" {
		attrs = append(attrs, attribute.String("user_agent.original", v))
	}
	if v := info.TransportMetadata["sender"]; v != "" {
		attrs = append(attrs, attribute.String("rpc.gimp_dbus.sender", v))
	}

	ctx, span := h.tracer.Start(ctx, fmt.Sprintf("gimp_dbus/%s", info.Method),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	return ctx, &spanToken{span: span, startTime: time.Now()}
}

// OnDispatchEnd records metrics and span attributes, then ends the span.
func (h *otelHook) OnDispatchEnd(ctx context.Context, token gimpbus.HookToken, info gimpbus.DispatchInfo, stats *gimpbus.CallStatistics, err error) {
	st, ok := token.(*spanToken)
	if !ok {
		return
	}

	duration := time.Since(st.startTime)

	status := "ok"
	if err != nil {
		status = "error"
	}

	if h.cfg.EnableMetrics {
		metricAttrs := metric.WithAttributes(
			attribute.String("rpc.system", rpcSystem),
			attribute.String("rpc.service", h.cfg.ServiceName),
			attribute.String("rpc.method", info.Method),
			attribute.String("rpc.gimp_dbus.method_type", info.MethodType),
			attribute.String("rpc.gimp_dbus.transport", info.Transport),
			attribute.String("status", status),
		)
		if h.requestCounter != nil {
			h.requestCounter.Add(ctx, 1, metricAttrs)
		}
		if h.durationHistogram != nil {
			h.durationHistogram.Record(ctx, duration.Seconds(), metricAttrs)
		}
	}

	if st.span == nil || !st.span.IsRecording() {
		return
	}
	if stats != nil {
		st.span.SetAttributes(
			attribute.Int64("rpc.gimp_dbus.input_values", stats.InputValues),
			attribute.Int64("rpc.gimp_dbus.output_values", stats.OutputValues),
			attribute.Int64("rpc.gimp_dbus.input_bytes", stats.InputBytes),
			attribute.Int64("rpc.gimp_dbus.output_bytes", stats.OutputBytes),
		)
	}

	if err != nil {
		st.span.SetStatus(codes.Error, err.Error())
		if h.cfg.RecordExceptions {
			st.span.RecordError(err)
		}
		errType := fmt.Sprintf("%T", err)
		var bridgeErr *gimpbus.Error
		if errors.As(err, &bridgeErr) {
			errType = string(bridgeErr.Kind)
			st.span.SetAttributes(attribute.String("rpc.gimp_dbus.error_category", bridgeErr.Category().String()))
		}
		st.span.SetAttributes(attribute.String("rpc.gimp_dbus.error_type", errType))
	} else {
		st.span.SetStatus(codes.Ok, "")
	}

	st.span.End()
}
