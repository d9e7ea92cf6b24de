// Package telemetry はOpenTelemetryによるトレースの送信を初期化する。
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ServiceName はトレースのリソースに付けるサービス名。
const ServiceName = "savlink"

// Config はトレース送信の設定。
type Config struct {
	// Endpoint はOTLP/HTTPの送信先URL。空の場合は送信しない。
	Endpoint    string
	Enabled     bool
	ServiceName string
}

// Tracing は初期化済みのTracerProviderと終了処理を保持する。
type Tracing struct {
	Provider trace.TracerProvider
	shutdown func(context.Context) error
}

// Shutdown は未送信のスパンを送信してから停止する。
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t.shutdown == nil {
		return nil
	}
	return t.shutdown(ctx)
}

// Setup はトレース送信を初期化し、グローバルのTracerProviderとして登録する。
// 無効またはエンドポイント未設定の場合はno-opのProviderを返し、グローバルには登録しない。
func Setup(ctx context.Context, cfg Config) (*Tracing, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return &Tracing{Provider: noop.NewTracerProvider()}, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = ServiceName
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Tracing{Provider: tp, shutdown: tp.Shutdown}, nil
}
