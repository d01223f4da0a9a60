// Package tracing 設定 OpenTelemetry 追蹤
//
// 未啟用時使用 noop provider，元件透過 Tracer() 取得的 tracer 沒有額外成本。
// 啟用後設定為全域 provider，spans 包住 Router.Route、Matcher.Match、
// Dispatcher.Dispatch。
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ChuLiYu/analysis-dispatch/internal/config"
)

// instrumentation 所有 span 使用的 instrumentation 名稱
const instrumentation = "github.com/ChuLiYu/analysis-dispatch"

// Provider 包裝 sdk TracerProvider
type Provider struct {
	provider *sdktrace.TracerProvider
	enabled  bool
}

// NewProvider 依設定建立 provider；啟用時設為全域
func NewProvider(cfg config.TracingConfig) (*Provider, error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return &Provider{}, nil
	}

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.Exporter {
	case "stdout", "":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		endpoint := cfg.OTLPEndpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		exporter, err = otlptracegrpc.New(context.Background(),
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s exporter: %w", cfg.Exporter, err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "dispatchd"
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", name))),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	return &Provider{provider: provider, enabled: true}, nil
}

// Enabled 是否啟用
func (p *Provider) Enabled() bool { return p.enabled }

// Shutdown 送出尚未匯出的 spans
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}

// Tracer 取得全域 tracer；每次呼叫都讀取目前的全域 provider
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentation)
}

// Start 開始一個 span
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// Fail 將錯誤記錄到 span
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
