package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type fakeExporter struct {
	mu       sync.Mutex
	exported []sdktrace.ReadOnlySpan
	shutdown bool
}

func (f *fakeExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exported = append(f.exported, spans...)
	return nil
}

func (f *fakeExporter) Shutdown(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
	return nil
}

func (f *fakeExporter) spanNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.exported))
	for _, span := range f.exported {
		names = append(names, span.Name())
	}
	return names
}

func TestInitUsesConfiguredEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")

	fake := &fakeExporter{}
	capturedEndpoint := ""
	restore := setExporterFactoryForTest(func(_ context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		capturedEndpoint = endpoint
		return fake, nil
	})
	defer restore()

	shutdown, err := Init(context.Background())
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "sample-span")
	span.End()
	shutdown()

	if capturedEndpoint != "http://collector:4318" {
		t.Fatalf("endpoint = %q, want configured endpoint", capturedEndpoint)
	}
	names := fake.spanNames()
	found := false
	for _, name := range names {
		if name == "sample-span" {
			found = true
		}
	}
	if !found {
		t.Fatalf("exported spans = %v, want sample-span", names)
	}
}

func TestInitFallsBackWhenExporterUnavailable(t *testing.T) {
	restore := setExporterFactoryForTest(func(context.Context, string) (sdktrace.SpanExporter, error) {
		return nil, errors.New("collector unreachable")
	})
	defer restore()

	shutdown, err := Init(context.Background())
	if err != nil {
		t.Fatalf("init with failing exporter: %v", err)
	}
	shutdown()
	// Idempotent.
	shutdown()
}

func TestResolveEndpointDefault(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if got := resolveEndpoint(); got != DefaultEndpoint {
		t.Fatalf("endpoint = %q, want %q", got, DefaultEndpoint)
	}

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "  http://other:4318  ")
	if got := resolveEndpoint(); got != "http://other:4318" {
		t.Fatalf("endpoint = %q, want trimmed value", got)
	}
}

func TestResolveEnvironmentPrecedence(t *testing.T) {
	t.Setenv("HELMSMAN_ENV", "")
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("ENV", "")
	if got := resolveEnvironment(); got != DefaultEnvironment {
		t.Fatalf("environment = %q, want %q", got, DefaultEnvironment)
	}

	t.Setenv("ENV", "staging")
	if got := resolveEnvironment(); got != "staging" {
		t.Fatalf("environment = %q, want staging", got)
	}

	t.Setenv("HELMSMAN_ENV", "PROD")
	if got := resolveEnvironment(); got != "prod" {
		t.Fatalf("environment = %q, want prod from highest-priority key", got)
	}
}

func TestStderrSpanExporterWritesSpanLines(t *testing.T) {
	var buf bytes.Buffer
	exporter := &stderrSpanExporter{out: &buf}

	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	_, span := provider.Tracer("test").Start(context.Background(), "console-span")
	span.End()
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown provider: %v", err)
	}

	if !strings.Contains(buf.String(), "[SPAN] console-span") {
		t.Fatalf("output = %q, want span line", buf.String())
	}
}
