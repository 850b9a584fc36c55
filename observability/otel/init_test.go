package otel

import (
	"context"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" api-key = abc ,broken, =x,team=pool")
	if len(got) != 2 || got["api-key"] != "abc" || got["team"] != "pool" {
		t.Fatalf("unexpected headers %v", got)
	}
}

func TestConfigFromEnv(t *testing.T) {
	env := map[string]string{
		"OTEL_EXPORTER_OTLP_ENDPOINT": "collector:4318",
		"OTEL_EXPORTER_OTLP_INSECURE": "false",
		"OTEL_EXPORTER_OTLP_HEADERS":  "k=v",
		"OTEL_TRACES_EXPORTER":        "none",
	}
	cfg := ConfigFromEnv("poold", "dev", func(key string) string { return env[key] })
	if cfg.Endpoint != "collector:4318" || cfg.Insecure || cfg.Traces || !cfg.Metrics {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Headers["k"] != "v" {
		t.Fatalf("headers not parsed: %v", cfg.Headers)
	}
}

func TestInitRequiresServiceName(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error without service name")
	}
}

func TestInitWithoutExporters(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "poold"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestConfigFromEnvSamplingAndResource(t *testing.T) {
	env := map[string]string{
		"OTEL_TRACES_SAMPLER_ARG":     "0.25",
		"OTEL_METRIC_EXPORT_INTERVAL": "5000",
		"OTEL_RESOURCE_ATTRIBUTES":    "pool.id=main, region = eu",
	}
	cfg := ConfigFromEnv("poold", "", func(key string) string { return env[key] })
	if cfg.SampleRatio != 0.25 {
		t.Fatalf("unexpected sample ratio %v", cfg.SampleRatio)
	}
	if cfg.MetricInterval != 5*time.Second {
		t.Fatalf("unexpected metric interval %s", cfg.MetricInterval)
	}
	if cfg.Attributes["pool.id"] != "main" || cfg.Attributes["region"] != "eu" {
		t.Fatalf("unexpected attributes %v", cfg.Attributes)
	}
	if !cfg.Insecure {
		t.Fatalf("insecure should default to true")
	}
}

func TestSamplerBounds(t *testing.T) {
	for _, ratio := range []float64{-1, 0, 1, 2} {
		if got := sampler(ratio).Description(); got != sdktrace.ParentBased(sdktrace.AlwaysSample()).Description() {
			t.Fatalf("ratio %v: unexpected sampler %s", ratio, got)
		}
	}
	if got := sampler(0.5).Description(); got == sdktrace.ParentBased(sdktrace.AlwaysSample()).Description() {
		t.Fatalf("ratio 0.5 should sample by trace id")
	}
}
