package tracing

import (
	"context"
	"testing"
)

func TestEndpointHost(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"strips http scheme", "http://collector:4318", "collector:4318"},
		{"strips https scheme", "https://otel.example.com", "otel.example.com"},
		{"bare host unchanged", "collector:4318", "collector:4318"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := endpointHost(tt.input)
			if got != tt.expected {
				t.Errorf("endpointHost(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestTracerNoopWithoutEndpoint(t *testing.T) {
	// Without OTEL_EXPORTER_OTLP_ENDPOINT, the tracer is a no-op and
	// spans never record.
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	tracer := Tracer("test")
	_, span := tracer.Start(context.Background(), "op")
	defer span.End()

	if span.IsRecording() {
		t.Error("expected a non-recording span when tracing is disabled")
	}
	if err := Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
