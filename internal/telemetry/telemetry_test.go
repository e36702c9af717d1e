package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

func TestSetup_Disabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{}, zap.NewNop())
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	if err = shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}

	if fields := otel.GetTextMapPropagator().Fields(); len(fields) == 0 {
		t.Error("propagator not installed")
	}
}

func TestSetup_RequiresServiceName(t *testing.T) {
	if _, err := Setup(context.Background(), Config{Enabled: true, Endpoint: "127.0.0.1:4318"}, zap.NewNop()); err == nil {
		t.Fatal("expected error without service name")
	}
}

func TestSetup_Enabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{
		Enabled:     true,
		ServiceName: "edge-test",
		Endpoint:    "127.0.0.1:4318",
		Insecure:    true,
		SampleRate:  1,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Errorf("global provider = %T", otel.GetTracerProvider())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err = shutdown(ctx); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
