package otel_test

import (
	"context"
	"testing"

	"github.com/louisbranch/cacheline/internal/platform/otel"
)

func TestConfigActive(t *testing.T) {
	cases := []struct {
		name string
		cfg  otel.Config
		want bool
	}{
		{name: "no endpoint", cfg: otel.Config{}, want: false},
		{name: "endpoint", cfg: otel.Config{Endpoint: "http://collector:4318"}, want: true},
		{name: "disabled", cfg: otel.Config{Endpoint: "http://collector:4318", Enabled: "FALSE"}, want: false},
		{name: "blank endpoint", cfg: otel.Config{Endpoint: "  "}, want: false},
	}
	for _, tc := range cases {
		if got := tc.cfg.Active(); got != tc.want {
			t.Fatalf("%s: Active() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSetup_NoopWhenEndpointEmpty(t *testing.T) {
	t.Setenv("CACHELINE_OTEL_ENDPOINT", "")
	t.Setenv("CACHELINE_OTEL_ENABLED", "")

	shutdown, err := otel.Setup(context.Background(), "test-service")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("noop shutdown should not error: %v", err)
	}
}

func TestSetup_NoopWhenExplicitlyDisabled(t *testing.T) {
	t.Setenv("CACHELINE_OTEL_ENDPOINT", "http://localhost:4318")
	t.Setenv("CACHELINE_OTEL_ENABLED", "false")

	shutdown, err := otel.Setup(context.Background(), "test-service")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetup_RejectsBadSampleRatioEnv(t *testing.T) {
	t.Setenv("CACHELINE_OTEL_SAMPLE_RATIO", "often")

	if _, err := otel.Setup(context.Background(), "test-service"); err == nil {
		t.Fatal("expected parse error for sample ratio")
	}
}

func TestSetupWithConfig_RejectsOutOfRangeRatio(t *testing.T) {
	_, err := otel.SetupWithConfig(context.Background(), "test-service", otel.Config{
		Endpoint:    "http://192.0.2.1:4318",
		SampleRatio: 1.5,
	})
	if err == nil {
		t.Fatal("expected error for ratio above 1")
	}
}

func TestSetupWithConfig_ShutdownFlushesCleanly(t *testing.T) {
	// Non-routable address so nothing is exported.
	shutdown, err := otel.SetupWithConfig(context.Background(), "flush-test", otel.Config{
		Endpoint:    "http://192.0.2.1:4318",
		SampleRatio: 0.5,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}
