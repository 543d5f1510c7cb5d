package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cortex/internal/config"
)

func TestDisabledTelemetryStillRecords(t *testing.T) {
	tel, err := New(config.TelemetryConfig{Enabled: false})
	require.NoError(t, err)

	// No reader is attached, so these must be safe no-ops.
	tel.RecordDecision(context.Background(), "delivered", 12*time.Millisecond, false)
	tel.RecordDecision(context.Background(), "degraded", 40*time.Millisecond, true)
	tel.RecordAction(context.Background(), "allow")

	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestEnabledTelemetryShutsDownCleanly(t *testing.T) {
	tel, err := New(config.TelemetryConfig{Enabled: true, PushInterval: time.Hour})
	require.NoError(t, err)

	tel.RecordDecision(context.Background(), "delivered", time.Millisecond, false)
	require.NoError(t, tel.Shutdown(context.Background()))
}
