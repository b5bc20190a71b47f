package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CONVO_INBOX_BASE_URL", "http://localhost:8080")
	t.Setenv("CONVO_REALTIME_URL", "ws://localhost:8081/ws")
	t.Setenv("CONVO_USER_ID", "buyer-1")
}

func TestLoadAppliesDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 400*time.Millisecond, cfg.TypingDebounce)
	require.Equal(t, 500*time.Millisecond, cfg.IndicatorLinger)
	require.Equal(t, time.Second, cfg.RecordingTick)
	require.Equal(t, 5, cfg.AttachmentCap)
	require.Equal(t, 10*time.Second, cfg.UploadWaitTimeout)
	require.Equal(t, 3*time.Second, cfg.ProbeTimeout)
	require.Equal(t, 30*time.Minute, cfg.SnapshotCacheTTL)
	require.Equal(t, "buyer", cfg.UserRole)
}

func TestLoadOverridesFromEnvironment(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CONVO_TYPING_DEBOUNCE_MS", "250")
	t.Setenv("CONVO_ATTACHMENT_CAP", "3")
	t.Setenv("CONVO_USER_ROLE", "SELLER")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 250*time.Millisecond, cfg.TypingDebounce)
	require.Equal(t, 3, cfg.AttachmentCap)
	require.Equal(t, "seller", cfg.UserRole)
}

func TestLoadRequiresEndpointsAndUser(t *testing.T) {
	t.Setenv("CONVO_INBOX_BASE_URL", "")
	t.Setenv("CONVO_REALTIME_URL", "")
	t.Setenv("CONVO_USER_ID", "")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("CONVO_INBOX_BASE_URL", "http://localhost:8080")
	t.Setenv("CONVO_REALTIME_URL", "ws://localhost:8081/ws")
	_, err = Load()
	require.Error(t, err)
}

func TestMetricsAddress(t *testing.T) {
	require.Equal(t, ":9091", Config{MetricsPort: "9091"}.MetricsAddress())
	require.Equal(t, ":9091", Config{MetricsPort: ":9091"}.MetricsAddress())
}
