package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.Host)
	require.Equal(t, 32488, cfg.HTTPPort)
	require.Equal(t, "Plex DLNA Player", cfg.Product)
	require.Equal(t, 500*time.Millisecond, cfg.PlexNotifyInterval)
	require.Equal(t, 30, cfg.SSDPSearchIntervalSec)
	require.Equal(t, 5000, cfg.SOAPTimeoutMs)
	require.Equal(t, 120, cfg.GENASubscribeSec)
	require.True(t, cfg.PlexTVRefresherEnabled)
	require.True(t, cfg.PMSNotificationsWS)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "8080")
	t.Setenv("HOST_IP", "10.0.0.5")
	t.Setenv("PLEX_NOTIFY_INTERVAL_MS", "250")
	t.Setenv("PLEX_TV_REFRESHER_ENABLED", "false")
	t.Setenv("ALIASES", "uuid-1:Den")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.HTTPPort)
	require.Equal(t, "10.0.0.5", cfg.HostIP)
	require.Equal(t, 250*time.Millisecond, cfg.PlexNotifyInterval)
	require.False(t, cfg.PlexTVRefresherEnabled)
	require.Equal(t, "uuid-1:Den", cfg.Aliases)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_port: 9090\nproduct: Bridge\n"), 0o644))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.HTTPPort)
	require.Equal(t, "Bridge", cfg.Product)

	t.Run("env wins over file", func(t *testing.T) {
		t.Setenv("HTTP_PORT", "9091")
		cfg, err := Load()
		require.NoError(t, err)
		require.Equal(t, 9091, cfg.HTTPPort)
	})
}

func TestLoadValidation(t *testing.T) {
	t.Run("port out of range", func(t *testing.T) {
		t.Setenv("HTTP_PORT", "70000")
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("missing config file", func(t *testing.T) {
		t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
		_, err := Load()
		require.Error(t, err)
	})
}

func TestParseAliases(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want map[string]string
	}{
		{"empty", "", map[string]string{}},
		{"single", "uuid-1:Den", map[string]string{"uuid-1": "Den"}},
		{"multiple with spaces", "uuid-1:Den, 10.0.0.9 : Kitchen", map[string]string{"uuid-1": "Den", "10.0.0.9": "Kitchen"}},
		{"malformed entries skipped", "nocolon,:empty,uuid-1:Den", map[string]string{"uuid-1": "Den"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ParseAliases(tt.in))
		})
	}
}
