package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strefethen/plex-dlna-bridge/internal/config"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	cfg := config.Config{
		Host:               "127.0.0.1",
		HTTPPort:           32488,
		HostIP:             "10.0.0.5",
		Product:            "Plex DLNA Player",
		Platform:           "Linux",
		PlatformVersion:    "1",
		Version:            "1",
		PlexNotifyInterval: 50 * time.Millisecond,
		ConfigPath:         t.TempDir(),
		DataFileName:       "data.json",
		SSDPSearchIntervalSec: 30,
		SOAPTimeoutMs:         1000,
		GENASubscribeSec:      120,
	}
	handler, shutdown, err := NewHandler(cfg, Options{DisableDiscovery: true, DisableGDM: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = shutdown(ctx)
	})
	return handler
}

func do(t *testing.T, handler http.Handler, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestUnknownTargetDevice(t *testing.T) {
	handler := newTestHandler(t)
	target := map[string]string{headerTargetID: "no-such-uuid", headerClientID: "client-1"}

	for _, path := range []string{
		"/player/playback/play",
		"/player/playback/pause",
		"/player/playback/playMedia",
		"/player/playback/skipNext",
		"/player/timeline/subscribe?port=32500",
		"/player/mirror/details",
	} {
		t.Run(path, func(t *testing.T) {
			rec := do(t, handler, http.MethodGet, path, target)
			require.Equal(t, http.StatusNotFound, rec.Code)
			require.Contains(t, rec.Body.String(), `code="404"`)
		})
	}
}

func TestNonMusicCommandsShortCircuit(t *testing.T) {
	handler := newTestHandler(t)
	headers := map[string]string{headerTargetID: "no-such-uuid", headerClientID: "client-1"}

	t.Run("stop answers ok without a device", func(t *testing.T) {
		rec := do(t, handler, http.MethodGet, "/player/playback/stop?type=photo", headers)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Contains(t, rec.Body.String(), `<Response code="200" status="OK"/>`)
		require.Equal(t, "no-such-uuid", rec.Header().Get("X-Plex-Client-Identifier"))
	})

	t.Run("seekTo ignores other media types", func(t *testing.T) {
		rec := do(t, handler, http.MethodGet, "/player/playback/seekTo?type=video&offset=abc", headers)
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("setParameters ignores other media types", func(t *testing.T) {
		rec := do(t, handler, http.MethodGet, "/player/playback/setParameters?type=video&volume=50", headers)
		require.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestTimelineUnsubscribe(t *testing.T) {
	handler := newTestHandler(t)
	rec := do(t, handler, http.MethodGet, "/player/timeline/unsubscribe", map[string]string{
		headerTargetID: "uuid-1", headerClientID: "client-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `<Response code="200" status="OK"/>`)
}

func TestTimelineSubscribeValidation(t *testing.T) {
	handler := newTestHandler(t)
	rec := do(t, handler, http.MethodGet, "/player/timeline/subscribe", map[string]string{
		headerTargetID: "no-such-uuid", headerClientID: "client-1",
	})
	// Unknown devices are rejected before the port is validated.
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResourcesEmpty(t *testing.T) {
	handler := newTestHandler(t)
	rec := do(t, handler, http.MethodGet, "/resources", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "<MediaContainer></MediaContainer>", rec.Body.String())
	require.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/xml"))
}

func TestResourcesUnknownTarget(t *testing.T) {
	handler := newTestHandler(t)
	rec := do(t, handler, http.MethodGet, "/resources", map[string]string{headerTargetID: "no-such-uuid"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDlnaCallbackUnknownDevice(t *testing.T) {
	handler := newTestHandler(t)
	rec := do(t, handler, "NOTIFY", "/dlna/callback/no-such-uuid", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBindPage(t *testing.T) {
	handler := newTestHandler(t)
	rec := do(t, handler, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html"))
	require.Contains(t, rec.Body.String(), "No renderers discovered")
}

func TestMetricsEndpoint(t *testing.T) {
	handler := newTestHandler(t)
	rec := do(t, handler, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "bridge_devices")
}
