package plex

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/strefethen/plex-dlna-bridge/internal/dlna"
)

func TestGDMClientData(t *testing.T) {
	g := NewGDMResponder(dlna.NewRegistry(), Identity{Platform: "Linux", PlatformVersion: "1", Version: "1"}, 32488)
	d := &dlna.Device{Name: "Den", UUID: "uuid-1", Model: "Test Renderer"}

	data := g.clientData(d)
	lines := strings.Split(strings.TrimRight(data, "\n"), "\n")
	keys := make([]string, len(lines))
	for i, line := range lines {
		key, _, ok := strings.Cut(line, ": ")
		require.True(t, ok, line)
		keys[i] = key
	}
	require.Equal(t, []string{
		"Name", "Port", "Content-Type", "Product", "Protocol",
		"Protocol-Version", "Protocol-Capabilities", "Version",
		"Resource-Identifier", "Updated-At", "Device-Class",
	}, keys)

	require.Contains(t, data, "Name: Den\n")
	require.Contains(t, data, "Port: 32488\n")
	require.Contains(t, data, "Content-Type: plex/media-player\n")
	require.Contains(t, data, "Resource-Identifier: uuid-1\n")
	require.Contains(t, data, "Device-Class: stb\n")
}
