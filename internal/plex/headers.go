package plex

import (
	"net/http"

	"github.com/strefethen/plex-dlna-bridge/internal/dlna"
)

// Identity is the subset of bridge configuration advertised to Plex.
type Identity struct {
	Platform        string
	PlatformVersion string
	Version         string
}

// PMSHeaders identifies a renderer as a Plex player toward plex.tv and
// the media server.
func PMSHeaders(id Identity, d *dlna.Device) http.Header {
	h := http.Header{}
	h.Set("X-Plex-Client-Identifier", d.UUID)
	h.Set("X-Plex-Device", d.Model)
	h.Set("X-Plex-Device-Name", d.Name)
	h.Set("X-Plex-Platform", id.Platform)
	h.Set("X-Plex-Platform-Version", id.PlatformVersion)
	h.Set("X-Plex-Product", d.Model)
	h.Set("X-Plex-Version", id.Version)
	h.Set("X-Plex-Provides", "player,pubsub-player")
	return h
}

// PMSParams is PMSHeaders flattened into query parameters, the form the
// timeline report endpoint expects.
func PMSParams(id Identity, d *dlna.Device) []Param {
	return []Param{
		{"X-Plex-Client-Identifier", d.UUID},
		{"X-Plex-Device", d.Model},
		{"X-Plex-Device-Name", d.Name},
		{"X-Plex-Platform", id.Platform},
		{"X-Plex-Platform-Version", id.PlatformVersion},
		{"X-Plex-Product", d.Model},
		{"X-Plex-Version", id.Version},
		{"X-Plex-Provides", "player,pubsub-player"},
	}
}

// ResponseHeaders are attached to companion protocol responses so
// controllers can attribute them to the target player.
func ResponseHeaders(id Identity, d *dlna.Device) map[string]string {
	return map[string]string{
		"Accept":                   "*/*",
		"Connection":               "keep-alive",
		"Accept-Language":          "en",
		"X-Plex-Device":            d.Model,
		"X-Plex-Platform":          id.Platform,
		"X-Plex-Platform-Version":  id.PlatformVersion,
		"X-Plex-Product":           d.Model,
		"X-Plex-Version":           id.Version,
		"X-Plex-Client-Identifier": d.UUID,
		"X-Plex-Device-Name":       d.Name,
		"X-Plex-Provides":          "player,pubsub-player",
	}
}

// SubscriberHeaders are sent with timeline pushes to subscribed
// controllers.
func SubscriberHeaders(id Identity, d *dlna.Device) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/xml")
	h.Set("Connection", "Keep-Alive")
	h.Set("X-Plex-Client-Identifier", d.UUID)
	h.Set("X-Plex-Platform", id.Platform)
	h.Set("X-Plex-Platform-Version", id.PlatformVersion)
	h.Set("X-Plex-Product", d.Model)
	h.Set("X-Plex-Version", id.Version)
	h.Set("X-Plex-Device-Name", d.Name)
	h.Set("Accept-Encoding", "gzip, deflate")
	h.Set("Accept-Language", "en,*")
	return h
}

// PollHeaders are attached to long-poll timeline responses; the CORS
// grants let the Plex web app poll the bridge directly.
func PollHeaders(d *dlna.Device) map[string]string {
	return map[string]string{
		"X-Plex-Client-Identifier":      d.UUID,
		"X-Plex-Protocol":               "1.0",
		"Access-Control-Allow-Origin":   "*",
		"Access-Control-Max-Age":        "1209600",
		"Access-Control-Expose-Headers": "X-Plex-Client-Identifier",
		"Content-Type":                  "text/xml;charset=utf-8",
	}
}
