// Package plex implements the player side of the Plex companion
// protocol: play queues, the per-renderer adapter, timeline fan-out to
// controllers and the media server, GDM announcement, and PIN linking.
package plex

import (
	"net/url"
	"sync"
)

// Library identifies the Plex Media Server a playback session came from.
// Controllers send its coordinates on playMedia; later commands reuse it.
type Library struct {
	mu        sync.Mutex
	protocol  string
	address   string
	port      string
	token     string
	machineID string
}

// UpdateFromQuery merges PMS coordinates out of a controller request's
// query parameters. Absent parameters keep their current value.
func (l *Library) UpdateFromQuery(q url.Values) {
	if q == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if v := q.Get("protocol"); v != "" {
		l.protocol = v
	}
	if v := q.Get("address"); v != "" {
		l.address = v
	}
	if v := q.Get("port"); v != "" {
		l.port = v
	}
	if v := q.Get("token"); v != "" {
		l.token = v
	}
	if v := q.Get("machineIdentifier"); v != "" {
		l.machineID = v
	}
}

// BuildURL resolves a PMS resource path to an absolute URL, appending the
// access token unless withToken is false.
func (l *Library) BuildURL(resource string, withToken bool) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	u := l.protocol + "://" + l.address + ":" + l.port + resource
	if withToken {
		sep := "?"
		if containsQuery(resource) {
			sep = "&"
		}
		u += sep + "X-Plex-Token=" + l.token
	}
	return u
}

func containsQuery(resource string) bool {
	for i := 0; i < len(resource); i++ {
		if resource[i] == '?' {
			return true
		}
	}
	return false
}

// TimelineURL is the PMS timeline report endpoint, without a token; the
// token travels in the query parameters instead.
func (l *Library) TimelineURL() string {
	return l.BuildURL("/:/timeline", false)
}

// NotificationsWSURL is the PMS websocket notification feed, "" until
// the PMS coordinates are known.
func (l *Library) NotificationsWSURL() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.address == "" || l.port == "" {
		return ""
	}
	scheme := "ws"
	if l.protocol == "https" {
		scheme = "wss"
	}
	return scheme + "://" + l.address + ":" + l.port + "/:/websockets/notifications?X-Plex-Token=" + l.token
}

// Token returns the PMS access token.
func (l *Library) Token() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.token
}

// Info returns the PMS coordinates reported back in timeline states.
func (l *Library) Info() []Param {
	l.mu.Lock()
	defer l.mu.Unlock()
	return []Param{
		{"protocol", l.protocol},
		{"address", l.address},
		{"port", l.port},
		{"machineIdentifier", l.machineID},
	}
}

// Param is an ordered key/value pair used for timeline attributes and
// PMS query strings.
type Param struct {
	Key   string
	Value string
}
