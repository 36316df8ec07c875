// Package settings persists per-device bindings (display alias and plex.tv
// token) in a JSON file keyed by device uuid.
package settings

import (
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/renameio/v2"

	"github.com/strefethen/plex-dlna-bridge/internal/config"
)

// DeviceData is the stored record for one device uuid.
type DeviceData struct {
	Alias string `json:"alias,omitempty"`
	Token string `json:"token,omitempty"`
}

// Store reads and writes the data file. Writes are atomic; a missing or
// malformed file behaves as an empty map. It also carries the bridge's
// advertised host IP, which may be learned at runtime.
type Store struct {
	mu      sync.Mutex
	path    string
	aliases map[string]string
	hostIP  string
}

// NewStore creates a store for cfg.ConfigPath/cfg.DataFileName.
func NewStore(cfg config.Config) *Store {
	return &Store{
		path:    filepath.Join(cfg.ConfigPath, cfg.DataFileName),
		aliases: config.ParseAliases(cfg.Aliases),
		hostIP:  cfg.HostIP,
	}
}

// HostIP returns the advertised LAN address, "" while unknown.
func (s *Store) HostIP() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostIP
}

// SetHostIP records a learned LAN address; an already known address wins.
func (s *Store) SetHostIP(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hostIP != "" || ip == "" {
		return false
	}
	s.hostIP = ip
	log.Printf("SETTINGS: host ip set to %s", ip)
	return true
}

func (s *Store) load() map[string]DeviceData {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return map[string]DeviceData{}
	}
	data := map[string]DeviceData{}
	if err := json.Unmarshal(raw, &data); err != nil {
		log.Printf("SETTINGS: malformed data file %s: %v", s.path, err)
		return map[string]DeviceData{}
	}
	return data
}

func (s *Store) save(data map[string]DeviceData) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(data, "", "    ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(s.path, raw, 0o644)
}

// DeviceName resolves the display name for a device: stored alias first,
// then the configured alias list matched against uuid, name, or ip, then
// the renderer's own friendly name.
func (s *Store) DeviceName(uuid, name, ip string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.load()[uuid]; ok && d.Alias != "" {
		return d.Alias
	}
	for _, key := range []string{uuid, name, ip} {
		if alias, ok := s.aliases[key]; ok {
			return alias
		}
	}
	return name
}

// SaveAlias stores a display alias for the uuid.
func (s *Store) SaveAlias(uuid, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.load()
	d := data[uuid]
	d.Alias = alias
	data[uuid] = d
	return s.save(data)
}

// TokenForUUID returns the stored plex.tv token, or "" when unbound.
func (s *Store) TokenForUUID(uuid string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()[uuid].Token
}

// SaveToken stores the plex.tv token for the uuid.
func (s *Store) SaveToken(uuid, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.load()
	d := data[uuid]
	d.Token = token
	data[uuid] = d
	return s.save(data)
}
