package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the bridge configuration.
type Config struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`
	// HostIP is the LAN address advertised to renderers and plex.tv in
	// callback URLs. Empty means guess from the first non-loopback request.
	HostIP  string `yaml:"host_ip"`
	Product string `yaml:"product"`
	// Aliases maps uuid/name/ip to a display name, "k:v,k:v" form.
	Aliases string `yaml:"aliases"`
	// LocationURL pins discovery to a single static description URL.
	LocationURL     string `yaml:"location_url"`
	Platform        string `yaml:"platform"`
	PlatformVersion string `yaml:"platform_version"`
	Version         string `yaml:"version"`

	PlexNotifyInterval time.Duration `yaml:"plex_notify_interval"`

	ConfigPath   string `yaml:"config_path"`
	DataFileName string `yaml:"data_file_name"`

	SSDPSearchIntervalSec  int `yaml:"ssdp_search_interval_sec"`
	SOAPTimeoutMs          int `yaml:"soap_timeout_ms"`
	GENASubscribeSec       int `yaml:"gena_subscribe_sec"`
	PlexTVRefresherEnabled bool `yaml:"plex_tv_refresher_enabled"`
	PMSNotificationsWS     bool `yaml:"pms_notifications_ws"`
}

// Load reads configuration from an optional YAML file (CONFIG_FILE) and
// environment variables; env wins over file, file wins over defaults.
func Load() (Config, error) {
	cfg := Config{
		Host:                   "0.0.0.0",
		HTTPPort:               32488,
		Product:                "Plex DLNA Player",
		Platform:               "Linux",
		PlatformVersion:        "1",
		Version:                "1",
		PlexNotifyInterval:     500 * time.Millisecond,
		ConfigPath:             "config",
		DataFileName:           "data.json",
		SSDPSearchIntervalSec:  30,
		SOAPTimeoutMs:          5000,
		GENASubscribeSec:       120,
		PlexTVRefresherEnabled: true,
		PMSNotificationsWS:     true,
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.Host = envString("HOST", cfg.Host)
	cfg.HTTPPort = envInt("HTTP_PORT", cfg.HTTPPort)
	cfg.HostIP = envString("HOST_IP", cfg.HostIP)
	cfg.Product = envString("PRODUCT", cfg.Product)
	cfg.Aliases = envString("ALIASES", cfg.Aliases)
	cfg.LocationURL = envString("LOCATION_URL", cfg.LocationURL)
	cfg.Platform = envString("PLATFORM", cfg.Platform)
	cfg.PlatformVersion = envString("PLATFORM_VERSION", cfg.PlatformVersion)
	cfg.Version = envString("VERSION", cfg.Version)
	cfg.PlexNotifyInterval = time.Duration(envInt("PLEX_NOTIFY_INTERVAL_MS", int(cfg.PlexNotifyInterval/time.Millisecond))) * time.Millisecond
	cfg.ConfigPath = envString("CONFIG_PATH", cfg.ConfigPath)
	cfg.DataFileName = envString("DATA_FILE_NAME", cfg.DataFileName)
	cfg.SSDPSearchIntervalSec = envInt("SSDP_SEARCH_INTERVAL_SEC", cfg.SSDPSearchIntervalSec)
	cfg.SOAPTimeoutMs = envInt("SOAP_TIMEOUT_MS", cfg.SOAPTimeoutMs)
	cfg.GENASubscribeSec = envInt("GENA_SUBSCRIBE_SEC", cfg.GENASubscribeSec)
	cfg.PlexTVRefresherEnabled = envBool("PLEX_TV_REFRESHER_ENABLED", cfg.PlexTVRefresherEnabled)
	cfg.PMSNotificationsWS = envBool("PMS_NOTIFICATIONS_WS", cfg.PMSNotificationsWS)

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		return Config{}, fmt.Errorf("HTTP_PORT out of range: %d", cfg.HTTPPort)
	}
	if cfg.PlexNotifyInterval <= 0 {
		return Config{}, fmt.Errorf("PLEX_NOTIFY_INTERVAL_MS must be positive")
	}

	return cfg, nil
}

// ParseAliases splits the "k:v,k:v" alias string. Malformed entries are
// skipped.
func ParseAliases(aliases string) map[string]string {
	result := make(map[string]string)
	for _, pair := range strings.Split(aliases, ",") {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			continue
		}
		k := strings.TrimSpace(parts[0])
		v := strings.TrimSpace(parts[1])
		if k == "" || v == "" {
			continue
		}
		result[k] = v
	}
	return result
}

func envString(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func envInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return strings.EqualFold(val, "true")
}
