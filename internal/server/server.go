// Package server wires the bridge together: discovery feeds the device
// registry, adapters bind renderers to Plex sessions, and the chi router
// exposes the companion protocol.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/strefethen/plex-dlna-bridge/internal/api"
	"github.com/strefethen/plex-dlna-bridge/internal/config"
	"github.com/strefethen/plex-dlna-bridge/internal/dlna"
	"github.com/strefethen/plex-dlna-bridge/internal/dlna/discovery"
	"github.com/strefethen/plex-dlna-bridge/internal/dlna/soap"
	"github.com/strefethen/plex-dlna-bridge/internal/dlna/state"
	"github.com/strefethen/plex-dlna-bridge/internal/plex"
	"github.com/strefethen/plex-dlna-bridge/internal/settings"
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// requestLoggerMiddleware logs all incoming HTTP requests
func requestLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		log.Printf("%s %s %d %s", r.Method, r.URL.Path, wrapped.status, time.Since(start).Round(time.Millisecond))
	})
}

// Options controls server wiring.
type Options struct {
	DisableDiscovery bool
	DisableGDM       bool
}

// Service carries the bridge's shared collaborators for the handlers.
type Service struct {
	cfg      config.Config
	store    *settings.Store
	http     *http.Client
	soap     *soap.Client
	registry *dlna.Registry
	adapters *plex.Adapters
	subMan   *plex.SubscribeManager
	gdm      *plex.GDMResponder
	pins     *plex.PinLogin
	clock    clockwork.Clock
	ctx      context.Context
}

// NewHandler builds the HTTP handler and returns a shutdown function.
func NewHandler(cfg config.Config, options Options) (http.Handler, func(context.Context) error, error) {
	store := settings.NewStore(cfg)
	if store.HostIP() == "" {
		if ip := guessOwnIP(); ip != "" {
			store.SetHostIP(ip)
		} else {
			log.Printf("SERVER: could not guess host ip, set HOST_IP or wait for a LAN request")
		}
	}

	httpClient := &http.Client{Timeout: 15 * time.Second}
	soapClient := soap.NewClient(time.Duration(cfg.SOAPTimeoutMs) * time.Millisecond)
	registry := dlna.NewRegistry()
	clock := clockwork.NewRealClock()
	identity := plex.Identity{
		Platform:        cfg.Platform,
		PlatformVersion: cfg.PlatformVersion,
		Version:         cfg.Version,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	adapters := plex.NewAdapters(shutdownCtx, plex.Deps{
		HTTP:     httpClient,
		Store:    store,
		Clock:    clock,
		Identity: identity,
		HTTPPort: cfg.HTTPPort,
	})
	subMan := plex.NewSubscribeManager(registry, adapters, httpClient, identity, cfg.PlexNotifyInterval, clock)

	svc := &Service{
		cfg:      cfg,
		store:    store,
		http:     httpClient,
		soap:     soapClient,
		registry: registry,
		adapters: adapters,
		subMan:   subMan,
		gdm:      plex.NewGDMResponder(registry, identity, cfg.HTTPPort),
		pins:     plex.NewPinLogin(httpClient, identity),
		clock:    clock,
		ctx:      shutdownCtx,
	}

	// Teardown order matters: subscribers hear the disconnect before the
	// adapter and its poll loop go away.
	registry.OnRemove(func(d *dlna.Device) {
		adapter := adapters.Get(d.UUID)
		if adapter == nil {
			return
		}
		adapter.State.Push(state.Update{State: state.Ptr(state.Stopped), URI: state.Ptr("")})
		removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		subMan.NotifyDeviceDisconnected(removeCtx, d)
		subMan.NotifyServerDevice(removeCtx, d, true)
		adapters.Remove(d.UUID)
	})

	if !options.DisableDiscovery {
		disc := discovery.New(func(location string) {
			go svc.onNewLocation(location)
		}, time.Duration(cfg.SSDPSearchIntervalSec)*time.Second, cfg.LocationURL)
		if err := disc.Run(shutdownCtx); err != nil {
			shutdownCancel()
			return nil, nil, err
		}
	}
	if !options.DisableGDM {
		if err := svc.gdm.Run(shutdownCtx); err != nil {
			log.Printf("SERVER: gdm disabled: %v", err)
		}
	}
	go subMan.Run(shutdownCtx)

	cronRunner := cron.New()
	if cfg.PlexTVRefresherEnabled {
		cronRunner.AddFunc("@every 1m", func() {
			refreshCtx, cancel := context.WithTimeout(shutdownCtx, 30*time.Second)
			defer cancel()
			adapters.RefreshPlexTV(refreshCtx)
		})
	}
	cronRunner.Start()

	router := chi.NewRouter()
	router.Use(middleware.StripSlashes)
	router.Use(requestLoggerMiddleware)
	router.Use(api.RequestIDMiddleware)
	router.Use(api.RecovererMiddleware)
	svc.registerRoutes(router)
	router.Handle("/metrics", promhttp.Handler())

	shutdown := func(ctx context.Context) error {
		cronRunner.Stop()
		if ctx == nil {
			ctx = context.Background()
		}
		for _, d := range registry.List() {
			subMan.NotifyDeviceDisconnected(ctx, d)
			registry.Remove(d.UUID)
		}
		shutdownCancel()
		return nil
	}

	return router, shutdown, nil
}

// onNewLocation vets a discovered description URL and brings the
// renderer online as a Plex player.
func (s *Service) onNewLocation(locationURL string) {
	if s.registry.HasLocation(locationURL) {
		return
	}
	log.Printf("SERVER: new location %s", locationURL)
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	device, err := dlna.NewDevice(ctx, locationURL, s.http, s.soap, s.store, s.cfg.Product)
	if err != nil {
		log.Printf("SERVER: skipping %s: %v", locationURL, err)
		return
	}
	log.Printf("SERVER: new device %s (%s)", device.Name, device.UUID)
	s.registry.Add(device)
	device.LoopSubscribe(s.ctx, s.callbackURL(device), s.cfg.GENASubscribeSec)

	adapter := s.adapters.ByDevice(device, nil)
	if s.cfg.PMSNotificationsWS {
		go plex.NewPMSListener(adapter).Run(s.ctx)
	}
	go func() {
		refreshCtx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
		defer cancel()
		if err := adapter.UpdatePlexTVConnection(refreshCtx); err != nil {
			log.Printf("SERVER: plex.tv update for %s failed: %v", device.Name, err)
		}
	}()
	s.gdm.Announce(device)
}

// callbackURL builds the GENA callback for a device; it resolves lazily
// because the host ip may be learned after discovery.
func (s *Service) callbackURL(d *dlna.Device) func() string {
	return func() string {
		ip := s.store.HostIP()
		if ip == "" {
			return ""
		}
		return fmt.Sprintf("http://%s:%d/dlna/callback/%s", ip, s.cfg.HTTPPort, d.UUID)
	}
}

// guessOwnIP resolves the machine's own hostname to a LAN address.
func guessOwnIP() string {
	hostname, err := os.Hostname()
	if err != nil {
		return ""
	}
	addrs, err := net.LookupIP(hostname)
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		if v4 := addr.To4(); v4 != nil && !v4.IsLoopback() {
			return v4.String()
		}
	}
	return ""
}
