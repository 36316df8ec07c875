package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/strefethen/plex-dlna-bridge/internal/api"
	"github.com/strefethen/plex-dlna-bridge/internal/apperrors"
	"github.com/strefethen/plex-dlna-bridge/internal/dlna"
	"github.com/strefethen/plex-dlna-bridge/internal/plex"
)

const (
	headerTargetID = "X-Plex-Target-Client-Identifier"
	headerClientID = "X-Plex-Client-Identifier"
)

// GENA event delivery uses the NOTIFY method, which chi does not know
// out of the box.
func init() {
	chi.RegisterMethod("NOTIFY")
}

func (s *Service) registerRoutes(router chi.Router) {
	router.Method(http.MethodGet, "/", api.Handler(s.handleBindPage))
	router.Method(http.MethodPost, "/", api.Handler(s.handleBindDevice))
	router.Method("NOTIFY", "/dlna/callback/{uuid}", api.Handler(s.handleDlnaCallback))

	router.Route("/player", func(r chi.Router) {
		r.Method(http.MethodGet, "/playback/playMedia", api.Handler(s.handlePlayMedia))
		r.Method(http.MethodGet, "/playback/refreshPlayQueue", api.Handler(s.handleRefreshPlayQueue))
		r.Method(http.MethodGet, "/playback/play", api.Handler(s.handlePlay))
		r.Method(http.MethodGet, "/playback/pause", api.Handler(s.handlePause))
		r.Method(http.MethodGet, "/playback/stop", api.Handler(s.handleStop))
		r.Method(http.MethodGet, "/playback/skipNext", api.Handler(s.handleSkipNext))
		r.Method(http.MethodGet, "/playback/skipPrevious", api.Handler(s.handleSkipPrevious))
		r.Method(http.MethodGet, "/playback/seekTo", api.Handler(s.handleSeekTo))
		r.Method(http.MethodGet, "/playback/skipTo", api.Handler(s.handleSkipTo))
		r.Method(http.MethodGet, "/playback/setParameters", api.Handler(s.handleSetParameters))
		r.Method(http.MethodGet, "/timeline/poll", api.Handler(s.handleTimelinePoll))
		r.Method(http.MethodGet, "/timeline/subscribe", api.Handler(s.handleTimelineSubscribe))
		r.Method(http.MethodGet, "/timeline/unsubscribe", api.Handler(s.handleTimelineUnsubscribe))
		r.Method(http.MethodGet, "/mirror/details", api.Handler(s.handleMirrorDetails))
	})
	router.Method(http.MethodGet, "/resources", api.Handler(s.handleResources))
}

// guessHostIP learns the bridge's LAN address from the Host header of
// the first request that did not come over loopback.
func (s *Service) guessHostIP(r *http.Request) {
	if s.store.HostIP() != "" {
		return
	}
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.IsLoopback() {
		return
	}
	if s.store.SetHostIP(ip.String()) {
		go func() {
			ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
			defer cancel()
			s.adapters.RefreshPlexTV(ctx)
		}()
	}
}

func (s *Service) targetDevice(r *http.Request) (*dlna.Device, error) {
	uuid := r.Header.Get(headerTargetID)
	if d := s.registry.ByUUID(uuid); d != nil {
		return d, nil
	}
	return nil, apperrors.NewDeviceNotFound(uuid)
}

// updateCommandID records the controller's command id and returns it.
func (s *Service) updateCommandID(r *http.Request) int {
	commandID, _ := strconv.Atoi(r.URL.Query().Get("commandID"))
	s.subMan.UpdateCommandID(r.Header.Get(headerTargetID), r.Header.Get(headerClientID), commandID)
	return commandID
}

func mediaType(r *http.Request) string {
	if t := r.URL.Query().Get("type"); t != "" {
		return t
	}
	return "music"
}

func (s *Service) respond(w http.ResponseWriter, r *http.Request, d *dlna.Device, body string) error {
	var headers map[string]string
	if d != nil {
		headers = plex.ResponseHeaders(s.identity(), d)
	} else {
		headers = map[string]string{
			"Accept":          "*/*",
			"Connection":      "keep-alive",
			"Accept-Language": "en",
		}
		if target := r.Header.Get(headerTargetID); target != "" {
			headers["X-Plex-Client-Identifier"] = target
		}
	}
	return api.WriteXML(w, http.StatusOK, body, headers)
}

func (s *Service) identity() plex.Identity {
	return plex.Identity{
		Platform:        s.cfg.Platform,
		PlatformVersion: s.cfg.PlatformVersion,
		Version:         s.cfg.Version,
	}
}

func (s *Service) handleDlnaCallback(w http.ResponseWriter, r *http.Request) error {
	uuid := chi.URLParam(r, "uuid")
	device := s.registry.ByUUID(uuid)
	if device == nil {
		return apperrors.NewDeviceNotFound(uuid)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return apperrors.NewValidationError("unreadable event body")
	}
	s.adapters.ByDevice(device, nil).HandleEvent(body)
	return s.respond(w, r, device, "")
}

func (s *Service) handlePlayMedia(w http.ResponseWriter, r *http.Request) error {
	s.guessHostIP(r)
	s.updateCommandID(r)
	device, err := s.targetDevice(r)
	if err != nil {
		return err
	}
	query := r.URL.Query()
	adapter := s.adapters.ByDevice(device, query)
	if mediaType(r) != "music" {
		if err := adapter.Stop(r.Context()); err != nil {
			return err
		}
		return s.respond(w, r, device, "")
	}
	offset, _ := strconv.Atoi(query.Get("offset"))
	paused := query.Get("paused") == "1" || strings.EqualFold(query.Get("paused"), "true")
	if err := adapter.PlayMedia(r.Context(), query.Get("containerKey"), offset, paused, query); err != nil {
		return err
	}
	return s.respond(w, r, device, "")
}

func (s *Service) handleRefreshPlayQueue(w http.ResponseWriter, r *http.Request) error {
	s.updateCommandID(r)
	device, err := s.targetDevice(r)
	if err != nil {
		return err
	}
	playQueueID, _ := strconv.ParseInt(r.URL.Query().Get("playQueueID"), 10, 64)
	if err := s.adapters.ByDevice(device, nil).RefreshQueue(r.Context(), playQueueID); err != nil {
		return err
	}
	return s.respond(w, r, device, "")
}

func (s *Service) handlePlay(w http.ResponseWriter, r *http.Request) error {
	s.updateCommandID(r)
	device, err := s.targetDevice(r)
	if err != nil {
		return err
	}
	adapter := s.adapters.ByDevice(device, nil)
	if mediaType(r) == "music" {
		err = adapter.Play(r.Context())
	} else {
		err = adapter.Stop(r.Context())
	}
	if err != nil {
		return err
	}
	return s.respond(w, r, device, "")
}

func (s *Service) handlePause(w http.ResponseWriter, r *http.Request) error {
	s.updateCommandID(r)
	device, err := s.targetDevice(r)
	if err != nil {
		return err
	}
	if mediaType(r) == "music" {
		if err := s.adapters.ByDevice(device, nil).Pause(r.Context()); err != nil {
			return err
		}
	}
	return s.respond(w, r, device, "")
}

func (s *Service) handleStop(w http.ResponseWriter, r *http.Request) error {
	s.guessHostIP(r)
	s.updateCommandID(r)
	if mediaType(r) == "music" {
		device, err := s.targetDevice(r)
		if err != nil {
			return err
		}
		if err := s.adapters.ByDevice(device, nil).Stop(r.Context()); err != nil {
			return err
		}
	}
	return s.respond(w, r, nil, api.XMLOK)
}

func (s *Service) handleSkipNext(w http.ResponseWriter, r *http.Request) error {
	s.updateCommandID(r)
	if mediaType(r) == "music" {
		device, err := s.targetDevice(r)
		if err != nil {
			return err
		}
		if err := s.adapters.ByDevice(device, nil).Next(r.Context(), false); err != nil {
			return err
		}
	}
	return s.respond(w, r, nil, "")
}

func (s *Service) handleSkipPrevious(w http.ResponseWriter, r *http.Request) error {
	s.updateCommandID(r)
	if mediaType(r) == "music" {
		device, err := s.targetDevice(r)
		if err != nil {
			return err
		}
		if err := s.adapters.ByDevice(device, nil).Prev(r.Context()); err != nil {
			return err
		}
	}
	return s.respond(w, r, nil, "")
}

func (s *Service) handleSeekTo(w http.ResponseWriter, r *http.Request) error {
	s.updateCommandID(r)
	if mediaType(r) == "music" {
		device, err := s.targetDevice(r)
		if err != nil {
			return err
		}
		offset, err := strconv.Atoi(r.URL.Query().Get("offset"))
		if err != nil {
			return apperrors.NewValidationError("offset must be an integer")
		}
		if err := s.adapters.ByDevice(device, nil).Seek(r.Context(), offset); err != nil {
			return err
		}
	}
	return s.respond(w, r, nil, "")
}

func (s *Service) handleSkipTo(w http.ResponseWriter, r *http.Request) error {
	s.updateCommandID(r)
	if mediaType(r) == "music" {
		device, err := s.targetDevice(r)
		if err != nil {
			return err
		}
		if err := s.adapters.ByDevice(device, nil).SkipToTrack(r.Context(), r.URL.Query().Get("key")); err != nil {
			return err
		}
	}
	return s.respond(w, r, nil, "")
}

func (s *Service) handleSetParameters(w http.ResponseWriter, r *http.Request) error {
	s.updateCommandID(r)
	if mediaType(r) == "music" {
		device, err := s.targetDevice(r)
		if err != nil {
			return err
		}
		adapter := s.adapters.ByDevice(device, nil)
		query := r.URL.Query()
		if v := query.Get("shuffle"); v != "" {
			shuffle, err := strconv.Atoi(v)
			if err != nil {
				return apperrors.NewValidationError("shuffle must be an integer")
			}
			adapter.SetShuffle(shuffle)
		}
		if v := query.Get("repeat"); v != "" {
			repeat, err := strconv.Atoi(v)
			if err != nil {
				return apperrors.NewValidationError("repeat must be an integer")
			}
			if queue := adapter.Queue(); queue != nil {
				queue.SetRepeat(repeat)
			}
		}
		if v := query.Get("volume"); v != "" {
			volume, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return apperrors.NewValidationError("volume must be a number")
			}
			if err := adapter.SetVolume(r.Context(), int(volume)); err != nil {
				return err
			}
		}
	}
	return s.respond(w, r, nil, "")
}

func (s *Service) handleTimelinePoll(w http.ResponseWriter, r *http.Request) error {
	s.guessHostIP(r)
	commandID := s.updateCommandID(r)
	device, err := s.targetDevice(r)
	if err != nil {
		return err
	}
	device.LoopSubscribe(s.ctx, s.callbackURL(device), s.cfg.GENASubscribeSec)
	adapter := s.adapters.ByDevice(device, nil)

	if r.URL.Query().Get("wait") == "1" {
		adapter.WaitForEvent(r.Context(), s.cfg.PlexNotifyInterval*20, []string{
			plex.FieldState, plex.FieldVolume, plex.FieldURI, plex.FieldElapsedJump,
		})
	}
	msg, ok := s.subMan.MsgForDevice(r.Context(), device)
	for !ok {
		select {
		case <-r.Context().Done():
			return r.Context().Err()
		case <-s.clock.After(s.cfg.PlexNotifyInterval):
		}
		msg, ok = s.subMan.MsgForDevice(r.Context(), device)
	}

	go func() {
		notifyCtx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		defer cancel()
		s.subMan.NotifyServerDevice(notifyCtx, device, true)
	}()
	return api.WriteXML(w, http.StatusOK, plex.RenderTimeline(msg, commandID), plex.PollHeaders(device))
}

func (s *Service) handleTimelineSubscribe(w http.ResponseWriter, r *http.Request) error {
	s.guessHostIP(r)
	device, err := s.targetDevice(r)
	if err != nil {
		return err
	}
	query := r.URL.Query()
	port, err := strconv.Atoi(query.Get("port"))
	if err != nil {
		return apperrors.NewValidationError("port must be an integer")
	}
	commandID, _ := strconv.Atoi(query.Get("commandID"))
	host := r.RemoteAddr
	if h, _, splitErr := net.SplitHostPort(host); splitErr == nil {
		host = h
	}
	s.subMan.AddSubscriber(device.UUID, r.Header.Get(headerClientID), host, port, query.Get("protocol"), commandID)
	return s.respond(w, r, nil, api.XMLOK)
}

func (s *Service) handleTimelineUnsubscribe(w http.ResponseWriter, r *http.Request) error {
	s.guessHostIP(r)
	s.updateCommandID(r)
	s.subMan.RemoveSubscriber(r.Header.Get(headerClientID), r.Header.Get(headerTargetID))
	return s.respond(w, r, nil, api.XMLOK)
}

func (s *Service) handleResources(w http.ResponseWriter, r *http.Request) error {
	s.guessHostIP(r)
	devices := s.registry.List()
	if target := r.Header.Get(headerTargetID); target != "" {
		d := s.registry.ByUUID(target)
		if d == nil {
			return apperrors.NewDeviceNotFound(target)
		}
		devices = []*dlna.Device{d}
	}

	var b strings.Builder
	b.WriteString("<MediaContainer>")
	for _, d := range devices {
		b.WriteString(fmt.Sprintf(
			`<Player title=%q protocol="plex" protocolVersion="1" `+
				`protocolCapabilities="timeline,playback,playqueues" `+
				`machineIdentifier=%q product=%q platform=%q `+
				`platformVersion=%q version=%q deviceClass="stb"/>`,
			d.Name, d.UUID, d.Model, s.cfg.Platform, s.cfg.PlatformVersion, s.cfg.Version))
	}
	b.WriteString("</MediaContainer>")

	var device *dlna.Device
	if len(devices) == 1 {
		device = devices[0]
	}
	return s.respond(w, r, device, b.String())
}

func (s *Service) handleMirrorDetails(w http.ResponseWriter, r *http.Request) error {
	if _, err := s.targetDevice(r); err != nil {
		return err
	}
	return s.respond(w, r, nil, "")
}
