package server

import (
	"embed"
	"html/template"
	"log"
	"net/http"

	"github.com/strefethen/plex-dlna-bridge/internal/apperrors"
	"github.com/strefethen/plex-dlna-bridge/internal/dlna"
)

//go:embed templates/bind.html
var templatesFS embed.FS

var bindTemplate = template.Must(template.ParseFS(templatesFS, "templates/bind.html"))

type bindDevice struct {
	Name  string
	UUID  string
	Pin   string
	PinID string
	Bound bool
}

func (s *Service) bindDevices(r *http.Request) []bindDevice {
	var out []bindDevice
	for _, d := range s.registry.List() {
		adapter := s.adapters.ByDevice(d, nil)
		entry := bindDevice{Name: d.Name, UUID: d.UUID}
		if adapter.BindToken() != "" {
			entry.Bound = true
		} else {
			code, pinID, err := s.pins.GetPin(r.Context(), d)
			if err == nil {
				entry.Pin = code
				entry.PinID = pinID
			}
		}
		out = append(out, entry)
	}
	return out
}

func (s *Service) renderBindPage(w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return bindTemplate.Execute(w, map[string]any{"Devices": s.bindDevices(r)})
}

func (s *Service) handleBindPage(w http.ResponseWriter, r *http.Request) error {
	s.guessHostIP(r)
	return s.renderBindPage(w, r)
}

// handleBindDevice completes a PIN link and/or renames a renderer.
func (s *Service) handleBindDevice(w http.ResponseWriter, r *http.Request) error {
	if err := r.ParseForm(); err != nil {
		return apperrors.NewValidationError("bad form body")
	}
	uuid := r.PostFormValue("uuid")
	device := s.registry.ByUUID(uuid)
	if device == nil {
		return apperrors.NewDeviceNotFound(uuid)
	}
	adapter := s.adapters.ByDevice(device, nil)

	if pinID := r.PostFormValue("pin_id"); pinID != "" {
		token, err := s.pins.CheckPin(r.Context(), pinID, device)
		if err != nil {
			return err
		}
		if token != "" {
			if err := s.store.SaveToken(uuid, token); err != nil {
				return apperrors.NewInternalError("could not persist token")
			}
			if err := adapter.UpdatePlexTVConnection(r.Context()); err != nil {
				return err
			}
		}
	}
	if name := r.PostFormValue("name"); name != "" && name != device.Name {
		s.renameDevice(device, name)
		if err := adapter.UpdatePlexTVConnection(r.Context()); err != nil {
			return err
		}
	}
	return s.renderBindPage(w, r)
}

func (s *Service) renameDevice(d *dlna.Device, name string) {
	d.Name = name
	if err := s.store.SaveAlias(d.UUID, name); err != nil {
		log.Printf("SERVER: save alias for %s failed: %v", d.UUID, err)
	}
}
