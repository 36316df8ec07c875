package dlna

import (
	"log"
	"sync"

	"github.com/strefethen/plex-dlna-bridge/internal/metrics"
)

// Registry is the single owner of live devices, keyed by uuid. Adapters and
// the subscribe manager hold uuids, never device pointers of their own.
type Registry struct {
	mu       sync.RWMutex
	devices  map[string]*Device
	onRemove []func(*Device)
}

func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[string]*Device),
	}
}

// OnRemove registers a teardown hook run (in order) when a device is
// removed. Hooks must be installed before devices are added.
func (r *Registry) OnRemove(hook func(*Device)) {
	r.mu.Lock()
	r.onRemove = append(r.onRemove, hook)
	r.mu.Unlock()
}

// Add registers the device; a device with the same uuid is replaced.
func (r *Registry) Add(d *Device) {
	r.mu.Lock()
	r.devices[d.UUID] = d
	metrics.Devices.Set(float64(len(r.devices)))
	r.mu.Unlock()
	d.OnConnectionLost(func(dev *Device) {
		r.Remove(dev.UUID)
	})
}

// ByUUID returns the device, or nil when unknown.
func (r *Registry) ByUUID(uuid string) *Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices[uuid]
}

// HasLocation reports whether a device with this description URL exists.
func (r *Registry) HasLocation(locationURL string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		if d.LocationURL == locationURL {
			return true
		}
	}
	return false
}

// List returns a snapshot of the registered devices.
func (r *Registry) List() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}

// Remove tears the device down: event subscriptions stop and the removal
// hooks run before the entry is dropped.
func (r *Registry) Remove(uuid string) {
	r.mu.Lock()
	d := r.devices[uuid]
	if d == nil {
		r.mu.Unlock()
		return
	}
	delete(r.devices, uuid)
	metrics.Devices.Set(float64(len(r.devices)))
	hooks := append([]func(*Device){}, r.onRemove...)
	r.mu.Unlock()

	log.Printf("DLNA: removing device %s (%s)", d.Name, uuid)
	d.StopSubscribe()
	for _, hook := range hooks {
		hook(d)
	}
}
