package plex

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/strefethen/plex-dlna-bridge/internal/dlna"
	"github.com/strefethen/plex-dlna-bridge/internal/metrics"
)

// Subscriber is one controller that asked for timeline pushes for a
// target renderer.
type Subscriber struct {
	UUID     string
	Host     string
	Port     int
	Protocol string

	mu        sync.Mutex
	commandID int
}

func newSubscriber(uuid, host string, port int, protocol string, commandID int) *Subscriber {
	return &Subscriber{
		UUID:      uuid,
		Host:      host,
		Port:      port,
		Protocol:  protocol,
		commandID: commandID,
	}
}

// CommandID returns the last command id the controller reported.
func (s *Subscriber) CommandID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commandID
}

// SetCommandID records the controller's latest command id.
func (s *Subscriber) SetCommandID(id int) {
	s.mu.Lock()
	s.commandID = id
	s.mu.Unlock()
}

func (s *Subscriber) timelineURL() string {
	return fmt.Sprintf("%s://%s:%d/:/timeline", s.Protocol, s.Host, s.Port)
}

// SubscribeManager fans timeline state out to subscribed controllers and
// reports it upstream to the media server.
type SubscribeManager struct {
	registry *dlna.Registry
	adapters *Adapters
	http     *http.Client
	id       Identity
	interval time.Duration
	clock    clockwork.Clock

	mu              sync.Mutex
	subscribers     map[string][]*Subscriber
	lastServerState map[string]string
}

// NewSubscribeManager wires the fan-out loop. interval is the base push
// cadence.
func NewSubscribeManager(registry *dlna.Registry, adapters *Adapters, httpClient *http.Client, id Identity, interval time.Duration, clock clockwork.Clock) *SubscribeManager {
	return &SubscribeManager{
		registry:        registry,
		adapters:        adapters,
		http:            httpClient,
		id:              id,
		interval:        interval,
		clock:           clock,
		subscribers:     make(map[string][]*Subscriber),
		lastServerState: make(map[string]string),
	}
}

// GetSubscriber returns the subscription of a controller to a target
// renderer, nil when absent.
func (m *SubscribeManager) GetSubscriber(targetUUID, clientUUID string) *Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subscribers[targetUUID] {
		if s.UUID == clientUUID {
			return s
		}
	}
	return nil
}

// UpdateCommandID records the controller's command id if it is
// subscribed.
func (m *SubscribeManager) UpdateCommandID(targetUUID, clientUUID string, commandID int) {
	if s := m.GetSubscriber(targetUUID, clientUUID); s != nil {
		s.SetCommandID(commandID)
	}
}

// AddSubscriber registers (or refreshes) a controller's subscription to
// a target renderer. A subscription whose endpoint moved is replaced.
func (m *SubscribeManager) AddSubscriber(targetUUID, clientUUID, host string, port int, protocol string, commandID int) {
	if protocol == "" {
		protocol = "http"
	}
	if existing := m.GetSubscriber(targetUUID, clientUUID); existing != nil {
		if existing.Host == host && existing.Port == port && existing.Protocol == protocol {
			existing.SetCommandID(commandID)
			return
		}
		m.RemoveSubscriber(clientUUID, "")
	}
	log.Printf("SUB: add %s to %s", clientUUID, targetUUID)
	m.mu.Lock()
	m.subscribers[targetUUID] = append(m.subscribers[targetUUID], newSubscriber(clientUUID, host, port, protocol, commandID))
	m.mu.Unlock()
	m.updateSubscriberGauge()
}

// RemoveSubscriber drops a controller's subscription. An empty
// targetUUID drops it from every renderer. When a renderer loses its
// last subscriber, its GENA renewal loop is stopped too.
func (m *SubscribeManager) RemoveSubscriber(clientUUID, targetUUID string) {
	log.Printf("SUB: remove %s from %q", clientUUID, targetUUID)
	m.mu.Lock()
	targets := []string{targetUUID}
	if targetUUID == "" {
		targets = targets[:0]
		for t := range m.subscribers {
			targets = append(targets, t)
		}
	}
	var emptied []string
	for _, t := range targets {
		list := m.subscribers[t]
		for i, s := range list {
			if s.UUID == clientUUID {
				m.subscribers[t] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(m.subscribers[t]) == 0 {
			emptied = append(emptied, t)
		}
	}
	m.mu.Unlock()
	m.updateSubscriberGauge()

	for _, t := range emptied {
		if d := m.registry.ByUUID(t); d != nil {
			d.StopSubscribe()
		}
	}
}

// Subscribers returns a snapshot of the target's subscriber list.
func (m *SubscribeManager) Subscribers(targetUUID string) []*Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Subscriber{}, m.subscribers[targetUUID]...)
}

func (m *SubscribeManager) updateSubscriberGauge() {
	m.mu.Lock()
	total := 0
	for _, l := range m.subscribers {
		total += len(l)
	}
	m.mu.Unlock()
	metrics.TimelineSubscribers.Set(float64(total))
}

// MsgForDevice renders the timeline message for a renderer. ok is false
// while notifications are suppressed around an auto-advance.
func (m *SubscribeManager) MsgForDevice(ctx context.Context, d *dlna.Device) (msg string, ok bool) {
	adapter := m.adapters.ByDevice(d, nil)
	if adapter.NoNotice() {
		return "", false
	}
	params, err := adapter.StateParams(ctx)
	if err != nil {
		log.Printf("SUB: %s state params: %v", d.Name, err)
		return TimelineStopped, true
	}
	if params == nil {
		return TimelineStopped, true
	}
	params = append(params, Param{"itemType", "music"})
	return RenderPlayingTimeline(params), true
}

// NotifyDevice pushes the renderer's current timeline to each of its
// subscribers.
func (m *SubscribeManager) NotifyDevice(ctx context.Context, d *dlna.Device) {
	subs := m.Subscribers(d.UUID)
	adapter := m.adapters.ByDevice(d, nil)
	if adapter.NoNotice() {
		log.Printf("SUB: skip notice for %s", d.Name)
		return
	}
	msg, ok := m.MsgForDevice(ctx, d)
	if !ok {
		return
	}
	metrics.TimelineNotifies.Add(float64(len(subs)))
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *Subscriber) {
			defer wg.Done()
			m.send(ctx, sub, msg, d)
		}(sub)
	}
	wg.Wait()
}

// NotifyDeviceDisconnected sends the final disconnect timeline and drops
// the renderer's subscribers.
func (m *SubscribeManager) NotifyDeviceDisconnected(ctx context.Context, d *dlna.Device) {
	subs := m.Subscribers(d.UUID)
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *Subscriber) {
			defer wg.Done()
			m.send(ctx, sub, TimelineDisconnected, d)
		}(sub)
	}
	wg.Wait()
	for _, sub := range subs {
		m.RemoveSubscriber(sub.UUID, d.UUID)
	}
}

// send delivers one timeline message; an unreachable subscriber is
// dropped.
func (m *SubscribeManager) send(ctx context.Context, sub *Subscriber, msg string, d *dlna.Device) {
	body := RenderTimeline(msg, sub.CommandID())
	sendCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, sub.timelineURL(), strings.NewReader(body))
	if err != nil {
		return
	}
	req.Header = SubscriberHeaders(m.id, d)
	resp, err := m.http.Do(req)
	if err == nil {
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode < 300 {
			return
		}
		err = fmt.Errorf("http %s", resp.Status)
	}
	log.Printf("SUB: send to %s:%d failed: %v", sub.Host, sub.Port, err)
	m.RemoveSubscriber(sub.UUID, "")
}

// NotifyServerDevice reports the renderer's timeline to the media
// server. Repeated stopped states are deduplicated unless forced.
func (m *SubscribeManager) NotifyServerDevice(ctx context.Context, d *dlna.Device, force bool) {
	if !force && len(m.Subscribers(d.UUID)) == 0 {
		return
	}
	adapter := m.adapters.ByDevice(d, nil)
	if adapter.Queue() == nil {
		return
	}
	if adapter.NoNotice() && !force {
		log.Printf("SUB: skip server notice for %s", d.Name)
		return
	}
	plexState := adapter.PlexState()
	if plexState == "" {
		return
	}
	m.mu.Lock()
	lastState := m.lastServerState[d.UUID]
	m.mu.Unlock()
	if !force && lastState == "stopped" && plexState == "stopped" {
		return
	}
	m.mu.Lock()
	m.lastServerState[d.UUID] = plexState
	m.mu.Unlock()

	params, err := adapter.PMSParams(ctx)
	if err != nil || params == nil {
		return
	}
	query := url.Values{}
	for _, p := range params {
		query.Set(p.Key, p.Value)
	}
	for _, p := range PMSParams(m.id, d) {
		query.Set(p.Key, p.Value)
	}
	endpoint := adapter.Lib.TimelineURL() + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return
	}
	resp, err := m.http.Do(req)
	if err != nil {
		log.Printf("SUB: notify server for %s failed: %v", d.Name, err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		log.Printf("SUB: notify server for %s: http %s", d.Name, resp.Status)
	}
}

// Notify runs one fan-out round: server reports first, then subscriber
// pushes.
func (m *SubscribeManager) Notify(ctx context.Context) {
	for _, d := range m.registry.List() {
		m.NotifyServerDevice(ctx, d, false)
	}
	var wg sync.WaitGroup
	for _, d := range m.registry.List() {
		wg.Add(1)
		go func(d *dlna.Device) {
			defer wg.Done()
			m.NotifyDevice(ctx, d)
		}(d)
	}
	wg.Wait()
}

// Run drives the fan-out loop until ctx is done. Between rounds it
// sleeps the base interval, then waits up to ten intervals for a state
// change on any renderer with subscribers before pushing again.
func (m *SubscribeManager) Run(ctx context.Context) {
	m.Notify(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.interval):
		}

		waitTimeout := m.interval * 10
		m.mu.Lock()
		var targets []*dlna.Device
		var gone []string
		for uuid, list := range m.subscribers {
			if len(list) == 0 {
				continue
			}
			if d := m.registry.ByUUID(uuid); d != nil {
				targets = append(targets, d)
			} else {
				gone = append(gone, uuid)
			}
		}
		for _, uuid := range gone {
			delete(m.subscribers, uuid)
		}
		m.mu.Unlock()

		if len(targets) > 0 {
			m.waitForAnyChange(ctx, targets, waitTimeout)
		} else {
			continue
		}
		m.Notify(ctx)
	}
}

// waitForAnyChange blocks until the first of the targets reports a state
// change, or the timeout passes.
func (m *SubscribeManager) waitForAnyChange(ctx context.Context, targets []*dlna.Device, timeout time.Duration) {
	fired := make(chan struct{}, len(targets))
	for _, d := range targets {
		adapter := m.adapters.ByDevice(d, nil)
		go func(a *Adapter) {
			a.WaitForEvent(ctx, timeout, nil)
			fired <- struct{}{}
		}(adapter)
	}
	select {
	case <-fired:
	case <-ctx.Done():
	}
}
