package plex

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/strefethen/plex-dlna-bridge/internal/apperrors"
	"github.com/strefethen/plex-dlna-bridge/internal/dlna"
	"github.com/strefethen/plex-dlna-bridge/internal/dlna/state"
	"github.com/strefethen/plex-dlna-bridge/internal/settings"
)

// A change notification satisfies at most maxWaiters pending long-polls;
// the newest waiter above the cap is released immediately instead of
// queueing.
const maxWaiters = 3

// Waiter field selectors.
const (
	FieldState       = "state"
	FieldVolume      = "volume"
	FieldURI         = "uri"
	FieldElapsedJump = "elapsed_jump"
)

type waiter struct {
	ch     chan struct{}
	fields []string
	done   bool
}

func (w *waiter) release() {
	if !w.done {
		w.done = true
		close(w.ch)
	}
}

func (w *waiter) matches(cs *state.ChangeSet) bool {
	if len(w.fields) == 0 {
		return true
	}
	for _, f := range w.fields {
		switch f {
		case FieldState:
			if cs.State != nil {
				return true
			}
		case FieldVolume:
			if cs.Volume != nil {
				return true
			}
		case FieldURI:
			if cs.URI != nil {
				return true
			}
		case FieldElapsedJump:
			if cs.ElapsedJump() {
				return true
			}
		}
	}
	return false
}

// Adapter binds one DLNA renderer to a Plex playback session: it owns the
// play queue, translates companion commands to SOAP actions, and derives
// Plex timeline state from the renderer's poll loop.
type Adapter struct {
	Device *dlna.Device
	Lib    *Library
	State  *state.Engine

	id       Identity
	http     *http.Client
	store    *settings.Store
	clock    clockwork.Clock
	httpPort int
	ctx      context.Context
	cancel   context.CancelFunc

	mu           sync.Mutex
	queue        *PlayQueue
	shuffle      int
	noNotice     bool
	bindToken    string
	currentTrack *Track
	waiters      []*waiter
}

func newAdapter(ctx context.Context, d *dlna.Device, deps Deps) *Adapter {
	adapterCtx, cancel := context.WithCancel(ctx)
	a := &Adapter{
		Device:   d,
		Lib:      &Library{},
		id:       deps.Identity,
		http:     deps.HTTP,
		store:    deps.Store,
		clock:    deps.Clock,
		httpPort: deps.HTTPPort,
		ctx:      adapterCtx,
		cancel:   cancel,
	}
	a.bindToken = deps.Store.TokenForUUID(d.UUID)
	a.State = state.New(d.Name, d, d.VolumeMax, d.VolumeMin, deps.Clock, a.onStateChanged)
	go a.State.Run(adapterCtx)
	log.Printf("PLEX: adapter created for %s", d.Name)
	return a
}

// Close stops the poll loop and drops the queue.
func (a *Adapter) Close() {
	a.cancel()
	a.mu.Lock()
	a.queue = nil
	waiters := a.waiters
	a.waiters = nil
	a.mu.Unlock()
	for _, w := range waiters {
		w.release()
	}
}

// Queue returns the bound play queue, nil when nothing was played yet.
func (a *Adapter) Queue() *PlayQueue {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queue
}

// Shuffle returns the shuffle flag last set by a controller.
func (a *Adapter) Shuffle() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shuffle
}

// SetShuffle sets the shuffle flag.
func (a *Adapter) SetShuffle(v int) {
	a.mu.Lock()
	a.shuffle = v
	a.mu.Unlock()
}

// NoNotice reports whether timeline notifications are momentarily
// suppressed around an auto-advance.
func (a *Adapter) NoNotice() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.noNotice
}

func (a *Adapter) setNoNotice(v bool) {
	a.mu.Lock()
	a.noNotice = v
	a.mu.Unlock()
}

// BindToken returns the plex.tv token the renderer is linked with,
// reloading from the store when unset.
func (a *Adapter) BindToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bindToken == "" {
		a.bindToken = a.store.TokenForUUID(a.Device.UUID)
	}
	return a.bindToken
}

func (a *Adapter) currentTrackInfo() *Track {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentTrack
}

func (a *Adapter) setCurrentTrack(t *Track) {
	a.mu.Lock()
	a.currentTrack = t
	a.mu.Unlock()
}

// PlayMedia starts playback of a fresh play queue.
func (a *Adapter) PlayMedia(ctx context.Context, containerKey string, offsetMS int, paused bool, query url.Values) error {
	a.Lib.UpdateFromQuery(query)
	a.State.Push(state.Update{URI: state.Ptr("")})
	queue := NewPlayQueue(a.Lib, a.http, containerKey)
	if err := queue.Load(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	a.queue = queue
	a.mu.Unlock()
	return a.PlaySelected(ctx, offsetMS, paused)
}

// PlaySelected loads the queue's selected item into the renderer's
// transport and starts it.
func (a *Adapter) PlaySelected(ctx context.Context, offsetMS int, paused bool) error {
	queue := a.Queue()
	if queue == nil {
		return apperrors.NewAppError(apperrors.ErrorCodeQueueMissing, "no play queue loaded", 400)
	}
	a.State.Push(state.Update{State: state.Ptr(state.Transitioning)})
	a.State.CheckAllNextLoop()

	track, err := queue.SelectedTrack(ctx)
	if err != nil {
		return err
	}
	mediaURL, err := queue.URLForTrack(track)
	if err != nil {
		return err
	}
	// Re-setting the same transport URI does not produce a uri change,
	// so force the poll loop to report it as one.
	if mediaURL == a.State.URI() {
		a.State.Push(state.Update{URI: state.Ptr("")})
	}
	if _, err := a.Device.CallValue(ctx, "SetAVTransportURI", mediaURL); err != nil {
		return err
	}
	a.setCurrentTrack(track)
	if offsetMS != 0 {
		if err := a.Seek(ctx, offsetMS); err != nil {
			return err
		}
	}
	if paused {
		return a.Pause(ctx)
	}
	a.clock.Sleep(time.Second)
	if a.State.State() != state.Playing {
		return a.Play(ctx)
	}
	return nil
}

// Play resumes playback.
func (a *Adapter) Play(ctx context.Context) error {
	_, err := a.Device.Call(ctx, "Play", nil)
	a.State.CheckAllNextLoop()
	return err
}

// Pause pauses playback with an optimistic local state change.
func (a *Adapter) Pause(ctx context.Context) error {
	a.State.Push(state.Update{State: state.Ptr(state.Paused)})
	_, err := a.Device.Call(ctx, "Pause", nil)
	a.State.CheckAllNextLoop()
	return err
}

// Stop halts playback and forgets the current track.
func (a *Adapter) Stop(ctx context.Context) error {
	a.State.Push(state.Update{State: state.Ptr(state.Stopped), URI: state.Ptr("")})
	a.setCurrentTrack(nil)
	_, err := a.Device.Call(ctx, "Stop", nil)
	a.State.CheckAllNextLoop()
	return err
}

// Prev restarts the current track, or moves to the previous one within
// the first five seconds.
func (a *Adapter) Prev(ctx context.Context) error {
	if a.State.Elapsed() <= 5*1000 {
		return a.Next(ctx, true)
	}
	return a.Seek(ctx, 0)
}

// Next advances the queue selection (backwards when revert is set) and
// plays it; walking off either end stops playback.
func (a *Adapter) Next(ctx context.Context, revert bool) error {
	queue := a.Queue()
	if queue == nil {
		return apperrors.NewAppError(apperrors.ErrorCodeQueueMissing, "no play queue loaded", 400)
	}
	direction := 1
	if revert {
		direction = -1
	}
	offset := queue.SelectedOffset()
	if a.Shuffle() > 0 && queue.AllowShuffle() && queue.TotalCount() > 0 {
		offset = rand.Intn(queue.TotalCount())
	} else {
		offset += direction
	}
	if offset < 0 || (!queue.Unbounded() && offset >= queue.TotalCount()) {
		return a.Stop(ctx)
	}
	a.State.Push(state.Update{State: state.Ptr(state.Transitioning)})
	log.Printf("PLEX: %s will play position %d", a.Device.Name, offset)
	if err := queue.SetSelectedOffset(ctx, offset); err != nil {
		return err
	}
	return a.PlaySelected(ctx, 0, false)
}

// SkipToTrack selects a queue item by metadata key and plays it.
func (a *Adapter) SkipToTrack(ctx context.Context, key string) error {
	queue := a.Queue()
	if queue == nil {
		return apperrors.NewAppError(apperrors.ErrorCodeQueueMissing, "no play queue loaded", 400)
	}
	a.State.Push(state.Update{State: state.Ptr(state.Transitioning)})
	if err := queue.SelectTrackKey(ctx, key); err != nil {
		return err
	}
	return a.PlaySelected(ctx, 0, false)
}

// Seek jumps to a position within the current track.
func (a *Adapter) Seek(ctx context.Context, offsetMS int) error {
	_, err := a.Device.CallValue(ctx, "Seek", dlna.FormatClock(time.Duration(offsetMS)*time.Millisecond))
	return err
}

// RefreshQueue refetches the play queue after a server-side edit and
// releases every pending long-poll.
func (a *Adapter) RefreshQueue(ctx context.Context, playQueueID int64) error {
	queue := a.Queue()
	if queue == nil {
		return apperrors.NewAppError(apperrors.ErrorCodeQueueMissing, "no play queue loaded", 400)
	}
	if err := queue.Refresh(ctx, playQueueID); err != nil {
		return err
	}
	a.wakeAllWaiters()
	return nil
}

// SetVolume sets the renderer volume from the Plex 0..100 scale.
func (a *Adapter) SetVolume(ctx context.Context, volume int) error {
	native := dlna.ConvertVolume(volume, 100, 0, a.Device.VolumeMax, a.Device.VolumeMin, a.Device.VolumeStep)
	_, err := a.Device.CallValue(ctx, "SetVolume", strconv.Itoa(native))
	a.State.CheckAllNextLoop()
	return err
}

// Volume reads the renderer volume on the Plex 0..100 scale.
func (a *Adapter) Volume(ctx context.Context) (int, error) {
	values, err := a.Device.Call(ctx, "GetVolume", nil)
	if err != nil || values == nil {
		return 0, err
	}
	raw, err := strconv.Atoi(values["CurrentVolume"])
	if err != nil {
		return 0, err
	}
	return dlna.ConvertVolume(raw, a.Device.VolumeMax, a.Device.VolumeMin, 100, 0, 1), nil
}

// Elapsed reads the current track position in milliseconds.
func (a *Adapter) Elapsed(ctx context.Context) (int, error) {
	values, err := a.Device.Call(ctx, "GetPositionInfo", nil)
	if err != nil || values == nil {
		return 0, err
	}
	d, err := dlna.ParseClock(values["RelTime"])
	if err != nil {
		return 0, nil
	}
	return int(d / time.Millisecond), nil
}

// WaitForEvent blocks until a state change matching the field selectors
// arrives, the timeout passes, or ctx is done.
func (a *Adapter) WaitForEvent(ctx context.Context, timeout time.Duration, fields []string) {
	w := &waiter{ch: make(chan struct{}), fields: fields}
	a.mu.Lock()
	a.waiters = append(a.waiters, w)
	if len(a.waiters) > maxWaiters {
		last := a.waiters[len(a.waiters)-1]
		a.waiters = a.waiters[:len(a.waiters)-1]
		last.release()
	}
	a.mu.Unlock()

	select {
	case <-w.ch:
	case <-ctx.Done():
	case <-a.clock.After(timeout):
	}
}

func (a *Adapter) wakeAllWaiters() {
	a.mu.Lock()
	waiters := a.waiters
	a.waiters = nil
	a.mu.Unlock()
	for _, w := range waiters {
		w.release()
	}
}

func (a *Adapter) notifyWaiters(cs *state.ChangeSet) {
	a.mu.Lock()
	remaining := a.waiters[:0]
	var released []*waiter
	for _, w := range a.waiters {
		if w.matches(cs) {
			released = append(released, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	a.waiters = remaining
	a.mu.Unlock()
	for _, w := range released {
		w.release()
	}
}

// onStateChanged runs on the poll loop goroutine.
func (a *Adapter) onStateChanged(cs *state.ChangeSet) {
	elapsedOnly := cs.Elapsed != nil && cs.State == nil && cs.URI == nil &&
		cs.Volume == nil && cs.Duration == nil && cs.Muted == nil
	if !elapsedOnly || cs.ElapsedJump() {
		log.Printf("PLEX: %s state change %s", a.Device.Name, describeChange(cs))
	}
	if a.checkAutoNext(cs) {
		return
	}
	a.notifyWaiters(cs)
}

func describeChange(cs *state.ChangeSet) string {
	var parts []string
	if cs.State != nil {
		parts = append(parts, fmt.Sprintf("state %s->%s", cs.State.Old, cs.State.New))
	}
	if cs.URI != nil {
		parts = append(parts, fmt.Sprintf("uri %q->%q", cs.URI.Old, cs.URI.New))
	}
	if cs.Elapsed != nil {
		parts = append(parts, fmt.Sprintf("elapsed %d->%d", cs.Elapsed.Old, cs.Elapsed.New))
	}
	if cs.Volume != nil {
		parts = append(parts, fmt.Sprintf("volume %d->%d", cs.Volume.Old, cs.Volume.New))
	}
	if cs.Duration != nil {
		parts = append(parts, fmt.Sprintf("duration %d->%d", cs.Duration.Old, cs.Duration.New))
	}
	if cs.Muted != nil {
		parts = append(parts, fmt.Sprintf("muted %s->%s", cs.Muted.Old, cs.Muted.New))
	}
	return strings.Join(parts, " ")
}

// checkAutoNext recognizes the end of a track from the poll deltas and
// advances the queue. DLNA renderers do not announce track completion;
// it shows up either as elapsed wrapping to zero near the duration, or
// as a PLAYING to STOPPED flip with the position at the end.
func (a *Adapter) checkAutoNext(cs *state.ChangeSet) bool {
	queue := a.Queue()
	if queue == nil {
		return false
	}
	if cs.State != nil && cs.State.New != state.Playing && cs.State.Old == state.Transitioning {
		return false
	}

	track := a.currentTrackInfo()
	trigger := false
	switch {
	case a.State.URI() != "" && cs.State == nil && cs.URI == nil && track != nil && cs.Elapsed != nil:
		endedAndWrapped := cs.Elapsed.New == 0 && cs.Elapsed.Old > 0 &&
			cs.Elapsed.Old <= track.Duration && track.Duration-cs.Elapsed.Old <= 2000
		ranIntoEnd := cs.Elapsed.New != 0 && cs.Elapsed.New > cs.Elapsed.Old &&
			track.Duration/1000*1000 <= cs.Elapsed.New && cs.Elapsed.New <= track.Duration
		if endedAndWrapped || ranIntoEnd {
			log.Printf("PLEX: %s auto next, elapsed %d -> %d of %d",
				a.Device.Name, cs.Elapsed.Old, cs.Elapsed.New, track.Duration)
			trigger = true
		}
	case cs.URI == nil && cs.State != nil && cs.State.Old == state.Playing && cs.State.New == state.Stopped &&
		a.State.Duration()-a.State.Elapsed() <= 1:
		log.Printf("PLEX: %s auto next on %s -> %s at track end", a.Device.Name, cs.State.Old, cs.State.New)
		trigger = true
	}
	if !trigger {
		return false
	}

	a.setNoNotice(true)
	a.State.Push(state.Update{State: state.Ptr(state.Transitioning), URI: state.Ptr("")})
	go a.autoNext()
	a.setNoNotice(false)
	return true
}

func (a *Adapter) autoNext() {
	queue := a.Queue()
	if queue == nil {
		return
	}
	var err error
	switch {
	case queue.Repeat() == 1:
		err = a.PlaySelected(a.ctx, 0, false)
	case queue.Repeat() == 2 && !queue.Unbounded() &&
		queue.SelectedOffset() >= queue.TotalCount()-1 && a.Shuffle() == 0:
		if err = queue.SetSelectedOffset(a.ctx, 0); err == nil {
			err = a.PlaySelected(a.ctx, 0, false)
		}
	default:
		err = a.Next(a.ctx, false)
	}
	if err != nil {
		log.Printf("PLEX: %s auto next failed: %v", a.Device.Name, err)
	}
}

type eventPropertySet struct {
	Properties []struct {
		LastChange string `xml:"LastChange"`
	} `xml:"property"`
}

type eventValue struct {
	Val string `xml:"val,attr"`
}

type lastChangeEvent struct {
	InstanceID struct {
		TransportState       eventValue `xml:"TransportState"`
		AVTransportURI       eventValue `xml:"AVTransportURI"`
		RelativeTimePosition eventValue `xml:"RelativeTimePosition"`
	} `xml:"InstanceID"`
}

// HandleEvent ingests a GENA NOTIFY body. Empty attributes keep their
// current value; a notice carrying nothing is dropped.
func (a *Adapter) HandleEvent(body []byte) {
	var props eventPropertySet
	if err := xml.Unmarshal(body, &props); err != nil {
		log.Printf("PLEX: %s bad event body: %v", a.Device.Name, err)
		return
	}
	var change string
	for _, p := range props.Properties {
		if p.LastChange != "" {
			change = p.LastChange
			break
		}
	}
	if change == "" {
		return
	}
	var event lastChangeEvent
	if err := xml.Unmarshal([]byte(change), &event); err != nil {
		log.Printf("PLEX: %s bad LastChange event: %v", a.Device.Name, err)
		return
	}
	st := event.InstanceID.TransportState.Val
	uri := event.InstanceID.AVTransportURI.Val
	pos := event.InstanceID.RelativeTimePosition.Val
	if st == "" && uri == "" && pos == "" {
		return
	}
	u := state.Update{}
	if st != "" {
		u.State = state.Ptr(st)
	}
	if uri != "" {
		u.URI = state.Ptr(uri)
	}
	if pos != "" {
		if d, err := dlna.ParseClock(pos); err == nil {
			u.Elapsed = state.Ptr(int(d / time.Millisecond))
		}
	}
	a.State.Push(u)
}

// UpdatePlexTVConnection advertises the bridge's address for this
// renderer on plex.tv, keeping the remote control path alive.
func (a *Adapter) UpdatePlexTVConnection(ctx context.Context) error {
	hostIP := a.store.HostIP()
	if hostIP == "" {
		return nil
	}
	token := a.BindToken()
	if token == "" {
		return nil
	}
	form := url.Values{}
	form.Set("Connection[][uri]", fmt.Sprintf("http://%s:%d", hostIP, a.httpPort))
	endpoint := fmt.Sprintf("https://plex.tv/devices/%s?X-Plex-Token=%s", a.Device.UUID, url.QueryEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header = PMSHeaders(a.id, a.Device)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("plex.tv connection update: http %s", resp.Status)
	}
	return nil
}

// PlexState maps the transport state to the Plex timeline vocabulary,
// "" while unknown.
func (a *Adapter) PlexState() string {
	switch a.State.State() {
	case state.Playing, state.Transitioning:
		return "playing"
	case state.Stopped, state.NoMedia:
		return "stopped"
	case state.Paused:
		return "paused"
	}
	return ""
}

// StateParams returns the full ordered timeline attribute list, or nil
// when the renderer has nothing bound or is stopped.
func (a *Adapter) StateParams(ctx context.Context) ([]Param, error) {
	queue := a.Queue()
	st := a.State.State()
	if st == "" || st == state.Stopped || queue == nil {
		return nil, nil
	}
	shuffle := a.Shuffle()
	if shuffle > 0 && !queue.AllowShuffle() {
		shuffle = 0
	}
	trackInfo, err := queue.TrackInfo(ctx)
	if err != nil {
		return nil, err
	}
	params := []Param{
		{"state", a.PlexState()},
		{"time", strconv.Itoa(a.State.Elapsed())},
		{"volume", strconv.Itoa(a.State.Volume())},
		{"mute", a.State.Muted()},
		{"shuffle", strconv.Itoa(shuffle)},
		{"repeat", strconv.Itoa(queue.Repeat())},
	}
	params = append(params, trackInfo...)
	params = append(params, a.Lib.Info()...)
	return params, nil
}

// pmsStateKeys are the attributes the media server accepts on timeline
// reports.
var pmsStateKeys = map[string]bool{
	"state": true, "ratingKey": true, "key": true, "time": true,
	"duration": true, "playQueueItemID": true, "shuffle": true,
	"repeat": true, "containerKey": true,
}

// PMSParams returns the timeline report for the media server, nil when
// there is nothing to report.
func (a *Adapter) PMSParams(ctx context.Context) ([]Param, error) {
	full, err := a.StateParams(ctx)
	if err != nil || full == nil {
		return nil, err
	}
	var params []Param
	for _, p := range full {
		if pmsStateKeys[p.Key] {
			params = append(params, p)
		}
	}
	params = append(params, Param{"X-Plex-Token", a.Lib.Token()})
	return params, nil
}

// Deps carries the shared collaborators adapters are built from.
type Deps struct {
	HTTP     *http.Client
	Store    *settings.Store
	Clock    clockwork.Clock
	Identity Identity
	HTTPPort int
}

// Adapters owns the adapter per renderer uuid.
type Adapters struct {
	ctx  context.Context
	deps Deps

	mu     sync.Mutex
	byUUID map[string]*Adapter
}

// NewAdapters creates the adapter registry; ctx bounds every adapter's
// poll loop.
func NewAdapters(ctx context.Context, deps Deps) *Adapters {
	return &Adapters{
		ctx:    ctx,
		deps:   deps,
		byUUID: make(map[string]*Adapter),
	}
}

// ByDevice returns the adapter for the device, creating it on first use.
// A non-nil query refreshes the adapter's PMS coordinates.
func (m *Adapters) ByDevice(d *dlna.Device, query url.Values) *Adapter {
	m.mu.Lock()
	a, ok := m.byUUID[d.UUID]
	if !ok {
		a = newAdapter(m.ctx, d, m.deps)
		m.byUUID[d.UUID] = a
	}
	m.mu.Unlock()
	if query != nil {
		a.Lib.UpdateFromQuery(query)
	}
	return a
}

// Get returns the adapter for the uuid, nil when absent.
func (m *Adapters) Get(uuid string) *Adapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byUUID[uuid]
}

// All returns a snapshot of the live adapters.
func (m *Adapters) All() []*Adapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Adapter, 0, len(m.byUUID))
	for _, a := range m.byUUID {
		out = append(out, a)
	}
	return out
}

// Remove closes and forgets the adapter for the uuid.
func (m *Adapters) Remove(uuid string) {
	m.mu.Lock()
	a := m.byUUID[uuid]
	delete(m.byUUID, uuid)
	m.mu.Unlock()
	if a != nil {
		a.Close()
	}
}

// RefreshPlexTV re-advertises every bound renderer on plex.tv.
func (m *Adapters) RefreshPlexTV(ctx context.Context) {
	for _, a := range m.All() {
		if err := a.UpdatePlexTVConnection(ctx); err != nil {
			log.Printf("PLEX: %s plex.tv refresh failed: %v", a.Device.Name, err)
		}
	}
}
