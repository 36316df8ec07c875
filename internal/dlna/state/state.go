// Package state polls a renderer's transport, position, and volume on a
// per-device loop and turns the results into atomic change notifications.
package state

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/strefethen/plex-dlna-bridge/internal/dlna"
	"github.com/strefethen/plex-dlna-bridge/internal/dlna/soap"
)

// AVTransport transport states.
const (
	Playing       = "PLAYING"
	Stopped       = "STOPPED"
	Paused        = "PAUSED_PLAYBACK"
	Transitioning = "TRANSITIONING"
	NoMedia       = "NO_MEDIA_PRESENT"
)

const (
	pollInterval = 800 * time.Millisecond
	idleInterval = time.Minute
	// After this long without a reader the loop slows to idleInterval,
	// unless the renderer is playing.
	idleAfter = 90 * time.Second

	positionCadence = 1
	stateCadence    = 10
	volumeCadence   = 12
	muteCadence     = 51
	cadenceWrap     = 500
)

// Controller is the slice of a renderer the poll loop needs.
type Controller interface {
	Call(ctx context.Context, action string, args map[string]string) (soap.Values, error)
}

// Change records one field transition inside a ChangeSet.
type Change[T comparable] struct {
	Old T
	New T
}

// ChangeSet is the delta produced by one poll round or one external
// update. Nil fields did not change.
type ChangeSet struct {
	State    *Change[string]
	Volume   *Change[int]
	Elapsed  *Change[int]
	URI      *Change[string]
	Duration *Change[int]
	Muted    *Change[string]
}

// Empty reports whether no field changed.
func (c *ChangeSet) Empty() bool {
	return c.State == nil && c.Volume == nil && c.Elapsed == nil &&
		c.URI == nil && c.Duration == nil && c.Muted == nil
}

// ElapsedJump reports whether the elapsed transition falls outside the
// normal forward progress window of one poll interval (0..1000 ms).
func (c *ChangeSet) ElapsedJump() bool {
	if c.Elapsed == nil {
		return false
	}
	delta := c.Elapsed.New - c.Elapsed.Old
	return delta < 0 || delta > 1000
}

// Update is a sparse externally-sourced state change, typically from a
// GENA NOTIFY. Nil fields keep their current value.
type Update struct {
	State   *string
	URI     *string
	Elapsed *int
}

// Ptr returns a pointer to v, for building sparse Updates.
func Ptr[T any](v T) *T { return &v }

// Engine owns the poll loop for one renderer. All tracked values are read
// through its getters; reads mark the engine observed, which keeps the
// loop at the fast interval.
type Engine struct {
	name     string
	dev      Controller
	volMax   int
	volMin   int
	clock    clockwork.Clock
	onChange func(*ChangeSet)

	mu         sync.Mutex
	state      string
	volume     int
	elapsed    int
	uri        string
	duration   int
	muted      string
	checkAll   bool
	lastAccess time.Time
	pending    []Update
	session    *ChangeSet

	wake chan struct{}
}

// New creates an engine for the named renderer. onChange runs on the loop
// goroutine with a non-empty ChangeSet after each round that changed
// something.
func New(name string, dev Controller, volMax, volMin int, clock clockwork.Clock, onChange func(*ChangeSet)) *Engine {
	return &Engine{
		name:       name,
		dev:        dev,
		volMax:     volMax,
		volMin:     volMin,
		clock:      clock,
		onChange:   onChange,
		volume:     -1,
		lastAccess: clock.Now(),
		wake:       make(chan struct{}, 1),
	}
}

// Run drives the poll loop until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	log.Printf("STATE: %s poll loop started", e.name)
	counter := 0
	for {
		e.applyPending()
		e.check(ctx, counter)
		counter++
		if counter > cadenceWrap {
			counter = 0
		}
		select {
		case <-ctx.Done():
			log.Printf("STATE: %s poll loop stopped", e.name)
			return
		case <-e.wake:
		case <-e.clock.After(e.interval()):
		}
	}
}

func (e *Engine) wakeUp() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// touch marks the state observed. Callers hold e.mu.
func (e *Engine) touch() {
	e.lastAccess = e.clock.Now()
	e.wakeUp()
}

// State returns the transport state, "" while unknown.
func (e *Engine) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.touch()
	return e.state
}

// Volume returns the volume on the 0..100 scale, -1 while unknown.
func (e *Engine) Volume() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.touch()
	return e.volume
}

// Elapsed returns the track position in milliseconds.
func (e *Engine) Elapsed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.touch()
	return e.elapsed
}

// URI returns the current transport URI, "" while none.
func (e *Engine) URI() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.touch()
	return e.uri
}

// Duration returns the current track duration in milliseconds.
func (e *Engine) Duration() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.touch()
	return e.duration
}

// Muted returns the raw mute flag as reported by the renderer.
func (e *Engine) Muted() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.touch()
	return e.muted
}

// CheckAllNextLoop forces every field to be polled on the next round,
// used after commands with optimistic local effects.
func (e *Engine) CheckAllNextLoop() {
	e.mu.Lock()
	e.checkAll = true
	e.mu.Unlock()
	e.wakeUp()
}

// Push queues an external update. Updates that would not change anything
// are dropped; the rest are applied on the loop goroutine, each in its
// own change session.
func (e *Engine) Push(u Update) {
	e.mu.Lock()
	noop := (u.State == nil || *u.State == e.state) &&
		(u.URI == nil || *u.URI == e.uri) &&
		(u.Elapsed == nil || *u.Elapsed == e.elapsed)
	if !noop {
		e.pending = append(e.pending, u)
	}
	e.mu.Unlock()
	if !noop {
		e.wakeUp()
	}
}

func (e *Engine) applyPending() {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, u := range pending {
		e.mu.Lock()
		e.session = &ChangeSet{}
		if u.State != nil {
			e.setState(*u.State)
		}
		if u.URI != nil {
			e.setURI(*u.URI)
		}
		if u.Elapsed != nil {
			e.setElapsed(*u.Elapsed)
		}
		changed := e.session
		e.session = nil
		e.mu.Unlock()
		if !changed.Empty() && e.onChange != nil {
			e.onChange(changed)
		}
	}
}

func (e *Engine) interval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.clock.Since(e.lastAccess) >= idleAfter && e.state != Playing && e.state != Transitioning {
		return idleInterval
	}
	return pollInterval
}

// check runs one poll round. The cadences stagger the cheaper queries so
// position lands every round while mute lands roughly once a minute.
func (e *Engine) check(ctx context.Context, counter int) {
	e.mu.Lock()
	checkAll := e.checkAll
	e.checkAll = false
	curState := e.state
	e.mu.Unlock()

	wantPosition := counter%positionCadence == 0 || checkAll
	wantState := counter%stateCadence == 0 || curState == Transitioning || checkAll
	wantVolume := counter%volumeCadence == 0 || checkAll
	wantMute := counter%muteCadence == 0

	var position, transport, volume, mute soap.Values
	group, groupCtx := errgroup.WithContext(ctx)
	if wantPosition {
		group.Go(func() error {
			v, err := e.dev.Call(groupCtx, "GetPositionInfo", nil)
			position = v
			return err
		})
	}
	if wantState {
		group.Go(func() error {
			v, err := e.dev.Call(groupCtx, "GetTransportInfo", nil)
			transport = v
			return err
		})
	}
	if wantVolume {
		group.Go(func() error {
			v, err := e.dev.Call(groupCtx, "GetVolume", nil)
			volume = v
			return err
		})
	}
	if wantMute {
		group.Go(func() error {
			v, err := e.dev.Call(groupCtx, "GetMute", nil)
			mute = v
			return err
		})
	}
	if err := group.Wait(); err != nil {
		log.Printf("STATE: %s poll error: %v", e.name, err)
	}

	e.mu.Lock()
	e.session = &ChangeSet{}
	if position != nil {
		if d, err := dlna.ParseClock(position["RelTime"]); err == nil {
			e.setElapsed(int(d / time.Millisecond))
		}
		e.setURI(position["TrackURI"])
		if d, err := dlna.ParseClock(position["TrackDuration"]); err == nil {
			e.setDuration(int(d / time.Millisecond))
		}
		// A playing renderer whose elapsed did not move this round is
		// suspicious; re-poll the transport state out of cadence.
		if transport == nil && e.session.Empty() && (e.state == Transitioning || e.state == Playing) {
			e.mu.Unlock()
			if v, err := e.dev.Call(ctx, "GetTransportInfo", nil); err == nil {
				transport = v
			}
			e.mu.Lock()
		}
	}
	if transport != nil {
		e.setState(transport["CurrentTransportState"])
	}
	if volume != nil {
		if raw, err := strconv.Atoi(volume["CurrentVolume"]); err == nil {
			e.setVolume(dlna.ConvertVolume(raw, e.volMax, e.volMin, 100, 0, 1))
		}
	}
	if mute != nil {
		e.setMuted(mute["CurrentMute"])
	}
	changed := e.session
	e.session = nil
	e.mu.Unlock()

	if !changed.Empty() && e.onChange != nil {
		e.onChange(changed)
	}
}

// The setters run with e.mu held inside a change session.

func (e *Engine) setState(v string) {
	if e.session != nil && e.state != v {
		e.session.State = &Change[string]{Old: e.state, New: v}
	}
	e.state = v
}

func (e *Engine) setVolume(v int) {
	if e.session != nil && e.volume != v {
		e.session.Volume = &Change[int]{Old: e.volume, New: v}
	}
	e.volume = v
}

func (e *Engine) setElapsed(v int) {
	if e.session != nil && e.elapsed != v {
		e.session.Elapsed = &Change[int]{Old: e.elapsed, New: v}
	}
	e.elapsed = v
}

func (e *Engine) setURI(v string) {
	if e.session != nil && e.uri != v {
		e.session.URI = &Change[string]{Old: e.uri, New: v}
	}
	e.uri = v
}

func (e *Engine) setDuration(v int) {
	if e.session != nil && e.duration != v {
		e.session.Duration = &Change[int]{Old: e.duration, New: v}
	}
	e.duration = v
}

func (e *Engine) setMuted(v string) {
	if e.session != nil && e.muted != v {
		e.session.Muted = &Change[string]{Old: e.muted, New: v}
	}
	e.muted = v
}
