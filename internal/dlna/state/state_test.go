package state

import (
	"context"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/strefethen/plex-dlna-bridge/internal/dlna/soap"
)

// fakeRenderer answers poll actions from a mutable value table and records
// which actions were called.
type fakeRenderer struct {
	mu     sync.Mutex
	values map[string]soap.Values
	calls  map[string]int
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{
		values: map[string]soap.Values{
			"GetPositionInfo": {
				"RelTime":       "00:00:01",
				"TrackURI":      "http://pms/part/1",
				"TrackDuration": "00:03:00",
			},
			"GetTransportInfo": {"CurrentTransportState": Playing},
			"GetVolume":        {"CurrentVolume": "50"},
			"GetMute":          {"CurrentMute": "0"},
		},
		calls: map[string]int{},
	}
}

func (f *fakeRenderer) Call(ctx context.Context, action string, args map[string]string) (soap.Values, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[action]++
	return f.values[action], nil
}

func (f *fakeRenderer) set(action, key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[action][key] = value
}

func (f *fakeRenderer) callCount(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[action]
}

// changeRecorder collects onChange deliveries.
type changeRecorder struct {
	mu      sync.Mutex
	changes []*ChangeSet
}

func (r *changeRecorder) record(cs *ChangeSet) {
	r.mu.Lock()
	r.changes = append(r.changes, cs)
	r.mu.Unlock()
}

func (r *changeRecorder) all() []*ChangeSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*ChangeSet{}, r.changes...)
}

func newTestEngine(t *testing.T) (*Engine, *fakeRenderer, *changeRecorder) {
	t.Helper()
	renderer := newFakeRenderer()
	recorder := &changeRecorder{}
	engine := New("test", renderer, 100, 0, clockwork.NewFakeClock(), recorder.record)
	return engine, renderer, recorder
}

func TestCheckFirstRoundReportsEverything(t *testing.T) {
	engine, _, recorder := newTestEngine(t)
	engine.check(context.Background(), 0)

	changes := recorder.all()
	require.Len(t, changes, 1)
	cs := changes[0]
	require.NotNil(t, cs.State)
	require.Equal(t, Playing, cs.State.New)
	require.NotNil(t, cs.Elapsed)
	require.Equal(t, 1000, cs.Elapsed.New)
	require.NotNil(t, cs.URI)
	require.Equal(t, "http://pms/part/1", cs.URI.New)
	require.NotNil(t, cs.Duration)
	require.Equal(t, 180000, cs.Duration.New)
	require.NotNil(t, cs.Volume)
	require.Equal(t, 50, cs.Volume.New)
	require.NotNil(t, cs.Muted)
	require.Equal(t, "0", cs.Muted.New)

	require.Equal(t, Playing, engine.State())
	require.Equal(t, 1000, engine.Elapsed())
	require.Equal(t, 50, engine.Volume())
}

func TestCheckVolumeRescaled(t *testing.T) {
	renderer := newFakeRenderer()
	renderer.set("GetVolume", "CurrentVolume", "15")
	engine := New("test", renderer, 30, 0, clockwork.NewFakeClock(), nil)
	engine.check(context.Background(), 0)
	require.Equal(t, 50, engine.Volume())
}

func TestCheckOffCadenceOnlyPollsPosition(t *testing.T) {
	engine, renderer, recorder := newTestEngine(t)
	engine.check(context.Background(), 0)
	require.Equal(t, 1, renderer.callCount("GetTransportInfo"))

	renderer.set("GetPositionInfo", "RelTime", "00:00:02")
	engine.check(context.Background(), 1)

	require.Equal(t, 2, renderer.callCount("GetPositionInfo"))
	require.Equal(t, 1, renderer.callCount("GetTransportInfo"))
	require.Equal(t, 1, renderer.callCount("GetVolume"))
	require.Equal(t, 1, renderer.callCount("GetMute"))

	changes := recorder.all()
	require.Len(t, changes, 2)
	cs := changes[1]
	require.Nil(t, cs.State)
	require.NotNil(t, cs.Elapsed)
	require.Equal(t, 1000, cs.Elapsed.Old)
	require.Equal(t, 2000, cs.Elapsed.New)
	require.False(t, cs.ElapsedJump())
}

func TestCheckStalledPlaybackRepollsTransport(t *testing.T) {
	engine, renderer, recorder := newTestEngine(t)
	engine.check(context.Background(), 0)

	// Position unchanged while nominally playing: the engine re-polls the
	// transport out of cadence and sees the stop.
	renderer.set("GetTransportInfo", "CurrentTransportState", Stopped)
	engine.check(context.Background(), 1)

	require.Equal(t, 2, renderer.callCount("GetTransportInfo"))
	changes := recorder.all()
	require.Len(t, changes, 2)
	cs := changes[1]
	require.NotNil(t, cs.State)
	require.Equal(t, Playing, cs.State.Old)
	require.Equal(t, Stopped, cs.State.New)
}

func TestCheckAllForcesEveryField(t *testing.T) {
	engine, renderer, _ := newTestEngine(t)
	engine.check(context.Background(), 0)
	engine.CheckAllNextLoop()
	renderer.set("GetPositionInfo", "RelTime", "00:00:02")
	engine.check(context.Background(), 3)

	require.Equal(t, 2, renderer.callCount("GetTransportInfo"))
	require.Equal(t, 2, renderer.callCount("GetVolume"))
	// Mute stays on its own slow cadence even with checkAll.
	require.Equal(t, 1, renderer.callCount("GetMute"))
}

func TestPushAppliesInOwnSessions(t *testing.T) {
	engine, _, recorder := newTestEngine(t)

	engine.Push(Update{State: Ptr(Transitioning)})
	engine.Push(Update{URI: Ptr("http://pms/part/2"), Elapsed: Ptr(0)})
	engine.applyPending()

	changes := recorder.all()
	require.Len(t, changes, 2)
	require.NotNil(t, changes[0].State)
	require.Equal(t, Transitioning, changes[0].State.New)
	require.Nil(t, changes[0].URI)
	require.NotNil(t, changes[1].URI)
	require.Equal(t, "http://pms/part/2", changes[1].URI.New)
}

func TestPushDropsNoops(t *testing.T) {
	engine, _, recorder := newTestEngine(t)
	engine.check(context.Background(), 0)

	engine.Push(Update{State: Ptr(Playing), URI: Ptr("http://pms/part/1")})
	engine.applyPending()
	require.Len(t, recorder.all(), 1)
}

func TestElapsedJump(t *testing.T) {
	tests := []struct {
		name string
		cs   ChangeSet
		want bool
	}{
		{"no elapsed change", ChangeSet{}, false},
		{"normal progress", ChangeSet{Elapsed: &Change[int]{Old: 1000, New: 1800}}, false},
		{"forward seek", ChangeSet{Elapsed: &Change[int]{Old: 1000, New: 30000}}, true},
		{"backward seek", ChangeSet{Elapsed: &Change[int]{Old: 30000, New: 1000}}, true},
		{"wrap to zero", ChangeSet{Elapsed: &Change[int]{Old: 179500, New: 0}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.cs.ElapsedJump())
		})
	}
}
