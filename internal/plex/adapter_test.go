package plex

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/strefethen/plex-dlna-bridge/internal/dlna"
	"github.com/strefethen/plex-dlna-bridge/internal/dlna/soap"
	"github.com/strefethen/plex-dlna-bridge/internal/dlna/state"
)

// scriptedController answers poll actions from a fixed value table.
type scriptedController struct {
	mu     sync.Mutex
	values map[string]soap.Values
}

func (c *scriptedController) Call(ctx context.Context, action string, args map[string]string) (soap.Values, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[action], nil
}

func newTestAdapter(t *testing.T, polled map[string]soap.Values) *Adapter {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	a := &Adapter{
		Device: &dlna.Device{Name: "Test Renderer", UUID: "uuid-1", VolumeMax: 100},
		Lib:    &Library{},
		clock:  clockwork.NewRealClock(),
		ctx:    ctx,
		cancel: cancel,
	}
	a.State = state.New("Test Renderer", &scriptedController{values: polled}, 100, 0, a.clock, nil)
	go a.State.Run(ctx)
	return a
}

func testQueue(lib *Library) *PlayQueue {
	return &PlayQueue{
		lib:            lib,
		http:           http.DefaultClient,
		containerKey:   "/playQueues/1",
		loaded:         true,
		id:             1,
		totalCount:     2,
		selectedOffset: 0,
		tracks: []Track{
			{PlayQueueItemID: 1, RatingKey: "201", Duration: 180000},
			{PlayQueueItemID: 2, RatingKey: "202", Duration: 200000},
		},
	}
}

func playingPosition(relTime string) map[string]soap.Values {
	return map[string]soap.Values{
		"GetPositionInfo": {
			"RelTime":       relTime,
			"TrackURI":      "http://pms/part/1",
			"TrackDuration": "00:03:00",
		},
	}
}

func TestCheckAutoNext(t *testing.T) {
	setup := func(t *testing.T, polled map[string]soap.Values) *Adapter {
		a := newTestAdapter(t, polled)
		a.mu.Lock()
		a.queue = testQueue(a.Lib)
		a.currentTrack = &a.queue.tracks[0]
		a.mu.Unlock()
		return a
	}
	waitForURI := func(t *testing.T, a *Adapter) {
		require.Eventually(t, func() bool { return a.State.URI() != "" }, time.Second, 5*time.Millisecond)
	}

	t.Run("no queue", func(t *testing.T) {
		a := newTestAdapter(t, nil)
		cs := &state.ChangeSet{Elapsed: &state.Change[int]{Old: 179500, New: 0}}
		require.False(t, a.checkAutoNext(cs))
	})

	t.Run("transition settling is not a track end", func(t *testing.T) {
		a := setup(t, nil)
		cs := &state.ChangeSet{State: &state.Change[string]{Old: state.Transitioning, New: state.Stopped}}
		require.False(t, a.checkAutoNext(cs))
	})

	t.Run("elapsed wraps to zero at track end", func(t *testing.T) {
		a := setup(t, playingPosition("00:02:59"))
		waitForURI(t, a)
		cs := &state.ChangeSet{Elapsed: &state.Change[int]{Old: 179500, New: 0}}
		require.True(t, a.checkAutoNext(cs))
		require.False(t, a.NoNotice())
	})

	t.Run("elapsed runs into the duration", func(t *testing.T) {
		a := setup(t, playingPosition("00:02:59"))
		waitForURI(t, a)
		cs := &state.ChangeSet{Elapsed: &state.Change[int]{Old: 179000, New: 180000}}
		require.True(t, a.checkAutoNext(cs))
	})

	t.Run("mid-track progress does not advance", func(t *testing.T) {
		a := setup(t, playingPosition("00:00:01"))
		waitForURI(t, a)
		cs := &state.ChangeSet{Elapsed: &state.Change[int]{Old: 1000, New: 2000}}
		require.False(t, a.checkAutoNext(cs))
	})

	t.Run("wrap far from the track end does not advance", func(t *testing.T) {
		a := setup(t, playingPosition("00:01:00"))
		waitForURI(t, a)
		cs := &state.ChangeSet{Elapsed: &state.Change[int]{Old: 60000, New: 0}}
		require.False(t, a.checkAutoNext(cs))
	})

	t.Run("stop at the track end advances", func(t *testing.T) {
		a := setup(t, playingPosition("00:03:00"))
		require.Eventually(t, func() bool { return a.State.Duration() == 180000 }, time.Second, 5*time.Millisecond)
		cs := &state.ChangeSet{State: &state.Change[string]{Old: state.Playing, New: state.Stopped}}
		require.True(t, a.checkAutoNext(cs))
	})

	t.Run("stop mid track does not advance", func(t *testing.T) {
		a := setup(t, playingPosition("00:01:00"))
		require.Eventually(t, func() bool { return a.State.Duration() == 180000 }, time.Second, 5*time.Millisecond)
		cs := &state.ChangeSet{State: &state.Change[string]{Old: state.Playing, New: state.Stopped}}
		require.False(t, a.checkAutoNext(cs))
	})
}

func TestWaiterFieldMatching(t *testing.T) {
	stateChange := &state.ChangeSet{State: &state.Change[string]{Old: state.Playing, New: state.Paused}}
	elapsedOnly := &state.ChangeSet{Elapsed: &state.Change[int]{Old: 1000, New: 1800}}
	elapsedJump := &state.ChangeSet{Elapsed: &state.Change[int]{Old: 1000, New: 30000}}

	tests := []struct {
		name   string
		fields []string
		cs     *state.ChangeSet
		want   bool
	}{
		{"nil fields match anything", nil, elapsedOnly, true},
		{"state field matches state change", []string{FieldState}, stateChange, true},
		{"state field ignores elapsed", []string{FieldState}, elapsedOnly, false},
		{"jump field ignores normal progress", []string{FieldElapsedJump}, elapsedOnly, false},
		{"jump field matches a seek", []string{FieldElapsedJump}, elapsedJump, true},
		{"any of several fields", []string{FieldVolume, FieldState}, stateChange, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &waiter{ch: make(chan struct{}), fields: tt.fields}
			require.Equal(t, tt.want, w.matches(tt.cs))
		})
	}
}

func TestWaiterCap(t *testing.T) {
	a := newTestAdapter(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < maxWaiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.WaitForEvent(ctx, 10*time.Second, nil)
		}()
	}
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.waiters) == maxWaiters
	}, time.Second, 5*time.Millisecond)

	// The waiter over the cap is released immediately.
	start := time.Now()
	a.WaitForEvent(ctx, 10*time.Second, nil)
	require.Less(t, time.Since(start), 2*time.Second)

	a.wakeAllWaiters()
	wg.Wait()
}

func TestNotifyWaitersReleasesMatching(t *testing.T) {
	a := newTestAdapter(t, nil)
	released := make(chan string, 2)

	go func() {
		a.WaitForEvent(context.Background(), 10*time.Second, []string{FieldState})
		released <- "state"
	}()
	go func() {
		a.WaitForEvent(context.Background(), 10*time.Second, []string{FieldVolume})
		released <- "volume"
	}()
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.waiters) == 2
	}, time.Second, 5*time.Millisecond)

	a.notifyWaiters(&state.ChangeSet{State: &state.Change[string]{Old: "", New: state.Playing}})

	select {
	case got := <-released:
		require.Equal(t, "state", got)
	case <-time.After(time.Second):
		t.Fatal("state waiter was not released")
	}
	a.mu.Lock()
	require.Len(t, a.waiters, 1)
	a.mu.Unlock()
	a.wakeAllWaiters()
}

func TestHandleEvent(t *testing.T) {
	a := newTestAdapter(t, nil)

	a.HandleEvent([]byte(`<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0">
  <e:property>
    <LastChange>&lt;Event xmlns=&quot;urn:schemas-upnp-org:metadata-1-0/AVT/&quot;&gt;&lt;InstanceID val=&quot;0&quot;&gt;&lt;TransportState val=&quot;PLAYING&quot;/&gt;&lt;AVTransportURI val=&quot;http://pms/part/1&quot;/&gt;&lt;RelativeTimePosition val=&quot;0:00:12&quot;/&gt;&lt;/InstanceID&gt;&lt;/Event&gt;</LastChange>
  </e:property>
</e:propertyset>`))

	require.Eventually(t, func() bool { return a.State.State() == state.Playing }, time.Second, 5*time.Millisecond)
	require.Equal(t, "http://pms/part/1", a.State.URI())
	require.Equal(t, 12000, a.State.Elapsed())
}

func TestHandleEventDropsEmptyNotices(t *testing.T) {
	a := newTestAdapter(t, nil)

	a.HandleEvent([]byte(`<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0">
  <e:property>
    <LastChange>&lt;Event&gt;&lt;InstanceID val=&quot;0&quot;&gt;&lt;TransportState val=&quot;&quot;/&gt;&lt;/InstanceID&gt;&lt;/Event&gt;</LastChange>
  </e:property>
</e:propertyset>`))
	a.HandleEvent([]byte(`not xml at all`))

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, "", a.State.State())
}

func TestPlexState(t *testing.T) {
	a := newTestAdapter(t, nil)
	require.Equal(t, "", a.PlexState())

	push := func(s string) {
		a.State.Push(state.Update{State: state.Ptr(s)})
		require.Eventually(t, func() bool { return a.State.State() == s }, time.Second, 5*time.Millisecond)
	}

	push(state.Transitioning)
	require.Equal(t, "playing", a.PlexState())
	push(state.Playing)
	require.Equal(t, "playing", a.PlexState())
	push(state.Paused)
	require.Equal(t, "paused", a.PlexState())
	push(state.Stopped)
	require.Equal(t, "stopped", a.PlexState())
	push(state.NoMedia)
	require.Equal(t, "stopped", a.PlexState())
}
