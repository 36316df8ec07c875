package plex

import (
	"context"
	"log"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// reconnectDelay paces websocket redials and the wait for a playback
// session to exist.
const reconnectDelay = 5 * time.Second

type wsNotification struct {
	NotificationContainer struct {
		Type                  string `json:"type"`
		PlayQueueNotification []struct {
			PlayQueueID      int64 `json:"playQueueID"`
			PlayQueueVersion int   `json:"playQueueVersion"`
		} `json:"PlayQueueNotification"`
	} `json:"NotificationContainer"`
}

// PMSListener follows the media server's websocket notification feed for
// one adapter and refreshes the play queue when the server edits it,
// so queue changes reach the renderer without waiting for a controller.
type PMSListener struct {
	adapter *Adapter
}

// NewPMSListener creates the listener for an adapter.
func NewPMSListener(a *Adapter) *PMSListener {
	return &PMSListener{adapter: a}
}

// Run maintains the websocket connection until ctx is done. It idles
// while the adapter has no playback session.
func (l *PMSListener) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		wsURL := l.adapter.Lib.NotificationsWSURL()
		if wsURL == "" || l.adapter.Queue() == nil {
			if !sleepCtx(ctx, reconnectDelay) {
				return
			}
			continue
		}
		l.listen(ctx, wsURL)
		if !sleepCtx(ctx, reconnectDelay) {
			return
		}
	}
}

func (l *PMSListener) listen(ctx context.Context, wsURL string) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		log.Printf("PLEX: %s pms notifications dial failed: %v", l.adapter.Device.Name, err)
		return
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()
	log.Printf("PLEX: %s listening to pms notifications", l.adapter.Device.Name)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("PLEX: %s pms notifications read failed: %v", l.adapter.Device.Name, err)
			}
			return
		}
		l.handle(ctx, message)
	}
}

func (l *PMSListener) handle(ctx context.Context, message []byte) {
	var note wsNotification
	if err := json.Unmarshal(message, &note); err != nil {
		return
	}
	if note.NotificationContainer.Type != "playQueue" {
		return
	}
	queue := l.adapter.Queue()
	if queue == nil {
		return
	}
	for _, pq := range note.NotificationContainer.PlayQueueNotification {
		if pq.PlayQueueID != queue.ID() || pq.PlayQueueVersion <= queue.Version() {
			continue
		}
		log.Printf("PLEX: %s queue %d changed on server, refreshing", l.adapter.Device.Name, pq.PlayQueueID)
		if err := l.adapter.RefreshQueue(ctx, pq.PlayQueueID); err != nil {
			log.Printf("PLEX: %s queue refresh failed: %v", l.adapter.Device.Name, err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
