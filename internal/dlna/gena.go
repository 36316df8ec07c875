package dlna

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Subscribe sends a GENA SUBSCRIBE for this service. Calls earlier than the
// stored renewal deadline are skipped; callbackURL empty (no host ip known)
// suppresses the subscription entirely.
func (s *Service) Subscribe(ctx context.Context, callbackURL string, timeoutSec int) (bool, error) {
	if callbackURL == "" {
		return false, nil
	}

	s.mu.Lock()
	if !s.nextSubscribeAt.IsZero() && time.Now().Before(s.nextSubscribeAt) {
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", s.EventURL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("NT", "upnp:event")
	req.Header.Set("Callback", "<"+callbackURL+">")
	req.Header.Set("Timeout", fmt.Sprintf("Second-%d", timeoutSec))
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.device.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("subscribe %s: http %s", s.Type, resp.Status)
	}

	s.mu.Lock()
	s.nextSubscribeAt = time.Now().Add(time.Duration(timeoutSec/2) * time.Second)
	s.mu.Unlock()
	return true, nil
}

// LoopSubscribe keeps the AVTransport event subscription alive, renewing at
// half the granted timeout. Idempotent: a second call while the loop runs
// is a no-op. Returns when StopSubscribe is called or ctx is done.
func (d *Device) LoopSubscribe(ctx context.Context, callback func() string, timeoutSec int) {
	svc := d.services[AVTransportServiceType]

	svc.mu.Lock()
	if svc.subscribed {
		svc.mu.Unlock()
		return
	}
	svc.subscribed = true
	svc.mu.Unlock()

	go func() {
		interval := time.Duration(timeoutSec/2) * time.Second
		for {
			svc.mu.Lock()
			active := svc.subscribed
			svc.mu.Unlock()
			if !active {
				return
			}

			if _, err := svc.Subscribe(ctx, callback(), timeoutSec); err != nil {
				log.Printf("DLNA: subscribe %s failed: %v", d.Name, err)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	}()
}

// StopSubscribe stops the renewal loop for the AVTransport subscription.
func (d *Device) StopSubscribe() {
	svc := d.services[AVTransportServiceType]
	svc.mu.Lock()
	svc.subscribed = false
	svc.mu.Unlock()
}
