package plex

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"

	"github.com/strefethen/plex-dlna-bridge/internal/apperrors"
	"github.com/strefethen/plex-dlna-bridge/internal/dlna"
)

// PIN login links a renderer to a plex.tv account: the bind page shows a
// code, the user enters it at plex.tv/link, and polling the pin yields
// the account token.
const (
	pinsURL     = "https://plex.tv/api/v2/pins"
	checkPinURL = "https://plex.tv/api/v2/pins/%s"
)

type pinResponse struct {
	ID        string `xml:"id,attr"`
	Code      string `xml:"code,attr"`
	AuthToken string `xml:"authToken,attr"`
}

// PinLogin talks to the plex.tv pins API on behalf of a renderer.
type PinLogin struct {
	http *http.Client
	id   Identity
}

// NewPinLogin creates the plex.tv pins client.
func NewPinLogin(httpClient *http.Client, id Identity) *PinLogin {
	return &PinLogin{http: httpClient, id: id}
}

func (p *PinLogin) do(ctx context.Context, method, endpoint string, d *dlna.Device) (*pinResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header = PMSHeaders(p.id, d)
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, apperrors.NewAppError(apperrors.ErrorCodePinLoginFailed,
			fmt.Sprintf("plex.tv pins: http %s", resp.Status), 502)
	}
	var pin pinResponse
	if err := xml.Unmarshal(body, &pin); err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrorCodePinLoginFailed,
			"plex.tv pins: malformed response", 502)
	}
	return &pin, nil
}

// GetPin requests a fresh link code for the renderer.
func (p *PinLogin) GetPin(ctx context.Context, d *dlna.Device) (code, pinID string, err error) {
	pin, err := p.do(ctx, http.MethodPost, pinsURL, d)
	if err != nil {
		return "", "", err
	}
	return pin.Code, pin.ID, nil
}

// CheckPin polls a pin; the token is "" until the user completes the
// link.
func (p *PinLogin) CheckPin(ctx context.Context, pinID string, d *dlna.Device) (token string, err error) {
	pin, err := p.do(ctx, http.MethodGet, fmt.Sprintf(checkPinURL, pinID), d)
	if err != nil {
		return "", err
	}
	return pin.AuthToken, nil
}
