// Package soap implements the UPnP SOAP 1.1 control protocol used by
// AVTransport and RenderingControl services.
package soap

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// Values holds the child elements of an {action}Response body.
type Values map[string]string

// Client posts SOAP actions to renderer control URLs.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a SOAP client with the given timeout.
// Uses connection pooling for better performance when making multiple requests.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		timeout: timeout,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: timeout}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Do sends an action to a control URL and returns the parsed response values.
// A UPnP application error returns a *DeviceRejectedError.
func (c *Client) Do(ctx context.Context, controlURL, urn, action string, args map[string]string) (Values, error) {
	body := buildEnvelope(urn, action, args)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, controlURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", `text/xml; charset=utf-8`)
	req.Header.Set("SOAPACTION", `"`+urn+"#"+action+`"`)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &DeviceTimeoutError{Action: action}
		}
		return nil, &DeviceUnreachableError{Action: action, Refused: isConnectionRefused(err), Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if code, desc, ok := parseFault(payload); ok {
		return nil, &DeviceRejectedError{Action: action, Code: code, Description: desc}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &DeviceUnreachableError{Action: action, Err: errors.New("http " + resp.Status)}
	}

	return parseResponse(payload, action), nil
}

func buildEnvelope(urn, action string, args map[string]string) []byte {
	var buf strings.Builder
	buf.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	buf.WriteString(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">`)
	buf.WriteString("<s:Body>")
	buf.WriteString("<u:")
	buf.WriteString(action)
	buf.WriteString(` xmlns:u="`)
	buf.WriteString(urn)
	buf.WriteString(`">`)

	for key, value := range args {
		buf.WriteString("<")
		buf.WriteString(key)
		buf.WriteString(">")
		buf.WriteString(escapeXML(value))
		buf.WriteString("</")
		buf.WriteString(key)
		buf.WriteString(">")
	}

	buf.WriteString("</u:")
	buf.WriteString(action)
	buf.WriteString(">")
	buf.WriteString("</s:Body>")
	buf.WriteString("</s:Envelope>")

	return []byte(buf.String())
}

func escapeXML(input string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(input)); err != nil {
		return input
	}
	return b.String()
}

// parseFault extracts a UPnPError from a fault body, reporting ok when
// either an errorCode or errorDescription element is present.
func parseFault(payload []byte) (code, desc string, ok bool) {
	decoder := xml.NewDecoder(bytes.NewReader(payload))
	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		se, isStart := tok.(xml.StartElement)
		if !isStart {
			continue
		}
		switch se.Name.Local {
		case "errorCode":
			var value string
			if err := decoder.DecodeElement(&value, &se); err == nil {
				code = strings.TrimSpace(value)
				ok = true
			}
		case "errorDescription":
			var value string
			if err := decoder.DecodeElement(&value, &se); err == nil {
				desc = strings.TrimSpace(value)
				ok = true
			}
		}
	}
	return code, desc, ok
}

// parseResponse collects the direct children of the {action}Response element.
func parseResponse(payload []byte, action string) Values {
	decoder := xml.NewDecoder(bytes.NewReader(payload))
	want := action + "Response"
	values := Values{}

	inResponse := false
	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		switch se := tok.(type) {
		case xml.StartElement:
			if se.Name.Local == want {
				inResponse = true
				continue
			}
			if inResponse {
				var value string
				if err := decoder.DecodeElement(&value, &se); err == nil {
					values[se.Name.Local] = value
				}
			}
		case xml.EndElement:
			if se.Name.Local == want {
				return values
			}
		}
	}
	return values
}

func isConnectionRefused(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
