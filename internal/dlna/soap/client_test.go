package soap

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const rcsURN = "urn:schemas-upnp-org:service:RenderingControl:1"

func TestDoSuccess(t *testing.T) {
	var gotAction, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAction = r.Header.Get("SOAPACTION")
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.Write([]byte(`<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Body>
    <u:GetVolumeResponse xmlns:u="` + rcsURN + `">
      <CurrentVolume>12</CurrentVolume>
    </u:GetVolumeResponse>
  </s:Body>
</s:Envelope>`))
	}))
	defer srv.Close()

	client := NewClient(2 * time.Second)
	values, err := client.Do(context.Background(), srv.URL, rcsURN, "GetVolume", map[string]string{
		"InstanceID": "0",
		"Channel":    "Master",
	})
	require.NoError(t, err)
	require.Equal(t, "12", values["CurrentVolume"])
	require.Equal(t, `"`+rcsURN+`#GetVolume"`, gotAction)
	require.Contains(t, gotBody, "<u:GetVolume")
	require.Contains(t, gotBody, "<Channel>Master</Channel>")
}

func TestDoEscapesArguments(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.Write([]byte(`<s:Envelope><s:Body><u:SetAVTransportURIResponse/></s:Body></s:Envelope>`))
	}))
	defer srv.Close()

	client := NewClient(2 * time.Second)
	_, err := client.Do(context.Background(), srv.URL, rcsURN, "SetAVTransportURI", map[string]string{
		"CurrentURI": "http://pms/track?a=1&b=<2>",
	})
	require.NoError(t, err)
	require.Contains(t, gotBody, "http://pms/track?a=1&amp;b=&lt;2&gt;")
}

func TestDoFault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Body>
    <s:Fault>
      <detail>
        <UPnPError xmlns="urn:schemas-upnp-org:control-1-0">
          <errorCode>718</errorCode>
          <errorDescription>Invalid InstanceID</errorDescription>
        </UPnPError>
      </detail>
    </s:Fault>
  </s:Body>
</s:Envelope>`))
	}))
	defer srv.Close()

	client := NewClient(2 * time.Second)
	_, err := client.Do(context.Background(), srv.URL, rcsURN, "Seek", nil)
	require.Error(t, err)
	var rejected *DeviceRejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, "718", rejected.Code)
	require.Equal(t, "Invalid InstanceID", rejected.Description)
	require.Equal(t, "Seek", rejected.Action)
}

func TestDoHTTPErrorWithoutFault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(2 * time.Second)
	_, err := client.Do(context.Background(), srv.URL, rcsURN, "Play", nil)
	require.Error(t, err)
	var unreachable *DeviceUnreachableError
	require.ErrorAs(t, err, &unreachable)
	require.False(t, unreachable.Refused)
}

func TestDoConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	controlURL := srv.URL
	srv.Close()

	client := NewClient(2 * time.Second)
	_, err := client.Do(context.Background(), controlURL, rcsURN, "Play", nil)
	require.Error(t, err)
	var unreachable *DeviceUnreachableError
	require.ErrorAs(t, err, &unreachable)
	require.True(t, unreachable.Refused)
}
