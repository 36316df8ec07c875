package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseLocation(t *testing.T) {
	t.Run("standard search response", func(t *testing.T) {
		raw := "HTTP/1.1 200 OK\r\n" +
			"CACHE-CONTROL: max-age=1800\r\n" +
			"LOCATION: http://10.0.0.23:49152/description.xml\r\n" +
			"ST: upnp:rootdevice\r\n" +
			"\r\n"
		require.Equal(t, "http://10.0.0.23:49152/description.xml", ParseLocation(raw))
	})

	t.Run("lowercase header", func(t *testing.T) {
		raw := "NOTIFY * HTTP/1.1\r\nlocation:http://10.0.0.5/desc.xml\r\n\r\n"
		require.Equal(t, "http://10.0.0.5/desc.xml", ParseLocation(raw))
	})

	t.Run("no location header", func(t *testing.T) {
		raw := "HTTP/1.1 200 OK\r\nST: upnp:rootdevice\r\n\r\n"
		require.Equal(t, "", ParseLocation(raw))
	})

	t.Run("location after blank line is ignored", func(t *testing.T) {
		raw := "HTTP/1.1 200 OK\r\n\r\nLOCATION: http://10.0.0.5/desc.xml\r\n"
		require.Equal(t, "", ParseLocation(raw))
	})
}

func TestDeliverDedupes(t *testing.T) {
	var got []string
	d := New(func(location string) { got = append(got, location) }, time.Minute, "")

	d.deliver("http://10.0.0.23:49152/description.xml")
	d.deliver("http://10.0.0.23:49152/description.xml")
	d.deliver("http://10.0.0.42:49152/description.xml")

	require.Equal(t, []string{
		"http://10.0.0.23:49152/description.xml",
		"http://10.0.0.42:49152/description.xml",
	}, got)
}
