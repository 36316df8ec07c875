package dlna

import (
	"encoding/xml"
	"regexp"
)

const (
	AVTransportServiceType      = "urn:schemas-upnp-org:service:AVTransport:1"
	RenderingControlServiceType = "urn:schemas-upnp-org:service:RenderingControl:1"
)

// Renderers stamp vendor default namespaces on their descriptions; only the
// first xmlns is stripped so nested metadata blocks keep theirs.
var defaultNamespaceRe = regexp.MustCompile(` xmlns="[^"]+"`)

func stripDefaultNamespace(doc []byte) []byte {
	loc := defaultNamespaceRe.FindIndex(doc)
	if loc == nil {
		return doc
	}
	out := make([]byte, 0, len(doc))
	out = append(out, doc[:loc[0]]...)
	return append(out, doc[loc[1]:]...)
}

type rootDescription struct {
	Device struct {
		FriendlyName     string `xml:"friendlyName"`
		ModelDescription string `xml:"modelDescription"`
		UDN              string `xml:"UDN"`
		ServiceList      struct {
			Services []serviceDescription `xml:"service"`
		} `xml:"serviceList"`
	} `xml:"device"`
}

type serviceDescription struct {
	ServiceType string `xml:"serviceType"`
	ControlURL  string `xml:"controlURL"`
	EventSubURL string `xml:"eventSubURL"`
	SCPDURL     string `xml:"SCPDURL"`
}

func parseRootDescription(doc []byte) (*rootDescription, error) {
	var root rootDescription
	if err := xml.Unmarshal(stripDefaultNamespace(doc), &root); err != nil {
		return nil, err
	}
	return &root, nil
}
