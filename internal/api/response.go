package api

import (
	"encoding/xml"
	"net/http"

	"github.com/strefethen/plex-dlna-bridge/internal/apperrors"
)

const xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"

// XMLOK is the canned body Plex controllers expect from command endpoints.
const XMLOK = xmlHeader + `<Response code="200" status="OK"/>`

// WriteXML sends an XML response with the given status and extra headers.
func WriteXML(w http.ResponseWriter, status int, body string, headers map[string]string) error {
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/xml;charset=utf-8")
	}
	w.WriteHeader(status)
	_, err := w.Write([]byte(body))
	return err
}

// WriteError serializes an AppError as a Plex-style XML Response element.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := apperrors.EnsureAppError(err)

	var msg struct {
		XMLName xml.Name `xml:"Response"`
		Code    int      `xml:"code,attr"`
		Status  string   `xml:"status,attr"`
	}
	msg.Code = appErr.StatusCode
	msg.Status = appErr.Message

	body, marshalErr := xml.Marshal(msg)
	if marshalErr != nil {
		http.Error(w, appErr.Message, appErr.StatusCode)
		return
	}
	_ = WriteXML(w, appErr.StatusCode, xmlHeader+string(body), nil)
}
