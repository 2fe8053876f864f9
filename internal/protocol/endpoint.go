package protocol

import (
	"net/url"
	"strings"
)

// Endpoint locates the transcription backend.
type Endpoint struct {
	Host   string // host[:port], optionally with a path prefix
	Secure bool   // wss/https when true, ws/http otherwise
}

func (e Endpoint) wsScheme() string {
	if e.Secure {
		return "wss"
	}
	return "ws"
}

func (e Endpoint) httpScheme() string {
	if e.Secure {
		return "https"
	}
	return "http"
}

func (e Endpoint) host() (string, string) {
	host := strings.TrimSuffix(e.Host, "/")
	if i := strings.Index(host, "/"); i >= 0 {
		return host[:i], host[i:]
	}
	return host, ""
}

// PublishURL is the publisher connect URL:
// <ws-scheme>://<host>/transcriptions/start/<companyId>/<visitSessionId>?token=<token>
func (e Endpoint) PublishURL(ref SessionRef, token string) string {
	host, prefix := e.host()
	u := url.URL{
		Scheme: e.wsScheme(),
		Host:   host,
		Path:   prefix + "/transcriptions/start/" + ref.CompanyID + "/" + ref.VisitSessionID,
		RawPath: prefix + "/transcriptions/start/" +
			url.PathEscape(ref.CompanyID) + "/" + url.PathEscape(ref.VisitSessionID),
	}
	q := url.Values{}
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// SubscribeURL is the viewer URL:
// <ws-scheme>://<host>/transcriptions/subscribe/<transcriptionSessionId>
func (e Endpoint) SubscribeURL(transcriptionSessionID string) string {
	host, prefix := e.host()
	u := url.URL{
		Scheme:  e.wsScheme(),
		Host:    host,
		Path:    prefix + "/transcriptions/subscribe/" + transcriptionSessionID,
		RawPath: prefix + "/transcriptions/subscribe/" + url.PathEscape(transcriptionSessionID),
	}
	return u.String()
}

// HTTPBase is the REST base URL of the same backend.
func (e Endpoint) HTTPBase() string {
	host, prefix := e.host()
	u := url.URL{Scheme: e.httpScheme(), Host: host, Path: prefix}
	return u.String()
}
