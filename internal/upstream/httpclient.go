package upstream

import (
	"fmt"
	"net/http"
	"strings"
)

// headerTransport sets default headers on every outgoing request unless the
// request already carries them.
type headerTransport struct {
	base    http.RoundTripper
	headers http.Header
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, vs := range t.headers {
		if req.Header.Get(k) != "" {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return t.base.RoundTrip(req)
}

// NewHTTPClient builds the HTTP client shared by both transports. headers are
// sent as defaults on every request. There is no overall timeout because
// event streams stay open for the lifetime of a session.
func NewHTTPClient(headers map[string]string) (*http.Client, error) {
	h := make(http.Header, len(headers))
	for k, v := range headers {
		if !validHeaderName(k) || !validHeaderValue(v) {
			return nil, fmt.Errorf("invalid header format: %s: %s", k, v)
		}
		h.Set(k, v)
	}

	var rt http.RoundTripper = http.DefaultTransport
	if len(h) > 0 {
		rt = &headerTransport{base: http.DefaultTransport, headers: h}
	}
	return &http.Client{Transport: rt}, nil
}

func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r >= 0x7f || r <= ' ' || strings.ContainsRune(`"(),/:;<=>?@[\]{}`, r) {
			return false
		}
	}
	return true
}

func validHeaderValue(v string) bool {
	for _, r := range v {
		if r == '\r' || r == '\n' || r == 0 || r == 0x7f {
			return false
		}
	}
	return true
}
