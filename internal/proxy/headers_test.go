package proxy

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRemoveHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "X-Session, keep-alive")
	h.Set("X-Session", "abc")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Upgrade", "websocket")
	h.Set("Content-Type", "application/json")

	removeHopHeaders(h)

	assert.Equal(t, http.Header{"Content-Type": {"application/json"}}, h)
}

func TestSetForwardedHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.RemoteAddr = "203.0.113.7:5555"
	r.Host = "api.example.com"
	r.TLS = &tls.ConnectionState{}

	out := http.Header{}
	setForwardedHeaders(out, r)

	assert.Equal(t, "203.0.113.7", out.Get(HeaderForwardedFor))
	assert.Equal(t, "https", out.Get(HeaderForwardedProto))
	assert.Equal(t, "api.example.com", out.Get(HeaderForwardedHost))
}

func TestSetForwardedHeadersKeepsEveryPriorHop(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.RemoteAddr = "10.0.0.3:443"
	r.Header.Add(HeaderForwardedFor, "198.51.100.1, 10.0.0.1")
	r.Header.Add(HeaderForwardedFor, "10.0.0.2")

	out := http.Header{}
	setForwardedHeaders(out, r)

	assert.Equal(t, []string{"198.51.100.1, 10.0.0.1, 10.0.0.2, 10.0.0.3"}, out.Values(HeaderForwardedFor))
	assert.Equal(t, "http", out.Get(HeaderForwardedProto))
}

func TestClientIPWithoutPort(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.RemoteAddr = "unix-socket"
	assert.Equal(t, "unix-socket", clientIP(r))
}
