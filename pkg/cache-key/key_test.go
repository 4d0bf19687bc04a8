package cachekey

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, rawurl string) *url.URL {
	t.Helper()
	u, err := url.Parse(rawurl)
	require.NoError(t, err)
	return u
}

func TestFromURL(t *testing.T) {
	tests := []struct {
		name   string
		rawurl string
		want   string
	}{
		{"simple", "https://example.com/a.html", "GET:https://example.com/a.html"},
		{"host case folded", "https://CDN.JSDelivr.NET/lib.js", "GET:https://cdn.jsdelivr.net/lib.js"},
		{"default https port stripped", "https://example.com:443/a", "GET:https://example.com/a"},
		{"default http port stripped", "http://example.com:80/a", "GET:http://example.com/a"},
		{"explicit port kept", "https://example.com:8443/a", "GET:https://example.com:8443/a"},
		{"fragment dropped", "https://example.com/a.html#top", "GET:https://example.com/a.html"},
		{"query kept", "https://example.com/a?v=2", "GET:https://example.com/a?v=2"},
		{"empty path", "https://example.com", "GET:https://example.com/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FromURL(http.MethodGet, mustParse(t, tt.rawurl)))
		})
	}
}

func TestFromRequestResolvesRelative(t *testing.T) {
	origin := mustParse(t, "https://app.example.com")
	r, err := http.NewRequest(http.MethodGet, "/chat.html", nil)
	require.NoError(t, err)

	assert.Equal(t, "GET:https://app.example.com/chat.html", FromRequest(r, origin))
}

func TestFromRequestKeepsAbsolute(t *testing.T) {
	origin := mustParse(t, "https://app.example.com")
	r, err := http.NewRequest(http.MethodGet, "https://cdn.jsdelivr.net/lib.js", nil)
	require.NoError(t, err)

	assert.Equal(t, "GET:https://cdn.jsdelivr.net/lib.js", FromRequest(r, origin))
}

func TestSameIdentitySameKey(t *testing.T) {
	a := FromURL(http.MethodGet, mustParse(t, "https://Example.com:443/a.html#x"))
	b := FromURL(http.MethodGet, mustParse(t, "https://example.com/a.html"))
	assert.Equal(t, a, b)
}
