package cachekey

import (
	"net/http"
	"net/url"
	"strings"
)

const methodSeparator = ":"

// FromURL returns the cache key for a request identity: the method plus
// the normalized absolute URL. Two requests that a cache must treat as
// the same resource produce the same key.
func FromURL(method string, u *url.URL) string {
	return method + methodSeparator + normalize(u)
}

// FromRequest returns the cache key for an intercepted request.
// Requests carrying a relative URL are resolved against the given origin
// before normalization.
func FromRequest(r *http.Request, origin *url.URL) string {
	u := r.URL
	if !u.IsAbs() && origin != nil {
		u = origin.ResolveReference(u)
	}
	return FromURL(r.Method, u)
}

// normalize returns the canonical string form of a URL for keying:
// scheme and host lowercased, default port stripped, fragment dropped,
// empty path replaced with "/". The query string is kept as-is, since
// distinct queries identify distinct resources.
func normalize(u *url.URL) string {
	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)
	n.Fragment = ""
	if n.Path == "" {
		n.Path = "/"
	}
	if port := n.Port(); port != "" && port == defaultPort(n.Scheme) {
		n.Host = n.Hostname()
	}
	return n.String()
}

func defaultPort(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	}
	return ""
}
