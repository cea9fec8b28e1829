// Package registry is an HTTPS client for pulling a legacy (schema 1) base
// image from a Docker registry: bearer-token acquisition, manifest fetch,
// and gzipped blob download, without invoking the Docker daemon. The
// bearer token is attached by an http.RoundTripper decorator rather than
// threaded through every call by hand.
package registry

import (
	"net/http"
)

// bearerTransport decorates every outgoing request with a bearer
// Authorization header, so retried or redirected requests stay
// authenticated.
type bearerTransport struct {
	inner http.RoundTripper
	token string
}

var _ http.RoundTripper = (*bearerTransport)(nil)

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.Header.Set("Authorization", "Bearer "+bt.token)
	out.Header.Set("User-Agent", userAgent)
	return bt.inner.RoundTrip(out)
}

const userAgent = "conda-docker/" + "0.0.2"
