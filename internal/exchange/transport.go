package exchange

import (
	"net"
	"net/http"

	"github.com/google/uuid"

	"tradegate/config"
)

const (
	HeaderSource    = "X-Source"
	HeaderRequestID = "X-Request-ID"
)

// identityTransport stamps every outbound request with the gateway source
// marker and a correlation id so venue allow-lists and traces can match it.
type identityTransport struct {
	source    string
	userAgent string
	base      http.RoundTripper
}

func (t identityTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrippers must not mutate the caller's request.
	req = req.Clone(req.Context())
	if t.source != "" {
		req.Header.Set(HeaderSource, t.source)
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if req.Header.Get(HeaderRequestID) == "" {
		req.Header.Set(HeaderRequestID, uuid.NewString())
	}
	if t.base != nil {
		return t.base.RoundTrip(req)
	}
	return http.DefaultTransport.RoundTrip(req)
}

// newPooledTransport builds the connection pool for one venue, bound to the
// configured local address when set.
func newPooledTransport(vc config.VenueConfig) *http.Transport {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        vc.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: vc.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     vc.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     vc.ConnectionPool.IdleConnTimeout,
	}
	if vc.LocalIP != "" {
		if ip := net.ParseIP(vc.LocalIP); ip != nil {
			dialer := &net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}
			transport.DialContext = dialer.DialContext
		}
	}
	return transport
}
