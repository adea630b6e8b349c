package adapters

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/af-corp/switchboard/internal/types"
)

// ClientOptions bound connection setup. Response bodies are not limited here;
// stream duration is enforced by the relay.
type ClientOptions struct {
	ConnectTimeout        time.Duration
	ResponseHeaderTimeout time.Duration
}

// NewHTTPClient builds the outbound client for one provider, routing through
// its proxy_url when set.
func NewHTTPClient(p *types.Provider, opts ClientOptions) (*http.Client, error) {
	headerTimeout := opts.ResponseHeaderTimeout
	if p.Timeout > 0 {
		headerTimeout = p.Timeout
	}
	maxConns := p.MaxConcurrent
	if maxConns <= 0 {
		maxConns = 100
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: headerTimeout,
		MaxIdleConns:          maxConns,
		MaxIdleConnsPerHost:   maxConns,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
		Proxy:                 http.ProxyFromEnvironment,
	}

	if p.ProxyURL != "" {
		proxyURL, err := url.Parse(p.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("provider %s: parse proxy_url: %w", p.ID, err)
		}
		switch proxyURL.Scheme {
		case "http", "https", "socks5":
		default:
			return nil, fmt.Errorf("provider %s: unsupported proxy scheme %q", p.ID, proxyURL.Scheme)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{Transport: transport}, nil
}
