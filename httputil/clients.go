package httputil

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const DefaultTimeout = 15 * time.Second

// NewClient returns the client used for outbound API calls. With an empty
// proxyURL the usual HTTPS_PROXY environment applies.
func NewClient(timeout time.Duration, proxyURL string) (*http.Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy url %q", proxyURL)
		}
		transport.Proxy = http.ProxyURL(u)
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}, nil
}
