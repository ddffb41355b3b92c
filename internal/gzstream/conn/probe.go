package conn

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/imroc/req/v3"

	"github.com/dimasma0305/gzstream/internal/log"
)

// DefaultHealthPath is the backend's health endpoint
const DefaultHealthPath = "/api/health"

// Prober reports whether the backend answers out-of-band health checks
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober
type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Probe(ctx context.Context) bool {
	return f(ctx)
}

// AlwaysAvailable is used when no probe is configured
var AlwaysAvailable = ProberFunc(func(context.Context) bool { return true })

// HTTPProber sends HEAD requests to the backend health endpoint
type HTTPProber struct {
	client *req.Client
	url    string
}

// HealthURL derives the health endpoint from the websocket url:
// ws becomes http, wss becomes https, and the path is replaced
func HealthURL(wsURL, healthPath string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	u.Path = healthPath
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// NewHTTPProber builds a probe for the backend behind wsURL
func NewHTTPProber(wsURL, healthPath string, timeout time.Duration, jar http.CookieJar, insecure bool) (*HTTPProber, error) {
	target, err := HealthURL(wsURL, healthPath)
	if err != nil {
		return nil, err
	}

	client := req.C().
		SetUserAgent("gzstream").
		SetTimeout(timeout).
		DisableAutoReadResponse()
	if jar != nil {
		client.SetCookieJar(jar)
	}
	if insecure {
		client.SetTLSClientConfig(&tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // G402: self-signed backends in lab setups
			MinVersion:         tls.VersionTLS12,
		})
	}

	return &HTTPProber{client: client, url: target}, nil
}

// URL returns the probed endpoint
func (p *HTTPProber) URL() string {
	return p.url
}

// Probe never fails: any error counts as unavailable
func (p *HTTPProber) Probe(ctx context.Context) bool {
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Cache-Control", "no-cache").
		Head(p.url)
	if err != nil {
		log.DebugH2("Health probe %s failed: %v", p.url, err)
		return false
	}
	if resp.Body != nil {
		resp.Body.Close()
	}
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok {
		log.DebugH2("Health probe %s returned %d", p.url, resp.StatusCode)
	}
	return ok
}
