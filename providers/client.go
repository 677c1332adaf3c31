// Package providers holds the HTTP clients for the external AIS, weather and
// satellite imagery services. Clients never retry; a failed call is returned
// as a provider_error and the caller decides what to do with it.
package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spillguard/spill-detection-service/logger"
	"github.com/spillguard/spill-detection-service/perr"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultUA        = "spill-detection-service"
	maxResponseBytes = 32 << 20
)

// Options configures a provider client
type Options struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	// Timeout bounds a single request, including reading the body
	Timeout time.Duration
	// HTTPClient overrides the default client, mostly for tests
	HTTPClient *http.Client
}

type client struct {
	http *http.Client
	opts Options
	name string
	log  *logger.Logger
	now  func() time.Time
}

func newClient(o Options, name, baseURL string) client {
	if o.BaseURL == "" {
		o.BaseURL = baseURL
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.UserAgent == "" {
		o.UserAgent = defaultUA
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	hc := o.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: o.Timeout}
	}
	return client{
		http: hc,
		opts: o,
		name: name,
		log:  logger.Named(name),
		now:  time.Now,
	}
}

// get issues a GET for path and returns the body of a 2xx response
func (c client) get(ctx context.Context, path string, query url.Values, header http.Header) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	u := c.opts.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeProvider, "%s new request failed", c.name)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := c.now()
	resp, err := c.http.Do(req)
	lat := c.now().Sub(start)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeProvider, "%s request failed", c.name)
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", lat).
		Msg("provider http response")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// a small tail is enough for diagnostics
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, perr.Providerf("%s unexpected status %d: %s", c.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeProvider, "%s read body failed", c.name)
	}
	return body, nil
}

func (c client) requireKey() error {
	if c.opts.APIKey == "" {
		return perr.Providerf("%s api key is not configured", c.name)
	}
	return nil
}

func formatCoord(v float64) string { return fmt.Sprintf("%.6f", v) }
