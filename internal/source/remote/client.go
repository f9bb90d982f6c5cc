package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/jmgilman/go/errors"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/bundlemanager/internal/bundle"
	"github.com/GriffinCanCode/bundlemanager/internal/infrastructure/resilience"
)

// client talks to one content server.
type client struct {
	base    string
	resty   *resty.Client
	payload *retryablehttp.Client
	breaker *resilience.Breaker
	limiter *rate.Limiter
}

func newClient(cfg Config, breaker *resilience.Breaker) *client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = hc
	retryClient.RetryMax = cfg.RetryMax
	retryClient.RetryWaitMin = cfg.RetryWaitMin
	retryClient.RetryWaitMax = cfg.RetryWaitMax
	retryClient.Logger = nil

	restyClient := resty.NewWithClient(hc).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryMax).
		SetRetryWaitTime(cfg.RetryWaitMin).
		SetRetryMaxWaitTime(cfg.RetryWaitMax).
		SetHeader("User-Agent", "bundlemgr/1.0").
		SetHeader("Accept", "application/json")

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.BandwidthBPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.BandwidthBPS), max(cfg.BandwidthBPS, minBurst))
	}

	return &client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		resty:   restyClient,
		payload: retryClient,
		breaker: breaker,
		limiter: limiter,
	}
}

// minBurst keeps read chunks reasonable when the bandwidth cap is tiny.
const minBurst = 32 * 1024

// fetchManifest downloads and decodes the manifest.
func (c *client) fetchManifest(ctx context.Context) (*Manifest, error) {
	return resilience.Call(ctx, c.breaker, func(ctx context.Context) (*Manifest, error) {
		resp, err := c.resty.R().
			SetContext(ctx).
			Get(c.base + "/manifest.json")
		if err != nil {
			return nil, transportError(err, "fetch manifest")
		}
		switch {
		case resp.StatusCode() == http.StatusNotFound:
			return nil, errors.New(errors.CodeNotFound, "manifest not found")
		case resp.IsError():
			return nil, errors.Newf(errors.CodeNetwork, "fetch manifest: HTTP %d", resp.StatusCode())
		}

		var m Manifest
		if err := json.Unmarshal(resp.Body(), &m); err != nil {
			return nil, errors.Wrap(err, errors.CodeSchemaFailed, "decode manifest")
		}
		if m.ContentVersion == "" {
			return nil, errors.New(errors.CodeSchemaFailed, "manifest has no content version")
		}
		return &m, nil
	})
}

// openPayload starts downloading one file and returns its response body,
// throttled to the configured bandwidth.
func (c *client) openPayload(ctx context.Context, name bundle.Name, f ManifestFile) (io.ReadCloser, error) {
	return resilience.Call(ctx, c.breaker, func(ctx context.Context) (io.ReadCloser, error) {
		u := fmt.Sprintf("%s/bundles/%s/%s", c.base, url.PathEscape(string(name)), escapePath(f.Path))
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeInvalidInput, "build payload request")
		}
		resp, err := c.payload.Do(req)
		if err != nil {
			return nil, transportError(err, "download "+f.Path)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			code := errors.CodeNetwork
			if resp.StatusCode == http.StatusNotFound {
				code = errors.CodeNotFound
			}
			return nil, errors.Newf(code, "download %s: HTTP %d", f.Path, resp.StatusCode)
		}
		return &throttledBody{ctx: ctx, body: resp.Body, limiter: c.limiter}, nil
	})
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}

func transportError(err error, msg string) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(err, errors.CodeTimeout, msg)
	}
	return errors.Wrap(err, errors.CodeNetwork, msg)
}

// throttledBody rate limits reads from an HTTP body.
type throttledBody struct {
	ctx     context.Context
	body    io.ReadCloser
	limiter *rate.Limiter
}

func (t *throttledBody) Read(p []byte) (int, error) {
	if t.limiter.Limit() != rate.Inf && len(p) > t.limiter.Burst() {
		p = p[:t.limiter.Burst()]
	}
	n, err := t.body.Read(p)
	if n > 0 && t.limiter.Limit() != rate.Inf {
		if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (t *throttledBody) Close() error { return t.body.Close() }

// retryDefaults fills the wait bounds used by both HTTP clients.
func retryDefaults(cfg *Config) {
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = 500 * time.Millisecond
	}
	if cfg.RetryWaitMax < cfg.RetryWaitMin {
		cfg.RetryWaitMax = 10 * time.Second
	}
}
