package apkdb

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"golang.org/x/net/proxy"
)

// Fetcher retrieves repository index and package blobs over plain HTTP
// (§4.5), honoring a proxy configured via the runtime config or the
// ALL_PROXY/NO_PROXY environment variables.
type Fetcher struct {
	Client *http.Client
}

// NewFetcher builds a Fetcher whose transport dials through proxyURL if
// set, otherwise through x/net/proxy's environment-derived dialer, which
// reads ALL_PROXY and NO_PROXY; HTTP_PROXY is not consulted.
func NewFetcher(proxyURL string) (*Fetcher, error) {
	dialer, err := resolveProxyDialer(proxyURL)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		},
	}
	return &Fetcher{Client: &http.Client{Transport: transport, Timeout: 2 * time.Minute}}, nil
}

func resolveProxyDialer(proxyURL string) (proxy.Dialer, error) {
	if proxyURL == "" {
		return proxy.FromEnvironment(), nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parsing proxy_url: %w", err)
	}
	d, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("building proxy dialer: %w", err)
	}
	return d, nil
}

// FetchResult is the outcome of a conditional fetch (§4.5 cache_download).
type FetchResult struct {
	NotModified bool
	Body        *http.Response // non-nil iff !NotModified; caller must Close Body.Body
}

// Fetch performs a GET against rawURL, sending If-Modified-Since when
// ifModifiedSince is non-zero. A 304 response is reported via NotModified
// without a usable body.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, ifModifiedSince time.Time) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", rawURL, err)
	}
	if !ifModifiedSince.IsZero() {
		req.Header.Set("If-Modified-Since", ifModifiedSince.UTC().Format(http.TimeFormat))
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, newDBError(ErrRepositoryUnavailable, "fetching %s: %v", rawURL, err)
	}

	if resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		return &FetchResult{NotModified: true}, nil
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, newDBError(ErrRepositoryUnavailable, "fetching %s: HTTP %d", rawURL, resp.StatusCode)
	}
	return &FetchResult{Body: resp}, nil
}

// openLocalOrFetch opens a file:// URL directly, otherwise delegates to
// Fetch; cache_download calls it for every fetch (§4.5).
func openLocalOrFetch(ctx context.Context, f *Fetcher, rawURL string, ifModifiedSince time.Time) (*FetchResult, error) {
	u, err := url.Parse(rawURL)
	if err == nil && u.Scheme == "file" {
		fh, err := os.Open(u.Path)
		if err != nil {
			return nil, newDBError(ErrRepositoryUnavailable, "opening %s: %v", u.Path, err)
		}
		fi, err := fh.Stat()
		if err == nil && !ifModifiedSince.IsZero() && !fi.ModTime().After(ifModifiedSince) {
			fh.Close()
			return &FetchResult{NotModified: true}, nil
		}
		return &FetchResult{Body: &http.Response{Body: fh, StatusCode: http.StatusOK}}, nil
	}
	return f.Fetch(ctx, rawURL, ifModifiedSince)
}
