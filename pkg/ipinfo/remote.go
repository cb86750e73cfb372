package ipinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// maxResponseSize caps how much of a lookup response is read.
const maxResponseSize = 64 << 10

// RemoteOptions configures a Remote lookup.
type RemoteOptions struct {
	// Endpoint is the base URL the IP is appended to, e.g.
	// "http://ip-api.com/json/".
	Endpoint string

	// Lang is passed as the lang query parameter when set.
	Lang string

	// RetryMax is the number of retries after a failed attempt.
	RetryMax int

	// RetryWaitMin and RetryWaitMax bound the backoff between retries.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// Logger receives retry diagnostics; nil disables them.
	Logger retryablehttp.LeveledLogger

	// HTTPClient is the underlying client. Defaults to a pooled client.
	HTTPClient *http.Client
}

// Remote looks IP addresses up at an ip-api.com compatible endpoint,
// retrying connection errors and 5xx/429 answers with backoff.
type Remote struct {
	endpoint string
	lang     string
	client   *retryablehttp.Client
}

// NewRemote returns a Remote lookup.
func NewRemote(opts RemoteOptions) (*Remote, error) {
	if _, err := url.Parse(opts.Endpoint); err != nil || opts.Endpoint == "" {
		return nil, fmt.Errorf("ipinfo: invalid endpoint %q", opts.Endpoint)
	}

	client := retryablehttp.NewClient()
	client.RetryMax = opts.RetryMax
	if opts.RetryWaitMin > 0 {
		client.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		client.RetryWaitMax = opts.RetryWaitMax
	}
	if opts.HTTPClient != nil {
		client.HTTPClient = opts.HTTPClient
	} else {
		client.HTTPClient = cleanhttp.DefaultPooledClient()
	}
	client.Logger = nil
	if opts.Logger != nil {
		client.Logger = opts.Logger
	}

	return &Remote{
		endpoint: strings.TrimSuffix(opts.Endpoint, "/") + "/",
		lang:     opts.Lang,
		client:   client,
	}, nil
}

// Lookup implements Lookuper. The upstream document is returned as is.
func (r *Remote) Lookup(ctx context.Context, ip string) (json.RawMessage, error) {
	addr, err := ParseIP(ip)
	if err != nil {
		return nil, err
	}

	target := r.endpoint + url.PathEscape(addr.String())
	if r.lang != "" {
		target += "?lang=" + url.QueryEscape(r.lang)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("ipinfo: error creating HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ipinfo: error performing HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("ipinfo: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("ipinfo: error reading HTTP response body: %w", err)
	}

	if !json.Valid(body) {
		return nil, fmt.Errorf("ipinfo: response is not JSON")
	}

	return json.RawMessage(body), nil
}
