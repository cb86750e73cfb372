package upstream

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/sync/semaphore"
)

// DefaultTimeout bounds a single upstream call when ClientOptions.Timeout
// is zero.
const DefaultTimeout = 10 * time.Second

// ClientOptions configures the HTTP client used to reach upstreams.
type ClientOptions struct {
	// Timeout bounds each upstream call, including reading the body.
	Timeout time.Duration

	// MaxConcurrent bounds the number of in-flight upstream calls across
	// all requests. Zero means GOMAXPROCS*64.
	MaxConcurrent int64

	// BootstrapResolver, when set, is a host:port DNS server used to
	// resolve upstream hostnames instead of the system resolver.
	BootstrapResolver string

	// BootstrapNetwork is the transport used to reach BootstrapResolver,
	// "udp" when empty.
	BootstrapNetwork string

	// Wrap, when set, wraps the final transport (e.g. for metrics).
	Wrap func(http.RoundTripper) http.RoundTripper
}

// NewHTTPClient returns a pooled client suitable for talking to DoH
// upstreams.
func NewHTTPClient(opts ClientOptions) (*http.Client, error) {
	transport := cleanhttp.DefaultPooledTransport()

	if opts.BootstrapResolver != "" {
		dialer, err := bootstrapDialer(opts.BootstrapNetwork, opts.BootstrapResolver)
		if err != nil {
			return nil, err
		}
		transport.DialContext = dialer.DialContext
	}

	limit := opts.MaxConcurrent
	if limit <= 0 {
		limit = int64(runtime.GOMAXPROCS(0)) * 64
	}

	var rt http.RoundTripper = &limitedTransport{
		lock: semaphore.NewWeighted(limit),
		next: transport,
	}

	if opts.Wrap != nil {
		rt = opts.Wrap(rt)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &http.Client{
		Transport: rt,
		Timeout:   timeout,
	}, nil
}

// bootstrapDialer returns a dialer that resolves hostnames through a
// specific DNS server.
func bootstrapDialer(network, address string) (*net.Dialer, error) {
	if runtime.GOOS == "windows" {
		return nil, fmt.Errorf("upstream: bootstrap resolver is not supported on windows: https://golang.org/pkg/net/#hdr-Name_Resolution")
	}

	if _, _, err := net.SplitHostPort(address); err != nil {
		return nil, fmt.Errorf("upstream: invalid bootstrap resolver %q: %w", address, err)
	}

	if network == "" {
		network = "udp"
	}

	return &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
		Resolver: &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, _, _ string) (net.Conn, error) {
				d := net.Dialer{
					Timeout: 5 * time.Second,
				}
				return d.DialContext(ctx, network, address)
			},
		},
	}, nil
}

// limitedTransport holds a semaphore slot for the duration of the round
// trip. The body read happens after the slot is released.
type limitedTransport struct {
	lock *semaphore.Weighted
	next http.RoundTripper
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.lock.Acquire(req.Context(), 1); err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, err
	}
	defer t.lock.Release(1)

	return t.next.RoundTrip(req)
}
