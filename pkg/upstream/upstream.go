// Package upstream normalizes user-supplied DoH server strings into a
// canonical base URL and derives the two endpoint conventions spoken by
// public resolvers: the [RFC8484] "/dns-query" endpoint and the JSON API
// "/resolve" endpoint.
//
// [RFC8484]: https://tools.ietf.org/html/rfc8484
package upstream

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Endpoint suffixes used by DoH servers.
const (
	DNSQuerySuffix = "/dns-query"
	ResolveSuffix  = "/resolve"
)

// ErrInvalid is matched by every error returned from Parse.
var ErrInvalid = errors.New("upstream: invalid upstream")

// InvalidError is returned when a string cannot be turned into an upstream.
type InvalidError struct {
	Input  string
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("upstream: invalid upstream %q: %s", e.Input, e.Reason)
}

// Is reports whether target is ErrInvalid.
func (e *InvalidError) Is(target error) bool {
	return target == ErrInvalid
}

// Spec is a normalized DoH server.
type Spec struct {
	Scheme   string // http or https
	Host     string // host[:port], never carries a scheme
	BasePath string // no trailing slash, no endpoint suffix

	path string // normalized path before the endpoint suffix was removed
}

// Parse normalizes s into a Spec. It accepts bare hosts ("1.1.1.1"),
// hosts with a path ("dns.google/resolve"), full URLs, and URLs whose
// scheme separator lost a slash ("https:/1.1.1.1").
func Parse(s string) (Spec, error) {
	raw := s

	s = strings.TrimSpace(s)
	if s == "" {
		return Spec{}, &InvalidError{Input: raw, Reason: "empty"}
	}

	s = FixScheme(s)

	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		if strings.Contains(s, "://") {
			return Spec{}, &InvalidError{Input: raw, Reason: "unsupported scheme"}
		}
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return Spec{}, &InvalidError{Input: raw, Reason: err.Error()}
	}

	if u.Host == "" {
		return Spec{}, &InvalidError{Input: raw, Reason: "missing host"}
	}

	path := strings.TrimRight(u.Path, "/")

	base := path
	switch {
	case strings.HasSuffix(base, DNSQuerySuffix):
		base = strings.TrimSuffix(base, DNSQuerySuffix)
	case strings.HasSuffix(base, ResolveSuffix):
		base = strings.TrimSuffix(base, ResolveSuffix)
	}

	return Spec{
		Scheme:   strings.ToLower(u.Scheme),
		Host:     u.Host,
		BasePath: strings.TrimRight(base, "/"),
		path:     path,
	}, nil
}

// MustParse is like Parse but panics on error. It is meant for constants.
func MustParse(s string) Spec {
	spec, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return spec
}

// Base returns scheme://host/basePath without a trailing slash.
func (s Spec) Base() string {
	return s.Scheme + "://" + s.Host + s.BasePath
}

// DNSQueryURL returns the RFC8484 endpoint of the upstream.
func (s Spec) DNSQueryURL() string {
	return s.Base() + DNSQuerySuffix
}

// ResolveURL returns the JSON API endpoint of the upstream.
func (s Spec) ResolveURL() string {
	return s.Base() + ResolveSuffix
}

// String implements fmt.Stringer.
func (s Spec) String() string {
	return s.Base()
}

// SameHost reports whether the upstream lives on host (as found in an
// HTTP request's Host header). Names compare case-insensitively without
// a trailing dot, and a missing port stands for the scheme's default.
func (s Spec) SameHost(host string) bool {
	if host == "" {
		return false
	}

	name, port := splitHostPort(s.Host)
	if port == "" {
		port = defaultPort(s.Scheme)
	}

	reqName, reqPort := splitHostPort(host)
	if !strings.EqualFold(name, reqName) {
		return false
	}

	if reqPort == "" {
		return port == "80" || port == "443"
	}

	return reqPort == port
}

func splitHostPort(hostport string) (string, string) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = hostport, ""
	}

	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")

	return strings.TrimSuffix(host, "."), port
}

func defaultPort(scheme string) string {
	if scheme == "http" {
		return "80"
	}
	return "443"
}

// EmbeddedUpstream returns the upstream carried in the spec's own path,
// as in "https://relay.example/1.1.1.1/dns-query".
func (s Spec) EmbeddedUpstream(dohPath string) (string, bool) {
	return FromPath(s.path, dohPath)
}

// FixScheme repairs the first scheme separator that lost a slash, which
// happens when browsers or proxies collapse "//" inside a request path.
func FixScheme(s string) string {
	for i := 0; i+1 < len(s); i++ {
		if s[i] != ':' || s[i+1] != '/' {
			continue
		}
		if i+2 < len(s) && s[i+2] == '/' {
			continue
		}
		return s[:i] + "://" + s[i+2:]
	}
	return s
}

// FromPath extracts the upstream embedded in a request path of the form
// "/{upstream...}/{dohPath}". The last occurrence of dohPath is the
// boundary, so "/1.1.1.1/dns-query/dns-query" yields "1.1.1.1/dns-query".
func FromPath(path, dohPath string) (string, bool) {
	dohPath = strings.Trim(dohPath, "/")
	if dohPath == "" {
		return "", false
	}

	segments := make([]string, 0, 4)
	for _, segment := range strings.Split(path, "/") {
		if segment != "" {
			segments = append(segments, segment)
		}
	}

	if len(segments) < 2 || segments[len(segments)-1] != dohPath {
		return "", false
	}

	end := strings.LastIndex(path, "/"+dohPath)
	if end <= 0 {
		return "", false
	}

	embedded := strings.Trim(path[:end], "/")
	if embedded == "" {
		return "", false
	}

	return FixScheme(embedded), true
}
