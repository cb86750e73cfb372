package server

import (
	"net/http"
	"strings"

	"github.com/picatz/dohrelay/pkg/upstream"
)

// Mode is what the server does with a request.
type Mode string

const (
	ModePreflight Mode = "preflight"
	ModeDenied    Mode = "denied"
	ModeRelay     Mode = "relay"
	ModeRelayPath Mode = "relay-path"
	ModeIPInfo    Mode = "ip-info"
	ModeJSONQuery Mode = "json-query"
	ModeFallback  Mode = "fallback"
)

// Paths are the configured paths the classifier matches against.
type Paths struct {
	DoH    string // single segment, e.g. "dns-query"
	IPInfo string // e.g. "/ip-info"
}

// Route is the result of classifying a request.
type Route struct {
	Mode Mode

	// Upstream is the raw upstream carried in the path, for ModeRelayPath.
	Upstream string
}

// Classify picks the mode for r, whose path has already had any access
// token removed. The first matching rule wins:
//
//  1. OPTIONS is a CORS preflight.
//  2. "/{doh}" relays to the default upstream.
//  3. "/{upstream...}/{doh}" relays to the upstream in the path.
//  4. The IP info path looks up geolocation.
//  5. A "doh" query parameter runs a JSON query.
//  6. Anything else falls back.
//
// Rules 2 and 3 do not apply to a browser opening the URL directly, so
// that visiting the DoH endpoint shows the console instead.
func Classify(r *http.Request, path string, paths Paths) Route {
	if r.Method == http.MethodOptions {
		return Route{Mode: ModePreflight}
	}

	direct := browserDirect(r)

	if !direct && path == "/"+paths.DoH {
		return Route{Mode: ModeRelay}
	}

	if !direct {
		if embedded, ok := upstream.FromPath(path, paths.DoH); ok {
			return Route{Mode: ModeRelayPath, Upstream: embedded}
		}
	}

	if path == paths.IPInfo {
		return Route{Mode: ModeIPInfo}
	}

	if r.URL.Query().Has("doh") {
		return Route{Mode: ModeJSONQuery}
	}

	return Route{Mode: ModeFallback}
}

// browserDirect reports whether r looks like a browser navigating to a
// URL: a GET without a query string that accepts HTML.
func browserDirect(r *http.Request) bool {
	return r.Method == http.MethodGet &&
		r.URL.RawQuery == "" &&
		strings.Contains(r.Header.Get("Accept"), "text/html")
}
