package doh

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/picatz/dohrelay/pkg/dj"
	"github.com/picatz/dohrelay/pkg/upstream"
)

// DefaultUserAgent is sent upstream when the client did not send one.
const DefaultUserAgent = "DoH Client"

var (
	// ErrEmptyQuery is returned for a GET request without a query string.
	ErrEmptyQuery = errors.New("doh: GET request without query")

	// ErrUnsupportedMethod is returned for methods other than GET and POST.
	ErrUnsupportedMethod = errors.New("doh: unsupported request format")
)

// hopHeaders are not copied from the upstream response.
var hopHeaders = []string{
	"Connection",
	"Content-Length",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Relay forwards DoH requests to an upstream server. Wire format bodies
// and dns parameters are passed through as opaque bytes.
type Relay struct {
	HTTPClient *http.Client

	// UserAgent is used when the incoming request has no User-Agent.
	// Defaults to DefaultUserAgent.
	UserAgent string
}

// attempt is one upstream request the relay may issue.
type attempt struct {
	method      string
	url         string
	accept      string
	contentType string
	body        io.Reader
}

// Relay forwards r to server and writes the result to w. A response is
// always written; the returned error only reports why the relay failed,
// for logging.
//
// Legacy JSON clients (GET with a name parameter) are tried against the
// "/dns-query" convention first and "/resolve" second. All other
// requests go to "/dns-query" once.
func (rl *Relay) Relay(w http.ResponseWriter, r *http.Request, server upstream.Spec) error {
	attempts, forceJSON, err := rl.plan(r, server)
	if err != nil {
		text := "Bad Request"
		if errors.Is(err, ErrUnsupportedMethod) {
			text = "Unsupported request format"
		}
		writeText(w, http.StatusBadRequest, text)
		return err
	}

	ua := r.Header.Get("User-Agent")
	if ua == "" {
		ua = rl.UserAgent
	}
	if ua == "" {
		ua = DefaultUserAgent
	}

	resp, err := rl.do(r, attempts, ua)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return err
	}
	defer resp.Body.Close()

	header := w.Header()
	CopyResponseHeader(header, resp.Header)
	header.Set("Access-Control-Allow-Origin", "*")
	if forceJSON {
		header.Set("Content-Type", "application/json")
	}

	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("doh: error streaming upstream response: %w", err)
	}

	return nil
}

// plan builds the ordered list of upstream attempts for r.
func (rl *Relay) plan(r *http.Request, server upstream.Spec) ([]attempt, bool, error) {
	switch r.Method {
	case http.MethodGet:
		if r.URL.RawQuery == "" {
			return nil, false, ErrEmptyQuery
		}

		query := r.URL.Query()

		if query.Has("name") {
			search := "?" + r.URL.RawQuery
			if !query.Has("type") {
				search += "&type=A"
			}

			return []attempt{
				{method: http.MethodGet, url: server.DNSQueryURL() + search, accept: dj.ContentType},
				{method: http.MethodGet, url: server.ResolveURL() + search, accept: dj.ContentType},
			}, true, nil
		}

		return []attempt{
			{method: http.MethodGet, url: server.DNSQueryURL() + "?" + r.URL.RawQuery, accept: ContentType},
		}, false, nil
	case http.MethodPost:
		return []attempt{
			{method: http.MethodPost, url: server.DNSQueryURL(), accept: ContentType, contentType: ContentType, body: r.Body},
		}, false, nil
	default:
		return nil, false, fmt.Errorf("%w: %s", ErrUnsupportedMethod, r.Method)
	}
}

// do runs the attempts in order and returns the first 2xx response. If
// every attempt is declined, the first attempt's error is returned.
func (rl *Relay) do(r *http.Request, attempts []attempt, ua string) (*http.Response, error) {
	var first error

	for _, a := range attempts {
		req, err := http.NewRequestWithContext(r.Context(), a.method, a.url, a.body)
		if err != nil {
			return nil, fmt.Errorf("doh: error creating HTTP request: %w", err)
		}

		if a.body != nil && r.ContentLength > 0 {
			req.ContentLength = r.ContentLength
		}

		req.Header.Set("Accept", a.accept)
		req.Header.Set("User-Agent", ua)
		if a.contentType != "" {
			req.Header.Set("Content-Type", a.contentType)
		}

		resp, err := rl.HTTPClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("doh: error performing HTTP request: %w", err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return resp, nil
		}

		upstreamErr := dj.NewUpstreamError(resp.StatusCode, resp.Body)
		resp.Body.Close()

		if first == nil {
			first = upstreamErr
		}
	}

	return nil, first
}

// CopyResponseHeader copies src into dst, leaving out hop-by-hop and
// length headers that no longer describe the relayed body.
func CopyResponseHeader(dst, src http.Header) {
	for key, values := range src {
		dst[key] = append([]string(nil), values...)
	}
	for _, key := range hopHeaders {
		dst.Del(key)
	}
}

func writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	io.WriteString(w, text)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
