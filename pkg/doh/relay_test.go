package doh_test

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/miekg/dns"
	"github.com/picatz/dohrelay/pkg/dj"
	"github.com/picatz/dohrelay/pkg/doh"
)

const exampleJSON = `{"Status":0,"Answer":[{"name":"example.com","type":1,"TTL":300,"data":"93.184.216.34"}]}`

func newRelay() *doh.Relay {
	return &doh.Relay{HTTPClient: cleanhttp.DefaultClient()}
}

func TestRelayJSONFallsBackToResolve(t *testing.T) {
	fake, spec := startWireUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/resolve" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(exampleJSON))
	})

	req := httptest.NewRequest(http.MethodGet, "/dns-query?name=example.com", nil)
	rec := httptest.NewRecorder()

	if err := newRelay().Relay(rec, req, spec); err != nil {
		t.Fatal(err)
	}

	resp := rec.Result()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status code %d, want %d", resp.StatusCode, http.StatusOK)
	}

	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("got content type %q, want %q", ct, "application/json")
	}

	if acao := resp.Header.Get("Access-Control-Allow-Origin"); acao != "*" {
		t.Errorf("got allow origin %q, want %q", acao, "*")
	}

	if body := rec.Body.String(); body != exampleJSON {
		t.Errorf("got body %q, want it unmodified", body)
	}

	seen := fake.requests()
	if len(seen) != 2 {
		t.Fatalf("got %d upstream requests, want 2", len(seen))
	}

	for i, path := range []string{"/dns-query", "/resolve"} {
		if seen[i].Path != path {
			t.Errorf("request %d: got path %q, want %q", i, seen[i].Path, path)
		}
		if seen[i].RawQuery != "name=example.com&type=A" {
			t.Errorf("request %d: got query %q", i, seen[i].RawQuery)
		}
		if seen[i].Accept != dj.ContentType {
			t.Errorf("request %d: got accept %q", i, seen[i].Accept)
		}
	}
}

func TestRelayJSONKeepsType(t *testing.T) {
	fake, spec := startWireUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", dj.ContentType)
		w.Write([]byte(exampleJSON))
	})

	req := httptest.NewRequest(http.MethodGet, "/dns-query?name=example.com&type=AAAA", nil)
	rec := httptest.NewRecorder()

	if err := newRelay().Relay(rec, req, spec); err != nil {
		t.Fatal(err)
	}

	seen := fake.requests()
	if len(seen) != 1 || seen[0].RawQuery != "name=example.com&type=AAAA" {
		t.Errorf("got requests %+v", seen)
	}
}

func TestRelayJSONReportsFirstFailure(t *testing.T) {
	_, spec := startWireUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/dns-query" {
			http.Error(w, "primary unavailable", http.StatusServiceUnavailable)
			return
		}
		http.NotFound(w, r)
	})

	req := httptest.NewRequest(http.MethodGet, "/dns-query?name=example.com", nil)
	rec := httptest.NewRecorder()

	err := newRelay().Relay(rec, req, spec)

	var upstreamErr *dj.UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("got %v, want UpstreamError", err)
	}

	if upstreamErr.Status != http.StatusServiceUnavailable {
		t.Errorf("got status %d, want %d", upstreamErr.Status, http.StatusServiceUnavailable)
	}

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("got status code %d, want %d", rec.Code, http.StatusInternalServerError)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}

	if want := "DoH error (503): primary unavailable\n"; body["error"] != want {
		t.Errorf("got error %q, want %q", body["error"], want)
	}
}

func TestRelayWireFormat(t *testing.T) {
	dnsReq := questionFor("google.com", dns.TypeA)

	packed, err := dnsReq.Pack()
	if err != nil {
		t.Fatal(err)
	}

	checkAnswer := func(t *testing.T, rec *httptest.ResponseRecorder) {
		t.Helper()

		if rec.Code != http.StatusOK {
			t.Fatalf("got status code %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
		}

		if ct := rec.Header().Get("Content-Type"); ct != doh.ContentType {
			t.Errorf("got content type %q, want %q", ct, doh.ContentType)
		}

		if got := rec.Header().Get("X-Upstream"); got != "fake" {
			t.Errorf("got X-Upstream %q, want upstream headers copied", got)
		}

		var dnsResp dns.Msg
		if err := dnsResp.Unpack(rec.Body.Bytes()); err != nil {
			t.Fatal(err)
		}

		if dnsResp.Id != dnsReq.Id {
			t.Errorf("got id %d, want %d", dnsResp.Id, dnsReq.Id)
		}

		if len(dnsResp.Answer) != 1 || dnsResp.Answer[0].(*dns.A).A.String() != "8.8.8.8" {
			t.Errorf("got answer %v", dnsResp.Answer)
		}
	}

	t.Run("GET", func(t *testing.T) {
		fake, spec := startWireUpstream(t, nil)

		rawQuery := "dns=" + base64.RawURLEncoding.EncodeToString(packed) + "&ct=x"

		req := httptest.NewRequest(http.MethodGet, "/dns-query?"+rawQuery, nil)
		rec := httptest.NewRecorder()

		if err := newRelay().Relay(rec, req, spec); err != nil {
			t.Fatal(err)
		}

		checkAnswer(t, rec)

		seen := fake.requests()
		if len(seen) != 1 {
			t.Fatalf("got %d upstream requests, want 1", len(seen))
		}

		if seen[0].RawQuery != rawQuery {
			t.Errorf("got query %q, want it passed through", seen[0].RawQuery)
		}

		if seen[0].Accept != doh.ContentType {
			t.Errorf("got accept %q", seen[0].Accept)
		}
	})

	t.Run("POST", func(t *testing.T) {
		fake, spec := startWireUpstream(t, nil)

		req := httptest.NewRequest(http.MethodPost, "/dns-query", bytes.NewReader(packed))
		req.Header.Set("Content-Type", "application/octet-stream")
		rec := httptest.NewRecorder()

		if err := newRelay().Relay(rec, req, spec); err != nil {
			t.Fatal(err)
		}

		checkAnswer(t, rec)

		seen := fake.requests()
		if len(seen) != 1 {
			t.Fatalf("got %d upstream requests, want 1", len(seen))
		}

		if !bytes.Equal(seen[0].Body, packed) {
			t.Error("got a modified request body")
		}

		if seen[0].ContentType != doh.ContentType || seen[0].Accept != doh.ContentType {
			t.Errorf("got content type %q and accept %q", seen[0].ContentType, seen[0].Accept)
		}
	})

	t.Run("GET is not retried", func(t *testing.T) {
		fake, spec := startWireUpstream(t, nil)

		req := httptest.NewRequest(http.MethodGet, "/dns-query?dns=not-a-message", nil)
		rec := httptest.NewRecorder()

		err := newRelay().Relay(rec, req, spec)

		var upstreamErr *dj.UpstreamError
		if !errors.As(err, &upstreamErr) || upstreamErr.Status != http.StatusBadRequest {
			t.Fatalf("got %v, want a 400 UpstreamError", err)
		}

		if n := len(fake.requests()); n != 1 {
			t.Errorf("got %d upstream requests, want 1", n)
		}
	})
}

func TestRelayRejects(t *testing.T) {
	tests := []struct {
		name    string
		req     *http.Request
		body    string
		wantErr error
	}{
		{
			name:    "GET without query",
			req:     httptest.NewRequest(http.MethodGet, "/dns-query", nil),
			body:    "Bad Request",
			wantErr: doh.ErrEmptyQuery,
		},
		{
			name:    "PUT",
			req:     httptest.NewRequest(http.MethodPut, "/dns-query?dns=AAAA", strings.NewReader("x")),
			body:    "Unsupported request format",
			wantErr: doh.ErrUnsupportedMethod,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			fake, spec := startWireUpstream(t, nil)

			rec := httptest.NewRecorder()

			err := newRelay().Relay(rec, test.req, spec)
			if !errors.Is(err, test.wantErr) {
				t.Errorf("got error %v, want %v", err, test.wantErr)
			}

			if rec.Code != http.StatusBadRequest {
				t.Errorf("got status code %d, want %d", rec.Code, http.StatusBadRequest)
			}

			if rec.Body.String() != test.body {
				t.Errorf("got body %q, want %q", rec.Body.String(), test.body)
			}

			if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
				t.Error("missing Access-Control-Allow-Origin")
			}

			if n := len(fake.requests()); n != 0 {
				t.Errorf("got %d upstream requests, want 0", n)
			}
		})
	}
}

func TestRelayUserAgent(t *testing.T) {
	tests := []struct {
		name  string
		relay *doh.Relay
		ua    string
		want  string
	}{
		{name: "default", relay: newRelay(), want: doh.DefaultUserAgent},
		{name: "configured default", relay: &doh.Relay{HTTPClient: cleanhttp.DefaultClient(), UserAgent: "relay/1"}, want: "relay/1"},
		{name: "propagated", relay: newRelay(), ua: "curl/8.5.0", want: "curl/8.5.0"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			fake, spec := startWireUpstream(t, func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, exampleJSON)
			})

			req := httptest.NewRequest(http.MethodGet, "/dns-query?name=example.com", nil)
			if test.ua != "" {
				req.Header.Set("User-Agent", test.ua)
			}

			if err := test.relay.Relay(httptest.NewRecorder(), req, spec); err != nil {
				t.Fatal(err)
			}

			seen := fake.requests()
			if len(seen) != 1 || seen[0].UserAgent != test.want {
				t.Errorf("got requests %+v, want user agent %q", seen, test.want)
			}
		})
	}
}
