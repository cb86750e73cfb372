package dj_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/picatz/dohrelay/pkg/dj"
	"github.com/picatz/dohrelay/pkg/upstream"
)

const exampleA = `{"Status":0,"Answer":[{"name":"example.com","type":1,"TTL":300,"data":"93.184.216.34"}]}`

type recordedRequest struct {
	Path      string
	Query     string
	Accept    string
	UserAgent string
}

// testUpstream starts a fake DoH server. handle may write a response and
// return true; otherwise the request 404s.
func testUpstream(t *testing.T, handle func(w http.ResponseWriter, r *http.Request) bool) (upstream.Spec, func() []recordedRequest) {
	t.Helper()

	var (
		mu       sync.Mutex
		requests []recordedRequest
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests = append(requests, recordedRequest{
			Path:      r.URL.Path,
			Query:     r.URL.RawQuery,
			Accept:    r.Header.Get("Accept"),
			UserAgent: r.Header.Get("User-Agent"),
		})
		mu.Unlock()

		if handle != nil && handle(w, r) {
			return
		}

		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	spec, err := upstream.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	return spec, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), requests...)
	}
}

func TestQuery(t *testing.T) {
	client := cleanhttp.DefaultClient()

	t.Run("resolve endpoint", func(t *testing.T) {
		spec, requests := testUpstream(t, func(w http.ResponseWriter, r *http.Request) bool {
			if r.URL.Path != "/resolve" {
				return false
			}
			w.Header().Set("Content-Type", "application/dns-json")
			w.Write([]byte(exampleA))
			return true
		})

		resp, err := dj.Query(context.Background(), client, spec, &dj.Request{Name: "example.com", Type: dj.RecordA})
		if err != nil {
			t.Fatal(err)
		}

		if len(resp.Answer) != 1 || resp.Answer[0].Data != "93.184.216.34" {
			t.Fatalf("got answer %+v", resp.Answer)
		}

		if string(resp.Raw()) != exampleA {
			t.Errorf("got raw body %q, want it unmodified", resp.Raw())
		}

		got := requests()
		if len(got) != 1 {
			t.Fatalf("got %d upstream requests, want 1", len(got))
		}

		want := recordedRequest{
			Path:      "/resolve",
			Query:     "name=example.com&type=A",
			Accept:    "application/dns-json",
			UserAgent: dj.DefaultUserAgent,
		}
		if got[0] != want {
			t.Errorf("got request %+v, want %+v", got[0], want)
		}
	})

	t.Run("dns-query is not tried", func(t *testing.T) {
		spec, requests := testUpstream(t, func(w http.ResponseWriter, r *http.Request) bool {
			if r.URL.Path != "/dns-query" {
				return false
			}
			w.Header().Set("Content-Type", "application/dns-json")
			w.Write([]byte(exampleA))
			return true
		})

		_, err := dj.Query(context.Background(), client, spec, &dj.Request{Name: "example.com", Type: dj.RecordA})

		var upstreamErr *dj.UpstreamError
		if !errors.As(err, &upstreamErr) {
			t.Fatalf("got %v, want UpstreamError", err)
		}

		if upstreamErr.Status != http.StatusNotFound {
			t.Errorf("got status %d, want %d", upstreamErr.Status, http.StatusNotFound)
		}

		got := requests()
		if len(got) != 1 || got[0].Path != "/resolve" {
			t.Errorf("got requests %+v", got)
		}
	})

	t.Run("user agent", func(t *testing.T) {
		spec, requests := testUpstream(t, func(w http.ResponseWriter, r *http.Request) bool {
			w.Header().Set("Content-Type", "application/dns-json")
			w.Write([]byte(exampleA))
			return true
		})

		req := &dj.Request{Name: "example.com", Type: dj.RecordA, UserAgent: "relay-test/1.0"}
		if _, err := dj.Query(context.Background(), client, spec, req); err != nil {
			t.Fatal(err)
		}

		got := requests()
		if len(got) != 1 || got[0].UserAgent != "relay-test/1.0" {
			t.Errorf("got requests %+v", got)
		}
	})

	t.Run("upstream failure", func(t *testing.T) {
		spec, _ := testUpstream(t, func(w http.ResponseWriter, r *http.Request) bool {
			if r.URL.Path == "/resolve" {
				http.Error(w, strings.Repeat("x", 500), http.StatusBadGateway)
				return true
			}
			return false
		})

		_, err := dj.Query(context.Background(), client, spec, &dj.Request{Name: "example.com", Type: dj.RecordA})

		var upstreamErr *dj.UpstreamError
		if !errors.As(err, &upstreamErr) {
			t.Fatalf("got %v, want UpstreamError", err)
		}

		if upstreamErr.Status != http.StatusBadGateway {
			t.Errorf("got status %d, want %d", upstreamErr.Status, http.StatusBadGateway)
		}

		if len(upstreamErr.Body) != 200 {
			t.Errorf("got excerpt of %d characters, want 200", len(upstreamErr.Body))
		}

		if !strings.HasPrefix(err.Error(), "DoH error (502): xxx") {
			t.Errorf("got message %q", err.Error())
		}
	})

	t.Run("text body holding JSON", func(t *testing.T) {
		spec, _ := testUpstream(t, func(w http.ResponseWriter, r *http.Request) bool {
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte(exampleA))
			return true
		})

		resp, err := dj.Query(context.Background(), client, spec, &dj.Request{Name: "example.com", Type: dj.RecordA})
		if err != nil {
			t.Fatal(err)
		}

		if len(resp.Answer) != 1 {
			t.Errorf("got %d answers, want 1", len(resp.Answer))
		}
	})

	t.Run("unparseable body", func(t *testing.T) {
		page := "<html>" + strings.Repeat("nope ", 50) + "</html>"

		spec, requests := testUpstream(t, func(w http.ResponseWriter, r *http.Request) bool {
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte(page))
			return true
		})

		_, err := dj.Query(context.Background(), client, spec, &dj.Request{Name: "example.com", Type: dj.RecordA})

		var unparseable *dj.UnparseableError
		if !errors.As(err, &unparseable) {
			t.Fatalf("got %v, want UnparseableError", err)
		}

		if unparseable.Body != page[:100] {
			t.Errorf("got excerpt %q", unparseable.Body)
		}

		if n := len(requests()); n != 1 {
			t.Errorf("got %d upstream requests, want 1", n)
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		spec, _ := testUpstream(t, func(w http.ResponseWriter, r *http.Request) bool {
			w.Header().Set("Content-Type", "application/dns-json")
			w.Write([]byte(exampleA))
			return true
		})

		req := &dj.Request{Name: "example.com", Type: dj.RecordA}

		first, err := dj.Query(context.Background(), client, spec, req)
		if err != nil {
			t.Fatal(err)
		}

		second, err := dj.Query(context.Background(), client, spec, req)
		if err != nil {
			t.Fatal(err)
		}

		if !reflect.DeepEqual(first, second) {
			t.Errorf("got %+v and %+v", first, second)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		spec, requests := testUpstream(t, nil)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := dj.Query(ctx, client, spec, &dj.Request{Name: "example.com", Type: dj.RecordA})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("got %v, want context.Canceled", err)
		}

		if n := len(requests()); n != 0 {
			t.Errorf("got %d upstream requests, want 0", n)
		}
	})
}

func TestQuestionsUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		body string
		want dj.Questions
	}{
		{
			name: "list",
			body: `{"Question":[{"name":"example.com.","type":1},{"name":"example.com.","type":28}]}`,
			want: dj.Questions{{Name: "example.com.", Type: 1}, {Name: "example.com.", Type: 28}},
		},
		{
			name: "single object",
			body: `{"Question":{"name":"example.com.","type":2}}`,
			want: dj.Questions{{Name: "example.com.", Type: 2}},
		},
		{
			name: "null",
			body: `{"Question":null}`,
			want: nil,
		},
		{
			name: "missing",
			body: `{"Status":3}`,
			want: nil,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var resp dj.Response
			if err := json.Unmarshal([]byte(test.body), &resp); err != nil {
				t.Fatal(err)
			}

			if !reflect.DeepEqual(resp.Question, test.want) {
				t.Errorf("got %+v, want %+v", resp.Question, test.want)
			}
		})
	}
}

func TestRecordTypeName(t *testing.T) {
	tests := map[int]string{
		1:     "A",
		5:     "CNAME",
		6:     "SOA",
		28:    "AAAA",
		65280: "TYPE65280",
	}

	for typ, want := range tests {
		if got := (dj.Record{Type: typ}).TypeName(); got != want {
			t.Errorf("TypeName(%d) = %q, want %q", typ, got, want)
		}
	}
}
