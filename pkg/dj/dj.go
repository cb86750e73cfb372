// Package dj provides a DoH JSON API client provided by some DNS providers,
// including Google, Cloudflare, and Quad9.
//
// This is different from [RFC8484], which came later,
// and became the generally accepted standard for DoH.
//
// [RFC8484]: https://tools.ietf.org/html/rfc8484
package dj

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/miekg/dns"
	"github.com/picatz/dohrelay/pkg/upstream"
)

// ContentType is the media type of DoH JSON API responses.
const ContentType = "application/dns-json"

// maxBodySize caps how much of a successful upstream response is read.
const maxBodySize = 1 << 20

// Common record types for Request.Type.
const (
	RecordA    = "A"
	RecordAAAA = "AAAA"
	RecordNS   = "NS"
)

// DefaultUserAgent is sent when Request.UserAgent is empty.
const DefaultUserAgent = "DoH Client"

// Request is a DNS query to a DoH server using the JSON API.
type Request struct {
	Name      string // domain name (e.g. google.com)
	Type      string // record type (e.g. A, AAAA, MX, ANY)
	UserAgent string // sent upstream, DefaultUserAgent when empty
}

// Question is a single entry of the question section.
type Question struct {
	Name string `json:"name"`
	Type int    `json:"type"`
}

// Questions is the question section. Some servers encode it as a single
// object instead of a list; both decode into a list.
type Questions []Question

// UnmarshalJSON implements json.Unmarshaler.
func (q *Questions) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)

	switch {
	case len(b) == 0, bytes.Equal(b, []byte("null")):
		*q = nil
		return nil
	case b[0] == '{':
		var one Question
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*q = Questions{one}
		return nil
	default:
		var many []Question
		if err := json.Unmarshal(b, &many); err != nil {
			return err
		}
		*q = many
		return nil
	}
}

// Record is a resource record of the answer, authority or additional
// section.
type Record struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	TTL  int    `json:"TTL"`
	Data string `json:"data"`
}

// TypeName returns the mnemonic of the record type, e.g. "CNAME".
func (r Record) TypeName() string {
	if name, ok := dns.TypeToString[uint16(r.Type)]; ok {
		return name
	}
	return fmt.Sprintf("TYPE%d", r.Type)
}

// Response is a DNS response from a DoH JSON API server.
type Response struct {
	Status     int       `json:"Status"` // DNS response code
	TC         bool      `json:"TC"`     // Truncated
	RD         bool      `json:"RD"`     // Recursion Desired
	RA         bool      `json:"RA"`     // Recursion Available
	AD         bool      `json:"AD"`     // Authenticated Data
	CD         bool      `json:"CD"`     // Checking Disabled
	Question   Questions `json:"Question"`
	Answer     []Record  `json:"Answer,omitempty"`
	Authority  []Record  `json:"Authority,omitempty"`
	Additional []Record  `json:"Additional,omitempty"`
	Comment    string    `json:"Comment,omitempty"`

	raw []byte
}

// Raw returns the response body exactly as the upstream sent it. It is
// nil for responses that were not decoded from an upstream.
func (r *Response) Raw() []byte {
	return r.raw
}

// Query performs a DNS query against the "/resolve" JSON API endpoint of
// a DoH server. A non-2xx status is returned as an *UpstreamError and is
// not retried.
func Query(ctx context.Context, httpClient *http.Client, server upstream.Spec, req *Request) (*Response, error) {
	return queryEndpoint(ctx, httpClient, server.ResolveURL(), req)
}

func queryEndpoint(ctx context.Context, httpClient *http.Client, endpoint string, req *Request) (*Response, error) {
	// Prepare the HTTP request, including the relevant headers and query params.
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dj: error creating HTTP request: %w", err)
	}

	httpReq.Header.Set("Accept", ContentType)
	ua := req.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	httpReq.Header.Set("User-Agent", ua)

	httpReq.URL.RawQuery = "name=" + url.QueryEscape(req.Name) + "&type=" + url.QueryEscape(req.Type)

	httpResp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("dj: error performing HTTP request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, NewUpstreamError(httpResp.StatusCode, httpResp.Body)
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("dj: error reading HTTP response body: %w", err)
	}

	return Decode(httpResp.Header.Get("Content-Type"), body)
}

// Decode parses a DoH JSON API body. Upstreams that label JSON as text
// are accepted as long as the body parses.
func Decode(contentType string, body []byte) (*Response, error) {
	resp := &Response{}

	if err := json.Unmarshal(body, resp); err != nil {
		return nil, &UnparseableError{
			ContentType: contentType,
			Body:        excerpt(body, unparseableExcerptLen),
			Err:         err,
		}
	}

	resp.raw = body

	return resp, nil
}
