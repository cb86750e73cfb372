// Package doh provides a DNS-over-HTTPS (DoH) client implementation
// following [RFC8484], and the relay that forwards DoH requests to an
// upstream server without looking inside them.
//
// [RFC8484]: https://tools.ietf.org/html/rfc8484
package doh

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/miekg/dns"
	"github.com/picatz/dohrelay/pkg/dj"
)

// ContentType is the media type of RFC 8484 DNS messages.
const ContentType = "application/dns-message"

// maxMessageSize is the largest DNS message a response body may carry.
const maxMessageSize = dns.MaxMsgSize

// KnownServer is a known DoH server URL.
type KnownServer = string

var (
	Google     KnownServer = "https://dns.google/dns-query"
	Cloudflare KnownServer = "https://cloudflare-dns.com/dns-query"
	Quad9      KnownServer = "https://dns.quad9.net:5053/dns-query"
)

// Query performs a DNS query using a DoH server.
func Query(ctx context.Context, httpClient *http.Client, server string, dnsReq *dns.Msg) (*dns.Msg, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, server, nil)
	if err != nil {
		return nil, fmt.Errorf("doh: error creating HTTP request: %w", err)
	}

	httpReq.Header.Set("Accept", ContentType)

	q := httpReq.URL.Query()

	dnsReqBytes, err := dnsReq.Pack()
	if err != nil {
		return nil, fmt.Errorf("doh: error packing DNS request: %w", err)
	}

	q.Set("dns", base64.RawURLEncoding.EncodeToString(dnsReqBytes))

	httpReq.URL.RawQuery = q.Encode()

	httpResp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("doh: error performing HTTP request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, dj.NewUpstreamError(httpResp.StatusCode, httpResp.Body)
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxMessageSize))
	if err != nil {
		return nil, fmt.Errorf("doh: error reading HTTP response body: %w", err)
	}

	dnsResp := &dns.Msg{}
	err = dnsResp.Unpack(body)
	if err != nil {
		return nil, fmt.Errorf("doh: error unpacking DNS response: %w", err)
	}

	return dnsResp, nil
}

// SimpleQuery performs a DNS query using a DoH server using the
// dj (DNS JSON) format types to represent the request and response.
//
// The result has the same shape as a [dj.Query] result, so callers can
// print wire format and JSON API answers the same way.
func SimpleQuery(ctx context.Context, httpClient *http.Client, server string, req *dj.Request) (*dj.Response, error) {
	qType, ok := dns.StringToType[strings.ToUpper(req.Type)]
	if !ok {
		return nil, fmt.Errorf("doh: unknown record type %q", req.Type)
	}

	var qClass uint16
	switch qType {
	case dns.TypeANY:
		qClass = dns.ClassANY
	default:
		qClass = dns.ClassINET
	}

	dnsResp, err := Query(ctx, httpClient, server, &dns.Msg{
		MsgHdr: dns.MsgHdr{
			Id:               dns.Id(),
			RecursionDesired: true,
		},
		Question: []dns.Question{
			{
				Name:   dns.Fqdn(req.Name),
				Qtype:  qType,
				Qclass: qClass,
			},
		},
	})
	if err != nil {
		return nil, err
	}

	return FromMsg(dnsResp), nil
}

// FromMsg converts a DNS message into the DNS JSON representation.
func FromMsg(msg *dns.Msg) *dj.Response {
	resp := &dj.Response{
		Status: msg.Rcode,
		TC:     msg.Truncated,
		RD:     msg.RecursionDesired,
		RA:     msg.RecursionAvailable,
		AD:     msg.AuthenticatedData,
		CD:     msg.CheckingDisabled,
	}

	for _, question := range msg.Question {
		resp.Question = append(resp.Question, dj.Question{
			Name: question.Name,
			Type: int(question.Qtype),
		})
	}

	for _, rr := range msg.Answer {
		resp.Answer = append(resp.Answer, toRecord(rr))
	}

	for _, rr := range msg.Ns {
		resp.Authority = append(resp.Authority, toRecord(rr))
	}

	for _, rr := range msg.Extra {
		// OPT pseudo-records (EDNS0) have no JSON form.
		if rr.Header().Rrtype == dns.TypeOPT {
			continue
		}
		resp.Additional = append(resp.Additional, toRecord(rr))
	}

	return resp
}

func toRecord(rr dns.RR) dj.Record {
	header := rr.Header()

	return dj.Record{
		Name: header.Name,
		Type: int(header.Rrtype),
		TTL:  int(header.Ttl),
		Data: recordData(rr),
	}
}

// recordData extracts the main information of a record (IP address,
// target, etc.) as the JSON API presents it.
func recordData(rr dns.RR) string {
	switch rr := rr.(type) {
	case *dns.A:
		return rr.A.String()
	case *dns.AAAA:
		return rr.AAAA.String()
	case *dns.CNAME:
		return rr.Target
	case *dns.MX:
		return fmt.Sprintf("%d %s", rr.Preference, rr.Mx)
	case *dns.NS:
		return rr.Ns
	case *dns.PTR:
		return rr.Ptr
	case *dns.SOA:
		return fmt.Sprintf("%s %s %d %d %d %d %d", rr.Ns, rr.Mbox, rr.Serial, rr.Refresh, rr.Retry, rr.Expire, rr.Minttl)
	case *dns.SRV:
		return fmt.Sprintf("%d %d %d %s", rr.Priority, rr.Weight, rr.Port, rr.Target)
	case *dns.TXT:
		return strings.Join(rr.Txt, " ")
	default:
		return strings.TrimSpace(strings.TrimPrefix(rr.String(), rr.Header().String()))
	}
}
