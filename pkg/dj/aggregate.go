package dj

import (
	"context"
	"net/http"

	"github.com/miekg/dns"
	"github.com/picatz/dohrelay/pkg/upstream"
	"golang.org/x/sync/errgroup"
)

// RecordSet is a named group of records in an Aggregate.
type RecordSet struct {
	Records []Record `json:"records"`
}

// Aggregate combines the A, AAAA and NS responses for one domain.
type Aggregate struct {
	Status   int        `json:"Status"`
	TC       bool       `json:"TC"`
	RD       bool       `json:"RD"`
	RA       bool       `json:"RA"`
	AD       bool       `json:"AD"`
	CD       bool       `json:"CD"`
	Question []Question `json:"Question"`
	Answer   []Record   `json:"Answer"`
	IPv4     RecordSet  `json:"ipv4"`
	IPv6     RecordSet  `json:"ipv6"`
	NS       RecordSet  `json:"ns"`
}

// QueryAll queries the A, AAAA and NS records of req.Name concurrently
// and combines them. req.Type is ignored. If any of the three queries
// fails, the others are cancelled and that error is returned.
func QueryAll(ctx context.Context, httpClient *http.Client, server upstream.Spec, req *Request) (*Aggregate, error) {
	types := [3]string{RecordA, RecordAAAA, RecordNS}

	var results [3]*Response

	eg, gtx := errgroup.WithContext(ctx)

	for i, t := range types {
		eg.Go(func() error {
			resp, err := Query(gtx, httpClient, server, &Request{Name: req.Name, Type: t, UserAgent: req.UserAgent})
			if err != nil {
				return err
			}

			results[i] = resp
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return Combine(results[0], results[1], results[2]), nil
}

// Combine merges the A, AAAA and NS responses, in that order.
func Combine(a, aaaa, ns *Response) *Aggregate {
	all := []*Response{a, aaaa, ns}

	agg := &Aggregate{
		Question: []Question{},
		IPv4:     RecordSet{Records: records(a.Answer)},
		IPv6:     RecordSet{Records: records(aaaa.Answer)},
		NS:       RecordSet{Records: nameServers(ns)},
	}

	for _, resp := range all {
		if agg.Status == 0 {
			agg.Status = resp.Status
		}

		agg.TC = agg.TC || resp.TC
		agg.RD = agg.RD || resp.RD
		agg.RA = agg.RA || resp.RA
		agg.AD = agg.AD || resp.AD
		agg.CD = agg.CD || resp.CD

		agg.Question = append(agg.Question, resp.Question...)
	}

	agg.Answer = make([]Record, 0, len(agg.IPv4.Records)+len(agg.IPv6.Records)+len(agg.NS.Records))
	agg.Answer = append(agg.Answer, agg.IPv4.Records...)
	agg.Answer = append(agg.Answer, agg.IPv6.Records...)
	agg.Answer = append(agg.Answer, agg.NS.Records...)

	return agg
}

// nameServers collects the NS answers, then the NS and SOA authority
// records. Records present in both sections are kept twice.
func nameServers(resp *Response) []Record {
	set := []Record{}

	for _, rr := range resp.Answer {
		if rr.Type == int(dns.TypeNS) {
			set = append(set, rr)
		}
	}

	for _, rr := range resp.Authority {
		if rr.Type == int(dns.TypeNS) || rr.Type == int(dns.TypeSOA) {
			set = append(set, rr)
		}
	}

	return set
}

func records(rrs []Record) []Record {
	if rrs == nil {
		return []Record{}
	}
	return rrs
}
