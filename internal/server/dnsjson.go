package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/picatz/dohrelay/pkg/dj"
)

const (
	defaultQueryDomain = "www.google.com"
	queryTypeAll       = "all"
)

// handleJSONQuery answers "?doh=&domain=&type=" requests from the
// console and other JSON clients. type=all (the default) returns the
// A, AAAA and NS records combined; any other type returns the upstream
// JSON body as is.
func (s *Server) handleJSONQuery(w http.ResponseWriter, r *http.Request, snap *snapshot) error {
	q := r.URL.Query()

	domain := q.Get("domain")
	if domain == "" {
		domain = q.Get("name")
	}
	if domain == "" {
		domain = defaultQueryDomain
	}

	dohParam := q.Get("doh")
	if dohParam == "" {
		dohParam = snap.defaultUpstream.DNSQueryURL()
	}

	queryType := q.Get("type")
	if queryType == "" {
		queryType = queryTypeAll
	}

	spec, err := s.resolveUpstream(dohParam, r, snap)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
			"doh":   dohParam,
		})
		return err
	}

	fail := func(err error) error {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":  "DNS query failed: " + err.Error(),
			"doh":    dohParam,
			"domain": domain,
		})
		return fmt.Errorf("json query %s via %s: %w", domain, spec, err)
	}

	ctx := withUpstreamKind(r, snap, spec).Context()

	req := &dj.Request{
		Name:      domain,
		Type:      queryType,
		UserAgent: snap.cfg.Upstream.UserAgent,
	}

	if strings.EqualFold(queryType, queryTypeAll) {
		agg, err := dj.QueryAll(ctx, s.httpClient, spec, req)
		if err != nil {
			return fail(err)
		}

		writeJSON(w, http.StatusOK, agg)
		return nil
	}

	resp, err := dj.Query(ctx, s.httpClient, spec, req)
	if err != nil {
		return fail(err)
	}

	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	w.Write(resp.Raw())

	return nil
}
