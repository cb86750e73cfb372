package server

import (
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"

	"github.com/picatz/dohrelay/pkg/doh"
)

const nginxPage = `<!DOCTYPE html><html><head><title>Welcome to nginx!</title><style>body{width:35em;margin:0 auto;font-family:Tahoma,Verdana,Arial,sans-serif}</style></head><body><h1>Welcome to nginx!</h1><p>If you see this page, the nginx web server is successfully installed and working. Further configuration is required.</p><p>For online documentation and support please refer to <a href="http://nginx.org/">nginx.org</a>.<br/>Commercial support is available at <a href="http://nginx.com/">nginx.com</a>.</p><p><em>Thank you for using nginx.</em></p></body></html>`

func randIntn(n int) int {
	return rand.IntN(n)
}

// handleFallback serves requests no other mode claimed, in order of
// preference: a redirect, the nginx decoy page, a proxied target, or the
// query console.
func (s *Server) handleFallback(w http.ResponseWriter, r *http.Request, snap *snapshot, path string) error {
	cfg := snap.cfg

	switch {
	case cfg.Fallback.RedirectURL != "":
		http.Redirect(w, r, cfg.Fallback.RedirectURL, http.StatusFound)
		return nil
	case cfg.ServesNginx():
		w.Header().Set("Content-Type", "text/html; charset=UTF-8")
		io.WriteString(w, nginxPage)
		return nil
	case len(snap.proxyTargets) > 0:
		return s.proxy(w, r, snap.proxyTargets[s.intn(len(snap.proxyTargets))], path)
	default:
		return s.renderConsole(w, snap)
	}
}

// proxyURL joins target and the request path: the target's path (without
// its trailing slash), then path, then the target's query.
func proxyURL(target, path string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}

	scheme := u.Scheme
	if scheme == "" {
		scheme = "https"
	}

	return scheme + "://" + u.Host + strings.TrimSuffix(u.Path, "/") + path + queryPart(u.RawQuery), nil
}

func queryPart(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	return "?" + rawQuery
}

// proxy fetches the request path from target and streams the answer back
// with an X-New-URL header naming what was fetched.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request, target, path string) error {
	newURL, err := proxyURL(target, path)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return fmt.Errorf("proxy target %q: %w", target, err)
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, newURL, r.Body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return fmt.Errorf("proxy %s: %w", newURL, err)
	}
	req.ContentLength = r.ContentLength
	for _, key := range []string{"Accept", "Accept-Language", "Content-Type", "User-Agent"} {
		if v := r.Header.Get(key); v != "" {
			req.Header.Set(key, v)
		}
	}

	resp, err := s.proxyClient.Do(req)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return fmt.Errorf("proxy %s: %w", newURL, err)
	}
	defer resp.Body.Close()

	doh.CopyResponseHeader(w.Header(), resp.Header)
	w.Header().Set("X-New-URL", newURL)
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("proxy %s: streaming response: %w", newURL, err)
	}

	return nil
}
