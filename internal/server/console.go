package server

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"
)

//go:embed templates/console.html
var templatesFS embed.FS

func parseConsole() (*template.Template, error) {
	t, err := template.ParseFS(templatesFS, "templates/console.html")
	if err != nil {
		return nil, fmt.Errorf("server: parse console template: %w", err)
	}
	return t, nil
}

type consoleData struct {
	Upstream   string
	DoHPath    string
	IPInfoPath string
}

func (s *Server) renderConsole(w http.ResponseWriter, snap *snapshot) error {
	var buf bytes.Buffer

	err := s.console.Execute(&buf, consoleData{
		Upstream:   snap.defaultUpstream.DNSQueryURL(),
		DoHPath:    snap.paths.DoH,
		IPInfoPath: snap.paths.IPInfo,
	})
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return fmt.Errorf("render console: %w", err)
	}

	w.Header().Set("Content-Type", "text/html;charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	buf.WriteTo(w)

	return nil
}
