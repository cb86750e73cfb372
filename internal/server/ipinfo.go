package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/picatz/dohrelay/pkg/ipinfo"
)

type ipInfoError struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// handleIPInfo looks up the "ip" parameter, or the client address the
// fronting proxy reported.
func (s *Server) handleIPInfo(w http.ResponseWriter, r *http.Request) error {
	ip := clientIP(r)
	if ip == "" {
		writeJSON(w, http.StatusBadRequest, ipInfoError{
			Status:  "error",
			Message: "ip parameter not provided",
			Code:    "MISSING_PARAMETER",
		})
		return nil
	}

	if s.ipinfo == nil {
		writeJSON(w, http.StatusInternalServerError, ipInfoError{
			Status:  "error",
			Message: "IP lookup failed: no lookup backend configured",
			Code:    "API_REQUEST_FAILED",
		})
		return errors.New("ip info: no lookup backend configured")
	}

	info, err := s.ipinfo.Lookup(r.Context(), ip)
	if errors.Is(err, ipinfo.ErrInvalidIP) {
		writeJSON(w, http.StatusBadRequest, ipInfoError{
			Status:  "error",
			Message: err.Error(),
			Code:    "INVALID_PARAMETER",
		})
		return nil
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ipInfoError{
			Status:  "error",
			Message: "IP lookup failed: " + err.Error(),
			Code:    "API_REQUEST_FAILED",
		})
		return fmt.Errorf("ip info %s: %w", ip, err)
	}

	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	w.Write(info)

	return nil
}

func clientIP(r *http.Request) string {
	if ip := r.URL.Query().Get("ip"); ip != "" {
		return ip
	}

	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}

	return strings.TrimSpace(r.Header.Get("X-Real-IP"))
}
