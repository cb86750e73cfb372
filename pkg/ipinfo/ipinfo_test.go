package ipinfo_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/picatz/dohrelay/pkg/ipinfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ipAPIBody = `{"status":"success","country":"United States","countryCode":"US","query":"8.8.8.8"}`

func TestParseIP(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "8.8.8.8", want: "8.8.8.8"},
		{in: " 2001:4860:4860::8888 ", want: "2001:4860:4860::8888"},
		{in: "::ffff:1.2.3.4", want: "1.2.3.4"},
		{in: "", wantErr: true},
		{in: "../admin", wantErr: true},
		{in: "example.com", wantErr: true},
	}

	for _, test := range tests {
		t.Run(test.in, func(t *testing.T) {
			addr, err := ipinfo.ParseIP(test.in)
			if test.wantErr {
				assert.ErrorIs(t, err, ipinfo.ErrInvalidIP)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.want, addr.String())
		})
	}
}

func TestRemoteLookup(t *testing.T) {
	var gotPath, gotQuery string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(ipAPIBody))
	}))
	defer srv.Close()

	remote, err := ipinfo.NewRemote(ipinfo.RemoteOptions{Endpoint: srv.URL + "/json", Lang: "zh-CN"})
	require.NoError(t, err)

	info, err := remote.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)

	assert.JSONEq(t, ipAPIBody, string(info))
	assert.Equal(t, "/json/8.8.8.8", gotPath)
	assert.Equal(t, "lang=zh-CN", gotQuery)
}

func TestRemoteRetries(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(ipAPIBody))
	}))
	defer srv.Close()

	remote, err := ipinfo.NewRemote(ipinfo.RemoteOptions{
		Endpoint:     srv.URL,
		RetryMax:     2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = remote.Lookup(context.Background(), "1.1.1.1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRemoteFailures(t *testing.T) {
	tests := []struct {
		name   string
		handle http.HandlerFunc
		ip     string
		target error
	}{
		{
			name:   "invalid ip",
			ip:     "not-an-ip",
			target: ipinfo.ErrInvalidIP,
		},
		{
			name: "not found",
			handle: func(w http.ResponseWriter, r *http.Request) {
				http.NotFound(w, r)
			},
			ip: "8.8.8.8",
		},
		{
			name: "not json",
			handle: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("<html>"))
			},
			ip: "8.8.8.8",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var calls atomic.Int32

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				if test.handle != nil {
					test.handle(w, r)
				}
			}))
			defer srv.Close()

			remote, err := ipinfo.NewRemote(ipinfo.RemoteOptions{Endpoint: srv.URL, RetryMax: 1, RetryWaitMin: time.Millisecond, RetryWaitMax: time.Millisecond})
			require.NoError(t, err)

			_, err = remote.Lookup(context.Background(), test.ip)
			require.Error(t, err)

			if test.target != nil {
				assert.True(t, errors.Is(err, test.target), "got %v", err)
				assert.Zero(t, calls.Load())
			} else {
				assert.Equal(t, int32(1), calls.Load(), "4xx and bad bodies are not retried")
			}
		})
	}
}

func TestNewRemoteRequiresEndpoint(t *testing.T) {
	_, err := ipinfo.NewRemote(ipinfo.RemoteOptions{})
	require.Error(t, err)
}

func TestOpenGeoIPMissingDatabase(t *testing.T) {
	_, err := ipinfo.OpenGeoIP(filepath.Join(t.TempDir(), "GeoLite2-City.mmdb"), "", "en")
	require.Error(t, err)
}
