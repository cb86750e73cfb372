// Package ipinfo looks up geolocation details of IP addresses, either
// from a remote ip-api.com compatible service or from local MaxMind
// databases.
package ipinfo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// ErrInvalidIP is returned for input that is not an IP address.
var ErrInvalidIP = errors.New("ipinfo: invalid IP address")

// Lookuper resolves an IP address to a JSON document describing it.
type Lookuper interface {
	Lookup(ctx context.Context, ip string) (json.RawMessage, error)
}

// Info is the document produced by local lookups. Field names follow
// ip-api.com so clients can read either backend the same way.
type Info struct {
	Status      string  `json:"status"`
	Query       string  `json:"query"`
	Country     string  `json:"country,omitempty"`
	CountryCode string  `json:"countryCode,omitempty"`
	Region      string  `json:"region,omitempty"`
	RegionName  string  `json:"regionName,omitempty"`
	City        string  `json:"city,omitempty"`
	Zip         string  `json:"zip,omitempty"`
	Lat         float64 `json:"lat,omitempty"`
	Lon         float64 `json:"lon,omitempty"`
	Timezone    string  `json:"timezone,omitempty"`
	AS          string  `json:"as,omitempty"`
	Org         string  `json:"org,omitempty"`
}

// ParseIP validates ip and returns it in canonical form.
func ParseIP(ip string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	return addr.Unmap(), nil
}
