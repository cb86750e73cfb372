package ipinfo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/oschwald/geoip2-golang"
)

// GeoIP looks IP addresses up in local MaxMind databases.
type GeoIP struct {
	city *geoip2.Reader
	asn  *geoip2.Reader
	lang string
}

// OpenGeoIP opens the City database at cityPath and, when asnPath is
// set, the ASN database. Names are reported in lang when the database
// has them, else in English.
func OpenGeoIP(cityPath, asnPath, lang string) (*GeoIP, error) {
	city, err := geoip2.Open(cityPath)
	if err != nil {
		return nil, fmt.Errorf("ipinfo: could not open city database %s: %w", cityPath, err)
	}

	g := &GeoIP{city: city, lang: lang}

	if asnPath != "" {
		asn, err := geoip2.Open(asnPath)
		if err != nil {
			city.Close()
			return nil, fmt.Errorf("ipinfo: could not open ASN database %s: %w", asnPath, err)
		}
		g.asn = asn
	}

	return g, nil
}

// Lookup implements Lookuper.
func (g *GeoIP) Lookup(ctx context.Context, ip string) (json.RawMessage, error) {
	addr, err := ParseIP(ip)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	parsed := net.IP(addr.AsSlice())

	record, err := g.city.City(parsed)
	if err != nil {
		return nil, fmt.Errorf("ipinfo: city lookup: %w", err)
	}

	info := Info{
		Status:      "success",
		Query:       addr.String(),
		Country:     g.name(record.Country.Names),
		CountryCode: record.Country.IsoCode,
		City:        g.name(record.City.Names),
		Zip:         record.Postal.Code,
		Lat:         record.Location.Latitude,
		Lon:         record.Location.Longitude,
		Timezone:    record.Location.TimeZone,
	}

	if len(record.Subdivisions) > 0 {
		info.Region = record.Subdivisions[0].IsoCode
		info.RegionName = g.name(record.Subdivisions[0].Names)
	}

	if g.asn != nil {
		asn, err := g.asn.ASN(parsed)
		if err != nil {
			return nil, fmt.Errorf("ipinfo: ASN lookup: %w", err)
		}
		if asn.AutonomousSystemNumber != 0 {
			info.AS = "AS" + strconv.FormatUint(uint64(asn.AutonomousSystemNumber), 10) + " " + asn.AutonomousSystemOrganization
			info.Org = asn.AutonomousSystemOrganization
		}
	}

	return json.Marshal(info)
}

func (g *GeoIP) name(names map[string]string) string {
	if name, ok := names[g.lang]; ok {
		return name
	}
	return names["en"]
}

// Close closes the databases.
func (g *GeoIP) Close() error {
	var errs []error
	if g.city != nil {
		errs = append(errs, g.city.Close())
	}
	if g.asn != nil {
		errs = append(errs, g.asn.Close())
	}
	return errors.Join(errs...)
}
