package features

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// GeoIPResolver resolves IP countries from a MaxMind country or city database
type GeoIPResolver struct {
	reader *geoip2.Reader
}

// NewGeoIPResolver opens the .mmdb file at path.
func NewGeoIPResolver(path string) (*GeoIPResolver, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database: %w", err)
	}
	return &GeoIPResolver{reader: reader}, nil
}

func (r *GeoIPResolver) Country(ipAddress string) (string, error) {
	ip := net.ParseIP(ipAddress)
	if ip == nil {
		return "", fmt.Errorf("invalid ip address: %s", ipAddress)
	}

	record, err := r.reader.Country(ip)
	if err != nil {
		return "", err
	}
	return record.Country.IsoCode, nil
}

func (r *GeoIPResolver) Close() error {
	if r.reader != nil {
		return r.reader.Close()
	}
	return nil
}

// StaticGeoResolver resolves from a fixed map. Used in development and tests.
type StaticGeoResolver map[string]string

func (s StaticGeoResolver) Country(ip string) (string, error) {
	if c, ok := s[ip]; ok {
		return c, nil
	}
	return "", fmt.Errorf("no country for %s", ip)
}
