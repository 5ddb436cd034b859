package gridengine

import (
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"

	"github.com/sudorandom/world-grid/pkg/mapview"
)

// Locator resolves a client address to a position for submissions that carry none.
type Locator interface {
	Locate(ip net.IP) (mapview.LatLng, bool)
}

// GeoIP is a Locator backed by a MaxMind city database.
type GeoIP struct {
	db *maxminddb.Reader
}

type geoRecord struct {
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
	} `maxminddb:"location"`
}

func OpenGeoIP(path string) (*GeoIP, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database: %w", err)
	}
	return &GeoIP{db: db}, nil
}

func GeoIPFromBytes(b []byte) (*GeoIP, error) {
	db, err := maxminddb.FromBytes(b)
	if err != nil {
		return nil, fmt.Errorf("failed to load geoip database: %w", err)
	}
	return &GeoIP{db: db}, nil
}

func (g *GeoIP) Locate(ip net.IP) (mapview.LatLng, bool) {
	if g == nil || g.db == nil || ip == nil {
		return mapview.LatLng{}, false
	}
	var record geoRecord
	if err := g.db.Lookup(ip, &record); err != nil {
		return mapview.LatLng{}, false
	}
	pos := mapview.LatLng{Lat: record.Location.Latitude, Lng: record.Location.Longitude}
	if pos.Lat == 0 && pos.Lng == 0 {
		return mapview.LatLng{}, false
	}
	return pos, pos.Valid()
}

func (g *GeoIP) Close() error {
	if g == nil || g.db == nil {
		return nil
	}
	return g.db.Close()
}
