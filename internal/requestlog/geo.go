package requestlog

import (
	"net/netip"

	"github.com/oschwald/maxminddb-golang/v2"
)

// MaxMindGeoLookup resolves client IPs against a bundled GeoLite2-City (or
// compatible) database loaded once at boot. No network call is made per
// request.
type MaxMindGeoLookup struct {
	db *maxminddb.Reader
}

// OpenMaxMindGeoLookup memory-maps the database at path.
func OpenMaxMindGeoLookup(path string) (*MaxMindGeoLookup, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	return &MaxMindGeoLookup{db: db}, nil
}

type cityRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	Subdivisions []struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"subdivisions"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
}

// Lookup implements GeoLookup. Any resolution failure (invalid IP, no
// match, reserved/private address) yields empty strings rather than an
// error: geo-enrichment is best-effort and must never fail the request.
func (g *MaxMindGeoLookup) Lookup(clientIP string) (country, region, city string) {
	ip, err := netip.ParseAddr(clientIP)
	if err != nil {
		return "", "", ""
	}

	var rec cityRecord
	result := g.db.Lookup(ip)
	if err := result.Decode(&rec); err != nil {
		return "", "", ""
	}

	country = rec.Country.ISOCode
	if len(rec.Subdivisions) > 0 {
		region = rec.Subdivisions[0].Names["en"]
	}
	city = rec.City.Names["en"]
	return country, region, city
}

// Close releases the memory-mapped database.
func (g *MaxMindGeoLookup) Close() error { return g.db.Close() }
