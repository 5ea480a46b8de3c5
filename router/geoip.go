package router

import (
	"net"

	"github.com/oschwald/maxminddb-golang"
	"github.com/pkg/errors"
)

// mmdbRecord is the subset of a MaxMind Country/City database this
// resolver needs.
type mmdbRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// MMDBResolver implements CountryResolver against a memory-mapped
// MaxMind database (spec §4.5 "country-code lookup from a
// memory-mapped MMDB").
type MMDBResolver struct {
	db *maxminddb.Reader
}

// OpenMMDB memory-maps path for the lifetime of the process; the
// returned resolver is read-only after load and safe to share across
// connections (spec §5 "Shared resources").
func OpenMMDB(path string) (*MMDBResolver, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "router: opening GeoIP database %q", path)
	}
	return &MMDBResolver{db: db}, nil
}

// Close releases the memory-mapped database.
func (r *MMDBResolver) Close() error { return r.db.Close() }

// Lookup implements CountryResolver.
func (r *MMDBResolver) Lookup(ip net.IP) (string, bool) {
	var rec mmdbRecord
	if err := r.db.Lookup(ip, &rec); err != nil {
		return "", false
	}
	if rec.Country.ISOCode == "" {
		return "", false
	}
	return rec.Country.ISOCode, true
}
