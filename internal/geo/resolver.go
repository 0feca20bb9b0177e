package geo

import (
	"context"
	"net"
	"strconv"

	"github.com/rs/zerolog/log"
)

// Location is the network origin of a login attempt. ASN 0 means the
// origin could not be attributed to a network.
type Location struct {
	ASN     int    `json:"asn"`
	Country string `json:"country"`
	Region  string `json:"region"`
	Org     string `json:"org"`
}

// LocalLocation is returned for private and loopback addresses.
func LocalLocation() Location {
	return Location{ASN: 0, Country: "Local", Region: "Local", Org: "Local Network"}
}

// UnknownLocation is the degraded result when resolution fails.
func UnknownLocation() Location {
	return Location{ASN: 0, Country: "Unknown", Region: "Unknown", Org: "Unknown"}
}

// Resolver attributes an IP address to a network location.
type Resolver interface {
	Lookup(ctx context.Context, ip string) (Location, error)
}

// IsPrivateOrLoopback reports whether ip is a non-routable address.
// Unparseable strings are treated as local rather than routable.
func IsPrivateOrLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return true
	}
	return parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsLinkLocalUnicast() || parsed.IsUnspecified()
}

// StaticResolver resolves from a fixed prefix table, falling back to a
// default entry. It stands in for a whois-backed resolver in
// deployments without network lookup access.
type StaticResolver struct {
	table         map[string]Location
	fallback      Location
	localOverride *Location
}

// NewStaticResolver builds a resolver with the given prefix table.
// Keys are matched as string prefixes of the dotted address.
func NewStaticResolver(table map[string]Location) *StaticResolver {
	return &StaticResolver{
		table: table,
		fallback: Location{
			ASN:     7713,
			Country: "Indonesia",
			Region:  "Jakarta",
			Org:     "PT Telekomunikasi Indonesia",
		},
	}
}

// WithLocalOverride makes private and loopback addresses resolve to a
// fixed location instead of the local placeholder. Used by the
// pairwise evaluation mode.
func (r *StaticResolver) WithLocalOverride(loc Location) *StaticResolver {
	r.localOverride = &loc
	return r
}

// Lookup resolves an IP to a location. It never returns an error; a
// miss degrades to the configured fallback.
func (r *StaticResolver) Lookup(ctx context.Context, ip string) (Location, error) {
	select {
	case <-ctx.Done():
		log.Warn().Str("ip", ip).Msg("Geo lookup cancelled")
		return UnknownLocation(), nil
	default:
	}

	if IsPrivateOrLoopback(ip) {
		if r.localOverride != nil {
			return *r.localOverride, nil
		}
		return LocalLocation(), nil
	}

	for prefix, loc := range r.table {
		if len(ip) >= len(prefix) && ip[:len(prefix)] == prefix {
			return loc, nil
		}
	}
	return r.fallback, nil
}

// ParseOverride converts the pairwise string map into a Location.
// Recognized keys: asn, country, region, org.
func ParseOverride(m map[string]string) (Location, bool) {
	if len(m) == 0 {
		return Location{}, false
	}
	loc := LocalLocation()
	if v, ok := m["asn"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			loc.ASN = n
		}
	}
	if v, ok := m["country"]; ok {
		loc.Country = v
	}
	if v, ok := m["region"]; ok {
		loc.Region = v
	}
	if v, ok := m["org"]; ok {
		loc.Org = v
	}
	return loc, true
}
