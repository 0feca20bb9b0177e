package geo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsPrivateOrLoopback(t *testing.T) {
	for _, ip := range []string{"127.0.0.1", "10.0.0.5", "192.168.1.1", "172.16.0.9", "::1", "0.0.0.0", "garbage"} {
		require.True(t, IsPrivateOrLoopback(ip), ip)
	}
	for _, ip := range []string{"8.8.8.8", "36.66.1.1", "2001:4860:4860::8888"} {
		require.False(t, IsPrivateOrLoopback(ip), ip)
	}
}

func TestStaticResolverLocalAddresses(t *testing.T) {
	r := NewStaticResolver(nil)

	loc, err := r.Lookup(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, LocalLocation(), loc)
}

func TestStaticResolverLocalOverride(t *testing.T) {
	override := Location{ASN: 38496, Country: "Indonesia", Region: "Jakarta", Org: "Test ISP"}
	r := NewStaticResolver(nil).WithLocalOverride(override)

	loc, err := r.Lookup(context.Background(), "192.168.0.10")
	require.NoError(t, err)
	require.Equal(t, override, loc)
}

func TestStaticResolverTableAndFallback(t *testing.T) {
	r := NewStaticResolver(map[string]Location{
		"36.66.": {ASN: 17974, Country: "Indonesia", Region: "Surabaya", Org: "Telkomsel"},
	})

	loc, err := r.Lookup(context.Background(), "36.66.12.1")
	require.NoError(t, err)
	require.Equal(t, 17974, loc.ASN)

	loc, err = r.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	require.Equal(t, 7713, loc.ASN)
}

func TestStaticResolverCancelledContext(t *testing.T) {
	r := NewStaticResolver(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	loc, err := r.Lookup(ctx, "8.8.8.8")
	require.NoError(t, err)
	require.Equal(t, UnknownLocation(), loc)
}

func TestParseOverride(t *testing.T) {
	_, ok := ParseOverride(nil)
	require.False(t, ok)

	loc, ok := ParseOverride(map[string]string{"asn": "38496", "region": "Jakarta"})
	require.True(t, ok)
	require.Equal(t, 38496, loc.ASN)
	require.Equal(t, "Jakarta", loc.Region)
}
