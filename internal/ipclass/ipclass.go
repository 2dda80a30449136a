// Package ipclass classifies an IP address by version and locality
// (private vs. public), used to label ICE candidate pairs in telemetry
// samples.
package ipclass

import "net/netip"

// Version identifies the address family of a classified address.
type Version int

const (
	V4 Version = iota
	V6
)

func (v Version) String() string {
	if v == V6 {
		return "v6"
	}
	return "v4"
}

// Locality identifies whether an address is routable only within a
// private network or is globally routable.
type Locality int

const (
	Private Locality = iota
	Public
)

func (l Locality) String() string {
	if l == Private {
		return "private"
	}
	return "public"
}

// privatePrefixes lists the CIDR blocks treated as private, in priority
// order. Every prefix here is checked with netip.Prefix.Contains; no
// third-party CIDR library is needed for a fixed, small table.
var privatePrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),     // RFC1918
	netip.MustParsePrefix("172.16.0.0/12"),  // RFC1918
	netip.MustParsePrefix("192.168.0.0/16"), // RFC1918
	netip.MustParsePrefix("127.0.0.0/8"),    // loopback
	netip.MustParsePrefix("169.254.0.0/16"), // link-local
	netip.MustParsePrefix("100.64.0.0/10"),  // CGNAT (RFC6598)
	netip.MustParsePrefix("::1/128"),        // loopback
	netip.MustParsePrefix("fe80::/10"),      // link-local
	netip.MustParsePrefix("fc00::/7"),       // ULA
}

// Classify reports the address family and locality of addr.
func Classify(addr netip.Addr) (Version, Locality) {
	version := V4
	if addr.Is6() && !addr.Is4In6() {
		version = V6
	}

	unmapped := addr.Unmap()
	for _, prefix := range privatePrefixes {
		if prefix.Contains(unmapped) {
			return version, Private
		}
	}
	return version, Public
}
