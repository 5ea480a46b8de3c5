// Package router implements the domain-glob/GeoIP routing engine that
// decides Proxy vs Direct for each classified connection (spec §2 C5,
// §4.5).
//
// Copyright (c) 2017-2020 Russell Magee
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package router

import (
	"strings"

	"golang.org/x/net/idna"
)

// matchDomain implements spec §4.5's single-leading-"*."-wildcard
// glob: "example.com" matches only itself; "*.example.com" matches
// any proper subdomain of example.com but not example.com itself.
func matchDomain(glob, host string) bool {
	glob = normalize(glob)
	host = normalize(host)
	if host == "" {
		return false
	}

	if strings.HasPrefix(glob, "*.") {
		suffix := glob[1:] // ".example.com"
		return strings.HasSuffix(host, suffix) && len(host) > len(suffix)
	}
	return host == glob
}

// normalize lowercases and IDNA-folds a hostname so glob matching is
// stable across the Unicode/punycode forms a client might present in
// SNI (spec §4.5 matches SNI against configured domain globs).
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSuffix(s, "."))
	if folded, err := idna.Lookup.ToASCII(s); err == nil {
		return folded
	}
	return s
}
