// Copyright 2025 Quillsign, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package networking

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// Errors returned by ValidateEndpointURL.
var (
	// ErrInvalidURL means the URL could not be parsed or carries an
	// unparsable address literal.
	ErrInvalidURL = errors.New("invalid URL")

	// ErrSchemeDenied means the URL does not use the https scheme.
	ErrSchemeDenied = errors.New("URL scheme not allowed")

	// ErrHostDenied means the host is a metadata endpoint or an address
	// in a blocked range.
	ErrHostDenied = errors.New("URL host not allowed")
)

// deniedHostnames are cloud metadata endpoints that must never be fetched,
// matched exactly or as a subdomain suffix.
var deniedHostnames = []string{
	"169.254.169.254",
	"metadata.google.internal",
}

// ipv4LiteralRegex matches hosts written as dotted-quad literals. Hosts in
// other IPv4 spellings (hex, octal, short forms) do not resolve here because
// no DNS lookup is ever performed on them.
var ipv4LiteralRegex = regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}$`)

// blockedIPBlocks holds the address ranges this service refuses to fetch
// from. Contains matches IPv4-mapped IPv6 addresses against the IPv4 ranges.
var blockedIPBlocks []*net.IPNet

func init() {
	for _, cidr := range []string{
		"0.0.0.0/8",      // "this" network
		"10.0.0.0/8",     // RFC 1918
		"127.0.0.0/8",    // loopback
		"169.254.0.0/16", // link-local, includes cloud metadata
		"172.16.0.0/12",  // RFC 1918
		"192.168.0.0/16", // RFC 1918
		"224.0.0.0/4",    // multicast
		"240.0.0.0/4",    // reserved
		"::1/128",        // loopback
		"fc00::/7",       // unique local
		"fe80::/10",      // link-local
		"ff00::/8",       // multicast
	} {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("parsing blocked CIDR %q: %v", cidr, err))
		}
		blockedIPBlocks = append(blockedIPBlocks, block)
	}
}

// ValidateEndpointURL checks whether rawURL is safe for this service to
// fetch. Only https URLs are accepted, and hosts that are metadata endpoints
// or literal addresses in private, loopback, link-local, multicast or
// reserved ranges are rejected. Hostnames are never resolved, so a public
// name that resolves to a private address is not caught here.
func ValidateEndpointURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	if !strings.EqualFold(parsed.Scheme, HttpsScheme) {
		return fmt.Errorf("%w: %q is not %s", ErrSchemeDenied, parsed.Scheme, HttpsScheme)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	for _, denied := range deniedHostnames {
		if host == denied || strings.HasSuffix(host, "."+denied) {
			return fmt.Errorf("%w: %s", ErrHostDenied, host)
		}
	}

	if ipv4LiteralRegex.MatchString(host) || strings.Contains(host, ":") {
		// Hosts shaped like an address literal must parse as one.
		ip := net.ParseIP(host)
		if ip == nil {
			return fmt.Errorf("%w: unparsable address literal %s", ErrInvalidURL, host)
		}
		if blockedIP(ip) {
			return fmt.Errorf("%w: %s", ErrHostDenied, host)
		}
	}

	return nil
}

func blockedIP(ip net.IP) bool {
	for _, block := range blockedIPBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}
