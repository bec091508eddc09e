// Package netutil holds address-splitting and domain-validation helpers
// shared by the SOCKS and HTTP proxy front ends and the upstream/chain
// dialers.
package netutil

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// Endpoint is a host/port pair that may carry either a literal IP or a
// domain name. The upstream dialers parse their CONNECT targets into it.
type Endpoint struct {
	Host string
	Port uint16
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// IsIP reports whether Host parses as a literal IPv4 or IPv6 address.
func (e Endpoint) IsIP() bool {
	return net.ParseIP(e.Host) != nil
}

// ParseEndpoint splits "host:port" (IPv4, bracketed IPv6, or domain) into
// an Endpoint, rejecting a missing or non-numeric port.
func ParseEndpoint(s string) (Endpoint, error) {
	h, p, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("netutil: split %q: %w", s, err)
	}
	n, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("netutil: bad port %q: %w", p, err)
	}
	return Endpoint{Host: h, Port: uint16(n)}, nil
}

// SplitHostPortFlexible is a tolerant host/port splitter used for
// configuration values that may or may not carry a port, and that may be
// bare IPv6 literals without brackets. When s carries no port, defPort is
// returned as the port.
//
// Grounded on the teacher's common.SplitHostPortFlexible; kept in its
// original permissive shape because config files in the wild present
// addresses in all of these forms.
func SplitHostPortFlexible(s string, defPort int) (host string, port int) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", 0
	}
	if strings.Contains(s, "]") || (strings.Count(s, ":") == 1 && !strings.Contains(s, "::")) {
		if h, p, err := net.SplitHostPort(s); err == nil {
			if n, e := strconv.Atoi(p); e == nil {
				return h, n
			}
		}
	}
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		return s[1 : len(s)-1], defPort
	}
	if strings.Count(s, ":") >= 2 {
		return s, defPort
	}
	if !strings.Contains(s, ":") {
		return s, defPort
	}
	if i := strings.LastIndexByte(s, ':'); i > 0 && i < len(s)-1 {
		h := s[:i]
		if n, e := strconv.Atoi(s[i+1:]); e == nil {
			return h, n
		}
	}
	return s, defPort
}

// domainProfile normalizes and validates non-ASCII domain names the way a
// policy matcher would, before the name is handed to net.Dial. Re-homed
// from the teacher's domain-matching use of x/net/idna (previously part of
// its per-user policy engine, which this project drops) to target
// validation for the SOCKS5 DOMAIN atyp and HTTP CONNECT authority form.
var domainProfile = idna.New(
	idna.ValidateLabels(true),
	idna.VerifyDNSLength(true),
	idna.StrictDomainName(false),
)

// ValidateDomain rejects empty names and normalizes internationalized
// domain names to their ASCII (punycode) form. Names that are already
// plain ASCII pass through unchanged unless invalid.
func ValidateDomain(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("netutil: empty domain name")
	}
	ascii, err := domainProfile.ToASCII(name)
	if err != nil {
		return "", fmt.Errorf("netutil: invalid domain %q: %w", name, err)
	}
	return ascii, nil
}
