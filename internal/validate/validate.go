// SPDX-License-Identifier: MIT

// Package validate gates candidate upstream URLs before any network I/O.
// The checks are purely syntactic: no DNS resolution happens here, so a
// given URL always fails with the same code.
package validate

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/idna"

	"github.com/imgvault/imgvault/internal/imgerr"
)

// MaxURLLength is the hard cap on candidate URL length.
const MaxURLLength = 4096

// Result is the validator verdict. Code and Message are set only when
// Valid is false.
type Result struct {
	Valid   bool
	Code    imgerr.Code
	Message string
}

var statusFor = map[imgerr.Code]int{
	imgerr.CodeMissingURL:       http.StatusBadRequest,
	imgerr.CodeURLTooLong:       http.StatusBadRequest,
	imgerr.CodeInvalidURL:       http.StatusBadRequest,
	imgerr.CodeHTTPSRequired:    http.StatusBadRequest,
	imgerr.CodeCredentialsInURL: http.StatusBadRequest,
	imgerr.CodePrivateHost:      http.StatusForbidden,
	imgerr.CodeDomainNotAllowed: http.StatusForbidden,
}

// Err converts a failed Result into the API error envelope value.
// Returns nil for a valid Result.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	status, ok := statusFor[r.Code]
	if !ok {
		status = http.StatusBadRequest
	}
	return imgerr.New(status, r.Code, r.Message)
}

func fail(code imgerr.Code, message string) Result {
	return Result{Valid: false, Code: code, Message: message}
}

// ValidateURL applies the gates in order: presence and length, parseability,
// https scheme, absence of userinfo, private-host rejection, allowlist
// membership. The first failing gate wins.
func ValidateURL(raw string, allowed map[string]struct{}) Result {
	if strings.TrimSpace(raw) == "" {
		return fail(imgerr.CodeMissingURL, "url is required")
	}
	if len(raw) > MaxURLLength {
		return fail(imgerr.CodeURLTooLong, fmt.Sprintf("url exceeds %d characters", MaxURLLength))
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fail(imgerr.CodeInvalidURL, "url is not a valid absolute URL")
	}

	if !strings.EqualFold(u.Scheme, "https") {
		return fail(imgerr.CodeHTTPSRequired, "only https URLs are allowed")
	}

	if u.User != nil {
		return fail(imgerr.CodeCredentialsInURL, "URLs with embedded credentials are not allowed")
	}

	host, err := NormalizeHost(u.Hostname())
	if err != nil {
		return fail(imgerr.CodeInvalidURL, "url host is not valid")
	}

	if IsPrivateHost(host) {
		return fail(imgerr.CodePrivateHost, fmt.Sprintf("host %q is in a private or reserved range", host))
	}

	if _, ok := allowed[host]; !ok {
		return fail(imgerr.CodeDomainNotAllowed, fmt.Sprintf("host %q is not on the domain allowlist", host))
	}

	return Result{Valid: true}
}

// NormalizeHost validates and normalizes a hostname for comparison.
// IP literals are canonicalised via net.ParseIP; names go through IDNA
// so unicode spoofs compare in punycode form.
func NormalizeHost(raw string) (string, error) {
	host := strings.TrimSpace(raw)
	if host == "" {
		return "", fmt.Errorf("host is empty")
	}
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	}
	if strings.Contains(host, "%") {
		return "", fmt.Errorf("host must not include zone: %s", raw)
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return "", fmt.Errorf("host is empty")
	}
	if ip := net.ParseIP(host); ip != nil {
		return strings.ToLower(ip.String()), nil
	}
	ascii, err := idna.Lookup.ToASCII(strings.ToLower(host))
	if err != nil {
		return "", fmt.Errorf("invalid host %q: %w", raw, err)
	}
	return strings.ToLower(ascii), nil
}

// NormalizeAllowedHosts builds the allowlist set from configuration values.
func NormalizeAllowedHosts(hosts []string) (map[string]struct{}, error) {
	allow := make(map[string]struct{}, len(hosts))
	for _, host := range hosts {
		normalized, err := NormalizeHost(host)
		if err != nil {
			return nil, err
		}
		allow[normalized] = struct{}{}
	}
	return allow, nil
}

// privateV4Blocks lists the reserved IPv4 ranges an upstream host must not
// fall into. RFC 1918, loopback, link-local, CGNAT, benchmarking,
// documentation, multicast and class E.
var privateV4Blocks = mustCIDRs(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
)

func mustCIDRs(entries ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		_, ipnet, err := net.ParseCIDR(entry)
		if err != nil {
			panic(fmt.Sprintf("bad builtin CIDR %q: %v", entry, err))
		}
		nets = append(nets, ipnet)
	}
	return nets
}

// IsPrivateHost reports whether a normalized hostname must be refused:
// localhost and *.local/*.internal names, reserved IPv4 ranges, and IPv6
// loopback/unspecified/unique-local/link-local (including IPv4-mapped
// forms of reserved IPv4 addresses).
func IsPrivateHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "localhost" {
		return true
	}
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return true
	}

	if ip, ok := parseStrictIPv4(host); ok {
		return inPrivateV4(ip)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	if v4 := ip.To4(); v4 != nil {
		// IPv4-mapped IPv6 literal; dotted quads were handled above.
		return inPrivateV4(v4)
	}
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() {
		return true
	}
	// Unique-local fc00::/7.
	return ip[0]&0xfe == 0xfc
}

func inPrivateV4(ip net.IP) bool {
	for _, block := range privateV4Blocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// parseStrictIPv4 parses a dotted-quad IPv4 address in strict decimal form.
// Leading-zero octets are rejected so "010.1.1.1" cannot sneak past the
// reserved-range table as an octal alias.
func parseStrictIPv4(host string) (net.IP, bool) {
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return nil, false
	}
	var octets [4]byte
	for i, part := range parts {
		if len(part) == 0 || len(part) > 3 {
			return nil, false
		}
		if len(part) > 1 && part[0] == '0' {
			return nil, false
		}
		n := 0
		for _, c := range part {
			if c < '0' || c > '9' {
				return nil, false
			}
			n = n*10 + int(c-'0')
		}
		if n > 255 {
			return nil, false
		}
		octets[i] = byte(n)
	}
	return net.IPv4(octets[0], octets[1], octets[2], octets[3]).To4(), true
}
