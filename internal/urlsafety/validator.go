// Package urlsafety classifies URLs as safe or unsafe for outbound dispatch.
//
// The validator defends against SSRF: requests crafted to reach loopback,
// private, link-local, or cloud-metadata addresses through a URL the caller
// does not fully control. Checks run in a fixed order and short-circuit on
// the first failure: URL parse, scheme allow-list, hostname allow-list,
// hostname blocklist, literal-IP range checks, and finally DNS resolution
// with a range check on every resolved address. The DNS re-check defeats
// rebinding, where a hostname resolves safely at registration time but to a
// private address at dispatch time.
package urlsafety

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"outbound-gateway/internal/common/errors"
)

// Well-known rejection reasons returned in Result.Reason.
const (
	ReasonInvalidURL      = "Invalid URL format"
	ReasonSchemeNotAllowed = "URL scheme not allowed"
	ReasonHostnameBlocked = "Hostname is blocked"
	ReasonBlockedIPRange  = "IP address is in a blocked range"
	ReasonDNSFailure      = "DNS resolution failed"
	ReasonResolvedBlocked = "Hostname resolves to a blocked address"
)

// Resolver is the DNS lookup dependency. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Config holds caller-supplied allow/deny rules layered on top of the
// built-in blocklists.
type Config struct {
	// AllowedHostnames bypass all further checks on a case-insensitive
	// exact match. Use for known-good internal endpoints.
	AllowedHostnames []string

	// BlockedHostnames are rejected in addition to the static blocklist.
	BlockedHostnames []string

	// BlockedCIDRs are rejected in addition to the built-in private and
	// reserved ranges. CIDR notation, e.g. "203.0.113.0/24".
	BlockedCIDRs []string
}

// Result is the outcome of a validation pass.
type Result struct {
	Safe        bool
	Reason      string
	ResolvedIPs []net.IP
}

// Validator classifies URLs for outbound dispatch.
type Validator struct {
	allowedHostnames map[string]struct{}
	blockedHostnames map[string]struct{}
	blockedNets      []*net.IPNet
	resolver         Resolver
}

// Option configures a Validator.
type Option func(*Validator)

// WithResolver overrides the DNS resolver. Tests use this to stub lookups.
func WithResolver(r Resolver) Option {
	return func(v *Validator) {
		v.resolver = r
	}
}

// Hostnames rejected regardless of configuration. Cloud metadata endpoints
// are the highest-value SSRF targets.
var staticBlockedHostnames = []string{
	"localhost",
	"metadata.google.internal",
	"metadata.goog",
	"instance-data",
	"169.254.169.254",
	"fd00:ec2::254",
}

// Built-in blocked ranges. IPv4-mapped IPv6 addresses are normalized via
// To4 before matching, so the v4 entries cover their ::ffff: equivalents.
var builtinBlockedCIDRs = []string{
	// IPv4
	"0.0.0.0/8",          // "this" network
	"127.0.0.0/8",        // loopback
	"10.0.0.0/8",         // RFC1918
	"172.16.0.0/12",      // RFC1918
	"192.168.0.0/16",     // RFC1918
	"169.254.0.0/16",     // link-local / cloud metadata
	"100.64.0.0/10",      // carrier-grade NAT
	"192.0.0.0/24",       // IETF protocol assignments
	"192.0.2.0/24",       // TEST-NET-1
	"198.18.0.0/15",      // benchmarking
	"198.51.100.0/24",    // TEST-NET-2
	"203.0.113.0/24",     // TEST-NET-3
	"224.0.0.0/4",        // multicast
	"240.0.0.0/4",        // reserved
	"255.255.255.255/32", // broadcast
	// IPv6
	"::/128",     // unspecified
	"::1/128",    // loopback
	"fc00::/7",   // unique-local
	"fe80::/10",  // link-local
	"ff00::/8",   // multicast
}

// New creates a Validator from the given config. Returns a config error if
// any caller-supplied CIDR fails to parse.
func New(cfg Config, opts ...Option) (*Validator, error) {
	v := &Validator{
		allowedHostnames: make(map[string]struct{}, len(cfg.AllowedHostnames)),
		blockedHostnames: make(map[string]struct{}, len(cfg.BlockedHostnames)+len(staticBlockedHostnames)),
		resolver:         net.DefaultResolver,
	}

	for _, h := range cfg.AllowedHostnames {
		v.allowedHostnames[strings.ToLower(h)] = struct{}{}
	}
	for _, h := range staticBlockedHostnames {
		v.blockedHostnames[h] = struct{}{}
	}
	for _, h := range cfg.BlockedHostnames {
		v.blockedHostnames[strings.ToLower(h)] = struct{}{}
	}

	for _, cidr := range builtinBlockedCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, errors.InternalError(fmt.Sprintf("built-in CIDR %q failed to parse", cidr), err)
		}
		v.blockedNets = append(v.blockedNets, network)
	}
	for _, cidr := range cfg.BlockedCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, errors.ConfigError(fmt.Sprintf("invalid blocked CIDR %q", cidr))
		}
		v.blockedNets = append(v.blockedNets, network)
	}

	for _, opt := range opts {
		opt(v)
	}

	return v, nil
}

// Validate runs the full check sequence including DNS resolution of the
// hostname. Every resolved address is checked against the blocked ranges,
// and a resolution failure is treated as unsafe rather than unknown. This
// is the variant that must guard every dispatch attempt.
func (v *Validator) Validate(ctx context.Context, rawURL string) Result {
	hostname, result, done := v.validateStatic(rawURL)
	if done {
		return result
	}

	addrs, err := v.resolver.LookupIPAddr(ctx, hostname)
	if err != nil || len(addrs) == 0 {
		return Result{Safe: false, Reason: ReasonDNSFailure}
	}

	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		if v.isBlockedIP(addr.IP) {
			return Result{Safe: false, Reason: ReasonResolvedBlocked}
		}
		ips = append(ips, addr.IP)
	}

	return Result{Safe: true, ResolvedIPs: ips}
}

// ValidateFast runs the check sequence without DNS resolution. It is
// strictly weaker than Validate: a hostname that resolves to a private
// address passes. Use only where the call site cannot block; never as the
// final pre-dispatch check.
func (v *Validator) ValidateFast(rawURL string) Result {
	_, result, done := v.validateStatic(rawURL)
	if done {
		return result
	}
	return Result{Safe: true}
}

// validateStatic performs steps 1-5: parse, scheme, allow-list, hostname
// blocklist, and literal-IP range checks. done=false means the hostname
// still needs DNS resolution.
func (v *Validator) validateStatic(rawURL string) (hostname string, result Result, done bool) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", Result{Safe: false, Reason: ReasonInvalidURL}, true
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", Result{Safe: false, Reason: ReasonSchemeNotAllowed}, true
	}

	hostname = strings.ToLower(parsed.Hostname())
	if hostname == "" {
		return "", Result{Safe: false, Reason: ReasonInvalidURL}, true
	}

	if _, ok := v.allowedHostnames[hostname]; ok {
		return hostname, Result{Safe: true}, true
	}

	if _, ok := v.blockedHostnames[hostname]; ok {
		return hostname, Result{Safe: false, Reason: ReasonHostnameBlocked}, true
	}

	if ip := net.ParseIP(strings.Trim(hostname, "[]")); ip != nil {
		if v.isBlockedIP(ip) {
			return hostname, Result{Safe: false, Reason: ReasonBlockedIPRange}, true
		}
		return hostname, Result{Safe: true, ResolvedIPs: []net.IP{ip}}, true
	}

	return hostname, Result{}, false
}

// isBlockedIP reports whether the IP falls in any blocked range.
// IPv4-mapped IPv6 addresses are normalized to IPv4 first.
func (v *Validator) isBlockedIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, network := range v.blockedNets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
