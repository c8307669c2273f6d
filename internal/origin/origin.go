// Package origin validates browser Origin headers against the relay's allow
// list.
package origin

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates and normalizes a browser Origin header.
//
// It returns the normalized origin (scheme://host[:port]) and the host[:port]
// portion for same-host comparisons. Default ports are dropped.
//
// The special Origin value "null" is allowed and returned as-is.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	hostname, port, ok := parseAuthority(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	host = joinHost(hostname, port)
	return scheme + "://" + host, host, true
}

// Policy is a parsed ALLOWED_ORIGINS list. Entries are exact origins, "*",
// "null", host wildcards such as "https://*.example.net" or port wildcards
// such as "http://localhost:*". An empty Policy allows same-host requests
// only.
type Policy struct {
	allowAll bool
	patterns []pattern
}

type pattern struct {
	raw    string
	scheme string
	// suffix is set for "*." host wildcards and includes the leading dot.
	suffix   string
	hostname string
	port     uint64
	anyPort  bool
	null     bool
}

func ParsePolicy(entries []string) (*Policy, error) {
	p := &Policy{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			p.allowAll = true
			p.patterns = append(p.patterns, pattern{raw: "*"})
			continue
		}
		pat, err := parsePattern(entry)
		if err != nil {
			return nil, err
		}
		p.patterns = append(p.patterns, pat)
	}
	return p, nil
}

// Entries returns the normalized entries, in input order.
func (p *Policy) Entries() []string {
	if p == nil {
		return nil
	}
	out := make([]string, 0, len(p.patterns))
	for _, pat := range p.patterns {
		out = append(out, pat.raw)
	}
	return out
}

// HasWildcard reports whether any entry matches more than one origin.
func (p *Policy) HasWildcard() bool {
	if p == nil {
		return false
	}
	for _, pat := range p.patterns {
		if pat.raw == "*" || pat.suffix != "" || pat.anyPort {
			return true
		}
	}
	return false
}

// Allows reports whether originHeader may access a request addressed to
// requestHost. It returns the normalized origin on success.
func (p *Policy) Allows(originHeader, requestHost string) (string, bool) {
	normalized, host, ok := NormalizeHeader(originHeader)
	if !ok {
		return "", false
	}
	if p == nil || len(p.patterns) == 0 {
		return normalized, IsAllowed(normalized, host, requestHost, nil)
	}
	if p.allowAll {
		return normalized, true
	}
	for _, pat := range p.patterns {
		if pat.matches(normalized) {
			return normalized, true
		}
	}
	return "", false
}

// IsAllowed returns true when the normalized origin is allowed to access the
// given request host.
//
// If allowedOrigins is non-empty, each entry must be either "*" or a normalized
// origin string (as produced by NormalizeHeader).
//
// Otherwise the default policy is same-host only (host[:port] must match the
// incoming request's Host header; default ports are treated as equivalent).
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	// The scheme is not compared: behind a TLS-terminating proxy the request
	// arrives as HTTP while the browser Origin is HTTPS.
	scheme, _, ok := strings.Cut(normalizedOrigin, "://")
	if !ok || (scheme != "http" && scheme != "https") {
		return false
	}

	hostname, port, ok := parseAuthority(strings.ToLower(strings.TrimSpace(requestHost)), scheme)
	if !ok {
		return false
	}
	return originHost == joinHost(hostname, port)
}

func parsePattern(entry string) (pattern, error) {
	if entry == "null" {
		return pattern{raw: "null", null: true}, nil
	}

	scheme, rest, ok := strings.Cut(entry, "://")
	scheme = strings.ToLower(scheme)
	if !ok || (scheme != "http" && scheme != "https") {
		return pattern{}, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
	}
	rest = strings.TrimSuffix(rest, "/")

	switch {
	case strings.HasPrefix(rest, "*."):
		hostname, port, ok := parseAuthority(rest[2:], scheme)
		if !ok || strings.Contains(hostname, "*") {
			return pattern{}, fmt.Errorf("invalid origin pattern %q", entry)
		}
		host := "*." + joinHost(hostname, port)
		return pattern{raw: scheme + "://" + host, scheme: scheme, suffix: "." + hostname, port: port}, nil
	case strings.HasSuffix(rest, ":*"):
		normalized, _, ok := NormalizeHeader(scheme + "://" + strings.TrimSuffix(rest, ":*"))
		if !ok {
			return pattern{}, fmt.Errorf("invalid origin pattern %q", entry)
		}
		hostname, _, _ := parseAuthority(strings.TrimPrefix(normalized, scheme+"://"), scheme)
		return pattern{raw: normalized + ":*", scheme: scheme, hostname: hostname, anyPort: true}, nil
	}

	normalized, _, ok := NormalizeHeader(entry)
	if !ok {
		return pattern{}, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
	}
	return pattern{raw: normalized}, nil
}

func (p pattern) matches(normalizedOrigin string) bool {
	switch {
	case p.raw == "*":
		return true
	case p.null:
		return normalizedOrigin == "null"
	case p.suffix == "" && !p.anyPort:
		return normalizedOrigin == p.raw
	}

	scheme, authority, ok := strings.Cut(normalizedOrigin, "://")
	if !ok || scheme != p.scheme {
		return false
	}
	hostname, port, ok := parseAuthority(authority, scheme)
	if !ok {
		return false
	}
	if p.anyPort {
		return hostname == p.hostname
	}
	return port == p.port && strings.HasSuffix(hostname, p.suffix) && len(hostname) > len(p.suffix)
}

// parseAuthority splits and validates host[:port], lowercasing the hostname
// and dropping the scheme's default port.
func parseAuthority(authority, scheme string) (hostname string, port uint64, ok bool) {
	rawHostname, rawPort, ok := splitHostPort(authority)
	if !ok {
		return "", 0, false
	}
	hostname = strings.ToLower(rawHostname)
	if hostname == "" {
		return "", 0, false
	}
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", 0, false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}
	return hostname, port, true
}

func joinHost(hostname string, port uint64) string {
	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host = host + ":" + strconv.FormatUint(port, 10)
	}
	return host
}

// splitHostPort splits an authority host[:port] string.
//
// The hostname is returned without brackets for IPv6 literals. The port is
// returned as-is (not validated) and will be empty when absent.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") {
			return "", "", false
		}
		port = rest[1:]
		if port == "" {
			return "", "", false
		}
		return hostname, port, true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		parts := strings.SplitN(rawHost, ":", 2)
		if parts[0] == "" || parts[1] == "" {
			return "", "", false
		}
		return parts[0], parts[1], true
	default:
		// Unbracketed IPv6 literals are not valid in the authority component.
		return "", "", false
	}
}
