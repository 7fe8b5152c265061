// Package origin vets the browser Origin header presented with the signaling
// WebSocket upgrade. CORS preflights never cover a WebSocket handshake, so
// the /ws route runs its own allow-list check before a video-chat client is
// allowed to connect.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates an Origin header and reduces it to the canonical
// scheme://host[:port] form, plus the host[:port] part alone for same-host
// comparison. Default ports are stripped, so "https://a.example:443" and
// "https://a.example" compare equal.
//
// The special value "null" (sandboxed iframes, file:// pages) is structurally
// valid and returned as-is; IsAllowed decides whether it gets in.
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
	// An origin is scheme://host[:port] and nothing else. Anything with
	// userinfo, a query, a fragment, or a real path is not an origin.
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

	host, ok = canonicalHostPort(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// IsAllowed decides whether a normalized origin may open a signaling
// connection against requestHost.
//
// With a configured allow-list, each entry is either "*" or a normalized
// origin as produced by NormalizeHeader. Without one, the policy is same
// host[:port] only.
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	// Same-host comparison ignores the scheme: behind a TLS-terminating
	// proxy the upgrade arrives as HTTP while the browser origin is HTTPS.
	scheme := ""
	switch {
	case strings.HasPrefix(normalizedOrigin, "http://"):
		scheme = "http"
	case strings.HasPrefix(normalizedOrigin, "https://"):
		scheme = "https"
	default:
		// "null" has no host to match, and anything else means the caller
		// skipped NormalizeHeader.
		return false
	}

	requestHostCanon, ok := canonicalHostPort(requestHost, scheme)
	if !ok {
		return false
	}
	return originHost == requestHostCanon
}

// canonicalHostPort lowercases a host[:port] authority, brackets IPv6
// literals, and strips the port when it is the scheme's default.
func canonicalHostPort(hostport, scheme string) (string, bool) {
	trimmed := strings.ToLower(strings.TrimSpace(hostport))
	if trimmed == "" {
		return "", false
	}

	hostname, rawPort, ok := splitAuthority(trimmed)
	if !ok || hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 || n > 65535 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host = host + ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitAuthority splits host[:port], returning IPv6 literals without their
// brackets. The port comes back unvalidated and empty when absent.
func splitAuthority(rawHost string) (hostname, port string, ok bool) {
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
		if !strings.HasPrefix(rest, ":") || rest == ":" {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		hostname, port, _ = strings.Cut(rawHost, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		// A bare IPv6 literal must be bracketed in an authority.
		return "", "", false
	}
}
