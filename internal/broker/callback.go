package broker

import (
	"net"
	"net/url"
	"strings"
)

// ValidateCallbackURL reports whether callback may receive a token issued
// for a page at current. It accepts a callback on the same origin as the
// page, or one where both hosts are loopback addresses and the explicit
// ports match. Unparseable input is rejected.
func ValidateCallbackURL(callback, current string) bool {
	cb, ok := parseAbsolute(callback)
	if !ok {
		return false
	}
	cur, ok := parseAbsolute(current)
	if !ok {
		return false
	}

	if origin(cb) == origin(cur) {
		return true
	}
	if isLoopback(cb.Hostname()) && isLoopback(cur.Hostname()) {
		return explicitPort(cb) == explicitPort(cur)
	}
	return false
}

func parseAbsolute(raw string) (*url.URL, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" || u.Hostname() == "" {
		return nil, false
	}
	return u, true
}

func defaultPort(scheme string) string {
	switch strings.ToLower(scheme) {
	case "http", "ws":
		return "80"
	case "https", "wss":
		return "443"
	}
	return ""
}

// explicitPort is the port as a browser reports it: empty when absent or
// equal to the scheme default.
func explicitPort(u *url.URL) string {
	if p := u.Port(); p != defaultPort(u.Scheme) {
		return p
	}
	return ""
}

// origin is scheme://host:port with the scheme's default port filled in.
func origin(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = defaultPort(u.Scheme)
	}
	return strings.ToLower(u.Scheme) + "://" + net.JoinHostPort(strings.ToLower(u.Hostname()), port)
}

func isLoopback(host string) bool {
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
