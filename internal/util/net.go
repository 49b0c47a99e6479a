// Package util provides logging, traffic statistics and small network helpers
// shared by servers, clients and direct peer links.
package util

import (
	"net"
	"strconv"
	"strings"
)

// HostOf strips the port from a "host:port" address. Addresses without a port
// are returned unchanged, minus IPv6 brackets.
func HostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.Trim(addr, "[]")
	}
	return host
}

// JoinHostPort formats an endpoint key the same way for dialing and caching.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
