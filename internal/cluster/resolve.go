// Package cluster — resolve.go
//
// Address canonicalisation. Two addresses are equal iff host and port
// are equal, so every configured hostname is resolved to its first IP
// before any comparison happens.

package cluster

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

const resolveTimeout = 5 * time.Second

// ResolveAddr canonicalises a "host[:port]" spec. A missing port takes
// defaultPort. Hostnames resolve to their first returned IP.
func ResolveAddr(spec string, defaultPort int) (string, error) {
	host, portStr, err := net.SplitHostPort(spec)
	if err != nil {
		// No port in the spec.
		host = spec
		portStr = strconv.Itoa(defaultPort)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("cluster: invalid port in %q: %w", spec, err)
	}

	if ip := net.ParseIP(host); ip != nil {
		return net.JoinHostPort(ip.String(), strconv.Itoa(port)), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", fmt.Errorf("cluster: resolve %q: %w", host, err)
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("cluster: resolve %q: no addresses", host)
	}
	return net.JoinHostPort(ips[0].IP.String(), strconv.Itoa(port)), nil
}

// ResolveAddrs canonicalises a seed list, preserving order and
// dropping duplicates after resolution.
func ResolveAddrs(specs []string, defaultPort int) ([]string, error) {
	out := make([]string, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		addr, err := ResolveAddr(s, defaultPort)
		if err != nil {
			return nil, err
		}
		if seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out, nil
}

// FirstNonLoopback returns the first non-loopback unicast IPv4 address
// of the host, for use as the default bind host.
func FirstNonLoopback() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("cluster: interface addrs: %w", err)
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.IsLoopback() {
			continue
		}
		if ip4 := ipn.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", fmt.Errorf("cluster: no non-loopback address found")
}
