// Package netutil has small address/hostname helpers shared by the
// collector and store layers.
package netutil

import (
	"net"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ExtractDomain returns the registered domain (eTLD+1) for a host as
// reported by upstream connection metadata. Hosts occasionally arrive
// with a port attached; IPs, localhost, and bare TLDs pass through
// unchanged so raw-ip traffic still groups sensibly.
//
//	"www.google.co.uk"   -> "google.co.uk"
//	"api.sina.com.cn:443"-> "sina.com.cn"
//	"192.168.1.1"        -> "192.168.1.1"
//	"localhost"          -> "localhost"
func ExtractDomain(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	} else if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}

	if net.ParseIP(host) != nil {
		return host
	}
	if domain, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return domain
	}
	return host
}
