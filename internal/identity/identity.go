// Package identity derives the stable partition key used for all per-client
// tracking. Clients present a fingerprint that may carry a rotating challenge
// suffix; the stable part must be extracted once and reused for every rate,
// cost and challenge key, or per-client accounting silently fragments.
package identity

import (
	"net"
	"strings"
)

// compoundSeparator joins a fingerprint and its rotating challenge suffix.
const compoundSeparator = "."

// Stable returns the tracking identity for a request: the fingerprint with
// any rotating suffix stripped, or failing that the host part of remoteAddr.
func Stable(fingerprint, remoteAddr string) string {
	if fp := stripSuffix(fingerprint); fp != "" {
		return fp
	}
	addr := strings.TrimSpace(remoteAddr)
	if addr == "" {
		return ""
	}
	if host, _, errSplit := net.SplitHostPort(addr); errSplit == nil {
		return host
	}
	return addr
}

// stripSuffix removes the rotating challenge suffix from a compound
// fingerprint, keeping only the stable part.
func stripSuffix(fingerprint string) string {
	fp := strings.TrimSpace(fingerprint)
	if fp == "" {
		return ""
	}
	if idx := strings.Index(fp, compoundSeparator); idx >= 0 {
		fp = fp[:idx]
	}
	return fp
}
