// Package ratelimit provides the request counters behind the access gate.
//
// Counter implements fixed windows keyed by arbitrary strings; the gate builds keys
// such as "agent:<id>#<key fingerprint>|<endpoint>" or "ip:<addr>|<endpoint>"
// according to its key policy. IPLimiter is a token bucket per client address, used
// in front of unauthenticated endpoints.
package ratelimit
