// Package identity derives stable client identities from request metadata.
//
// An identity is either an authenticated user (taken from already-decoded
// auth claims) or a normalized client IP address. Extraction never fails:
// malformed forwarded headers or missing claims fall back to the peer
// address and the anonymous tier.
//
// The forwarded-for header is parsed proxy-depth-aware: with N trusted
// proxies in front of the service, the N rightmost entries are appended by
// infrastructure and the entry just left of them is the real client.
package identity
