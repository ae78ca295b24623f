package identity

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Kind distinguishes the identity variants.
type Kind int

const (
	// KindIP identifies a client by its normalized IP address.
	KindIP Kind = iota

	// KindUser identifies a client by a user id from decoded auth claims.
	KindUser
)

// Identity is a stable client identity used as the rate-limit scope.
type Identity struct {
	Kind   Kind
	Addr   netip.Addr
	UserID string
	Tier   string
}

// Key returns the canonical counter-key fragment for this identity.
func (id Identity) Key() string {
	if id.Kind == KindUser {
		return "user:" + id.UserID
	}
	return "ip:" + id.Addr.String()
}

// Config controls identity extraction.
type Config struct {
	// TrustedProxyDepth is the number of trusted reverse proxies in front
	// of the service. That many entries are skipped from the right of the
	// forwarded-for header.
	TrustedProxyDepth int

	// ForwardedHeader is the header carrying the client address chain.
	// Defaults to "X-Forwarded-For".
	ForwardedHeader string

	// UserIDClaim is the claim key holding the user identifier.
	// Defaults to "sub".
	UserIDClaim string

	// TierClaim is the claim key holding the user's tier. Defaults to "tier".
	TierClaim string

	// AnonymousTier is assigned when claims carry no tier.
	// Defaults to "anonymous".
	AnonymousTier string
}

func (c Config) withDefaults() Config {
	if c.ForwardedHeader == "" {
		c.ForwardedHeader = "X-Forwarded-For"
	}
	if c.UserIDClaim == "" {
		c.UserIDClaim = "sub"
	}
	if c.TierClaim == "" {
		c.TierClaim = "tier"
	}
	if c.AnonymousTier == "" {
		c.AnonymousTier = "anonymous"
	}
	return c
}

// Resolve derives a client identity from request metadata. Claims take
// precedence over addresses; address extraction honors the trusted proxy
// depth and falls back to peerAddr on any malformed input.
func Resolve(headers http.Header, peerAddr string, claims map[string]any, cfg Config) Identity {
	cfg = cfg.withDefaults()

	if id, ok := userFromClaims(claims, cfg); ok {
		return id
	}

	if addr, ok := clientFromForwarded(headers.Get(cfg.ForwardedHeader), cfg.TrustedProxyDepth); ok {
		return Identity{Kind: KindIP, Addr: addr, Tier: cfg.AnonymousTier}
	}

	return Identity{Kind: KindIP, Addr: normalizePeer(peerAddr), Tier: cfg.AnonymousTier}
}

// userFromClaims returns a user identity if the decoded claims carry a
// non-empty user identifier.
func userFromClaims(claims map[string]any, cfg Config) (Identity, bool) {
	if claims == nil {
		return Identity{}, false
	}

	sub, ok := claims[cfg.UserIDClaim].(string)
	if !ok || sub == "" {
		return Identity{}, false
	}

	tier := cfg.AnonymousTier
	if t, ok := claims[cfg.TierClaim].(string); ok && t != "" {
		tier = t
	}

	return Identity{Kind: KindUser, UserID: sub, Tier: tier}, true
}

// clientFromForwarded extracts the client address from a forwarded-for
// chain, skipping depth trusted entries from the right.
func clientFromForwarded(header string, depth int) (netip.Addr, bool) {
	if header == "" || depth < 0 {
		return netip.Addr{}, false
	}

	parts := strings.Split(header, ",")
	idx := len(parts) - 1 - depth
	if idx < 0 {
		// More trusted hops configured than entries present; the header
		// cannot name the client.
		return netip.Addr{}, false
	}

	return parseAddr(strings.TrimSpace(parts[idx]))
}

// parseAddr parses a textual address, tolerating an attached port, and
// returns it in canonical form.
func parseAddr(s string) (netip.Addr, bool) {
	if s == "" {
		return netip.Addr{}, false
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap(), true
	}

	// Some proxies append the port ("1.2.3.4:5678", "[::1]:5678").
	if host, _, err := net.SplitHostPort(s); err == nil {
		if addr, err := netip.ParseAddr(host); err == nil {
			return addr.Unmap(), true
		}
	}

	return netip.Addr{}, false
}

// normalizePeer parses the transport peer address; an unparseable peer
// yields the IPv4 unspecified address so the caller still gets a keyable
// identity.
func normalizePeer(peerAddr string) netip.Addr {
	if addr, ok := parseAddr(strings.TrimSpace(peerAddr)); ok {
		return addr
	}
	return netip.IPv4Unspecified()
}
