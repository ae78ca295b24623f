package identity

import (
	"net/http"
	"testing"

	"github.com/vnykmshr/admit/internal/testutil"
)

func headerWith(key, value string) http.Header {
	h := http.Header{}
	h.Set(key, value)
	return h
}

func TestResolve_Claims(t *testing.T) {
	tests := []struct {
		name     string
		claims   map[string]any
		wantKind Kind
		wantID   string
		wantTier string
	}{
		{
			name:     "user with tier",
			claims:   map[string]any{"sub": "user-42", "tier": "premium"},
			wantKind: KindUser,
			wantID:   "user-42",
			wantTier: "premium",
		},
		{
			name:     "user without tier",
			claims:   map[string]any{"sub": "user-42"},
			wantKind: KindUser,
			wantID:   "user-42",
			wantTier: "anonymous",
		},
		{
			name:     "empty subject falls back to IP",
			claims:   map[string]any{"sub": ""},
			wantKind: KindIP,
		},
		{
			name:     "non-string subject falls back to IP",
			claims:   map[string]any{"sub": 42},
			wantKind: KindIP,
		},
		{
			name:     "nil claims",
			claims:   nil,
			wantKind: KindIP,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := Resolve(http.Header{}, "192.0.2.10:4242", tt.claims, Config{})
			testutil.AssertEqual(t, id.Kind, tt.wantKind)
			if tt.wantKind == KindUser {
				testutil.AssertEqual(t, id.UserID, tt.wantID)
				testutil.AssertEqual(t, id.Tier, tt.wantTier)
			} else {
				testutil.AssertEqual(t, id.Addr.String(), "192.0.2.10")
			}
		})
	}
}

func TestResolve_ForwardedFor(t *testing.T) {
	tests := []struct {
		name   string
		header string
		depth  int
		want   string
	}{
		{
			name:   "no proxies takes rightmost",
			header: "203.0.113.5",
			depth:  0,
			want:   "203.0.113.5",
		},
		{
			name:   "skips one trusted proxy",
			header: "198.51.100.7, 10.0.0.1",
			depth:  1,
			want:   "198.51.100.7",
		},
		{
			name:   "skips two trusted proxies",
			header: "198.51.100.7, 10.0.0.1, 10.0.0.2",
			depth:  2,
			want:   "198.51.100.7",
		},
		{
			name:   "depth exceeds entries falls back to peer",
			header: "198.51.100.7",
			depth:  3,
			want:   "192.0.2.10",
		},
		{
			name:   "malformed entry falls back to peer",
			header: "not-an-ip, 10.0.0.1",
			depth:  1,
			want:   "192.0.2.10",
		},
		{
			name:   "entry with port",
			header: "198.51.100.7:4711",
			depth:  0,
			want:   "198.51.100.7",
		},
		{
			name:   "empty header falls back to peer",
			header: "",
			depth:  0,
			want:   "192.0.2.10",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := Resolve(headerWith("X-Forwarded-For", tt.header), "192.0.2.10:4242",
				nil, Config{TrustedProxyDepth: tt.depth})
			testutil.AssertEqual(t, id.Kind, KindIP)
			testutil.AssertEqual(t, id.Addr.String(), tt.want)
			testutil.AssertEqual(t, id.Tier, "anonymous")
		})
	}
}

func TestResolve_IPv6Normalization(t *testing.T) {
	// Compressed and expanded forms of the same address must produce the
	// same identity key.
	compressed := Resolve(headerWith("X-Forwarded-For", "2001:db8::1"), "192.0.2.10:1", nil, Config{})
	expanded := Resolve(headerWith("X-Forwarded-For", "2001:0db8:0000:0000:0000:0000:0000:0001"), "192.0.2.10:1", nil, Config{})

	testutil.AssertEqual(t, compressed.Key(), expanded.Key())
	testutil.AssertEqual(t, compressed.Key(), "ip:2001:db8::1")
}

func TestResolve_MappedIPv4(t *testing.T) {
	id := Resolve(headerWith("X-Forwarded-For", "::ffff:203.0.113.5"), "192.0.2.10:1", nil, Config{})
	testutil.AssertEqual(t, id.Key(), "ip:203.0.113.5")
}

func TestResolve_NeverFails(t *testing.T) {
	// Worst case: garbage everywhere still yields a keyable identity.
	id := Resolve(headerWith("X-Forwarded-For", ",,,"), "garbage", nil, Config{})
	testutil.AssertEqual(t, id.Kind, KindIP)
	testutil.AssertEqual(t, id.Key(), "ip:0.0.0.0")
}

func TestKey(t *testing.T) {
	user := Identity{Kind: KindUser, UserID: "abc"}
	testutil.AssertEqual(t, user.Key(), "user:abc")
}
