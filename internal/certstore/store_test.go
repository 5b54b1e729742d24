package certstore

import "testing"

func TestWildcardParent(t *testing.T) {
	tests := []struct {
		sni  string
		want string
	}{
		{"api.example.com", "*.example.com"},
		{"example.com", "*.com"},
		{"com", ""},
	}
	for _, tt := range tests {
		got := wildcardParent(tt.sni)
		if got != tt.want {
			t.Errorf("wildcardParent(%q) = %q, want %q", tt.sni, got, tt.want)
		}
	}
}

func TestStore_CacheInvalidatedOnWriteStatus(t *testing.T) {
	s := &Store{cache: make(map[string]Certificate)}
	s.cachePut("example.com", Certificate{Domain: "example.com", PEM: "pem", Key: "key"})

	if _, ok := s.cacheGet("example.com"); !ok {
		t.Fatal("expected cache hit before invalidation")
	}

	s.invalidate("example.com")

	if _, ok := s.cacheGet("example.com"); ok {
		t.Error("expected cache miss after invalidation")
	}
}
