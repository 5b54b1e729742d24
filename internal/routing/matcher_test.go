package routing

import "testing"

func TestMatcher_SingleLabelWildcard(t *testing.T) {
	m := NewMatcher[string]()
	m.Insert("*.example.com", "backend-a")

	tests := []struct {
		host  string
		want  string
		found bool
	}{
		{"api.example.com", "backend-a", true},
		{"example.com", "", false},
		{"a.b.example.com", "", false},
		{"other.com", "", false},
	}

	for _, tt := range tests {
		got, ok := m.Match(tt.host)
		if ok != tt.found {
			t.Errorf("Match(%q) ok = %v, want %v", tt.host, ok, tt.found)
			continue
		}
		if ok && got != tt.want {
			t.Errorf("Match(%q) = %q, want %q", tt.host, got, tt.want)
		}
	}
}

func TestMatcher_LongestSuffixWins(t *testing.T) {
	m := NewMatcher[string]()
	m.Insert("*.example.com", "broad")
	m.Insert("*.staging.example.com", "narrow")

	got, ok := m.Match("api.staging.example.com")
	if !ok {
		t.Fatal("expected a match")
	}
	if got != "narrow" {
		t.Errorf("Match = %q, want narrow (longest suffix)", got)
	}

	got, ok = m.Match("api.example.com")
	if !ok || got != "broad" {
		t.Errorf("Match(api.example.com) = (%q, %v), want (broad, true)", got, ok)
	}
}

func TestMatcher_OverwriteOnDuplicateSuffix(t *testing.T) {
	m := NewMatcher[string]()
	m.Insert("*.example.com", "first")
	m.Insert("*.example.com", "second")

	got, ok := m.Match("api.example.com")
	if !ok || got != "second" {
		t.Errorf("Match = (%q, %v), want (second, true)", got, ok)
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
}
