package visitor

import (
	"strings"
	"testing"
)

func TestShouldTrackVisitor(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		contentType string
		status      int
		want        bool
	}{
		{"html page", "/dashboard", "text/html; charset=utf-8", 200, true},
		{"admin prefix excluded", "/api/_temps/status", "text/html", 200, false},
		{"static asset excluded", "/assets/app.js", "application/javascript", 200, false},
		{"json api not tracked", "/data.json", "application/json", 200, false},
		{"error response tracked regardless of content type", "/data.json", "application/json", 500, true},
		{"4xx tracked", "/missing", "text/html", 404, true},
	}

	for _, tt := range tests {
		got := ShouldTrackVisitor(tt.path, tt.contentType, tt.status)
		if got != tt.want {
			t.Errorf("%s: ShouldTrackVisitor(%q, %q, %d) = %v, want %v",
				tt.name, tt.path, tt.contentType, tt.status, got, tt.want)
		}
	}
}

func TestClassifyCrawler(t *testing.T) {
	tests := []struct {
		ua          string
		wantCrawler bool
	}{
		{"Mozilla/5.0 Googlebot/2.1", true},
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/100.0", false},
		{"Mozilla/5.0 (compatible; Bingbot/2.0)", true},
	}

	for _, tt := range tests {
		isCrawler, name := classifyCrawler(tt.ua)
		if isCrawler != tt.wantCrawler {
			t.Errorf("classifyCrawler(%q) isCrawler = %v, want %v", tt.ua, isCrawler, tt.wantCrawler)
		}
		if isCrawler && name == "" {
			t.Errorf("classifyCrawler(%q) expected a non-empty crawler name", tt.ua)
		}
	}
}

func TestGenerateVisitorCookie_ContainsExpectedAttributes(t *testing.T) {
	crypto, _ := NewCrypto(testKey())
	m := NewManager(nil, crypto)

	v := Visitor{ID: 1}
	cookie, err := m.GenerateVisitorCookie(v, true)
	if err != nil {
		t.Fatalf("GenerateVisitorCookie: %v", err)
	}

	for _, want := range []string{"_temps_visitor_id=", "HttpOnly", "Secure", "Path=/"} {
		if !strings.Contains(cookie, want) {
			t.Errorf("cookie %q missing %q", cookie, want)
		}
	}
}
