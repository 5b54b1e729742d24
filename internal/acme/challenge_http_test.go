package acme

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestChallengeHandler_ServesKnownToken(t *testing.T) {
	repo := newFakeOrderRepo()
	if err := repo.SaveHTTPChallenge(context.Background(), HttpChallengeData{
		Domain: "example.test", Token: "abc123", KeyAuth: "abc123.keyauth",
	}); err != nil {
		t.Fatalf("SaveHTTPChallenge: %v", err)
	}

	handler := NewChallengeHandler(NewHTTPSolver(repo))
	req := httptest.NewRequest(http.MethodGet, "/.well-known/acme-challenge/abc123", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "abc123.keyauth" {
		t.Errorf("body = %q, want key authorization", rec.Body.String())
	}
}

func TestChallengeHandler_UnknownTokenIs404(t *testing.T) {
	repo := newFakeOrderRepo()
	handler := NewChallengeHandler(NewHTTPSolver(repo))
	req := httptest.NewRequest(http.MethodGet, "/.well-known/acme-challenge/missing", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestIsChallengePath(t *testing.T) {
	cases := map[string]bool{
		"/.well-known/acme-challenge/abc": true,
		"/":                               false,
		"/favicon.ico":                    false,
	}
	for path, want := range cases {
		if got := IsChallengePath(path); got != want {
			t.Errorf("IsChallengePath(%q) = %v, want %v", path, got, want)
		}
	}
}
