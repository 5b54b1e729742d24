package routing

import (
	"context"
	"testing"
)

func TestTable_LoadedIsFalseUntilFirstReload(t *testing.T) {
	table := New(&fakeDataSource{}, nil)
	if table.Loaded() {
		t.Fatal("expected Loaded() to be false before the first Reload")
	}
	if err := table.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !table.Loaded() {
		t.Fatal("expected Loaded() to be true after a successful Reload")
	}
}

func TestTable_DumpDescribesEveryRouteKind(t *testing.T) {
	src := &fakeDataSource{
		previewDomain: "localho.st",
		customRoutes: []CustomRouteRow{
			{RouteType: "http", Domain: "api.example.com", Addresses: []string{"127.0.0.1:9001"}},
			{RouteType: "tls", Domain: "*.wild.example.com", Addresses: []string{"127.0.0.1:9002"}},
		},
		projectDomains: []ProjectCustomDomainRow{
			{Hostname: "redirect.example.com", RedirectTo: "https://example.com", StatusCode: 301},
		},
	}
	table := New(src, nil)
	if err := table.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	snap := table.Dump()

	if got := snap.HTTPExact["api.example.com"]; got != "upstream:127.0.0.1:9001" {
		t.Errorf("HTTPExact = %q", got)
	}
	if len(snap.TLSWildcards) != 1 || snap.TLSWildcards[0] != "*.wild.example.com" {
		t.Errorf("TLSWildcards = %v", snap.TLSWildcards)
	}
	if got := snap.Legacy["redirect.example.com"]; got != "redirect:https://example.com" {
		t.Errorf("Legacy = %q", got)
	}
}
