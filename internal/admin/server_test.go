package admin

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/temps/edge/internal/middleware"
	"github.com/temps/edge/internal/routing"
)

type nopDataSource struct{}

func (nopDataSource) PreviewDomain(ctx context.Context) (string, error) { return "localho.st", nil }
func (nopDataSource) EnvironmentDomains(ctx context.Context) ([]routing.EnvironmentDomainRow, error) {
	return nil, nil
}
func (nopDataSource) CustomRoutes(ctx context.Context) ([]routing.CustomRouteRow, error) { return nil, nil }
func (nopDataSource) ProjectCustomDomains(ctx context.Context) ([]routing.ProjectCustomDomainRow, error) {
	return nil, nil
}
func (nopDataSource) ActiveEnvironmentsWithSubdomain(ctx context.Context) ([]routing.EnvironmentRow, error) {
	return nil, nil
}
func (nopDataSource) CompletedDeploymentsForCurrent(ctx context.Context) ([]routing.DeploymentRow, error) {
	return nil, nil
}

func TestServer_Healthz(t *testing.T) {
	table := routing.New(nopDataSource{}, zap.NewNop())
	s := New(nil, nil, table, zap.NewNop(), middleware.DefaultSecurityConfig())

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
}

func TestServer_DebugRoutesReturnsEmptySnapshotBeforeLoad(t *testing.T) {
	table := routing.New(nopDataSource{}, zap.NewNop())
	s := New(nil, nil, table, zap.NewNop(), middleware.DefaultSecurityConfig())

	req := httptest.NewRequest("GET", "/debug/routes", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snap routing.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if len(snap.HTTPExact) != 0 {
		t.Errorf("expected empty snapshot before Reload, got %+v", snap)
	}
}
