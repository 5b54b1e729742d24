package routing

import (
	"context"
	"testing"
)

type fakeDataSource struct {
	previewDomain string
	envDomains    []EnvironmentDomainRow
	customRoutes  []CustomRouteRow
	projectDomains []ProjectCustomDomainRow
	environments  []EnvironmentRow
	deployments   []DeploymentRow
}

func (f *fakeDataSource) PreviewDomain(ctx context.Context) (string, error) { return f.previewDomain, nil }
func (f *fakeDataSource) EnvironmentDomains(ctx context.Context) ([]EnvironmentDomainRow, error) {
	return f.envDomains, nil
}
func (f *fakeDataSource) CustomRoutes(ctx context.Context) ([]CustomRouteRow, error) {
	return f.customRoutes, nil
}
func (f *fakeDataSource) ProjectCustomDomains(ctx context.Context) ([]ProjectCustomDomainRow, error) {
	return f.projectDomains, nil
}
func (f *fakeDataSource) ActiveEnvironmentsWithSubdomain(ctx context.Context) ([]EnvironmentRow, error) {
	return f.environments, nil
}
func (f *fakeDataSource) CompletedDeploymentsForCurrent(ctx context.Context) ([]DeploymentRow, error) {
	return f.deployments, nil
}

func TestTable_ReloadBuildsEnvironmentDomainRoute(t *testing.T) {
	src := &fakeDataSource{
		previewDomain: "localho.st",
		envDomains: []EnvironmentDomainRow{
			{Hostname: "app.example.com", Deployment: &DeploymentRow{
				ID: "dep-1", ContainerAddresses: []string{"127.0.0.1:9001"},
			}},
		},
	}
	table := New(src, nil)

	if err := table.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	info, ok := table.GetByHost("app.example.com")
	if !ok {
		t.Fatal("expected a route for app.example.com")
	}
	addr, _ := info.Backend.Next()
	if addr != "127.0.0.1:9001" {
		t.Errorf("addr = %q, want 127.0.0.1:9001", addr)
	}
}

func TestTable_SkipsDeploymentWithNoBackend(t *testing.T) {
	src := &fakeDataSource{
		previewDomain: "localho.st",
		envDomains: []EnvironmentDomainRow{
			{Hostname: "dead.example.com", Deployment: &DeploymentRow{ID: "dep-2"}},
		},
	}
	table := New(src, nil)
	if err := table.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if _, ok := table.GetByHost("dead.example.com"); ok {
		t.Error("expected no route for a deployment with no static dir and no containers")
	}
}

func TestTable_CustomRouteWildcardIndexesSeparately(t *testing.T) {
	src := &fakeDataSource{
		customRoutes: []CustomRouteRow{
			{RouteType: "tls", Domain: "*.passthrough.example.com", Addresses: []string{"10.0.0.5:443"}},
		},
	}
	table := New(src, nil)
	if err := table.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if _, ok := table.GetByHost("svc.passthrough.example.com"); ok {
		t.Error("TLS wildcard should not be reachable via GetByHost")
	}
	info, ok := table.GetBySNI("svc.passthrough.example.com")
	if !ok {
		t.Fatal("expected a TLS wildcard match via GetBySNI")
	}
	addr, _ := info.Backend.Next()
	if addr != "10.0.0.5:443" {
		t.Errorf("addr = %q, want 10.0.0.5:443", addr)
	}
}

func TestTable_ProjectCustomDomainRedirect(t *testing.T) {
	src := &fakeDataSource{
		projectDomains: []ProjectCustomDomainRow{
			{Hostname: "old.example.com", RedirectTo: "https://new.example.com", StatusCode: 301},
		},
	}
	table := New(src, nil)
	if err := table.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	info, ok := table.GetByHost("old.example.com")
	if !ok {
		t.Fatal("expected a redirect route")
	}
	if info.RedirectTo != "https://new.example.com" || info.StatusCode != 301 {
		t.Errorf("got redirect=%q status=%d", info.RedirectTo, info.StatusCode)
	}
}

func TestTable_EnvironmentSubdomainGetsPreviewDomainAlias(t *testing.T) {
	src := &fakeDataSource{
		previewDomain: "preview.dev",
		environments: []EnvironmentRow{
			{Subdomain: "my-env", Deployment: &DeploymentRow{
				ID: "dep-3", ContainerAddresses: []string{"127.0.0.1:9002"},
			}},
		},
	}
	table := New(src, nil)
	if err := table.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	for _, host := range []string{"my-env", "my-env.preview.dev"} {
		if _, ok := table.GetByHost(host); !ok {
			t.Errorf("expected a route for %q", host)
		}
	}
}

func TestTable_EmptyPreviewDomainDefaultsToLocalhost(t *testing.T) {
	src := &fakeDataSource{
		environments: []EnvironmentRow{
			{Subdomain: "fallback-env", Deployment: &DeploymentRow{
				ID: "dep-4", ContainerAddresses: []string{"127.0.0.1:9003"},
			}},
		},
	}
	table := New(src, nil)
	if err := table.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if _, ok := table.GetByHost("fallback-env.localho.st"); !ok {
		t.Error("expected default preview domain localho.st to be used")
	}
}

func TestTable_ReloadIsAtomicSwap(t *testing.T) {
	src := &fakeDataSource{
		envDomains: []EnvironmentDomainRow{
			{Hostname: "v1.example.com", Deployment: &DeploymentRow{
				ID: "dep-5", ContainerAddresses: []string{"127.0.0.1:9004"},
			}},
		},
	}
	table := New(src, nil)
	if err := table.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if _, ok := table.GetByHost("v1.example.com"); !ok {
		t.Fatal("expected initial route to be present")
	}

	src.envDomains = nil
	src.customRoutes = []CustomRouteRow{
		{RouteType: "http", Domain: "v2.example.com", Addresses: []string{"127.0.0.1:9005"}},
	}
	if err := table.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if _, ok := table.GetByHost("v1.example.com"); ok {
		t.Error("stale route from before reload should be gone after the swap")
	}
	if _, ok := table.GetByHost("v2.example.com"); !ok {
		t.Error("expected the new route to be present after the swap")
	}
}
