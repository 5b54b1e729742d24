package routing

import "context"

// DeploymentRow is the subset of deployment/container state Reload needs to
// build a RouteInfo: either a static directory or a list of loopback
// addresses for that deployment's live containers.
type DeploymentRow struct {
	ID                 string
	ProjectID          string
	EnvironmentID      string
	Slug               string
	StaticDirLocation  string
	ContainerAddresses []string
}

// EnvironmentDomainRow pairs a hostname with the deployment currently
// serving it. Deployment is nil when the environment has no current
// deployment, in which case the row is skipped.
type EnvironmentDomainRow struct {
	Hostname   string
	Deployment *DeploymentRow
}

// CustomRouteRow is an operator-defined route that bypasses project/
// environment/deployment entirely: a bare domain (or wildcard) pointed at a
// fixed address list.
type CustomRouteRow struct {
	RouteType string // "http" or "tls"
	Domain    string
	Addresses []string
}

// ProjectCustomDomainRow is either a redirect or a deployment-backed domain
// attached directly to a project rather than an environment.
type ProjectCustomDomainRow struct {
	Hostname   string
	RedirectTo string
	StatusCode int
	Deployment *DeploymentRow
}

// EnvironmentRow is an environment with an active deployment and a
// subdomain, used to guarantee every live deployment is reachable even
// without an explicit domain row.
type EnvironmentRow struct {
	Subdomain  string
	Deployment *DeploymentRow
}

// DataSource is everything Table.Reload needs from persistent storage. The
// pgx-backed implementation lives in internal/db/routequeries.go; tests
// supply an in-memory fake.
type DataSource interface {
	PreviewDomain(ctx context.Context) (string, error)
	EnvironmentDomains(ctx context.Context) ([]EnvironmentDomainRow, error)
	CustomRoutes(ctx context.Context) ([]CustomRouteRow, error)
	ProjectCustomDomains(ctx context.Context) ([]ProjectCustomDomainRow, error)
	ActiveEnvironmentsWithSubdomain(ctx context.Context) ([]EnvironmentRow, error)
	CompletedDeploymentsForCurrent(ctx context.Context) ([]DeploymentRow, error)
}
