package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/temps/edge/internal/routing"
)

// RouteDataSource implements routing.DataSource against the pgx pool. Every
// method issues its own query; nothing here is cached independently of
// routing.Table's own snapshot, matching the original's read-through
// settings lookup.
type RouteDataSource struct {
	pool *pgxpool.Pool
}

func NewRouteDataSource(pool *pgxpool.Pool) *RouteDataSource {
	return &RouteDataSource{pool: pool}
}

func (s *RouteDataSource) PreviewDomain(ctx context.Context) (string, error) {
	var domain string
	err := s.pool.QueryRow(ctx,
		`SELECT data->>'preview_domain' FROM settings LIMIT 1`,
	).Scan(&domain)
	if err != nil {
		return "", nil // no settings row yet: caller defaults to localho.st
	}
	return domain, nil
}

func (s *RouteDataSource) EnvironmentDomains(ctx context.Context) ([]routing.EnvironmentDomainRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ed.domain, d.id, d.project_id, d.environment_id, d.slug, d.static_dir_location,
		       COALESCE(array_agg(
		           '127.0.0.1:' || COALESCE(dc.host_port, dc.container_port)
		           ORDER BY dc.id) FILTER (WHERE dc.id IS NOT NULL), '{}')
		FROM environment_domains ed
		JOIN environments e ON e.id = ed.environment_id
		JOIN deployments d ON d.id = e.current_deployment_id
		LEFT JOIN deployment_containers dc ON dc.deployment_id = d.id AND dc.deleted_at IS NULL
		GROUP BY ed.domain, d.id`)
	if err != nil {
		return nil, fmt.Errorf("query environment domains: %w", err)
	}
	defer rows.Close()

	var out []routing.EnvironmentDomainRow
	for rows.Next() {
		var hostname string
		var dep routing.DeploymentRow
		var staticDir *string
		if err := rows.Scan(&hostname, &dep.ID, &dep.ProjectID, &dep.EnvironmentID, &dep.Slug, &staticDir, &dep.ContainerAddresses); err != nil {
			return nil, fmt.Errorf("scan environment domain row: %w", err)
		}
		if staticDir != nil {
			dep.StaticDirLocation = *staticDir
		}
		out = append(out, routing.EnvironmentDomainRow{Hostname: hostname, Deployment: &dep})
	}
	return out, rows.Err()
}

func (s *RouteDataSource) CustomRoutes(ctx context.Context) ([]routing.CustomRouteRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT route_type, domain, host || ':' || port FROM custom_routes WHERE enabled = true`)
	if err != nil {
		return nil, fmt.Errorf("query custom routes: %w", err)
	}
	defer rows.Close()

	var out []routing.CustomRouteRow
	for rows.Next() {
		var r routing.CustomRouteRow
		var addr string
		if err := rows.Scan(&r.RouteType, &r.Domain, &addr); err != nil {
			return nil, fmt.Errorf("scan custom route row: %w", err)
		}
		r.Addresses = []string{addr}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *RouteDataSource) ProjectCustomDomains(ctx context.Context) ([]routing.ProjectCustomDomainRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pcd.domain, pcd.redirect_to, pcd.status_code,
		       d.id, d.project_id, d.environment_id, d.slug, d.static_dir_location,
		       COALESCE(array_agg(
		           '127.0.0.1:' || COALESCE(dc.host_port, dc.container_port)
		           ORDER BY dc.id) FILTER (WHERE dc.id IS NOT NULL), '{}')
		FROM project_custom_domains pcd
		JOIN environments e ON e.id = pcd.environment_id
		LEFT JOIN deployments d ON d.id = e.current_deployment_id
		LEFT JOIN deployment_containers dc ON dc.deployment_id = d.id AND dc.deleted_at IS NULL
		GROUP BY pcd.domain, pcd.redirect_to, pcd.status_code, d.id`)
	if err != nil {
		return nil, fmt.Errorf("query project custom domains: %w", err)
	}
	defer rows.Close()

	var out []routing.ProjectCustomDomainRow
	for rows.Next() {
		var row routing.ProjectCustomDomainRow
		var redirectTo *string
		var statusCode *int
		var depID, projectID, envID, slug, staticDir *string
		var addrs []string
		if err := rows.Scan(&row.Hostname, &redirectTo, &statusCode, &depID, &projectID, &envID, &slug, &staticDir, &addrs); err != nil {
			return nil, fmt.Errorf("scan project custom domain row: %w", err)
		}
		if redirectTo != nil {
			row.RedirectTo = *redirectTo
		}
		if statusCode != nil {
			row.StatusCode = *statusCode
		}
		if depID != nil {
			dep := routing.DeploymentRow{ID: *depID, ContainerAddresses: addrs}
			if projectID != nil {
				dep.ProjectID = *projectID
			}
			if envID != nil {
				dep.EnvironmentID = *envID
			}
			if slug != nil {
				dep.Slug = *slug
			}
			if staticDir != nil {
				dep.StaticDirLocation = *staticDir
			}
			row.Deployment = &dep
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *RouteDataSource) ActiveEnvironmentsWithSubdomain(ctx context.Context) ([]routing.EnvironmentRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.subdomain, d.id, d.project_id, d.environment_id, d.slug, d.static_dir_location,
		       COALESCE(array_agg(
		           '127.0.0.1:' || COALESCE(dc.host_port, dc.container_port)
		           ORDER BY dc.id) FILTER (WHERE dc.id IS NOT NULL), '{}')
		FROM environments e
		JOIN deployments d ON d.id = e.current_deployment_id
		LEFT JOIN deployment_containers dc ON dc.deployment_id = d.id AND dc.deleted_at IS NULL
		WHERE e.subdomain IS NOT NULL AND e.current_deployment_id IS NOT NULL
		GROUP BY e.subdomain, d.id`)
	if err != nil {
		return nil, fmt.Errorf("query active environments: %w", err)
	}
	defer rows.Close()

	var out []routing.EnvironmentRow
	for rows.Next() {
		var subdomain string
		var dep routing.DeploymentRow
		var staticDir *string
		if err := rows.Scan(&subdomain, &dep.ID, &dep.ProjectID, &dep.EnvironmentID, &dep.Slug, &staticDir, &dep.ContainerAddresses); err != nil {
			return nil, fmt.Errorf("scan active environment row: %w", err)
		}
		if staticDir != nil {
			dep.StaticDirLocation = *staticDir
		}
		out = append(out, routing.EnvironmentRow{Subdomain: subdomain, Deployment: &dep})
	}
	return out, rows.Err()
}

func (s *RouteDataSource) CompletedDeploymentsForCurrent(ctx context.Context) ([]routing.DeploymentRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.id, d.project_id, d.environment_id, d.slug, d.static_dir_location,
		       COALESCE(array_agg(
		           '127.0.0.1:' || COALESCE(dc.host_port, dc.container_port)
		           ORDER BY dc.id) FILTER (WHERE dc.id IS NOT NULL), '{}')
		FROM deployments d
		JOIN environments e ON e.current_deployment_id = d.id
		LEFT JOIN deployment_containers dc ON dc.deployment_id = d.id AND dc.deleted_at IS NULL
		WHERE d.state = 'completed'
		GROUP BY d.id`)
	if err != nil {
		return nil, fmt.Errorf("query completed deployments: %w", err)
	}
	defer rows.Close()

	var out []routing.DeploymentRow
	for rows.Next() {
		var dep routing.DeploymentRow
		var staticDir *string
		if err := rows.Scan(&dep.ID, &dep.ProjectID, &dep.EnvironmentID, &dep.Slug, &staticDir, &dep.ContainerAddresses); err != nil {
			return nil, fmt.Errorf("scan completed deployment row: %w", err)
		}
		if staticDir != nil {
			dep.StaticDirLocation = *staticDir
		}
		out = append(out, dep)
	}
	return out, rows.Err()
}
