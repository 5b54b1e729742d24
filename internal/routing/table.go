package routing

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// BackendKind distinguishes an upstream process pool from a directory of
// static files served directly by this process.
type BackendKind int

const (
	BackendUpstream BackendKind = iota
	BackendStaticDir
)

// Backend is either a list of upstream addresses load-balanced round-robin,
// or a static directory path served locally.
type Backend struct {
	Kind      BackendKind
	Addresses []string
	Dir       string

	counter atomic.Uint64
}

// fallbackAddress is returned by Next when an Upstream backend somehow has
// an empty address list, matching the original's test coverage for that
// edge case rather than panicking on an empty slice.
const fallbackAddress = "127.0.0.1:8080"

// Next returns the next address for an Upstream backend (round robin) or
// false for a StaticDir backend, which the resolver serves locally instead.
func (b *Backend) Next() (addr string, ok bool) {
	if b.Kind != BackendUpstream {
		return "", false
	}
	if len(b.Addresses) == 0 {
		return fallbackAddress, true
	}
	i := b.counter.Add(1) - 1
	return b.Addresses[i%uint64(len(b.Addresses))], true
}

// RouteInfo is the value stored in every sub-index: a backend plus optional
// redirect instructions and the cached entity chain that produced it.
type RouteInfo struct {
	Backend    *Backend
	RedirectTo string
	StatusCode int

	ProjectID    string
	EnvironmentID string
	DeploymentID string
}

// snapshot is the immutable result of one rebuild. It is never mutated after
// construction; Table swaps the pointer to a new snapshot atomically so
// readers never observe a partially built table.
type snapshot struct {
	httpExact     map[string]RouteInfo
	tlsExact      map[string]RouteInfo
	httpWildcards *Matcher[RouteInfo]
	tlsWildcards  *Matcher[RouteInfo]
	legacy        map[string]RouteInfo
}

func emptySnapshot() *snapshot {
	return &snapshot{
		httpExact:     make(map[string]RouteInfo),
		tlsExact:      make(map[string]RouteInfo),
		httpWildcards: NewMatcher[RouteInfo](),
		tlsWildcards:  NewMatcher[RouteInfo](),
		legacy:        make(map[string]RouteInfo),
	}
}

// Table is the canonical in-memory route table used by every request.
// Concurrency model: many readers, one rebuilder at a time. Readers call
// GetByHost/GetBySNI, each of which does a single atomic.Pointer.Load and
// then operates on that immutable snapshot for the duration of the call.
type Table struct {
	current atomic.Pointer[snapshot]
	source  DataSource
	logger  *zap.Logger
	group   singleflight.Group
	loaded  atomic.Bool
}

// New constructs a Table backed by source. Callers must call Reload once
// synchronously before serving traffic (see Watch for the
// load-then-subscribe pattern).
func New(source DataSource, logger *zap.Logger) *Table {
	t := &Table{source: source, logger: logger}
	t.current.Store(emptySnapshot())
	return t
}

// Loaded reports whether Reload has completed successfully at least once;
// the admin /readyz probe uses this to distinguish "no routes configured"
// from "never loaded".
func (t *Table) Loaded() bool { return t.loaded.Load() }

// Snapshot is a read-only, JSON-friendly view of the current route table
// for the admin debug-dump endpoint. It is built fresh on each call rather
// than cached, since it is an operator troubleshooting aid, not a hot path.
type Snapshot struct {
	HTTPExact     map[string]string `json:"http_exact"`
	TLSExact      map[string]string `json:"tls_exact"`
	HTTPWildcards []string          `json:"http_wildcards"`
	TLSWildcards  []string          `json:"tls_wildcards"`
	Legacy        map[string]string `json:"legacy"`
}

// Dump renders the current snapshot's routes as destination strings,
// without exposing internal Backend pointers.
func (t *Table) Dump() Snapshot {
	snap := t.current.Load()
	out := Snapshot{
		HTTPExact: make(map[string]string, len(snap.httpExact)),
		TLSExact:  make(map[string]string, len(snap.tlsExact)),
		Legacy:    make(map[string]string, len(snap.legacy)),
	}
	for host, info := range snap.httpExact {
		out.HTTPExact[host] = describe(info)
	}
	for host, info := range snap.tlsExact {
		out.TLSExact[host] = describe(info)
	}
	for host, info := range snap.legacy {
		out.Legacy[host] = describe(info)
	}
	out.HTTPWildcards = snap.httpWildcards.Suffixes()
	out.TLSWildcards = snap.tlsWildcards.Suffixes()
	return out
}

func describe(info RouteInfo) string {
	switch {
	case info.RedirectTo != "":
		return "redirect:" + info.RedirectTo
	case info.Backend == nil:
		return "unresolved"
	case info.Backend.Kind == BackendStaticDir:
		return "static:" + info.Backend.Dir
	default:
		return "upstream:" + strings.Join(info.Backend.Addresses, ",")
	}
}

// GetByHost resolves an HTTP request's Host header: exact match, then
// wildcard, then the legacy catch-all index. First hit wins.
func (t *Table) GetByHost(host string) (RouteInfo, bool) {
	snap := t.current.Load()
	if info, ok := snap.httpExact[host]; ok {
		return info, true
	}
	if info, ok := snap.httpWildcards.Match(host); ok {
		return info, true
	}
	if info, ok := snap.legacy[host]; ok {
		return info, true
	}
	return RouteInfo{}, false
}

// GetBySNI resolves a TLS ClientHello's SNI: exact match, then wildcard. No
// legacy fallback — TLS routes must be registered explicitly.
func (t *Table) GetBySNI(sni string) (RouteInfo, bool) {
	snap := t.current.Load()
	if info, ok := snap.tlsExact[sni]; ok {
		return info, true
	}
	if info, ok := snap.tlsWildcards.Match(sni); ok {
		return info, true
	}
	return RouteInfo{}, false
}

// Reload rebuilds every sub-index from the database in one pass and
// publishes the result atomically. Concurrent callers collapse into a
// single in-flight rebuild via singleflight, so a burst of NOTIFY wakeups
// costs one reload, not N.
func (t *Table) Reload(ctx context.Context) error {
	_, err, _ := t.group.Do("reload", func() (interface{}, error) {
		snap, buildErr := t.build(ctx)
		if buildErr != nil {
			return nil, buildErr
		}
		t.current.Store(snap)
		t.loaded.Store(true)
		return nil, nil
	})
	return err
}

func (t *Table) build(ctx context.Context) (*snapshot, error) {
	snap := emptySnapshot()

	previewDomain, err := t.source.PreviewDomain(ctx)
	if err != nil {
		return nil, fmt.Errorf("read preview domain: %w", err)
	}
	if previewDomain == "" {
		previewDomain = "localho.st"
	}

	domains, err := t.source.EnvironmentDomains(ctx)
	if err != nil {
		return nil, fmt.Errorf("read environment domains: %w", err)
	}
	for _, d := range domains {
		info, ok := routeInfoForDeployment(d.Deployment)
		if !ok {
			continue
		}
		snap.legacy[d.Hostname] = info
	}

	customRoutes, err := t.source.CustomRoutes(ctx)
	if err != nil {
		return nil, fmt.Errorf("read custom routes: %w", err)
	}
	for _, r := range customRoutes {
		info := RouteInfo{Backend: &Backend{Kind: BackendUpstream, Addresses: r.Addresses}}
		index(snap, r.RouteType, r.Domain, info)
	}

	projectDomains, err := t.source.ProjectCustomDomains(ctx)
	if err != nil {
		return nil, fmt.Errorf("read project custom domains: %w", err)
	}
	for _, d := range projectDomains {
		if d.RedirectTo != "" {
			snap.legacy[d.Hostname] = RouteInfo{RedirectTo: d.RedirectTo, StatusCode: orDefaultStatus(d.StatusCode)}
			continue
		}
		info, ok := routeInfoForDeployment(d.Deployment)
		if !ok {
			continue
		}
		snap.legacy[d.Hostname] = info
	}

	environments, err := t.source.ActiveEnvironmentsWithSubdomain(ctx)
	if err != nil {
		return nil, fmt.Errorf("read active environments: %w", err)
	}
	for _, e := range environments {
		info, ok := routeInfoForDeployment(e.Deployment)
		if !ok {
			continue
		}
		addIfAbsent(snap.legacy, e.Subdomain, info)
		addIfAbsent(snap.legacy, e.Subdomain+"."+previewDomain, info)
	}

	deployments, err := t.source.CompletedDeploymentsForCurrent(ctx)
	if err != nil {
		return nil, fmt.Errorf("read completed deployments: %w", err)
	}
	for _, d := range deployments {
		info, ok := routeInfoForDeployment(&d)
		if !ok {
			continue
		}
		addIfAbsent(snap.legacy, d.Slug+"."+previewDomain, info)
	}

	return snap, nil
}

func index(snap *snapshot, routeType, domain string, info RouteInfo) {
	wildcard := len(domain) > 2 && domain[:2] == "*."
	switch routeType {
	case "tls":
		if wildcard {
			snap.tlsWildcards.Insert(domain, info)
		} else {
			snap.tlsExact[domain] = info
		}
	default:
		if wildcard {
			snap.httpWildcards.Insert(domain, info)
		} else {
			snap.httpExact[domain] = info
		}
	}
}

func addIfAbsent(m map[string]RouteInfo, key string, info RouteInfo) {
	if _, exists := m[key]; !exists {
		m[key] = info
	}
}

func orDefaultStatus(code int) int {
	if code == 0 {
		return 302
	}
	return code
}

func routeInfoForDeployment(d *DeploymentRow) (RouteInfo, bool) {
	if d == nil {
		return RouteInfo{}, false
	}
	if d.StaticDirLocation != "" {
		return RouteInfo{
			Backend:       &Backend{Kind: BackendStaticDir, Dir: d.StaticDirLocation},
			ProjectID:     d.ProjectID,
			EnvironmentID: d.EnvironmentID,
			DeploymentID:  d.ID,
		}, true
	}
	if len(d.ContainerAddresses) == 0 {
		return RouteInfo{}, false
	}
	return RouteInfo{
		Backend:       &Backend{Kind: BackendUpstream, Addresses: d.ContainerAddresses},
		ProjectID:     d.ProjectID,
		EnvironmentID: d.EnvironmentID,
		DeploymentID:  d.ID,
	}, true
}
