package routing

import "strings"

// adminConsolePrefix is the operator-reserved path prefix that always routes
// to the admin console regardless of Host header.
const adminConsolePrefix = "/api/_temps"

// Resolution describes what the proxy pipeline should do for one request:
// forward to an address, serve a static directory, or redirect.
type Resolution struct {
	Address    string
	StaticDir  string
	IsStatic   bool
	RedirectTo string
	StatusCode int

	// Backend, when non-nil, is the upstream backend Address was drawn
	// from. The proxy pipeline uses it to pull additional round-robin
	// picks on connect failure (§4.8's "retry next address" policy)
	// without re-resolving the route.
	Backend *Backend
}

// Resolver turns (host, path) into a Resolution. It owns no cookies, logs,
// or TLS state; it is a pure function of the current route table plus the
// admin console's own address.
type Resolver struct {
	table               *Table
	adminConsoleAddress string
}

func NewResolver(table *Table, adminConsoleAddress string) *Resolver {
	return &Resolver{table: table, adminConsoleAddress: adminConsoleAddress}
}

// Resolve implements the admin-prefix short-circuit, then route-table
// lookup, then admin-console 404 fallback.
func (r *Resolver) Resolve(host, path string) Resolution {
	if strings.HasPrefix(path, adminConsolePrefix) {
		return Resolution{Address: r.adminConsoleAddress}
	}

	info, ok := r.table.GetByHost(host)
	if !ok {
		return Resolution{Address: r.adminConsoleAddress}
	}

	if info.RedirectTo != "" {
		return Resolution{RedirectTo: info.RedirectTo, StatusCode: info.StatusCode}
	}

	if info.Backend == nil {
		return Resolution{Address: r.adminConsoleAddress}
	}

	if info.Backend.Kind == BackendStaticDir {
		return Resolution{StaticDir: info.Backend.Dir, IsStatic: true}
	}

	addr, _ := info.Backend.Next()
	return Resolution{Address: addr, Backend: info.Backend}
}

// ResolveSNI resolves a TLS ClientHello's SNI for TCP passthrough routes.
// There is no admin-console fallback: an unmatched SNI means "no route",
// and the caller (C8) decides how to fail the handshake.
func (r *Resolver) ResolveSNI(sni string) (Resolution, bool) {
	info, ok := r.table.GetBySNI(sni)
	if !ok || info.Backend == nil {
		return Resolution{}, false
	}
	addr, _ := info.Backend.Next()
	return Resolution{Address: addr}, true
}
