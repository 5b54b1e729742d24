// Package acme drives certificate issuance and renewal against an ACME v2
// directory (Let's Encrypt production or staging): the state machine (C10),
// the HTTP-01/DNS-01 challenge responders (C11), and the renewal scheduler
// (C12).
package acme

import (
	"context"
	"time"

	"github.com/temps/edge/internal/certstore"
)

// ChallengeType selects how a domain proves control to the CA.
type ChallengeType string

const (
	ChallengeHTTP01 ChallengeType = "http-01"
	ChallengeDNS01  ChallengeType = "dns-01"
)

// HttpChallengeData is what C11's HTTP-01 responder needs to answer
// GET /.well-known/acme-challenge/<token>.
type HttpChallengeData struct {
	Domain         string
	Token          string
	KeyAuth        string
	ValidationURL  string
	CreatedAt      time.Time
}

// DnsChallengeData is what C11's DNS-01 publisher needs to create the
// _acme-challenge TXT record.
type DnsChallengeData struct {
	Domain     string
	RecordName string
	RecordValue string
	CreatedAt  time.Time
}

// Challenge is returned by Provision when validation has not completed yet.
type Challenge struct {
	Domain  string
	Type    ChallengeType
	HTTP    *HttpChallengeData
	DNS     *DnsChallengeData
	OrderURL string
}

// AccountData is the persisted (email, environment)-scoped ACME account: its
// CA-assigned URL (used as the JWS "kid") and the PEM-encoded private key
// that URL was registered under. Every signed request against that account
// must reuse this key — the CA rejects a differently-keyed JWS for an
// existing account "kid".
type AccountData struct {
	AccountURL string
	KeyPEM     string
}

// OrderRepository persists ACME accounts, orders, and challenge rows. The
// pgx-backed implementation lives in internal/db/acmequeries.go.
type OrderRepository interface {
	FindAccount(ctx context.Context, email, directoryEnv string) (AccountData, bool, error)
	SaveAccount(ctx context.Context, email, directoryEnv string, account AccountData) error

	SaveOrder(ctx context.Context, domain, orderURL, directoryEnv string) error
	GetOrder(ctx context.Context, domain string) (orderURL string, ok bool, err error)
	ClearOrder(ctx context.Context, domain string) error

	SaveHTTPChallenge(ctx context.Context, data HttpChallengeData) error
	FindHTTPChallengeByToken(ctx context.Context, token string) (HttpChallengeData, bool, error)

	SaveDNSChallenge(ctx context.Context, data DnsChallengeData) error

	// WithDomainLock runs fn while holding a Postgres advisory lock keyed by
	// a hash of domain for the duration of fn, guaranteeing two replicas
	// never drive the same domain's order concurrently.
	WithDomainLock(ctx context.Context, domain string, fn func(ctx context.Context) error) error
}

// CertStore is the subset of certstore.Store the state machine needs.
type CertStore interface {
	Save(ctx context.Context, cert certstore.Certificate) (certstore.Certificate, error)
	UpdateStatus(ctx context.Context, domain string, status certstore.Status, lastErr string, kind certstore.ErrorKind) error
}
