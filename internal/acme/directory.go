package acme

import (
	"context"
	"time"
)

// Directory is the ACME wire-protocol surface the state machine needs. The
// production implementation (acmez_directory.go) delegates every method to
// github.com/mholt/acmez/v3; tests substitute a fake so the state machine's
// transition logic is exercised without a network-facing CA.
type Directory struct {
	NewOrder        func(ctx context.Context, email, directoryEnv string, domains []string) (orderURL string, err error)
	AuthorizeHTTP01 func(ctx context.Context, orderURL, domain, email string) (token, keyAuth string, err error)
	AuthorizeDNS01  func(ctx context.Context, orderURL, domain, email string) (recordName, recordValue string, err error)
	NotifyReady     func(ctx context.Context, orderURL, domain, email string) error
	PollValidation  func(ctx context.Context, orderURL, domain, email string, timeout, perAttempt time.Duration) error
	Finalize        func(ctx context.Context, orderURL string, domains []string, email string) (pemChain, keyPEM string, err error)

	// LiveStatus is optional: it performs a live, uncached read of an
	// order's status straight from the directory, for diagnostic use only
	// (get_challenge_status). Providers that don't support a cheap live
	// read leave this nil; callers check for nil rather than downcasting
	// to a concrete provider type.
	LiveStatus func(ctx context.Context, orderURL, email string) (status string, err error)
}
