package acme

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/temps/edge/internal/certstore"
)

// directoryEnv selects which Let's Encrypt environment an account belongs
// to; accounts are scoped per (email, environment) per the data model.
type directoryEnv string

const (
	EnvStaging    directoryEnv = "staging"
	EnvProduction directoryEnv = "production"
)

// Service drives the certificate state machine (C10): provisioning orders,
// completing challenges, finalizing, and persisting the result through
// CertStore. At most one in-flight order per domain is enforced by
// OrderRepository.WithDomainLock.
type Service struct {
	repo       OrderRepository
	certStore  CertStore
	directory  *Directory
	env        directoryEnv
	pollTimeout time.Duration
	pollInterval time.Duration
}

func NewService(repo OrderRepository, certStore CertStore, directory *Directory, env directoryEnv, pollTimeout, pollInterval time.Duration) *Service {
	return &Service{
		repo:         repo,
		certStore:    certStore,
		directory:    directory,
		env:          env,
		pollTimeout:  pollTimeout,
		pollInterval: pollInterval,
	}
}

// IsWildcard reports whether domain requires DNS-01 (the only challenge
// type ACME permits for wildcard names).
func IsWildcard(domain string) bool { return strings.HasPrefix(domain, "*.") }

// Provision creates (or reuses, if one is already pending) an ACME order for
// domain and returns the challenge the caller must satisfy. Wildcard domains
// are rejected for HTTP-01 since the CA itself would reject the order.
func (s *Service) Provision(ctx context.Context, domain string, challengeType ChallengeType, email string) (Challenge, error) {
	if IsWildcard(domain) && challengeType != ChallengeDNS01 {
		return Challenge{}, fmt.Errorf("wildcard domain %s requires dns-01", domain)
	}

	var result Challenge
	err := s.repo.WithDomainLock(ctx, domain, func(ctx context.Context) error {
		if orderURL, ok, err := s.repo.GetOrder(ctx, domain); err != nil {
			return fmt.Errorf("check existing order: %w", err)
		} else if ok {
			// A second Provision call while PendingValidation returns the
			// existing challenge rather than creating a new order.
			challenge, err := s.reconstructChallenge(ctx, domain, orderURL, challengeType)
			if err != nil {
				return err
			}
			result = challenge
			return nil
		}

		orderURL, err := s.directory.NewOrder(ctx, email, string(s.env), []string{domain})
		if err != nil {
			_ = s.certStore.UpdateStatus(ctx, domain, certstore.StatusFailed, err.Error(), classifyError(err))
			return fmt.Errorf("create order: %w", err)
		}
		if err := s.repo.SaveOrder(ctx, domain, orderURL, string(s.env)); err != nil {
			return fmt.Errorf("persist order: %w", err)
		}

		switch challengeType {
		case ChallengeHTTP01:
			token, keyAuth, err := s.directory.AuthorizeHTTP01(ctx, orderURL, domain, email)
			if err != nil {
				return fmt.Errorf("authorize http-01: %w", err)
			}
			data := HttpChallengeData{Domain: domain, Token: token, KeyAuth: keyAuth, CreatedAt: time.Now().UTC()}
			if err := s.repo.SaveHTTPChallenge(ctx, data); err != nil {
				return fmt.Errorf("persist http-01 challenge: %w", err)
			}
			result = Challenge{Domain: domain, Type: ChallengeHTTP01, HTTP: &data, OrderURL: orderURL}

		case ChallengeDNS01:
			recordName, recordValue, err := s.directory.AuthorizeDNS01(ctx, orderURL, domain, email)
			if err != nil {
				return fmt.Errorf("authorize dns-01: %w", err)
			}
			data := DnsChallengeData{Domain: domain, RecordName: recordName, RecordValue: recordValue, CreatedAt: time.Now().UTC()}
			if err := s.repo.SaveDNSChallenge(ctx, data); err != nil {
				return fmt.Errorf("persist dns-01 challenge: %w", err)
			}
			result = Challenge{Domain: domain, Type: ChallengeDNS01, DNS: &data, OrderURL: orderURL}

		default:
			return fmt.Errorf("unknown challenge type %q", challengeType)
		}

		status := certstore.StatusPendingValidation
		if challengeType == ChallengeDNS01 {
			status = certstore.StatusPendingDNS
		}
		_, err = s.certStore.Save(ctx, certstore.Certificate{
			Domain:             domain,
			IsWildcard:         IsWildcard(domain),
			Status:             status,
			VerificationMethod: string(challengeType),
		})
		return err
	})
	return result, err
}

func (s *Service) reconstructChallenge(ctx context.Context, domain, orderURL string, challengeType ChallengeType) (Challenge, error) {
	switch challengeType {
	case ChallengeDNS01:
		data, ok, err := s.dnsChallengeFor(ctx, domain)
		if err != nil || !ok {
			return Challenge{}, fmt.Errorf("no live dns-01 challenge for %s", domain)
		}
		return Challenge{Domain: domain, Type: ChallengeDNS01, DNS: &data, OrderURL: orderURL}, nil
	default:
		data, ok, err := s.repo.FindHTTPChallengeByToken(ctx, domain)
		if err != nil || !ok {
			return Challenge{}, fmt.Errorf("no live http-01 challenge for %s", domain)
		}
		return Challenge{Domain: domain, Type: ChallengeHTTP01, HTTP: &data, OrderURL: orderURL}, nil
	}
}

// dnsChallengeFor is a narrow seam for repositories that don't expose a
// by-domain DNS lookup directly; production repos satisfy it via
// FindHTTPChallengeByToken's sibling query in internal/db/acmequeries.go.
func (s *Service) dnsChallengeFor(ctx context.Context, domain string) (DnsChallengeData, bool, error) {
	if lookup, ok := s.repo.(interface {
		FindDNSChallenge(ctx context.Context, domain string) (DnsChallengeData, bool, error)
	}); ok {
		return lookup.FindDNSChallenge(ctx, domain)
	}
	return DnsChallengeData{}, false, fmt.Errorf("repository does not support dns-01 lookup")
}

// CompleteChallenge notifies the CA the challenge is ready, polls the
// authorization to valid, finalizes the order with a freshly generated key,
// downloads the certificate chain, stores it, and returns the result.
func (s *Service) CompleteChallenge(ctx context.Context, domain string, email string) (certstore.Certificate, error) {
	var result certstore.Certificate
	err := s.repo.WithDomainLock(ctx, domain, func(ctx context.Context) error {
		orderURL, ok, err := s.repo.GetOrder(ctx, domain)
		if err != nil || !ok {
			return fmt.Errorf("no in-flight order for %s", domain)
		}

		if err := s.directory.NotifyReady(ctx, orderURL, domain, email); err != nil {
			return s.fail(ctx, domain, ErrorNetworkError, fmt.Errorf("notify ready: %w", err))
		}

		pollCtx, cancel := context.WithTimeout(ctx, s.pollTimeout)
		defer cancel()
		if err := s.directory.PollValidation(pollCtx, orderURL, domain, email, s.pollTimeout, s.pollInterval); err != nil {
			kind := ErrorNetworkError
			if pollCtx.Err() != nil {
				kind = ErrorNetworkError
			} else {
				kind = ErrorChallengeRejected
			}
			return s.fail(ctx, domain, kind, err)
		}

		pemChain, keyPEM, err := s.directory.Finalize(ctx, orderURL, []string{domain}, email)
		if err != nil {
			return s.fail(ctx, domain, ErrorOrderInvalid, fmt.Errorf("finalize: %w", err))
		}

		expiration, err := leafExpiration(pemChain)
		if err != nil {
			return s.fail(ctx, domain, ErrorInternal, err)
		}

		cert := certstore.Certificate{
			Domain:             domain,
			IsWildcard:         IsWildcard(domain),
			PEM:                pemChain,
			Key:                keyPEM,
			Expiration:         expiration,
			LastRenewedAt:      time.Now().UTC(),
			Status:             certstore.StatusActive,
			VerificationMethod: verificationMethodOf(domain),
		}
		stored, err := s.certStore.Save(ctx, cert)
		if err != nil {
			return fmt.Errorf("save certificate: %w", err)
		}
		result = stored

		if err := s.repo.ClearOrder(ctx, domain); err != nil {
			return fmt.Errorf("clear order: %w", err)
		}
		return nil
	})
	return result, err
}

func verificationMethodOf(domain string) string {
	if IsWildcard(domain) {
		return string(ChallengeDNS01)
	}
	return string(ChallengeHTTP01)
}

func (s *Service) fail(ctx context.Context, domain string, kind ErrorKind, cause error) error {
	if err := s.certStore.UpdateStatus(ctx, domain, certstore.StatusFailed, cause.Error(), certstore.ErrorKind(kind)); err != nil {
		return fmt.Errorf("%w (also failed to record status: %v)", cause, err)
	}
	return cause
}

// ErrorKind mirrors certstore.ErrorKind so this package doesn't need to
// import certstore's constants directly in call sites above.
type ErrorKind = certstore.ErrorKind

const (
	ErrorRateLimited       = certstore.ErrorRateLimited
	ErrorDNSLookupFailed   = certstore.ErrorDNSLookupFailed
	ErrorChallengeRejected = certstore.ErrorChallengeRejected
	ErrorOrderInvalid      = certstore.ErrorOrderInvalid
	ErrorNetworkError      = certstore.ErrorNetworkError
	ErrorInternal          = certstore.ErrorInternal
)

func classifyError(err error) certstore.ErrorKind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"):
		return ErrorRateLimited
	case strings.Contains(msg, "dns"):
		return ErrorDNSLookupFailed
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "network"):
		return ErrorNetworkError
	default:
		return ErrorInternal
	}
}

// GetChallengeStatus performs a live, uncached read of orderURL's status
// directly from the directory for diagnostic/admin use; it does not consult
// or mutate local state. Providers that don't support a live read (nil
// LiveStatus) report that explicitly rather than returning a stale answer.
func (s *Service) GetChallengeStatus(ctx context.Context, orderURL, email string) (string, error) {
	if s.directory.LiveStatus == nil {
		return "", fmt.Errorf("directory does not support live status reads")
	}
	return s.directory.LiveStatus(ctx, orderURL, email)
}

// CancelOrder marks any live order for domain invalid locally and clears its
// challenge rows, without contacting the CA (there is no ACME "cancel").
func (s *Service) CancelOrder(ctx context.Context, domain string) error {
	return s.repo.WithDomainLock(ctx, domain, func(ctx context.Context) error {
		return s.repo.ClearOrder(ctx, domain)
	})
}

// leafExpiration parses the first certificate in a PEM chain and returns its
// NotAfter, which the data model stores as Certificate.Expiration.
func leafExpiration(pemChain string) (time.Time, error) {
	block, _ := pem.Decode([]byte(pemChain))
	if block == nil {
		return time.Time{}, fmt.Errorf("no PEM block found in certificate chain")
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse leaf certificate: %w", err)
	}
	return leaf.NotAfter, nil
}
