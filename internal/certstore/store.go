// Package certstore persists TLS certificates and their private keys,
// encrypted at rest, and answers the TLS SNI callback's "which certificate
// for this name" question (C9).
package certstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrorKind is the typed failure taxonomy persisted alongside the free-text
// last_error, so the renewal scheduler and admin surface can branch on the
// kind without string matching.
type ErrorKind string

const (
	ErrorRateLimited       ErrorKind = "rate_limited"
	ErrorDNSLookupFailed   ErrorKind = "dns_lookup_failed"
	ErrorChallengeRejected ErrorKind = "challenge_rejected"
	ErrorOrderInvalid      ErrorKind = "order_invalid"
	ErrorNetworkError      ErrorKind = "network_error"
	ErrorInternal          ErrorKind = "internal_error"
)

// Status mirrors the ACME state machine's CertificateStatus (C10).
type Status string

const (
	StatusPending           Status = "pending"
	StatusPendingValidation Status = "pending_validation"
	StatusPendingDNS        Status = "pending_dns"
	StatusActive            Status = "active"
	StatusFailed            Status = "failed"
	StatusExpired           Status = "expired"
)

// Certificate is the domain's TLS certificate record. Key holds the
// plaintext private key PEM; it is only ever populated on read after
// decryption, and only the caller's in-memory copy — never logged or
// re-encoded anywhere else.
type Certificate struct {
	Domain           string
	IsWildcard       bool
	PEM              string
	Key              string
	Expiration       time.Time
	LastRenewedAt    time.Time
	Status           Status
	VerificationMethod string
	LastError        string
	LastErrorType    ErrorKind
}

// Store persists Certificate rows with the private key encrypted at rest,
// and layers a read-mostly SNI cache in front of the repository per the
// shared-resource policy: one cache, populated lazily, invalidated on
// writes.
type Store struct {
	pool   *pgxpool.Pool
	crypto *KeyCrypto

	cacheMu sync.RWMutex
	cache   map[string]Certificate
}

func NewStore(pool *pgxpool.Pool, crypto *KeyCrypto) *Store {
	return &Store{pool: pool, crypto: crypto, cache: make(map[string]Certificate)}
}

// Save upserts on domain and returns the stored record with the plaintext
// key restored (the caller's copy; storage keeps only the encrypted form).
func (s *Store) Save(ctx context.Context, cert Certificate) (Certificate, error) {
	encryptedKey, err := s.crypto.Encrypt([]byte(cert.Key))
	if err != nil {
		return Certificate{}, fmt.Errorf("encrypt private key: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO certificates
			(domain, is_wildcard, pem, encrypted_key, expiration, last_renewed_at,
			 status, verification_method, last_error, last_error_type)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (domain) DO UPDATE SET
			is_wildcard = EXCLUDED.is_wildcard,
			pem = EXCLUDED.pem,
			encrypted_key = EXCLUDED.encrypted_key,
			expiration = EXCLUDED.expiration,
			last_renewed_at = EXCLUDED.last_renewed_at,
			status = EXCLUDED.status,
			verification_method = EXCLUDED.verification_method,
			last_error = EXCLUDED.last_error,
			last_error_type = EXCLUDED.last_error_type`,
		cert.Domain, cert.IsWildcard, cert.PEM, encryptedKey, cert.Expiration, cert.LastRenewedAt,
		cert.Status, cert.VerificationMethod, nullIfEmpty(cert.LastError), nullIfEmpty(string(cert.LastErrorType)))
	if err != nil {
		return Certificate{}, fmt.Errorf("save certificate: %w", err)
	}

	s.invalidate(cert.Domain)
	return cert, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Find loads and decrypts the certificate for an exact domain.
func (s *Store) Find(ctx context.Context, domain string) (Certificate, error) {
	return s.queryOne(ctx, `WHERE domain = $1`, domain)
}

// FindForSNI implements the TLS SNI callback's lookup: exact domain, then
// the single-label wildcard parent. Only records carrying a non-empty
// certificate and key are returned, matching a lazily populated,
// write-invalidated cache layered in front of the repository.
func (s *Store) FindForSNI(ctx context.Context, sni string) (Certificate, bool, error) {
	if cert, ok := s.cacheGet(sni); ok {
		return cert, true, nil
	}

	cert, err := s.Find(ctx, sni)
	if err == nil && cert.PEM != "" && cert.Key != "" {
		s.cachePut(sni, cert)
		return cert, true, nil
	}

	parent := wildcardParent(sni)
	if parent == "" {
		return Certificate{}, false, nil
	}
	if cert, ok := s.cacheGet(parent); ok {
		return cert, true, nil
	}

	cert, err = s.Find(ctx, parent)
	if err != nil || cert.PEM == "" || cert.Key == "" {
		return Certificate{}, false, nil
	}
	s.cachePut(parent, cert)
	return cert, true, nil
}

func wildcardParent(sni string) string {
	idx := strings.IndexByte(sni, '.')
	if idx < 0 {
		return ""
	}
	return "*." + sni[idx+1:]
}

func (s *Store) cacheGet(key string) (Certificate, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	cert, ok := s.cache[key]
	return cert, ok
}

func (s *Store) cachePut(key string, cert Certificate) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cache[key] = cert
}

func (s *Store) invalidate(domain string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	delete(s.cache, domain)
}

// UpdateStatus partially updates status and, for Failed, the error fields.
func (s *Store) UpdateStatus(ctx context.Context, domain string, status Status, lastErr string, kind ErrorKind) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE certificates SET status = $2, last_error = NULLIF($3, ''), last_error_type = NULLIF($4, '') WHERE domain = $1`,
		domain, status, lastErr, string(kind))
	if err != nil {
		return fmt.Errorf("update certificate status: %w", err)
	}
	s.invalidate(domain)
	return nil
}

// FindExpiring returns active certificates expiring within the given window.
func (s *Store) FindExpiring(ctx context.Context, within time.Duration) ([]Certificate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT domain, is_wildcard, pem, encrypted_key, expiration, last_renewed_at,
		       status, verification_method, COALESCE(last_error, ''), COALESCE(last_error_type, '')
		FROM certificates
		WHERE status = $1 AND expiration <= now() + $2::interval`,
		StatusActive, within.String())
	if err != nil {
		return nil, fmt.Errorf("query expiring certificates: %w", err)
	}
	defer rows.Close()

	var out []Certificate
	for rows.Next() {
		cert, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cert)
	}
	return out, rows.Err()
}

func (s *Store) queryOne(ctx context.Context, whereClause string, args ...any) (Certificate, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT domain, is_wildcard, pem, encrypted_key, expiration, last_renewed_at,
		       status, verification_method, COALESCE(last_error, ''), COALESCE(last_error_type, '')
		FROM certificates `+whereClause, args...)

	var cert Certificate
	var encryptedKey string
	var errType string
	err := row.Scan(&cert.Domain, &cert.IsWildcard, &cert.PEM, &encryptedKey, &cert.Expiration,
		&cert.LastRenewedAt, &cert.Status, &cert.VerificationMethod, &cert.LastError, &errType)
	if err == pgx.ErrNoRows {
		return Certificate{}, fmt.Errorf("certificate not found")
	}
	if err != nil {
		return Certificate{}, fmt.Errorf("scan certificate: %w", err)
	}
	cert.LastErrorType = ErrorKind(errType)

	if encryptedKey != "" {
		plaintext, err := s.crypto.Decrypt(encryptedKey)
		if err != nil {
			return Certificate{}, fmt.Errorf("decrypt private key: %w", err)
		}
		cert.Key = string(plaintext)
	}
	return cert, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func (s *Store) scanRow(row scannable) (Certificate, error) {
	var cert Certificate
	var encryptedKey string
	var errType string
	if err := row.Scan(&cert.Domain, &cert.IsWildcard, &cert.PEM, &encryptedKey, &cert.Expiration,
		&cert.LastRenewedAt, &cert.Status, &cert.VerificationMethod, &cert.LastError, &errType); err != nil {
		return Certificate{}, fmt.Errorf("scan certificate: %w", err)
	}
	cert.LastErrorType = ErrorKind(errType)

	if encryptedKey != "" {
		plaintext, err := s.crypto.Decrypt(encryptedKey)
		if err != nil {
			return Certificate{}, fmt.Errorf("decrypt private key: %w", err)
		}
		cert.Key = string(plaintext)
	}
	return cert, nil
}
