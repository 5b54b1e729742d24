package acme

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/mholt/acmez/v3/acme"
	"go.uber.org/zap"
)

// NewACMEZDirectory builds a Directory backed by a real ACME v2 CA, using
// github.com/mholt/acmez/v3's low-level acme.Client directly rather than its
// solver-driven high-level Client: this state machine already owns a
// two-phase Provision/CompleteChallenge protocol (the challenge can sit
// unsatisfied for as long as a human takes to publish a DNS-01 record), and
// acmez's solver interface has no seam for pausing mid-order like that. Each
// Directory method instead fetches the order's live authorization itself and
// extracts the real challenge token and key authorization from it, so what
// gets persisted (and what the HTTP-01/DNS-01 responders in solver.go serve)
// is always what the CA is actually validating against.
func NewACMEZDirectory(directoryURL string, directoryEnv string, repo OrderRepository, dnsProvider DNSProvider, logger *zap.Logger) *Directory {
	client := &acme.Client{
		Directory: directoryURL,
		Logger:    logger,
	}

	return &Directory{
		NewOrder: func(ctx context.Context, email, directoryEnv string, domains []string) (string, error) {
			account, err := getOrRegisterAccount(ctx, client, repo, email, directoryEnv)
			if err != nil {
				return "", fmt.Errorf("acme account: %w", err)
			}
			ids := make([]acme.Identifier, len(domains))
			for i, d := range domains {
				ids[i] = acme.Identifier{Type: "dns", Value: d}
			}
			order, err := client.NewOrder(ctx, account, acme.Order{Identifiers: ids})
			if err != nil {
				return "", fmt.Errorf("new order: %w", err)
			}
			return order.Location, nil
		},
		AuthorizeHTTP01: func(ctx context.Context, orderURL, domain, email string) (string, string, error) {
			account, err := getOrRegisterAccount(ctx, client, repo, email, directoryEnv)
			if err != nil {
				return "", "", fmt.Errorf("acme account: %w", err)
			}
			authz, err := firstAuthorization(ctx, client, account, orderURL)
			if err != nil {
				return "", "", err
			}
			chal, err := challengeOfType(authz, acme.ChallengeTypeHTTP01)
			if err != nil {
				return "", "", err
			}

			data := HttpChallengeData{
				Domain:    domain,
				Token:     chal.Token,
				KeyAuth:   chal.KeyAuthorization,
				CreatedAt: time.Now().UTC(),
			}
			if err := repo.SaveHTTPChallenge(ctx, data); err != nil {
				return "", "", fmt.Errorf("persist http-01 challenge: %w", err)
			}
			return data.Token, data.KeyAuth, nil
		},
		AuthorizeDNS01: func(ctx context.Context, orderURL, domain, email string) (string, string, error) {
			account, err := getOrRegisterAccount(ctx, client, repo, email, directoryEnv)
			if err != nil {
				return "", "", fmt.Errorf("acme account: %w", err)
			}
			authz, err := firstAuthorization(ctx, client, account, orderURL)
			if err != nil {
				return "", "", err
			}
			chal, err := challengeOfType(authz, acme.ChallengeTypeDNS01)
			if err != nil {
				return "", "", err
			}

			recordName := "_acme-challenge." + strings.TrimPrefix(domain, "*.")
			recordValue := chal.DNS01KeyAuthorization()

			if err := repo.SaveDNSChallenge(ctx, DnsChallengeData{
				Domain:      domain,
				RecordName:  recordName,
				RecordValue: recordValue,
				CreatedAt:   time.Now().UTC(),
			}); err != nil {
				return "", "", fmt.Errorf("persist dns-01 challenge: %w", err)
			}
			if dnsProvider != nil {
				if err := dnsProvider.PublishTXT(ctx, recordName, recordValue); err != nil {
					return "", "", fmt.Errorf("publish dns-01 record: %w", err)
				}
			}
			return recordName, recordValue, nil
		},
		NotifyReady: func(ctx context.Context, orderURL, domain, email string) error {
			account, err := getOrRegisterAccount(ctx, client, repo, email, directoryEnv)
			if err != nil {
				return fmt.Errorf("acme account: %w", err)
			}
			authz, err := firstAuthorization(ctx, client, account, orderURL)
			if err != nil {
				return err
			}
			chal, err := challengeOfType(authz, challengeTypeForDomain(domain))
			if err != nil {
				return err
			}
			// POSTing the (empty) challenge object is how RFC 8555 §7.5.1
			// tells the CA this challenge is ready to validate.
			if _, err := client.InitiateChallenge(ctx, account, chal); err != nil {
				return fmt.Errorf("initiate challenge: %w", err)
			}
			return nil
		},
		PollValidation: func(ctx context.Context, orderURL, domain, email string, timeout, perAttempt time.Duration) error {
			account, err := getOrRegisterAccount(ctx, client, repo, email, directoryEnv)
			if err != nil {
				return fmt.Errorf("acme account: %w", err)
			}
			authzURL, err := firstAuthorizationURL(ctx, client, account, orderURL)
			if err != nil {
				return err
			}

			deadline := time.Now().Add(timeout)
			for {
				authz, err := client.GetAuthorization(ctx, account, authzURL)
				if err == nil {
					switch authz.Status {
					case acme.StatusValid:
						return nil
					case acme.StatusInvalid:
						return fmt.Errorf("authorization invalid for %s", domain)
					}
				}
				if time.Now().After(deadline) {
					return fmt.Errorf("validation timed out for %s after %s", domain, timeout)
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(perAttempt):
				}
			}
		},
		Finalize: func(ctx context.Context, orderURL string, domains []string, email string) (string, string, error) {
			account, err := getOrRegisterAccount(ctx, client, repo, email, directoryEnv)
			if err != nil {
				return "", "", fmt.Errorf("acme account: %w", err)
			}

			key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
			if err != nil {
				return "", "", fmt.Errorf("generate certificate key: %w", err)
			}
			keyDER, err := x509.MarshalECPrivateKey(key)
			if err != nil {
				return "", "", fmt.Errorf("marshal certificate key: %w", err)
			}
			keyPEM := string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))

			csrDER, err := buildCSR(key, domains)
			if err != nil {
				return "", "", fmt.Errorf("build csr: %w", err)
			}

			certs, err := client.FinalizeOrder(ctx, account, orderURL, csrDER)
			if err != nil {
				return "", "", fmt.Errorf("finalize order: %w", err)
			}

			var chain strings.Builder
			for _, c := range certs {
				chain.Write(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw}))
			}
			return chain.String(), keyPEM, nil
		},
		LiveStatus: func(ctx context.Context, orderURL, email string) (string, error) {
			account, err := getOrRegisterAccount(ctx, client, repo, email, directoryEnv)
			if err != nil {
				return "", fmt.Errorf("acme account: %w", err)
			}
			order, err := client.GetOrder(ctx, account, orderURL)
			if err != nil {
				return "", fmt.Errorf("get order: %w", err)
			}
			return string(order.Status), nil
		},
	}
}

// challengeTypeForDomain mirrors Service.verificationMethodOf: wildcard
// domains only ever go through DNS-01, everything else through HTTP-01, so
// NotifyReady can recover which challenge it needs without the caller
// threading the challenge type through CompleteChallenge.
func challengeTypeForDomain(domain string) string {
	if IsWildcard(domain) {
		return acme.ChallengeTypeDNS01
	}
	return acme.ChallengeTypeHTTP01
}

// firstAuthorization fetches orderURL and returns its (sole) authorization.
// Every order this package creates names exactly one domain, so it carries
// exactly one authorization; multi-SAN orders aren't something this state
// machine issues.
func firstAuthorization(ctx context.Context, client *acme.Client, account acme.Account, orderURL string) (acme.Authorization, error) {
	authzURL, err := firstAuthorizationURL(ctx, client, account, orderURL)
	if err != nil {
		return acme.Authorization{}, err
	}
	authz, err := client.GetAuthorization(ctx, account, authzURL)
	if err != nil {
		return acme.Authorization{}, fmt.Errorf("get authorization: %w", err)
	}
	return authz, nil
}

func firstAuthorizationURL(ctx context.Context, client *acme.Client, account acme.Account, orderURL string) (string, error) {
	order, err := client.GetOrder(ctx, account, orderURL)
	if err != nil {
		return "", fmt.Errorf("get order: %w", err)
	}
	if len(order.Authorizations) == 0 {
		return "", fmt.Errorf("order %s has no authorizations", orderURL)
	}
	return order.Authorizations[0], nil
}

func challengeOfType(authz acme.Authorization, challengeType string) (acme.Challenge, error) {
	for _, c := range authz.Challenges {
		if c.Type == challengeType {
			return c, nil
		}
	}
	return acme.Challenge{}, fmt.Errorf("authorization has no %s challenge", challengeType)
}

func buildCSR(key *ecdsa.PrivateKey, domains []string) ([]byte, error) {
	template := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domains[0]},
		DNSNames: domains,
	}
	return x509.CreateCertificateRequest(rand.Reader, template, key)
}

// getOrRegisterAccount reuses the (email, environment)-scoped account
// persisted by a previous call, reconstructing it with its stored private
// key so every subsequent signed request (GetAuthorization, FinalizeOrder,
// GetOrder, InitiateChallenge) carries a valid signing key and the CA
// recognizes the account rather than seeing an unregistered key. Only the
// very first call for a given (email, environment) registers a new account.
func getOrRegisterAccount(ctx context.Context, client *acme.Client, repo OrderRepository, email, directoryEnv string) (acme.Account, error) {
	if existing, found, err := repo.FindAccount(ctx, email, directoryEnv); err != nil {
		return acme.Account{}, fmt.Errorf("lookup acme account: %w", err)
	} else if found {
		key, err := parseECKey(existing.KeyPEM)
		if err != nil {
			return acme.Account{}, fmt.Errorf("parse stored account key: %w", err)
		}
		return acme.Account{
			Status:     acme.StatusValid,
			Location:   existing.AccountURL,
			PrivateKey: key,
		}, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return acme.Account{}, fmt.Errorf("generate account key: %w", err)
	}
	account, err := client.NewAccount(ctx, acme.Account{
		Contact:              []string{"mailto:" + email},
		TermsOfServiceAgreed: true,
		PrivateKey:           key,
	})
	if err != nil {
		return acme.Account{}, fmt.Errorf("register account: %w", err)
	}
	account.PrivateKey = key

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return acme.Account{}, fmt.Errorf("marshal account key: %w", err)
	}
	keyPEM := string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	if err := repo.SaveAccount(ctx, email, directoryEnv, AccountData{AccountURL: account.Location, KeyPEM: keyPEM}); err != nil {
		return acme.Account{}, fmt.Errorf("persist acme account: %w", err)
	}
	return account, nil
}

func parseECKey(keyPEM string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in account key")
	}
	return x509.ParseECPrivateKey(block.Bytes)
}
