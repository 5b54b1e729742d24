package db

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/temps/edge/internal/acme"
)

// OrderRepository implements acme.OrderRepository against the pgx pool:
// accounts, orders, and HTTP/DNS challenge rows, plus the per-domain
// Postgres advisory lock that keeps two replicas from driving the same
// order concurrently.
type OrderRepository struct {
	pool *pgxpool.Pool
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// FindAccount looks up the (email, environment)-scoped ACME account
// registered by an earlier call, including the private key it was
// registered under.
func (r *OrderRepository) FindAccount(ctx context.Context, email, directoryEnv string) (acme.AccountData, bool, error) {
	var data acme.AccountData
	err := r.pool.QueryRow(ctx,
		`SELECT account_url, private_key_pem FROM acme_accounts WHERE email = $1 AND environment = $2`,
		email, directoryEnv,
	).Scan(&data.AccountURL, &data.KeyPEM)
	if err == pgx.ErrNoRows {
		return acme.AccountData{}, false, nil
	}
	if err != nil {
		return acme.AccountData{}, false, fmt.Errorf("lookup acme account: %w", err)
	}
	return data, true, nil
}

// SaveAccount persists a newly registered ACME account. (email, environment)
// is the primary key, so a racing second registration for the same pair
// loses and its caller should re-read via FindAccount rather than overwrite
// an account the CA already issued a different key to.
func (r *OrderRepository) SaveAccount(ctx context.Context, email, directoryEnv string, account acme.AccountData) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO acme_accounts (email, environment, account_url, private_key_pem)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email, environment) DO NOTHING`,
		email, directoryEnv, account.AccountURL, account.KeyPEM)
	if err != nil {
		return fmt.Errorf("insert acme account: %w", err)
	}
	return nil
}

func (r *OrderRepository) SaveOrder(ctx context.Context, domain, orderURL, directoryEnv string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO acme_orders (id, domain, order_url, environment, status, created_at)
		VALUES ($1, $2, $3, $4, 'pending', now())
		ON CONFLICT (domain) WHERE status NOT IN ('valid', 'invalid')
		DO UPDATE SET order_url = EXCLUDED.order_url`,
		uuid.NewString(), domain, orderURL, directoryEnv)
	if err != nil {
		return fmt.Errorf("save acme order: %w", err)
	}
	return nil
}

func (r *OrderRepository) GetOrder(ctx context.Context, domain string) (string, bool, error) {
	var orderURL string
	err := r.pool.QueryRow(ctx,
		`SELECT order_url FROM acme_orders WHERE domain = $1 AND status NOT IN ('valid', 'invalid')`,
		domain,
	).Scan(&orderURL)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get acme order: %w", err)
	}
	return orderURL, true, nil
}

func (r *OrderRepository) ClearOrder(ctx context.Context, domain string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE acme_orders SET status = 'invalid' WHERE domain = $1 AND status NOT IN ('valid', 'invalid')`,
		domain)
	if err != nil {
		return fmt.Errorf("clear acme order: %w", err)
	}
	_, err = r.pool.Exec(ctx, `DELETE FROM http_challenges WHERE domain = $1`, domain)
	if err != nil {
		return fmt.Errorf("clear http-01 challenge: %w", err)
	}
	_, err = r.pool.Exec(ctx, `DELETE FROM dns_challenges WHERE domain = $1`, domain)
	if err != nil {
		return fmt.Errorf("clear dns-01 challenge: %w", err)
	}
	return nil
}

func (r *OrderRepository) SaveHTTPChallenge(ctx context.Context, data acme.HttpChallengeData) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO http_challenges (domain, token, key_authorization, validation_url, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (domain) DO UPDATE SET
			token = EXCLUDED.token,
			key_authorization = EXCLUDED.key_authorization,
			validation_url = EXCLUDED.validation_url,
			created_at = EXCLUDED.created_at`,
		data.Domain, data.Token, data.KeyAuth, data.ValidationURL, data.CreatedAt)
	if err != nil {
		return fmt.Errorf("save http-01 challenge: %w", err)
	}
	return nil
}

func (r *OrderRepository) FindHTTPChallengeByToken(ctx context.Context, token string) (acme.HttpChallengeData, bool, error) {
	var data acme.HttpChallengeData
	// token is looked up either by its literal value (the port-80
	// responder) or, internally, by domain (Service.reconstructChallenge
	// re-fetches the live challenge by domain, not by token).
	err := r.pool.QueryRow(ctx, `
		SELECT domain, token, key_authorization, COALESCE(validation_url, ''), created_at
		FROM http_challenges WHERE token = $1 OR domain = $1`, token,
	).Scan(&data.Domain, &data.Token, &data.KeyAuth, &data.ValidationURL, &data.CreatedAt)
	if err == pgx.ErrNoRows {
		return acme.HttpChallengeData{}, false, nil
	}
	if err != nil {
		return acme.HttpChallengeData{}, false, fmt.Errorf("find http-01 challenge: %w", err)
	}
	return data, true, nil
}

func (r *OrderRepository) SaveDNSChallenge(ctx context.Context, data acme.DnsChallengeData) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO dns_challenges (domain, record_name, record_value, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (domain) DO UPDATE SET
			record_name = EXCLUDED.record_name,
			record_value = EXCLUDED.record_value,
			created_at = EXCLUDED.created_at`,
		data.Domain, data.RecordName, data.RecordValue, data.CreatedAt)
	if err != nil {
		return fmt.Errorf("save dns-01 challenge: %w", err)
	}
	return nil
}

// FindDNSChallenge satisfies the optional lookup Service.reconstructChallenge
// type-asserts for when a second Provision call arrives for an in-flight
// DNS-01 order.
func (r *OrderRepository) FindDNSChallenge(ctx context.Context, domain string) (acme.DnsChallengeData, bool, error) {
	var data acme.DnsChallengeData
	err := r.pool.QueryRow(ctx, `
		SELECT domain, record_name, record_value, created_at
		FROM dns_challenges WHERE domain = $1`, domain,
	).Scan(&data.Domain, &data.RecordName, &data.RecordValue, &data.CreatedAt)
	if err == pgx.ErrNoRows {
		return acme.DnsChallengeData{}, false, nil
	}
	if err != nil {
		return acme.DnsChallengeData{}, false, fmt.Errorf("find dns-01 challenge: %w", err)
	}
	return data, true, nil
}

// WithDomainLock serializes ACME state transitions for domain across
// replicas using a session-scoped Postgres advisory lock keyed by
// domainLockKey(domain), held for the duration of fn. A second replica's
// WithDomainLock for the same domain blocks until the first releases it
// (pg_advisory_unlock once fn returns).
func (r *OrderRepository) WithDomainLock(ctx context.Context, domain string, fn func(ctx context.Context) error) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection for domain lock: %w", err)
	}
	defer conn.Release()

	key := domainLockKey(domain)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
	}()

	return fn(ctx)
}

// domainLockKey hashes domain into the int64 space pg_advisory_lock expects.
// Collisions merely serialize two unrelated domains against each other
// briefly; they never cause incorrect behavior.
func domainLockKey(domain string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(domain))
	return int64(h.Sum64())
}
