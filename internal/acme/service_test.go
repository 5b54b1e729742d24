package acme

import (
	"context"
	"testing"
	"time"

	"github.com/temps/edge/internal/certstore"
)

type fakeOrderRepo struct {
	accounts map[string]AccountData
	orders   map[string]string
	http     map[string]HttpChallengeData
	dns      map[string]DnsChallengeData
}

func newFakeOrderRepo() *fakeOrderRepo {
	return &fakeOrderRepo{
		accounts: make(map[string]AccountData),
		orders:   make(map[string]string),
		http:     make(map[string]HttpChallengeData),
		dns:      make(map[string]DnsChallengeData),
	}
}

func (r *fakeOrderRepo) FindAccount(ctx context.Context, email, directoryEnv string) (AccountData, bool, error) {
	data, ok := r.accounts[email+"|"+directoryEnv]
	return data, ok, nil
}

func (r *fakeOrderRepo) SaveAccount(ctx context.Context, email, directoryEnv string, account AccountData) error {
	r.accounts[email+"|"+directoryEnv] = account
	return nil
}

func (r *fakeOrderRepo) SaveOrder(ctx context.Context, domain, orderURL, directoryEnv string) error {
	r.orders[domain] = orderURL
	return nil
}

func (r *fakeOrderRepo) GetOrder(ctx context.Context, domain string) (string, bool, error) {
	url, ok := r.orders[domain]
	return url, ok, nil
}

func (r *fakeOrderRepo) ClearOrder(ctx context.Context, domain string) error {
	delete(r.orders, domain)
	delete(r.http, domain)
	delete(r.dns, domain)
	return nil
}

func (r *fakeOrderRepo) SaveHTTPChallenge(ctx context.Context, data HttpChallengeData) error {
	r.http[data.Domain] = data
	return nil
}

func (r *fakeOrderRepo) FindHTTPChallengeByToken(ctx context.Context, token string) (HttpChallengeData, bool, error) {
	for _, d := range r.http {
		if d.Token == token || d.Domain == token {
			return d, true, nil
		}
	}
	return HttpChallengeData{}, false, nil
}

func (r *fakeOrderRepo) SaveDNSChallenge(ctx context.Context, data DnsChallengeData) error {
	r.dns[data.Domain] = data
	return nil
}

func (r *fakeOrderRepo) WithDomainLock(ctx context.Context, domain string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type fakeCertStore struct {
	saved    []certstore.Certificate
	statuses map[string]certstore.Status
}

func newFakeCertStore() *fakeCertStore {
	return &fakeCertStore{statuses: make(map[string]certstore.Status)}
}

func (c *fakeCertStore) Save(ctx context.Context, cert certstore.Certificate) (certstore.Certificate, error) {
	c.saved = append(c.saved, cert)
	c.statuses[cert.Domain] = cert.Status
	return cert, nil
}

func (c *fakeCertStore) UpdateStatus(ctx context.Context, domain string, status certstore.Status, lastErr string, kind certstore.ErrorKind) error {
	c.statuses[domain] = status
	return nil
}

const testLeafPEM = `-----BEGIN CERTIFICATE-----
MIIBhDCCASmgAwIBAgIUNRlhe4IL+830TiySHF/yH995LcowCgYIKoZIzj0EAwIw
FzEVMBMGA1UEAwwMZXhhbXBsZS50ZXN0MB4XDTI2MDczMTA3MzYzNloXDTI3MDcz
MTA3MzYzNlowFzEVMBMGA1UEAwwMZXhhbXBsZS50ZXN0MFkwEwYHKoZIzj0CAQYI
KoZIzj0DAQcDQgAEddn+uGurEvgRAKwTG9UVzzdtHR/iagcE62R/p2y5T4AVQXWo
W1KTfCFxgzrQV7KQczYe3JoN0WW1D8npTljxNaNTMFEwHQYDVR0OBBYEFIm8Kbmp
Ptm4big/2x0DjUj4o1joMB8GA1UdIwQYMBaAFIm8KbmpPtm4big/2x0DjUj4o1jo
MA8GA1UdEwEB/wQFMAMBAf8wCgYIKoZIzj0EAwIDSQAwRgIhAPy31lGzSw6dWydb
OKFkKFXo1fAkDBQt7RHQ8bUwKOgcAiEAmZPeg4MeABHuRdB1LtZBQ82qYvd3v5J9
ovgRN7iP26k=
-----END CERTIFICATE-----`

func fakeDirectory() *Directory {
	return &Directory{
		NewOrder: func(ctx context.Context, email, directoryEnv string, domains []string) (string, error) {
			return "https://ca.example/order/1", nil
		},
		AuthorizeHTTP01: func(ctx context.Context, orderURL, domain, email string) (string, string, error) {
			return "token-123", "token-123.keyauth", nil
		},
		NotifyReady: func(ctx context.Context, orderURL, domain, email string) error { return nil },
		PollValidation: func(ctx context.Context, orderURL, domain, email string, timeout, perAttempt time.Duration) error {
			return nil
		},
		Finalize: func(ctx context.Context, orderURL string, domains []string, email string) (string, string, error) {
			return testLeafPEM, "fake-key-pem", nil
		},
	}
}

func TestService_ProvisionHTTP01CreatesOrderAndChallenge(t *testing.T) {
	repo := newFakeOrderRepo()
	store := newFakeCertStore()
	svc := NewService(repo, store, fakeDirectory(), EnvStaging, time.Second, time.Millisecond)

	challenge, err := svc.Provision(context.Background(), "example.test", ChallengeHTTP01, "admin@example.test")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if challenge.HTTP == nil || challenge.HTTP.Token != "token-123" {
		t.Fatalf("unexpected challenge: %+v", challenge)
	}
	if store.statuses["example.test"] != certstore.StatusPendingValidation {
		t.Errorf("status = %v, want pending_validation", store.statuses["example.test"])
	}
}

func TestService_ProvisionRejectsWildcardOverHTTP01(t *testing.T) {
	repo := newFakeOrderRepo()
	store := newFakeCertStore()
	svc := NewService(repo, store, fakeDirectory(), EnvStaging, time.Second, time.Millisecond)

	_, err := svc.Provision(context.Background(), "*.example.test", ChallengeHTTP01, "admin@example.test")
	if err == nil {
		t.Fatal("expected error for wildcard domain over http-01")
	}
}

func TestService_ProvisionReusesInFlightOrder(t *testing.T) {
	repo := newFakeOrderRepo()
	store := newFakeCertStore()
	svc := NewService(repo, store, fakeDirectory(), EnvStaging, time.Second, time.Millisecond)

	first, err := svc.Provision(context.Background(), "example.test", ChallengeHTTP01, "admin@example.test")
	if err != nil {
		t.Fatalf("first Provision: %v", err)
	}
	second, err := svc.Provision(context.Background(), "example.test", ChallengeHTTP01, "admin@example.test")
	if err != nil {
		t.Fatalf("second Provision: %v", err)
	}
	if second.OrderURL != first.OrderURL {
		t.Errorf("second call created a new order: %q vs %q", second.OrderURL, first.OrderURL)
	}
}

func TestService_CompleteChallengeStoresCertificate(t *testing.T) {
	repo := newFakeOrderRepo()
	store := newFakeCertStore()
	svc := NewService(repo, store, fakeDirectory(), EnvStaging, time.Second, time.Millisecond)

	if _, err := svc.Provision(context.Background(), "example.test", ChallengeHTTP01, "admin@example.test"); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	cert, err := svc.CompleteChallenge(context.Background(), "example.test", "admin@example.test")
	if err != nil {
		t.Fatalf("CompleteChallenge: %v", err)
	}
	if cert.Status != certstore.StatusActive {
		t.Errorf("status = %v, want active", cert.Status)
	}
	if _, ok, _ := repo.GetOrder(context.Background(), "example.test"); ok {
		t.Error("expected order to be cleared after completion")
	}
}

func TestService_CompleteChallengeFailsWithoutOrder(t *testing.T) {
	repo := newFakeOrderRepo()
	store := newFakeCertStore()
	svc := NewService(repo, store, fakeDirectory(), EnvStaging, time.Second, time.Millisecond)

	if _, err := svc.CompleteChallenge(context.Background(), "never-provisioned.test", "admin@example.test"); err == nil {
		t.Fatal("expected error completing a domain with no in-flight order")
	}
}
