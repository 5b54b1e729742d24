package proxy

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/temps/edge/internal/certstore"
)

// CertManager answers tls.Config.GetCertificate for the 443 listener: exact
// domain, then wildcard parent, falling back to a process-lifetime
// self-signed certificate so a handshake never hard-fails on an unknown SNI.
type CertManager struct {
	store  *certstore.Store
	logger *zap.Logger

	parsedMu sync.RWMutex
	parsed   map[string]*tls.Certificate

	fallback *tls.Certificate
}

func NewCertManager(store *certstore.Store, logger *zap.Logger) (*CertManager, error) {
	fallback, err := generateSelfSigned()
	if err != nil {
		return nil, fmt.Errorf("generate fallback certificate: %w", err)
	}
	return &CertManager{
		store:    store,
		logger:   logger,
		parsed:   make(map[string]*tls.Certificate),
		fallback: fallback,
	}, nil
}

// GetCertificate is wired into tls.Config.GetCertificate directly.
func (m *CertManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	sni := hello.ServerName
	if sni == "" {
		return m.fallback, nil
	}

	if cached, ok := m.cacheGet(sni); ok {
		return cached, nil
	}

	cert, found, err := m.store.FindForSNI(hello.Context(), sni)
	if err != nil {
		m.logger.Warn("certificate lookup failed", zap.String("sni", sni), zap.Error(err))
		return m.fallback, nil
	}
	if !found {
		return m.fallback, nil
	}

	tlsCert, err := tls.X509KeyPair([]byte(cert.PEM), []byte(cert.Key))
	if err != nil {
		m.logger.Error("stored certificate failed to parse", zap.String("domain", cert.Domain), zap.Error(err))
		return m.fallback, nil
	}

	m.cachePut(sni, &tlsCert)
	return &tlsCert, nil
}

func (m *CertManager) cacheGet(sni string) (*tls.Certificate, bool) {
	m.parsedMu.RLock()
	defer m.parsedMu.RUnlock()
	cert, ok := m.parsed[sni]
	return cert, ok
}

func (m *CertManager) cachePut(sni string, cert *tls.Certificate) {
	m.parsedMu.Lock()
	defer m.parsedMu.Unlock()
	m.parsed[sni] = cert
}

// Invalidate drops a cached parsed certificate, called after a renewal or
// fresh issuance writes a new row for domain.
func (m *CertManager) Invalidate(domain string) {
	m.parsedMu.Lock()
	defer m.parsedMu.Unlock()
	delete(m.parsed, domain)
}

// generateSelfSigned builds a one-year ECDSA P-256 certificate used only
// when no issued certificate exists yet for an SNI, so the TLS handshake
// always completes (the client sees a certificate warning, not a reset).
func generateSelfSigned() (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "edge-default"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	return &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}
