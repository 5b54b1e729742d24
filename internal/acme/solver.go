package acme

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
)

// HTTPSolver answers /.well-known/acme-challenge/<token> requests from the
// persisted challenge rows, so any proxy replica can serve the validation
// regardless of which replica is driving the order.
type HTTPSolver struct {
	repo OrderRepository
}

func NewHTTPSolver(repo OrderRepository) *HTTPSolver { return &HTTPSolver{repo: repo} }

// Respond looks up token and returns the key authorization payload for C8's
// intercept and the standalone port-80 listener to write back verbatim.
func (s *HTTPSolver) Respond(ctx context.Context, token string) (keyAuth string, ok bool, err error) {
	data, found, err := s.repo.FindHTTPChallengeByToken(ctx, token)
	if err != nil {
		return "", false, fmt.Errorf("lookup http-01 challenge: %w", err)
	}
	if !found {
		return "", false, nil
	}
	return data.KeyAuth, true, nil
}

// DNSSolver publishes (or surfaces, for manual operators) the _acme-challenge
// TXT record and verifies it has propagated by querying authoritative
// nameservers directly, bypassing resolver caches — the common ACME DNS-01
// failure mode is polling the CA before the record has actually propagated.
type DNSSolver struct {
	repo     OrderRepository
	provider DNSProvider
	resolver *dns.Client
}

// DNSProvider programmatically publishes a TXT record. Operators without a
// bound provider fall back to manual publication: the dashboard surfaces
// RecordName/RecordValue from DnsChallengeData and PropagationCheck still
// gates when C10 moves on to notifying the CA.
type DNSProvider interface {
	PublishTXT(ctx context.Context, recordName, value string) error
	RemoveTXT(ctx context.Context, recordName, value string) error
}

func NewDNSSolver(repo OrderRepository, provider DNSProvider) *DNSSolver {
	return &DNSSolver{repo: repo, provider: provider, resolver: new(dns.Client)}
}

// PropagationCheck queries the zone's authoritative nameservers directly for
// recordName and reports whether value is present among the returned TXT
// strings.
func (s *DNSSolver) PropagationCheck(ctx context.Context, recordName, value string) (bool, error) {
	nameservers, err := authoritativeNameservers(recordName)
	if err != nil {
		return false, fmt.Errorf("find authoritative nameservers: %w", err)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(recordName), dns.TypeTXT)

	for _, ns := range nameservers {
		resp, _, err := s.resolver.ExchangeContext(ctx, msg, net.JoinHostPort(ns, "53"))
		if err != nil {
			continue
		}
		for _, ans := range resp.Answer {
			txt, ok := ans.(*dns.TXT)
			if !ok {
				continue
			}
			for _, chunk := range txt.Txt {
				if chunk == value {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

// authoritativeNameservers walks up the labels of name looking for an NS
// delegation, using the system resolver only to find the nameservers
// themselves (the TXT lookup above then bypasses that resolver entirely).
func authoritativeNameservers(name string) ([]string, error) {
	labels := dns.SplitDomainName(name)
	client := new(dns.Client)
	msg := new(dns.Msg)

	for i := 0; i < len(labels); i++ {
		zone := dns.Fqdn(strings.Join(labels[i:], "."))
		msg.SetQuestion(zone, dns.TypeNS)
		resp, _, err := client.ExchangeContext(context.Background(), msg, systemResolverAddr())
		if err != nil {
			continue
		}
		var nsNames []string
		for _, ans := range resp.Answer {
			if ns, ok := ans.(*dns.NS); ok {
				nsNames = append(nsNames, strings.TrimSuffix(ns.Ns, "."))
			}
		}
		if len(nsNames) > 0 {
			return nsNames, nil
		}
	}
	return nil, fmt.Errorf("no NS records found for %s", name)
}

func systemResolverAddr() string {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		return "8.8.8.8:53"
	}
	return net.JoinHostPort(cfg.Servers[0], cfg.Port)
}
