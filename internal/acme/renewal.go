package acme

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/temps/edge/internal/certstore"
)

// criticalDaysRemaining mirrors the original TlsService::check_and_renew_certificates
// escalation threshold: a certificate within this many days of expiry is
// reported at "critical" severity regardless of verification method.
const criticalDaysRemaining = 7

// RenewalReport summarizes one sweep, carried forward from the original
// implementation's accumulator shape since the distilled spec states the
// sweep's inputs/outputs but not the exact counters.
type RenewalReport struct {
	TotalChecked       int
	AutoRenewed        int
	RenewalFailed      int
	ManualActionNeeded int
}

// ExpiringLister is the subset of certstore.Store the scheduler needs.
type ExpiringLister interface {
	FindExpiring(ctx context.Context, within time.Duration) ([]certstore.Certificate, error)
}

// EmailSource resolves the email used for automated HTTP-01 renewal. It is
// supplied by the caller: cmd/edge returns the configured ACME contact email
// and fails when that is empty. Neither the settings row nor any user's
// email is consulted.
type EmailSource func(ctx context.Context) (string, error)

// Scheduler periodically sweeps certificates nearing expiry (C12).
type Scheduler struct {
	certs        ExpiringLister
	service      *Service
	notify       NotificationService
	emailSource  EmailSource
	windowDays   int
	interval     time.Duration
	logger       *zap.Logger
}

func NewScheduler(certs ExpiringLister, service *Service, notify NotificationService, emailSource EmailSource, windowDays int, interval time.Duration, logger *zap.Logger) *Scheduler {
	if notify == nil {
		notify = NopNotificationService{}
	}
	return &Scheduler{
		certs:       certs,
		service:     service,
		notify:      notify,
		emailSource: emailSource,
		windowDays:  windowDays,
		interval:    interval,
		logger:      logger,
	}
}

// Run blocks, sweeping every interval until ctx is canceled. Callers run it
// in its own goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Scheduler) sweepOnce(ctx context.Context) {
	report, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("renewal sweep failed", zap.Error(err))
		return
	}
	s.logger.Info("renewal sweep complete",
		zap.Int("total_checked", report.TotalChecked),
		zap.Int("auto_renewed", report.AutoRenewed),
		zap.Int("renewal_failed", report.RenewalFailed),
		zap.Int("manual_action_needed", report.ManualActionNeeded),
	)
}

// Sweep finds certificates expiring within the configured window and
// classifies each by verification method: HTTP-01 certificates are
// renewed automatically; DNS-01 certificates generate an operator
// notification and are never auto-renewed (no programmatic guarantee the
// previously-published TXT record is still valid, and many DNS providers
// aren't bound for automated publication).
func (s *Scheduler) Sweep(ctx context.Context) (RenewalReport, error) {
	var report RenewalReport

	expiring, err := s.certs.FindExpiring(ctx, time.Duration(s.windowDays)*24*time.Hour)
	if err != nil {
		return report, err
	}
	report.TotalChecked = len(expiring)

	for _, cert := range expiring {
		daysLeft := int(time.Until(cert.Expiration).Hours() / 24)
		severity := "warning"
		if daysLeft <= criticalDaysRemaining {
			severity = "critical"
		}

		if cert.VerificationMethod == string(ChallengeDNS01) {
			report.ManualActionNeeded++
			_ = s.notify.SendNotification(ctx, NotificationData{
				Domain:   cert.Domain,
				Kind:     "dns01_action_required",
				Message:  severity + ": certificate nearing expiry requires manual DNS-01 renewal",
				DaysLeft: daysLeft,
			})
			continue
		}

		if err := s.renewHTTP01(ctx, cert.Domain); err != nil {
			report.RenewalFailed++
			_ = s.notify.SendNotification(ctx, NotificationData{
				Domain:    cert.Domain,
				Kind:      "renewal_failed",
				Message:   severity + ": " + err.Error(),
				ErrorKind: string(classifyError(err)),
				DaysLeft:  daysLeft,
			})
			continue
		}
		report.AutoRenewed++
	}

	return report, nil
}

func (s *Scheduler) renewHTTP01(ctx context.Context, domain string) error {
	email, err := s.emailSource(ctx)
	if err != nil {
		return err
	}

	// Another replica, or an operator-triggered renewal, may have already
	// renewed this certificate between FindExpiring and here; Provision
	// reuses any still-live order rather than racing a second one, and if
	// the certificate is already renewed the next sweep simply won't find
	// it in the expiring window again, making this idempotent.
	if _, err := s.service.Provision(ctx, domain, ChallengeHTTP01, email); err != nil {
		return err
	}
	if _, err := s.service.CompleteChallenge(ctx, domain, email); err != nil {
		return err
	}
	return nil
}
