package acme

import "context"

// NotificationData is the payload handed to NotificationService. It is
// deliberately untyped beyond these fields: the out-of-scope notification
// fan-out service (email/webhook) decides how to render it.
type NotificationData struct {
	Domain    string
	Kind      string // "renewal_failed" | "dns01_action_required" | "renewal_succeeded"
	Message   string
	ErrorKind string
	DaysLeft  int
}

// NotificationService is the fire-and-forget email/webhook sink the renewal
// scheduler calls. It lives entirely outside this module (§1, §6); this
// interface is the only thing the core needs to know about it.
type NotificationService interface {
	SendNotification(ctx context.Context, data NotificationData) error
}

// NopNotificationService discards notifications; used where no sink is
// configured so the scheduler always has a non-nil NotificationService.
type NopNotificationService struct{}

func (NopNotificationService) SendNotification(ctx context.Context, data NotificationData) error {
	return nil
}
