package correlator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ms-momo/internal/logger"
	"ms-momo/internal/metrics"
	"ms-momo/internal/models"
	"ms-momo/internal/payment/storage"
)

// Notifier pushes an event to a waiting client. Delivery is fire-and-forget.
type Notifier interface {
	Notify(channelID string, event models.PaymentEvent)
}

// PaymentStore is the part of the payment store the correlator needs.
type PaymentStore interface {
	GetPaymentByExternalRef(ctx context.Context, externalRef string) (*models.Payment, error)
	UpdateStatus(ctx context.Context, id string, status models.PaymentStatus) (*models.Payment, error)
}

// Correlator ties gateway callbacks back to payments and their waiting clients.
type Correlator struct {
	store    PaymentStore
	registry Registry
	notifier Notifier
	log      *logger.Logger
	metrics  *metrics.Metrics
}

func New(store PaymentStore, registry Registry, notifier Notifier, log *logger.Logger, m *metrics.Metrics) *Correlator {
	return &Correlator{
		store:    store,
		registry: registry,
		notifier: notifier,
		log:      log,
		metrics:  m,
	}
}

// MapStatus turns an upstream transaction status into a terminal payment status.
// Only "successful" counts as success.
func MapStatus(upstream string) models.PaymentStatus {
	if strings.EqualFold(strings.TrimSpace(upstream), "successful") {
		return models.StatusSuccessful
	}
	return models.StatusFailed
}

// Register records that channelID waits for the outcome of paymentID.
func (c *Correlator) Register(ctx context.Context, paymentID, channelID string) error {
	if err := c.registry.Register(ctx, paymentID, channelID); err != nil {
		return err
	}
	c.log.Debug("CORRELATOR", fmt.Sprintf("Channel %s registered for payment %s", channelID, paymentID))
	return nil
}

// Unregister drops channelID's registration if it has not been consumed yet.
func (c *Correlator) Unregister(ctx context.Context, paymentID, channelID string) error {
	return c.registry.Unregister(ctx, paymentID, channelID)
}

// Resolution is the result of applying a gateway outcome.
type Resolution struct {
	Payment *models.Payment
	// Changed is false when the payment already had this status.
	Changed  bool
	Notified bool
}

// ResolveAndNotify applies a gateway outcome to the payment behind externalRef
// and notifies its waiting channel, if any. The status is stored before the
// notification goes out.
func (c *Correlator) ResolveAndNotify(ctx context.Context, externalRef, upstreamStatus string) (*Resolution, error) {
	payment, err := c.store.GetPaymentByExternalRef(ctx, externalRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.log.LogWebhook("UNKNOWN_REF", externalRef, "no payment for external reference")
		}
		return nil, err
	}

	status := MapStatus(upstreamStatus)
	updated, err := c.store.UpdateStatus(ctx, payment.ID, status)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			c.log.LogPayment("TRANSITION_REJECTED", payment.ID, fmt.Sprintf("already %s, ignoring %s", payment.Status, status))
		}
		return nil, err
	}
	c.log.LogPayment("RESOLVED", updated.ID, fmt.Sprintf("ref=%s upstream=%q status=%s", externalRef, upstreamStatus, updated.Status))

	notified, err := c.Deliver(ctx, updated)
	if err != nil {
		// the status is already stored; the client can still poll for it
		c.log.Warn("CORRELATOR", fmt.Sprintf("Notification for payment %s not sent: %v", updated.ID, err))
	}
	return &Resolution{
		Payment:  updated,
		Changed:  payment.Status != updated.Status,
		Notified: notified,
	}, nil
}

// Deliver pushes the terminal status of payment to its registered channel and
// consumes the registration. It reports whether a channel was notified.
func (c *Correlator) Deliver(ctx context.Context, payment *models.Payment) (bool, error) {
	if !payment.Status.IsTerminal() {
		return false, nil
	}

	channelID, ok, err := c.registry.Take(ctx, payment.ID)
	if err != nil {
		c.metrics.ObserveNotification("error")
		return false, err
	}
	if !ok {
		c.metrics.ObserveNotification("dropped")
		c.log.Debug("CORRELATOR", fmt.Sprintf("No channel registered for payment %s, event dropped", payment.ID))
		return false, nil
	}

	c.notifier.Notify(channelID, models.PaymentEvent{Status: payment.Status})
	c.metrics.ObserveNotification("delivered")
	c.log.LogPayment("NOTIFIED", payment.ID, fmt.Sprintf("channel=%s status=%s", channelID, payment.Status))
	return true, nil
}
