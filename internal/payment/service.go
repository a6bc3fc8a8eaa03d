package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ms-momo/internal/config"
	"ms-momo/internal/correlator"
	"ms-momo/internal/gateway"
	"ms-momo/internal/logger"
	"ms-momo/internal/metrics"
	"ms-momo/internal/models"
	"ms-momo/internal/payment/storage"
	"ms-momo/internal/webhook"
)

// Gateway starts cash-in transactions.
type Gateway interface {
	Cashin(ctx context.Context, phoneNumber string, amount float64) (*models.CashinResult, error)
}

// SignatureVerifier authenticates raw webhook bodies.
type SignatureVerifier interface {
	Verify(signature string, rawBody []byte) error
}

// Publisher sends outcome events to downstream consumers.
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, v interface{}) error
}

// WebhookError carries what the HTTP layer may tell the caller separately
// from what goes to the log.
type WebhookError struct {
	Category      string // "signature", "validation", "lookup", "processing"
	StatusCode    int    // HTTP status code
	PublicError   string // Safe to expose to clients
	InternalError string // Detailed error for logs only
	OriginalErr   error  // Underlying error
}

func (e *WebhookError) Error() string {
	return e.InternalError
}

func (e *WebhookError) Unwrap() error {
	return e.OriginalErr
}

type Service struct {
	store      storage.Store
	gateway    Gateway
	verifier   SignatureVerifier
	correlator *correlator.Correlator
	publisher  Publisher
	topics     config.TopicConfig
	minAmount  float64
	log        *logger.Logger
	metrics    *metrics.Metrics
}

type Option func(*Service)

// WithPublisher enables outcome events on the given topics.
func WithPublisher(p Publisher, topics config.TopicConfig) Option {
	return func(s *Service) {
		s.publisher = p
		s.topics = topics
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithMinAmount(min float64) Option {
	return func(s *Service) {
		if min > 0 {
			s.minAmount = min
		}
	}
}

func NewService(store storage.Store, gw Gateway, verifier SignatureVerifier, corr *correlator.Correlator, log *logger.Logger, opts ...Option) *Service {
	s := &Service{
		store:      store,
		gateway:    gw,
		verifier:   verifier,
		correlator: corr,
		minAmount:  100,
		log:        log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initiate records a PENDING payment, asks the gateway to push the prompt and
// links the gateway reference to the payment. If the gateway call fails the
// payment stays PENDING without a reference.
func (s *Service) Initiate(ctx context.Context, req models.InitiatePaymentRequest, initiatedBy string) (*models.InitiatePaymentResponse, error) {
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	if err := gateway.ValidateCashin(req.PhoneNumber, req.Amount, s.minAmount); err != nil {
		s.metrics.ObserveInitiate("invalid")
		return nil, err
	}

	p := &models.Payment{
		Amount:      req.Amount,
		PhoneNumber: req.PhoneNumber,
		InitiatedBy: initiatedBy,
	}
	if err := s.store.CreatePayment(ctx, p); err != nil {
		s.metrics.ObserveInitiate("store_error")
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}
	s.log.LogPayment("CREATED", p.ID, fmt.Sprintf("amount=%.2f", p.Amount))

	res, err := s.gateway.Cashin(ctx, req.PhoneNumber, req.Amount)
	if err != nil {
		s.metrics.ObserveInitiate("gateway_error")
		s.log.LogPayment("CASHIN_FAILED", p.ID, err.Error())
		return nil, err
	}

	// The prompt is already on the phone; finish recording even if the caller left.
	if err := s.linkExternalRef(context.WithoutCancel(ctx), p.ID, res); err != nil {
		s.metrics.ObserveInitiate("store_error")
		return nil, err
	}

	s.metrics.ObserveInitiate("accepted")
	s.log.LogPayment("CASHIN_ACCEPTED", p.ID, fmt.Sprintf("ref=%s provider=%s", res.ExternalRef, res.Provider))
	return &models.InitiatePaymentResponse{
		PaymentID:   p.ID,
		Status:      models.StatusPending,
		ExternalRef: res.ExternalRef,
	}, nil
}

// linkExternalRef retries the store write a few times; the gateway call itself is never repeated.
func (s *Service) linkExternalRef(ctx context.Context, paymentID string, res *models.CashinResult) error {
	const attempts = 3
	var err error
	for i := 1; i <= attempts; i++ {
		err = s.store.SetExternalRef(ctx, paymentID, res.ExternalRef, res.Provider)
		if err == nil || errors.Is(err, storage.ErrExternalRefAlreadySet) || errors.Is(err, storage.ErrNotFound) {
			break
		}
		s.log.Warn("PAYMENT", fmt.Sprintf("Attempt %d/%d to link ref %s to payment %s failed: %v", i, attempts, res.ExternalRef, paymentID, err))
		if i < attempts {
			time.Sleep(time.Duration(i) * 100 * time.Millisecond)
		}
	}
	if err != nil {
		s.log.Error("PAYMENT", fmt.Sprintf("Payment %s accepted by gateway as %s but not linked: %v", paymentID, res.ExternalRef, err))
		return fmt.Errorf("failed to record external ref for payment %s: %w", paymentID, err)
	}
	return nil
}

// GetPayment returns the current state of a payment.
func (s *Service) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	return s.store.GetPayment(ctx, id)
}

// Watch registers channelID for the outcome of paymentID. When the payment is
// already terminal the event is delivered right away, unless a webhook
// delivered it first.
func (s *Service) Watch(ctx context.Context, paymentID, channelID string) (*models.Payment, error) {
	if _, err := s.store.GetPayment(ctx, paymentID); err != nil {
		return nil, err
	}
	if err := s.correlator.Register(ctx, paymentID, channelID); err != nil {
		return nil, err
	}

	// re-read after registering so an outcome stored in between is not missed
	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status.IsTerminal() {
		if _, err := s.correlator.Deliver(ctx, p); err != nil {
			s.log.Warn("PAYMENT", fmt.Sprintf("Catch-up delivery for payment %s failed: %v", paymentID, err))
		}
	}
	return p, nil
}

// Unwatch drops channelID's registration if it was not consumed.
func (s *Service) Unwatch(ctx context.Context, paymentID, channelID string) {
	if err := s.correlator.Unregister(ctx, paymentID, channelID); err != nil {
		s.log.Warn("PAYMENT", fmt.Sprintf("Failed to unregister channel %s for payment %s: %v", channelID, paymentID, err))
	}
}

// HandleWebhook verifies a gateway callback against its raw body, then applies it.
// Every failure is a *WebhookError.
func (s *Service) HandleWebhook(ctx context.Context, signature string, rawBody []byte) (*models.Payment, error) {
	if err := s.verifier.Verify(signature, rawBody); err != nil {
		s.metrics.ObserveWebhook("invalid_signature")
		var sigErr *webhook.SignatureError
		if errors.As(err, &sigErr) && sigErr.Expected != "" {
			s.log.Debug("WEBHOOK", fmt.Sprintf("Signature mismatch: expected=%s received=%s", sigErr.Expected, sigErr.Received))
		}
		s.log.LogSecurity("WEBHOOK_SIGNATURE_REJECTED", err.Error())
		return nil, &WebhookError{
			Category:      "signature",
			StatusCode:    http.StatusUnauthorized,
			PublicError:   "Invalid webhook signature",
			InternalError: fmt.Sprintf("Webhook signature verification failed: %v", err),
			OriginalErr:   err,
		}
	}

	var payload models.WebhookPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		s.metrics.ObserveWebhook("malformed")
		return nil, &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid webhook payload",
			InternalError: fmt.Sprintf("Failed to decode webhook payload: %v", err),
			OriginalErr:   err,
		}
	}

	tx := payload.Transaction()
	if tx.Ref == "" {
		s.metrics.ObserveWebhook("malformed")
		return nil, &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid webhook payload",
			InternalError: "Webhook payload has no transaction ref",
		}
	}
	s.log.LogWebhook("RECEIVED", tx.Ref, fmt.Sprintf("kind=%s status=%s", payload.EventKind, tx.Status))

	res, err := s.correlator.ResolveAndNotify(ctx, tx.Ref, tx.Status)
	if err != nil {
		return nil, s.classifyResolveError(tx.Ref, err)
	}

	if !res.Changed {
		s.metrics.ObserveWebhook("duplicate")
		s.log.LogWebhook("DUPLICATE", tx.Ref, fmt.Sprintf("payment %s already %s", res.Payment.ID, res.Payment.Status))
		return res.Payment, nil
	}

	s.metrics.ObserveWebhook("processed")
	s.publishOutcome(ctx, res.Payment)
	return res.Payment, nil
}

func (s *Service) classifyResolveError(ref string, err error) *WebhookError {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.metrics.ObserveWebhook("unknown_ref")
		return &WebhookError{
			Category:      "lookup",
			StatusCode:    http.StatusNotFound,
			PublicError:   "Unknown transaction",
			InternalError: fmt.Sprintf("No payment for external ref %s", ref),
			OriginalErr:   err,
		}
	case errors.Is(err, storage.ErrInvalidTransition):
		s.metrics.ObserveWebhook("conflict")
		return &WebhookError{
			Category:      "processing",
			StatusCode:    http.StatusConflict,
			PublicError:   "Payment already resolved",
			InternalError: fmt.Sprintf("Conflicting outcome for ref %s: %v", ref, err),
			OriginalErr:   err,
		}
	default:
		s.metrics.ObserveWebhook("error")
		s.log.Error("WEBHOOK", fmt.Sprintf("Failed to resolve ref %s: %v", ref, err))
		return &WebhookError{
			Category:      "processing",
			StatusCode:    http.StatusInternalServerError,
			PublicError:   "Webhook processing error",
			InternalError: fmt.Sprintf("Failed to resolve ref %s: %v", ref, err),
			OriginalErr:   err,
		}
	}
}

// publishOutcome never fails the webhook; downstream delivery is best-effort.
func (s *Service) publishOutcome(ctx context.Context, p *models.Payment) {
	if s.publisher == nil {
		return
	}

	topic := s.topics.PaymentFailed
	eventType := "payment.failed"
	if p.Status == models.StatusSuccessful {
		topic = s.topics.PaymentSuccessful
		eventType = "payment.successful"
	}

	event := models.PaymentOutcomeEvent{
		Type:      eventType,
		PaymentID: p.ID,
		Status:    p.Status,
		Amount:    p.Amount,
		Provider:  p.Provider,
		Timestamp: time.Now().UTC(),
	}
	if p.ExternalRef != nil {
		event.ExternalRef = *p.ExternalRef
	}

	if err := s.publisher.PublishJSON(context.WithoutCancel(ctx), topic, p.ID, event); err != nil {
		s.log.Error("KAFKA", fmt.Sprintf("Failed to publish %s for payment %s: %v", eventType, p.ID, err))
	}
}

// HealthCheck reports whether the payment store is reachable.
func (s *Service) HealthCheck(ctx context.Context) error {
	return s.store.HealthCheck(ctx)
}
