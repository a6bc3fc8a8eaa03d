package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"ms-momo/internal/auth"
	"ms-momo/internal/gateway"
	"ms-momo/internal/logger"
	"ms-momo/internal/models"
	"ms-momo/internal/payment"
	"ms-momo/internal/payment/storage"
	"ms-momo/internal/utils"
	"ms-momo/internal/webhook"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxWebhookBody = 1 << 20

// PaymentService is what the HTTP layer needs from payment.Service.
type PaymentService interface {
	Initiate(ctx context.Context, req models.InitiatePaymentRequest, initiatedBy string) (*models.InitiatePaymentResponse, error)
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	Watch(ctx context.Context, paymentID, channelID string) (*models.Payment, error)
	Unwatch(ctx context.Context, paymentID, channelID string)
	HandleWebhook(ctx context.Context, signature string, rawBody []byte) (*models.Payment, error)
	HealthCheck(ctx context.Context) error
}

// Subscriber opens the local event stream behind a channel id.
type Subscriber interface {
	Subscribe(ctx context.Context, channelID string) <-chan models.PaymentEvent
}

type Handler struct {
	Service         PaymentService
	Streams         Subscriber
	Logger          *logger.Logger
	SignatureHeader string
	KeepAlive       time.Duration
}

func NewHandler(service PaymentService, streams Subscriber, logger *logger.Logger, signatureHeader string) *Handler {
	if signatureHeader == "" {
		signatureHeader = webhook.DefaultSignatureHeader
	}
	return &Handler{
		Service:         service,
		Streams:         streams,
		Logger:          logger,
		SignatureHeader: signatureHeader,
		KeepAlive:       15 * time.Second,
	}
}

// RegisterRoutes mounts the payment API. protect wraps the client-facing
// routes and may be nil; the webhook and health routes stay public.
func (h *Handler) RegisterRoutes(r chi.Router, protect func(http.Handler) http.Handler) {
	r.Get("/healthz", h.Health)
	r.Post("/api/webhooks/paypack", h.PaypackWebhook)

	r.Route("/api/payments", func(r chi.Router) {
		if protect != nil {
			r.Use(protect)
		}
		r.Post("/", h.InitiatePayment)
		r.Get("/{paymentID}", h.GetPayment)
		r.Get("/{paymentID}/events", h.StreamPaymentEvents)
	})
}

// InitiatePayment starts a cash-in and returns the new payment id.
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req models.InitiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request payload", err.Error()))
		return
	}

	resp, err := h.Service.Initiate(r.Context(), req, auth.UserID(r.Context()))
	if err != nil {
		status, message, detail := initiateErrorResponse(err)
		if status >= http.StatusInternalServerError {
			h.Logger.Error("PAYMENT", fmt.Sprintf("Initiate failed: %v", err))
		}
		h.logAPI(r, status, start)
		_ = utils.WriteJSON(w, status, utils.ErrorResponse(message, detail))
		return
	}

	h.logAPI(r, http.StatusCreated, start)
	_ = utils.WriteJSON(w, http.StatusCreated, utils.SuccessResponse("Payment initiated", resp))
}

func initiateErrorResponse(err error) (int, string, string) {
	var validationErr *gateway.ValidationError
	var providerErr *gateway.ProviderError
	var authErr *gateway.AuthError

	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, "Invalid payment request", validationErr.Message
	case errors.As(err, &providerErr):
		return http.StatusBadGateway, "Payment provider error", providerErr.Message
	case errors.As(err, &authErr):
		return http.StatusInternalServerError, "Payment provider unavailable", "gateway authentication failed"
	default:
		return http.StatusInternalServerError, "Payment processing failed", "internal error"
	}
}

// GetPayment returns the stored payment, the polling fallback for missed pushes.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentID")

	p, err := h.Service.GetPayment(r.Context(), paymentID)
	if errors.Is(err, storage.ErrNotFound) {
		_ = utils.WriteJSON(w, http.StatusNotFound, utils.ErrorResponse("Payment not found", paymentID))
		return
	}
	if err != nil {
		h.Logger.Error("PAYMENT", fmt.Sprintf("Failed to load payment %s: %v", paymentID, err))
		_ = utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Failed to load payment", "internal error"))
		return
	}

	_ = utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Payment retrieved", p))
}

// StreamPaymentEvents holds an SSE stream open until the payment resolves.
func (h *Handler) StreamPaymentEvents(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// subscribe before registering so an immediate delivery has somewhere to land
	channelID := uuid.New().String()
	events := h.Streams.Subscribe(ctx, channelID)

	if _, err := h.Service.Watch(ctx, paymentID, channelID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "Payment not found", http.StatusNotFound)
			return
		}
		h.Logger.Error("SSE", fmt.Sprintf("Failed to watch payment %s: %v", paymentID, err))
		http.Error(w, "Failed to watch payment", http.StatusInternalServerError)
		return
	}
	defer h.Service.Unwatch(context.WithoutCancel(ctx), paymentID, channelID)

	setupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "event: connected\ndata: {\"payment_id\":%q}\n\n", paymentID)
	flusher.Flush()

	h.Logger.Info("SSE", fmt.Sprintf("Client %s watching payment %s", channelID, paymentID))

	keepAlive := time.NewTicker(h.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				h.Logger.Debug("SSE", fmt.Sprintf("Stream %s closed", channelID))
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				h.Logger.Error("SSE", fmt.Sprintf("Failed to serialize payment event: %v", err))
				return
			}
			fmt.Fprintf(w, "event: payment\ndata: %s\n\n", data)
			flusher.Flush()
			h.Logger.LogPayment("PUSHED", paymentID, string(event.Status))
			return

		case <-keepAlive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()

		case <-ctx.Done():
			h.Logger.Debug("SSE", fmt.Sprintf("Client %s disconnected from payment %s", channelID, paymentID))
			return
		}
	}
}

// PaypackWebhook receives gateway callbacks. The body is read untouched
// because the signature covers the exact bytes sent.
func (h *Handler) PaypackWebhook(w http.ResponseWriter, r *http.Request) {
	rawBody, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.Logger.Warn("WEBHOOK", fmt.Sprintf("Failed to read webhook body: %v", err))
		http.Error(w, "Invalid webhook payload", http.StatusBadRequest)
		return
	}

	p, err := h.Service.HandleWebhook(r.Context(), r.Header.Get(h.SignatureHeader), rawBody)
	if err != nil {
		var whErr *payment.WebhookError
		if errors.As(err, &whErr) {
			h.Logger.Warn("WEBHOOK", whErr.InternalError)
			http.Error(w, whErr.PublicError, whErr.StatusCode)
			return
		}
		h.Logger.Error("WEBHOOK", fmt.Sprintf("Webhook processing error: %v", err))
		http.Error(w, "Webhook processing error", http.StatusInternalServerError)
		return
	}

	_ = utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Webhook processed", map[string]interface{}{
		"payment_id": p.ID,
		"status":     p.Status,
	}))
}

// Health reports database reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.HealthCheck(r.Context()); err != nil {
		h.Logger.Error("HEALTH", fmt.Sprintf("Health check failed: %v", err))
		_ = utils.WriteJSON(w, http.StatusServiceUnavailable, utils.ErrorResponse("Unhealthy", "database unreachable"))
		return
	}
	_ = utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("OK", nil))
}

func (h *Handler) logAPI(r *http.Request, status int, start time.Time) {
	h.Logger.LogAPI(r.Method, r.URL.Path, strconv.Itoa(status), time.Since(start).String())
}

func setupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, max-age=0, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
