package payment_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"ms-momo/internal/config"
	"ms-momo/internal/correlator"
	"ms-momo/internal/gateway"
	"ms-momo/internal/logger"
	"ms-momo/internal/models"
	"ms-momo/internal/payment"
	"ms-momo/internal/payment/storage"
	"ms-momo/internal/webhook"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

const webhookSecret = "whsec_test"

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Cashin(ctx context.Context, phone string, amount float64) (*models.CashinResult, error) {
	args := m.Called(ctx, phone, amount)
	if res := args.Get(0); res != nil {
		return res.(*models.CashinResult), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishJSON(ctx context.Context, topic, key string, v interface{}) error {
	return m.Called(ctx, topic, key, v).Error(0)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events map[string][]models.PaymentEvent
}

func (n *recordingNotifier) Notify(channelID string, event models.PaymentEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.events == nil {
		n.events = make(map[string][]models.PaymentEvent)
	}
	n.events[channelID] = append(n.events[channelID], event)
}

func (n *recordingNotifier) get(channelID string) []models.PaymentEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.PaymentEvent(nil), n.events[channelID]...)
}

type fixture struct {
	svc       *payment.Service
	store     *storage.BunStore
	gateway   *MockGateway
	publisher *MockPublisher
	notifier  *recordingNotifier
}

var topics = config.TopicConfig{
	PaymentSuccessful: "momo.payment.successful",
	PaymentFailed:     "momo.payment.failed",
}

func setupService(t *testing.T) *fixture {
	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	_, err = bunDB.NewCreateTable().Model((*models.Payment)(nil)).Exec(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { bunDB.Close() })

	log := logger.NewNop()
	store := storage.NewBunStore(bunDB, log)
	gw := new(MockGateway)
	pub := new(MockPublisher)
	notifier := &recordingNotifier{}
	corr := correlator.New(store, correlator.NewMemoryRegistry(), notifier, log, nil)

	svc := payment.NewService(store, gw, webhook.NewVerifier(webhookSecret), corr, log,
		payment.WithPublisher(pub, topics),
		payment.WithMinAmount(100),
	)
	return &fixture{svc: svc, store: store, gateway: gw, publisher: pub, notifier: notifier}
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (f *fixture) initiate(t *testing.T, ref string) string {
	t.Helper()
	f.gateway.On("Cashin", mock.Anything, "0781234567", 500.0).Return(&models.CashinResult{
		ExternalRef: ref,
		Status:      "pending",
		Amount:      500,
		Provider:    "mtn",
		CreatedAt:   time.Now(),
	}, nil).Once()

	resp, err := f.svc.Initiate(context.Background(), models.InitiatePaymentRequest{PhoneNumber: "0781234567", Amount: 500}, "user-1")
	require.NoError(t, err)
	return resp.PaymentID
}

func TestInitiate_LinksExternalRef(t *testing.T) {
	f := setupService(t)

	id := f.initiate(t, "abc123")

	p, err := f.store.GetPayment(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, p.Status)
	require.NotNil(t, p.ExternalRef)
	assert.Equal(t, "abc123", *p.ExternalRef)
	assert.Equal(t, "mtn", p.Provider)
	assert.Equal(t, "user-1", p.InitiatedBy)
	f.gateway.AssertExpectations(t)
}

func TestInitiate_ValidationSkipsStoreAndGateway(t *testing.T) {
	f := setupService(t)

	_, err := f.svc.Initiate(context.Background(), models.InitiatePaymentRequest{PhoneNumber: "0781234567", Amount: 50}, "")
	var vErr *gateway.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "amount too small", vErr.Message)

	_, err = f.svc.Initiate(context.Background(), models.InitiatePaymentRequest{PhoneNumber: "12345", Amount: 500}, "")
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "bad phone format", vErr.Message)

	f.gateway.AssertNotCalled(t, "Cashin", mock.Anything, mock.Anything, mock.Anything)
}

func TestInitiate_GatewayFailureLeavesPending(t *testing.T) {
	f := setupService(t)
	provErr := &gateway.ProviderError{StatusCode: http.StatusBadGateway, Message: "down"}
	f.gateway.On("Cashin", mock.Anything, "0781234567", 500.0).Return(nil, provErr).Once()

	_, err := f.svc.Initiate(context.Background(), models.InitiatePaymentRequest{PhoneNumber: "0781234567", Amount: 500}, "")

	var got *gateway.ProviderError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, http.StatusBadGateway, got.StatusCode)
}

func TestWebhook_SuccessfulNotifiesOnce(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	id := f.initiate(t, "abc123")

	_, err := f.svc.Watch(ctx, id, "chan-1")
	require.NoError(t, err)

	f.publisher.On("PublishJSON", mock.Anything, topics.PaymentSuccessful, id, mock.MatchedBy(func(ev models.PaymentOutcomeEvent) bool {
		return ev.PaymentID == id && ev.Status == models.StatusSuccessful && ev.ExternalRef == "abc123"
	})).Return(nil).Once()

	body := []byte(`{"ref":"abc123","status":"successful","kind":"CASHIN","amount":500}`)
	p, err := f.svc.HandleWebhook(ctx, sign(body), body)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccessful, p.Status)

	stored, err := f.store.GetPayment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccessful, stored.Status)
	assert.Equal(t, []models.PaymentEvent{{Status: models.StatusSuccessful}}, f.notifier.get("chan-1"))

	// a redelivery changes nothing and pushes nothing
	_, err = f.svc.HandleWebhook(ctx, sign(body), body)
	require.NoError(t, err)
	assert.Len(t, f.notifier.get("chan-1"), 1)
	f.publisher.AssertExpectations(t)
}

func TestWebhook_RejectedBecomesFailed(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	id := f.initiate(t, "abc123")
	f.publisher.On("PublishJSON", mock.Anything, topics.PaymentFailed, id, mock.Anything).Return(nil).Once()

	body := []byte(`{"event_kind":"transaction:processed","data":{"ref":"abc123","status":"rejected"}}`)
	_, err := f.svc.HandleWebhook(ctx, sign(body), body)
	require.NoError(t, err)

	stored, err := f.store.GetPayment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	f.publisher.AssertExpectations(t)
}

func TestWebhook_InvalidSignatureLeavesStatus(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	id := f.initiate(t, "abc123")

	body := []byte(`{"ref":"abc123","status":"successful"}`)
	for _, sig := range []string{"", "bm90LWEtc2lnbmF0dXJl", sign([]byte(`{"ref":"abc123","status":"failed"}`))} {
		_, err := f.svc.HandleWebhook(ctx, sig, body)

		var whErr *payment.WebhookError
		require.ErrorAs(t, err, &whErr)
		assert.Equal(t, http.StatusUnauthorized, whErr.StatusCode)
		assert.Equal(t, "Invalid webhook signature", whErr.PublicError)
		assert.ErrorIs(t, err, webhook.ErrInvalidSignature)
	}

	stored, err := f.store.GetPayment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	f.publisher.AssertNotCalled(t, "PublishJSON", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestWebhook_ErrorClassification(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	f.initiate(t, "abc123")
	f.publisher.On("PublishJSON", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	ok := []byte(`{"ref":"abc123","status":"successful"}`)
	_, err := f.svc.HandleWebhook(ctx, sign(ok), ok)
	require.NoError(t, err)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed json", `{"ref":`, http.StatusBadRequest},
		{"missing ref", `{"status":"successful"}`, http.StatusBadRequest},
		{"unknown ref", `{"ref":"nope","status":"successful"}`, http.StatusNotFound},
		{"conflicting outcome", `{"ref":"abc123","status":"failed"}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := []byte(tt.body)
			_, err := f.svc.HandleWebhook(ctx, sign(body), body)

			var whErr *payment.WebhookError
			require.ErrorAs(t, err, &whErr)
			assert.Equal(t, tt.status, whErr.StatusCode)
		})
	}
}

func TestWebhook_PublishFailureDoesNotFailWebhook(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	f.initiate(t, "abc123")
	f.publisher.On("PublishJSON", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down"))

	body := []byte(`{"ref":"abc123","status":"successful"}`)
	_, err := f.svc.HandleWebhook(ctx, sign(body), body)
	assert.NoError(t, err)
}

func TestWatch_AlreadyTerminalDeliversImmediately(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	id := f.initiate(t, "abc123")
	f.publisher.On("PublishJSON", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	body := []byte(`{"ref":"abc123","status":"successful"}`)
	_, err := f.svc.HandleWebhook(ctx, sign(body), body)
	require.NoError(t, err)

	p, err := f.svc.Watch(ctx, id, "late-chan")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccessful, p.Status)
	assert.Equal(t, []models.PaymentEvent{{Status: models.StatusSuccessful}}, f.notifier.get("late-chan"))
}

func TestWatch_UnknownPayment(t *testing.T) {
	f := setupService(t)

	_, err := f.svc.Watch(context.Background(), "missing", "chan")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestWatchRaceWithWebhookDeliversOnce(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	f.publisher.On("PublishJSON", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	for i := 0; i < 20; i++ {
		ref := "race-" + string(rune('a'+i))
		id := f.initiate(t, ref)
		channel := "chan-" + ref
		body := []byte(`{"ref":"` + ref + `","status":"successful"}`)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.svc.Watch(ctx, id, channel)
		}()
		go func() {
			defer wg.Done()
			_, _ = f.svc.HandleWebhook(ctx, sign(body), body)
		}()
		wg.Wait()

		assert.Len(t, f.notifier.get(channel), 1, "exactly one delivery for %s", ref)
	}
}
