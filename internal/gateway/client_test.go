package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"ms-momo/internal/auth"
	"ms-momo/internal/config"
	"ms-momo/internal/logger"
	"ms-momo/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTokens struct {
	token       string
	err         error
	invalidated atomic.Int32
}

func (s *staticTokens) Token(ctx context.Context) (string, error) {
	return s.token, s.err
}

func (s *staticTokens) Invalidate(ctx context.Context) {
	s.invalidated.Add(1)
}

func testConfig(baseURL string) config.GatewayConfig {
	return config.GatewayConfig{
		BaseURL: baseURL,
		Credentials: config.Credentials{
			ClientID:      "client-id",
			ClientSecret:  "client-secret",
			WebhookSecret: "webhook-secret",
		},
		MinAmount:   100,
		Timeout:     2 * time.Second,
		WebhookMode: "production",
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc, tokens TokenSource) (*Client, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	return NewClient(testConfig(srv.URL), logger.NewNop(), WithTokenSource(tokens)), &hits
}

func TestCashin_ValidationBeforeNetwork(t *testing.T) {
	tests := []struct {
		name    string
		phone   string
		amount  float64
		message string
	}{
		{"amount below minimum", "0781234567", 99, "amount too small"},
		{"zero amount", "0781234567", 0, "amount too small"},
		{"negative amount", "0781234567", -500, "amount too small"},
		{"too short", "078123456", 500, "bad phone format"},
		{"unknown prefix", "0711234567", 500, "bad phone format"},
		{"international format", "+250781234567", 500, "bad phone format"},
		{"letters", "07812345ab", 500, "bad phone format"},
		{"empty", "", 500, "bad phone format"},
	}

	tokens := &staticTokens{token: "tok"}
	client, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request to %s", r.URL.Path)
	}, tokens)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := client.Cashin(context.Background(), tt.phone, tt.amount)

			assert.Nil(t, res)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.message, vErr.Message)
		})
	}
	assert.Equal(t, int32(0), hits.Load(), "no network call on invalid input")
}

func TestCashin_Success(t *testing.T) {
	tokens := &staticTokens{token: "bearer-123"}
	client, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, cashinPath, r.URL.Path)
		assert.Equal(t, "Bearer bearer-123", r.Header.Get("Authorization"))
		assert.Equal(t, "production", r.Header.Get("X-Webhook-Mode"))

		var req models.CashinRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 500.0, req.Amount)
		assert.Equal(t, "0781234567", req.Number)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ref":"abc123","status":"pending","amount":500,"provider":"mtn","kind":"CASHIN","created_at":"2025-06-01T12:00:00.123456Z"}`))
	}, tokens)

	res, err := client.Cashin(context.Background(), "0781234567", 500)
	require.NoError(t, err)

	assert.Equal(t, "abc123", res.ExternalRef)
	assert.Equal(t, "pending", res.Status)
	assert.Equal(t, 500.0, res.Amount)
	assert.Equal(t, "mtn", res.Provider)
	assert.Equal(t, 2025, res.CreatedAt.Year())
	assert.Equal(t, int32(1), hits.Load())
}

func TestCashin_ProviderErrorCarriesUpstreamDetails(t *testing.T) {
	tokens := &staticTokens{token: "tok"}
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"insufficient agent balance"}`))
	}, tokens)

	_, err := client.Cashin(context.Background(), "0721234567", 1000)

	var pErr *ProviderError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, http.StatusUnprocessableEntity, pErr.StatusCode)
	assert.Equal(t, "insufficient agent balance", pErr.Message)
	assert.Contains(t, pErr.Body, "insufficient agent balance")
	assert.Equal(t, int32(0), tokens.invalidated.Load())
}

func TestCashin_ProviderErrorWithoutJSONBody(t *testing.T) {
	tokens := &staticTokens{token: "tok"}
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}, tokens)

	_, err := client.Cashin(context.Background(), "0791234567", 1000)

	var pErr *ProviderError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, http.StatusBadGateway, pErr.StatusCode)
	assert.Equal(t, "Bad Gateway", pErr.Message)
	assert.Equal(t, "upstream down", pErr.Body)
}

func TestCashin_UnauthorizedInvalidatesToken(t *testing.T) {
	tokens := &staticTokens{token: "expired"}
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"token expired"}`))
	}, tokens)

	_, err := client.Cashin(context.Background(), "0781234567", 500)

	var pErr *ProviderError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, "token expired", pErr.Message)
	assert.Equal(t, int32(1), tokens.invalidated.Load())
}

func TestCashin_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := NewClient(testConfig(url), logger.NewNop(), WithTokenSource(&staticTokens{token: "tok"}))
	_, err := client.Cashin(context.Background(), "0781234567", 500)

	var pErr *ProviderError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, 0, pErr.StatusCode)
}

func TestCashin_TokenErrors(t *testing.T) {
	authErr := &AuthError{StatusCode: http.StatusUnauthorized, Message: "bad credentials"}
	client, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {}, &staticTokens{err: authErr})

	_, err := client.Cashin(context.Background(), "0781234567", 500)
	var got *AuthError
	require.ErrorAs(t, err, &got)
	assert.Same(t, authErr, got)

	client.SetTokenSource(&staticTokens{err: errors.New("refresh timed out")})
	_, err = client.Cashin(context.Background(), "0781234567", 500)
	assert.ErrorIs(t, err, ErrInternal)
	assert.Equal(t, int32(0), hits.Load())
}

func TestCashin_CallerCancellationDoesNotAbortUpstream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		cancel()
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte(`{"ref":"r-1","status":"pending","amount":500,"provider":"airtel"}`))
	}, &staticTokens{token: "tok"})

	res, err := client.Cashin(ctx, "0731234567", 500)
	require.NoError(t, err)
	assert.Equal(t, "r-1", res.ExternalRef)
}

func TestCashin_MalformedResponse(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	}, &staticTokens{token: "tok"})

	_, err := client.Cashin(context.Background(), "0781234567", 500)
	assert.ErrorIs(t, err, ErrInternal)
}

func TestAuthenticate_Success(t *testing.T) {
	expires := time.Now().Add(15 * time.Minute).Unix()
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, authorizePath, r.URL.Path)

		var req models.AuthorizeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "client-id", req.ClientID)
		assert.Equal(t, "client-secret", req.ClientSecret)

		_ = json.NewEncoder(w).Encode(models.AuthorizeResponse{Access: "access-1", Refresh: "refresh-1", Expires: expires})
	}, nil)

	tok, err := client.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.Value)
	assert.Equal(t, expires, tok.ExpiresAt.Unix())
}

func TestAuthenticate_FallsBackToJWTExpiry(t *testing.T) {
	exp := time.Now().Add(10 * time.Minute).Truncate(time.Second)
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).
		SignedString([]byte("gateway"))
	require.NoError(t, err)

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(models.AuthorizeResponse{Access: access})
	}, nil)

	tok, err := client.Authenticate(context.Background())
	require.NoError(t, err)
	assert.True(t, exp.Equal(tok.ExpiresAt))
}

func TestAuthenticate_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantAuth bool
	}{
		{"rejected credentials", http.StatusUnauthorized, `{"message":"invalid client"}`, true},
		{"forbidden", http.StatusForbidden, ``, true},
		{"missing access token", http.StatusOK, `{"access":"","expires":1}`, true},
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}, nil)

			_, err := client.Authenticate(context.Background())
			require.Error(t, err)

			var aErr *AuthError
			var pErr *ProviderError
			if tt.wantAuth {
				assert.ErrorAs(t, err, &aErr)
			} else {
				assert.ErrorAs(t, err, &pErr)
			}
		})
	}
}

func TestClientWithTokenManager(t *testing.T) {
	var authCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case authorizePath:
			authCalls.Add(1)
			_ = json.NewEncoder(w).Encode(models.AuthorizeResponse{
				Access:  "live-token",
				Expires: time.Now().Add(time.Hour).Unix(),
			})
		case cashinPath:
			if r.Header.Get("Authorization") != "Bearer live-token" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"ref":"abc123","status":"pending","amount":500,"provider":"mtn"}`))
		}
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), logger.NewNop())
	client.SetTokenSource(auth.NewTokenManager(client, logger.NewNop()))

	for i := 0; i < 3; i++ {
		res, err := client.Cashin(context.Background(), "0781234567", 500)
		require.NoError(t, err)
		assert.Equal(t, "abc123", res.ExternalRef)
	}
	assert.Equal(t, int32(1), authCalls.Load())
}
