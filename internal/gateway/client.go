package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ms-momo/internal/auth"
	"ms-momo/internal/config"
	"ms-momo/internal/logger"
	"ms-momo/internal/metrics"
	"ms-momo/internal/models"
)

const (
	authorizePath     = "/auth/agents/authorize"
	cashinPath        = "/transactions/cashin"
	webhookModeHeader = "X-Webhook-Mode"

	// upstream bodies kept on errors are cut to this size
	maxErrorBody = 4 << 10
)

// TokenSource supplies bearer tokens for gateway calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate(ctx context.Context)
}

// Client talks to the mobile-money gateway. It never touches local payment state.
type Client struct {
	cfg        config.GatewayConfig
	httpClient *http.Client
	tokens     TokenSource
	log        *logger.Logger
	metrics    *metrics.Metrics
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithTokenSource(tokens TokenSource) Option {
	return func(c *Client) { c.tokens = tokens }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func NewClient(cfg config.GatewayConfig, log *logger.Logger, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetTokenSource attaches the token manager after construction; the manager
// itself authenticates through this client.
func (c *Client) SetTokenSource(tokens TokenSource) {
	c.tokens = tokens
}

// Authenticate exchanges the client credentials for a bearer token.
func (c *Client) Authenticate(ctx context.Context) (auth.Token, error) {
	reqBody := models.AuthorizeRequest{
		ClientID:     c.cfg.Credentials.ClientID,
		ClientSecret: c.cfg.Credentials.ClientSecret,
	}

	status, body, err := c.post(ctx, "authorize", authorizePath, reqBody, nil)
	if err != nil {
		return auth.Token{}, err
	}

	switch {
	case status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden:
		c.log.LogGateway("AUTHORIZE_REJECTED", fmt.Sprintf("status %d", status))
		return auth.Token{}, &AuthError{StatusCode: status, Message: upstreamMessage(body, http.StatusText(status))}
	case status < 200 || status > 299:
		return auth.Token{}, providerError(status, body)
	}

	var resp models.AuthorizeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return auth.Token{}, internalError("decode authorize response", err)
	}
	if resp.Access == "" {
		return auth.Token{}, &AuthError{StatusCode: status, Message: "no access token in response"}
	}

	expiresAt := time.Unix(resp.Expires, 0)
	if resp.Expires == 0 {
		exp, err := auth.ExpiryFromJWT(resp.Access)
		if err != nil {
			return auth.Token{}, &AuthError{StatusCode: status, Message: "token expiry unknown", Err: err}
		}
		expiresAt = exp
	}

	return auth.Token{Value: resp.Access, ExpiresAt: expiresAt}, nil
}

// Cashin asks the gateway to push a payment prompt to phoneNumber.
// The upstream call is not cancelled when ctx is; the client timeout bounds it.
func (c *Client) Cashin(ctx context.Context, phoneNumber string, amount float64) (*models.CashinResult, error) {
	phoneNumber = strings.TrimSpace(phoneNumber)
	if err := ValidateCashin(phoneNumber, amount, c.cfg.MinAmount); err != nil {
		return nil, err
	}
	if c.tokens == nil {
		return nil, internalError("cashin", errors.New("no token source configured"))
	}

	ctx = context.WithoutCancel(ctx)

	token, err := c.tokens.Token(ctx)
	if err != nil {
		var authErr *AuthError
		var provErr *ProviderError
		if errors.As(err, &authErr) || errors.As(err, &provErr) || errors.Is(err, ErrInternal) {
			return nil, err
		}
		return nil, internalError("obtain token", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)
	mode := c.cfg.WebhookMode
	if mode == "" {
		mode = "production"
	}
	headers.Set(webhookModeHeader, mode)

	reqBody := models.CashinRequest{Amount: amount, Number: phoneNumber}
	status, body, err := c.post(ctx, "cashin", cashinPath, reqBody, headers)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized {
		c.log.LogGateway("CASHIN_UNAUTHORIZED", "gateway rejected bearer token, invalidating cache")
		c.tokens.Invalidate(ctx)
	}
	if status < 200 || status > 299 {
		pe := providerError(status, body)
		c.log.LogGateway("CASHIN_FAILED", pe.Error())
		return nil, pe
	}

	var resp models.CashinResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, internalError("decode cashin response", err)
	}
	if resp.Ref == "" {
		return nil, &ProviderError{StatusCode: status, Message: "response carries no transaction ref", Body: truncate(body)}
	}

	createdAt, err := time.Parse(time.RFC3339Nano, resp.CreatedAt)
	if err != nil {
		createdAt = time.Now().UTC()
	}

	c.log.LogGateway("CASHIN_ACCEPTED", fmt.Sprintf("ref=%s provider=%s status=%s", resp.Ref, resp.Provider, resp.Status))
	return &models.CashinResult{
		ExternalRef: resp.Ref,
		Status:      resp.Status,
		Amount:      resp.Amount,
		Provider:    resp.Provider,
		CreatedAt:   createdAt,
	}, nil
}

// post sends a JSON body and returns the status and raw response body.
// Transport failures come back as *ProviderError.
func (c *Client) post(ctx context.Context, op, path string, payload interface{}, headers http.Header) (int, []byte, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, internalError("encode "+op+" request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return 0, nil, internalError("build "+op+" request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, vals := range headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveGatewayRequest(op, "transport_error", time.Since(start))
		c.log.LogGateway(strings.ToUpper(op)+"_TRANSPORT_ERROR", err.Error())
		return 0, nil, &ProviderError{Message: err.Error(), Err: err}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.log.Warn("GATEWAY", fmt.Sprintf("Error closing response body: %v", cerr))
		}
	}()

	body, err := io.ReadAll(resp.Body)
	c.metrics.ObserveGatewayRequest(op, statusClass(resp.StatusCode), time.Since(start))
	if err != nil {
		return 0, nil, &ProviderError{StatusCode: resp.StatusCode, Message: "failed to read response body", Err: err}
	}

	c.log.Debug("GATEWAY", fmt.Sprintf("%s %s -> %d", req.Method, path, resp.StatusCode))
	return resp.StatusCode, body, nil
}

func providerError(status int, body []byte) *ProviderError {
	return &ProviderError{
		StatusCode: status,
		Message:    upstreamMessage(body, http.StatusText(status)),
		Body:       truncate(body),
	}
}

// upstreamMessage pulls a readable message out of an error body.
func upstreamMessage(body []byte, fallback string) string {
	var eb models.GatewayErrorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		if eb.Message != "" {
			return eb.Message
		}
		if eb.Error != "" {
			return eb.Error
		}
	}
	if fallback == "" {
		return "unexpected gateway response"
	}
	return fallback
}

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody])
	}
	return string(body)
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}
