package models

import "time"

// AuthorizeRequest is the body of the agent authorize call.
type AuthorizeRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// AuthorizeResponse carries the bearer token. Expires is an absolute
// Unix timestamp, not a lifetime.
type AuthorizeResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
	Expires int64  `json:"expires"`
}

type CashinRequest struct {
	Amount float64 `json:"amount"`
	Number string  `json:"number"`
}

type CashinResponse struct {
	Ref       string  `json:"ref"`
	Status    string  `json:"status"`
	Amount    float64 `json:"amount"`
	Provider  string  `json:"provider"`
	Kind      string  `json:"kind"`
	CreatedAt string  `json:"created_at"`
}

// CashinResult is the gateway client's view of an accepted cash-in.
type CashinResult struct {
	ExternalRef string    `json:"external_ref"`
	Status      string    `json:"status"`
	Amount      float64   `json:"amount"`
	Provider    string    `json:"provider"`
	CreatedAt   time.Time `json:"created_at"`
}

// GatewayErrorBody is the shape of upstream error responses. Either field may be set.
type GatewayErrorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}
