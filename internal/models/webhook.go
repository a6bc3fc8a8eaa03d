package models

// WebhookTransaction is the transaction part of a gateway callback.
type WebhookTransaction struct {
	Ref         string  `json:"ref"`
	Status      string  `json:"status"`
	Kind        string  `json:"kind,omitempty"`
	Amount      float64 `json:"amount,omitempty"`
	Fee         float64 `json:"fee,omitempty"`
	Provider    string  `json:"provider,omitempty"`
	Client      string  `json:"client,omitempty"`
	CreatedAt   string  `json:"created_at,omitempty"`
	ProcessedAt string  `json:"processed_at,omitempty"`
}

// WebhookPayload accepts both the flat callback form and the
// {event_kind, data:{...}} envelope.
type WebhookPayload struct {
	EventID   string              `json:"event_id,omitempty"`
	EventKind string              `json:"event_kind,omitempty"`
	Data      *WebhookTransaction `json:"data,omitempty"`

	WebhookTransaction
}

// Transaction returns the enveloped transaction when present, the flat fields otherwise.
func (p *WebhookPayload) Transaction() WebhookTransaction {
	if p.Data != nil && p.Data.Ref != "" {
		return *p.Data
	}
	return p.WebhookTransaction
}
