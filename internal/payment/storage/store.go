package storage

import (
	"context"
	"errors"

	"ms-momo/internal/models"
)

var (
	ErrNotFound              = errors.New("payment not found")
	ErrInvalidTransition     = errors.New("invalid payment status transition")
	ErrExternalRefAlreadySet = errors.New("payment already has a different external reference")
)

type Store interface {
	// Payment operations
	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	GetPaymentByExternalRef(ctx context.Context, externalRef string) (*models.Payment, error)
	// SetExternalRef records the gateway reference once; setting the same value again is a no-op.
	SetExternalRef(ctx context.Context, id, externalRef, provider string) error
	// UpdateStatus moves a PENDING payment to a terminal status and returns the stored record.
	// Applying the status a payment already has is a no-op.
	UpdateStatus(ctx context.Context, id string, status models.PaymentStatus) (*models.Payment, error)

	// Health and maintenance
	HealthCheck(ctx context.Context) error
	Close() error
}
