package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ms-momo/internal/config"
	"ms-momo/internal/logger"
	"ms-momo/internal/models"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

type BunStore struct {
	db  *bun.DB
	log *logger.Logger
}

// NewBunStore wraps an existing bun connection.
func NewBunStore(db *bun.DB, log *logger.Logger) *BunStore {
	return &BunStore{db: db, log: log}
}

// OpenPostgres connects to PostgreSQL, retrying a few times while the database starts.
func OpenPostgres(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*bun.DB, error) {
	var sqldb *sql.DB
	var err error
	maxRetries := 5

	for i := 0; i < maxRetries; i++ {
		log.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, maxRetries))
		sqldb, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			log.Error("DATABASE", fmt.Sprintf("Failed to open PostgreSQL: %v", err))
			time.Sleep(2 * time.Second)
			continue
		}

		err = sqldb.PingContext(ctx)
		if err == nil {
			break
		}

		log.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		sqldb.Close()
		if i < maxRetries-1 {
			time.Sleep(2 * time.Second)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL after %d attempts: %w", maxRetries, err)
	}

	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.MaxLifetime)

	log.Info("DATABASE", "PostgreSQL connection successful")
	return bun.NewDB(sqldb, pgdialect.New()), nil
}

func (s *BunStore) CreatePayment(ctx context.Context, payment *models.Payment) error {
	if payment.ID == "" {
		payment.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	payment.Status = models.StatusPending
	payment.ExternalRef = nil
	payment.CreatedAt = now
	payment.UpdatedAt = now

	if _, err := s.db.NewInsert().Model(payment).Exec(ctx); err != nil {
		s.log.Error("DATABASE", fmt.Sprintf("Failed to save payment %s: %v", payment.ID, err))
		return fmt.Errorf("failed to save payment: %w", err)
	}

	s.log.LogDatabase("INSERT", "payments", fmt.Sprintf("Payment %s created as PENDING", payment.ID))
	return nil
}

func (s *BunStore) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.NewSelect().
		Model(&payment).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return &payment, nil
}

func (s *BunStore) GetPaymentByExternalRef(ctx context.Context, externalRef string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.NewSelect().
		Model(&payment).
		Where("external_ref = ?", externalRef).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.log.LogDatabase("NOT_FOUND", "payments", fmt.Sprintf("No payment with external ref %s", externalRef))
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get payment by external ref: %w", err)
	}
	return &payment, nil
}

func (s *BunStore) SetExternalRef(ctx context.Context, id, externalRef, provider string) error {
	if externalRef == "" {
		return errors.New("external ref must not be empty")
	}

	res, err := s.db.NewUpdate().
		Model((*models.Payment)(nil)).
		Set("external_ref = ?", externalRef).
		Set("provider = ?", provider).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Where("external_ref IS NULL").
		Exec(ctx)
	if err != nil {
		s.log.Error("DATABASE", fmt.Sprintf("Failed to set external ref on payment %s: %v", id, err))
		return fmt.Errorf("failed to set external ref: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 1 {
		s.log.LogDatabase("UPDATE", "payments", fmt.Sprintf("Payment %s linked to external ref %s", id, externalRef))
		return nil
	}

	current, err := s.GetPayment(ctx, id)
	if err != nil {
		return err
	}
	if current.ExternalRef != nil && *current.ExternalRef == externalRef {
		return nil
	}
	return ErrExternalRefAlreadySet
}

func (s *BunStore) UpdateStatus(ctx context.Context, id string, status models.PaymentStatus) (*models.Payment, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("%w: target %s is not terminal", ErrInvalidTransition, status)
	}

	res, err := s.db.NewUpdate().
		Model((*models.Payment)(nil)).
		Set("status = ?", status).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Where("status = ?", models.StatusPending).
		Exec(ctx)
	if err != nil {
		s.log.Error("DATABASE", fmt.Sprintf("Failed to update payment %s status: %v", id, err))
		return nil, fmt.Errorf("failed to update payment status: %w", err)
	}

	current, err := s.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}

	if n, err := res.RowsAffected(); err == nil && n == 1 {
		s.log.LogDatabase("UPDATE", "payments", fmt.Sprintf("Payment %s moved to %s", id, status))
		return current, nil
	}
	if current.Status == status {
		return current, nil
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
}

func (s *BunStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *BunStore) Close() error {
	s.log.LogDatabase("CLOSE", "payments", "Closing database connection")
	return s.db.Close()
}
