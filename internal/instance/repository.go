package instance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	pkgerrors "waflow/pkg/errors"
)

type Repository interface {
	// FindByIDOrBrokerID matches either the storage id or the broker id.
	FindByIDOrBrokerID(ctx context.Context, identifier string) (*Mapping, error)
	Create(ctx context.Context, mapping *Mapping) error
	UpdateBrokerID(ctx context.Context, id, brokerID string) error
}

type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) FindByIDOrBrokerID(ctx context.Context, identifier string) (*Mapping, error) {
	query := `
		SELECT id, tenant_id, broker_id, created_at, updated_at
		FROM instance_mappings
		WHERE id = $1 OR broker_id = $1
	`

	row := r.db.QueryRowContext(ctx, query, identifier)

	var m Mapping
	err := row.Scan(&m.ID, &m.TenantID, &m.BrokerID, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound.WithCause(err).WithDetail("message", fmt.Sprintf("instance %q not found", identifier))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find instance mapping: %w", err)
	}

	return &m, nil
}

func (r *PostgresRepository) Create(ctx context.Context, mapping *Mapping) error {
	if mapping.ID == "" {
		mapping.ID = uuid.New().String()
	}
	now := time.Now()
	mapping.CreatedAt = now
	mapping.UpdatedAt = now

	query := `
		INSERT INTO instance_mappings (id, tenant_id, broker_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.db.ExecContext(ctx, query,
		mapping.ID, mapping.TenantID, mapping.BrokerID, mapping.CreatedAt, mapping.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create instance mapping: %w", err)
	}

	return nil
}

func (r *PostgresRepository) UpdateBrokerID(ctx context.Context, id, brokerID string) error {
	query := `
		UPDATE instance_mappings
		SET broker_id = $2, updated_at = $3
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id, brokerID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update instance broker id: %w", err)
	}

	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		return pkgerrors.ErrNotFound.WithDetail("message", fmt.Sprintf("instance %q not found", id))
	}

	return nil
}
