package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/portfolio-briefing/internal/models"
)

// OwnerRepository reads the owners whose portfolios are briefed
type OwnerRepository struct {
	pool *pgxpool.Pool
}

// NewOwnerRepository creates a new owner repository
func NewOwnerRepository(pool *pgxpool.Pool) *OwnerRepository {
	return &OwnerRepository{pool: pool}
}

// ListActive returns active owners that have a brokerage access token
func (r *OwnerRepository) ListActive(ctx context.Context) ([]*models.Owner, error) {
	query := `
		SELECT id, email, is_active, access_token, created_at
		FROM owners
		WHERE is_active = TRUE AND access_token <> ''
		ORDER BY id
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active owners: %w", err)
	}
	defer rows.Close()

	owners := []*models.Owner{}
	for rows.Next() {
		var owner models.Owner
		if err := rows.Scan(&owner.ID, &owner.Email, &owner.Active, &owner.AccessToken, &owner.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan owner: %w", err)
		}
		owners = append(owners, &owner)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating owner rows: %w", err)
	}

	return owners, nil
}

// GetByID returns one owner, or nil when it does not exist
func (r *OwnerRepository) GetByID(ctx context.Context, id string) (*models.Owner, error) {
	query := `
		SELECT id, email, is_active, access_token, created_at
		FROM owners
		WHERE id = $1
	`

	var owner models.Owner
	err := r.pool.QueryRow(ctx, query, id).Scan(&owner.ID, &owner.Email, &owner.Active, &owner.AccessToken, &owner.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query owner %s: %w", id, err)
	}

	return &owner, nil
}
