package households

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/kantong-id/kantong/pkg/database"
)

// PostgresService stores households in PostgreSQL
type PostgresService struct {
	db *sql.DB
}

// NewPostgresService creates a new PostgresService
func NewPostgresService(db *sql.DB) *PostgresService {
	return &PostgresService{db: db}
}

// Create inserts a household and attaches ownerID to it
func (s *PostgresService) Create(ctx context.Context, ownerID int64, name string) (*Household, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("household name is required")
	}

	h := &Household{Name: name, OwnerID: ownerID}
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO households (name, owner_id)
			VALUES ($1, $2)
			RETURNING id, created_at, updated_at
		`, h.Name, h.OwnerID).Scan(&h.ID, &h.CreatedAt, &h.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create household: %w", err)
		}
		return attach(ctx, tx, h.ID, ownerID)
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// AddMember attaches an existing user to a household
func (s *PostgresService) AddMember(ctx context.Context, householdID, userID int64) error {
	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		return attach(ctx, tx, householdID, userID)
	})
}

func attach(ctx context.Context, tx database.DBTX, householdID, userID int64) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE users SET household_id = $1, updated_at = NOW()
		WHERE id = $2 AND household_id IS NULL
	`, householdID, userID)
	if err != nil {
		return fmt.Errorf("failed to attach user to household: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to attach user to household: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var existing sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT household_id FROM users WHERE id = $1`, userID).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check user household: %w", err)
	}
	return ErrAlreadyInHousehold
}

// Get retrieves a household by id
func (s *PostgresService) Get(ctx context.Context, id int64) (*Household, error) {
	h := &Household{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_id, created_at, updated_at
		FROM households
		WHERE id = $1
	`, id).Scan(&h.ID, &h.Name, &h.OwnerID, &h.CreatedAt, &h.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHouseholdNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get household: %w", err)
	}
	return h, nil
}

// ListMembers returns the users attached to a household, owner first
func (s *PostgresService) ListMembers(ctx context.Context, householdID int64) ([]*Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.name, u.email, u.id = h.owner_id AS is_owner
		FROM users u
		JOIN households h ON h.id = u.household_id
		WHERE u.household_id = $1
		ORDER BY is_owner DESC, u.id ASC
	`, householdID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	members := []*Member{}
	for rows.Next() {
		m := &Member{}
		if err := rows.Scan(&m.UserID, &m.Name, &m.Email, &m.IsOwner); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	return members, nil
}
