package households

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to create a new mock service
func newMockService(t *testing.T) (*PostgresService, sqlmock.Sqlmock, *sql.DB) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return NewPostgresService(db), mock, db
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("attaches owner", func(t *testing.T) {
		service, mock, db := newMockService(t)
		defer db.Close()
		now := time.Now()

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO households").
			WithArgs("Keluarga Santoso", int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(3, now, now))
		mock.ExpectExec("UPDATE users SET household_id").
			WithArgs(int64(3), int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		h, err := service.Create(ctx, 7, "  Keluarga Santoso ")
		require.NoError(t, err)
		assert.Equal(t, int64(3), h.ID)
		assert.Equal(t, "Keluarga Santoso", h.Name)
		assert.Equal(t, int64(7), h.OwnerID)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("owner already in a household", func(t *testing.T) {
		service, mock, db := newMockService(t)
		defer db.Close()
		now := time.Now()

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO households").
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(4, now, now))
		mock.ExpectExec("UPDATE users SET household_id").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT household_id FROM users WHERE id = \\$1").
			WithArgs(int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"household_id"}).AddRow(1))
		mock.ExpectRollback()

		_, err := service.Create(ctx, 7, "Second")
		assert.ErrorIs(t, err, ErrAlreadyInHousehold)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty name", func(t *testing.T) {
		service, _, db := newMockService(t)
		defer db.Close()

		_, err := service.Create(ctx, 7, "   ")
		assert.Error(t, err)
	})
}

func TestAddMember_UnknownUser(t *testing.T) {
	service, mock, db := newMockService(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE users SET household_id").
		WithArgs(int64(1), int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT household_id FROM users").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"household_id"}))
	mock.ExpectRollback()

	err := service.AddMember(context.Background(), 1, 42)
	assert.ErrorIs(t, err, ErrUserNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet(t *testing.T) {
	service, mock, db := newMockService(t)
	defer db.Close()
	now := time.Now()

	t.Run("found", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM households WHERE id = \\$1").
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "owner_id", "created_at", "updated_at"}).
				AddRow(1, "Rumah", 7, now, now))

		h, err := service.Get(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, "Rumah", h.Name)
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM households WHERE id = \\$1").
			WithArgs(int64(2)).
			WillReturnError(sql.ErrNoRows)

		_, err := service.Get(context.Background(), 2)
		assert.ErrorIs(t, err, ErrHouseholdNotFound)
	})

	t.Run("database error", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM households").
			WillReturnError(errors.New("connection refused"))

		_, err := service.Get(context.Background(), 3)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to get household")
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListMembers(t *testing.T) {
	service, mock, db := newMockService(t)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM users u JOIN households h").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email", "is_owner"}).
			AddRow(7, "Budi", "budi@example.com", true).
			AddRow(8, "Sari", "sari@example.com", false))

	members, err := service.ListMembers(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.True(t, members[0].IsOwner)
	assert.Equal(t, "sari@example.com", members[1].Email)
	require.NoError(t, mock.ExpectationsWereMet())
}
