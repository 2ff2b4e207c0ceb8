package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtroode/didkeeper/internal/model"
)

func newMockRepo(t *testing.T) (*KVRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewKVRepository(&Connection{DB: db}), mock
}

func TestKVRepository_Get(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(sqlmock.Sqlmock)
		want    []byte
		wantErr error
	}{
		{
			name: "found",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT value FROM kv WHERE key = $1`)).
					WithArgs("vault").
					WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte("sealed")))
			},
			want: []byte("sealed"),
		},
		{
			name: "absent",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT value FROM kv`).
					WithArgs("vault").
					WillReturnError(sql.ErrNoRows)
			},
			wantErr: model.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newMockRepo(t)
			tt.setup(mock)

			got, err := repo.Get(context.Background(), "vault")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestKVRepository_Get_DriverError(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`SELECT value FROM kv`).
		WithArgs("grants").
		WillReturnError(&pgconn.PgError{Code: "57P01", Message: "terminating connection"})

	_, err := repo.Get(context.Background(), "grants")
	require.Error(t, err)
	assert.NotErrorIs(t, err, model.ErrNotFound)
	assert.Contains(t, err.Error(), "57P01")
}

func TestKVRepository_Set(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(`INSERT INTO kv`).
		WithArgs("tokens/refresh/did:key:z1", []byte("r")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Set(context.Background(), "tokens/refresh/did:key:z1", []byte("r")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKVRepository_Set_Error(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(`INSERT INTO kv`).
		WithArgs("vault", []byte("x")).
		WillReturnError(assert.AnError)

	assert.ErrorIs(t, repo.Set(context.Background(), "vault", []byte("x")), assert.AnError)
}

func TestKVRepository_Remove(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM kv WHERE key = $1`)).
		WithArgs("grants").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Remove(context.Background(), "grants"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
