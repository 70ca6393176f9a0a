package storage

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db, "MTR001")

	rows := sqlmock.NewRows([]string{"value"}).AddRow([]byte{0, 0, 0, 42})
	mock.ExpectQuery(`SELECT value FROM attributes WHERE key = \$1`).
		WithArgs("MTR001/credit/0/amount").
		WillReturnRows(rows)

	v, err := s.Get("credit/0/amount")
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 42}, v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreGetMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db, "")

	mock.ExpectQuery(`SELECT value FROM attributes WHERE key = \$1`).
		WithArgs("credit/0/amount").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	_, err = s.Get("credit/0/amount")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStorePut(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db, "MTR001")

	mock.ExpectExec(`INSERT INTO attributes`).
		WithArgs("MTR001/account/status", []byte{1}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Put("account/status", []byte{1}))
	assert.NoError(t, mock.ExpectationsWereMet())
}
