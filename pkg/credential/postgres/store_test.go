package postgres

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telegrid/sessioncore/pkg/credential"
)

var credColumns = []string{
	"owner_id", "dc_id", "api_id", "test_mode", "auth_key", "date", "user_id", "is_bot",
}

func testKey() []byte {
	key := make([]byte, credential.AuthKeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func testCredential(ownerID int64) *credential.Credential {
	return &credential.Credential{
		OwnerID: ownerID,
		DCID:    4,
		APIID:   1234,
		AuthKey: testKey(),
		Date:    1700000000,
		UserID:  ownerID,
	}
}

func TestCreate_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	c := testCredential(42)

	mock.ExpectExec("INSERT INTO session_credentials").WithArgs(
		c.OwnerID, c.DCID, c.APIID, c.TestMode, c.AuthKey, c.Date, c.UserID, c.IsBot,
	).WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.Create(context.Background(), c)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_ConflictIsNoOp(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	c := testCredential(42)

	// ON CONFLICT DO NOTHING reports zero affected rows.
	mock.ExpectExec("INSERT INTO session_credentials").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.Create(context.Background(), c)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_RejectsInvalid(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	c := testCredential(42)
	c.DCID = 0

	err = store.Create(context.Background(), c)
	assert.Error(t, err)
}

func TestCreate_DBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectExec("INSERT INTO session_credentials").
		WillReturnError(errors.New("connection refused"))

	err = store.Create(context.Background(), testCredential(42))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "inserting credential")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_Found(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	c := testCredential(42)

	rows := sqlmock.NewRows(credColumns).AddRow(
		c.OwnerID, c.DCID, c.APIID, c.TestMode, c.AuthKey, c.Date, c.UserID, c.IsBot,
	)
	mock.ExpectQuery("SELECT .+ FROM session_credentials").WithArgs(int64(42)).WillReturnRows(rows)

	got, err := store.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.OwnerID)
	assert.Equal(t, 4, got.DCID)
	assert.Len(t, got.AuthKey, credential.AuthKeySize)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectQuery("SELECT .+ FROM session_credentials").WithArgs(int64(404)).
		WillReturnRows(sqlmock.NewRows(credColumns))

	_, err = store.Get(context.Background(), 404)
	assert.ErrorIs(t, err, credential.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExists(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectQuery("SELECT EXISTS").WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := store.Exists(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAll(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	a := testCredential(1)
	b := testCredential(2)

	rows := sqlmock.NewRows(credColumns).
		AddRow(a.OwnerID, a.DCID, a.APIID, a.TestMode, a.AuthKey, a.Date, a.UserID, a.IsBot).
		AddRow(b.OwnerID, b.DCID, b.APIID, b.TestMode, b.AuthKey, b.Date, b.UserID, b.IsBot)
	mock.ExpectQuery("SELECT .+ FROM session_credentials").WillReturnRows(rows)

	all, err := store.All(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, int64(1), all[0].OwnerID)
	assert.Equal(t, int64(2), all[1].OwnerID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectExec("DELETE FROM session_credentials").WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.Delete(context.Background(), 42)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInterfaceCompliance(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var _ credential.Store = New(db)
}
