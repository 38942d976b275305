package postgres

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telegrid/sessioncore/pkg/directory"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func peerRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"owner_id", "id", "access_hash", "type", "phone_number", "last_update_on",
	})
}

func TestOwnerExists(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT EXISTS").WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := store.OwnerExists(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPeerByID_Found(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT .+ FROM peers").WithArgs(int64(100), int64(42)).
		WillReturnRows(peerRows().AddRow(int64(42), int64(100), int64(7), "user", "15550001", int64(1700000000)))

	p, err := store.PeerByID(context.Background(), 42, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), p.ID)
	assert.Equal(t, directory.PeerTypeUser, p.Type)
	assert.Equal(t, "15550001", p.PhoneNumber)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPeerByID_NullPhone(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT .+ FROM peers").
		WillReturnRows(peerRows().AddRow(int64(42), int64(100), int64(7), "channel", nil, int64(1700000000)))

	p, err := store.PeerByID(context.Background(), 42, 100)
	require.NoError(t, err)
	assert.Empty(t, p.PhoneNumber)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPeerByID_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT .+ FROM peers").WillReturnRows(peerRows())

	_, err := store.PeerByID(context.Background(), 42, 404)
	assert.ErrorIs(t, err, directory.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPeerByUsername(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT .+ FROM peers p JOIN usernames u").
		WithArgs(int64(42), "alice").
		WillReturnRows(peerRows().AddRow(int64(42), int64(100), int64(7), "user", nil, int64(1700000000)))

	p, err := store.PeerByUsername(context.Background(), 42, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), p.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPeerByUsername_MixedCaseQueriesLowercase(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT .+ FROM peers p JOIN usernames u").
		WithArgs(int64(42), "alice").
		WillReturnRows(peerRows().AddRow(int64(42), int64(100), int64(7), "user", nil, int64(1700000000)))

	p, err := store.PeerByUsername(context.Background(), 42, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, int64(100), p.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPeerByUsername_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT .+ FROM peers p JOIN usernames u").WillReturnRows(peerRows())

	_, err := store.PeerByUsername(context.Background(), 42, "nobody")
	assert.ErrorIs(t, err, directory.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPeerByPhone(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT .+ FROM peers").
		WillReturnRows(peerRows().AddRow(int64(42), int64(100), int64(7), "user", "15550001", int64(1700000000)))

	p, err := store.PeerByPhone(context.Background(), 42, "15550001")
	require.NoError(t, err)
	assert.Equal(t, int64(100), p.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPeers(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO peers").WithArgs(
		int64(42), int64(100), int64(7), "user", "15550001", int64(1000),
		int64(42), int64(200), int64(8), "channel", nil, int64(2000),
	).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := store.UpsertPeers(context.Background(), []*directory.Peer{
		{OwnerID: 42, ID: 100, AccessHash: 7, Type: directory.PeerTypeUser, PhoneNumber: "15550001", LastUpdateOn: 1000},
		{OwnerID: 42, ID: 200, AccessHash: 8, Type: directory.PeerTypeChannel, LastUpdateOn: 2000},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPeers_Empty(t *testing.T) {
	store, mock := newMockStore(t)

	require.NoError(t, store.UpsertPeers(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPeers_RollbackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO peers").WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	err := store.UpsertPeers(context.Background(), []*directory.Peer{
		{OwnerID: 42, ID: 100, Type: directory.PeerTypeUser, LastUpdateOn: 1000},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upserting peers")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceUsernames(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM usernames").WithArgs(int64(42), int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO usernames").WithArgs(
		int64(42), int64(100), "alice",
		int64(42), int64(100), "alice_backup",
	).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := store.ReplaceUsernames(context.Background(), 42, map[int64][]string{
		100: {"alice", "alice_backup"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceUsernames_LowercasesHandles(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM usernames").WithArgs(int64(42), int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO usernames").WithArgs(
		int64(42), int64(100), "alice",
	).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.ReplaceUsernames(context.Background(), 42, map[int64][]string{
		100: {"Alice"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceUsernames_EmptySetDeletesOnly(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM usernames").WithArgs(int64(42), int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := store.ReplaceUsernames(context.Background(), 42, map[int64][]string{100: nil})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStates(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"owner_id", "id", "pts", "qts", "date", "seq"}).
		AddRow(int64(42), int64(1), int64(10), int64(0), int64(1000), int64(1)).
		AddRow(int64(42), int64(2), int64(20), int64(0), int64(2000), int64(2))
	mock.ExpectQuery("SELECT .+ FROM update_states").WithArgs(int64(42)).WillReturnRows(rows)

	states, err := store.States(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, int64(10), states[0].Pts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetState(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO update_states").WithArgs(
		int64(42), int64(1), int64(10), int64(0), int64(1000), int64(1),
	).WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.SetState(context.Background(), directory.UpdateState{
		OwnerID: 42, ID: 1, Pts: 10, Date: 1000, Seq: 1,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteState(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM update_states").WithArgs(int64(1), int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.DeleteState(context.Background(), 42, 1)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetIntField(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT dc_id FROM session_credentials").WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"dc_id"}).AddRow(int64(4)))

	v, err := store.GetIntField(context.Background(), 42, directory.FieldDCID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetIntField_UnknownOwner(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT dc_id FROM session_credentials").
		WillReturnRows(sqlmock.NewRows([]string{"dc_id"}))

	_, err := store.GetIntField(context.Background(), 99, directory.FieldDCID)
	assert.ErrorIs(t, err, directory.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetIntField(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE session_credentials SET api_id").WithArgs(int64(4321), int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.SetIntField(context.Background(), 42, directory.FieldAPIID, 4321)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBoolFields(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT is_bot FROM session_credentials").WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"is_bot"}).AddRow(true))
	mock.ExpectExec("UPDATE session_credentials SET test_mode").WithArgs(true, int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	v, err := store.GetBoolField(context.Background(), 42, directory.FieldIsBot)
	require.NoError(t, err)
	assert.True(t, v)

	require.NoError(t, store.SetBoolField(context.Background(), 42, directory.FieldTestMode, true))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthKey(t *testing.T) {
	store, mock := newMockStore(t)

	key := []byte{1, 2, 3}
	mock.ExpectQuery("SELECT auth_key FROM session_credentials").WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"auth_key"}).AddRow(key))
	mock.ExpectExec("UPDATE session_credentials SET auth_key").WithArgs(key, int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	got, err := store.AuthKey(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	require.NoError(t, store.SetAuthKey(context.Background(), 42, key))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteOwner(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM session_credentials").WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.DeleteOwner(context.Background(), 42)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVersion(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT number FROM schema_version").
		WillReturnRows(sqlmock.NewRows([]string{"number"}).AddRow(2))

	v, err := store.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetVersion(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO schema_version").WithArgs(2).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.SetVersion(context.Background(), 2)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
