package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	backend, err := NewSQLiteBackend(path)
	require.NoError(t, err)

	ctx := context.Background()
	l, err := Open(ctx, "session-1", backend, Options{})
	require.NoError(t, err)

	var lastHash string
	for i := 0; i < 4; i++ {
		e, err := l.Append(ctx, TypeSampleIngested, map[string]any{"n": i})
		require.NoError(t, err)
		lastHash = e.ThisHash
	}
	require.NoError(t, l.Verify(0, -1))
	require.NoError(t, l.Close())

	reopened, err := NewSQLiteBackend(path)
	require.NoError(t, err)
	l2, err := Open(ctx, "session-1", reopened, Options{})
	require.NoError(t, err)
	defer func() { _ = l2.Close() }()

	assert.Equal(t, 4, l2.Len())
	assert.Equal(t, lastHash, l2.Head())
	require.NoError(t, l2.Verify(0, -1))
}

func TestSQLiteBackendPersistFailureIsErrWrite(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	backend := NewSQLBackend(db)

	ctx := context.Background()
	mock.ExpectQuery("SELECT sequence").WillReturnRows(sqlmock.NewRows(
		[]string{"sequence", "timestamp", "entry_type", "session", "payload", "payload_hash", "prev_hash", "this_hash"}))
	l, err := Open(ctx, "session-1", backend, Options{})
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	mock.ExpectExec("INSERT INTO ledger_entries").
		WillReturnError(errors.New("disk I/O error"))
	_, err = l.Append(ctx, TypeSampleIngested, map[string]any{"module": "rf"})
	require.ErrorIs(t, err, ErrWrite)
	assert.Equal(t, 0, l.Len())
}

func TestSQLiteBackendLoadFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	backend := NewSQLBackend(db)

	mock.ExpectQuery("SELECT sequence").WillReturnError(errors.New("table locked"))
	_, err = Open(context.Background(), "session-1", backend, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load ledger")
}
