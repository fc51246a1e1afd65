package storage

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	logx "taskwarden/pkg/logx"
)

func newMockPostgres(t *testing.T) (*sqlStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return newSQLStore(db, postgresDialect, logx.Nop()), mock
}

func TestPostgresFindPending(t *testing.T) {
	st, mock := newMockPostgres(t)
	now := time.UnixMilli(1_700_000_000_000)

	mock.ExpectQuery(regexp.QuoteMeta(postgresDialect.findPending)).
		WithArgs("pending", now.UnixMilli()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "expires_at"}).
			AddRow("a", "pending", now.Add(-time.Minute).UnixMilli()).
			AddRow("b", "pending", now.UnixMilli()))

	got, err := st.FindPendingBeforeExpiry(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].ID)
	require.True(t, got[1].ExpiresAt.Equal(now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBulkTransitionUsesArray(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE tasks SET status = $1 WHERE status = $2 AND id = ANY($3)`)).
		WithArgs("expired", "pending", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := st.BulkTransition(context.Background(), []string{"a", "b", "a", ""}, StatusExpired)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBulkTransitionEmptyIsNoop(t *testing.T) {
	st, mock := newMockPostgres(t)
	n, err := st.BulkTransition(context.Background(), nil, StatusExpired)
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCountByStatus(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta(postgresDialect.count)).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("pending", 2).
			AddRow("expired", 5).
			AddRow("completed", 7).
			AddRow("not_active", 1).
			AddRow("archived", 9))

	c, err := st.CountByStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, Counts{Pending: 2, Completed: 7, Expired: 5, NotActive: 1, Total: 15}, c)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueryErrorIsWrapped(t *testing.T) {
	st, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta(postgresDialect.count)).WillReturnError(context.DeadlineExceeded)

	_, err := st.CountByStatus(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Contains(t, err.Error(), "count tasks")
}
