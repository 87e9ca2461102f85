package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govcast/internal/model"
)

func TestRebindDollar(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y IN ($2,$3)", rebindDollar("SELECT a FROM t WHERE x = ? AND y IN (?,?)"))
	assert.Equal(t, "SELECT 1", rebindDollar("SELECT 1"))
}

func TestPostgresUpdateBroadcastStale(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgres(db)
	b := sampleBroadcast("b-pg")
	b.Version = 3

	mock.ExpectExec(regexp.QuoteMeta("UPDATE broadcasts SET")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			"b-pg", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	rows := sqlmock.NewRows([]string{"id", "tenant_id", "content_id", "channels", "criteria", "scheduled_at", "timezone",
		"recurrence", "status", "series_id", "failure_reason", "created_by", "created_at", "updated_at", "started_at",
		"finished_at", "version"}).
		AddRow("b-pg", "tenant-a", "content-1", `["sms"]`, `{}`, t0.UnixMilli(), "UTC", "", "executing", "", "", "",
			t0.UnixMilli(), t0.UnixMilli(), t0.UnixMilli(), 0, 4)
	mock.ExpectQuery(regexp.QuoteMeta("FROM broadcasts WHERE id = $1")).WithArgs("b-pg").WillReturnRows(rows)

	_, err = s.UpdateBroadcast(context.Background(), b)
	assert.ErrorIs(t, err, ErrStale)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetTaskNotFound(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE broadcast_id = $1 AND channel = $2 AND recipient_id = $3")).
		WithArgs("b1", "sms", "r1").
		WillReturnRows(sqlmock.NewRows([]string{"broadcast_id"}))

	_, err = NewPostgres(db).GetTask(context.Background(), model.TaskKey{BroadcastID: "b1", Channel: model.ChannelSMS, RecipientID: "r1"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertTasksCountsCreatedRows(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO delivery_tasks"))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	n, err := NewPostgres(db).InsertTasks(context.Background(), []model.DeliveryTask{
		sampleTask("b1", "sms", "1"),
		sampleTask("b1", "sms", "1"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertTasksRollsBackOnError(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO delivery_tasks"))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	n, err := NewPostgres(db).InsertTasks(context.Background(), []model.DeliveryTask{
		sampleTask("b1", "sms", "1"),
		sampleTask("b1", "sms", "2"),
	})
	require.Error(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
