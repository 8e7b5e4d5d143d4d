package pgstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"broadcast-orchestrator/internal/session"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var columns = []string{
	"session_id", "room_id", "channel_id", "user_id", "status", "passthrough",
	"live_stream_id", "egress_id", "config", "provider_status",
	"created_at", "updated_at", "started_at", "stopped_at", "version",
}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return New(db), mock
}

func sampleSession() *session.Session {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &session.Session{
		SessionID:   "se_1",
		RoomID:      "ro_1",
		ChannelID:   "ch_1",
		UserID:      "u_1",
		Status:      session.StatusReady,
		Passthrough: "ro_1|ch_1|se_1",
		Config:      map[string]string{"latency": "low"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
}

func rowValues(s *session.Session, started any) []driver.Value {
	return []driver.Value{
		s.SessionID, s.RoomID, s.ChannelID, s.UserID, string(s.Status), s.Passthrough,
		s.Runtime.LiveStreamID, s.Runtime.EgressID, []byte(`{"latency":"low"}`), []byte(`{}`),
		s.CreatedAt, s.UpdatedAt, started, nil, s.Version,
	}
}

func TestInsert(t *testing.T) {
	store, mock := newMock(t)
	s := sampleSession()

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs(s.SessionID, s.RoomID, s.ChannelID, s.UserID, "ready", s.Passthrough,
			"", "", []byte(`{"latency":"low"}`), []byte(`{}`),
			sqlmock.AnyArg(), sqlmock.AnyArg(), nil, nil, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Insert(context.Background(), s))
}

func TestInsert_unique_violation_is_conflict(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec("INSERT INTO sessions").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "sessions_one_active_per_room"})

	err := store.Insert(context.Background(), sampleSession())
	assert.ErrorIs(t, err, session.ErrConflict)
}

func TestInsert_other_error(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec("INSERT INTO sessions").WillReturnError(errors.New("connection reset"))

	err := store.Insert(context.Background(), sampleSession())
	require.Error(t, err)
	assert.NotErrorIs(t, err, session.ErrConflict)
}

func TestGet(t *testing.T) {
	store, mock := newMock(t)
	s := sampleSession()
	started := s.CreatedAt.Add(time.Minute)

	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE session_id = \\$1").
		WithArgs("se_1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(rowValues(s, started)...))

	got, err := store.Get(context.Background(), "se_1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusReady, got.Status)
	assert.Equal(t, "low", got.Config["latency"])
	assert.Nil(t, got.ProviderStatus)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(started))
	assert.Nil(t, got.StoppedAt)
}

func TestGet_not_found(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE session_id").
		WithArgs("se_missing").
		WillReturnRows(sqlmock.NewRows(columns))

	_, err := store.Get(context.Background(), "se_missing")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestFindLatestByRoom(t *testing.T) {
	store, mock := newMock(t)
	s := sampleSession()

	mock.ExpectQuery("ORDER BY created_at DESC, session_id DESC LIMIT 1").
		WithArgs("ro_1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(rowValues(s, nil)...))
	mock.ExpectQuery("ORDER BY created_at DESC, session_id DESC LIMIT 1").
		WithArgs("ro_2").
		WillReturnRows(sqlmock.NewRows(columns))

	got, err := store.FindLatestByRoom(context.Background(), "ro_1")
	require.NoError(t, err)
	assert.Equal(t, "se_1", got.SessionID)

	_, err = store.FindLatestByRoom(context.Background(), "ro_2")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestFindActiveByRoom(t *testing.T) {
	store, mock := newMock(t)
	a, b := sampleSession(), sampleSession()
	b.SessionID = "se_2"

	mock.ExpectQuery("WHERE room_id = \\$1 AND status IN").
		WithArgs("ro_1").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(rowValues(b, nil)...).
			AddRow(rowValues(a, nil)...))

	got, err := store.FindActiveByRoom(context.Background(), "ro_1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "se_2", got[0].SessionID)
}

func TestFindByLiveStreamID_empty_id(t *testing.T) {
	store, _ := newMock(t)

	got, err := store.FindByLiveStreamID(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCompareAndSwap(t *testing.T) {
	s := sampleSession()
	next := s.Clone()
	next.Status = session.StatusPublishing
	next.Runtime.LiveStreamID = "ls_1"
	next.Version = 2

	t.Run("applied", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectExec("UPDATE sessions SET").
			WithArgs("se_1", "ready", "publishing", "ls_1", "", sqlmock.AnyArg(), sqlmock.AnyArg(),
				sqlmock.AnyArg(), nil, nil, int64(2)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.CompareAndSwap(context.Background(), next, session.StatusReady))
	})

	t.Run("status moved", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectExec("UPDATE sessions SET").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").WithArgs("se_1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		err := store.CompareAndSwap(context.Background(), next, session.StatusReady)
		assert.ErrorIs(t, err, session.ErrConcurrentModification)
	})

	t.Run("missing", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectExec("UPDATE sessions SET").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").WithArgs("se_1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		err := store.CompareAndSwap(context.Background(), next, session.StatusReady)
		assert.ErrorIs(t, err, session.ErrNotFound)
	})
}

func TestCountActive(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM sessions").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := store.CountActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
