// Package pgstore persists sessions in Postgres through database/sql and the
// pgx driver. The one-active-session-per-room guard is the partial unique
// index created by the database migrations.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"broadcast-orchestrator/internal/session"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

const selectColumns = `session_id, room_id, channel_id, user_id, status, passthrough,
	live_stream_id, egress_id, config, provider_status,
	created_at, updated_at, started_at, stopped_at, version`

// Store implements session.Store on a sessions table.
type Store struct {
	db *sql.DB
}

// New returns a Store using db. The schema must already be migrated.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert implements session.Store.Insert.
func (s *Store) Insert(ctx context.Context, sess *session.Session) error {
	cfg, status, err := encodeMaps(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO sessions (`+selectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		sess.SessionID, sess.RoomID, sess.ChannelID, sess.UserID, string(sess.Status), sess.Passthrough,
		sess.Runtime.LiveStreamID, sess.Runtime.EgressID, cfg, status,
		sess.CreatedAt, sess.UpdatedAt, nullTime(sess.StartedAt), nullTime(sess.StoppedAt), sess.Version,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return &session.Error{Err: session.ErrConflict, SessionID: sess.SessionID, RoomID: sess.RoomID}
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get implements session.Store.Get.
func (s *Store) Get(ctx context.Context, sessionID string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM sessions WHERE session_id = $1`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &session.Error{Err: session.ErrNotFound, SessionID: sessionID}
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return sess, nil
}

// FindActiveByRoom implements session.Store.FindActiveByRoom.
func (s *Store) FindActiveByRoom(ctx context.Context, roomID string) ([]*session.Session, error) {
	return s.query(ctx, `SELECT `+selectColumns+` FROM sessions
		WHERE room_id = $1 AND status IN ('idle', 'ready', 'publishing', 'live', 'ending')
		ORDER BY created_at DESC, session_id DESC`, roomID)
}

// FindLatestByRoom implements session.Store.FindLatestByRoom.
func (s *Store) FindLatestByRoom(ctx context.Context, roomID string) (*session.Session, error) {
	found, err := s.query(ctx, `SELECT `+selectColumns+` FROM sessions
		WHERE room_id = $1 ORDER BY created_at DESC, session_id DESC LIMIT 1`, roomID)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, &session.Error{Err: session.ErrNotFound, RoomID: roomID}
	}
	return found[0], nil
}

// FindByPassthrough implements session.Store.FindByPassthrough.
func (s *Store) FindByPassthrough(ctx context.Context, token string) ([]*session.Session, error) {
	return s.query(ctx, `SELECT `+selectColumns+` FROM sessions
		WHERE passthrough = $1 ORDER BY created_at DESC, session_id DESC`, token)
}

// FindByLiveStreamID implements session.Store.FindByLiveStreamID.
func (s *Store) FindByLiveStreamID(ctx context.Context, liveStreamID string) ([]*session.Session, error) {
	if liveStreamID == "" {
		return nil, nil
	}
	return s.query(ctx, `SELECT `+selectColumns+` FROM sessions
		WHERE live_stream_id = $1 ORDER BY created_at DESC, session_id DESC`, liveStreamID)
}

// CompareAndSwap implements session.Store.CompareAndSwap.
func (s *Store) CompareAndSwap(ctx context.Context, next *session.Session, expected session.Status) error {
	cfg, status, err := encodeMaps(next)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET
		status = $3, live_stream_id = $4, egress_id = $5, config = $6, provider_status = $7,
		updated_at = $8, started_at = $9, stopped_at = $10, version = $11
		WHERE session_id = $1 AND status = $2`,
		next.SessionID, string(expected),
		string(next.Status), next.Runtime.LiveStreamID, next.Runtime.EgressID, cfg, status,
		next.UpdatedAt, nullTime(next.StartedAt), nullTime(next.StoppedAt), next.Version,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return &session.Error{Err: session.ErrConflict, SessionID: next.SessionID, RoomID: next.RoomID}
		}
		return fmt.Errorf("update session %s: %w", next.SessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session %s: %w", next.SessionID, err)
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM sessions WHERE session_id = $1)`, next.SessionID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check session %s: %w", next.SessionID, err)
	}
	if !exists {
		return &session.Error{Err: session.ErrNotFound, SessionID: next.SessionID}
	}
	return &session.Error{Err: session.ErrConcurrentModification, SessionID: next.SessionID, From: expected, To: next.Status}
}

// CountActive implements session.Store.CountActive.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM sessions
		WHERE status IN ('idle', 'ready', 'publishing', 'live', 'ending')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*session.Session, error) {
	var (
		sess               session.Session
		status             string
		cfg, providerState []byte
		started, stopped   sql.NullTime
	)
	err := sc.Scan(
		&sess.SessionID, &sess.RoomID, &sess.ChannelID, &sess.UserID, &status, &sess.Passthrough,
		&sess.Runtime.LiveStreamID, &sess.Runtime.EgressID, &cfg, &providerState,
		&sess.CreatedAt, &sess.UpdatedAt, &started, &stopped, &sess.Version,
	)
	if err != nil {
		return nil, err
	}
	sess.Status = session.Status(status)
	if sess.Config, err = decodeMap(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if sess.ProviderStatus, err = decodeMap(providerState); err != nil {
		return nil, fmt.Errorf("decode provider_status: %w", err)
	}
	if started.Valid {
		t := started.Time.UTC()
		sess.StartedAt = &t
	}
	if stopped.Valid {
		t := stopped.Time.UTC()
		sess.StoppedAt = &t
	}
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.UpdatedAt = sess.UpdatedAt.UTC()
	return &sess, nil
}

func encodeMaps(sess *session.Session) (cfg, status []byte, err error) {
	if cfg, err = encodeMap(sess.Config); err != nil {
		return nil, nil, fmt.Errorf("encode config: %w", err)
	}
	if status, err = encodeMap(sess.ProviderStatus); err != nil {
		return nil, nil, fmt.Errorf("encode provider_status: %w", err)
	}
	return cfg, status, nil
}

func encodeMap(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func decodeMap(b []byte) (map[string]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
