// Package redisstore is a session.Store backed by Redis.
//
// Each session is a hash holding its status and JSON document. Secondary keys
// index sessions by room, passthrough and live stream id; the active session of
// a room is a pointer key maintained by the same Lua scripts that write the hash,
// so insert and compare-and-set are atomic. All keys share one hash tag and land
// in a single cluster slot.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"broadcast-orchestrator/internal/session"

	goredis "github.com/redis/go-redis/v9"
)

const defaultDialTimeout = 5 * time.Second

// Connect opens a single-node client from a redis:// URL and pings it.
func Connect(ctx context.Context, redisURL string) (*goredis.Client, error) {
	if redisURL == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Store implements session.Store on Redis.
type Store struct {
	client goredis.UniversalClient
	prefix string
}

// New returns a Store whose keys start with {prefix}.
func New(client goredis.UniversalClient, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

var _ session.Store = (*Store)(nil)

func (s *Store) keySession(id string) string {
	return fmt.Sprintf("{%s}:session:%s", s.prefix, id)
}

func (s *Store) keyRoomActive(roomID string) string {
	return fmt.Sprintf("{%s}:room:%s:active", s.prefix, roomID)
}

func (s *Store) keyRoomSessions(roomID string) string {
	return fmt.Sprintf("{%s}:room:%s:sessions", s.prefix, roomID)
}

func (s *Store) keyPassthrough(token string) string {
	return fmt.Sprintf("{%s}:passthrough:%s", s.prefix, token)
}

func (s *Store) keyStream(liveStreamID string) string {
	return fmt.Sprintf("{%s}:stream:%s", s.prefix, liveStreamID)
}

func (s *Store) keyActive() string {
	return fmt.Sprintf("{%s}:active", s.prefix)
}

// insertScript returns 1 on success, -1 when the id exists and -2 when the room
// already has an active session.
var insertScript = goredis.NewScript(`
if redis.call('exists', KEYS[1]) == 1 then
  return -1
end
if ARGV[4] == '1' then
  if redis.call('exists', KEYS[2]) == 1 then
    return -2
  end
  redis.call('set', KEYS[2], ARGV[1])
  redis.call('sadd', KEYS[5], ARGV[1])
end
redis.call('hset', KEYS[1], 'status', ARGV[2], 'doc', ARGV[3])
redis.call('zadd', KEYS[3], ARGV[5], ARGV[1])
redis.call('set', KEYS[4], ARGV[1])
if ARGV[6] ~= '' then
  redis.call('sadd', KEYS[6], ARGV[1])
end
return 1
`)

// casScript returns 1 on success, 0 when the session is missing and -1 when the
// stored status differs from the expected one.
var casScript = goredis.NewScript(`
local cur = redis.call('hget', KEYS[1], 'status')
if not cur then
  return 0
end
if cur ~= ARGV[1] then
  return -1
end
redis.call('hset', KEYS[1], 'status', ARGV[2], 'doc', ARGV[3])
if ARGV[5] == '1' then
  redis.call('set', KEYS[2], ARGV[4])
  redis.call('sadd', KEYS[3], ARGV[4])
else
  if redis.call('get', KEYS[2]) == ARGV[4] then
    redis.call('del', KEYS[2])
  end
  redis.call('srem', KEYS[3], ARGV[4])
end
if ARGV[6] ~= '' then
  redis.call('sadd', KEYS[4], ARGV[4])
end
return 1
`)

// Insert implements session.Store.Insert.
func (s *Store) Insert(ctx context.Context, sess *session.Session) error {
	doc, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	lsid := sess.Runtime.LiveStreamID
	keys := []string{
		s.keySession(sess.SessionID),
		s.keyRoomActive(sess.RoomID),
		s.keyRoomSessions(sess.RoomID),
		s.keyPassthrough(sess.Passthrough),
		s.keyActive(),
		s.keyStream(lsid),
	}
	res, err := insertScript.Run(ctx, s.client, keys,
		sess.SessionID, string(sess.Status), doc, flag(session.IsActive(sess.Status)),
		sess.CreatedAt.UnixMilli(), lsid,
	).Int64()
	if err != nil {
		return fmt.Errorf("redis insert session: %w", err)
	}
	switch res {
	case -1, -2:
		return &session.Error{Err: session.ErrConflict, SessionID: sess.SessionID, RoomID: sess.RoomID}
	}
	return nil
}

// Get implements session.Store.Get.
func (s *Store) Get(ctx context.Context, sessionID string) (*session.Session, error) {
	doc, err := s.client.HGet(ctx, s.keySession(sessionID), "doc").Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, &session.Error{Err: session.ErrNotFound, SessionID: sessionID}
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	var sess session.Session
	if err := json.Unmarshal(doc, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// FindActiveByRoom implements session.Store.FindActiveByRoom.
func (s *Store) FindActiveByRoom(ctx context.Context, roomID string) ([]*session.Session, error) {
	id, err := s.client.Get(ctx, s.keyRoomActive(roomID)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get active session: %w", err)
	}
	sess, err := s.Get(ctx, id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !session.IsActive(sess.Status) {
		return nil, nil
	}
	return []*session.Session{sess}, nil
}

// FindLatestByRoom implements session.Store.FindLatestByRoom.
func (s *Store) FindLatestByRoom(ctx context.Context, roomID string) (*session.Session, error) {
	ids, err := s.client.ZRevRange(ctx, s.keyRoomSessions(roomID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("redis latest session: %w", err)
	}
	if len(ids) == 0 {
		return nil, &session.Error{Err: session.ErrNotFound, RoomID: roomID}
	}
	return s.Get(ctx, ids[0])
}

// FindByPassthrough implements session.Store.FindByPassthrough.
func (s *Store) FindByPassthrough(ctx context.Context, token string) ([]*session.Session, error) {
	id, err := s.client.Get(ctx, s.keyPassthrough(token)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get passthrough: %w", err)
	}
	return s.getMany(ctx, []string{id})
}

// FindByLiveStreamID implements session.Store.FindByLiveStreamID.
func (s *Store) FindByLiveStreamID(ctx context.Context, liveStreamID string) ([]*session.Session, error) {
	if liveStreamID == "" {
		return nil, nil
	}
	ids, err := s.client.SMembers(ctx, s.keyStream(liveStreamID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get live stream: %w", err)
	}
	return s.getMany(ctx, ids)
}

// CompareAndSwap implements session.Store.CompareAndSwap.
func (s *Store) CompareAndSwap(ctx context.Context, next *session.Session, expected session.Status) error {
	doc, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	lsid := next.Runtime.LiveStreamID
	keys := []string{
		s.keySession(next.SessionID),
		s.keyRoomActive(next.RoomID),
		s.keyActive(),
		s.keyStream(lsid),
	}
	res, err := casScript.Run(ctx, s.client, keys,
		string(expected), string(next.Status), doc, next.SessionID,
		flag(session.IsActive(next.Status)), lsid,
	).Int64()
	if err != nil {
		return fmt.Errorf("redis compare-and-swap: %w", err)
	}
	switch res {
	case 0:
		return &session.Error{Err: session.ErrNotFound, SessionID: next.SessionID}
	case -1:
		return &session.Error{Err: session.ErrConcurrentModification, SessionID: next.SessionID, RoomID: next.RoomID, From: expected, To: next.Status}
	}
	return nil
}

// CountActive implements session.Store.CountActive.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	n, err := s.client.SCard(ctx, s.keyActive()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis count active: %w", err)
	}
	return int(n), nil
}

func (s *Store) getMany(ctx context.Context, ids []string) ([]*session.Session, error) {
	out := make([]*session.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if errors.Is(err, session.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	session.SortNewestFirst(out)
	return out, nil
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
