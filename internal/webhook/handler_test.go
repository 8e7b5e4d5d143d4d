package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"broadcast-orchestrator/internal/platform/logger"
	"broadcast-orchestrator/internal/session"
	"broadcast-orchestrator/internal/signature"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	apiKey    = "APIkey"
	apiSecret = "livekit-secret"
	muxSecret = "mux-secret"
)

type fixture struct {
	router *chi.Mux
	svc    *session.Service
	store  session.Store
}

func newFixture(t *testing.T, store session.Store, dedup Deduper) *fixture {
	t.Helper()
	if store == nil {
		store = session.NewInMemoryStore()
	}
	svc := session.NewService(store, logger.Nop())
	verifier := signature.NewVerifier(signature.Config{
		LiveKitAPIKey:    apiKey,
		LiveKitAPISecret: apiSecret,
		MuxSigningSecret: muxSecret,
	})
	h := NewHandler(svc, verifier, dedup, logger.Nop(), nil, 0)

	r := chi.NewRouter()
	r.Post("/webhooks/livekit", h.LiveKit)
	r.Post("/webhooks/mux", h.Mux)
	return &fixture{router: r, svc: svc, store: store}
}

func (f *fixture) postMux(t *testing.T, body []byte, header string) (int, Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/mux", bytes.NewReader(body))
	req.Header.Set("Mux-Signature", header)
	return f.do(t, req)
}

func (f *fixture) postLiveKit(t *testing.T, body []byte, token string) (int, Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/livekit", bytes.NewReader(body))
	req.Header.Set("Authorization", token)
	return f.do(t, req)
}

func (f *fixture) do(t *testing.T, req *http.Request) (int, Response) {
	t.Helper()
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	var resp Response
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	}
	return rec.Code, resp
}

func muxBody(t *testing.T, id, eventType, liveStreamID, passthrough string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"id":     id,
		"type":   eventType,
		"object": map[string]any{"type": "live_stream", "id": liveStreamID},
		"data":   map[string]any{"id": liveStreamID, "status": "active", "passthrough": passthrough},
	})
	require.NoError(t, err)
	return b
}

func liveKitBody(t *testing.T, id, event, room, identity string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"id":          id,
		"event":       event,
		"room":        map[string]any{"sid": "RM_1", "name": room},
		"participant": map[string]any{"sid": "PA_1", "identity": identity},
		"createdAt":   "1760000000",
	})
	require.NoError(t, err)
	return b
}

func TestLiveKit_participant_joined(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	s, err := f.svc.CreateSession(ctx, session.CreateParams{ChannelID: "ch_1", UserID: "host", RoomID: "ro_1"})
	require.NoError(t, err)

	body := liveKitBody(t, "EV_1", session.EventParticipantJoined, "ro_1", "host")
	token, err := signature.SignLiveKit(apiKey, apiSecret, body, time.Now(), time.Minute)
	require.NoError(t, err)

	code, resp := f.postLiveKit(t, body, "Bearer "+token)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Handled)
	assert.Equal(t, session.ReasonTransitioned, resp.Reason)
	assert.Equal(t, s.SessionID, resp.SessionID)

	got, err := f.svc.GetSession(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusReady, got.Status)
}

func TestLiveKit_bad_token_is_acknowledged(t *testing.T) {
	f := newFixture(t, nil, nil)
	body := liveKitBody(t, "EV_1", session.EventRoomFinished, "ro_1", "")
	token, err := signature.SignLiveKit(apiKey, "wrong", body, time.Now(), time.Minute)
	require.NoError(t, err)

	code, resp := f.postLiveKit(t, body, token)
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, resp.Handled)
	assert.Equal(t, "signature_invalid_signature", resp.Reason)
}

func TestMux_signature_and_tampering(t *testing.T) {
	f := newFixture(t, nil, nil)
	body := muxBody(t, "evt_1", session.EventStreamActive, "ls_1", "ro_1|ch|se")

	code, resp := f.postMux(t, body, signature.SignMux(muxSecret, body, time.Now()))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, session.ReasonSessionNotFound, resp.Reason)

	tampered := bytes.Replace(body, []byte("ls_1"), []byte("ls_2"), 2)
	code, resp = f.postMux(t, tampered, signature.SignMux(muxSecret, body, time.Now()))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "signature_invalid_signature", resp.Reason)

	code, resp = f.postMux(t, body, signature.SignMux(muxSecret, body, time.Now().Add(-10*time.Minute)))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "signature_timestamp_out_of_tolerance", resp.Reason)
}

func TestMux_malformed_payload(t *testing.T) {
	f := newFixture(t, nil, nil)
	body := []byte(`{"data":`)
	code, resp := f.postMux(t, body, signature.SignMux(muxSecret, body, time.Now()))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, reasonMalformedBody, resp.Reason)
}

func TestMux_lifecycle_with_redis_dedup(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	f := newFixture(t, nil, NewRedisDeduper(client, "test", time.Hour))
	ctx := context.Background()

	s, err := f.svc.CreateSession(ctx, session.CreateParams{ChannelID: "ch_1", UserID: "host", RoomID: "ro_1"})
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, session.Key{SessionID: s.SessionID}, session.StartParams{LiveStreamID: "ls_1"})
	require.NoError(t, err)

	body := muxBody(t, "evt_active", session.EventStreamActive, "ls_1", s.Passthrough)
	code, resp := f.postMux(t, body, signature.SignMux(muxSecret, body, time.Now()))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, session.ReasonTransitioned, resp.Reason)

	code, resp = f.postMux(t, body, signature.SignMux(muxSecret, body, time.Now()))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, session.ReasonDuplicateDelivery, resp.Reason)
	assert.True(t, mr.Exists("test:webhook:mux:evt_active"))

	got, err := f.svc.GetSession(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusLive, got.Status)
	assert.Equal(t, "active", got.ProviderStatus["mux"])
}

// brokenStore fails every read.
type brokenStore struct {
	*session.InMemoryStore
}

func (brokenStore) FindByPassthrough(context.Context, string) ([]*session.Session, error) {
	return nil, errors.New("connection refused")
}

func TestMux_store_failure_is_retryable(t *testing.T) {
	dedup := NewMemoryDeduper(time.Hour)
	f := newFixture(t, brokenStore{session.NewInMemoryStore()}, dedup)
	body := muxBody(t, "evt_1", session.EventStreamIdle, "ls_1", "ro_1|ch|se")

	code, _ := f.postMux(t, body, signature.SignMux(muxSecret, body, time.Now()))
	assert.Equal(t, http.StatusServiceUnavailable, code)

	// The claim was released so the provider's retry is processed again.
	claimed, err := dedup.Claim(context.Background(), "mux:evt_1")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestMux_body_too_large(t *testing.T) {
	store := session.NewInMemoryStore()
	svc := session.NewService(store, logger.Nop())
	verifier := signature.NewVerifier(signature.Config{MuxSigningSecret: muxSecret})
	h := NewHandler(svc, verifier, nil, logger.Nop(), nil, 16)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/mux", bytes.NewReader(bytes.Repeat([]byte("x"), 64)))
	rec := httptest.NewRecorder()
	h.Mux(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestMemoryDeduper_expiry(t *testing.T) {
	d := NewMemoryDeduper(time.Minute)
	now := time.Unix(1_760_000_000, 0)
	d.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := d.Claim(ctx, "a")
	assert.True(t, ok)
	ok, _ = d.Claim(ctx, "a")
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = d.Claim(ctx, "a")
	assert.True(t, ok, "expired claims can be taken again")
}

func TestMemoryDeduper_sweeps_once_per_ttl(t *testing.T) {
	d := NewMemoryDeduper(time.Minute)
	t0 := time.Unix(1_760_000_000, 0)
	now := t0
	d.now = func() time.Time { return now }
	ctx := context.Background()
	claim := func(at time.Duration, id string) bool {
		now = t0.Add(at)
		ok, err := d.Claim(ctx, id)
		require.NoError(t, err)
		return ok
	}

	require.True(t, claim(0, "a"))
	require.True(t, claim(30*time.Second, "b"))

	require.True(t, claim(61*time.Second, "c"))
	assert.NotContains(t, d.seen, "a", "first sweep after the interval")

	// "b" has expired but no sweep is due; the claim still succeeds.
	assert.True(t, claim(91*time.Second, "b"))
	assert.Len(t, d.seen, 2)

	require.True(t, claim(125*time.Second, "e"))
	assert.Len(t, d.seen, 2, "c swept, renewed b and e kept")
	assert.Contains(t, d.seen, "b")
}

func TestParseMux_object_fallback(t *testing.T) {
	ev, err := parseMux([]byte(`{"id":"e","type":"video.live_stream.idle","object":{"type":"live_stream","id":"ls_9"}}`), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "ls_9", ev.LiveStreamID)
	assert.Equal(t, session.ProviderMux, ev.Provider)

	_, err = parseMux([]byte(`{"id":"e"}`), time.Now())
	assert.ErrorIs(t, err, errMissingEventType)
}
