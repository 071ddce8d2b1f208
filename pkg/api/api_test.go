package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteProblem_ContentTypeAndShape(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteValidationFailure(rec, "bad envelope", []string{"actor: required"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var p ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "Validation Failed", p.Title)
	assert.Equal(t, CodeValidationFailure, p.Code)
	assert.NotEmpty(t, p.Type)
}

func TestWriteDependencyUnavailable_RetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteDependencyUnavailable(rec, 10)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("Retry-After"))
}

func TestMemoryIdempotencyStore_FirstWriteWins(t *testing.T) {
	s := NewMemoryIdempotencyStore(0)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, CachedDecision{
		IntentID: "intent-1", BodyHash: "sha256:aa", StatusCode: 200, Body: []byte(`{"first":true}`),
	}))
	require.NoError(t, s.Put(ctx, CachedDecision{
		IntentID: "intent-1", BodyHash: "sha256:bb", StatusCode: 200, Body: []byte(`{"second":true}`),
	}))

	dec, ok, err := s.Get(ctx, "intent-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sha256:aa", dec.BodyHash)
	assert.JSONEq(t, `{"first":true}`, string(dec.Body))
}

func TestMemoryIdempotencyStore_TTLExpiry(t *testing.T) {
	s := NewMemoryIdempotencyStore(time.Minute)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, CachedDecision{IntentID: "intent-1", BodyHash: "sha256:aa"}))

	_, ok, err := s.Get(ctx, "intent-1")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, err = s.Get(ctx, "intent-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresIdempotencyStore_GetAndPut(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cachedAt := time.Now().UTC()
	mock.ExpectExec(`INSERT INTO intent_decisions`).
		WithArgs("intent-1", "sha256:aa", 200, []byte(`{}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT intent_id, body_hash, status_code, body, cached_at FROM intent_decisions`).
		WithArgs("intent-1").
		WillReturnRows(sqlmock.NewRows([]string{"intent_id", "body_hash", "status_code", "body", "cached_at"}).
			AddRow("intent-1", "sha256:aa", 200, []byte(`{}`), cachedAt))

	s := NewPostgresIdempotencyStore(db, time.Hour)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, CachedDecision{IntentID: "intent-1", BodyHash: "sha256:aa", StatusCode: 200, Body: []byte(`{}`)}))

	dec, ok, err := s.Get(ctx, "intent-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sha256:aa", dec.BodyHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChannelAuth_RoundTrip(t *testing.T) {
	auth := NewChannelAuth([]byte("test-secret"), "sentinel")

	token, err := auth.IssueToken("chat-adapter-1", time.Minute)
	require.NoError(t, err)

	channelID, err := auth.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "chat-adapter-1", channelID)

	_, err = auth.Verify(token + "x")
	assert.Error(t, err)

	other := NewChannelAuth([]byte("other-secret"), "sentinel")
	_, err = other.Verify(token)
	assert.Error(t, err)
}

func TestChannelAuth_Middleware(t *testing.T) {
	auth := NewChannelAuth([]byte("test-secret"), "sentinel")
	token, err := auth.IssueToken("chat-adapter-1", time.Minute)
	require.NoError(t, err)

	var gotChannel string
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotChannel, _ = ChannelFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	// No token.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/intents", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid token.
	req := httptest.NewRequest(http.MethodPost, "/intents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "chat-adapter-1", gotChannel)
}

func TestRateLimiter_Blocks(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	defer rl.Close()

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, http.StatusNoContent, codes[0])
	assert.Equal(t, http.StatusNoContent, codes[1])
	assert.Contains(t, codes[2:], http.StatusTooManyRequests)

	// A different client gets its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
