package events

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"sqlite": sqlite,
		"memory": NewMemoryStore(),
	}
}

func TestStore_AppendAssignsIncreasingSeq(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 1; i <= 3; i++ {
				ev, err := s.Append(ctx, Event{
					Type:     TypeIntent,
					IntentID: "intent-1",
					Body:     json.RawMessage(`{"n":1}`),
				})
				require.NoError(t, err)
				assert.Equal(t, uint64(i), ev.Seq)
				assert.False(t, ev.Timestamp.IsZero())
			}
			last, err := s.LastSeq(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(3), last)
		})
	}
}

func TestStore_RangeFilters(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
			seed := []Event{
				{Type: TypeIntent, IntentID: "intent-1", Timestamp: now, Body: json.RawMessage(`{}`)},
				{Type: TypePlan, IntentID: "intent-1", PlanID: "plan-1", PolicyGen: 3, Timestamp: now, Body: json.RawMessage(`{}`)},
				{Type: TypeIntent, IntentID: "intent-2", Timestamp: now, Body: json.RawMessage(`{}`)},
				{Type: TypeApproval, IntentID: "intent-1", PlanID: "plan-1", Timestamp: now, Body: json.RawMessage(`{}`)},
			}
			for _, ev := range seed {
				_, err := s.Append(ctx, ev)
				require.NoError(t, err)
			}

			byIntent, err := s.ByIntent(ctx, "intent-1")
			require.NoError(t, err)
			require.Len(t, byIntent, 3)
			assert.Equal(t, TypeIntent, byIntent[0].Type)
			assert.Equal(t, TypeApproval, byIntent[2].Type)

			plans, err := s.Range(ctx, Query{Type: TypePlan})
			require.NoError(t, err)
			require.Len(t, plans, 1)
			assert.Equal(t, "plan-1", plans[0].PlanID)
			assert.Equal(t, uint64(3), plans[0].PolicyGen)

			after, err := s.Range(ctx, Query{AfterSeq: 2})
			require.NoError(t, err)
			assert.Len(t, after, 2)

			limited, err := s.Range(ctx, Query{IntentID: "intent-1", Limit: 2})
			require.NoError(t, err)
			assert.Len(t, limited, 2)
		})
	}
}

func TestStore_BodyRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			body := json.RawMessage(`{"tool":"web_search","params":{"q":"golang"}}`)
			ev, err := s.Append(ctx, Event{Type: TypeIntent, IntentID: "intent-1", Body: body})
			require.NoError(t, err)

			got, err := s.Range(ctx, Query{AfterSeq: ev.Seq - 1})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.JSONEq(t, string(body), string(got[0].Body))
		})
	}
}

func TestSQLiteStore_TimestampSurvivesRoundTrip(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	ts := time.Date(2026, 8, 24, 10, 30, 15, 123456789, time.UTC)
	_, err = s.Append(ctx, Event{Type: TypeReport, Timestamp: ts, Body: json.RawMessage(`{}`)})
	require.NoError(t, err)

	got, err := s.Range(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Timestamp.Equal(ts))
}
