package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aureus-labs/sentinel/pkg/contracts"
)

func openStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, s Store, actor string, base time.Time, execs []Execution) {
	t.Helper()
	for i, ex := range execs {
		ex.Actor = actor
		if ex.Timestamp.IsZero() {
			ex.Timestamp = base.Add(time.Duration(i) * time.Second)
		}
		require.NoError(t, s.Record(context.Background(), ex))
	}
}

func TestProfiler_TrustFormula(t *testing.T) {
	s := openStore(t)
	base := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)

	// 8/10 approved, 6/10 low risk:
	// trust = 0.7*0.8 + 0.3*0.6 = 0.74
	var execs []Execution
	for i := 0; i < 10; i++ {
		execs = append(execs, Execution{
			Tool:     "web_search",
			Risk:     contracts.RiskLow,
			Approved: true,
		})
	}
	execs[0].Approved = false
	execs[1].Approved = false
	for i := 6; i < 10; i++ {
		execs[i].Risk = contracts.RiskMedium
	}
	seed(t, s, "user:alice", base, execs)

	p := NewProfiler(s)
	profile, err := p.RiskProfile(context.Background(), "user:alice")
	require.NoError(t, err)
	assert.Equal(t, 10, profile.TotalExecutions)
	assert.InDelta(t, 0.8, profile.ApprovalRate, 1e-9)
	assert.InDelta(t, 0.74, profile.TrustScore, 1e-9)
	assert.Equal(t, 6, profile.RiskDistribution[contracts.RiskLow])
	assert.Equal(t, 4, profile.RiskDistribution[contracts.RiskMedium])
	assert.Contains(t, profile.CommonTools, "web_search")
}

func TestProfiler_NoHistoryIsNeutral(t *testing.T) {
	p := NewProfiler(openStore(t))
	profile, err := p.RiskProfile(context.Background(), "user:nobody")
	require.NoError(t, err)
	assert.Zero(t, profile.TotalExecutions)
	assert.InDelta(t, 0.5, profile.TrustScore, 1e-9)
	assert.Empty(t, profile.CommonTools)
}

func TestProfiler_CommonToolsOrderedByUsage(t *testing.T) {
	s := openStore(t)
	base := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)

	var execs []Execution
	for i := 0; i < 5; i++ {
		execs = append(execs, Execution{Tool: "web_search", Risk: contracts.RiskLow, Approved: true})
	}
	for i := 0; i < 3; i++ {
		execs = append(execs, Execution{Tool: "read_file", Risk: contracts.RiskLow, Approved: true})
	}
	execs = append(execs, Execution{Tool: "delete_data", Risk: contracts.RiskHigh, Approved: false})
	seed(t, s, "user:alice", base, execs)

	p := NewProfiler(s)
	profile, err := p.RiskProfile(context.Background(), "user:alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"web_search", "read_file"}, profile.CommonTools)
}

func TestProfiler_RapidRequestsFlag(t *testing.T) {
	s := openStore(t)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	// 11 executions inside the last minute trips the >10/min threshold.
	for i := 0; i < 11; i++ {
		require.NoError(t, s.Record(context.Background(), Execution{
			Actor:     "user:bob",
			Tool:      "web_search",
			Risk:      contracts.RiskLow,
			Approved:  true,
			Timestamp: now.Add(-time.Duration(i) * time.Second),
		}))
	}

	p := NewProfiler(s, WithClock(func() time.Time { return now }))
	snap, err := p.Snapshot(context.Background(), contracts.Intent{Actor: "user:bob", Tool: "web_search"})
	require.NoError(t, err)
	assert.True(t, snap.Flags.RapidRequests)
	assert.True(t, snap.Flags.Suspicious)
	assert.Equal(t, 11, snap.RecentWindow)
}

func TestProfiler_HighRejectionRateFlag(t *testing.T) {
	s := openStore(t)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	// 3 of 4 recent executions rejected: >50%.
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Record(context.Background(), Execution{
			Actor:     "user:carol",
			Tool:      "send_email",
			Risk:      contracts.RiskMedium,
			Approved:  i == 0,
			Timestamp: now.Add(-time.Duration(i+2) * time.Minute),
		}))
	}

	p := NewProfiler(s, WithClock(func() time.Time { return now }))
	snap, err := p.Snapshot(context.Background(), contracts.Intent{Actor: "user:carol", Tool: "send_email"})
	require.NoError(t, err)
	assert.True(t, snap.Flags.HighRejectionRate)
	assert.False(t, snap.Flags.RapidRequests)
	assert.True(t, snap.Flags.Suspicious)
}

func TestProfiler_ManyHighRiskFlag(t *testing.T) {
	s := openStore(t)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Record(context.Background(), Execution{
			Actor:     "user:dave",
			Tool:      "delete_data",
			Risk:      contracts.RiskHigh,
			Approved:  true,
			Timestamp: now.Add(-time.Duration(i+2) * time.Minute),
		}))
	}

	p := NewProfiler(s, WithClock(func() time.Time { return now }))
	snap, err := p.Snapshot(context.Background(), contracts.Intent{Actor: "user:dave", Tool: "delete_data"})
	require.NoError(t, err)
	assert.True(t, snap.Flags.ManyHighRisk)
	assert.True(t, snap.Flags.Suspicious)
}

func TestProfiler_QuietHistoryRaisesNoFlags(t *testing.T) {
	s := openStore(t)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Record(context.Background(), Execution{
			Actor:     "user:alice",
			Tool:      "web_search",
			Risk:      contracts.RiskLow,
			Approved:  true,
			Timestamp: now.Add(-time.Duration(i+2) * time.Minute),
		}))
	}

	p := NewProfiler(s, WithClock(func() time.Time { return now }))
	snap, err := p.Snapshot(context.Background(), contracts.Intent{Actor: "user:alice", Tool: "web_search"})
	require.NoError(t, err)
	assert.False(t, snap.Flags.Suspicious)
	assert.Equal(t, now, snap.DecisionTime)
	assert.NotEmpty(t, snap.SnapshotID)
}

func TestSQLiteStore_HistoryWindow(t *testing.T) {
	s := openStore(t)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	old := Execution{Actor: "user:alice", Tool: "web_search", Risk: contracts.RiskLow, Approved: true, Timestamp: now.Add(-time.Hour)}
	recent := Execution{Actor: "user:alice", Tool: "read_file", Risk: contracts.RiskLow, Approved: true, Timestamp: now.Add(-time.Minute)}
	require.NoError(t, s.Record(context.Background(), old))
	require.NoError(t, s.Record(context.Background(), recent))

	window, err := s.History(context.Background(), "user:alice", now.Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "read_file", window[0].Tool)

	all, err := s.All(context.Background(), "user:alice")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, "read_file", all[0].Tool) // newest first
}
