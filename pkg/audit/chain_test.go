package audit

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClock() func() time.Time {
	t := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func openTestChain(t *testing.T) (*Chain, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	c, err := Open(path, WithClock(testClock()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, path
}

func TestChain_AppendLinksEntries(t *testing.T) {
	c, _ := openTestChain(t)

	first, err := c.Append(Record{Action: ActionIntentReceived, IntentID: "intent-1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, GenesisHash, first.PreviousHash)
	assert.Len(t, first.Hash, 64)

	second, err := c.Append(Record{Action: ActionPlanGenerated, IntentID: "intent-1", PlanID: "plan-1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, first.Hash, second.PreviousHash)

	res, err := c.Verify()
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, uint64(2), res.Entries)
}

func TestChain_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	c, err := Open(path, WithClock(testClock()))
	require.NoError(t, err)
	var last Entry
	for i := 0; i < 5; i++ {
		last, err = c.Append(Record{Action: ActionIntentReceived, IntentID: "intent-1"})
		require.NoError(t, err)
	}
	require.NoError(t, c.Close())

	reopened, err := Open(path, WithClock(testClock()))
	require.NoError(t, err)
	defer reopened.Close()

	next, err := reopened.Append(Record{Action: ActionPlanGenerated, PlanID: "plan-1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(6), next.Seq)
	assert.Equal(t, last.Hash, next.PreviousHash)
}

func TestChain_TamperDetection(t *testing.T) {
	c, path := openTestChain(t)
	for i := 0; i < 20; i++ {
		_, err := c.Append(Record{Action: ActionIntentReceived, IntentID: "intent-1"})
		require.NoError(t, err)
	}
	require.NoError(t, c.Close())

	// Flip one byte inside entry 17's detail line.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 20)
	lines[16] = strings.Replace(lines[16], `"action":"intent.received"`, `"action":"intent.receivee"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))

	res, err := VerifyFile(path)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, uint64(17), res.FirstBrokenSeq)

	// A broken chain refuses to open for appending.
	_, err = Open(path)
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestChain_TruncationDetection(t *testing.T) {
	c, path := openTestChain(t)
	for i := 0; i < 5; i++ {
		_, err := c.Append(Record{Action: ActionIntentReceived})
		require.NoError(t, err)
	}
	require.NoError(t, c.Close())

	// Drop entry 3; everything after it loses linkage.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	lines = append(lines[:2], lines[3:]...)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))

	res, err := VerifyFile(path)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, uint64(3), res.FirstBrokenSeq)
}

func TestChain_PoisonedAfterWriteFailure(t *testing.T) {
	c, _ := openTestChain(t)
	_, err := c.Append(Record{Action: ActionIntentReceived})
	require.NoError(t, err)

	// Closing the file out from under the chain forces the next write to
	// fail, which must poison the chain permanently.
	require.NoError(t, c.file.Close())
	c.file, _ = os.Open(os.DevNull) // readable, not writable

	_, err = c.Append(Record{Action: ActionIntentReceived})
	require.ErrorIs(t, err, ErrChainPoisoned)
	assert.True(t, c.Poisoned())

	_, err = c.Append(Record{Action: ActionIntentReceived})
	assert.ErrorIs(t, err, ErrChainPoisoned)
}

func TestChain_DetailIsCanonical(t *testing.T) {
	c, _ := openTestChain(t)

	e, err := c.Append(Record{
		Action: ActionApprovalIssued,
		PlanID: "plan-1",
		Detail: map[string]any{"zeta": 1, "alpha": "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"x","zeta":1}`, string(e.Detail))
}

func TestExport_JSONLSince(t *testing.T) {
	c, _ := openTestChain(t)
	for i := 0; i < 4; i++ {
		_, err := c.Append(Record{Action: ActionIntentReceived, IntentID: "intent-1"})
		require.NoError(t, err)
	}
	entries, err := c.Entries()
	require.NoError(t, err)

	var sb strings.Builder
	require.NoError(t, Export(&sb, entries, FormatJSONL, 2))

	scanner := bufio.NewScanner(strings.NewReader(sb.String()))
	var count int
	for scanner.Scan() {
		count++
	}
	assert.Equal(t, 2, count)
}

func TestExport_CEF(t *testing.T) {
	c, _ := openTestChain(t)
	_, err := c.Append(Record{Action: ActionIntentRejected, IntentID: "intent|pipe"})
	require.NoError(t, err)
	entries, err := c.Entries()
	require.NoError(t, err)

	var sb strings.Builder
	require.NoError(t, Export(&sb, entries, FormatCEF, 0))

	line := sb.String()
	assert.True(t, strings.HasPrefix(line, "CEF:0|Aureus|Sentinel|1.0.0|intent.rejected|"))
	assert.Contains(t, line, "cn1=1")
	assert.Contains(t, line, "cs1=intent|pipe")
}

func TestExport_UnknownFormat(t *testing.T) {
	var sb strings.Builder
	err := Export(&sb, nil, "xml", 0)
	assert.Error(t, err)
}
