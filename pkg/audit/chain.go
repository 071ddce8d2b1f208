// Package audit keeps a hash-chained, append-only record of every decision
// the bridge makes.
//
// Each entry carries the hash of its predecessor, so any mutation of a
// persisted entry breaks verification from that sequence number onward.
// The chain is the system of record: an append failure poisons the chain
// and the bridge must stop approving until the operator intervenes.
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aureus-labs/sentinel/pkg/canonical"
)

// GenesisHash anchors the first entry of every chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry kinds recorded on the chain.
const (
	ActionIntentReceived  = "intent.received"
	ActionIntentRejected  = "intent.rejected"
	ActionPlanGenerated   = "plan.generated"
	ActionApprovalIssued  = "approval.issued"
	ActionApprovalDenied  = "approval.denied"
	ActionApprovalExpired = "approval.expired.rejected"
	ActionReportReceived  = "report.received"
	ActionBreakerTripped  = "breaker.tripped"
	ActionBreakerRestored = "breaker.restored"
	ActionFaultInjected   = "fault.injected"
	ActionPolicyReloaded  = "policy.reloaded"
)

var (
	// ErrChainPoisoned is returned once an append has failed. The chain
	// refuses further writes until reopened against repaired storage.
	ErrChainPoisoned = errors.New("audit: chain poisoned")
	// ErrChainBroken is returned by Open when the persisted chain does not
	// verify.
	ErrChainBroken = errors.New("audit: persisted chain is broken")
)

// Entry is one link of the chain. Hash covers the canonical form of the
// entry with Hash itself empty.
type Entry struct {
	Seq          uint64          `json:"seq"`
	Timestamp    time.Time       `json:"timestamp"`
	Action       string          `json:"action"`
	IntentID     string          `json:"intent_id,omitempty"`
	PlanID       string          `json:"plan_id,omitempty"`
	Detail       json.RawMessage `json:"detail,omitempty"`
	PreviousHash string          `json:"previous_hash"`
	Hash         string          `json:"hash"`
}

func (e Entry) computeHash() (string, error) {
	unsealed := e
	unsealed.Hash = ""
	return canonical.HexHash(unsealed)
}

// Record is the caller-facing shape of a new entry; the chain assigns
// sequence, timestamp and hashes.
type Record struct {
	Action   string
	IntentID string
	PlanID   string
	Detail   interface{}
}

// VerifyResult reports chain verification. FirstBrokenSeq is the sequence
// number of the first entry whose hash or linkage fails; zero when OK.
type VerifyResult struct {
	OK             bool   `json:"ok"`
	Entries        uint64 `json:"entries"`
	FirstBrokenSeq uint64 `json:"first_broken_seq,omitempty"`
}

// Chain is a single-writer hash chain persisted as JSON lines. Every append
// is flushed and fsynced before it is acknowledged.
type Chain struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	now      func() time.Time
	lastSeq  uint64
	lastHash string
	poisoned bool
}

// Option customizes a Chain.
type Option func(*Chain)

// WithClock substitutes the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.now = now }
}

// Open loads the chain at path, verifying every persisted entry, and
// positions the writer after the last good entry. A broken chain fails to
// open; repair is an operator action, not a runtime one.
func Open(path string, opts ...Option) (*Chain, error) {
	c := &Chain{path: path, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(c)
	}

	entries, err := readEntries(path)
	if err != nil {
		return nil, err
	}
	res := verifyEntries(entries)
	if !res.OK {
		return nil, fmt.Errorf("%w: first broken seq %d", ErrChainBroken, res.FirstBrokenSeq)
	}

	c.lastHash = GenesisHash
	if n := len(entries); n > 0 {
		c.lastSeq = entries[n-1].Seq
		c.lastHash = entries[n-1].Hash
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	c.file = f
	return c, nil
}

// Append seals and persists a new entry, returning it. The entry is durable
// (fsynced) before return. Any failure poisons the chain.
func (c *Chain) Append(rec Record) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.poisoned {
		return Entry{}, ErrChainPoisoned
	}

	var detail json.RawMessage
	if rec.Detail != nil {
		data, err := canonical.Canonicalize(rec.Detail)
		if err != nil {
			return Entry{}, fmt.Errorf("audit: canonicalize detail: %w", err)
		}
		detail = data
	}

	entry := Entry{
		Seq:          c.lastSeq + 1,
		Timestamp:    c.now(),
		Action:       rec.Action,
		IntentID:     rec.IntentID,
		PlanID:       rec.PlanID,
		Detail:       detail,
		PreviousHash: c.lastHash,
	}
	hash, err := entry.computeHash()
	if err != nil {
		return Entry{}, fmt.Errorf("audit: hash entry: %w", err)
	}
	entry.Hash = hash

	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := c.file.Write(append(line, '\n')); err != nil {
		c.poisoned = true
		return Entry{}, fmt.Errorf("%w: write seq %d: %v", ErrChainPoisoned, entry.Seq, err)
	}
	if err := c.file.Sync(); err != nil {
		c.poisoned = true
		return Entry{}, fmt.Errorf("%w: fsync seq %d: %v", ErrChainPoisoned, entry.Seq, err)
	}

	c.lastSeq = entry.Seq
	c.lastHash = entry.Hash
	return entry, nil
}

// Poisoned reports whether the chain has refused a write.
func (c *Chain) Poisoned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poisoned
}

// LastSeq returns the sequence number of the newest entry.
func (c *Chain) LastSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

// Close releases the underlying file.
func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}

// Entries re-reads every persisted entry.
func (c *Chain) Entries() ([]Entry, error) {
	c.mu.Lock()
	path := c.path
	c.mu.Unlock()
	return readEntries(path)
}

// Verify re-reads the persisted chain and checks every hash and link.
func (c *Chain) Verify() (VerifyResult, error) {
	entries, err := c.Entries()
	if err != nil {
		return VerifyResult{}, err
	}
	return verifyEntries(entries), nil
}

// VerifyFile verifies a chain file without opening it for writing.
func VerifyFile(path string) (VerifyResult, error) {
	entries, err := readEntries(path)
	if err != nil {
		return VerifyResult{}, err
	}
	return verifyEntries(entries), nil
}

func readEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			// A malformed line is a broken entry at the position it
			// occupies, not something to skip.
			entries = append(entries, Entry{Seq: uint64(lineNo), Hash: "malformed"})
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: read %s: %w", path, err)
	}
	return entries, nil
}

func verifyEntries(entries []Entry) VerifyResult {
	prev := GenesisHash
	for i, e := range entries {
		want := uint64(i + 1)
		if e.Seq != want || e.PreviousHash != prev {
			return VerifyResult{OK: false, Entries: uint64(len(entries)), FirstBrokenSeq: want}
		}
		computed, err := e.computeHash()
		if err != nil || computed != e.Hash {
			return VerifyResult{OK: false, Entries: uint64(len(entries)), FirstBrokenSeq: want}
		}
		prev = e.Hash
	}
	return VerifyResult{OK: true, Entries: uint64(len(entries))}
}
