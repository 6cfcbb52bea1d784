// Package audit keeps the tamper-evident, hash-linked log of skill
// execution attempts. Each entry's hash commits to the previous entry's
// hash, so retroactive edits break the chain visibly.
package audit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/skillvault/internal/hash"
	"go.uber.org/zap"
)

// GenesisHash is the previous-hash value of the first entry.
var GenesisHash = strings.Repeat("0", 64)

// Record is the body of one audit entry: everything about an execution
// attempt except its position in the chain.
type Record struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	UserID          string    `json:"user_id"`
	SkillID         string    `json:"skill_id"`
	SkillPath       string    `json:"skill_path"`
	TrustLevel      string    `json:"trust_level"`
	InputHash       string    `json:"input_hash"`
	OutputHash      string    `json:"output_hash,omitempty"`
	Sanitized       bool      `json:"sanitized"`
	TokensUsed      []string  `json:"tokens_used,omitempty"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
	Success         bool      `json:"success"`
	Error           string    `json:"error,omitempty"`
}

// Entry is a chained record. EntryHash covers the record body and PrevHash.
type Entry struct {
	Record
	PrevHash  string `json:"prev_hash"`
	EntryHash string `json:"entry_hash"`
}

// entryHash computes the hash an entry must carry for a given body and tip.
func entryHash(rec Record, prevHash string) string {
	return hash.Sum(map[string]any{
		"record": rec,
		"prev":   prevHash,
	})
}

// Log is the persistence surface for chain entries. Implemented by the
// Postgres store; MemoryLog serves tests and storeless hosts.
type Log interface {
	LatestHash(ctx context.Context) (string, error)
	AppendEntry(ctx context.Context, e Entry) error
	Entries(ctx context.Context) ([]Entry, error)
}

// Chain appends hash-linked entries. Reading the tip and writing the next
// entry is a critical section: the mutex serializes concurrent finalizers so
// two entries can never commit to the same tip.
type Chain struct {
	mu     sync.Mutex
	log    Log
	logger *zap.Logger
}

func NewChain(log Log, logger *zap.Logger) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{log: log, logger: logger}
}

// Append links rec to the current tip and persists it. The timestamp is
// normalized to UTC microseconds so the entry hash survives a round trip
// through timestamptz storage.
func (c *Chain) Append(ctx context.Context, rec Record) (Entry, error) {
	rec.Timestamp = rec.Timestamp.UTC().Truncate(time.Microsecond)

	c.mu.Lock()
	defer c.mu.Unlock()

	tip, err := c.log.LatestHash(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("read chain tip: %w", err)
	}
	if tip == "" {
		tip = GenesisHash
	}

	e := Entry{Record: rec, PrevHash: tip}
	e.EntryHash = entryHash(rec, tip)
	if err := c.log.AppendEntry(ctx, e); err != nil {
		return Entry{}, fmt.Errorf("append audit entry: %w", err)
	}
	c.logger.Debug("audit entry appended",
		zap.String("skill", rec.SkillID), zap.Bool("success", rec.Success))
	return e, nil
}

// Verify walks the whole chain and returns an error at the first entry whose
// link or hash does not hold.
func (c *Chain) Verify(ctx context.Context) error {
	entries, err := c.log.Entries(ctx)
	if err != nil {
		return fmt.Errorf("load audit entries: %w", err)
	}

	prev := GenesisHash
	for i, e := range entries {
		if e.PrevHash != prev {
			return fmt.Errorf("audit chain forked at entry %d (%s): prev hash %s, want %s",
				i, e.ID, e.PrevHash, prev)
		}
		if want := entryHash(e.Record, e.PrevHash); e.EntryHash != want {
			return fmt.Errorf("audit entry %d (%s) tampered: hash %s, want %s",
				i, e.ID, e.EntryHash, want)
		}
		prev = e.EntryHash
	}
	return nil
}

// MemoryLog is an in-memory Log for tests and storeless hosts.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) LatestHash(ctx context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return "", nil
	}
	return m.entries[len(m.entries)-1].EntryHash, nil
}

func (m *MemoryLog) AppendEntry(ctx context.Context, e Entry) error {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}

func (m *MemoryLog) Entries(ctx context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out, nil
}
