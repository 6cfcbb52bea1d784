package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func testRecord(id string, success bool) Record {
	return Record{
		ID:        id,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		UserID:    "u1",
		SkillID:   "native:research_person",
		InputHash: "abc",
		Success:   success,
	}
}

func TestAppendLinksToGenesis(t *testing.T) {
	chain := NewChain(NewMemoryLog(), nil)
	e, err := chain.Append(context.Background(), testRecord("r1", true))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if e.PrevHash != GenesisHash {
		t.Errorf("first entry prev = %s, want genesis", e.PrevHash)
	}
	if len(e.EntryHash) != 64 {
		t.Errorf("entry hash length = %d", len(e.EntryHash))
	}
}

func TestAppendChainsEntries(t *testing.T) {
	chain := NewChain(NewMemoryLog(), nil)
	ctx := context.Background()

	e1, _ := chain.Append(ctx, testRecord("r1", true))
	e2, err := chain.Append(ctx, testRecord("r2", false))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if e2.PrevHash != e1.EntryHash {
		t.Errorf("second entry prev = %s, want %s", e2.PrevHash, e1.EntryHash)
	}
	if err := chain.Verify(ctx); err != nil {
		t.Errorf("verify: %v", err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	log := NewMemoryLog()
	chain := NewChain(log, nil)
	ctx := context.Background()

	chain.Append(ctx, testRecord("r1", true))
	chain.Append(ctx, testRecord("r2", true))

	// Retroactively edit the first record.
	log.mu.Lock()
	log.entries[0].Success = false
	log.mu.Unlock()

	if err := chain.Verify(ctx); err == nil {
		t.Fatal("tampered chain verified clean")
	}
}

func TestConcurrentAppendsNeverFork(t *testing.T) {
	log := NewMemoryLog()
	chain := NewChain(log, nil)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := chain.Append(ctx, testRecord(fmt.Sprintf("r%d", i), true)); err != nil {
				t.Errorf("append %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	entries, _ := log.Entries(ctx)
	if len(entries) != n {
		t.Fatalf("got %d entries, want %d", len(entries), n)
	}
	if err := chain.Verify(ctx); err != nil {
		t.Fatalf("chain forked under concurrency: %v", err)
	}
}
