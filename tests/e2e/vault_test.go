package e2e

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/skillvault/internal/audit"
	"github.com/nidhogg/skillvault/internal/cache"
	"github.com/nidhogg/skillvault/internal/catalog"
	"github.com/nidhogg/skillvault/internal/pipeline"
	"github.com/nidhogg/skillvault/internal/sandbox"
	"github.com/nidhogg/skillvault/internal/sanitize"
	pgstore "github.com/nidhogg/skillvault/internal/store"
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	// 1. Start PostgreSQL
	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		os.Exit(1)
	}
	defer pgCleanup()

	testStore, err = pgstore.New(pgDSN, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pg store: %v\n", err)
		os.Exit(1)
	}
	defer testStore.Close()

	// Run migrations
	if err := testStore.Migrate(ctx, "../../migrations"); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	// 2. Start Redis
	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer redisCleanup()
	testRedisURL = redisURL

	os.Exit(m.Run())
}

// seedVault creates two tenants with one custom skill each plus a
// marketplace entry.
func seedVault(ctx context.Context, t *testing.T) {
	t.Helper()
	for _, u := range [][2]string{{"user-a", "tenant-1"}, {"user-b", "tenant-2"}} {
		if err := testStore.SaveUser(ctx, u[0], u[1]); err != nil {
			t.Fatalf("save user %s: %v", u[0], err)
		}
	}
	customs := []catalog.CustomSkillRow{
		{
			ID: "c-meeting", TenantID: "tenant-1",
			SkillName:   "Meeting Summarizer",
			Description: "Summarizes meeting transcripts into action items",
			TrustLevel:  "user",
			Content:     "Summarize the transcript and list action items.",
		},
		{
			ID: "c-invoice", TenantID: "tenant-2",
			SkillName:   "Invoice Parser",
			Description: "Extracts totals from invoices",
			TrustLevel:  "user",
			Content:     "Parse the invoice fields.",
		},
	}
	for _, row := range customs {
		if err := testStore.SaveCustomSkill(ctx, row); err != nil {
			t.Fatalf("save custom skill %s: %v", row.ID, err)
		}
	}
	if err := testStore.SaveMarketplaceSkill(ctx, catalog.MarketplaceRow{
		ID: "m-research", SkillName: "deep_research",
		Description: "Research a topic across sources",
		TrustLevel:  "community",
	}); err != nil {
		t.Fatalf("save marketplace skill: %v", err)
	}
}

func TestVaultFlow(t *testing.T) {
	ctx := context.Background()
	seedVault(ctx, t)

	cat := catalog.New(catalog.BuiltinProviders(), "", testStore, testLogger)
	cat.Initialize(ctx)

	t.Run("TenantScopedDiscovery", func(t *testing.T) {
		// Multi-token query where no token is a prefix of the full phrase:
		// "summarize" only matches inside "Summarizes", so discovery must
		// match per token, not the query as one substring.
		results := cat.Search(ctx, "summarize meeting", "user-a")
		found := false
		for _, e := range results {
			if e.ID == "custom:c-meeting" {
				found = true
			}
			if e.ID == "custom:c-invoice" {
				t.Error("tenant-2 skill leaked into tenant-1 search")
			}
		}
		if !found {
			t.Fatal("tenant-1 custom skill not discovered")
		}
	})

	t.Run("MarketplaceVisible", func(t *testing.T) {
		if _, ok := cat.Get("external:m-research"); !ok {
			t.Fatal("marketplace skill not loaded at init")
		}
	})

	runner := sandbox.NewInProcessRunner(testLogger)
	runner.Register("native:research_person", func(ctx context.Context, input map[string]any) (any, error) {
		return map[string]any{"profile": "found"}, nil
	})

	chain := audit.NewChain(testStore, testLogger)

	results, err := cache.NewResults(testRedisURL, time.Minute, testLogger)
	if err != nil {
		t.Fatalf("redis cache: %v", err)
	}
	defer results.Close()

	executor, err := pipeline.New(pipeline.Config{
		Catalog:    cat,
		Classifier: sanitize.NewClassifier(testLogger),
		Sanitizer:  sanitize.NewSanitizer(testLogger),
		Runner:     runner,
		Policies:   sandbox.DefaultPolicies(),
		Installer:  testStore,
		Audit:      chain,
		Cache:      results,
		Logger:     testLogger,
	})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}

	t.Run("ExecuteInstalledSkill", func(t *testing.T) {
		if err := testStore.Install(ctx, "user-a", "native:research_person"); err != nil {
			t.Fatalf("install: %v", err)
		}
		input := map[string]any{"name": "Grace Hopper", "contact": "grace@example.com"}

		exec, err := executor.Execute(ctx, "user-a", "native:research_person", input)
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if !exec.Success {
			t.Fatalf("execution failed: %s", exec.Error)
		}
		if !exec.Sanitized {
			t.Error("email input should have been sanitized")
		}

		entries, err := testStore.Entries(ctx)
		if err != nil {
			t.Fatalf("audit entries: %v", err)
		}
		if len(entries) != 1 {
			t.Fatalf("audit entries = %d, want 1", len(entries))
		}
		if entries[0].SkillID != "native:research_person" || !entries[0].Success {
			t.Errorf("unexpected audit entry: %+v", entries[0])
		}

		metrics, err := testStore.Metrics(ctx, "native:research_person")
		if err != nil {
			t.Fatalf("metrics: %v", err)
		}
		if metrics.TotalExecutions != 1 || metrics.SuccessRate != 1.0 {
			t.Errorf("metrics = %+v", metrics)
		}

		zero, err := testStore.Metrics(ctx, "native:never_used")
		if err != nil {
			t.Fatalf("metrics for unused skill: %v", err)
		}
		if zero.TotalExecutions != 0 || zero.SuccessRate != 0 {
			t.Errorf("unused skill metrics = %+v, want zero", zero)
		}

		// Same input again is served from Redis without re-running.
		again, err := executor.Execute(ctx, "user-a", "native:research_person", input)
		if err != nil {
			t.Fatalf("cached execute: %v", err)
		}
		if !again.Cached {
			t.Error("second execution not served from cache")
		}
		if again.ID != exec.ID {
			t.Errorf("cached execution id = %s, want %s", again.ID, exec.ID)
		}
		entries, _ = testStore.Entries(ctx)
		if len(entries) != 1 {
			t.Errorf("cache hit must not append audit entries, got %d", len(entries))
		}
	})

	t.Run("LookupFailureHasNoSideEffects", func(t *testing.T) {
		before, _ := testStore.Entries(ctx)

		_, err := executor.Execute(ctx, "user-a", "external:ghost", map[string]any{})
		var execErr *pipeline.ExecError
		if !errors.As(err, &execErr) {
			t.Fatalf("err = %v, want *ExecError", err)
		}
		if execErr.Stage != pipeline.StageLookup {
			t.Errorf("stage = %s, want lookup", execErr.Stage)
		}

		after, _ := testStore.Entries(ctx)
		if len(after) != len(before) {
			t.Errorf("lookup failure appended audit entries: %d -> %d", len(before), len(after))
		}
	})

	t.Run("ChainVerifies", func(t *testing.T) {
		if err := chain.Verify(ctx); err != nil {
			t.Fatalf("chain broken: %v", err)
		}
	})
}
