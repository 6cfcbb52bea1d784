package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/nidhogg/skillvault/internal/audit"
	"github.com/nidhogg/skillvault/internal/catalog"
	"github.com/nidhogg/skillvault/internal/pipeline"
	"github.com/nidhogg/skillvault/internal/sandbox"
	"github.com/nidhogg/skillvault/internal/sanitize"
	"go.uber.org/zap"
)

// memInstalls is an in-memory install store satisfying both the pipeline
// and API interfaces.
type memInstalls struct {
	mu        sync.Mutex
	installed map[string]bool
}

func newMemInstalls() *memInstalls {
	return &memInstalls{installed: make(map[string]bool)}
}

func (m *memInstalls) Install(ctx context.Context, userID, skillID string) error {
	m.mu.Lock()
	m.installed[userID+":"+skillID] = true
	m.mu.Unlock()
	return nil
}

func (m *memInstalls) Uninstall(ctx context.Context, userID, skillID string) error {
	m.mu.Lock()
	delete(m.installed, userID+":"+skillID)
	m.mu.Unlock()
	return nil
}

func (m *memInstalls) IsInstalled(ctx context.Context, userID, skillID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installed[userID+":"+skillID], nil
}

func (m *memInstalls) RecordUsage(ctx context.Context, userID, skillID string, success bool, durationMs int64) error {
	return nil
}

// newTestHandler creates a Handler wired with in-memory deps (no Postgres/Redis).
func newTestHandler(t *testing.T) (*Handler, http.Handler) {
	t.Helper()
	logger := zap.NewNop()

	cat := catalog.New(catalog.BuiltinProviders(), "", nil, logger)
	cat.Initialize(context.Background())

	runner := sandbox.NewInProcessRunner(logger)
	runner.Register("native:research_person", func(ctx context.Context, input map[string]any) (any, error) {
		return map[string]any{"found": true}, nil
	})

	chain := audit.NewChain(audit.NewMemoryLog(), logger)
	installs := newMemInstalls()

	executor, err := pipeline.New(pipeline.Config{
		Catalog:    cat,
		Classifier: sanitize.NewClassifier(logger),
		Sanitizer:  sanitize.NewSanitizer(logger),
		Runner:     runner,
		Policies:   sandbox.DefaultPolicies(),
		Installer:  installs,
		Audit:      chain,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}

	h := NewHandler(cat, executor, installs, chain, logger)
	return h, h.Router()
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestSearchSkillsEndpoint(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/skills?query=person&user_id=u1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Skills []catalog.SkillEntry `json:"skills"`
	}
	decodeJSON(t, resp, &body)
	if len(body.Skills) == 0 {
		t.Fatal("no skills returned")
	}
	if body.Skills[0].ID != "native:research_person" {
		t.Errorf("first skill = %s", body.Skills[0].ID)
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/skills")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSkillsForTaskEndpoint(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/skills/task", catalog.Task{Type: "research_person"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Skills []struct {
			Entry     catalog.SkillEntry `json:"entry"`
			Relevance float64            `json:"relevance"`
		} `json:"skills"`
	}
	decodeJSON(t, resp, &body)
	if len(body.Skills) == 0 {
		t.Fatal("no ranked skills returned")
	}
	if body.Skills[0].Entry.ID != "native:research_person" {
		t.Errorf("top skill = %s", body.Skills[0].Entry.ID)
	}
}

func TestInstallThenExecute(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/skills/install", map[string]string{
		"user_id": "u1", "skill_id": "native:research_person",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("install status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/execute", map[string]any{
		"user_id":  "u1",
		"skill_id": "native:research_person",
		"input":    map[string]any{"name": "Ada"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute status = %d", resp.StatusCode)
	}
	var exec pipeline.SkillExecution
	decodeJSON(t, resp, &exec)
	if !exec.Success {
		t.Errorf("execution failed: %s", exec.Error)
	}
	if len(exec.InputHash) != 64 {
		t.Errorf("input hash = %q", exec.InputHash)
	}
}

func TestExecuteUnknownSkillReturnsConflict(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/execute", map[string]any{
		"user_id": "u1", "skill_id": "nope", "input": map[string]any{},
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	var body map[string]any
	decodeJSON(t, resp, &body)
	if body["stage"] != pipeline.StageLookup {
		t.Errorf("stage = %v, want lookup", body["stage"])
	}
}

func TestInstallUnknownSkillReturnsNotFound(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/skills/install", map[string]string{
		"user_id": "u1", "skill_id": "external:ghost",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestVerifyAuditEndpoint(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/audit/verify")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	decodeJSON(t, resp, &body)
	if body["valid"] != true {
		t.Errorf("empty chain not valid: %v", body)
	}
}
