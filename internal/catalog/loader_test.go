package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefinitionsMissingDir(t *testing.T) {
	defs, err := LoadDefinitions(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("missing dir should not error: %v", err)
	}
	if len(defs) != 0 {
		t.Fatalf("got %d definitions from missing dir", len(defs))
	}
}

func TestLoadDefinitionsWithContentOverride(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "summarizer")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := `{"name":"summarizer","description":"Condense text","agent_assignment":["assistant"],"trust_level":"verified","content":"inline"}`
	if err := os.WriteFile(filepath.Join(sub, "skill.json"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "content.md"), []byte("from markdown\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	defs, err := LoadDefinitions(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("got %d definitions, want 1", len(defs))
	}
	d := defs[0]
	if d.Name != "summarizer" || d.TrustLevel != "verified" {
		t.Errorf("unexpected definition: %+v", d)
	}
	if d.Content != "from markdown" {
		t.Errorf("content = %q, want content.md override", d.Content)
	}
}

func TestLoadDefinitionsRejectsNameless(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "broken")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "skill.json"), []byte(`{"description":"no name"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDefinitions(dir); err == nil {
		t.Fatal("nameless manifest did not error")
	}
}
