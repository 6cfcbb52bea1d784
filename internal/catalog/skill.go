package catalog

import (
	"context"
	"fmt"
	"strings"
)

// ProvenanceTier classifies where a skill came from. The numeric value is the
// ranking priority: lower value wins ties.
type ProvenanceTier int

const (
	TierNative     ProvenanceTier = iota // built into the host binary
	TierDefinition                       // declarative manifest shipped with the host
	TierCustom                           // tenant-authored, stored in the database
	TierExternal                         // third-party marketplace
)

func (t ProvenanceTier) String() string {
	switch t {
	case TierNative:
		return "native"
	case TierDefinition:
		return "definition"
	case TierCustom:
		return "custom"
	case TierExternal:
		return "external"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// TrustLevel controls which sandbox resource policy applies to a skill.
type TrustLevel int

const (
	TrustCore TrustLevel = iota
	TrustVerified
	TrustCommunity
	TrustUser
)

func (l TrustLevel) String() string {
	switch l {
	case TrustCore:
		return "core"
	case TrustVerified:
		return "verified"
	case TrustCommunity:
		return "community"
	case TrustUser:
		return "user"
	}
	return fmt.Sprintf("trust(%d)", int(l))
}

// ParseTrustLevel parses a stored trust level string. Unknown values fall
// back to TrustUser, the least privileged level.
func ParseTrustLevel(s string) TrustLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "core":
		return TrustCore
	case "verified":
		return TrustVerified
	case "community":
		return TrustCommunity
	case "user":
		return TrustUser
	}
	return TrustUser
}

// PerformanceMetrics holds running execution statistics for a skill.
// Updated out-of-band by the usage tracker.
type PerformanceMetrics struct {
	SuccessRate        float64 `json:"success_rate"`
	TotalExecutions    int64   `json:"total_executions"`
	AvgExecutionTimeMs float64 `json:"avg_execution_time_ms"`
}

// SkillEntry is one catalog record. Entries are immutable after registration
// except for Metrics.
type SkillEntry struct {
	ID          string             `json:"id"` // provenance-prefixed, e.g. "native:research_person"
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Tier        ProvenanceTier     `json:"provenance_tier"`
	AgentTypes  []string           `json:"agent_types"`
	TrustLevel  TrustLevel         `json:"trust_level"`
	DataClasses []string           `json:"data_classes"`
	Metrics     PerformanceMetrics `json:"performance_metrics"`

	// Content is the skill body handed to the sandbox; Path identifies
	// where it was loaded from (manifest path, row id, or provider name).
	Content string `json:"content,omitempty"`
	Path    string `json:"path,omitempty"`

	provider Provider // set only for TierNative entries
}

// Priority is the provenance-based ranking position; lower is better.
// It is independent of any task.
func (e *SkillEntry) Priority() int {
	return int(e.Tier)
}

// RankedSkill pairs an entry with a task-relevance score in [0, 1].
// Produced only by GetForTask.
type RankedSkill struct {
	Entry     *SkillEntry `json:"entry"`
	Relevance float64     `json:"relevance"`
}

// Task describes a unit of work a caller wants a skill for. All fields are
// optional; empty fields simply contribute nothing to relevance scoring.
type Task struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Query       string `json:"query"`
	Goal        string `json:"goal"`
	Objective   string `json:"objective"`
}

// Text returns the lowercase concatenation of the task's string fields,
// used by the keyword relevance heuristic.
func (t Task) Text() string {
	return strings.ToLower(strings.Join([]string{
		t.Type, t.Description, t.Query, t.Goal, t.Objective,
	}, " "))
}

// Provider is a native capability compiled into the host. Providers register
// themselves with the catalog at construction time; there is no runtime
// discovery by reflection.
type Provider interface {
	Name() string
	Description() string
	AgentTypes() []string
	// CanHandle is the provider's own relevance self-assessment for a task,
	// returning a score in [0, 1].
	CanHandle(ctx context.Context, task Task) (float64, error)
}

// Definition is a declarative skill manifest shipped with the host.
type Definition struct {
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	AgentAssignment []string `json:"agent_assignment"`
	TrustLevel      string   `json:"trust_level"`
	Content         string   `json:"content,omitempty"`
	Path            string   `json:"-"`
}

// MarketplaceRow is an external marketplace index row as persisted by the
// backing store.
type MarketplaceRow struct {
	ID          string
	SkillName   string
	Description string
	TrustLevel  string
}

// CustomSkillRow is a tenant-authored skill row as persisted by the backing
// store. Metrics and AgentAssignment come from JSONB columns.
type CustomSkillRow struct {
	ID              string
	TenantID        string
	SkillName       string
	Description     string
	TrustLevel      string
	Content         string
	Metrics         PerformanceMetrics
	AgentAssignment []string
}

// Source is the backing store surface the catalog depends on. Implemented by
// internal/store; tests use lightweight fakes.
type Source interface {
	ListMarketplaceSkills(ctx context.Context) ([]MarketplaceRow, error)
	ListCustomSkills(ctx context.Context) ([]CustomSkillRow, error)
	// SearchCustomSkills finds tenant skills matching the query for the
	// user's tenant. Implementations must escape SQL wildcard characters
	// in the query string.
	SearchCustomSkills(ctx context.Context, userID, query string) ([]CustomSkillRow, error)
	ListCustomSkillsForUser(ctx context.Context, userID string) ([]CustomSkillRow, error)
	// RefreshMarketplace re-synchronizes the marketplace index before a
	// reload. Pulling from the remote feed is the store's concern.
	RefreshMarketplace(ctx context.Context) error
}
