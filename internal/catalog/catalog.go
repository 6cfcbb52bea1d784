package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Catalog is the single source of truth for which skills exist and who may
// use them, merged across the four provenance tiers. Query operations are
// safe for concurrent use; Initialize is a run-once startup step.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]*SkillEntry

	providers      []Provider
	definitionsDir string
	source         Source
	logger         *zap.Logger
}

// New creates a Catalog with its fixed provider set and backing source.
// source may be nil, in which case the custom and external tiers are empty.
func New(providers []Provider, definitionsDir string, source Source, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		entries:        make(map[string]*SkillEntry),
		providers:      providers,
		definitionsDir: definitionsDir,
		source:         source,
		logger:         logger,
	}
}

// Initialize populates the catalog from all four provenance tiers in order:
// native providers, definition manifests, marketplace rows, tenant custom
// rows. A failure in any one source is logged and skipped so that the
// catalog always comes up, possibly partially populated. Call once at
// startup; it is not safe to run concurrently with queries.
func (c *Catalog) Initialize(ctx context.Context) {
	for _, p := range c.providers {
		c.RegisterProvider(p)
	}
	c.logger.Info("native capabilities registered", zap.Int("count", len(c.providers)))

	defs, err := LoadDefinitions(c.definitionsDir)
	if err != nil {
		c.logger.Warn("skill definitions unavailable", zap.String("dir", c.definitionsDir), zap.Error(err))
	}
	for _, d := range defs {
		c.RegisterDefinition(d)
	}

	if c.source == nil {
		return
	}

	rows, err := c.source.ListMarketplaceSkills(ctx)
	if err != nil {
		c.logger.Warn("marketplace skills unavailable", zap.Error(err))
	}
	for _, row := range rows {
		c.register(entryFromMarketplace(row))
	}

	custom, err := c.source.ListCustomSkills(ctx)
	if err != nil {
		c.logger.Warn("custom skills unavailable", zap.Error(err))
	}
	for _, row := range custom {
		c.register(entryFromCustom(row))
	}

	c.mu.RLock()
	total := len(c.entries)
	c.mu.RUnlock()
	c.logger.Info("catalog initialized", zap.Int("skills", total))
}

// RegisterProvider registers a native capability, overwriting any existing
// entry with the same id.
func (c *Catalog) RegisterProvider(p Provider) {
	c.register(&SkillEntry{
		ID:          "native:" + p.Name(),
		Name:        p.Name(),
		Description: p.Description(),
		Tier:        TierNative,
		AgentTypes:  p.AgentTypes(),
		TrustLevel:  TrustCore,
		Path:        "native:" + p.Name(),
		provider:    p,
	})
}

// RegisterDefinition registers a declarative skill manifest, overwriting any
// existing entry with the same id.
func (c *Catalog) RegisterDefinition(d Definition) {
	c.register(&SkillEntry{
		ID:          "definition:" + d.Name,
		Name:        d.Name,
		Description: d.Description,
		Tier:        TierDefinition,
		AgentTypes:  d.AgentAssignment,
		TrustLevel:  ParseTrustLevel(d.TrustLevel),
		Content:     d.Content,
		Path:        d.Path,
	})
}

func entryFromMarketplace(row MarketplaceRow) *SkillEntry {
	// Marketplace skills declare no agent affinity and no data classes.
	return &SkillEntry{
		ID:          "external:" + row.ID,
		Name:        row.SkillName,
		Description: row.Description,
		Tier:        TierExternal,
		TrustLevel:  ParseTrustLevel(row.TrustLevel),
		Path:        "external:" + row.ID,
	}
}

func entryFromCustom(row CustomSkillRow) *SkillEntry {
	return &SkillEntry{
		ID:          "custom:" + row.ID,
		Name:        row.SkillName,
		Description: row.Description,
		Tier:        TierCustom,
		AgentTypes:  row.AgentAssignment,
		TrustLevel:  ParseTrustLevel(row.TrustLevel),
		Metrics:     row.Metrics,
		Content:     row.Content,
		Path:        "custom:" + row.ID,
	}
}

// register inserts an entry, keyed by id. Idempotent on id: a duplicate
// insert from a lazy-discovery race simply overwrites with equal data.
func (c *Catalog) register(e *SkillEntry) {
	c.mu.Lock()
	c.entries[e.ID] = e
	c.mu.Unlock()
}

// Get returns an entry by id.
func (c *Catalog) Get(id string) (*SkillEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return e, ok
}

// snapshot returns all entries sorted by id, giving every query a
// deterministic iteration order.
func (c *Catalog) snapshot() []*SkillEntry {
	c.mu.RLock()
	out := make([]*SkillEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// sortByPriority orders entries by ascending provenance priority, ties by id.
func sortByPriority(entries []*SkillEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority() != entries[j].Priority() {
			return entries[i].Priority() < entries[j].Priority()
		}
		return entries[i].ID < entries[j].ID
	})
}

// Search returns entries whose name, description, or agent types contain at
// least one whitespace-separated query token, case-insensitively. It also
// lazily discovers not-yet-loaded tenant custom skills for the user's tenant
// from the backing store and registers them. Results are ordered by
// ascending priority, not by relevance.
func (c *Catalog) Search(ctx context.Context, query, userID string) []*SkillEntry {
	tokens := strings.Fields(strings.ToLower(query))

	if c.source != nil {
		rows, err := c.source.SearchCustomSkills(ctx, userID, query)
		if err != nil {
			c.logger.Warn("tenant skill search failed", zap.String("user", userID), zap.Error(err))
		}
		for _, row := range rows {
			c.register(entryFromCustom(row))
		}
	}

	var out []*SkillEntry
	for _, e := range c.snapshot() {
		if matchesTokens(e, tokens) {
			out = append(out, e)
		}
	}
	sortByPriority(out)
	return out
}

func matchesTokens(e *SkillEntry, tokens []string) bool {
	if len(tokens) == 0 {
		return false
	}
	text := strings.ToLower(e.Name + " " + e.Description + " " + strings.Join(e.AgentTypes, " "))
	for _, tok := range tokens {
		if strings.Contains(text, tok) {
			return true
		}
	}
	return false
}

// stopWords excluded from keyword relevance scoring.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "the": {}, "of": {}, "for": {},
	"to": {}, "in": {}, "on": {}, "with": {}, "is": {},
}

// GetForTask scores every entry against the task and returns the nonzero
// matches ordered by descending relevance, ties by ascending priority.
// Native entries self-assess through their provider; every other tier is
// scored by the keyword heuristic.
func (c *Catalog) GetForTask(ctx context.Context, task Task) []RankedSkill {
	taskText := task.Text()

	var ranked []RankedSkill
	for _, e := range c.snapshot() {
		score := c.relevance(ctx, e, task, taskText)
		if score <= 0 {
			continue
		}
		ranked = append(ranked, RankedSkill{Entry: e, Relevance: score})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Relevance != ranked[j].Relevance {
			return ranked[i].Relevance > ranked[j].Relevance
		}
		return ranked[i].Entry.Priority() < ranked[j].Entry.Priority()
	})
	return ranked
}

func (c *Catalog) relevance(ctx context.Context, e *SkillEntry, task Task, taskText string) float64 {
	if e.Tier == TierNative && e.provider != nil {
		score, err := e.provider.CanHandle(ctx, task)
		if err != nil {
			c.logger.Warn("provider self-assessment failed",
				zap.String("skill", e.ID), zap.Error(err))
			return 0
		}
		return clamp01(score)
	}
	return keywordRelevance(e, task, taskText)
}

// keywordRelevance is the heuristic for non-native tiers: the fraction of
// the entry's name+description tokens found as substrings of the task text,
// with a +0.4 boost when the task type equals the entry name.
func keywordRelevance(e *SkillEntry, task Task, taskText string) float64 {
	fields := strings.Fields(strings.ToLower(e.Name + " " + e.Description))
	var tokens []string
	for _, f := range fields {
		if _, stop := stopWords[f]; !stop {
			tokens = append(tokens, f)
		}
	}
	if len(tokens) == 0 {
		return 0
	}

	matches := 0
	for _, tok := range tokens {
		if strings.Contains(taskText, tok) {
			matches++
		}
	}
	score := clamp01(float64(matches) / float64(len(tokens)))
	if task.Type != "" && strings.EqualFold(task.Type, e.Name) {
		score = clamp01(score + 0.4)
	}
	return score
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// GetForAgent returns entries usable by the given agent type, ordered by
// ascending priority.
func (c *Catalog) GetForAgent(agentType string) []*SkillEntry {
	var out []*SkillEntry
	for _, e := range c.snapshot() {
		for _, at := range e.AgentTypes {
			if at == agentType {
				out = append(out, e)
				break
			}
		}
	}
	sortByPriority(out)
	return out
}

// GetAllAvailable returns every loaded entry plus any not-yet-loaded tenant
// custom skills for the user's tenant, ordered by ascending priority.
func (c *Catalog) GetAllAvailable(ctx context.Context, userID string) []*SkillEntry {
	if c.source != nil {
		rows, err := c.source.ListCustomSkillsForUser(ctx, userID)
		if err != nil {
			c.logger.Warn("tenant skill listing failed", zap.String("user", userID), zap.Error(err))
		}
		for _, row := range rows {
			if _, loaded := c.Get("custom:" + row.ID); !loaded {
				c.register(entryFromCustom(row))
			}
		}
	}

	out := c.snapshot()
	sortByPriority(out)
	return out
}

// RefreshExternal re-synchronizes the marketplace source, drops every loaded
// external entry, and reloads the tier from the refreshed source. This is
// the only operation that removes catalog entries.
func (c *Catalog) RefreshExternal(ctx context.Context) error {
	if c.source == nil {
		return nil
	}
	if err := c.source.RefreshMarketplace(ctx); err != nil {
		return err
	}
	rows, err := c.source.ListMarketplaceSkills(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	for id, e := range c.entries {
		if e.Tier == TierExternal {
			delete(c.entries, id)
		}
	}
	c.mu.Unlock()

	for _, row := range rows {
		c.register(entryFromMarketplace(row))
	}
	c.logger.Info("external skills refreshed", zap.Int("count", len(rows)))
	return nil
}
