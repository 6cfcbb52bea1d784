package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nidhogg/skillvault/internal/catalog"
)

// customDefinition is the shape of the custom_skills.definition JSONB column.
type customDefinition struct {
	AgentAssignment []string `json:"agent_assignment"`
	Content         string   `json:"content"`
}

// customMetrics is the shape of the custom_skills.performance_metrics column.
type customMetrics struct {
	SuccessRate float64 `json:"success_rate"`
	Executions  int64   `json:"executions"`
}

// ListMarketplaceSkills loads every external marketplace index row.
func (s *Store) ListMarketplaceSkills(ctx context.Context) ([]catalog.MarketplaceRow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, skill_name, COALESCE(description,''), COALESCE(trust_level,'')
		FROM marketplace_skills
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list marketplace skills: %w", err)
	}
	defer rows.Close()

	var out []catalog.MarketplaceRow
	for rows.Next() {
		var r catalog.MarketplaceRow
		if err := rows.Scan(&r.ID, &r.SkillName, &r.Description, &r.TrustLevel); err != nil {
			return nil, fmt.Errorf("scan marketplace skill: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const customSkillColumns = `
	id, tenant_id, skill_name, COALESCE(description,''),
	COALESCE(trust_level,''), performance_metrics, definition`

// ListCustomSkills loads every tenant custom skill row.
func (s *Store) ListCustomSkills(ctx context.Context) ([]catalog.CustomSkillRow, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+customSkillColumns+` FROM custom_skills ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list custom skills: %w", err)
	}
	defer rows.Close()
	return scanCustomSkills(rows)
}

// SearchCustomSkills finds custom skills in the user's tenant whose name or
// description contains any whitespace-separated query token. SQL wildcard
// characters in each token are escaped so they match literally.
func (s *Store) SearchCustomSkills(ctx context.Context, userID, query string) ([]catalog.CustomSkillRow, error) {
	tokens := strings.Fields(query)
	if len(tokens) == 0 {
		return nil, nil
	}
	patterns := make([]string, len(tokens))
	for i, tok := range tokens {
		patterns[i] = "%" + escapeLike(tok) + "%"
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+customSkillColumns+`
		FROM custom_skills
		WHERE tenant_id = (SELECT tenant_id FROM users WHERE id = $1)
		  AND (skill_name ILIKE ANY($2) OR description ILIKE ANY($2))
		ORDER BY id`, userID, patterns)
	if err != nil {
		return nil, fmt.Errorf("search custom skills: %w", err)
	}
	defer rows.Close()
	return scanCustomSkills(rows)
}

// ListCustomSkillsForUser loads all custom skills in the user's tenant.
func (s *Store) ListCustomSkillsForUser(ctx context.Context, userID string) ([]catalog.CustomSkillRow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+customSkillColumns+`
		FROM custom_skills
		WHERE tenant_id = (SELECT tenant_id FROM users WHERE id = $1)
		ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list custom skills for user: %w", err)
	}
	defer rows.Close()
	return scanCustomSkills(rows)
}

// RefreshMarketplace re-synchronizes the marketplace index. Pulling rows
// from the remote feed happens out-of-band; this hook verifies the table is
// reachable before the catalog reloads it.
func (s *Store) RefreshMarketplace(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `SELECT 1 FROM marketplace_skills LIMIT 1`); err != nil {
		return fmt.Errorf("refresh marketplace: %w", err)
	}
	return nil
}

// SaveCustomSkill upserts a tenant custom skill row. Used by hosts and tests
// to provision tenant skills.
func (s *Store) SaveCustomSkill(ctx context.Context, row catalog.CustomSkillRow) error {
	metrics, err := json.Marshal(customMetrics{
		SuccessRate: row.Metrics.SuccessRate,
		Executions:  row.Metrics.TotalExecutions,
	})
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	def, err := json.Marshal(customDefinition{
		AgentAssignment: row.AgentAssignment,
		Content:         row.Content,
	})
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO custom_skills (id, tenant_id, skill_name, description, trust_level, performance_metrics, definition)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			skill_name = EXCLUDED.skill_name,
			description = EXCLUDED.description,
			trust_level = EXCLUDED.trust_level,
			performance_metrics = EXCLUDED.performance_metrics,
			definition = EXCLUDED.definition`,
		row.ID, row.TenantID, row.SkillName, row.Description, row.TrustLevel, metrics, def,
	)
	if err != nil {
		return fmt.Errorf("save custom skill %s: %w", row.ID, err)
	}
	return nil
}

// SaveMarketplaceSkill upserts a marketplace index row.
func (s *Store) SaveMarketplaceSkill(ctx context.Context, row catalog.MarketplaceRow) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO marketplace_skills (id, skill_name, description, trust_level)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			skill_name = EXCLUDED.skill_name,
			description = EXCLUDED.description,
			trust_level = EXCLUDED.trust_level`,
		row.ID, row.SkillName, row.Description, row.TrustLevel,
	)
	if err != nil {
		return fmt.Errorf("save marketplace skill %s: %w", row.ID, err)
	}
	return nil
}

// SaveUser upserts a user → tenant mapping.
func (s *Store) SaveUser(ctx context.Context, userID, tenantID string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO users (id, tenant_id) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET tenant_id = EXCLUDED.tenant_id`,
		userID, tenantID)
	if err != nil {
		return fmt.Errorf("save user %s: %w", userID, err)
	}
	return nil
}

type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanCustomSkills(rows pgxRows) ([]catalog.CustomSkillRow, error) {
	var out []catalog.CustomSkillRow
	for rows.Next() {
		var r catalog.CustomSkillRow
		var metricsJSON, defJSON []byte
		if err := rows.Scan(&r.ID, &r.TenantID, &r.SkillName, &r.Description,
			&r.TrustLevel, &metricsJSON, &defJSON); err != nil {
			return nil, fmt.Errorf("scan custom skill: %w", err)
		}
		if len(metricsJSON) > 0 {
			var m customMetrics
			if json.Unmarshal(metricsJSON, &m) == nil {
				r.Metrics = catalog.PerformanceMetrics{
					SuccessRate:     m.SuccessRate,
					TotalExecutions: m.Executions,
				}
			}
		}
		if len(defJSON) > 0 {
			var d customDefinition
			if json.Unmarshal(defJSON, &d) == nil {
				r.AgentAssignment = d.AgentAssignment
				r.Content = d.Content
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// escapeLike makes a user query safe inside an ILIKE pattern by escaping
// backslash, percent, and underscore.
func escapeLike(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(q)
}
