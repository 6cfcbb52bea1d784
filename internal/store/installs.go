package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/skillvault/internal/catalog"
)

// Install records that a user has installed a skill. Idempotent.
func (s *Store) Install(ctx context.Context, userID, skillID string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO skill_installs (user_id, skill_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, skill_id) DO NOTHING`,
		userID, skillID)
	if err != nil {
		return fmt.Errorf("install skill %s for %s: %w", skillID, userID, err)
	}
	return nil
}

// Uninstall removes a user's installation of a skill.
func (s *Store) Uninstall(ctx context.Context, userID, skillID string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM skill_installs WHERE user_id = $1 AND skill_id = $2`,
		userID, skillID)
	if err != nil {
		return fmt.Errorf("uninstall skill %s for %s: %w", skillID, userID, err)
	}
	return nil
}

// IsInstalled reports whether the user has the skill installed.
func (s *Store) IsInstalled(ctx context.Context, userID, skillID string) (bool, error) {
	var installed bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM skill_installs WHERE user_id = $1 AND skill_id = $2
		)`, userID, skillID).Scan(&installed)
	if err != nil {
		return false, fmt.Errorf("check install %s for %s: %w", skillID, userID, err)
	}
	return installed, nil
}

// RecordUsage updates the per-skill running statistics after an execution.
func (s *Store) RecordUsage(ctx context.Context, userID, skillID string, success bool, durationMs int64) error {
	successes := 0
	if success {
		successes = 1
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO skill_usage (skill_id, total_executions, successes, total_time_ms, last_user_id, last_used_at)
		VALUES ($1, 1, $2, $3, $4, NOW())
		ON CONFLICT (skill_id) DO UPDATE SET
			total_executions = skill_usage.total_executions + 1,
			successes = skill_usage.successes + $2,
			total_time_ms = skill_usage.total_time_ms + $3,
			last_user_id = $4,
			last_used_at = NOW()`,
		skillID, successes, durationMs, userID)
	if err != nil {
		return fmt.Errorf("record usage for %s: %w", skillID, err)
	}
	return nil
}

// Metrics returns the computed performance metrics for a skill. A skill with
// no recorded executions returns zero metrics.
func (s *Store) Metrics(ctx context.Context, skillID string) (catalog.PerformanceMetrics, error) {
	var total, successes, totalTime int64
	err := s.db.QueryRow(ctx, `
		SELECT total_executions, successes, total_time_ms
		FROM skill_usage WHERE skill_id = $1`, skillID).
		Scan(&total, &successes, &totalTime)
	if errors.Is(err, pgx.ErrNoRows) {
		// No usage yet is not an error condition.
		return catalog.PerformanceMetrics{}, nil
	}
	if err != nil {
		return catalog.PerformanceMetrics{}, fmt.Errorf("load metrics for %s: %w", skillID, err)
	}

	m := catalog.PerformanceMetrics{TotalExecutions: total}
	if total > 0 {
		m.SuccessRate = float64(successes) / float64(total)
		m.AvgExecutionTimeMs = float64(totalTime) / float64(total)
	}
	return m, nil
}
