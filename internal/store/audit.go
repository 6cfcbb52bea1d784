package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/skillvault/internal/audit"
)

// LatestHash returns the entry hash of the newest audit entry, or "" when
// the log is empty.
func (s *Store) LatestHash(ctx context.Context) (string, error) {
	var h string
	err := s.db.QueryRow(ctx,
		`SELECT entry_hash FROM audit_log ORDER BY seq DESC LIMIT 1`).Scan(&h)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest audit hash: %w", err)
	}
	return h, nil
}

// AppendEntry persists one chained audit entry. Entries are append-only;
// there is no update or delete path.
func (s *Store) AppendEntry(ctx context.Context, e audit.Entry) error {
	var tokens []byte
	if len(e.TokensUsed) > 0 {
		var err error
		tokens, err = json.Marshal(e.TokensUsed)
		if err != nil {
			return fmt.Errorf("marshal tokens_used: %w", err)
		}
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO audit_log (
			id, ts, user_id, skill_id, skill_path, trust_level,
			input_hash, output_hash, sanitized, tokens_used,
			execution_time_ms, success, error, prev_hash, entry_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID, e.Timestamp, e.UserID, e.SkillID, e.SkillPath, e.TrustLevel,
		e.InputHash, nullable(e.OutputHash), e.Sanitized, tokens,
		e.ExecutionTimeMs, e.Success, nullable(e.Error), e.PrevHash, e.EntryHash,
	)
	if err != nil {
		return fmt.Errorf("append audit entry %s: %w", e.ID, err)
	}
	return nil
}

// Entries loads the full audit chain in append order.
func (s *Store) Entries(ctx context.Context) ([]audit.Entry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, ts, user_id, skill_id, skill_path, trust_level,
		       input_hash, COALESCE(output_hash,''), sanitized, tokens_used,
		       execution_time_ms, success, COALESCE(error,''), prev_hash, entry_hash
		FROM audit_log
		ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var tokens []byte
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.UserID, &e.SkillID, &e.SkillPath,
			&e.TrustLevel, &e.InputHash, &e.OutputHash, &e.Sanitized, &tokens,
			&e.ExecutionTimeMs, &e.Success, &e.Error, &e.PrevHash, &e.EntryHash); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if len(tokens) > 0 {
			json.Unmarshal(tokens, &e.TokensUsed)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
