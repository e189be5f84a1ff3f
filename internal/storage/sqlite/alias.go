package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gateway "github.com/eugener/mithril/internal"
)

const aliasCols = "id, name, enabled, created_at"

func scanAlias(row scanner) (*gateway.Alias, error) {
	var (
		a       gateway.Alias
		enabled int
		created string
	)
	if err := row.Scan(&a.ID, &a.Name, &enabled, &created); err != nil {
		return nil, err
	}
	a.Enabled = enabled != 0
	a.CreatedAt = parseTime(created)
	return &a, nil
}

func (s *Store) CreateAlias(ctx context.Context, a *gateway.Alias) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO aliases (id, name, enabled, created_at) VALUES (?, ?, ?, ?)`,
		a.ID, a.Name, boolToInt(a.Enabled), formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("create alias: %w", err)
	}
	return nil
}

func (s *Store) GetAlias(ctx context.Context, id string) (*gateway.Alias, error) {
	row := s.read.QueryRowContext(ctx,
		"SELECT "+aliasCols+" FROM aliases WHERE id = ?", id)
	a, err := scanAlias(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alias %s: %w", id, gateway.ErrNotFound)
	}
	return a, err
}

func (s *Store) ListAliases(ctx context.Context, offset, limit int) ([]*gateway.Alias, error) {
	rows, err := s.read.QueryContext(ctx,
		"SELECT "+aliasCols+" FROM aliases ORDER BY name LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list aliases: %w", err)
	}
	defer rows.Close()

	var out []*gateway.Alias
	for rows.Next() {
		a, err := scanAlias(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAlias(ctx context.Context, a *gateway.Alias) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE aliases SET name = ?, enabled = ? WHERE id = ?`,
		a.Name, boolToInt(a.Enabled), a.ID)
	if err != nil {
		return fmt.Errorf("update alias: %w", err)
	}
	return checkRowsAffected(res, "alias")
}

func (s *Store) DeleteAlias(ctx context.Context, id string) error {
	res, err := s.write.ExecContext(ctx, "DELETE FROM aliases WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete alias: %w", err)
	}
	return checkRowsAffected(res, "alias")
}

// --- alias targets ---

const aliasTargetCols = "id, alias_id, provider_id, model_id, enabled, extra_fields, usage_count, created_at"

func scanAliasTarget(row scanner) (*gateway.AliasTarget, error) {
	var (
		t       gateway.AliasTarget
		enabled int
		extra   string
		created string
	)
	if err := row.Scan(&t.ID, &t.AliasID, &t.ProviderID, &t.ModelID,
		&enabled, &extra, &t.UsageCount, &created); err != nil {
		return nil, err
	}
	t.Enabled = enabled != 0
	if extra != "" && extra != "{}" {
		t.ExtraFields = json.RawMessage(extra)
	}
	t.CreatedAt = parseTime(created)
	return &t, nil
}

func (s *Store) CreateAliasTarget(ctx context.Context, t *gateway.AliasTarget) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	extra := "{}"
	if len(t.ExtraFields) > 0 {
		extra = string(t.ExtraFields)
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO alias_targets (id, alias_id, provider_id, model_id, enabled, extra_fields, usage_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		t.ID, t.AliasID, t.ProviderID, t.ModelID, boolToInt(t.Enabled), extra, formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("create alias target: %w", err)
	}
	return nil
}

func (s *Store) ListAliasTargets(ctx context.Context, aliasID string) ([]*gateway.AliasTarget, error) {
	rows, err := s.read.QueryContext(ctx,
		"SELECT "+aliasTargetCols+" FROM alias_targets WHERE alias_id = ? ORDER BY created_at", aliasID)
	if err != nil {
		return nil, fmt.Errorf("list alias targets: %w", err)
	}
	defer rows.Close()

	var out []*gateway.AliasTarget
	for rows.Next() {
		t, err := scanAliasTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAliasTarget(ctx context.Context, t *gateway.AliasTarget) error {
	extra := "{}"
	if len(t.ExtraFields) > 0 {
		extra = string(t.ExtraFields)
	}
	res, err := s.write.ExecContext(ctx,
		`UPDATE alias_targets SET provider_id = ?, model_id = ?, enabled = ?, extra_fields = ? WHERE id = ?`,
		t.ProviderID, t.ModelID, boolToInt(t.Enabled), extra, t.ID)
	if err != nil {
		return fmt.Errorf("update alias target: %w", err)
	}
	return checkRowsAffected(res, "alias target")
}

func (s *Store) DeleteAliasTarget(ctx context.Context, id string) error {
	res, err := s.write.ExecContext(ctx, "DELETE FROM alias_targets WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete alias target: %w", err)
	}
	return checkRowsAffected(res, "alias target")
}

// ResolveAliasTargets joins an enabled alias to every enabled target whose
// provider is enabled and exposes an enabled endpoint of the requested api
// type. Least-used providers come first; provider id breaks ties so the
// ordering is deterministic.
func (s *Store) ResolveAliasTargets(ctx context.Context, aliasName string, apiType gateway.ApiType) ([]gateway.AliasTargetDetail, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT t.id, a.name, p.id, p.name, p.usage_count,
		        e.id, e.url, e.timeout_ms, t.model_id, t.extra_fields
		 FROM aliases a
		 JOIN alias_targets t ON t.alias_id = a.id AND t.enabled = 1
		 JOIN providers p ON p.id = t.provider_id AND p.enabled = 1
		 JOIN provider_endpoints e ON e.provider_id = p.id AND e.api_type = ? AND e.enabled = 1
		 WHERE a.name = ? AND a.enabled = 1
		 ORDER BY p.usage_count ASC, p.id ASC`,
		apiType, aliasName)
	if err != nil {
		return nil, fmt.Errorf("resolve alias targets: %w", err)
	}
	defer rows.Close()

	var out []gateway.AliasTargetDetail
	for rows.Next() {
		var (
			d     gateway.AliasTargetDetail
			extra string
		)
		if err := rows.Scan(&d.AliasTargetID, &d.AliasName, &d.ProviderID, &d.ProviderName,
			&d.ProviderUsageCount, &d.EndpointID, &d.EndpointURL, &d.TimeoutMs,
			&d.ModelID, &extra); err != nil {
			return nil, err
		}
		if extra != "" && extra != "{}" {
			d.ExtraFields = json.RawMessage(extra)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) IncrementAliasTargetUsage(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		"UPDATE alias_targets SET usage_count = usage_count + 1 WHERE id = ?", id)
	return err
}
