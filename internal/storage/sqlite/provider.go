package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gateway "github.com/eugener/mithril/internal"
)

// --- providers ---

const providerCols = "id, name, brief, enabled, usage_count, created_at"

func scanProvider(row scanner) (*gateway.Provider, error) {
	var (
		p       gateway.Provider
		brief   sql.NullString
		enabled int
		created string
	)
	if err := row.Scan(&p.ID, &p.Name, &brief, &enabled, &p.UsageCount, &created); err != nil {
		return nil, err
	}
	p.Brief = brief.String
	p.Enabled = enabled != 0
	p.CreatedAt = parseTime(created)
	return &p, nil
}

func (s *Store) CreateProvider(ctx context.Context, p *gateway.Provider) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO providers (id, name, brief, enabled, usage_count, created_at)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		p.ID, p.Name, nullString(p.Brief), boolToInt(p.Enabled), formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}
	return nil
}

func (s *Store) GetProvider(ctx context.Context, id string) (*gateway.Provider, error) {
	row := s.read.QueryRowContext(ctx,
		"SELECT "+providerCols+" FROM providers WHERE id = ?", id)
	p, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("provider %s: %w", id, gateway.ErrNotFound)
	}
	return p, err
}

func (s *Store) GetProviderByBrief(ctx context.Context, brief string) (*gateway.Provider, error) {
	row := s.read.QueryRowContext(ctx,
		"SELECT "+providerCols+" FROM providers WHERE brief = ? AND enabled = 1", brief)
	p, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("provider brief %q: %w", brief, gateway.ErrNotFound)
	}
	return p, err
}

func (s *Store) ListProviders(ctx context.Context) ([]*gateway.Provider, error) {
	rows, err := s.read.QueryContext(ctx,
		"SELECT "+providerCols+" FROM providers ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var out []*gateway.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UpdateProvider(ctx context.Context, p *gateway.Provider) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE providers SET name = ?, brief = ?, enabled = ? WHERE id = ?`,
		p.Name, nullString(p.Brief), boolToInt(p.Enabled), p.ID)
	if err != nil {
		return fmt.Errorf("update provider: %w", err)
	}
	return checkRowsAffected(res, "provider")
}

func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	res, err := s.write.ExecContext(ctx, "DELETE FROM providers WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	return checkRowsAffected(res, "provider")
}

func (s *Store) IncrementProviderUsage(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		"UPDATE providers SET usage_count = usage_count + 1 WHERE id = ?", id)
	return err
}

// --- endpoints ---

const endpointCols = "id, provider_id, api_type, url, timeout_ms, enabled, usage_count, created_at"

func scanEndpoint(row scanner) (*gateway.ProviderEndpoint, error) {
	var (
		e       gateway.ProviderEndpoint
		enabled int
		created string
	)
	if err := row.Scan(&e.ID, &e.ProviderID, &e.ApiType, &e.URL, &e.TimeoutMs,
		&enabled, &e.UsageCount, &created); err != nil {
		return nil, err
	}
	e.Enabled = enabled != 0
	e.CreatedAt = parseTime(created)
	return &e, nil
}

func (s *Store) CreateEndpoint(ctx context.Context, e *gateway.ProviderEndpoint) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO provider_endpoints (id, provider_id, api_type, url, timeout_ms, enabled, usage_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		e.ID, e.ProviderID, e.ApiType, e.URL, e.TimeoutMs, boolToInt(e.Enabled), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("create endpoint: %w", err)
	}
	return nil
}

func (s *Store) ListEndpointsByProvider(ctx context.Context, providerID string) ([]*gateway.ProviderEndpoint, error) {
	rows, err := s.read.QueryContext(ctx,
		"SELECT "+endpointCols+" FROM provider_endpoints WHERE provider_id = ? ORDER BY api_type", providerID)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	defer rows.Close()

	var out []*gateway.ProviderEndpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) UpdateEndpoint(ctx context.Context, e *gateway.ProviderEndpoint) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE provider_endpoints SET api_type = ?, url = ?, timeout_ms = ?, enabled = ? WHERE id = ?`,
		e.ApiType, e.URL, e.TimeoutMs, boolToInt(e.Enabled), e.ID)
	if err != nil {
		return fmt.Errorf("update endpoint: %w", err)
	}
	return checkRowsAffected(res, "endpoint")
}

func (s *Store) DeleteEndpoint(ctx context.Context, id string) error {
	res, err := s.write.ExecContext(ctx, "DELETE FROM provider_endpoints WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete endpoint: %w", err)
	}
	return checkRowsAffected(res, "endpoint")
}

func (s *Store) IncrementEndpointUsage(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		"UPDATE provider_endpoints SET usage_count = usage_count + 1 WHERE id = ?", id)
	return err
}

// --- provider keys ---

const providerKeyCols = "id, provider_id, name, key, weight, usage_count, enabled, fail_count, circuit_open_until, last_fail_at, created_at"

func scanProviderKey(row scanner) (*gateway.ProviderKey, error) {
	var (
		k         gateway.ProviderKey
		name      sql.NullString
		enabled   int
		openUntil sql.NullString
		lastFail  sql.NullString
		created   string
	)
	if err := row.Scan(&k.ID, &k.ProviderID, &name, &k.Key, &k.Weight, &k.UsageCount,
		&enabled, &k.FailCount, &openUntil, &lastFail, &created); err != nil {
		return nil, err
	}
	k.Name = name.String
	k.Enabled = enabled != 0
	k.CircuitOpenUntil = parseNullTime(openUntil)
	k.LastFailAt = parseNullTime(lastFail)
	k.CreatedAt = parseTime(created)
	return &k, nil
}

func (s *Store) CreateProviderKey(ctx context.Context, k *gateway.ProviderKey) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	if k.Weight <= 0 {
		k.Weight = 1
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO provider_keys (id, provider_id, name, key, weight, usage_count, enabled, fail_count, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, 0, ?)`,
		k.ID, k.ProviderID, nullString(k.Name), k.Key, k.Weight, boolToInt(k.Enabled), formatTime(k.CreatedAt))
	if err != nil {
		return fmt.Errorf("create provider key: %w", err)
	}
	return nil
}

func (s *Store) ListProviderKeys(ctx context.Context, providerID string) ([]*gateway.ProviderKey, error) {
	rows, err := s.read.QueryContext(ctx,
		"SELECT "+providerKeyCols+" FROM provider_keys WHERE provider_id = ? ORDER BY created_at", providerID)
	if err != nil {
		return nil, fmt.Errorf("list provider keys: %w", err)
	}
	defer rows.Close()

	var out []*gateway.ProviderKey
	for rows.Next() {
		k, err := scanProviderKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) UpdateProviderKey(ctx context.Context, k *gateway.ProviderKey) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE provider_keys SET name = ?, key = ?, weight = ?, enabled = ? WHERE id = ?`,
		nullString(k.Name), k.Key, k.Weight, boolToInt(k.Enabled), k.ID)
	if err != nil {
		return fmt.Errorf("update provider key: %w", err)
	}
	return checkRowsAffected(res, "provider key")
}

func (s *Store) DeleteProviderKey(ctx context.Context, id string) error {
	res, err := s.write.ExecContext(ctx, "DELETE FROM provider_keys WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete provider key: %w", err)
	}
	return checkRowsAffected(res, "provider key")
}

// EligibleProviderKeys returns enabled keys whose circuit is closed at the
// given instant, least-used first. Circuit expiry is compared in SQL so the
// ordering and the filter see the same snapshot.
func (s *Store) EligibleProviderKeys(ctx context.Context, providerID string, now time.Time) ([]gateway.ProviderKey, error) {
	rows, err := s.read.QueryContext(ctx,
		"SELECT "+providerKeyCols+` FROM provider_keys
		 WHERE provider_id = ? AND enabled = 1
		   AND (circuit_open_until IS NULL OR circuit_open_until <= ?)
		 ORDER BY usage_count ASC, id ASC`,
		providerID, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("eligible provider keys: %w", err)
	}
	defer rows.Close()

	var out []gateway.ProviderKey
	for rows.Next() {
		k, err := scanProviderKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

func (s *Store) IncrementProviderKeyUsage(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		"UPDATE provider_keys SET usage_count = usage_count + 1 WHERE id = ?", id)
	return err
}

func (s *Store) DisableProviderKey(ctx context.Context, id string) error {
	res, err := s.write.ExecContext(ctx,
		"UPDATE provider_keys SET enabled = 0 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("disable provider key: %w", err)
	}
	return checkRowsAffected(res, "provider key")
}

func (s *Store) RecordProviderKeyFailure(ctx context.Context, id string, openUntil *time.Time) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE provider_keys
		 SET fail_count = fail_count + 1, last_fail_at = ?, circuit_open_until = ?
		 WHERE id = ?`,
		formatTime(time.Now()), formatNullTime(openUntil), id)
	if err != nil {
		return fmt.Errorf("record provider key failure: %w", err)
	}
	return checkRowsAffected(res, "provider key")
}
