package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gateway "github.com/eugener/mithril/internal"
)

const gatewayKeyCols = "id, name, key, enabled, rate_limit_rps, rate_limit_rpm, created_at"

func scanGatewayKey(row scanner) (*gateway.GatewayKey, error) {
	var (
		k       gateway.GatewayKey
		name    sql.NullString
		enabled int
		rps     sql.NullInt64
		rpm     sql.NullInt64
		created string
	)
	if err := row.Scan(&k.ID, &name, &k.Key, &enabled, &rps, &rpm, &created); err != nil {
		return nil, err
	}
	k.Name = name.String
	k.Enabled = enabled != 0
	k.RateLimitRPS = intPtr(rps)
	k.RateLimitRPM = intPtr(rpm)
	k.CreatedAt = parseTime(created)
	return &k, nil
}

// GetGatewayKeyBySecret resolves an enabled key by its secret. Disabled keys
// are indistinguishable from unknown ones.
func (s *Store) GetGatewayKeyBySecret(ctx context.Context, secret string) (*gateway.GatewayKey, error) {
	row := s.read.QueryRowContext(ctx,
		"SELECT "+gatewayKeyCols+" FROM gateway_keys WHERE key = ? AND enabled = 1", secret)
	k, err := scanGatewayKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateway.ErrNotFound
	}
	return k, err
}

func (s *Store) GetGatewayKey(ctx context.Context, id string) (*gateway.GatewayKey, error) {
	row := s.read.QueryRowContext(ctx,
		"SELECT "+gatewayKeyCols+" FROM gateway_keys WHERE id = ?", id)
	k, err := scanGatewayKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("gateway key %s: %w", id, gateway.ErrNotFound)
	}
	return k, err
}

func (s *Store) ListGatewayKeys(ctx context.Context, offset, limit int) ([]*gateway.GatewayKey, error) {
	rows, err := s.read.QueryContext(ctx,
		"SELECT "+gatewayKeyCols+" FROM gateway_keys ORDER BY created_at DESC LIMIT ? OFFSET ?",
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list gateway keys: %w", err)
	}
	defer rows.Close()

	var out []*gateway.GatewayKey
	for rows.Next() {
		k, err := scanGatewayKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) CreateGatewayKey(ctx context.Context, k *gateway.GatewayKey) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO gateway_keys (id, name, key, enabled, rate_limit_rps, rate_limit_rpm, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		k.ID, nullString(k.Name), k.Key, boolToInt(k.Enabled),
		nullInt(k.RateLimitRPS), nullInt(k.RateLimitRPM), formatTime(k.CreatedAt))
	if err != nil {
		return fmt.Errorf("create gateway key: %w", err)
	}
	return nil
}

func (s *Store) UpdateGatewayKey(ctx context.Context, k *gateway.GatewayKey) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE gateway_keys SET name = ?, enabled = ?, rate_limit_rps = ?, rate_limit_rpm = ? WHERE id = ?`,
		nullString(k.Name), boolToInt(k.Enabled), nullInt(k.RateLimitRPS), nullInt(k.RateLimitRPM), k.ID)
	if err != nil {
		return fmt.Errorf("update gateway key: %w", err)
	}
	return checkRowsAffected(res, "gateway key")
}

func (s *Store) DeleteGatewayKey(ctx context.Context, id string) error {
	res, err := s.write.ExecContext(ctx, "DELETE FROM gateway_keys WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete gateway key: %w", err)
	}
	return checkRowsAffected(res, "gateway key")
}

func (s *Store) ModelWhitelist(ctx context.Context, gatewayKeyID string) ([]string, error) {
	rows, err := s.read.QueryContext(ctx,
		"SELECT model FROM gateway_key_models WHERE gateway_key_id = ? ORDER BY model", gatewayKeyID)
	if err != nil {
		return nil, fmt.Errorf("model whitelist: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetModelWhitelist replaces the whitelist atomically. Passing an empty slice
// clears it, which removes the model restriction entirely.
func (s *Store) SetModelWhitelist(ctx context.Context, gatewayKeyID string, models []string) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM gateway_key_models WHERE gateway_key_id = ?", gatewayKeyID); err != nil {
		return fmt.Errorf("clear whitelist: %w", err)
	}
	for _, m := range models {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO gateway_key_models (gateway_key_id, model) VALUES (?, ?)",
			gatewayKeyID, m); err != nil {
			return fmt.Errorf("insert whitelist entry: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) RateLimits(ctx context.Context, gatewayKeyID string) (rps, rpm *int, err error) {
	var nrps, nrpm sql.NullInt64
	row := s.read.QueryRowContext(ctx,
		"SELECT rate_limit_rps, rate_limit_rpm FROM gateway_keys WHERE id = ?", gatewayKeyID)
	if err := row.Scan(&nrps, &nrpm); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("gateway key %s: %w", gatewayKeyID, gateway.ErrNotFound)
		}
		return nil, nil, err
	}
	return intPtr(nrps), intPtr(nrpm), nil
}
