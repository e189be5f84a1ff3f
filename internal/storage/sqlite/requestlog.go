package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gateway "github.com/eugener/mithril/internal"
)

const requestLogCols = `id, request_id, gateway_key_id, api_type, model, alias, provider, endpoint,
	status_code, latency_ms, client_ip, user_agent, request_body, request_body_hash,
	response_body, request_content_type, response_content_type,
	prompt_tokens, completion_tokens, total_tokens, created_at`

func scanRequestLog(row scanner) (*gateway.RequestLog, error) {
	var (
		l                                       gateway.RequestLog
		keyID, model, alias, provider, endpoint sql.NullString
		status, latency                         sql.NullInt64
		ip, ua, bodyHash, reqCT, respCT         sql.NullString
		prompt, completion, total               sql.NullInt64
		created                                 string
	)
	if err := row.Scan(&l.ID, &l.RequestID, &keyID, &l.ApiType, &model, &alias, &provider, &endpoint,
		&status, &latency, &ip, &ua, &l.RequestBody, &bodyHash,
		&l.ResponseBody, &reqCT, &respCT,
		&prompt, &completion, &total, &created); err != nil {
		return nil, err
	}
	l.GatewayKeyID = keyID.String
	l.Model = model.String
	l.Alias = alias.String
	l.Provider = provider.String
	l.Endpoint = endpoint.String
	l.StatusCode = intPtr(status)
	l.LatencyMs = intPtr(latency)
	l.ClientIP = ip.String
	l.UserAgent = ua.String
	l.RequestBodyHash = bodyHash.String
	l.RequestContentType = reqCT.String
	l.ResponseContentType = respCT.String
	l.PromptTokens = intPtr(prompt)
	l.CompletionTokens = intPtr(completion)
	l.TotalTokens = intPtr(total)
	l.CreatedAt = parseTime(created)
	return &l, nil
}

func (s *Store) InsertRequestLog(ctx context.Context, l *gateway.RequestLog) (int64, error) {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	res, err := s.write.ExecContext(ctx,
		`INSERT INTO request_logs (request_id, gateway_key_id, api_type, model, alias, provider, endpoint,
		 status_code, latency_ms, client_ip, user_agent, request_body, request_body_hash,
		 response_body, request_content_type, response_content_type,
		 prompt_tokens, completion_tokens, total_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.RequestID, nullString(l.GatewayKeyID), l.ApiType, nullString(l.Model),
		nullString(l.Alias), nullString(l.Provider), nullString(l.Endpoint),
		nullInt(l.StatusCode), nullInt(l.LatencyMs),
		nullString(l.ClientIP), nullString(l.UserAgent),
		l.RequestBody, nullString(l.RequestBodyHash),
		l.ResponseBody, nullString(l.RequestContentType), nullString(l.ResponseContentType),
		nullInt(l.PromptTokens), nullInt(l.CompletionTokens), nullInt(l.TotalTokens),
		formatTime(l.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert request log: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) InsertCacheLog(ctx context.Context, l *gateway.CacheLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO cache_log (request_id, source_request_log_id, gateway_key_id, cache_layer,
		 latency_ms, client_ip, user_agent, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.RequestID, l.SourceRequestLogID, nullString(l.GatewayKeyID), l.CacheLayer,
		l.LatencyMs, nullString(l.ClientIP), nullString(l.UserAgent), formatTime(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert cache log: %w", err)
	}
	return nil
}

// FindCachedResponse returns the newest successful, non-empty response
// recorded for the given body hash. The partial index on request_body_hash
// makes this a point lookup.
func (s *Store) FindCachedResponse(ctx context.Context, bodyHashHex string) (*gateway.CachedResponse, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, status_code, response_body, COALESCE(response_content_type, '')
		 FROM request_logs
		 WHERE request_body_hash = ?
		   AND status_code BETWEEN 200 AND 299
		   AND response_body IS NOT NULL AND length(response_body) > 0
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		bodyHashHex)

	var cr gateway.CachedResponse
	err := row.Scan(&cr.SourceRequestLogID, &cr.StatusCode, &cr.ResponseBody, &cr.ResponseContentType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateway.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find cached response: %w", err)
	}
	return &cr, nil
}

func (s *Store) ListRequestLogs(ctx context.Context, offset, limit int) ([]*gateway.RequestLog, error) {
	rows, err := s.read.QueryContext(ctx,
		"SELECT "+requestLogCols+" FROM request_logs ORDER BY id DESC LIMIT ? OFFSET ?",
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list request logs: %w", err)
	}
	defer rows.Close()

	var out []*gateway.RequestLog
	for rows.Next() {
		l, err := scanRequestLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) GetRequestLog(ctx context.Context, requestID string) (*gateway.RequestLog, error) {
	row := s.read.QueryRowContext(ctx,
		"SELECT "+requestLogCols+" FROM request_logs WHERE request_id = ?", requestID)
	l, err := scanRequestLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request log %s: %w", requestID, gateway.ErrNotFound)
	}
	return l, err
}

// --- stats ---

func (s *Store) RequestsOverTime(ctx context.Context, since time.Time) ([]gateway.StatBucket, error) {
	// Hourly buckets. Timestamps are stored RFC3339 UTC so substr yields
	// "2026-08-24T15", which we normalize back to a full hour stamp.
	rows, err := s.read.QueryContext(ctx,
		`SELECT substr(created_at, 1, 13) || ':00:00Z' AS bucket, COUNT(*)
		 FROM request_logs
		 WHERE created_at >= ?
		 GROUP BY bucket
		 ORDER BY bucket`,
		formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("requests over time: %w", err)
	}
	defer rows.Close()

	var out []gateway.StatBucket
	for rows.Next() {
		var b gateway.StatBucket
		if err := rows.Scan(&b.Bucket, &b.Count); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) RequestsByProvider(ctx context.Context, since time.Time) ([]gateway.ProviderCount, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT COALESCE(provider, ''), COUNT(*)
		 FROM request_logs
		 WHERE created_at >= ?
		 GROUP BY provider
		 ORDER BY COUNT(*) DESC`,
		formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("requests by provider: %w", err)
	}
	defer rows.Close()

	var out []gateway.ProviderCount
	for rows.Next() {
		var c gateway.ProviderCount
		if err := rows.Scan(&c.Provider, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) CacheHitRate(ctx context.Context, since time.Time) (gateway.CacheHitRate, error) {
	var hr gateway.CacheHitRate
	sinceStr := formatTime(since)

	row := s.read.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM cache_log WHERE created_at >= ?", sinceStr)
	if err := row.Scan(&hr.Hits); err != nil {
		return hr, fmt.Errorf("cache hit rate: %w", err)
	}
	row = s.read.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM request_logs WHERE created_at >= ?", sinceStr)
	if err := row.Scan(&hr.Requests); err != nil {
		return hr, fmt.Errorf("cache hit rate: %w", err)
	}
	return hr, nil
}
