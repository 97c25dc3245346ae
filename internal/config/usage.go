package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/keygate/keygate/internal/model"
)

// ---------------------------------------------------------------------------
// Usage log
// ---------------------------------------------------------------------------

const usageColumns = `id, api_key_id, request_id, endpoint, http_method, request_body,
	response_status, response_time_ms, client_ip, user_agent, error_code, error_message, created_at`

// InsertUsageLog appends an entry to the usage log. CreatedAt defaults to now.
func (s *Store) InsertUsageLog(ctx context.Context, entry *model.UsageLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	} else {
		entry.CreatedAt = entry.CreatedAt.UTC()
	}

	const q = `INSERT INTO usage_logs
		(api_key_id, request_id, endpoint, http_method, request_body, response_status,
		 response_time_ms, client_ip, user_agent, error_code, error_message, created_at)
		VALUES
		(:api_key_id, :request_id, :endpoint, :http_method, :request_body, :response_status,
		 :response_time_ms, :client_ip, :user_agent, :error_code, :error_message, :created_at)`

	id, err := s.insert(ctx, q, entry)
	if err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	entry.ID = id
	return nil
}

func usageWhere(filter model.UsageFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if filter.APIKeyID != nil {
		where = append(where, "api_key_id = ?")
		args = append(args, *filter.APIKeyID)
	}
	if filter.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, filter.From.UTC())
	}
	if filter.To != nil {
		where = append(where, "created_at <= ?")
		args = append(args, filter.To.UTC())
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

// ListUsageLogs returns one page of entries matching filter, newest first,
// and the total number of matching entries.
func (s *Store) ListUsageLogs(ctx context.Context, filter model.UsageFilter) ([]model.UsageLogEntry, int64, error) {
	clause, args := usageWhere(filter)

	var total int64
	if err := s.db.GetContext(ctx, &total, s.db.Rebind("SELECT COUNT(*) FROM usage_logs"+clause), args...); err != nil {
		return nil, 0, fmt.Errorf("count usage logs: %w", err)
	}

	q, pageArgs := s.dialect.paginate(
		"SELECT "+usageColumns+" FROM usage_logs"+clause+" ORDER BY created_at DESC, id DESC",
		append([]any(nil), args...), filter.Limit, filter.Offset)

	entries := []model.UsageLogEntry{}
	if err := s.db.SelectContext(ctx, &entries, s.db.Rebind(q), pageArgs...); err != nil {
		return nil, 0, fmt.Errorf("list usage logs: %w", err)
	}
	return entries, total, nil
}

// UsageStatistics aggregates entries matching filter. Success means a
// status below 400.
func (s *Store) UsageStatistics(ctx context.Context, filter model.UsageFilter) (*model.UsageStats, error) {
	clause, args := usageWhere(filter)

	q := `SELECT
		COUNT(*) AS total_requests,
		COALESCE(AVG(response_time_ms * 1.0), 0) AS avg_response_time,
		COALESCE(SUM(CASE WHEN response_status < 400 THEN 1 ELSE 0 END), 0) AS success_count,
		COALESCE(SUM(CASE WHEN response_status >= 400 AND response_status < 500 THEN 1 ELSE 0 END), 0) AS client_error_count,
		COALESCE(SUM(CASE WHEN response_status >= 500 THEN 1 ELSE 0 END), 0) AS server_error_count
		FROM usage_logs` + clause

	var stats model.UsageStats
	if err := s.db.GetContext(ctx, &stats, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("usage statistics: %w", err)
	}
	return &stats, nil
}

// HourlyUsage returns 24 buckets for the UTC day starting at day. Hours
// without traffic are present with zero counts. Bucketing happens here rather
// than in SQL so the same code works on every dialect.
func (s *Store) HourlyUsage(ctx context.Context, day time.Time, apiKeyID *int64) ([]model.HourlyBucket, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	q := "SELECT created_at, response_time_ms FROM usage_logs WHERE created_at >= ? AND created_at < ?"
	args := []any{start, end}
	if apiKeyID != nil {
		q += " AND api_key_id = ?"
		args = append(args, *apiKeyID)
	}

	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("hourly usage: %w", err)
	}
	defer rows.Close()

	var (
		counts [24]int64
		totals [24]int64
	)
	for rows.Next() {
		var (
			createdAt time.Time
			ms        int64
		)
		if err := rows.Scan(&createdAt, &ms); err != nil {
			return nil, fmt.Errorf("scan hourly usage: %w", err)
		}
		h := createdAt.UTC().Hour()
		counts[h]++
		totals[h] += ms
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("hourly usage rows: %w", err)
	}

	buckets := make([]model.HourlyBucket, 24)
	for h := range buckets {
		buckets[h] = model.HourlyBucket{Hour: h, Requests: counts[h]}
		if counts[h] > 0 {
			buckets[h].AvgResponseTimeMs = float64(totals[h]) / float64(counts[h])
		}
	}
	return buckets, nil
}

// PurgeUsageLogs deletes entries created before cutoff and returns how many
// were removed.
func (s *Store) PurgeUsageLogs(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.exec(ctx, "DELETE FROM usage_logs WHERE created_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge usage logs: %w", err)
	}
	return n, nil
}
