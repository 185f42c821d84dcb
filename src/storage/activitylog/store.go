// Package activitylog is the durable log store: append-only activity records
// in PostgreSQL plus the aggregation queries the analytics layer runs on top
// of them.
package activitylog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"apitracker/src/clients/postgresql"
	"apitracker/src/util/retry"
)

// Record is one immutable activity event. Timestamp is server-assigned at
// ingestion time, never by the caller.
type Record struct {
	CallerID     string    `json:"caller_id"`
	CredentialID string    `json:"credential_id"`
	Endpoint     string    `json:"endpoint"`
	Method       string    `json:"method"`
	Status       int       `json:"status"`
	ElapsedMS    int64     `json:"elapsed_ms"`
	SourceIP     string    `json:"ip,omitempty"`
	UserAgent    string    `json:"ua,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type DailyUsageRow struct {
	CallerID     string    `json:"caller_id,omitempty"`
	Date         time.Time `json:"date"`
	Count        int64     `json:"count"`
	AvgElapsedMS float64   `json:"avg_elapsed"`
	Errors       int64     `json:"errors"`
}

type TopCallerRow struct {
	CallerID     string    `json:"caller_id"`
	Count        int64     `json:"count"`
	AvgElapsedMS float64   `json:"avg_elapsed"`
	Errors       int64     `json:"errors"`
	LastAccess   time.Time `json:"last_access"`
}

const schema = `
CREATE TABLE IF NOT EXISTS activity_log (
	id            BIGSERIAL PRIMARY KEY,
	caller_id     TEXT        NOT NULL,
	credential_id TEXT        NOT NULL DEFAULT '',
	endpoint      TEXT        NOT NULL,
	method        TEXT        NOT NULL,
	status        INT         NOT NULL,
	elapsed_ms    BIGINT      NOT NULL DEFAULT 0,
	source_ip     TEXT        NOT NULL DEFAULT '',
	user_agent    TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_activity_log_caller_ts ON activity_log (caller_id, created_at);
CREATE INDEX IF NOT EXISTS idx_activity_log_ts ON activity_log (created_at);
`

type Store struct {
	db     *postgresql.Client
	policy retry.Policy
	logger zerolog.Logger
}

func NewStore(db *postgresql.Client, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		policy: retry.DefaultPolicy(logger),
		logger: logger,
	}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	return retry.DoVoid(ctx, s.policy, "activitylog.EnsureSchema", func() error {
		_, err := s.db.Driver.Exec(ctx, schema)
		return err
	})
}

// BulkInsert commits the whole batch as one multi-row INSERT statement. It
// runs a single attempt; the ingestion pipeline owns the retry and decides
// when a failed batch diverts to the overflow buffer.
func (s *Store) BulkInsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	query, args := buildInsertQuery(records)

	if _, err := s.db.Driver.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("bulk insert of %d records failed: %w", len(records), err)
	}
	return nil
}

const insertColumns = "(caller_id, credential_id, endpoint, method, status, elapsed_ms, source_ip, user_agent, created_at)"

func buildInsertQuery(records []Record) (string, []any) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO activity_log ")
	sb.WriteString(insertColumns)
	sb.WriteString(" VALUES ")

	args := make([]any, 0, len(records)*9)
	for i, r := range records {
		if i > 0 {
			sb.WriteByte(',')
		}
		base := i * 9
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9)

		var userAgent any
		if r.UserAgent != "" {
			userAgent = r.UserAgent
		}
		args = append(args,
			r.CallerID, r.CredentialID, r.Endpoint, r.Method,
			r.Status, r.ElapsedMS, r.SourceIP, userAgent, r.Timestamp,
		)
	}

	return sb.String(), args
}

// DailyUsage returns one row per calendar day with activity for the caller in
// [now-days, now], newest day first.
func (s *Store) DailyUsage(ctx context.Context, callerID string, days int) ([]DailyUsageRow, error) {
	const query = `
		SELECT date_trunc('day', created_at)::date   AS day,
		       COUNT(*)                              AS cnt,
		       COALESCE(AVG(elapsed_ms), 0)          AS avg_elapsed,
		       COUNT(*) FILTER (WHERE status >= 400) AS errors
		FROM activity_log
		WHERE caller_id = $1
		  AND created_at >= now() - make_interval(days => $2)
		GROUP BY day
		ORDER BY day DESC
	`

	return retry.Do(ctx, s.policy, "activitylog.DailyUsage", func() ([]DailyUsageRow, error) {
		rows, err := s.db.ReadDriver.Query(ctx, query, callerID, days)
		if err != nil {
			return nil, fmt.Errorf("daily usage query for caller '%s' failed: %w", callerID, err)
		}
		defer rows.Close()

		var result []DailyUsageRow
		for rows.Next() {
			row := DailyUsageRow{CallerID: callerID}
			if err := rows.Scan(&row.Date, &row.Count, &row.AvgElapsedMS, &row.Errors); err != nil {
				return nil, fmt.Errorf("daily usage scan failed: %w", err)
			}
			result = append(result, row)
		}
		return result, rows.Err()
	})
}

// TopCallers aggregates over [now-hours, now] grouped by caller, ordered by
// request count descending.
func (s *Store) TopCallers(ctx context.Context, limit, hours int) ([]TopCallerRow, error) {
	const query = `
		SELECT caller_id,
		       COUNT(*)                              AS cnt,
		       COALESCE(AVG(elapsed_ms), 0)          AS avg_elapsed,
		       COUNT(*) FILTER (WHERE status >= 400) AS errors,
		       MAX(created_at)                       AS last_access
		FROM activity_log
		WHERE created_at >= now() - make_interval(hours => $1)
		GROUP BY caller_id
		ORDER BY cnt DESC
		LIMIT $2
	`

	return retry.Do(ctx, s.policy, "activitylog.TopCallers", func() ([]TopCallerRow, error) {
		rows, err := s.db.ReadDriver.Query(ctx, query, hours, limit)
		if err != nil {
			return nil, fmt.Errorf("top callers query failed: %w", err)
		}
		defer rows.Close()

		var result []TopCallerRow
		for rows.Next() {
			var row TopCallerRow
			if err := rows.Scan(&row.CallerID, &row.Count, &row.AvgElapsedMS, &row.Errors, &row.LastAccess); err != nil {
				return nil, fmt.Errorf("top callers scan failed: %w", err)
			}
			result = append(result, row)
		}
		return result, rows.Err()
	})
}

// DeleteOlderThan removes records past the retention threshold and returns
// the affected count.
func (s *Store) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	const query = `DELETE FROM activity_log WHERE created_at < now() - make_interval(days => $1)`

	return retry.Do(ctx, s.policy, "activitylog.DeleteOlderThan", func() (int64, error) {
		tag, err := s.db.Driver.Exec(ctx, query, days)
		if err != nil {
			return 0, fmt.Errorf("retention delete failed: %w", err)
		}
		return tag.RowsAffected(), nil
	})
}
