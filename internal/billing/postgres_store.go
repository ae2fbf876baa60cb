package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) LogRoute(ctx context.Context, log *RouteLog) error {
	query := `
		INSERT INTO route_logs (request_id, caller_id, variant, provider, model, tokens_used, cost_usd, fallback_count, success, reasoning, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		log.RequestID, log.CallerID, log.Variant, log.Provider, log.Model,
		log.TokensUsed, log.CostUSD, log.FallbackCount, log.Success, log.Reasoning, log.LatencyMs,
	).Scan(&log.ID, &log.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to log route: %w", err)
	}

	return nil
}

func (s *PostgresStore) GetRoutesByCaller(ctx context.Context, callerID string, from, to time.Time) ([]*RouteLog, error) {
	query := `
		SELECT id, request_id, caller_id, variant, provider, model, tokens_used, cost_usd, fallback_count, success, reasoning, latency_ms, created_at
		FROM route_logs
		WHERE caller_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, callerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query route logs: %w", err)
	}
	defer rows.Close()

	var logs []*RouteLog
	for rows.Next() {
		var l RouteLog
		err := rows.Scan(
			&l.ID, &l.RequestID, &l.CallerID, &l.Variant, &l.Provider, &l.Model,
			&l.TokensUsed, &l.CostUSD, &l.FallbackCount, &l.Success, &l.Reasoning, &l.LatencyMs, &l.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan route log: %w", err)
		}
		logs = append(logs, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating route logs: %w", err)
	}

	return logs, nil
}

func (s *PostgresStore) GetTotalCostByCaller(ctx context.Context, callerID string, from, to time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM route_logs
		WHERE caller_id = $1 AND created_at BETWEEN $2 AND $3
	`
	var total float64
	err := s.db.QueryRow(ctx, query, callerID, from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to get total cost: %w", err)
	}

	return total, nil
}
