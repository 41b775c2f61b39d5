// internal/repository/gateway_config_repository.go
package repository

import (
	"context"
	"database/sql"
	"time"

	sq "github.com/Masterminds/squirrel"

	appErrors "github.com/unclebandit/eduops-messaging/internal/errors"
	"github.com/unclebandit/eduops-messaging/internal/model"
)

type GatewayConfigRepositoryInterface interface {
	GetByID(ctx context.Context, id int) (*model.GatewayConfig, error)
	ListActive(ctx context.Context, channel model.ChannelType) ([]*model.GatewayConfig, error)
	List(ctx context.Context) ([]*model.GatewayConfig, error)

	// Counters. Reservation happens before dispatch so that concurrent
	// senders can never push daily_sent past daily_limit.
	ReserveQuota(ctx context.Context, id int) (bool, error)
	ReleaseQuota(ctx context.Context, id int) error
	IncrementSent(ctx context.Context, id int, at time.Time) error
	IncrementFailed(ctx context.Context, id int) error
	// ResetDailyCounters zeroes daily_sent on gateways not yet reset for day.
	// Repeating it within the same day changes nothing.
	ResetDailyCounters(ctx context.Context, day time.Time) (int64, error)
}

var _ GatewayConfigRepositoryInterface = (*GatewayConfigRepository)(nil)

type GatewayConfigRepository struct {
	DB *sql.DB
}

func NewGatewayConfigRepository(db *sql.DB) *GatewayConfigRepository {
	return &GatewayConfigRepository{DB: db}
}

var gatewayColumns = []string{
	"id", "name", "channel_type", "vendor", "credentials", "is_active", "is_default", "priority",
	"daily_limit", "daily_sent", "total_sent", "total_failed", "cost_per_message", "last_used_at",
	"created_at", "updated_at",
}

func scanGateway(s scanner) (*model.GatewayConfig, error) {
	var g model.GatewayConfig
	err := s.Scan(
		&g.ID, &g.Name, &g.ChannelType, &g.Vendor, &g.Credentials, &g.IsActive, &g.IsDefault, &g.Priority,
		&g.DailyLimit, &g.DailySent, &g.TotalSent, &g.TotalFailed, &g.CostPerMessage, &g.LastUsedAt,
		&g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *GatewayConfigRepository) GetByID(ctx context.Context, id int) (*model.GatewayConfig, error) {
	row, err := queryRow(ctx, r.DB, "get gateway", psql.Select(gatewayColumns...).
		From("gateway_configs").
		Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	g, err := scanGateway(row)
	if err != nil {
		return nil, appErrors.NewPersistenceError("get gateway", notFound(err, "gateway", id))
	}
	return g, nil
}

func (r *GatewayConfigRepository) ListActive(ctx context.Context, channel model.ChannelType) ([]*model.GatewayConfig, error) {
	return r.list(ctx, psql.Select(gatewayColumns...).
		From("gateway_configs").
		Where(sq.Eq{"channel_type": channel, "is_active": true}).
		OrderBy("is_default DESC", "priority DESC", "total_sent ASC", "id ASC"))
}

func (r *GatewayConfigRepository) List(ctx context.Context) ([]*model.GatewayConfig, error) {
	return r.list(ctx, psql.Select(gatewayColumns...).
		From("gateway_configs").
		OrderBy("channel_type", "id"))
}

func (r *GatewayConfigRepository) list(ctx context.Context, b sq.SelectBuilder) ([]*model.GatewayConfig, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, appErrors.NewPersistenceError("build list gateways", err)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, appErrors.NewPersistenceError("list gateways", err)
	}
	defer rows.Close()

	var out []*model.GatewayConfig
	for rows.Next() {
		g, err := scanGateway(rows)
		if err != nil {
			return nil, appErrors.NewPersistenceError("scan gateway", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, appErrors.NewPersistenceError("list gateways", err)
	}
	return out, nil
}

// ReserveQuota takes one unit of the daily quota. It reports false when the
// gateway is exhausted or inactive; the check and increment are one statement.
func (r *GatewayConfigRepository) ReserveQuota(ctx context.Context, id int) (bool, error) {
	n, err := exec(ctx, r.DB, "reserve quota", psql.Update("gateway_configs").
		Set("daily_sent", sq.Expr("daily_sent + 1")).
		Where(sq.Eq{"id": id, "is_active": true}).
		Where("(daily_limit = 0 OR daily_sent < daily_limit)"))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *GatewayConfigRepository) ReleaseQuota(ctx context.Context, id int) error {
	_, err := exec(ctx, r.DB, "release quota", psql.Update("gateway_configs").
		Set("daily_sent", sq.Expr("GREATEST(daily_sent - 1, 0)")).
		Where(sq.Eq{"id": id}))
	return err
}

func (r *GatewayConfigRepository) IncrementSent(ctx context.Context, id int, at time.Time) error {
	_, err := exec(ctx, r.DB, "increment sent", psql.Update("gateway_configs").
		Set("total_sent", sq.Expr("total_sent + 1")).
		Set("last_used_at", at).
		Where(sq.Eq{"id": id}))
	return err
}

func (r *GatewayConfigRepository) IncrementFailed(ctx context.Context, id int) error {
	_, err := exec(ctx, r.DB, "increment failed", psql.Update("gateway_configs").
		Set("total_failed", sq.Expr("total_failed + 1")).
		Where(sq.Eq{"id": id}))
	return err
}

func (r *GatewayConfigRepository) ResetDailyCounters(ctx context.Context, day time.Time) (int64, error) {
	d := day.UTC().Format("2006-01-02")
	return exec(ctx, r.DB, "reset daily counters", psql.Update("gateway_configs").
		Set("daily_sent", 0).
		Set("daily_reset_on", d).
		Where(sq.Or{sq.Eq{"daily_reset_on": nil}, sq.Lt{"daily_reset_on": d}}))
}
