// internal/repository/queued_message_repository.go
package repository

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/shopspring/decimal"

	appErrors "github.com/unclebandit/eduops-messaging/internal/errors"
	"github.com/unclebandit/eduops-messaging/internal/model"
)

type QueuedMessageRepositoryInterface interface {
	Create(ctx context.Context, m *model.QueuedMessage) error
	GetByID(ctx context.Context, id int) (*model.QueuedMessage, error)

	// ClaimDue moves up to limit due rows from pending to processing and
	// returns them oldest first. Concurrent callers never receive the same row.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*model.QueuedMessage, error)
	// Release hands a claimed row back to pending without consuming a retry.
	Release(ctx context.Context, id int) error
	// ReclaimStale recovers rows whose worker vanished: processing rows not
	// touched since olderThan go back to pending, or to failed when that was
	// their last retry.
	ReclaimStale(ctx context.Context, olderThan time.Time) (int64, error)
	MarkSent(ctx context.Context, id, gatewayID int, externalID string, cost decimal.NullDecimal, at time.Time) error
	// MarkAttemptFailed consumes one retry and returns the resulting status,
	// which is failed once retry_count reaches max_retries.
	MarkAttemptFailed(ctx context.Context, id int, errMsg string) (model.MessageStatus, int, error)
	MarkFailed(ctx context.Context, id int, gatewayID *int, errMsg string) error

	FindByGatewayMessageID(ctx context.Context, externalID string) (*model.QueuedMessage, error)
	// ApplyDeliveryStatus moves a sent row to delivered or failed. It reports
	// false when no sent row carries externalID, which makes repeats no-ops.
	ApplyDeliveryStatus(ctx context.Context, externalID string, status model.MessageStatus, errMsg *string, at time.Time) (*model.QueuedMessage, bool, error)
	CountByStatus(ctx context.Context) (map[model.MessageStatus]int, error)
}

var _ QueuedMessageRepositoryInterface = (*QueuedMessageRepository)(nil)

type QueuedMessageRepository struct {
	DB *sql.DB
}

func NewQueuedMessageRepository(db *sql.DB) *QueuedMessageRepository {
	return &QueuedMessageRepository{DB: db}
}

var messageColumns = []string{
	"id", "gateway_id", "channel_type", "recipient", "body", "template_id", "entity_type", "entity_id",
	"metadata", "scheduled_at", "status", "retry_count", "max_retries", "gateway_message_id", "cost",
	"error_message", "created_by", "created_at", "sent_at", "delivered_at", "updated_at",
}

func scanMessage(s scanner) (*model.QueuedMessage, error) {
	var m model.QueuedMessage
	err := s.Scan(
		&m.ID, &m.GatewayID, &m.ChannelType, &m.Recipient, &m.Body, &m.TemplateID, &m.EntityType, &m.EntityID,
		&m.Metadata, &m.ScheduledAt, &m.Status, &m.RetryCount, &m.MaxRetries, &m.GatewayMessageID, &m.Cost,
		&m.ErrorMessage, &m.CreatedBy, &m.CreatedAt, &m.SentAt, &m.DeliveredAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func returning(cols []string) string {
	return "RETURNING " + strings.Join(cols, ", ")
}

func (r *QueuedMessageRepository) Create(ctx context.Context, m *model.QueuedMessage) error {
	if m.Status == "" {
		m.Status = model.StatusPending
	}
	if m.Metadata == nil {
		m.Metadata = model.JSONMap{}
	}
	row, err := queryRow(ctx, r.DB, "create message", psql.Insert("queued_messages").
		Columns("gateway_id", "channel_type", "recipient", "body", "template_id", "entity_type", "entity_id",
			"metadata", "scheduled_at", "status", "retry_count", "max_retries", "created_by").
		Values(m.GatewayID, m.ChannelType, m.Recipient, m.Body, m.TemplateID, m.EntityType, m.EntityID,
			m.Metadata, m.ScheduledAt, m.Status, m.RetryCount, m.MaxRetries, m.CreatedBy).
		Suffix("RETURNING id, created_at, updated_at"))
	if err != nil {
		return err
	}
	if err := row.Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return appErrors.NewPersistenceError("create message", err)
	}
	return nil
}

func (r *QueuedMessageRepository) GetByID(ctx context.Context, id int) (*model.QueuedMessage, error) {
	row, err := queryRow(ctx, r.DB, "get message", psql.Select(messageColumns...).
		From("queued_messages").
		Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	m, err := scanMessage(row)
	if err != nil {
		return nil, appErrors.NewPersistenceError("get message", notFound(err, "message", id))
	}
	return m, nil
}

func (r *QueuedMessageRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*model.QueuedMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	due := sq.Select("id").
		From("queued_messages").
		Where(sq.Eq{"status": model.StatusPending}).
		Where(sq.Or{sq.Eq{"scheduled_at": nil}, sq.LtOrEq{"scheduled_at": now}}).
		Where("retry_count < max_retries").
		OrderBy("created_at ASC", "id ASC").
		Limit(uint64(limit)).
		Suffix("FOR UPDATE SKIP LOCKED")
	sub, subArgs, err := due.ToSql()
	if err != nil {
		return nil, appErrors.NewPersistenceError("build claim", err)
	}

	query, args, err := psql.Update("queued_messages").
		Set("status", model.StatusProcessing).
		Set("updated_at", now).
		Where("id IN ("+sub+")", subArgs...).
		Suffix(returning(messageColumns)).
		ToSql()
	if err != nil {
		return nil, appErrors.NewPersistenceError("build claim", err)
	}

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, appErrors.NewPersistenceError("claim messages", err)
	}
	defer rows.Close()

	out := make([]*model.QueuedMessage, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, appErrors.NewPersistenceError("scan message", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, appErrors.NewPersistenceError("claim messages", err)
	}
	// RETURNING does not keep the subquery order.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *QueuedMessageRepository) Release(ctx context.Context, id int) error {
	_, err := exec(ctx, r.DB, "release message", psql.Update("queued_messages").
		Set("status", model.StatusPending).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id, "status": model.StatusProcessing}))
	return err
}

const abandonedMessage = "processing abandoned by worker"

func (r *QueuedMessageRepository) ReclaimStale(ctx context.Context, olderThan time.Time) (int64, error) {
	return exec(ctx, r.DB, "reclaim stale messages", psql.Update("queued_messages").
		Set("retry_count", sq.Expr("retry_count + 1")).
		Set("status", sq.Expr("CASE WHEN retry_count + 1 >= max_retries THEN ? ELSE ? END",
			model.StatusFailed, model.StatusPending)).
		Set("error_message", abandonedMessage).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"status": model.StatusProcessing}).
		Where(sq.Lt{"updated_at": olderThan}))
}

func (r *QueuedMessageRepository) MarkSent(ctx context.Context, id, gatewayID int, externalID string, cost decimal.NullDecimal, at time.Time) error {
	_, err := exec(ctx, r.DB, "mark sent", psql.Update("queued_messages").
		Set("status", model.StatusSent).
		Set("gateway_id", gatewayID).
		Set("gateway_message_id", externalID).
		Set("cost", cost).
		Set("sent_at", at).
		Set("error_message", nil).
		Set("updated_at", at).
		Where(sq.Eq{"id": id, "status": model.StatusProcessing}))
	return err
}

func (r *QueuedMessageRepository) MarkAttemptFailed(ctx context.Context, id int, errMsg string) (model.MessageStatus, int, error) {
	row, err := queryRow(ctx, r.DB, "mark attempt failed", psql.Update("queued_messages").
		Set("retry_count", sq.Expr("retry_count + 1")).
		Set("status", sq.Expr("CASE WHEN retry_count + 1 >= max_retries THEN ? ELSE ? END",
			model.StatusFailed, model.StatusPending)).
		Set("error_message", errMsg).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id, "status": model.StatusProcessing}).
		Suffix("RETURNING status, retry_count"))
	if err != nil {
		return "", 0, err
	}
	var (
		status model.MessageStatus
		count  int
	)
	if err := row.Scan(&status, &count); err != nil {
		return "", 0, appErrors.NewPersistenceError("mark attempt failed", notFound(err, "processing message", id))
	}
	return status, count, nil
}

func (r *QueuedMessageRepository) MarkFailed(ctx context.Context, id int, gatewayID *int, errMsg string) error {
	b := psql.Update("queued_messages").
		Set("status", model.StatusFailed).
		Set("error_message", errMsg).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id, "status": []model.MessageStatus{model.StatusPending, model.StatusProcessing}})
	if gatewayID != nil {
		b = b.Set("gateway_id", *gatewayID)
	}
	_, err := exec(ctx, r.DB, "mark failed", b)
	return err
}

func (r *QueuedMessageRepository) FindByGatewayMessageID(ctx context.Context, externalID string) (*model.QueuedMessage, error) {
	row, err := queryRow(ctx, r.DB, "find by gateway message id", psql.Select(messageColumns...).
		From("queued_messages").
		Where(sq.Eq{"gateway_message_id": externalID}).
		OrderBy("id DESC").
		Limit(1))
	if err != nil {
		return nil, err
	}
	m, err := scanMessage(row)
	if err != nil {
		return nil, appErrors.NewPersistenceError("find by gateway message id", notFound(err, "message", externalID))
	}
	return m, nil
}

func (r *QueuedMessageRepository) ApplyDeliveryStatus(ctx context.Context, externalID string, status model.MessageStatus, errMsg *string, at time.Time) (*model.QueuedMessage, bool, error) {
	b := psql.Update("queued_messages").
		Set("status", status).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"gateway_message_id": externalID, "status": model.StatusSent}).
		Suffix(returning(messageColumns))
	switch status {
	case model.StatusDelivered:
		b = b.Set("delivered_at", at)
	case model.StatusFailed:
		b = b.Set("error_message", errMsg)
	}

	row, err := queryRow(ctx, r.DB, "apply delivery status", b)
	if err != nil {
		return nil, false, err
	}
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, appErrors.NewPersistenceError("apply delivery status", err)
	}
	return m, true, nil
}

func (r *QueuedMessageRepository) CountByStatus(ctx context.Context) (map[model.MessageStatus]int, error) {
	query, args, err := psql.Select("status", "COUNT(*)").
		From("queued_messages").
		GroupBy("status").
		ToSql()
	if err != nil {
		return nil, appErrors.NewPersistenceError("build count", err)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, appErrors.NewPersistenceError("count by status", err)
	}
	defer rows.Close()

	counts := map[model.MessageStatus]int{
		model.StatusPending:    0,
		model.StatusProcessing: 0,
		model.StatusSent:       0,
		model.StatusDelivered:  0,
		model.StatusFailed:     0,
	}
	for rows.Next() {
		var (
			s model.MessageStatus
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, appErrors.NewPersistenceError("scan count", err)
		}
		counts[s] = n
	}
	if err := rows.Err(); err != nil {
		return nil, appErrors.NewPersistenceError("count by status", err)
	}
	return counts, nil
}
