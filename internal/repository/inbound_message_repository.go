// internal/repository/inbound_message_repository.go
package repository

import (
	"context"
	"database/sql"

	appErrors "github.com/unclebandit/eduops-messaging/internal/errors"
	"github.com/unclebandit/eduops-messaging/internal/model"
)

type InboundMessageRepositoryInterface interface {
	// Create stores m unless the channel already has its external id; the
	// boolean is false for such duplicates.
	Create(ctx context.Context, m *model.InboundMessage) (bool, error)
}

var _ InboundMessageRepositoryInterface = (*InboundMessageRepository)(nil)

type InboundMessageRepository struct {
	DB *sql.DB
}

func NewInboundMessageRepository(db *sql.DB) *InboundMessageRepository {
	return &InboundMessageRepository{DB: db}
}

func (r *InboundMessageRepository) Create(ctx context.Context, m *model.InboundMessage) (bool, error) {
	row, err := queryRow(ctx, r.DB, "create inbound", psql.Insert("inbound_messages").
		Columns("contact_id", "channel_type", "gateway_id", "external_id", "message_type", "text", "media_ref", "received_at").
		Values(m.ContactID, m.ChannelType, m.GatewayID, m.ExternalID, m.MessageType, m.Text, m.MediaRef, m.ReceivedAt).
		Suffix("ON CONFLICT (channel_type, external_id) DO NOTHING RETURNING id"))
	if err != nil {
		return false, err
	}
	if err := row.Scan(&m.ID); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, appErrors.NewPersistenceError("create inbound", err)
	}
	return true, nil
}
