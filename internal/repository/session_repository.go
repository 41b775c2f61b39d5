// internal/repository/session_repository.go
package repository

import (
	"context"
	"database/sql"
	"time"

	sq "github.com/Masterminds/squirrel"

	appErrors "github.com/unclebandit/eduops-messaging/internal/errors"
	"github.com/unclebandit/eduops-messaging/internal/model"
)

type SessionRepositoryInterface interface {
	// Touch opens or extends the contact's session so that it expires window
	// after at. Out-of-order events never move the window backwards.
	Touch(ctx context.Context, contactID int, channel model.ChannelType, channelID string, at time.Time, window time.Duration) (*model.ConversationSession, error)
	Get(ctx context.Context, contactID int, channel model.ChannelType, channelID string) (*model.ConversationSession, error)
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

var _ SessionRepositoryInterface = (*SessionRepository)(nil)

type SessionRepository struct {
	DB *sql.DB
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{DB: db}
}

var sessionColumns = []string{"id", "contact_id", "channel_type", "channel_id", "last_message_at", "expires_at", "status"}

func scanSession(s scanner) (*model.ConversationSession, error) {
	var cs model.ConversationSession
	if err := s.Scan(&cs.ID, &cs.ContactID, &cs.ChannelType, &cs.ChannelID, &cs.LastMessageAt, &cs.ExpiresAt, &cs.Status); err != nil {
		return nil, err
	}
	return &cs, nil
}

func (r *SessionRepository) Touch(ctx context.Context, contactID int, channel model.ChannelType, channelID string, at time.Time, window time.Duration) (*model.ConversationSession, error) {
	row, err := queryRow(ctx, r.DB, "touch session", psql.Insert("conversation_sessions").
		Columns("contact_id", "channel_type", "channel_id", "last_message_at", "expires_at", "status").
		Values(contactID, channel, channelID, at, at.Add(window), model.SessionActive).
		Suffix(`ON CONFLICT (contact_id, channel_type, channel_id) DO UPDATE SET
			last_message_at = GREATEST(conversation_sessions.last_message_at, EXCLUDED.last_message_at),
			expires_at = GREATEST(conversation_sessions.expires_at, EXCLUDED.expires_at),
			status = CASE WHEN GREATEST(conversation_sessions.expires_at, EXCLUDED.expires_at) > NOW()
				THEN 'active' ELSE conversation_sessions.status END ` + returning(sessionColumns)))
	if err != nil {
		return nil, err
	}
	cs, err := scanSession(row)
	if err != nil {
		return nil, appErrors.NewPersistenceError("touch session", err)
	}
	return cs, nil
}

func (r *SessionRepository) Get(ctx context.Context, contactID int, channel model.ChannelType, channelID string) (*model.ConversationSession, error) {
	row, err := queryRow(ctx, r.DB, "get session", psql.Select(sessionColumns...).
		From("conversation_sessions").
		Where(sq.Eq{"contact_id": contactID, "channel_type": channel, "channel_id": channelID}))
	if err != nil {
		return nil, err
	}
	cs, err := scanSession(row)
	if err != nil {
		return nil, appErrors.NewPersistenceError("get session", notFound(err, "session", contactID))
	}
	return cs, nil
}

func (r *SessionRepository) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	return exec(ctx, r.DB, "expire sessions", psql.Update("conversation_sessions").
		Set("status", model.SessionExpired).
		Where(sq.Eq{"status": model.SessionActive}).
		Where(sq.LtOrEq{"expires_at": now}))
}
