// internal/repository/contact_repository.go
package repository

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	appErrors "github.com/unclebandit/eduops-messaging/internal/errors"
	"github.com/unclebandit/eduops-messaging/internal/model"
)

type ContactRepositoryInterface interface {
	FindByIdentifier(ctx context.Context, channel model.ChannelType, identifier string) (*model.Contact, error)
	// FindOrCreate resolves the contact owning identifier on channel, creating
	// it when unknown. created reports whether a row was inserted.
	FindOrCreate(ctx context.Context, channel model.ChannelType, identifier, name string) (c *model.Contact, created bool, err error)
	SetOptOut(ctx context.Context, contactID int, channel model.ChannelType, optedOut bool) error
}

var _ ContactRepositoryInterface = (*ContactRepository)(nil)

type ContactRepository struct {
	DB *sql.DB
}

func NewContactRepository(db *sql.DB) *ContactRepository {
	return &ContactRepository{DB: db}
}

var contactColumns = []string{
	"id", "name", "phone", "whatsapp_id", "viber_id", "sms_opt_out", "whatsapp_opt_out", "viber_opt_out", "created_at",
}

func scanContact(s scanner, extra ...any) (*model.Contact, error) {
	var c model.Contact
	dest := []any{&c.ID, &c.Name, &c.Phone, &c.WhatsAppID, &c.ViberID, &c.SMSOptOut, &c.WhatsAppOptOut, &c.ViberOptOut, &c.CreatedAt}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ContactRepository) FindByIdentifier(ctx context.Context, channel model.ChannelType, identifier string) (*model.Contact, error) {
	row, err := queryRow(ctx, r.DB, "find contact", psql.Select(contactColumns...).
		From("contacts").
		Where(sq.Eq{model.IdentifierColumn(channel): identifier}))
	if err != nil {
		return nil, err
	}
	c, err := scanContact(row)
	if err != nil {
		return nil, appErrors.NewPersistenceError("find contact", notFound(err, "contact", identifier))
	}
	return c, nil
}

func (r *ContactRepository) FindOrCreate(ctx context.Context, channel model.ChannelType, identifier, name string) (*model.Contact, bool, error) {
	col := model.IdentifierColumn(channel)
	row, err := queryRow(ctx, r.DB, "upsert contact", psql.Insert("contacts").
		Columns("name", col).
		Values(name, identifier).
		Suffix(fmt.Sprintf(
			"ON CONFLICT (%s) DO UPDATE SET name = CASE WHEN contacts.name = '' THEN EXCLUDED.name ELSE contacts.name END %s, (xmax = 0)",
			col, returning(contactColumns))))
	if err != nil {
		return nil, false, err
	}
	var created bool
	c, err := scanContact(row, &created)
	if err != nil {
		return nil, false, appErrors.NewPersistenceError("upsert contact", err)
	}
	return c, created, nil
}

func (r *ContactRepository) SetOptOut(ctx context.Context, contactID int, channel model.ChannelType, optedOut bool) error {
	col := map[model.ChannelType]string{
		model.ChannelSMS:      "sms_opt_out",
		model.ChannelWhatsApp: "whatsapp_opt_out",
		model.ChannelViber:    "viber_opt_out",
	}[channel]
	if col == "" {
		return appErrors.NewValidationError("channel", "unknown channel "+string(channel))
	}
	n, err := exec(ctx, r.DB, "set opt out", psql.Update("contacts").
		Set(col, optedOut).
		Where(sq.Eq{"id": contactID}))
	if err != nil {
		return err
	}
	if n == 0 {
		return appErrors.NewNotFound("contact", contactID)
	}
	return nil
}
