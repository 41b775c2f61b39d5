// internal/repository/repository.go
package repository

import (
	"context"
	"database/sql"
	"errors"

	sq "github.com/Masterminds/squirrel"

	appErrors "github.com/unclebandit/eduops-messaging/internal/errors"
)

// psql builds PostgreSQL statements with $n placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type scanner interface {
	Scan(dest ...any) error
}

func queryRow(ctx context.Context, db *sql.DB, op string, b sq.Sqlizer) (*sql.Row, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, appErrors.NewPersistenceError("build "+op, err)
	}
	return db.QueryRowContext(ctx, query, args...), nil
}

func exec(ctx context.Context, db *sql.DB, op string, b sq.Sqlizer) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, appErrors.NewPersistenceError("build "+op, err)
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, appErrors.NewPersistenceError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, appErrors.NewPersistenceError(op, err)
	}
	return n, nil
}

// notFound turns sql.ErrNoRows into the domain not-found error.
func notFound(err error, entity string, id any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.NewNotFound(entity, id)
	}
	return err
}
