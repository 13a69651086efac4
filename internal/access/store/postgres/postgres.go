// Package postgres implements the access stores on a pgx connection pool.
// It is the driver for multi-replica deployments: every transition is a
// conditional UPDATE so concurrent replicas stay consistent.
package postgres

import (
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gymcloud/accessd/internal/access/types"
)

// Stores bundles every store over one pool.
type Stores struct {
	Devices     *DeviceStore
	Credentials *CredentialStore
	Members     *MemberStore
	Events      *AccessEventStore
	Commands    *CommandStore
}

func New(pool *pgxpool.Pool) *Stores {
	return &Stores{
		Devices:     &DeviceStore{pool: pool},
		Credentials: &CredentialStore{pool: pool},
		Members:     &MemberStore{pool: pool},
		Events:      &AccessEventStore{pool: pool},
		Commands:    &CommandStore{pool: pool},
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// notFound maps pgx.ErrNoRows to types.ErrNotFound and leaves other errors
// alone.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return types.ErrNotFound
	}
	return err
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
