package store

import (
	"context"

	"github.com/gymcloud/accessd/internal/access/types"
)

// AccessEventStore is the append-only audit log.
type AccessEventStore interface {
	AppendEvent(ctx context.Context, ev types.AccessEvent) error
	ListEvents(ctx context.Context, f types.EventFilter) (types.EventPage, error)
}
