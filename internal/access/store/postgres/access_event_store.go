package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gymcloud/accessd/internal/access/types"
)

type AccessEventStore struct {
	pool *pgxpool.Pool
}

func (s *AccessEventStore) AppendEvent(ctx context.Context, ev types.AccessEvent) error {
	if _, err := s.pool.Exec(ctx, `
INSERT INTO access_events(
  event_id, tenant_id, device_id, sucursal_id, event_type, input_value_masked,
  subject_usuario_id, decision, reason, unlock, client_time, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		ev.ID, ev.TenantID, ev.DeviceID, ev.BranchID, string(ev.EventType), ev.InputMasked,
		ev.SubjectUsuarioID, string(ev.Decision), ev.Reason, ev.Unlock, ev.ClientTime, ev.CreatedAt,
	); err != nil {
		return fmt.Errorf("AppendEvent: %w", err)
	}
	return nil
}

func (s *AccessEventStore) ListEvents(ctx context.Context, f types.EventFilter) (types.EventPage, error) {
	f = f.Normalize()
	page := types.EventPage{Page: f.Page, PageSize: f.PageSize, Events: []types.AccessEvent{}}

	if err := s.pool.QueryRow(ctx, `
SELECT COUNT(*) FROM access_events
WHERE tenant_id = $1 AND ($2::TEXT = '' OR device_id = $2)`, f.TenantID, f.DeviceID).Scan(&page.Total); err != nil {
		return types.EventPage{}, fmt.Errorf("ListEvents count: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
SELECT event_id, tenant_id, device_id, sucursal_id, event_type, input_value_masked,
       subject_usuario_id, decision, reason, unlock, client_time, created_at
FROM access_events
WHERE tenant_id = $1 AND ($2::TEXT = '' OR device_id = $2)
ORDER BY created_at DESC, seq DESC
LIMIT $3 OFFSET $4`, f.TenantID, f.DeviceID, f.PageSize, f.Offset())
	if err != nil {
		return types.EventPage{}, fmt.Errorf("ListEvents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ev       types.AccessEvent
			evType   string
			decision string
		)
		if err := rows.Scan(
			&ev.ID, &ev.TenantID, &ev.DeviceID, &ev.BranchID, &evType, &ev.InputMasked,
			&ev.SubjectUsuarioID, &decision, &ev.Reason, &ev.Unlock, &ev.ClientTime, &ev.CreatedAt,
		); err != nil {
			return types.EventPage{}, fmt.Errorf("ListEvents scan: %w", err)
		}
		ev.EventType = types.EventType(evType)
		ev.Decision = types.Outcome(decision)
		ev.ClientTime = utc(ev.ClientTime)
		ev.CreatedAt = ev.CreatedAt.UTC()
		page.Events = append(page.Events, ev)
	}
	return page, rows.Err()
}
