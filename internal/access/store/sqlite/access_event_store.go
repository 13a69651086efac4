package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gymcloud/accessd/internal/access/types"
	dbpkg "github.com/gymcloud/accessd/internal/db"
)

type AccessEventStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewAccessEventStore(db *sql.DB, writer *dbpkg.Worker) *AccessEventStore {
	return &AccessEventStore{db: db, writer: writer}
}

func (s *AccessEventStore) AppendEvent(ctx context.Context, ev types.AccessEvent) error {
	var subject any
	if ev.SubjectUsuarioID != nil {
		subject = *ev.SubjectUsuarioID
	}

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO access_events(
  event_id, tenant_id, device_id, sucursal_id, event_type, input_value_masked,
  subject_usuario_id, decision, reason, unlock, client_time_ms, created_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
			ev.ID, ev.TenantID, ev.DeviceID, ev.BranchID, ev.EventType, ev.InputMasked,
			subject, ev.Decision, ev.Reason, boolInt(ev.Unlock), optMs(ev.ClientTime), toMs(ev.CreatedAt),
		); err != nil {
			return fmt.Errorf("AppendEvent insert: %w", err)
		}
		return nil
	})
}

// ListEvents pages newest first; rowid breaks ties between events recorded
// in the same millisecond.
func (s *AccessEventStore) ListEvents(ctx context.Context, f types.EventFilter) (types.EventPage, error) {
	f = f.Normalize()
	page := types.EventPage{Page: f.Page, PageSize: f.PageSize, Events: []types.AccessEvent{}}

	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM access_events
WHERE tenant_id = ? AND (? = '' OR device_id = ?);
`, f.TenantID, f.DeviceID, f.DeviceID).Scan(&page.Total); err != nil {
		return types.EventPage{}, fmt.Errorf("ListEvents count: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT event_id, tenant_id, device_id, sucursal_id, event_type, input_value_masked,
       subject_usuario_id, decision, reason, unlock, client_time_ms, created_at_ms
FROM access_events
WHERE tenant_id = ? AND (? = '' OR device_id = ?)
ORDER BY created_at_ms DESC, rowid DESC
LIMIT ? OFFSET ?;
`, f.TenantID, f.DeviceID, f.DeviceID, f.PageSize, f.Offset())
	if err != nil {
		return types.EventPage{}, fmt.Errorf("ListEvents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ev        types.AccessEvent
			subject   sql.NullInt64
			unlock    int
			clientMs  sql.NullInt64
			createdMs int64
		)
		if err := rows.Scan(
			&ev.ID, &ev.TenantID, &ev.DeviceID, &ev.BranchID, &ev.EventType, &ev.InputMasked,
			&subject, &ev.Decision, &ev.Reason, &unlock, &clientMs, &createdMs,
		); err != nil {
			return types.EventPage{}, fmt.Errorf("ListEvents scan: %w", err)
		}
		if subject.Valid {
			id := subject.Int64
			ev.SubjectUsuarioID = &id
		}
		ev.Unlock = unlock == 1
		ev.ClientTime = fromNullMs(clientMs)
		ev.CreatedAt = fromMs(createdMs)
		page.Events = append(page.Events, ev)
	}
	return page, rows.Err()
}
