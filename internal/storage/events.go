package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/michi/internal/model"
)

// insertEventLog appends one audit entry. It always runs on the caller's
// transaction so the entry commits or rolls back with its mutation.
func insertEventLog(ctx context.Context, q querier, e model.EventLogEntry) error {
	if e.ID == uuid.Nil {
		e.ID = model.NewID()
	}
	if e.Severity == "" {
		e.Severity = model.SeverityInfo
	}
	var createdAt any
	if !e.CreatedAt.IsZero() {
		createdAt = e.CreatedAt
	}
	if _, err := q.Exec(ctx,
		`INSERT INTO instance_events (id, instance_id, trace_id, event_type, severity, message, payload, node_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, clock_timestamp()))`,
		e.ID, e.InstanceID, e.TraceID, e.EventType, string(e.Severity), e.Message, e.Payload, e.NodeID, createdAt,
	); err != nil {
		return wrapErr("insert event log", err)
	}
	return nil
}

// EventLogFilter narrows an audit log query.
type EventLogFilter struct {
	TraceID    string
	InstanceID *uuid.UUID
	Since      *time.Time
	Limit      int
}

// ListEventLog returns audit entries for a trace in creation order.
func (db *DB) ListEventLog(ctx context.Context, f EventLogFilter) ([]model.EventLogEntry, error) {
	if f.Limit <= 0 {
		f.Limit = 500
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, instance_id, trace_id, event_type, severity, message, payload, node_id, created_at
		 FROM instance_events
		 WHERE trace_id = $1
		   AND ($2::uuid IS NULL OR instance_id = $2)
		   AND ($3::timestamptz IS NULL OR created_at > $3)
		 ORDER BY created_at, id
		 LIMIT $4`, f.TraceID, f.InstanceID, f.Since, f.Limit)
	if err != nil {
		return nil, wrapErr("list event log", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.EventLogEntry, error) {
		var e model.EventLogEntry
		err := row.Scan(&e.ID, &e.InstanceID, &e.TraceID, &e.EventType, &e.Severity,
			&e.Message, &e.Payload, &e.NodeID, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan event log: %w", err)
	}
	return entries, nil
}
