package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/michi/internal/model"
)

// CreateTraceParams holds the data needed to start a trace.
type CreateTraceParams struct {
	TraceID     string
	RequestID   string
	UserID      string
	InputParams map[string]any
}

const traceColumns = `id, request_id, user_id, status, control_signal, input_params, created_at, ended_at`

func scanTrace(row pgx.Row) (model.Trace, error) {
	var t model.Trace
	err := row.Scan(&t.ID, &t.RequestID, &t.UserID, &t.Status, &t.ControlSignal,
		&t.InputParams, &t.CreatedAt, &t.EndedAt)
	return t, err
}

// CreateTraceTx creates the trace row, its root instance, and the
// TRACE_STARTED log entry atomically. Reusing a trace id fails with
// ErrConflict: retries are rejected at the trace layer, never merged.
func (db *DB) CreateTraceTx(ctx context.Context, params CreateTraceParams) (model.Trace, model.Instance, error) {
	now := time.Now().UTC()
	params.InputParams = nonNilMap(params.InputParams)

	trace := model.Trace{
		ID:          params.TraceID,
		RequestID:   params.RequestID,
		UserID:      params.UserID,
		Status:      model.TraceStatusRunning,
		InputParams: params.InputParams,
		CreatedAt:   now,
	}
	root := model.Instance{
		ID:          model.NewID(),
		TaskID:      model.RootTaskID(params.TraceID),
		TraceID:     params.TraceID,
		RequestID:   params.RequestID,
		Depth:       0,
		Path:        model.RootPath,
		ActorKind:   model.DefaultActorKind,
		Status:      model.InstanceStatusPending,
		DependsOn:   []uuid.UUID{},
		InputParams: params.InputParams,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := db.inTx(ctx, "create trace", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO traces (id, request_id, user_id, status, input_params, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			trace.ID, trace.RequestID, trace.UserID, string(trace.Status), trace.InputParams, trace.CreatedAt,
		); err != nil {
			return wrapErr("create trace", err)
		}

		if err := insertInstance(ctx, tx, root); err != nil {
			return wrapErr("create root instance", err)
		}

		return insertEventLog(ctx, tx, model.EventLogEntry{
			InstanceID: root.ID,
			TraceID:    trace.ID,
			EventType:  model.LogTraceStarted,
			Severity:   model.SeverityInfo,
			Message:    "trace started",
			Payload: map[string]any{
				"request_id":   trace.RequestID,
				"user_id":      trace.UserID,
				"root_task_id": root.TaskID,
			},
			CreatedAt: now,
		})
	})
	if err != nil {
		return model.Trace{}, model.Instance{}, err
	}
	return trace, root, nil
}

// GetTrace retrieves a trace by id.
func (db *DB) GetTrace(ctx context.Context, traceID string) (model.Trace, error) {
	t, err := scanTrace(db.pool.QueryRow(ctx,
		`SELECT `+traceColumns+` FROM traces WHERE id = $1`, traceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Trace{}, fmt.Errorf("storage: trace %s: %w", traceID, ErrNotFound)
		}
		return model.Trace{}, wrapErr("get trace", err)
	}
	return t, nil
}

// LatestTraceByRequest returns the most recently created trace for a request.
func (db *DB) LatestTraceByRequest(ctx context.Context, requestID string) (model.Trace, error) {
	t, err := scanTrace(db.pool.QueryRow(ctx,
		`SELECT `+traceColumns+` FROM traces
		 WHERE request_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Trace{}, fmt.Errorf("storage: trace for request %s: %w", requestID, ErrNotFound)
		}
		return model.Trace{}, wrapErr("latest trace by request", err)
	}
	return t, nil
}

// FinishTrace moves a RUNNING trace into a terminal status. Finishing a
// trace again with the same status is a no-op; a different terminal status
// fails with ErrConflict.
func (db *DB) FinishTrace(ctx context.Context, traceID string, status model.TraceStatus) (model.Trace, error) {
	var trace model.Trace
	err := db.inTx(ctx, "finish trace", func(tx pgx.Tx) error {
		var err error
		trace, err = scanTrace(tx.QueryRow(ctx,
			`UPDATE traces SET status = $2, ended_at = now()
			 WHERE id = $1 AND status = 'RUNNING'
			 RETURNING `+traceColumns, traceID, string(status)))
		if errors.Is(err, pgx.ErrNoRows) {
			trace, err = scanTrace(tx.QueryRow(ctx, `SELECT `+traceColumns+` FROM traces WHERE id = $1`, traceID))
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("storage: trace %s: %w", traceID, ErrNotFound)
			}
			if err != nil {
				return wrapErr("finish trace", err)
			}
			if trace.Status != status {
				return fmt.Errorf("storage: trace %s already %s: %w", traceID, trace.Status, ErrConflict)
			}
			return nil
		}
		if err != nil {
			return wrapErr("finish trace", err)
		}

		var rootID uuid.UUID
		if err := tx.QueryRow(ctx,
			`SELECT id FROM task_instances WHERE trace_id = $1 AND parent_id IS NULL`, traceID,
		).Scan(&rootID); err != nil {
			return wrapErr("finish trace: find root", err)
		}
		return insertEventLog(ctx, tx, model.EventLogEntry{
			InstanceID: rootID,
			TraceID:    traceID,
			EventType:  model.LogTraceFinished,
			Severity:   model.SeverityInfo,
			Message:    "trace finished: " + string(status),
			Payload:    map[string]any{"status": string(status)},
		})
	})
	if err != nil {
		return model.Trace{}, err
	}
	return trace, nil
}

// GetTraceSummary aggregates a trace's instances by status.
func (db *DB) GetTraceSummary(ctx context.Context, traceID string) (model.TraceSummary, error) {
	trace, err := db.GetTrace(ctx, traceID)
	if err != nil {
		return model.TraceSummary{}, err
	}

	s := model.TraceSummary{
		TraceID:  traceID,
		Status:   trace.Status,
		ByStatus: make(map[model.InstanceStatus]int),
	}

	rows, err := db.pool.Query(ctx,
		`SELECT status, COUNT(*)::int, MAX(depth), MAX(last_seen_at)
		 FROM task_instances WHERE trace_id = $1
		 GROUP BY status`, traceID)
	if err != nil {
		return model.TraceSummary{}, wrapErr("trace summary", err)
	}
	defer rows.Close()

	terminal := 0
	for rows.Next() {
		var (
			status   model.InstanceStatus
			count    int
			maxDepth int
			lastSeen *time.Time
		)
		if err := rows.Scan(&status, &count, &maxDepth, &lastSeen); err != nil {
			return model.TraceSummary{}, fmt.Errorf("storage: scan trace summary: %w", err)
		}
		s.ByStatus[status] = count
		s.Total += count
		if status.Terminal() {
			terminal += count
		}
		if maxDepth > s.MaxDepth {
			s.MaxDepth = maxDepth
		}
		if lastSeen != nil && (s.LastSeenAt == nil || lastSeen.After(*s.LastSeenAt)) {
			s.LastSeenAt = lastSeen
		}
	}
	if err := rows.Err(); err != nil {
		return model.TraceSummary{}, wrapErr("trace summary", err)
	}
	s.AllTerminal = s.Total > 0 && terminal == s.Total
	return s, nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
