package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/michi/internal/model"
)

// SignalScope selects the instances a bulk control-signal write touches.
// A zero AnchorID selects the whole trace.
type SignalScope struct {
	TraceID    string
	AnchorID   uuid.UUID
	PathPrefix string
}

// TraceScope selects every instance of a trace.
func TraceScope(traceID string) SignalScope {
	return SignalScope{TraceID: traceID}
}

// SubtreeScope selects an instance and all of its descendants.
func SubtreeScope(anchor model.Instance) SignalScope {
	return SignalScope{
		TraceID:    anchor.TraceID,
		AnchorID:   anchor.ID,
		PathPrefix: anchor.SubtreePrefix(),
	}
}

// IsTrace reports whether the scope covers the whole trace.
func (s SignalScope) IsTrace() bool { return s.AnchorID == uuid.Nil }

// likeEscaper escapes LIKE metacharacters in caller-supplied task ids.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// BulkUpdateSignal writes signal onto every instance in scope and returns
// the task ids it touched.
//
// The trace row (trace scope) or the anchor row (subtree scope) is locked
// FOR UPDATE first. Expansions share-lock the same rows, so the bulk UPDATE
// that follows sees every child committed before the lock was granted.
// Trace scope also records the signal on the trace row, which is the durable
// fallback for the signal store.
func (db *DB) BulkUpdateSignal(ctx context.Context, scope SignalScope, signal model.ControlSignal) ([]string, error) {
	var taskIDs []string
	err := db.inTx(ctx, "bulk update signal", func(tx pgx.Tx) error {
		taskIDs = nil

		var (
			rows    pgx.Rows
			logOnID uuid.UUID
			err     error
		)
		if scope.IsTrace() {
			tag, execErr := tx.Exec(ctx,
				`UPDATE traces SET control_signal = $2 WHERE id = $1`, scope.TraceID, string(signal))
			if execErr != nil {
				return wrapErr("bulk update signal: trace row", execErr)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("storage: trace %s: %w", scope.TraceID, ErrNotFound)
			}
			if err := tx.QueryRow(ctx,
				`SELECT id FROM task_instances WHERE trace_id = $1 AND parent_id IS NULL`, scope.TraceID,
			).Scan(&logOnID); err != nil {
				return wrapErr("bulk update signal: find root", err)
			}
			rows, err = tx.Query(ctx,
				`UPDATE task_instances SET control_signal = $2, updated_at = now()
				 WHERE trace_id = $1
				 RETURNING task_id`, scope.TraceID, string(signal))
		} else {
			if err := tx.QueryRow(ctx,
				`SELECT id FROM task_instances WHERE id = $1 AND trace_id = $2 FOR UPDATE`,
				scope.AnchorID, scope.TraceID,
			).Scan(&logOnID); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return fmt.Errorf("storage: instance %s: %w", scope.AnchorID, ErrNotFound)
				}
				return wrapErr("bulk update signal: lock anchor", err)
			}
			rows, err = tx.Query(ctx,
				`UPDATE task_instances SET control_signal = $2, updated_at = now()
				 WHERE trace_id = $1 AND (id = $3 OR path LIKE $4)
				 RETURNING task_id`,
				scope.TraceID, string(signal), scope.AnchorID, likeEscaper.Replace(scope.PathPrefix)+"%")
		}
		if err != nil {
			return wrapErr("bulk update signal", err)
		}

		taskIDs, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return wrapErr("bulk update signal: collect", err)
		}

		kind := model.ScopeSubtree
		if scope.IsTrace() {
			kind = model.ScopeTrace
		}
		return insertEventLog(ctx, tx, model.EventLogEntry{
			InstanceID: logOnID,
			TraceID:    scope.TraceID,
			EventType:  model.LogControlSignal,
			Severity:   model.SeverityInfo,
			Message:    fmt.Sprintf("control signal %s applied to %d instance(s)", signal, len(taskIDs)),
			Payload: map[string]any{
				"signal":   string(signal),
				"scope":    string(kind),
				"affected": len(taskIDs),
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return taskIDs, nil
}
