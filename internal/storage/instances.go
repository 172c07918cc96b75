package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/michi/internal/model"
)

var instanceColumnList = []string{
	"id", "task_id", "trace_id", "request_id", "parent_id", "depth", "path",
	"name", "def_id", "actor_kind", "role", "status", "progress", "control_signal",
	"depends_on", "split_count", "child_count", "input_params", "output",
	"error_detail", "runtime_snapshot", "worker_id", "agent_id",
	"created_at", "updated_at", "started_at", "finished_at", "last_seen_at",
}

var instanceColumns = strings.Join(instanceColumnList, ", ")

// qualifiedInstanceColumns prefixes every instance column with a table alias.
func qualifiedInstanceColumns(alias string) string {
	cols := make([]string, len(instanceColumnList))
	for i, c := range instanceColumnList {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

// updatableColumns is the set of columns UpdateInstanceFields and the
// upsert path may write. Identity and tree columns are never updated.
var updatableColumns = map[string]bool{
	"name": true, "def_id": true, "actor_kind": true, "role": true,
	"status": true, "progress": true, "control_signal": true, "depends_on": true,
	"split_count": true, "child_count": true, "input_params": true, "output": true,
	"error_detail": true, "runtime_snapshot": true, "worker_id": true, "agent_id": true,
	"started_at": true, "finished_at": true, "last_seen_at": true,
}

// ErrUnknownColumn is returned when a field map names a column that is not
// updatable.
var ErrUnknownColumn = errors.New("storage: unknown or immutable column")

func scanInstance(row pgx.Row) (model.Instance, error) {
	var i model.Instance
	err := row.Scan(
		&i.ID, &i.TaskID, &i.TraceID, &i.RequestID, &i.ParentID, &i.Depth, &i.Path,
		&i.Name, &i.DefID, &i.ActorKind, &i.Role, &i.Status, &i.Progress, &i.ControlSignal,
		&i.DependsOn, &i.SplitCount, &i.ChildCount, &i.InputParams, &i.Output,
		&i.ErrorDetail, &i.RuntimeSnapshot, &i.WorkerID, &i.AgentID,
		&i.CreatedAt, &i.UpdatedAt, &i.StartedAt, &i.FinishedAt, &i.LastSeenAt,
	)
	return i, err
}

func collectInstances(rows pgx.Rows) ([]model.Instance, error) {
	defer rows.Close()
	var out []model.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func instanceRow(i model.Instance) []any {
	dependsOn := i.DependsOn
	if dependsOn == nil {
		dependsOn = []uuid.UUID{}
	}
	return []any{
		i.ID, i.TaskID, i.TraceID, i.RequestID, i.ParentID, i.Depth, i.Path,
		i.Name, i.DefID, i.ActorKind, i.Role, string(i.Status), i.Progress, string(i.ControlSignal),
		dependsOn, i.SplitCount, i.ChildCount, nonNilMap(i.InputParams), i.Output,
		i.ErrorDetail, i.RuntimeSnapshot, i.WorkerID, i.AgentID,
		i.CreatedAt, i.UpdatedAt, i.StartedAt, i.FinishedAt, i.LastSeenAt,
	}
}

func insertInstance(ctx context.Context, q querier, inst model.Instance) error {
	placeholders := make([]string, len(instanceColumnList))
	for i := range placeholders {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	_, err := q.Exec(ctx,
		`INSERT INTO task_instances (`+instanceColumns+`) VALUES (`+strings.Join(placeholders, ", ")+`)`,
		instanceRow(inst)...,
	)
	return err
}

// CreateInstance inserts a single instance. A task id already used in the
// trace fails with ErrConflict.
func (db *DB) CreateInstance(ctx context.Context, inst model.Instance) error {
	if err := insertInstance(ctx, db.pool, inst); err != nil {
		return wrapErr("create instance", err)
	}
	return nil
}

// BulkCreateInstances inserts instances with the COPY protocol inside one
// transaction: either every row lands or none does.
func (db *DB) BulkCreateInstances(ctx context.Context, insts []model.Instance) error {
	if len(insts) == 0 {
		return nil
	}
	return db.inTx(ctx, "bulk create instances", func(tx pgx.Tx) error {
		return copyInstances(ctx, tx, insts)
	})
}

func copyInstances(ctx context.Context, tx pgx.Tx, insts []model.Instance) error {
	rows := make([][]any, len(insts))
	for i, inst := range insts {
		rows[i] = instanceRow(inst)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"task_instances"}, instanceColumnList, pgx.CopyFromRows(rows)); err != nil {
		return wrapErr("copy instances", err)
	}
	return nil
}

// GetInstance retrieves an instance by its internal id.
func (db *DB) GetInstance(ctx context.Context, id uuid.UUID) (model.Instance, error) {
	inst, err := scanInstance(db.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM task_instances WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Instance{}, fmt.Errorf("storage: instance %s: %w", id, ErrNotFound)
		}
		return model.Instance{}, wrapErr("get instance", err)
	}
	return inst, nil
}

// GetInstanceByTaskID retrieves an instance by its external task id. An
// empty traceID matches any trace and returns the most recently created row.
func (db *DB) GetInstanceByTaskID(ctx context.Context, traceID, taskID string) (model.Instance, error) {
	var row pgx.Row
	if traceID != "" {
		row = db.pool.QueryRow(ctx,
			`SELECT `+instanceColumns+` FROM task_instances WHERE trace_id = $1 AND task_id = $2`,
			traceID, taskID)
	} else {
		row = db.pool.QueryRow(ctx,
			`SELECT `+instanceColumns+` FROM task_instances WHERE task_id = $1
			 ORDER BY created_at DESC LIMIT 1`, taskID)
	}
	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Instance{}, fmt.Errorf("storage: instance %s: %w", taskID, ErrNotFound)
		}
		return model.Instance{}, wrapErr("get instance by task id", err)
	}
	return inst, nil
}

// GetInstances returns the instances among ids that exist. Missing ids are
// simply absent from the result.
func (db *DB) GetInstances(ctx context.Context, ids []uuid.UUID) ([]model.Instance, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+instanceColumns+` FROM task_instances WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, wrapErr("get instances", err)
	}
	return collectInstances(rows)
}

// ListInstancesByTrace returns every instance of a trace in tree order.
func (db *DB) ListInstancesByTrace(ctx context.Context, traceID string) ([]model.Instance, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+instanceColumns+` FROM task_instances
		 WHERE trace_id = $1
		 ORDER BY path, created_at`, traceID)
	if err != nil {
		return nil, wrapErr("list instances", err)
	}
	return collectInstances(rows)
}

// FindReadyInstances returns PENDING instances whose dependencies have all
// reached SUCCESS, oldest first. An empty traceID searches every trace.
func (db *DB) FindReadyInstances(ctx context.Context, traceID string, limit int) ([]model.Instance, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+qualifiedInstanceColumns("i")+`
		 FROM task_instances i
		 WHERE i.status = 'PENDING'
		   AND ($1 = '' OR i.trace_id = $1)
		   AND NOT EXISTS (
		       SELECT 1 FROM unnest(i.depends_on) AS d(dep_id)
		       LEFT JOIN task_instances dep ON dep.id = d.dep_id
		       WHERE dep.status IS DISTINCT FROM 'SUCCESS'
		   )
		 ORDER BY i.created_at
		 LIMIT $2`, traceID, limit)
	if err != nil {
		return nil, wrapErr("find ready instances", err)
	}
	return collectInstances(rows)
}

// UpdateInstanceFields applies a partial update to an instance. An empty
// field map is a no-op.
func (db *DB) UpdateInstanceFields(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	set, args, err := buildSetClause(fields, 2, false)
	if err != nil {
		return err
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE task_instances SET `+set+` WHERE id = $1`,
		append([]any{id}, args...)...)
	if err != nil {
		return wrapErr("update instance", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: instance %s: %w", id, ErrNotFound)
	}
	return nil
}

// buildSetClause renders fields as a SET list whose placeholders start at
// firstArg. updated_at is always refreshed. Keys are sorted so the same
// field set produces the same statement.
//
// With keepOutcome set, outcome columns of a row that is already terminal
// keep their values. The CASE reads the row as it was before the update.
func buildSetClause(fields map[string]any, firstArg int, keepOutcome bool) (string, []any, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if !updatableColumns[k] {
			return "", nil, fmt.Errorf("%w: %s", ErrUnknownColumn, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+1)
	args := make([]any, 0, len(keys))
	for i, k := range keys {
		if keepOutcome && model.IsOutcomeColumn(k) {
			parts = append(parts, fmt.Sprintf("%s = CASE WHEN %s THEN %s ELSE $%d END", k, terminalCond, k, firstArg+i))
		} else {
			parts = append(parts, fmt.Sprintf("%s = $%d", k, firstArg+i))
		}
		args = append(args, columnValue(fields[k]))
	}
	parts = append(parts, "updated_at = now()")
	return strings.Join(parts, ", "), args, nil
}

// terminalCond matches instance rows whose status is final.
var terminalCond = fmt.Sprintf("status IN ('%s', '%s')", model.InstanceStatusSuccess, model.InstanceStatusFailed)

// columnValue converts domain string types to plain strings for encoding.
func columnValue(v any) any {
	switch t := v.(type) {
	case model.InstanceStatus:
		return string(t)
	case model.ControlSignal:
		return string(t)
	default:
		return v
	}
}

// UpsertParams describes one worker report landing on an instance.
type UpsertParams struct {
	TraceID string
	TaskID  string
	Fields  map[string]any
	// Log is written in the same transaction; InstanceID and TraceID are
	// filled in by the repository.
	Log model.EventLogEntry
}

// UpsertResult identifies the row an upsert landed on.
type UpsertResult struct {
	InstanceID uuid.UUID
	Created    bool
	// Status is the row's status after the update. It differs from the
	// reported one when the instance was already terminal.
	Status model.InstanceStatus
}

// UpsertInstanceByTaskID updates the instance with the given task id, or
// creates it under the trace's root if no such row exists yet.
//
// Creation is guarded by the (trace_id, task_id) unique constraint: when two
// first reports race, the loser's insert does nothing and its fields are
// applied to the winner's row.
//
// Terminal instances keep their outcome columns; the report still refreshes
// liveness and lands in the event log.
func (db *DB) UpsertInstanceByTaskID(ctx context.Context, p UpsertParams) (UpsertResult, error) {
	set, args, err := buildSetClause(p.Fields, 3, true)
	if err != nil {
		return UpsertResult{}, err
	}
	update := `UPDATE task_instances SET ` + set + ` WHERE trace_id = $1 AND task_id = $2 RETURNING id, status`
	updateArgs := append([]any{p.TraceID, p.TaskID}, args...)

	var res UpsertResult
	err = db.inTx(ctx, "upsert instance", func(tx pgx.Tx) error {
		res = UpsertResult{}
		err := tx.QueryRow(ctx, update, updateArgs...).Scan(&res.InstanceID, &res.Status)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return wrapErr("upsert instance: update", err)
		}

		if errors.Is(err, pgx.ErrNoRows) {
			created, err := attachUnderRoot(ctx, tx, p.TraceID, p.TaskID)
			if err != nil {
				return err
			}
			res.Created = created
			if err := tx.QueryRow(ctx, update, updateArgs...).Scan(&res.InstanceID, &res.Status); err != nil {
				return wrapErr("upsert instance: update after create", err)
			}
		}

		entry := p.Log
		entry.InstanceID = res.InstanceID
		entry.TraceID = p.TraceID
		return insertEventLog(ctx, tx, entry)
	})
	if err != nil {
		return UpsertResult{}, err
	}
	return res, nil
}

// attachUnderRoot inserts a bare PENDING instance under the trace's root.
// It reports false when a concurrent transaction created the row first.
func attachUnderRoot(ctx context.Context, tx pgx.Tx, traceID, taskID string) (bool, error) {
	root, err := scanInstance(tx.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM task_instances WHERE trace_id = $1 AND parent_id IS NULL`, traceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("storage: root of trace %s: %w", traceID, ErrNotFound)
		}
		return false, wrapErr("upsert instance: find root", err)
	}

	child := model.NewChild(root, model.ChildSpec{ID: taskID}, time.Now().UTC())
	row := instanceRow(child)
	placeholders := make([]string, len(row))
	for i := range placeholders {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO task_instances (`+instanceColumns+`) VALUES (`+strings.Join(placeholders, ", ")+`)
		 ON CONFLICT (trace_id, task_id) DO NOTHING`, row...)
	if err != nil {
		return false, wrapErr("upsert instance: create", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE task_instances SET child_count = child_count + 1, updated_at = now() WHERE id = $1`, root.ID,
	); err != nil {
		return false, wrapErr("upsert instance: bump root counters", err)
	}
	return true, insertEventLog(ctx, tx, model.EventLogEntry{
		InstanceID: child.ID,
		TraceID:    traceID,
		EventType:  model.LogInstanceCreated,
		Severity:   model.SeverityWarn,
		Message:    "instance created by first report, attached under root",
		Payload:    map[string]any{"task_id": taskID, "parent_task_id": root.TaskID},
	})
}

// ExpandParams describes a topology expansion under one parent.
type ExpandParams struct {
	TraceID  string
	ParentID uuid.UUID
	Children []model.ChildSpec
	// Log is written under the parent in the same transaction.
	Log model.EventLogEntry
}

// ExpandChildren creates PENDING children under a parent in one transaction.
//
// The trace row and the parent's whole ancestor chain are share-locked
// before the insert, so a concurrent control-signal write either completes
// first (and is observed here) or waits and then covers the new children.
// Any CANCELLED ancestor fails the expansion with ErrCancelled. Children
// inherit the parent's signal as read under that lock.
func (db *DB) ExpandChildren(ctx context.Context, p ExpandParams) ([]model.Instance, error) {
	var children []model.Instance
	err := db.inTx(ctx, "expand children", func(tx pgx.Tx) error {
		children = nil

		var traceSignal model.ControlSignal
		if err := tx.QueryRow(ctx,
			`SELECT control_signal FROM traces WHERE id = $1 FOR SHARE`, p.TraceID,
		).Scan(&traceSignal); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("storage: trace %s: %w", p.TraceID, ErrNotFound)
			}
			return wrapErr("expand children: lock trace", err)
		}
		if traceSignal == model.SignalCancelled {
			return fmt.Errorf("storage: trace %s: %w", p.TraceID, ErrCancelled)
		}

		var parentPath, parentTaskID string
		if err := tx.QueryRow(ctx,
			`SELECT path, task_id FROM task_instances WHERE id = $1 AND trace_id = $2`, p.ParentID, p.TraceID,
		).Scan(&parentPath, &parentTaskID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("storage: parent %s: %w", p.ParentID, ErrNotFound)
			}
			return wrapErr("expand children: find parent", err)
		}

		// Lock root-first so lock order matches control-signal writers.
		lineage := append(model.PathAncestors(parentPath), parentTaskID)
		rows, err := tx.Query(ctx,
			`SELECT `+instanceColumns+` FROM task_instances
			 WHERE trace_id = $1 AND task_id = ANY($2)
			 ORDER BY depth
			 FOR SHARE`, p.TraceID, lineage)
		if err != nil {
			return wrapErr("expand children: lock lineage", err)
		}
		locked, err := collectInstances(rows)
		if err != nil {
			return wrapErr("expand children: lock lineage", err)
		}

		var parent model.Instance
		for _, inst := range locked {
			if inst.ControlSignal == model.SignalCancelled {
				return fmt.Errorf("storage: ancestor %s: %w", inst.TaskID, ErrCancelled)
			}
			if inst.ID == p.ParentID {
				parent = inst
			}
		}
		if parent.ID == uuid.Nil {
			return fmt.Errorf("storage: parent %s: %w", p.ParentID, ErrNotFound)
		}

		now := time.Now().UTC()
		children = make([]model.Instance, len(p.Children))
		for i, spec := range p.Children {
			children[i] = model.NewChild(parent, spec, now)
		}
		if err := copyInstances(ctx, tx, children); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE task_instances
			 SET child_count = child_count + $2, split_count = split_count + 1, updated_at = now()
			 WHERE id = $1`, parent.ID, len(children),
		); err != nil {
			return wrapErr("expand children: bump counters", err)
		}

		entry := p.Log
		entry.InstanceID = parent.ID
		entry.TraceID = p.TraceID
		return insertEventLog(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}
	return children, nil
}
