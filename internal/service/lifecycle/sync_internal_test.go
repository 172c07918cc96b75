package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/storage"
)

func TestProjectReport(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		report model.ExecutionReport
		want   map[string]any
	}{
		{
			name:   "started defaults progress",
			report: model.ExecutionReport{EventType: model.ReportStarted, WorkerID: "w1"},
			want: map[string]any{
				"status": model.InstanceStatusRunning, "started_at": now, "progress": 50,
				"last_seen_at": now, "worker_id": "w1",
			},
		},
		{
			name:   "started with progress",
			report: model.ExecutionReport{EventType: model.ReportStarted, Data: map[string]any{"progress": 5.0}},
			want: map[string]any{
				"status": model.InstanceStatusRunning, "started_at": now, "progress": 5, "last_seen_at": now,
			},
		},
		{
			name:   "progress only",
			report: model.ExecutionReport{EventType: model.ReportProgress, Data: map[string]any{"progress": json.Number("33")}},
			want:   map[string]any{"progress": 33, "last_seen_at": now},
		},
		{
			name:   "progress without value",
			report: model.ExecutionReport{EventType: model.ReportProgress},
			want:   map[string]any{"last_seen_at": now},
		},
		{
			name:   "completed",
			report: model.ExecutionReport{EventType: model.ReportCompleted, Data: map[string]any{"answer": "yes"}},
			want: map[string]any{
				"status": model.InstanceStatusSuccess, "progress": 100, "finished_at": now,
				"output": map[string]any{"answer": "yes"}, "last_seen_at": now,
			},
		},
		{
			name:   "failed without detail",
			report: model.ExecutionReport{EventType: model.ReportFailed, AgentID: "a1"},
			want: map[string]any{
				"status": model.InstanceStatusFailed, "finished_at": now, "last_seen_at": now,
				"error_detail": map[string]any{"message": "worker reported failure"}, "agent_id": "a1",
			},
		},
		{
			name: "unknown type is a liveness ping",
			report: model.ExecutionReport{
				EventType: "CHECKPOINT", WorkerID: "w1",
				Context: map[string]any{"step": 3.0}, Data: map[string]any{"progress": 90.0},
			},
			want: map[string]any{"last_seen_at": now, "runtime_snapshot": map[string]any{"step": 3.0}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, projectReport(tt.report, now))
		})
	}
}

func TestReportLogSeverity(t *testing.T) {
	t.Parallel()

	entry := reportLog(model.ExecutionReport{EventType: model.ReportFailed, Error: map[string]any{"code": 1}, WorkerID: "w9"})
	assert.Equal(t, model.SeverityError, entry.Severity)
	assert.Equal(t, "w9", entry.NodeID)
	assert.Equal(t, "FAILED reported by w9", entry.Message)

	entry = reportLog(model.ExecutionReport{EventType: model.ReportFailed})
	assert.Equal(t, model.SeverityInfo, entry.Severity, "severity follows the error payload, not the type")
}

func TestSpecPreviewTruncates(t *testing.T) {
	t.Parallel()

	specs := make([]model.ChildSpec, 50)
	for i := range specs {
		specs[i] = model.ChildSpec{ID: fmt.Sprintf("child-%03d", i), Name: "a fairly long task name"}
	}
	p := specPreview(specs)
	assert.Len(t, p, maxSpecPreview+3)
	assert.Contains(t, specPreview(specs[:1]), "child-000")
}

func TestClassify(t *testing.T) {
	t.Parallel()
	notFound := missing(ErrTraceNotFound, "T1")

	tests := []struct {
		in   error
		want error
	}{
		{fmt.Errorf("x: %w", storage.ErrNotFound), ErrTraceNotFound},
		{fmt.Errorf("x: %w", storage.ErrConflict), ErrConflict},
		{fmt.Errorf("x: %w", storage.ErrCancelled), ErrParentCancelled},
		{fmt.Errorf("x: %w", storage.ErrTransient), ErrTransient},
		{fmt.Errorf("x: %w", storage.ErrUnknownColumn), ErrValidation},
	}
	for _, tt := range tests {
		assert.ErrorIs(t, classify(tt.in, notFound), tt.want, tt.in.Error())
	}

	other := errors.New("boom")
	assert.Same(t, other, classify(other, notFound))
	assert.NoError(t, classify(nil, notFound))
	assert.ErrorIs(t, ErrTraceCancelled, ErrParentCancelled)
	assert.Equal(t, `not found: trace "T1"`, notFound.Error())
}

func TestProjectReportProperties(t *testing.T) {
	eventTypes := []model.ReportType{
		model.ReportStarted, model.ReportRunning, model.ReportProgress,
		model.ReportCompleted, model.ReportFailed, "HEARTBEAT",
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rapid.Check(t, func(t *rapid.T) {
		r := model.ExecutionReport{
			TaskID:    "t",
			EventType: rapid.SampledFrom(eventTypes).Draw(t, "type"),
			WorkerID:  rapid.StringMatching(`[a-z0-9]{0,6}`).Draw(t, "worker"),
		}
		if rapid.Bool().Draw(t, "hasProgress") {
			r.Data = map[string]any{"progress": float64(rapid.IntRange(-500, 500).Draw(t, "progress"))}
		}

		fields := projectReport(r, now)

		if fields["last_seen_at"] != now {
			t.Fatalf("last_seen_at not refreshed: %v", fields)
		}
		if p, ok := fields["progress"].(int); ok && (p < 0 || p > 100) {
			t.Fatalf("progress %d out of range", p)
		}
		status, hasStatus := fields["status"].(model.InstanceStatus)
		switch r.EventType {
		case model.ReportCompleted:
			if status != model.InstanceStatusSuccess || fields["progress"] != 100 {
				t.Fatalf("completed projection: %v", fields)
			}
		case model.ReportFailed:
			if status != model.InstanceStatusFailed || fields["error_detail"] == nil {
				t.Fatalf("failed projection: %v", fields)
			}
		case model.ReportProgress:
			if hasStatus {
				t.Fatalf("progress must not change status: %v", fields)
			}
		case "HEARTBEAT":
			if hasStatus || fields["worker_id"] != nil {
				t.Fatalf("unknown type changed more than liveness: %v", fields)
			}
		}
	})
}
