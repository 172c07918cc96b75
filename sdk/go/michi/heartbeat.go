package michi

import (
	"context"
	"sync"
	"time"
)

// HeartbeatConfig configures a Heartbeat.
type HeartbeatConfig struct {
	TraceID string
	TaskID  string

	// Interval between PROGRESS reports. Defaults to 5 seconds.
	Interval time.Duration

	// Data, if set, is called before each report to attach progress data.
	Data func() map[string]any
}

// Heartbeat reports PROGRESS for a task on a fixed interval and surfaces
// the commands the server returns. Only changes are delivered: a worker
// sees PAUSE once when its subtree is paused, then CONTINUE once on resume.
type Heartbeat struct {
	client *Client
	cfg    HeartbeatConfig

	commands chan Command
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	lastErr error
}

// StartHeartbeat begins reporting in a background goroutine. Call Stop when
// the task ends. The goroutine also exits when ctx is cancelled or when the
// server answers CANCEL.
func (c *Client) StartHeartbeat(ctx context.Context, cfg HeartbeatConfig) *Heartbeat {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &Heartbeat{
		client:   c,
		cfg:      cfg,
		commands: make(chan Command, 1),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go h.loop(ctx)
	return h
}

// Commands delivers command changes. The channel is closed when the
// heartbeat stops.
func (h *Heartbeat) Commands() <-chan Command {
	return h.commands
}

// Err returns the error from the most recent failed report, or nil if the
// last report succeeded.
func (h *Heartbeat) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// Stop ends the heartbeat and waits for the background goroutine to exit.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(h.cancel)
	<-h.done
}

func (h *Heartbeat) loop(ctx context.Context) {
	defer close(h.done)
	defer close(h.commands)

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	last := CommandContinue
	for {
		cmd, ok := h.beat(ctx)
		if ok && cmd != last {
			last = cmd
			select {
			case h.commands <- cmd:
			case <-ctx.Done():
				return
			}
		}
		if last == CommandCancel {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) (Command, bool) {
	r := Report{
		TaskID:    h.cfg.TaskID,
		TraceID:   h.cfg.TraceID,
		EventType: EventProgress,
	}
	if h.cfg.Data != nil {
		r.Data = h.cfg.Data()
	}

	resp, err := h.client.ReportEvent(ctx, r)

	h.mu.Lock()
	h.lastErr = err
	h.mu.Unlock()

	if err != nil {
		return "", false
	}
	return resp.Command, true
}
