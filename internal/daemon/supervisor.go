// Package daemon implements the session-lifecycle supervisor required by
// spec §5's timeouts and §7's "channel close during transfer" recovery rule:
// a cron-scheduled sweep that retries signaling reconnection for transfers
// parked FAILED-pending-reconnect, plus the periodic signaling heartbeat
// spec §5 mandates. The 5s control-channel keepalive is not scheduled here;
// the CLIs send it themselves. Grounded on the teacher's cron-driven
// Scheduler (internal/agent/scheduler.go) — here driving reconnect and
// heartbeat sweeps instead of scheduled backup runs.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Timeouts mandated by spec §5.
const (
	SignalingHeartbeat = 30 * time.Second
	ControlKeepalive   = 5 * time.Second
	SessionTimeout     = 10 * time.Minute
)

// Reconnector is the capability a supervised transfer exposes for resume:
// an attempt to re-establish signaling within its remaining retry budget.
type Reconnector interface {
	// TransferID identifies the transfer for logging.
	TransferID() string
	// NeedsReconnect reports whether this transfer is currently parked
	// waiting for a signaling reconnect (channel closed mid-transfer).
	NeedsReconnect() bool
	// Reconnect attempts one reconnection; ctx bounds the attempt.
	Reconnect(ctx context.Context) error
	// Heartbeat sends the periodic signaling heartbeat.
	Heartbeat(ctx context.Context) error
}

// Supervisor runs a cron schedule that sweeps registered transfers for
// pending reconnects and fires the signaling heartbeat. It owns no
// transfer state itself — Reconnector implementations (typically a thin
// adapter over a session.Machine + transport.Signaling pair) do the actual
// work.
type Supervisor struct {
	mu       sync.Mutex
	cron     *cron.Cron
	logger   *slog.Logger
	tracked  map[string]Reconnector
	schedule string
}

// New builds a Supervisor with the given cron schedule (default
// "*/5 * * * * *", every 5 seconds, if empty).
func New(schedule string, logger *slog.Logger) *Supervisor {
	if schedule == "" {
		schedule = "*/5 * * * * *"
	}
	return &Supervisor{
		cron:     cron.New(cron.WithSeconds()),
		logger:   logger,
		tracked:  make(map[string]Reconnector),
		schedule: schedule,
	}
}

// Track registers a transfer for reconnect-sweep and heartbeat supervision.
func (s *Supervisor) Track(r Reconnector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked[r.TransferID()] = r
}

// Untrack removes a transfer once it reaches a terminal state.
func (s *Supervisor) Untrack(transferID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tracked, transferID)
}

// Start schedules the resume sweep and the signaling heartbeat on their own
// cron entries — spec §5 times them independently (heartbeat every
// SignalingHeartbeat, resume sweep on s.schedule, default every 5s) — and
// begins the cron scheduler.
func (s *Supervisor) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.schedule, func() { s.sweep(ctx) }); err != nil {
		return fmt.Errorf("daemon: scheduling resume sweep: %w", err)
	}
	heartbeatSchedule := fmt.Sprintf("@every %s", SignalingHeartbeat)
	if _, err := s.cron.AddFunc(heartbeatSchedule, func() { s.heartbeat(ctx) }); err != nil {
		return fmt.Errorf("daemon: scheduling signaling heartbeat: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (s *Supervisor) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}

func (s *Supervisor) snapshot() []Reconnector {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Reconnector, 0, len(s.tracked))
	for _, r := range s.tracked {
		out = append(out, r)
	}
	return out
}

// sweep retries signaling reconnection for every transfer parked
// FAILED-pending-reconnect, on s.schedule (default every 5s).
func (s *Supervisor) sweep(ctx context.Context) {
	for _, r := range s.snapshot() {
		if !r.NeedsReconnect() {
			continue
		}
		sweepCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := r.Reconnect(sweepCtx); err != nil {
			s.logger.Warn("daemon: reconnect attempt failed", "transfer_id", r.TransferID(), "error", err)
		} else {
			s.logger.Info("daemon: reconnect succeeded", "transfer_id", r.TransferID())
		}
		cancel()
	}
}

// heartbeat pings the signaling connection for every tracked transfer not
// currently parked pending reconnect, on its own SignalingHeartbeat cadence.
func (s *Supervisor) heartbeat(ctx context.Context) {
	for _, r := range s.snapshot() {
		if r.NeedsReconnect() {
			continue
		}
		hbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := r.Heartbeat(hbCtx); err != nil {
			s.logger.Warn("daemon: heartbeat failed", "transfer_id", r.TransferID(), "error", err)
		}
		cancel()
	}
}
