// Package scheduler auto-starts and auto-stops streams from recurring
// weekly windows. It polls the schedule table on a fixed interval and
// drives the router's unattended path, so an appliance that reboots
// mid-window comes back on air without an operator.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vistter/vistterstream/internal/logging"
	"github.com/vistter/vistterstream/internal/model"
)

// checkInterval is how often the schedule table is re-evaluated.
const checkInterval = 30 * time.Second

var schedLogger *slog.Logger

func init() {
	schedLogger = logging.ForService("scheduler")
	if schedLogger == nil {
		schedLogger = slog.Default().With("service", "scheduler")
	}
}

// Router is the unattended streaming surface the scheduler drives.
type Router interface {
	StartScheduled(ctx context.Context, timelineID int, destinationIDs []int) error
	Stop(ctx context.Context) error
}

// Store lists the configured schedules.
type Store interface {
	ListSchedules() ([]*model.Schedule, error)
}

// Config wires the scheduler.
type Config struct {
	Store  Store
	Router Router
	Clock  clock.Clock
}

// Scheduler evaluates streaming windows and keeps the router in sync
// with whichever window is currently open.
type Scheduler struct {
	store  Store
	router Router
	clk    clock.Clock

	mu       sync.Mutex
	activeID int // schedule id the scheduler last started, 0 when none
	cancel   context.CancelFunc
	done     chan struct{}
	reload   chan struct{}
}

// New builds a scheduler. Call Start to begin evaluating.
func New(cfg Config) *Scheduler {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		store:  cfg.Store,
		router: cfg.Router,
		clk:    clk,
		reload: make(chan struct{}, 1),
	}
}

// Start launches the evaluation loop. The first evaluation runs
// immediately so a reboot inside an open window resumes streaming
// without waiting a full interval.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
	schedLogger.Info("scheduler started", "interval", checkInterval.String())
}

// Stop halts the evaluation loop. Streams started by the scheduler keep
// running; stopping the engine is the caller's job.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	schedLogger.Info("scheduler stopped")
}

// Reload requests an immediate re-evaluation, used after schedule edits.
func (s *Scheduler) Reload() {
	select {
	case s.reload <- struct{}{}:
	default:
	}
}

// ActiveScheduleID returns the schedule currently on air via the
// scheduler, or 0.
func (s *Scheduler) ActiveScheduleID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	s.evaluate(ctx)
	ticker := s.clk.Ticker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evaluate(ctx)
		case <-s.reload:
			s.evaluate(ctx)
		}
	}
}

// evaluate reconciles the router with the schedule table: start the
// first open window, stop when no window is open.
func (s *Scheduler) evaluate(ctx context.Context) {
	schedules, err := s.store.ListSchedules()
	if err != nil {
		schedLogger.Error("listing schedules", "error", err)
		return
	}

	now := s.clk.Now()
	var match *model.Schedule
	for _, sched := range schedules {
		if !sched.Enabled || len(sched.TimelineIDs) == 0 {
			continue
		}
		if windowOpen(sched, now) {
			match = sched
			break
		}
	}

	s.mu.Lock()
	active := s.activeID
	s.mu.Unlock()

	switch {
	case match != nil && match.ID != active:
		timelineID := match.TimelineIDs[0]
		schedLogger.Info("schedule window open",
			"schedule_id", match.ID,
			"name", match.Name,
			"timeline_id", timelineID,
			"destinations", len(match.DestinationIDs))
		log.Printf("🔄 Schedule %q opening: starting timeline %d", match.Name, timelineID)
		if err := s.router.StartScheduled(ctx, timelineID, match.DestinationIDs); err != nil {
			schedLogger.Error("scheduled start failed",
				"schedule_id", match.ID, "timeline_id", timelineID, "error", err)
			return
		}
		s.mu.Lock()
		s.activeID = match.ID
		s.mu.Unlock()

	case match == nil && active != 0:
		schedLogger.Info("schedule window closed", "schedule_id", active)
		log.Printf("🛑 Schedule window closed, stopping stream")
		if err := s.router.Stop(ctx); err != nil {
			schedLogger.Error("scheduled stop failed", "schedule_id", active, "error", err)
		}
		s.mu.Lock()
		s.activeID = 0
		s.mu.Unlock()
	}
}

// windowOpen reports whether now falls inside the schedule's weekly
// window. Windows whose end is before their start cross midnight; the
// portion after midnight counts against the previous day's weekday.
func windowOpen(sched *model.Schedule, now time.Time) bool {
	start, err := parseClockMinutes(sched.WindowStart)
	if err != nil {
		schedLogger.Warn("bad window start", "schedule_id", sched.ID, "value", sched.WindowStart)
		return false
	}
	end, err := parseClockMinutes(sched.WindowEnd)
	if err != nil {
		schedLogger.Warn("bad window end", "schedule_id", sched.ID, "value", sched.WindowEnd)
		return false
	}

	local := now.In(sched.Location())
	minute := local.Hour()*60 + local.Minute()

	if start <= end {
		return dayEnabled(sched, local.Weekday()) && minute >= start && minute < end
	}
	// Crosses midnight: [start, 24:00) on the scheduled day,
	// [00:00, end) on the following day.
	if minute >= start {
		return dayEnabled(sched, local.Weekday())
	}
	if minute < end {
		return dayEnabled(sched, local.AddDate(0, 0, -1).Weekday())
	}
	return false
}

func dayEnabled(sched *model.Schedule, day time.Weekday) bool {
	for _, d := range sched.Days {
		if d == day {
			return true
		}
	}
	return false
}

// parseClockMinutes parses "HH:MM" into minutes past midnight.
func parseClockMinutes(v string) (int, error) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", v)
	}
	hh, err := strconv.Atoi(parts[0])
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("bad hour in %q", v)
	}
	mm, err := strconv.Atoi(parts[1])
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("bad minute in %q", v)
	}
	return hh*60 + mm, nil
}
