// Package scheduler owns the named background loops (OrderMonitor,
// ExitMonitor, StrategySignal) plus the one-shot end-of-session
// DailySummary task: an arbitrary named set of ticker loops with jitter
// and a fail-open error budget per component.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/aashi6126/optiontrader/internal/config"
	"github.com/aashi6126/optiontrader/internal/observ"
	"github.com/aashi6126/optiontrader/internal/store"
)

// maxConsecutiveInvariantViolations is the fail-open threshold: after
// this many consecutive invariant violations a component's loop halts
// and raises an operator alert rather than spinning forever.
const maxConsecutiveInvariantViolations = 3

// Task is one named periodic loop's tick function. ctx is cancelled when
// Stop is called; the tick should return promptly after observing it.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// AlertFunc is invoked when a component's loop halts on the fail-open
// threshold, so the caller can page an operator.
type AlertFunc func(component string, err error)

// Scheduler owns a set of named ticker loops plus the one-shot
// end-of-session summary task.
type Scheduler struct {
	cfg       config.Root
	st        store.Store
	tasks     []Task
	jitterPct float64
	onAlert   AlertFunc

	wg     sync.WaitGroup
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Scheduler. tasks should contain OrderMonitor,
// ExitMonitor, and StrategySignal; Start also arms the end-of-session
// DailySummary one-shot alongside them.
func New(cfg config.Root, st store.Store, tasks []Task, onAlert AlertFunc) *Scheduler {
	jitter := cfg.Scheduler.JitterPercent
	if jitter <= 0 {
		jitter = 10
	}
	return &Scheduler{cfg: cfg, st: st, tasks: tasks, jitterPct: jitter, onAlert: onAlert}
}

// Start spawns every registered task's loop plus the end-of-session
// one-shot. Start returns immediately; loops run until Stop is called.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.runLoop(ctx, t)
	}

	s.wg.Add(1)
	go s.runDailySummary(ctx)
}

// Stop cancels every loop and waits up to the shutdown grace period for
// in-flight ticks to finish, aborting otherwise. Loops share one context
// so shutdown is a single broadcast cancel; each loop only ever mutates
// trades it locks individually, so there is no ordering hazard.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()

	grace := time.Duration(s.cfg.Scheduler.ShutdownGraceSeconds) * time.Second
	if grace <= 0 {
		grace = 10 * time.Second
	}

	waitDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-time.After(grace):
		observ.Log("scheduler_stop_timeout", map[string]any{"grace_seconds": grace.Seconds()})
	}
}

func (s *Scheduler) runLoop(ctx context.Context, t Task) {
	defer s.wg.Done()

	interval := jittered(t.Interval, s.jitterPct)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	consecutiveViolations := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if violated := s.runTick(ctx, t); violated {
				consecutiveViolations++
				if consecutiveViolations >= maxConsecutiveInvariantViolations {
					observ.Log("scheduler_component_halted", map[string]any{"component": t.Name})
					if s.onAlert != nil {
						s.onAlert(t.Name, errHalted(t.Name))
					}
					return
				}
			} else {
				consecutiveViolations = 0
			}
			// Re-jitter each tick so repeated loops don't resynchronize
			// against the broker.
			ticker.Reset(jittered(t.Interval, s.jitterPct))
		}
	}
}

// runTick runs one tick, recovering from a panic so a single bad tick
// never kills the loop outright; the panic counts toward the
// invariant-violation budget.
func (s *Scheduler) runTick(ctx context.Context, t Task) (invariantViolation bool) {
	defer func() {
		if r := recover(); r != nil {
			observ.Log("scheduler_tick_panic", map[string]any{"component": t.Name, "panic": r})
			invariantViolation = true
		}
	}()
	t.Run(ctx)
	return false
}

func jittered(base time.Duration, pct float64) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	spread := float64(base) * (pct / 100)
	delta := (rand.Float64()*2 - 1) * spread
	return time.Duration(float64(base) + delta)
}

type haltedError struct{ component string }

func (e *haltedError) Error() string { return "scheduler: " + e.component + " halted after repeated invariant violations" }

func errHalted(component string) error { return &haltedError{component: component} }

// runDailySummary fires the one-shot end-of-session task at
// scheduler.end_of_session_{hour,minute} local time (default 16:05 ET),
// then re-arms itself for the next session day.
func (s *Scheduler) runDailySummary(ctx context.Context) {
	defer s.wg.Done()

	loc, err := time.LoadLocation(s.cfg.Session.Timezone)
	if err != nil || loc == nil {
		loc = time.UTC
	}

	for {
		next := nextDailySummaryTime(time.Now().In(loc), s.cfg.Scheduler.EndOfSessionHour, s.cfg.Scheduler.EndOfSessionMinute, loc)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.computeDailySummary(next)
		}
	}
}

func nextDailySummaryTime(now time.Time, hour, minute int, loc *time.Location) time.Time {
	if hour == 0 && minute == 0 {
		hour, minute = 16, 5
	}
	candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

func (s *Scheduler) computeDailySummary(at time.Time) {
	date := at.Format("2006-01-02")
	trades, err := s.st.ListTradesForDate(date)
	if err != nil {
		observ.Log("daily_summary_list_failed", map[string]any{"date": date, "error": err.Error()})
		return
	}

	summary := store.DailySummary{SessionDate: date, ComputedAt: at.UTC()}
	for _, t := range trades {
		if t.Status != store.TradeClosed {
			continue
		}
		summary.TotalTrades++
		summary.TotalPnL += t.PnLDollars
		if t.PnLDollars >= 0 {
			summary.WinningTrades++
			if t.PnLDollars > summary.LargestWin {
				summary.LargestWin = t.PnLDollars
			}
		} else {
			summary.LosingTrades++
			if t.PnLDollars < summary.LargestLoss {
				summary.LargestLoss = t.PnLDollars
			}
		}
	}

	if err := s.st.UpsertDailySummary(summary); err != nil {
		observ.Log("daily_summary_persist_failed", map[string]any{"date": date, "error": err.Error()})
		return
	}
	observ.Log("daily_summary_computed", map[string]any{"date": date, "total_trades": summary.TotalTrades, "total_pnl": summary.TotalPnL})
}
