package cycle

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/quorumtrade/trading-core/internal/observ"
)

// Supervisor keeps a long-running loop alive. It restarts the loop after a
// panic or when the liveness signal goes stale, with a bound on restarts per
// rolling window. Crossing the bound escalates and backs off but never stops
// supervision; only ctx cancellation ends it.
type Supervisor struct {
	Name               string
	MaxRestarts        int
	RestartWindow      time.Duration
	EscalationCooldown time.Duration
	StaleAfter         time.Duration // 0 disables the liveness check

	restarts []time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewSupervisor(name string, maxRestarts int, window, cooldown, staleAfter time.Duration) *Supervisor {
	return &Supervisor{
		Name:               name,
		MaxRestarts:        maxRestarts,
		RestartWindow:      window,
		EscalationCooldown: cooldown,
		StaleAfter:         staleAfter,
		now:                time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// Run blocks until ctx is done, restarting run as needed. lastBeat may be nil
// when the loop has no liveness signal.
func (s *Supervisor) Run(ctx context.Context, run func(context.Context), lastBeat func() time.Time) {
	for ctx.Err() == nil {
		s.runOnce(ctx, run, lastBeat)
		if ctx.Err() != nil {
			return
		}
		s.recordRestart(ctx)
	}
}

// runOnce runs the loop until it returns, panics, or goes stale.
func (s *Supervisor) runOnce(ctx context.Context, run func(context.Context), lastBeat func() time.Time) {
	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	started := s.now()
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				observ.Error("supervised_panic", map[string]any{
					"name": s.Name, "panic": r, "stack": string(debug.Stack()),
				})
				observ.IncCounter("supervisor_panics_total", map[string]string{"name": s.Name})
			}
		}()
		run(childCtx)
	}()

	if lastBeat == nil || s.StaleAfter <= 0 {
		<-done
		return
	}

	check := time.NewTicker(s.StaleAfter / 2)
	defer check.Stop()
	for {
		select {
		case <-done:
			return
		case <-check.C:
			beat := lastBeat()
			if beat.IsZero() {
				beat = started
			}
			if s.now().Sub(beat) > s.StaleAfter {
				observ.Error("supervised_stalled", map[string]any{
					"name": s.Name, "last_beat": beat, "stale_after": s.StaleAfter.String(),
				})
				observ.IncCounter("supervisor_stalls_total", map[string]string{"name": s.Name})
				cancel()
				<-done
				return
			}
		case <-ctx.Done():
			<-done
			return
		}
	}
}

// recordRestart counts the restart against the rolling window and escalates
// with a cooldown when the budget is spent.
func (s *Supervisor) recordRestart(ctx context.Context) {
	now := s.now()
	s.restarts = append(s.restarts, now)
	cutoff := now.Add(-s.RestartWindow)
	kept := s.restarts[:0]
	for _, t := range s.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restarts = kept

	observ.IncCounter("supervisor_restarts_total", map[string]string{"name": s.Name})
	observ.Warn("supervised_restart", map[string]any{
		"name": s.Name, "recent_restarts": len(s.restarts), "budget": s.MaxRestarts,
	})

	if s.MaxRestarts > 0 && len(s.restarts) > s.MaxRestarts {
		observ.Error("supervisor_escalation", map[string]any{
			"name": s.Name, "restarts_in_window": len(s.restarts), "cooldown": s.EscalationCooldown.String(),
		})
		observ.IncCounter("supervisor_escalations_total", map[string]string{"name": s.Name})
		_ = s.sleep(ctx, s.EscalationCooldown)
		s.restarts = s.restarts[:0]
	}
}
