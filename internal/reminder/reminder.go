// Package reminder nudges threads whose requests are still waiting for a
// release-item match after a configurable age.
package reminder

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/switchboard/internal/dispatch"
	"github.com/zulandar/switchboard/internal/messenger"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// DefaultStaleAfter is how long a thread may sit in waiting status before
// it gets nudged.
const DefaultStaleAfter = 48 * time.Hour

// Sweeper posts one in-thread nudge per stale waiting thread on a cron
// schedule. It only notifies; tracking records are never mutated.
type Sweeper struct {
	store      dispatch.Tracker
	msgr       messenger.Messenger
	schedule   cron.Schedule
	staleAfter time.Duration
	out        io.Writer
}

// Opts holds parameters for creating a Sweeper.
type Opts struct {
	Store      dispatch.Tracker
	Messenger  messenger.Messenger
	Schedule   string        // 5-field cron expression, e.g. "0 9 * * *"
	StaleAfter time.Duration // defaults to DefaultStaleAfter
	Out        io.Writer     // defaults to os.Stdout
}

// New creates a Sweeper. The schedule is validated up front.
func New(opts Opts) (*Sweeper, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("reminder: store is required")
	}
	if opts.Messenger == nil {
		return nil, fmt.Errorf("reminder: messenger is required")
	}
	sched, err := cronParser.Parse(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("reminder: parse schedule %q: %w", opts.Schedule, err)
	}
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Sweeper{
		store:      opts.Store,
		msgr:       opts.Messenger,
		schedule:   sched,
		staleAfter: staleAfter,
		out:        out,
	}, nil
}

// Run blocks, firing a sweep at each scheduled tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	for {
		wait := time.Until(s.schedule.Next(time.Now()))
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if _, err := s.Sweep(ctx); err != nil {
			fmt.Fprintf(s.out, "reminder: sweep: %v\n", err)
		}
	}
}

// Sweep posts a nudge into every thread still waiting past the cutoff and
// returns how many were sent. Individual delivery failures are logged and
// skipped so one dead thread cannot stall the rest.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.staleAfter)
	recs, err := s.store.ListStaleWaiting(cutoff)
	if err != nil {
		return 0, fmt.Errorf("reminder: %w", err)
	}

	sent := 0
	for _, rec := range recs {
		text := fmt.Sprintf("⏰ Reminder: %q is still waiting for a release item match.", rec.RequestName)
		if err := s.msgr.PostThreadMessage(ctx, rec.ChannelID, rec.ThreadID, text); err != nil {
			fmt.Fprintf(s.out, "reminder: nudge [thread=%s]: %v\n", rec.ThreadID, err)
			continue
		}
		sent++
	}
	return sent, nil
}
