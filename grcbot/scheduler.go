package grcbot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
)

// Scheduler runs a job once a day at a wall-clock time in a given
// time zone. Daylight saving changes are handled by evaluating the
// schedule in that zone.
type Scheduler struct {
	cron     *cron.Cron
	schedule cron.Schedule
	location *time.Location
	spec     string
	job      func(ctx context.Context)
	logger   *slog.Logger

	mu      sync.Mutex
	entryID cron.EntryID
	ctx     context.Context
	started bool
}

// parseClock parses an "HH:MM" 24 hour time
func parseClock(s string) (hour int, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q (expected HH:MM): %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}

// dailySpec returns the cron spec for a daily run at the given
// "HH:MM" in the named zone.
func dailySpec(timezone string, at string) (string, error) {
	hour, minute, err := parseClock(at)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("CRON_TZ=%s %d %d * * *", timezone, minute, hour), nil
}

// NewDailyScheduler returns a Scheduler that calls job every day at
// the "HH:MM" time `at`, in the IANA zone `timezone`. The job isn't
// run until Start is called.
func NewDailyScheduler(
	timezone string,
	at string,
	job func(ctx context.Context),
	logger *slog.Logger,
) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid time zone %q: %w", timezone, err)
	}
	spec, err := dailySpec(timezone, at)
	if err != nil {
		return nil, err
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		schedule: schedule,
		location: loc,
		spec:     spec,
		job:      job,
		logger:   logger,
		ctx:      context.Background(),
	}
	return s, nil
}

// Start arms the schedule. Jobs receive the given context, which
// should be cancelled on shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx = ctx
	s.entryID = s.cron.Schedule(s.schedule, cron.FuncJob(s.run))
	s.cron.Start()
	s.started = true
	s.logger.InfoContext(
		ctx,
		"scheduled daily job",
		"spec", s.spec,
		"next", s.cron.Entry(s.entryID).Next,
	)
}

// Stop halts the schedule. The returned context is done once any
// running job has finished.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	s.started = false
	s.cron.Remove(s.entryID)
	return s.cron.Stop()
}

// Next returns the next time the job will run
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	started, entryID := s.started, s.entryID
	s.mu.Unlock()
	if started {
		if next := s.cron.Entry(entryID).Next; !next.IsZero() {
			return next
		}
	}
	return s.NextAfter(time.Now())
}

// NextAfter returns the first run time after t, in the scheduler's zone
func (s *Scheduler) NextAfter(t time.Time) time.Time {
	return s.schedule.Next(t).In(s.location)
}

// Location returns the zone the schedule is evaluated in
func (s *Scheduler) Location() *time.Location {
	return s.location
}

// RunNow runs the job immediately, in the calling goroutine
func (s *Scheduler) RunNow(ctx context.Context) {
	if s.job == nil {
		return
	}
	s.job(ctx)
}

func (s *Scheduler) run() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	s.logger.InfoContext(ctx, "running scheduled job", "spec", s.spec)
	if s.job != nil {
		s.job(ctx)
	}
}
