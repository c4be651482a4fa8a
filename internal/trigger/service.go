// Package trigger fires periodic jobs (batch runs, history pruning) from
// cron expressions or plain intervals.
package trigger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"agentd/pkg/logx"
)

// Job is what a trigger fires. ctx ends when the service stops or the
// job's timeout elapses.
type Job func(ctx context.Context) error

type Entry struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next,omitempty"`
	Prev     time.Time `json:"prev,omitempty"`
	Runs     int       `json:"runs"`
	LastErr  string    `json:"last_err,omitempty"`
}

type def struct {
	name    string
	sched   Schedule
	timeout time.Duration
	job     Job

	id      cron.EntryID
	runs    int
	lastErr string
}

type Service struct {
	log    logx.Logger
	loc    *time.Location
	parser cron.Parser

	mu     sync.Mutex
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	defs   map[string]*def
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func New(opts ...Option) *Service {
	s := &Service{
		log: logx.Nop(),
		loc: time.Local,
		// SecondOptional accepts both 5- and 6-field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*def{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add registers a named trigger. Adding a name twice replaces the first.
// A zero timeout leaves the job bounded only by the service lifetime.
func (s *Service) Add(name, schedule string, timeout time.Duration, job Job) error {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", name, err)
	}
	if _, err := s.parser.Parse(sched.Spec()); err != nil {
		return fmt.Errorf("trigger %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old := s.defs[name]; old != nil && s.c != nil {
		s.c.Remove(old.id)
	}
	d := &def{name: name, sched: sched, timeout: timeout, job: job}
	s.defs[name] = d
	if s.c != nil {
		return s.scheduleLocked(d)
	}
	return nil
}

func (s *Service) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.defs[name]; d != nil {
		if s.c != nil {
			s.c.Remove(d.id)
		}
		delete(s.defs, name)
	}
}

func (s *Service) scheduleLocked(d *def) error {
	id, err := s.c.AddJob(d.sched.Spec(), cron.FuncJob(func() { s.fire(d) }))
	if err != nil {
		return fmt.Errorf("trigger %s: %w", d.name, err)
	}
	d.id = id
	return nil
}

func (s *Service) fire(d *def) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	err := d.job(ctx)

	s.mu.Lock()
	d.runs++
	d.lastErr = ""
	if err != nil {
		d.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("trigger.failed", logx.String("trigger", d.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Debug("trigger.fired", logx.String("trigger", d.name), logx.Duration("took", time.Since(start)))
}

// Start begins firing triggers. Jobs that are still running when their
// next tick arrives are skipped, and panics are recovered.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	cl := cronLogger{log: s.log}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, d := range s.defs {
		if err := s.scheduleLocked(d); err != nil {
			s.c = nil
			s.cancel()
			return err
		}
	}
	s.c.Start()
	s.log.Info("trigger.started", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.defs)))
	return nil
}

// Stop halts triggering, cancels running jobs and waits for them, bounded
// by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("trigger.stopped")
}

// Entries lists registered triggers sorted by name.
func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.defs))
	for _, d := range s.defs {
		e := Entry{Name: d.name, Schedule: d.sched.Spec(), Runs: d.runs, LastErr: d.lastErr}
		if s.c != nil {
			ce := s.c.Entry(d.id)
			e.Next, e.Prev = ce.Next, ce.Prev
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger routes robfig/cron's logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron."+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron."+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
