package notifier

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"

	"agentd/internal/eventbus"
	"agentd/internal/failure"
	"agentd/internal/recovery"
	rtsup "agentd/internal/runtime/supervisor"
	"agentd/pkg/logx"
)

type job struct {
	n   recovery.AdminNotification
	key string
}

// Service is the alert pipeline. It implements recovery.Alerter and is
// safe for concurrent use.
type Service struct {
	log    logx.Logger
	bus    eventbus.Bus
	sender Sender

	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	accepting bool
	queue     chan job
	sup       *rtsup.Supervisor
	sendWG    sync.WaitGroup

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		log:     log,
		bus:     bus,
		sender:  sender,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		dedup:   map[string]time.Time{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// Start launches the delivery worker. It is a no-op when disabled or
// already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		return
	}
	q := make(chan job, s.cfg.QueueSize)
	s.queue = q
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))))
	s.sup.GoRestart("notifier.worker", func(c context.Context) error {
		s.workerLoop(c, q)
		return c.Err()
	})
	s.log.Info("notifier.started", logx.Int("queue", s.cfg.QueueSize), logx.Int("rate_per_sec", s.cfg.RatePerSec))
}

// Stop refuses new alerts and drains the queue until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.queue, s.sup = nil, nil
	s.mu.Unlock()

	s.sendWG.Wait()
	close(q)
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		s.log.Warn("notifier.drain_incomplete", logx.Int("pending", len(q)), logx.Err(err))
		return
	}
	s.log.Info("notifier.stopped")
}

// Alert implements recovery.Alerter.
func (s *Service) Alert(ctx context.Context, n recovery.AdminNotification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(n)
	ev := NotificationEvent{Plugin: n.Plugin, Incident: n.IncidentID, Key: key, At: time.Now()}
	if window > 0 && !s.dedupAllow(key, window) {
		s.bus.Publish(eventbus.Event{Type: EventDeduped, Data: ev})
		return nil
	}

	select {
	case q <- job{n: n, key: key}:
		s.bus.Publish(eventbus.Event{Type: EventQueued, Data: ev})
		return nil
	default:
		ev.Error = ErrQueueFull.Error()
		s.bus.Publish(eventbus.Event{Type: EventDropped, Data: ev})
		return ErrQueueFull
	}
}

// History lists delivered messages, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Text: text})
	if len(s.history) > 200 {
		s.history = s.history[len(s.history)-200:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	text := FormatAlert(j.n)
	ev := NotificationEvent{Plugin: j.n.Plugin, Incident: j.n.IncidentID, Key: j.key}
	attempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := s.sender.Send(cctx, text)
		cancel()
		if err == nil {
			s.appendHistory(text)
			ev.At = time.Now()
			s.bus.Publish(eventbus.Event{Type: EventSent, Data: ev})
			s.log.Debug("notifier.sent", logx.String("plugin", j.n.Plugin), logx.Int("attempt", attempt))
			return
		}
		lastErr = err
		s.log.Debug("notifier.send_failed", logx.Int("attempt", attempt), logx.Int("max", attempts), logx.Err(err))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	ev.At = time.Now()
	ev.Error = lastErr.Error()
	s.bus.Publish(eventbus.Event{Type: EventFailed, Data: ev})
	s.log.Warn("notifier.failed", logx.String("plugin", j.n.Plugin), logx.Int("attempts", attempts), logx.Err(lastErr))
}

// retryDelay is base*2^(attempt-1), capped, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}

func dedupKey(n recovery.AdminNotification) string {
	d := xxhash.New()
	_, _ = fmt.Fprintf(d, "%s|%s|%s|%s", n.Plugin, n.Kind, n.Severity, n.Message)
	return fmt.Sprintf("%x", d.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

func severityIcon(sev failure.Severity) string {
	switch sev {
	case failure.Critical:
		return "🚨"
	case failure.High:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

// FormatAlert renders an admin notification as plain text.
func FormatAlert(n recovery.AdminNotification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s agentd: plugin %s escalated\n", severityIcon(n.Severity), n.Plugin)
	fmt.Fprintf(&b, "severity: %s\nkind: %s\n", n.Severity, n.Kind)
	if n.Message != "" {
		fmt.Fprintf(&b, "error: %s\n", n.Message)
	}
	if n.IncidentID != "" {
		fmt.Fprintf(&b, "incident: %s\n", n.IncidentID)
	}
	b.WriteString(n.Timestamp.UTC().Format(time.RFC3339))
	return b.String()
}

var _ recovery.Alerter = (*Service)(nil)
