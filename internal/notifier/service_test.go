package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/internal/eventbus"
	"agentd/internal/failure"
	"agentd/internal/recovery"
	"agentd/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	fails int
	block chan struct{}
}

func (f *fakeSender) Send(ctx context.Context, text string) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("telegram: 502 bad gateway")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func note(plugin string) recovery.AdminNotification {
	return recovery.AdminNotification{
		ID:         "n-1",
		Plugin:     plugin,
		Severity:   failure.Critical,
		Kind:       failure.ConfigurationError,
		Message:    "config value out of range",
		IncidentID: "inc-42",
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func fastConfig() Config {
	return Config{Enabled: true, QueueSize: 4, RatePerSec: 100, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}
}

func TestAlertDeliversFormattedMessage(t *testing.T) {
	snd := &fakeSender{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(fastConfig(), snd, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.NoError(t, s.Alert(context.Background(), note("weather")))
	require.Eventually(t, func() bool { return len(snd.Sent()) == 1 }, time.Second, 5*time.Millisecond)

	msg := snd.Sent()[0]
	assert.Contains(t, msg, "plugin weather escalated")
	assert.Contains(t, msg, "severity: critical")
	assert.Contains(t, msg, "incident: inc-42")
	assert.Contains(t, msg, "2026-03-01T12:00:00Z")
	assert.Len(t, s.History(), 1)

	var types []string
	timeout := time.After(time.Second)
	for len(types) < 2 {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
		case <-timeout:
			t.Fatalf("events so far: %v", types)
		}
	}
	assert.Equal(t, []string{EventQueued, EventSent}, types)
}

func TestAlertRetriesTransientErrors(t *testing.T) {
	snd := &fakeSender{fails: 2}
	s := New(fastConfig(), snd, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.NoError(t, s.Alert(context.Background(), note("weather")))
	require.Eventually(t, func() bool { return len(snd.Sent()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestAlertGivesUpAfterRetryBudget(t *testing.T) {
	snd := &fakeSender{fails: 10}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(fastConfig(), snd, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.NoError(t, s.Alert(context.Background(), note("weather")))
	timeout := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != EventFailed {
				continue
			}
			data := ev.Data.(NotificationEvent)
			assert.Contains(t, data.Error, "502")
			snd.mu.Lock()
			assert.Equal(t, 7, snd.fails)
			snd.mu.Unlock()
			return
		case <-timeout:
			t.Fatal("no failure event")
		}
	}
}

func TestAlertDedupsWithinWindow(t *testing.T) {
	snd := &fakeSender{}
	cfg := fastConfig()
	cfg.DedupWindow = time.Minute
	s := New(cfg, snd, logx.Nop(), nil)
	s.Start(context.Background())

	for range 3 {
		require.NoError(t, s.Alert(context.Background(), note("weather")))
	}
	require.NoError(t, s.Alert(context.Background(), note("billing")))
	s.Stop(context.Background())

	assert.Len(t, snd.Sent(), 2)
}

func TestAlertQueueFull(t *testing.T) {
	snd := &fakeSender{block: make(chan struct{})}
	cfg := fastConfig()
	cfg.QueueSize = 1
	s := New(cfg, snd, logx.Nop(), nil)
	s.Start(context.Background())

	// The worker takes the first alert and blocks in Send, the second one
	// fills the queue.
	require.NoError(t, s.Alert(context.Background(), note("a")))
	require.Eventually(t, func() bool {
		return s.Alert(context.Background(), note("b")) == nil
	}, time.Second, 5*time.Millisecond)

	var err error
	for i := 0; i < 5 && err == nil; i++ {
		err = s.Alert(context.Background(), note("c"))
	}
	assert.ErrorIs(t, err, ErrQueueFull)

	close(snd.block)
	s.Stop(context.Background())
}

func TestAlertDisabledAndStopped(t *testing.T) {
	off := New(Config{}, &fakeSender{}, logx.Nop(), nil)
	assert.False(t, off.Enabled())
	assert.ErrorIs(t, off.Alert(context.Background(), note("x")), ErrDisabled)

	s := New(fastConfig(), &fakeSender{}, logx.Nop(), nil)
	assert.ErrorIs(t, s.Alert(context.Background(), note("x")), ErrStopped)
	s.Start(context.Background())
	s.Stop(context.Background())
	assert.ErrorIs(t, s.Alert(context.Background(), note("x")), ErrStopped)
}

func TestRetryDelayIsCapped(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt < 10; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.LessOrEqual(t, d, time.Second)
		assert.Positive(t, d)
	}
}

func TestNewTelegramValidates(t *testing.T) {
	_, err := NewTelegram(TelegramConfig{ChatID: 1})
	assert.Error(t, err)
	_, err = NewTelegram(TelegramConfig{Token: "123:abc"})
	assert.Error(t, err)

	tg, err := NewTelegram(TelegramConfig{Token: "123:abc", ChatID: 42, ThreadID: 7, Offline: true})
	require.NoError(t, err)
	assert.Equal(t, int64(42), tg.chat.ID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, tg.Send(ctx, "hi"), context.Canceled)
}
