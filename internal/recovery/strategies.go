package recovery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"agentd/internal/failure"
	"agentd/internal/plugin"
	"agentd/internal/resilience"
)

type kindSet []failure.Kind

func (s kindSet) has(k failure.Kind) bool { return slices.Contains(s, k) }

var defaultRetryPolicy = resilience.RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Second}

// DefaultStrategies returns the built-in strategies in tie-break order.
func DefaultStrategies(retry resilience.RetryPolicy) []Strategy {
	return []Strategy{
		RestartStrategy{},
		RetryStrategy{Policy: retry},
		FallbackStrategy{},
		ReconfigureStrategy{},
		ResetStateStrategy{},
	}
}

// RestartStrategy lets the plugin heal itself through RecoveryHook and
// otherwise shuts it down and initializes it again.
type RestartStrategy struct{}

var restartKinds = kindSet{failure.ExecutionError, failure.MemoryLeak, failure.Timeout}

func (RestartStrategy) Name() StrategyName { return Restart }
func (RestartStrategy) CanHandle(ev failure.Event, _ plugin.Plugin) bool {
	return restartKinds.has(ev.Kind)
}

func (RestartStrategy) Recover(ctx context.Context, req Request) (string, error) {
	if hook, ok := req.Plugin.(plugin.RecoveryHook); ok {
		healed := false
		err := plugin.SafeCall("auto_recover."+req.Event.Plugin, func() error {
			healed = hook.AutoRecover(ctx, req.Cause)
			return nil
		})
		if err == nil && healed {
			return "plugin recovered itself", nil
		}
	}
	if err := req.Host.Restart(ctx, req.Event.Plugin); err != nil {
		return "", fmt.Errorf("restart: %w", err)
	}
	return "plugin restarted", nil
}

// RetryStrategy re-invokes the plugin with its own backoff schedule.
type RetryStrategy struct {
	Policy resilience.RetryPolicy
}

var retryKinds = kindSet{failure.NetworkError, failure.Timeout, failure.DependencyFailure}

func (RetryStrategy) Name() StrategyName { return Retry }
func (RetryStrategy) CanHandle(ev failure.Event, _ plugin.Plugin) bool {
	return retryKinds.has(ev.Kind)
}

func (s RetryStrategy) Recover(ctx context.Context, req Request) (string, error) {
	attempts, err := s.Policy.Invoke(ctx, func(ctx context.Context) error {
		return req.Host.Invoke(ctx, req.Event.Plugin)
	})
	if err != nil {
		return "", fmt.Errorf("retry failed after %d attempts: %w", attempts, err)
	}
	return fmt.Sprintf("succeeded on attempt %d", attempts), nil
}

// FallbackStrategy switches a Fallbacker plugin into its degraded mode.
type FallbackStrategy struct{}

var fallbackKinds = kindSet{failure.DependencyFailure, failure.ConfigurationError, failure.AuthenticationError}

func (FallbackStrategy) Name() StrategyName { return Fallback }
func (FallbackStrategy) CanHandle(ev failure.Event, p plugin.Plugin) bool {
	_, ok := p.(plugin.Fallbacker)
	return ok && fallbackKinds.has(ev.Kind)
}

func (FallbackStrategy) Recover(ctx context.Context, req Request) (string, error) {
	fb, ok := req.Plugin.(plugin.Fallbacker)
	if !ok {
		return "", errors.New("plugin has no fallback mode")
	}
	if err := plugin.SafeCall("fallback."+req.Event.Plugin, func() error {
		return fb.EnterFallback(ctx, failure.Describe(req.Event))
	}); err != nil {
		return "", err
	}
	req.Host.SetFallback(req.Event.Plugin, true)
	return "fallback mode enabled", nil
}

// ReconfigureStrategy reloads configuration and hands the plugin its blob.
type ReconfigureStrategy struct{}

var reconfigureKinds = kindSet{failure.ConfigurationError, failure.AuthenticationError}

func (ReconfigureStrategy) Name() StrategyName { return Reconfigure }
func (ReconfigureStrategy) CanHandle(ev failure.Event, p plugin.Plugin) bool {
	_, ok := p.(plugin.Configurable)
	return ok && reconfigureKinds.has(ev.Kind)
}

func (ReconfigureStrategy) Recover(ctx context.Context, req Request) (string, error) {
	c, ok := req.Plugin.(plugin.Configurable)
	if !ok {
		return "", errors.New("plugin is not configurable")
	}
	raw, err := req.Host.ReloadConfig(ctx, req.Event.Plugin)
	if err != nil {
		return "", fmt.Errorf("reload config: %w", err)
	}
	if err := plugin.SafeCall("configure."+req.Event.Plugin, func() error { return c.Configure(ctx, raw) }); err != nil {
		return "", fmt.Errorf("apply config: %w", err)
	}
	return fmt.Sprintf("configuration re-applied (%d bytes)", len(raw)), nil
}

// ResetStateStrategy clears a StateResetter plugin's internal state.
type ResetStateStrategy struct{}

var resetKinds = kindSet{failure.DataCorruption, failure.MemoryLeak}

func (ResetStateStrategy) Name() StrategyName { return ResetState }
func (ResetStateStrategy) CanHandle(ev failure.Event, p plugin.Plugin) bool {
	_, ok := p.(plugin.StateResetter)
	return ok && resetKinds.has(ev.Kind)
}

func (ResetStateStrategy) Recover(ctx context.Context, req Request) (string, error) {
	r, ok := req.Plugin.(plugin.StateResetter)
	if !ok {
		return "", errors.New("plugin cannot reset state")
	}
	if err := plugin.SafeCall("reset_state."+req.Event.Plugin, func() error { return r.ResetState(ctx) }); err != nil {
		return "", err
	}
	return "state reset", nil
}
