package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicatePlugin = errors.New("plugin already registered")
	ErrUnknownPlugin   = errors.New("plugin is not registered")
	ErrPluginIsolated  = errors.New("plugin is isolated")
	ErrDependency      = errors.New("dependency did not succeed")
	ErrShutDown        = errors.New("scheduler is shut down")
	ErrNoConfigSource  = errors.New("no configuration source")
)

// PluginLoadError is recorded when Initialize fails or times out.
type PluginLoadError struct {
	Plugin string
	Err    error
}

func (e *PluginLoadError) Error() string {
	return fmt.Sprintf("plugin %s failed to initialize: %v", e.Plugin, e.Err)
}

func (e *PluginLoadError) Unwrap() error { return e.Err }

// ExecutionError wraps whatever made a run fail.
type ExecutionError struct {
	Plugin string
	Cause  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("plugin %s: %v", e.Plugin, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }
