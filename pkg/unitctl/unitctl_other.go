//go:build !linux

package unitctl

import "context"

type Manager struct{}

func New(context.Context) (*Manager, error) { return nil, ErrUnsupported }

func (*Manager) Close() error { return nil }

func (*Manager) Status(context.Context, string) (Status, error) { return Status{}, ErrUnsupported }

func (*Manager) Restart(context.Context, string) error { return ErrUnsupported }
