// Package logx is agentd's structured logging layer.
//
// Logger wraps zerolog with a field-function API so call sites read as
//
//	log.Warn("plugin.run_failed", logx.String("plugin", name), logx.Err(err))
//
// A Logger obtained from a Service follows Service.Apply, so log level and
// sinks can change on config reload without re-plumbing loggers.
package logx
