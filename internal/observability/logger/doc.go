// Package logger provides a process-wide zap logger with context scoping.
//
// Init once from main:
//
//	logger.Init(logger.Config{Env: cfg.Env, Level: cfg.LogLevel})
//	defer logger.Sync()
//
// Handlers and services pull the request-scoped logger from the context:
//
//	log := logger.From(ctx)
//	log.Info("event evaluated", logger.DeviceID(id), logger.Reason(reason))
//
// Outside a request, logger.L() returns the singleton.
package logger
