package logger

import (
	"time"

	"go.uber.org/zap"
)

// HTTP

func RequestID(v string) zap.Field { return zap.String("request_id", v) }

func Method(v string) zap.Field { return zap.String("method", v) }

func Path(v string) zap.Field { return zap.String("path", v) }

func Status(v int) zap.Field { return zap.Int("status", v) }

func Duration(v time.Duration) zap.Field { return zap.Duration("duration", v) }

func ClientIP(v string) zap.Field { return zap.String("client_ip", v) }

// Domain

func TenantID(v string) zap.Field { return zap.String("tenant_id", v) }

func DeviceID(v string) zap.Field { return zap.String("device_id", v) }

func CommandID(v string) zap.Field { return zap.String("command_id", v) }

func UsuarioID(v int64) zap.Field { return zap.Int64("usuario_id", v) }

func EventType(v string) zap.Field { return zap.String("event_type", v) }

func Reason(v string) zap.Field { return zap.String("reason", v) }

func Operator(v string) zap.Field { return zap.String("operator", v) }

// System

func Component(v string) zap.Field { return zap.String("component", v) }

func Op(v string) zap.Field { return zap.String("op", v) }

func Err(err error) zap.Field { return zap.Error(err) }

func Count(v int) zap.Field { return zap.Int("count", v) }
