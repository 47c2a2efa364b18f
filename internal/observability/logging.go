package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/ledgerly/internal/config"
	"github.com/pitabwire/ledgerly/model"
)

type loggerKey struct{}

// NewLogger builds the process logger. Output is JSON unless
// cfg.LogFormat is "console".
//
// Level conventions:
//   - error: storage down, panics, 5xx responses
//   - warn:  audit append failures, bridge fallback, stale JWKS keys
//   - info:  4xx responses, permission changes, archive batches, entity reload
//   - debug: version conflicts, dropped deliveries, rejected payloads
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder

	encoding := "json"
	if cfg.LogFormat == "console" {
		encoding = "console"
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         encoding,
		EncoderConfig:    enc,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields:    map[string]any{"service": "ledgerd", "version": Version},
	}
	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger annotated with the caller's
// identity and connection.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}
	return logger.With(CallerFields(rctx)...)
}

// CallerFields lists the log fields identifying rctx. Empty optional values
// are left out.
func CallerFields(rctx *model.RequestContext) []zap.Field {
	fields := []zap.Field{
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	for _, f := range []struct{ key, val string }{
		{"department", rctx.Department},
		{"connection_id", rctx.ConnectionID},
		{"trace_id", rctx.TraceID},
	} {
		if f.val != "" {
			fields = append(fields, zap.String(f.key, f.val))
		}
	}
	return fields
}

const redacted = "[REDACTED]"

var defaultRedactKeys = []string{
	"password", "secret", "token", "api_key", "iban", "account_number", "card_number", "ssn", "pin",
}

// Redactor masks sensitive record data keys before a payload is logged.
// Keys match case-insensitively at any depth.
type Redactor struct {
	keys map[string]bool
}

// NewRedactor creates a Redactor for the default keys plus extra.
func NewRedactor(extra ...string) *Redactor {
	r := &Redactor{keys: make(map[string]bool, len(defaultRedactKeys)+len(extra))}
	for _, k := range defaultRedactKeys {
		r.keys[k] = true
	}
	for _, k := range extra {
		r.keys[strings.ToLower(k)] = true
	}
	return r
}

// Data returns a masked copy of data. The input is not modified.
func (r *Redactor) Data(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if r.keys[strings.ToLower(k)] {
			out[k] = redacted
			continue
		}
		out[k] = r.value(v)
	}
	return out
}

func (r *Redactor) value(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return r.Data(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = r.value(e)
		}
		return out
	default:
		return v
	}
}

// Field is a zap field holding the masked data.
func (r *Redactor) Field(key string, data map[string]any) zap.Field {
	return zap.Any(key, r.Data(data))
}
