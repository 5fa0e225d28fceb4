package observability

import (
	"fmt"

	"github.com/rs/zerolog"
	"go.temporal.io/sdk/log"
)

// TemporalLogger routes Temporal SDK logs for the temporal queue backend through zerolog.
// It satisfies the SDK's log.Logger and log.WithLogger interfaces.
type TemporalLogger struct {
	logger zerolog.Logger
}

var (
	_ log.Logger     = (*TemporalLogger)(nil)
	_ log.WithLogger = (*TemporalLogger)(nil)
)

// NewTemporalLogger tags every SDK record with component=temporal-sdk.
func NewTemporalLogger(logger zerolog.Logger) *TemporalLogger {
	return &TemporalLogger{logger: logger.With().Str("component", "temporal-sdk").Logger()}
}

func (l *TemporalLogger) Debug(msg string, keyvals ...any) { l.write(zerolog.DebugLevel, msg, keyvals) }
func (l *TemporalLogger) Info(msg string, keyvals ...any)  { l.write(zerolog.InfoLevel, msg, keyvals) }
func (l *TemporalLogger) Warn(msg string, keyvals ...any)  { l.write(zerolog.WarnLevel, msg, keyvals) }
func (l *TemporalLogger) Error(msg string, keyvals ...any) { l.write(zerolog.ErrorLevel, msg, keyvals) }

// With returns a logger that adds keyvals to every record, used by the SDK for
// workflow and activity scoped loggers.
func (l *TemporalLogger) With(keyvals ...any) log.Logger {
	return &TemporalLogger{logger: l.logger.With().Fields(pairs(keyvals)).Logger()}
}

func (l *TemporalLogger) write(level zerolog.Level, msg string, keyvals []any) {
	ev := l.logger.WithLevel(level)
	if ev == nil {
		return
	}
	ev.Fields(pairs(keyvals)).Msg(msg)
}

// pairs turns alternating keys and values into zerolog fields. Non-string keys are
// formatted and a trailing key without a value is dropped.
func pairs(keyvals []any) map[string]any {
	fields := make(map[string]any, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		fields[key] = keyvals[i+1]
	}
	return fields
}
