package logger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type exported struct {
	body     string
	severity string
	attrs    map[string]string
}

type memoryExporter struct {
	mu      sync.Mutex
	records []exported
}

func (e *memoryExporter) Export(ctx context.Context, records []sdklog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range records {
		x := exported{body: r.Body().AsString(), severity: r.SeverityText(), attrs: map[string]string{}}
		r.WalkAttributes(func(kv log.KeyValue) bool {
			x.attrs[kv.Key] = kv.Value.String()
			return true
		})
		e.records = append(e.records, x)
	}
	return nil
}

func (e *memoryExporter) Shutdown(ctx context.Context) error   { return nil }
func (e *memoryExporter) ForceFlush(ctx context.Context) error { return nil }

type logTelemetry struct {
	logger log.Logger
}

func (l *logTelemetry) GetTracer() trace.Tracer { return nil }
func (l *logTelemetry) GetLogger() log.Logger   { return l.logger }

func TestTelemetryCoreMirrorsEntries(t *testing.T) {
	exp := &memoryExporter{}
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewSimpleProcessor(exp)))
	telem := &logTelemetry{logger: provider.Logger("test")}

	obsCore, logs := observer.New(zapcore.InfoLevel)
	lg := zap.New(newTelemetryCore(context.Background(), obsCore, telem)).
		Named("harness").
		With(zap.String("client", "client-1"))

	lg.Warn("status not set", zap.Uint32("status", 0), zap.Int("iteration", 7))
	lg.Debug("dropped below level")

	assert.Equal(t, 1, logs.Len())

	exp.mu.Lock()
	defer exp.mu.Unlock()
	require.Len(t, exp.records, 1)
	r := exp.records[0]
	assert.Equal(t, "status not set", r.body)
	assert.Equal(t, "warn", r.severity)
	assert.Equal(t, "fuzzing_log", r.attrs["snapfuzz.action.name"])
	assert.Equal(t, "client-1", r.attrs["client"])
	assert.Equal(t, "harness", r.attrs["logger"])
	assert.Equal(t, "7", r.attrs["iteration"])
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zapcore.Level{
		"":        zapcore.InfoLevel,
		"DEBUG":   zapcore.DebugLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"bogus":   zapcore.InfoLevel,
	} {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}
