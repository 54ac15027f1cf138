package observability

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Reporter is the error/telemetry sink. Report is fire-and-forget: it must
// never block the caller and must tolerate nil-safe concurrent use. Every
// asynchronous failure path in the relay funnels through a Reporter.
type Reporter interface {
	Report(scope string, err error)
}

// LogReporter reports errors to a zap logger and keeps a running count.
type LogReporter struct {
	logger *zap.Logger
	count  atomic.Uint64
}

// NewLogReporter creates a Reporter backed by the given logger.
//
// Precondition: logger must be non-nil.
func NewLogReporter(logger *zap.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

// Report logs the error with its scope. Never blocks.
func (r *LogReporter) Report(scope string, err error) {
	if err == nil {
		return
	}
	r.count.Add(1)
	r.logger.Error("telemetry report",
		zap.String("scope", scope),
		zap.Error(err),
	)
}

// Reported returns the number of errors reported so far.
func (r *LogReporter) Reported() uint64 {
	return r.count.Load()
}

// NopReporter discards all reports. Useful in tests.
type NopReporter struct{}

// Report discards the error.
func (NopReporter) Report(string, error) {}
