package health

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AlertSink receives alert events when a backend fails consecutive health
// probes. Alert delivery (paging, webhooks) is owned by the collaborator
// behind the sink; this package only generates the events.
type AlertSink interface {
	Alert(kind string, result CheckResult, consecutiveFails int)
}

// LogSink is the default alert sink: it writes alerts to the structured
// log, rate-limited per backend kind so a flapping backend cannot flood
// the log or whatever ships it onward.
type LogSink struct {
	logger *slog.Logger
	limit  rate.Limit
	burst  int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewLogSink creates a LogSink allowing one alert per minInterval per
// backend kind, with the given burst allowance.
func NewLogSink(logger *slog.Logger, minInterval time.Duration, burst int) *LogSink {
	return &LogSink{
		logger:   logger,
		limit:    rate.Every(minInterval),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Alert logs the alert event unless the per-kind rate limit suppresses it.
func (s *LogSink) Alert(kind string, result CheckResult, consecutiveFails int) {
	s.mu.Lock()
	lim, ok := s.limiters[kind]
	if !ok {
		lim = rate.NewLimiter(s.limit, s.burst)
		s.limiters[kind] = lim
	}
	s.mu.Unlock()

	if !lim.Allow() {
		return
	}

	s.logger.Error("backend failing consecutive health checks",
		"alert", true,
		"kind", kind,
		"consecutive_failures", consecutiveFails,
		"status", string(result.Status),
		"error", result.Error,
	)
}
