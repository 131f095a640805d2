package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

// Cache names the report cache that produced an event.
type Cache string

const (
	CacheActive   Cache = "active"
	CacheArchived Cache = "archived"
)

// Event records one report generation attempt.
type Event struct {
	Cache      Cache     `json:"cache"`
	Key        string    `json:"key"`
	Target     string    `json:"target,omitempty"`
	Outcome    string    `json:"outcome"`
	ExitCode   int       `json:"exit_code"`
	DurationMs int64     `json:"duration_ms"`
	PeakRSS    uint64    `json:"peak_rss"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultSendTimeout bounds a single Publish across all sinks.
const DefaultSendTimeout = 5 * time.Second

// Recorder fans events out to a set of sinks. Failures are logged and never
// returned to the caller. A nil *Recorder drops events.
type Recorder struct {
	sinks   []Sink
	timeout time.Duration
	log     *slog.Logger
}

func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sinks: sinks, timeout: DefaultSendTimeout, log: log}
}

// Publish sends e to every sink.
func (r *Recorder) Publish(ctx context.Context, e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	for _, s := range r.sinks {
		if err := s.Send(ctx, e); err != nil {
			r.log.Warn("History sink send failed", "cache", e.Cache, "key", e.Key, "error", err)
		}
	}
}

// Len reports the number of sinks.
func (r *Recorder) Len() int {
	if r == nil {
		return 0
	}
	return len(r.sinks)
}

// Close closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
