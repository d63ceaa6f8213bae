package trigger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spotbuild/spotbuild/internal/domain"
)

// Scheduler submits an empty event to a Service on a fixed interval.
type Scheduler struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
}

func NewScheduler(service *Service, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{service: service, interval: interval, logger: logger}
}

// Start runs the loop in a goroutine. A non-positive interval disables it.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.service == nil || s.interval <= 0 {
		return
	}
	go s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	res, err := s.service.Trigger(ctx, SourceSchedule, domain.Event{})
	if err != nil {
		s.log("scheduled invocation skipped", "error", err)
		return
	}
	if res.Err() != nil && !errors.Is(res.Err(), context.Canceled) {
		s.log("scheduled invocation failed", "error", res.Err())
	}
}

func (s *Scheduler) log(msg string, attrs ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Warn(msg, append([]any{"component", "scheduler", "interval", s.interval.String()}, attrs...)...)
}
