package trigger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/spotbuild/spotbuild/internal/domain"
)

var (
	ErrBusy         = errors.New("invocation already running")
	ErrShuttingDown = errors.New("service shutting down")
)

type Source string

const (
	SourceHTTP     Source = "http"
	SourceSchedule Source = "schedule"
)

// Runner executes one invocation. controller.Controller satisfies it.
type Runner interface {
	Run(ctx context.Context, ev domain.Event) (string, error)
}

type Result struct {
	Source     Source    `json:"source"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	err        error
}

func (r Result) Err() error { return r.err }

type Service struct {
	lifecycle context.Context
	runner    Runner
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time

	running  sync.Mutex
	inflight sync.WaitGroup

	mu      sync.Mutex
	closing bool
	last    *Result
}

// NewService wraps runner. A positive timeout bounds every invocation.
// Cancelling lifecycle cancels every in-flight invocation, whatever context
// it was triggered with.
func NewService(lifecycle context.Context, runner Runner, timeout time.Duration, logger *slog.Logger) *Service {
	if lifecycle == nil {
		lifecycle = context.Background()
	}
	return &Service{
		lifecycle: lifecycle,
		runner:    runner,
		timeout:   timeout,
		logger:    logger,
		now:       time.Now,
	}
}

// Trigger runs one invocation synchronously. It returns ErrBusy when another
// is in flight and ErrShuttingDown once the service is draining.
func (s *Service) Trigger(ctx context.Context, source Source, ev domain.Event) (Result, error) {
	if !s.running.TryLock() {
		s.log(slog.LevelWarn, "trigger rejected", "source", source, "error", ErrBusy)
		return Result{}, ErrBusy
	}
	defer s.running.Unlock()

	if !s.begin() {
		s.log(slog.LevelWarn, "trigger rejected", "source", source, "error", ErrShuttingDown)
		return Result{}, ErrShuttingDown
	}
	defer s.inflight.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.lifecycle, cancel)
	defer stop()

	if s.timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, s.timeout)
		defer cancelTimeout()
	}

	res := Result{Source: source, StartedAt: s.now().UTC()}
	status, err := s.runner.Run(ctx, ev)
	res.FinishedAt = s.now().UTC()
	res.Status = status
	res.err = err
	if err != nil {
		res.Error = err.Error()
	}

	s.mu.Lock()
	stored := res
	s.last = &stored
	s.mu.Unlock()

	s.log(slog.LevelInfo, "trigger finished", "source", source, "duration_ms", res.FinishedAt.Sub(res.StartedAt).Milliseconds(), "failed", err != nil)
	return res, nil
}

func (s *Service) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || s.lifecycle.Err() != nil {
		return false
	}
	s.inflight.Add(1)
	return true
}

// Drain stops accepting invocations and waits up to timeout for the ones in
// flight. It reports whether they all finished.
func (s *Service) Drain(timeout time.Duration) bool {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		s.log(slog.LevelError, "drain timed out with an invocation in flight", "timeout", timeout.String())
		return false
	}
}

func (s *Service) Last() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Result{}, false
	}
	return *s.last, true
}

func (s *Service) log(level slog.Level, msg string, attrs ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Log(context.Background(), level, msg, append([]any{"component", "trigger"}, attrs...)...)
}
