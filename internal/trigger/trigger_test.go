package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spotbuild/spotbuild/internal/domain"
)

type fakeRunner struct {
	status  string
	err     error
	calls   atomic.Int32
	got     domain.Event
	block   chan struct{}
	started chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, ev domain.Event) (string, error) {
	f.calls.Add(1)
	f.got = ev
	if f.started != nil {
		close(f.started)
	}
	if f.block != nil {
		<-f.block
	}
	return f.status, f.err
}

func newMux(svc *Service) *http.ServeMux {
	mux := http.NewServeMux()
	svc.Register(mux)
	return mux
}

func TestHandleTrigger_Success(t *testing.T) {
	runner := &fakeRunner{status: "RattlesnakeOS Build Not Required"}
	mux := newMux(NewService(context.Background(), runner, time.Minute, nil))

	req := httptest.NewRequest(http.MethodPost, "http://example.test/v1/invocations", strings.NewReader(`{"force_build": true, "chromium_version": "120.0.1"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var res Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.Status != runner.status || res.Source != SourceHTTP || res.Error != "" {
		t.Fatalf("result=%+v", res)
	}
	if !runner.got.ForceBuild || runner.got.Overrides["chromium_version"] != "120.0.1" {
		t.Fatalf("event=%+v", runner.got)
	}
}

func TestHandleTrigger_EmptyBodyIsDefaultEvent(t *testing.T) {
	runner := &fakeRunner{status: "ok"}
	mux := newMux(NewService(context.Background(), runner, 0, nil))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "http://example.test/v1/invocations", nil))
	if rec.Code != http.StatusOK || runner.calls.Load() != 1 {
		t.Fatalf("status=%d calls=%d", rec.Code, runner.calls.Load())
	}
	if runner.got.ForceBuild || len(runner.got.Overrides) != 0 {
		t.Fatalf("event=%+v, want empty", runner.got)
	}
}

func TestHandleTrigger_InvalidEvent(t *testing.T) {
	runner := &fakeRunner{}
	mux := newMux(NewService(context.Background(), runner, 0, nil))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "http://example.test/v1/invocations", strings.NewReader(`{"force_build": "true"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", rec.Code)
	}
	if runner.calls.Load() != 0 {
		t.Fatalf("runner called for invalid event")
	}
}

func TestHandleTrigger_ErrorStatusCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.InvalidEventError(errors.New("unknown override")), http.StatusBadRequest},
		{domain.ConfigurationError("launch spec", errors.New("no ami")), http.StatusUnprocessableEntity},
		{domain.CapacityQueryError("spot prices", errors.New("throttled")), http.StatusBadGateway},
		{domain.ProvisioningError("fleet", errors.New("timed out")), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		runner := &fakeRunner{status: "FAILED", err: tc.err}
		rec := httptest.NewRecorder()
		newMux(NewService(context.Background(), runner, 0, nil)).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "http://example.test/v1/invocations", nil))
		if rec.Code != tc.want {
			t.Fatalf("err=%v status=%d, want %d", tc.err, rec.Code, tc.want)
		}
	}
}

func TestTrigger_RejectsOverlap(t *testing.T) {
	runner := &fakeRunner{status: "ok", block: make(chan struct{}), started: make(chan struct{})}
	svc := NewService(context.Background(), runner, 0, nil)
	mux := newMux(svc)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = svc.Trigger(context.Background(), SourceSchedule, domain.Event{})
	}()
	<-runner.started

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "http://example.test/v1/invocations", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status=%d, want 409", rec.Code)
	}

	close(runner.block)
	<-done
	if runner.calls.Load() != 1 {
		t.Fatalf("calls=%d, want 1", runner.calls.Load())
	}
}

func TestHandleLast(t *testing.T) {
	runner := &fakeRunner{status: "RattlesnakeOS Spot Instance SKIPPED"}
	svc := NewService(context.Background(), runner, 0, nil)
	mux := newMux(svc)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/v1/invocations/last", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}

	if _, err := svc.Trigger(context.Background(), SourceSchedule, domain.Event{}); err != nil {
		t.Fatalf("Trigger() err=%v", err)
	}
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/v1/invocations/last", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"source":"schedule"`) {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestTrigger_AppliesTimeout(t *testing.T) {
	var deadline bool
	runner := runnerFunc(func(ctx context.Context, ev domain.Event) (string, error) {
		_, deadline = ctx.Deadline()
		return "", nil
	})
	if _, err := NewService(context.Background(), runner, time.Minute, nil).Trigger(context.Background(), SourceHTTP, domain.Event{}); err != nil {
		t.Fatalf("Trigger() err=%v", err)
	}
	if !deadline {
		t.Fatalf("expected invocation deadline")
	}
}

type runnerFunc func(ctx context.Context, ev domain.Event) (string, error)

func (f runnerFunc) Run(ctx context.Context, ev domain.Event) (string, error) { return f(ctx, ev) }

func TestScheduler_TicksUntilCancelled(t *testing.T) {
	ticks := make(chan struct{}, 8)
	runner := runnerFunc(func(ctx context.Context, ev domain.Event) (string, error) {
		ticks <- struct{}{}
		return "ok", nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	NewScheduler(NewService(context.Background(), runner, 0, nil), 10*time.Millisecond, nil).Start(ctx)

	for i := 0; i < 2; i++ {
		select {
		case <-ticks:
		case <-time.After(2 * time.Second):
			t.Fatalf("scheduler did not tick")
		}
	}
}

func TestScheduler_DisabledWithoutInterval(t *testing.T) {
	runner := &fakeRunner{}
	NewScheduler(NewService(context.Background(), runner, 0, nil), 0, nil).Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	if runner.calls.Load() != 0 {
		t.Fatalf("calls=%d, want 0", runner.calls.Load())
	}
}

// blockingRunner holds every run until its context is done.
type blockingRunner struct {
	started chan struct{}
	sawErr  chan error
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan struct{}, 1), sawErr: make(chan error, 1)}
}

func (b *blockingRunner) Run(ctx context.Context, ev domain.Event) (string, error) {
	b.started <- struct{}{}
	<-ctx.Done()
	b.sawErr <- ctx.Err()
	return "RattlesnakeOS Spot Instance FAILED", ctx.Err()
}

func TestShutdown_CancelsHTTPRunAndDrains(t *testing.T) {
	lifecycle, shutdown := context.WithCancel(context.Background())
	defer shutdown()
	runner := newBlockingRunner()
	svc := NewService(lifecycle, runner, time.Hour, nil)

	srv := httptest.NewServer(newMux(svc))
	defer srv.Close()

	respCh := make(chan int, 1)
	go func() {
		resp, err := http.Post(srv.URL+"/v1/invocations", "application/json", strings.NewReader(`{}`))
		if err != nil {
			respCh <- 0
			return
		}
		_ = resp.Body.Close()
		respCh <- resp.StatusCode
	}()

	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not start")
	}
	shutdown()

	if !svc.Drain(2 * time.Second) {
		t.Fatalf("Drain() = false, want in-flight run finished")
	}
	select {
	case err := <-runner.sawErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run ctx err=%v, want context.Canceled", err)
		}
	default:
		t.Fatalf("run did not observe cancellation")
	}
	if code := <-respCh; code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", code)
	}

	if _, err := svc.Trigger(context.Background(), SourceHTTP, domain.Event{}); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Trigger() after shutdown err=%v, want ErrShuttingDown", err)
	}
}

func TestShutdown_CancelsScheduledRun(t *testing.T) {
	lifecycle, shutdown := context.WithCancel(context.Background())
	defer shutdown()
	runner := newBlockingRunner()
	svc := NewService(lifecycle, runner, 0, nil)

	NewScheduler(svc, 5*time.Millisecond, nil).Start(lifecycle)
	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduled run did not start")
	}
	shutdown()

	if !svc.Drain(2 * time.Second) {
		t.Fatalf("Drain() = false, want in-flight run finished")
	}
	if err := <-runner.sawErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("run ctx err=%v, want context.Canceled", err)
	}
}

func TestDrain_TimesOut(t *testing.T) {
	lifecycle, stop := context.WithCancel(context.Background())
	defer stop()
	runner := newBlockingRunner()
	svc := NewService(lifecycle, runner, 0, nil)
	go func() { _, _ = svc.Trigger(context.Background(), SourceSchedule, domain.Event{}) }()
	<-runner.started

	if svc.Drain(20 * time.Millisecond) {
		t.Fatalf("Drain() = true with a run still blocked")
	}
}
