package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spotbuild/spotbuild/internal/domain"
)

type State string

const (
	StateSubmitting       State = "submitting"
	StateSubmitted        State = "submitted"
	StateSubmitFailed     State = "submit_failed"
	StateAwaitingInstance State = "awaiting_instance"
	StateActive           State = "active"
	StateTimedOut         State = "timed_out"
	StateCancelRequested  State = "cancel_requested"
	StateCancelled        State = "cancelled"
)

// FleetAPI is the spot fleet surface the provisioner needs.
type FleetAPI interface {
	SubmitFleetRequest(ctx context.Context, spec domain.LaunchSpec) (string, error)
	PollFleetInstances(ctx context.Context, region, requestID string) ([]domain.FleetInstance, error)
	CancelFleetRequest(ctx context.Context, region, requestID string, terminateInstances bool) error
}

type Options struct {
	Interval      time.Duration
	Attempts      int
	CancelReserve time.Duration
	CancelTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.Attempts <= 0 {
		o.Attempts = 30
	}
	if o.CancelReserve < 0 {
		o.CancelReserve = 0
	}
	if o.CancelTimeout <= 0 {
		o.CancelTimeout = o.CancelReserve
	}
	if o.CancelTimeout <= 0 {
		o.CancelTimeout = 30 * time.Second
	}
	return o
}

// reserve is the time kept free before the deadline for the cancel call.
func (o Options) reserve() time.Duration {
	return max(o.CancelReserve, o.CancelTimeout)
}

type Result struct {
	Handle    domain.FleetRequestHandle
	Trail     []State
	Instances []domain.FleetInstance
	Attempts  int
}

func (r Result) Final() State {
	if len(r.Trail) == 0 {
		return ""
	}
	return r.Trail[len(r.Trail)-1]
}

type Provisioner struct {
	api    FleetAPI
	opts   Options
	now    func() time.Time
	logger *slog.Logger
}

func New(api FleetAPI, opts Options, logger *slog.Logger) *Provisioner {
	return &Provisioner{api: api, opts: opts.withDefaults(), now: time.Now, logger: logger}
}

// Provision submits spec and waits for an active instance. It returns an error
// wrapping domain.ErrProvisioning for every outcome other than active.
func (p *Provisioner) Provision(ctx context.Context, spec domain.LaunchSpec) (Result, error) {
	res := Result{Handle: domain.FleetRequestHandle{Region: spec.Region, State: domain.FleetPending}}
	res.Trail = append(res.Trail, StateSubmitting)

	if p.api == nil {
		res.Handle.State = domain.FleetFailed
		res.Trail = append(res.Trail, StateSubmitFailed)
		return res, domain.ProvisioningError("submit fleet request", errors.New("fleet api not configured"))
	}

	requestID, err := p.api.SubmitFleetRequest(ctx, spec)
	if err == nil && strings.TrimSpace(requestID) == "" {
		err = errors.New("empty request id")
	}
	if err != nil {
		res.Handle.State = domain.FleetFailed
		res.Trail = append(res.Trail, StateSubmitFailed)
		p.log(slog.LevelError, "fleet request rejected", "region", spec.Region, "error", err)
		return res, domain.ProvisioningError("submit fleet request", err)
	}
	res.Handle.RequestID = requestID
	res.Trail = append(res.Trail, StateSubmitted, StateAwaitingInstance)
	p.log(slog.LevelInfo, "fleet request submitted", "region", spec.Region, "request_id", requestID)

	attempts := p.budget(ctx)
	instances, n, waitErr := p.await(ctx, spec.Region, requestID, attempts)
	res.Attempts = n
	if waitErr == nil {
		res.Instances = instances
		res.Handle.State = domain.FleetActive
		res.Trail = append(res.Trail, StateActive)
		p.log(slog.LevelInfo, "fleet instance active", "request_id", requestID, "instance_id", instances[0].InstanceID, "attempts", n)
		return res, nil
	}

	res.Trail = append(res.Trail, StateTimedOut, StateCancelRequested)
	p.log(slog.LevelWarn, "no active instance, cancelling fleet request", "request_id", requestID, "attempts", n, "error", waitErr)
	cancelErr := p.cancel(ctx, spec.Region, requestID)
	if cancelErr != nil {
		res.Handle.State = domain.FleetFailed
		p.log(slog.LevelError, "fleet request cancel failed", "request_id", requestID, "error", cancelErr)
		return res, domain.ProvisioningError("await instance", fmt.Errorf("%w (cancel failed: %v)", waitErr, cancelErr))
	}
	res.Handle.State = domain.FleetCancelled
	res.Trail = append(res.Trail, StateCancelled)
	return res, domain.ProvisioningError("await instance", waitErr)
}

// budget shortens the configured attempts so the cancel fits before ctx's deadline.
func (p *Provisioner) budget(ctx context.Context) int {
	attempts := p.opts.Attempts
	deadline, ok := ctx.Deadline()
	if !ok {
		return attempts
	}
	remaining := deadline.Sub(p.now()) - p.opts.reserve()
	fit := int(remaining / p.opts.Interval)
	if fit < 1 {
		fit = 1
	}
	if fit < attempts {
		p.log(slog.LevelInfo, "poll attempts shortened by deadline", "configured", attempts, "attempts", fit)
		return fit
	}
	return attempts
}

func (p *Provisioner) await(ctx context.Context, region, requestID string, attempts int) ([]domain.FleetInstance, int, error) {
	var lastErr error
	for n := 1; n <= attempts; n++ {
		if err := wait(ctx, p.opts.Interval); err != nil {
			return nil, n - 1, err
		}
		instances, err := p.api.PollFleetInstances(ctx, region, requestID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return nil, n, ctx.Err()
				}
			}
			if errors.Is(err, domain.ErrPermanent) {
				return nil, n, fmt.Errorf("poll fleet request: %w", err)
			}
			lastErr = err
			p.log(slog.LevelWarn, "poll fleet request failed", "request_id", requestID, "attempt", n, "error", err)
			continue
		}
		if active := activeInstances(instances); len(active) > 0 {
			return active, n, nil
		}
		p.log(slog.LevelDebug, "fleet request pending", "request_id", requestID, "attempt", n)
	}
	if lastErr != nil {
		return nil, attempts, fmt.Errorf("no active instance after %d attempts, last error: %w", attempts, lastErr)
	}
	return nil, attempts, fmt.Errorf("no active instance after %d attempts", attempts)
}

// cancel runs detached from ctx so teardown of the invocation cannot skip it.
func (p *Provisioner) cancel(ctx context.Context, region, requestID string) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.CancelTimeout)
	defer cancel()
	return p.api.CancelFleetRequest(cctx, region, requestID, true)
}

func activeInstances(in []domain.FleetInstance) []domain.FleetInstance {
	out := make([]domain.FleetInstance, 0, len(in))
	for _, inst := range in {
		if strings.TrimSpace(inst.InstanceID) == "" {
			continue
		}
		if strings.EqualFold(inst.Health, "unhealthy") {
			continue
		}
		out = append(out, inst)
	}
	return out
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *Provisioner) log(level slog.Level, msg string, attrs ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Log(context.Background(), level, msg, append([]any{"component", "provisioner"}, attrs...)...)
}
