// Package controller runs one build-check invocation end to end.
//
// Outcomes:
//   - up_to_date, skipped: normal return, one notification
//   - success: an active spot instance is running the build
//   - invalid_event, configuration_error, capacity_failed, provisioning_failed: error return
//
// Exactly one notification is published per invocation, from a deferred
// closure, whatever path the run takes.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/spotbuild/spotbuild/internal/capacity"
	"github.com/spotbuild/spotbuild/internal/config"
	"github.com/spotbuild/spotbuild/internal/decision"
	"github.com/spotbuild/spotbuild/internal/domain"
	"github.com/spotbuild/spotbuild/internal/launchspec"
	"github.com/spotbuild/spotbuild/internal/markers"
	"github.com/spotbuild/spotbuild/internal/metrics"
	"github.com/spotbuild/spotbuild/internal/notify"
	"github.com/spotbuild/spotbuild/internal/provisioner"
	"github.com/spotbuild/spotbuild/internal/versions"
)

type Outcome string

const (
	OutcomeUpToDate           Outcome = "up_to_date"
	OutcomeSkipped            Outcome = "skipped"
	OutcomeSuccess            Outcome = "success"
	OutcomeInvalidEvent       Outcome = "invalid_event"
	OutcomeConfigurationError Outcome = "configuration_error"
	OutcomeCapacityFailed     Outcome = "capacity_failed"
	OutcomeProvisioningFailed Outcome = "provisioning_failed"
)

// VersionSource fetches the remote view for one invocation.
type VersionSource interface {
	Fetch(ctx context.Context) versions.Snapshot
}

type Dependencies struct {
	Versions VersionSource
	Markers  markers.Reader
	Prices   capacity.PriceSource
	Network  launchspec.Network
	Fleet    provisioner.FleetAPI
	Notifier notify.Sink
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// Optional.
	Now         func() time.Time
	NewID       func() string
	PollOptions *provisioner.Options
}

type Controller struct {
	cfg         config.Config
	versions    VersionSource
	notifier    notify.Sink
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string
	evaluator   *decision.Evaluator
	gatherer    *decision.Gatherer
	locator     *capacity.Locator
	builder     *launchspec.Builder
	provisioner *provisioner.Provisioner
}

func New(cfg config.Config, deps Dependencies) *Controller {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	newID := deps.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.NewLogSink(deps.Logger)
	}
	opts := provisioner.Options{
		Interval:      cfg.Poll.Interval,
		Attempts:      cfg.Poll.Attempts,
		CancelReserve: cfg.Poll.CancelReserve,
	}
	if deps.PollOptions != nil {
		opts = *deps.PollOptions
	}
	prov := provisioner.New(deps.Fleet, opts, deps.Logger)
	return &Controller{
		cfg:         cfg,
		versions:    deps.Versions,
		notifier:    notifier,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		now:         now,
		newID:       newID,
		evaluator:   decision.NewEvaluator(deps.Logger),
		gatherer:    decision.NewGatherer(cfg, deps.Markers, deps.Logger),
		locator:     capacity.NewLocator(deps.Prices, cfg.InstanceType, cfg.InstanceRegions, cfg.PriceLookback, deps.Logger),
		builder:     launchspec.NewBuilder(cfg, deps.Network, deps.Logger).WithClock(now),
		provisioner: prov,
	}
}

type notification struct {
	outcome Outcome
	subject string
	message string
}

// Run performs one invocation and returns the operator message with newlines
// flattened. Fatal outcomes also return an error.
func (c *Controller) Run(ctx context.Context, ev domain.Event) (status string, err error) {
	invocationID := c.newID()
	logger := c.runLogger(invocationID)
	logger.Info("invocation started", "force_build", ev.ForceBuild, "overrides", ev.OverrideNames())

	var note notification
	defer func() {
		if note.subject == "" {
			note = c.failure(OutcomeConfigurationError, "invocation ended without an outcome", err)
		}
		c.publish(ctx, logger, note)
		c.metrics.ObserveOutcome(string(note.outcome), c.now())
		status = flatten(note.message)
		logger.Info("invocation finished", "outcome", note.outcome, "error", err)
	}()

	note, err = c.run(ctx, logger, ev, invocationID)
	return status, err
}

func (c *Controller) run(ctx context.Context, logger *slog.Logger, ev domain.Event, invocationID string) (notification, error) {
	if err := decision.ValidateEvent(c.cfg, ev); err != nil {
		return c.failure(OutcomeInvalidEvent, "Invalid invocation event", err), err
	}

	var snap versions.Snapshot
	if c.versions != nil {
		snap = c.versions.Fetch(ctx)
	}
	input := c.gatherer.Gather(ctx, snap, ev)
	verdict := c.evaluator.Evaluate(input)
	c.metrics.ObserveDecision(verdict.Required, verdict.Forced)
	logger.Info("build decision", "required", verdict.Required, "forced", verdict.Forced, "reasons", verdict.Reasons)

	if !verdict.Required {
		return notification{
			outcome: OutcomeUpToDate,
			subject: c.subject("Build Not Required"),
			message: fmt.Sprintf("%s build is already up to date.", c.cfg.Product),
		}, nil
	}

	if missing := decision.Unresolved(input.Components); len(missing) > 0 {
		err := domain.ConfigurationError("build parameters", errors.Join(
			fmt.Errorf("no value for %s; pass an override or pin it", strings.Join(missing, ", ")),
			snap.Err,
		))
		return c.failure(OutcomeConfigurationError, "Unable to resolve build parameters", err), err
	}
	params := decision.Parameters(input.Components)

	quote, err := c.locator.Cheapest(ctx)
	if err != nil {
		msg := fmt.Sprintf("There was a problem finding cheapest region for spot instance %s", c.cfg.InstanceType)
		return c.failure(OutcomeCapacityFailed, msg, err), err
	}
	c.metrics.ObservePrice(quote.Region, quote.AvailabilityZone, quote.Price.InexactFloat64())
	if quote.Price.GreaterThan(c.cfg.SkipPrice()) {
		return notification{
			outcome: OutcomeSkipped,
			subject: c.subject("Spot Instance SKIPPED"),
			message: fmt.Sprintf("Cheapest spot instance %s price $%s in AZ %s is not lower than skip price $%s.",
				c.cfg.InstanceType, quote.Price.String(), quote.AvailabilityZone, c.cfg.SkipPrice().String()),
		}, nil
	}

	spec, err := c.builder.Build(ctx, launchspec.Request{Quote: quote, Parameters: params, ClientToken: invocationID})
	if err != nil {
		if errors.Is(err, domain.ErrConfiguration) {
			return c.failure(OutcomeConfigurationError, "Unable to prepare the spot request", err), err
		}
		msg := fmt.Sprintf("There was a problem requesting a spot instance %s", c.cfg.InstanceType)
		return c.failure(OutcomeProvisioningFailed, msg, err), err
	}

	logger.Info("requesting spot instance", "region", quote.Region, "zone", quote.AvailabilityZone, "price", quote.Price.String())
	res, err := c.provisioner.Provision(ctx, spec)
	c.metrics.ObservePollAttempts(res.Attempts)
	if err != nil {
		msg := fmt.Sprintf("There was a problem requesting a spot instance %s (fleet request %q, state %s)",
			c.cfg.InstanceType, res.Handle.RequestID, res.Final())
		return c.failure(OutcomeProvisioningFailed, msg, err), err
	}

	return notification{
		outcome: OutcomeSuccess,
		subject: c.subject("Spot Instance SUCCESS"),
		message: c.successMessage(quote, res, verdict, params),
	}, nil
}

func (c *Controller) successMessage(quote domain.PriceQuote, res provisioner.Result, verdict domain.BuildDecision, params []domain.BuildParameter) string {
	instance := ""
	if len(res.Instances) > 0 {
		instance = res.Instances[0].InstanceID
	}
	pairs := make([]string, 0, len(params))
	for _, p := range params {
		pairs = append(pairs, p.Name+"="+p.Value)
	}
	var b strings.Builder
	b.WriteString("Successfully requested a spot instance.\n\n")
	fmt.Fprintf(&b, " Stack Name: %s\n", c.cfg.Name)
	fmt.Fprintf(&b, " Device: %s\n", c.cfg.Device)
	fmt.Fprintf(&b, " Instance Type: %s\n", c.cfg.InstanceType)
	fmt.Fprintf(&b, " Cheapest Region: %s\n", quote.Region)
	fmt.Fprintf(&b, " Cheapest Zone: %s\n", quote.AvailabilityZone)
	fmt.Fprintf(&b, " Cheapest Hourly Price: $%s\n", quote.Price.String())
	fmt.Fprintf(&b, " Fleet Request: %s\n", res.Handle.RequestID)
	fmt.Fprintf(&b, " Instance: %s\n", instance)
	fmt.Fprintf(&b, " Reason: %s\n", strings.Join(verdict.Reasons, "; "))
	fmt.Fprintf(&b, " Build Parameters: %s", strings.Join(pairs, " "))
	return b.String()
}

func (c *Controller) failure(outcome Outcome, summary string, err error) notification {
	subject := c.subject("Spot Instance FAILED")
	if outcome == OutcomeConfigurationError || outcome == OutcomeInvalidEvent {
		subject = c.subject("Spot Instance CONFIGURATION ERROR")
	}
	msg := summary
	if err != nil {
		msg = fmt.Sprintf("%s: %s", summary, domain.Detail(err))
	}
	return notification{outcome: outcome, subject: subject, message: msg}
}

func (c *Controller) subject(s string) string {
	product := strings.TrimSpace(c.cfg.Product)
	if product == "" {
		return s
	}
	return product + " " + s
}

// publish is best effort and runs on a context detached from the invocation.
func (c *Controller) publish(ctx context.Context, logger *slog.Logger, note notification) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.notifier.Publish(pctx, note.subject, note.message); err != nil {
		c.metrics.NotificationFailed()
		logger.Warn("notification publish failed", "subject", note.subject, "error", err)
	}
}

func (c *Controller) runLogger(invocationID string) *slog.Logger {
	logger := c.logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return logger.With("component", "controller", "invocation_id", invocationID)
}

func flatten(s string) string {
	return strings.ReplaceAll(s, "\n", " ")
}
