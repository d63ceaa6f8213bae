package controller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/spotbuild/spotbuild/internal/config"
	"github.com/spotbuild/spotbuild/internal/domain"
	"github.com/spotbuild/spotbuild/internal/markers"
	"github.com/spotbuild/spotbuild/internal/metrics"
	"github.com/spotbuild/spotbuild/internal/provisioner"
	"github.com/spotbuild/spotbuild/internal/versions"
)

type staticVersions versions.Snapshot

func (s staticVersions) Fetch(ctx context.Context) versions.Snapshot { return versions.Snapshot(s) }

type fakePrices struct {
	mu     sync.Mutex
	quotes map[string][]domain.PriceQuote
	err    error
	calls  int
}

func (f *fakePrices) QuerySpotPrices(ctx context.Context, region, instanceType string, window time.Duration) ([]domain.PriceQuote, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.quotes[region], nil
}

type fakeNetwork struct {
	keys bool
}

func (f fakeNetwork) LookupSubnet(ctx context.Context, region, zone string) ([]string, error) {
	return []string{"subnet-" + zone}, nil
}

func (f fakeNetwork) LookupKeyPair(ctx context.Context, region, name string) (bool, error) {
	return f.keys, nil
}

type fakeFleet struct {
	submitted []domain.LaunchSpec
	active    bool
	submitErr error
	cancelled []string
}

func (f *fakeFleet) SubmitFleetRequest(ctx context.Context, spec domain.LaunchSpec) (string, error) {
	f.submitted = append(f.submitted, spec)
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "sfr-1", nil
}

func (f *fakeFleet) PollFleetInstances(ctx context.Context, region, requestID string) ([]domain.FleetInstance, error) {
	if !f.active {
		return nil, nil
	}
	return []domain.FleetInstance{{InstanceID: "i-0abc", InstanceType: "c5.4xlarge"}}, nil
}

func (f *fakeFleet) CancelFleetRequest(ctx context.Context, region, requestID string, terminate bool) error {
	f.cancelled = append(f.cancelled, requestID)
	return nil
}

type published struct {
	subject string
	message string
}

type recordingSink struct {
	notes []published
	err   error
}

func (r *recordingSink) Publish(ctx context.Context, subject, message string) error {
	r.notes = append(r.notes, published{subject: subject, message: message})
	return r.err
}

type harness struct {
	cfg     config.Config
	markers markers.Static
	prices  *fakePrices
	network fakeNetwork
	fleet   *fakeFleet
	sink    *recordingSink
}

func newHarness(t *testing.T, extra string) *harness {
	t.Helper()
	cfg, err := config.Parse([]byte("name: demo\ndevice: redfin\nhome_region: us-west-2\n" +
		"instance_regions: [us-west-2, us-east-2]\nskip_price: \"0.50\"\n" + extra))
	if err != nil {
		t.Fatalf("Parse() err=%v", err)
	}
	return &harness{
		cfg: cfg.WithAccount("123456789012"),
		markers: markers.Static{
			"rattlesnakeos-stack/revision": "11.0.3",
			"redfin-vendor":                "RQ1A.210105.003",
			"chromium/revision":            "120.0.6099.43",
			"chromium/included":            "yes",
			"fdroid/revision":              "1.19.1",
			"fdroid-priv/revision":         "0.2.13",
		},
		prices: &fakePrices{quotes: map[string][]domain.PriceQuote{
			"us-west-2": {{Region: "us-west-2", AvailabilityZone: "us-west-2a", Price: decimal.RequireFromString("0.35")}},
			"us-east-2": {{Region: "us-east-2", AvailabilityZone: "us-east-2b", Price: decimal.RequireFromString("0.31")}},
		}},
		network: fakeNetwork{keys: true},
		fleet:   &fakeFleet{active: true},
		sink:    &recordingSink{},
	}
}

func (h *harness) controller() *Controller {
	snap := versions.Snapshot{
		Latest: map[string]any{
			"chromium": "120.0.6099.43",
			"fdroid":   map[string]any{"client": "1.19.1", "privilegedextention": "0.2.13"},
			"devices": map[string]any{
				"redfin": map[string]any{"build_id": "RQ1A.210105.003", "aosp_tag": "android-11.0.0_r25"},
			},
		},
		ControllerRelease: "11.0.3",
	}
	return New(h.cfg, Dependencies{
		Versions: staticVersions(snap),
		Markers:  h.markers,
		Prices:   h.prices,
		Network:  h.network,
		Fleet:    h.fleet,
		Notifier: h.sink,
		Metrics:  metrics.New(),
		NewID:    func() string { return "inv-1" },
		Now:      func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) },
		PollOptions: &provisioner.Options{
			Interval: time.Millisecond,
			Attempts: 2,
		},
	})
}

func (h *harness) onlyNote(t *testing.T) published {
	t.Helper()
	if len(h.sink.notes) != 1 {
		t.Fatalf("notifications=%d, want exactly 1: %+v", len(h.sink.notes), h.sink.notes)
	}
	return h.sink.notes[0]
}

func TestRun_UpToDate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	status, err := h.controller().Run(context.Background(), domain.Event{})
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	note := h.onlyNote(t)
	if note.subject != "RattlesnakeOS Build Not Required" {
		t.Fatalf("subject=%q", note.subject)
	}
	if status != "RattlesnakeOS build is already up to date." {
		t.Fatalf("status=%q", status)
	}
	if h.prices.calls != 0 || len(h.fleet.submitted) != 0 {
		t.Fatalf("price calls=%d submits=%d, want none", h.prices.calls, len(h.fleet.submitted))
	}
}

func TestRun_InitialBuildSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	h.markers = markers.Static{}
	status, err := h.controller().Run(context.Background(), domain.Event{})
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	note := h.onlyNote(t)
	if note.subject != "RattlesnakeOS Spot Instance SUCCESS" {
		t.Fatalf("subject=%q", note.subject)
	}
	for _, want := range []string{"Stack Name: demo", "Cheapest Region: us-east-2", "Cheapest Hourly Price: $0.31", "Reason: initial build", "aosp_tag=android-11.0.0_r25"} {
		if !strings.Contains(note.message, want) {
			t.Fatalf("message missing %q:\n%s", want, note.message)
		}
	}
	if strings.Contains(status, "\n") {
		t.Fatalf("status not flattened: %q", status)
	}
	if len(h.fleet.submitted) != 1 {
		t.Fatalf("submits=%d, want 1", len(h.fleet.submitted))
	}
	spec := h.fleet.submitted[0]
	if spec.Region != "us-east-2" || spec.SubnetID != "subnet-us-east-2b" || spec.ClientToken != "inv-1" {
		t.Fatalf("spec=%+v", spec)
	}
}

func TestRun_ForceBuildProceeds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	_, err := h.controller().Run(context.Background(), domain.Event{ForceBuild: true})
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	note := h.onlyNote(t)
	if !strings.Contains(note.message, "force build flag was specified") {
		t.Fatalf("message=%q", note.message)
	}
}

func TestRun_PriceAboveSkipThreshold(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	h.markers = markers.Static{}
	h.prices.quotes = map[string][]domain.PriceQuote{
		"us-west-2": {{Region: "us-west-2", AvailabilityZone: "us-west-2a", Price: decimal.RequireFromString("0.75")}},
	}
	status, err := h.controller().Run(context.Background(), domain.Event{})
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if note := h.onlyNote(t); note.subject != "RattlesnakeOS Spot Instance SKIPPED" {
		t.Fatalf("subject=%q", note.subject)
	}
	if !strings.Contains(status, "$0.75") {
		t.Fatalf("status=%q", status)
	}
	if len(h.fleet.submitted) != 0 {
		t.Fatalf("submits=%d, want none", len(h.fleet.submitted))
	}
}

func TestRun_CapacityFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	h.markers = markers.Static{}
	h.prices.err = errors.New("RequestLimitExceeded")
	_, err := h.controller().Run(context.Background(), domain.Event{})
	if !errors.Is(err, domain.ErrCapacityQuery) {
		t.Fatalf("Run() err=%v, want ErrCapacityQuery", err)
	}
	if note := h.onlyNote(t); note.subject != "RattlesnakeOS Spot Instance FAILED" {
		t.Fatalf("subject=%q", note.subject)
	}
}

func TestRun_EncryptedKeysWithoutKeyPair(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "encrypted_keys: true\n")
	h.markers = markers.Static{}
	h.network = fakeNetwork{keys: false}
	_, err := h.controller().Run(context.Background(), domain.Event{})
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("Run() err=%v, want ErrConfiguration", err)
	}
	note := h.onlyNote(t)
	if note.subject != "RattlesnakeOS Spot Instance CONFIGURATION ERROR" || !strings.Contains(note.message, "rattlesnakeos") {
		t.Fatalf("note=%+v", note)
	}
	if len(h.fleet.submitted) != 0 {
		t.Fatalf("submits=%d, want none", len(h.fleet.submitted))
	}
}

func TestRun_ProvisioningTimeoutCancels(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	h.markers = markers.Static{}
	h.fleet.active = false
	_, err := h.controller().Run(context.Background(), domain.Event{})
	if !errors.Is(err, domain.ErrProvisioning) {
		t.Fatalf("Run() err=%v, want ErrProvisioning", err)
	}
	if len(h.fleet.cancelled) != 1 || h.fleet.cancelled[0] != "sfr-1" {
		t.Fatalf("cancelled=%v", h.fleet.cancelled)
	}
	if note := h.onlyNote(t); note.subject != "RattlesnakeOS Spot Instance FAILED" {
		t.Fatalf("subject=%q", note.subject)
	}
}

func TestRun_SubmitRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	h.markers = markers.Static{}
	h.fleet.submitErr = errors.New("InvalidSpotFleetRequestConfig")
	_, err := h.controller().Run(context.Background(), domain.Event{})
	if !errors.Is(err, domain.ErrProvisioning) {
		t.Fatalf("Run() err=%v, want ErrProvisioning", err)
	}
	if len(h.fleet.cancelled) != 0 {
		t.Fatalf("cancelled=%v, want none", h.fleet.cancelled)
	}
	h.onlyNote(t)
}

func TestRun_InvalidEvent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	_, err := h.controller().Run(context.Background(), domain.Event{Overrides: map[string]string{"kernel": "5.10"}})
	if !errors.Is(err, domain.ErrInvalidEvent) {
		t.Fatalf("Run() err=%v, want ErrInvalidEvent", err)
	}
	if note := h.onlyNote(t); !strings.Contains(note.message, "kernel") {
		t.Fatalf("message=%q", note.message)
	}
}

func TestRun_UnresolvedParameterStopsBeforeCapacity(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	h.markers = markers.Static{}
	c := h.controller()
	c.versions = staticVersions(versions.Snapshot{})
	_, err := c.Run(context.Background(), domain.Event{})
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("Run() err=%v, want ErrConfiguration", err)
	}
	if h.prices.calls != 0 {
		t.Fatalf("price calls=%d, want none", h.prices.calls)
	}
	h.onlyNote(t)
}

func TestRun_MetadataOutageIsNotUpToDate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	c := h.controller()
	c.versions = staticVersions(versions.Snapshot{
		Err: domain.TransientLookupError("latest metadata", errors.New("connection refused")),
	})
	status, err := c.Run(context.Background(), domain.Event{})
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("Run() err=%v, want ErrConfiguration", err)
	}
	if !errors.Is(err, domain.ErrTransientLookup) {
		t.Fatalf("Run() err=%v, want the metadata lookup failure as cause", err)
	}
	note := h.onlyNote(t)
	if note.subject != "RattlesnakeOS Spot Instance CONFIGURATION ERROR" {
		t.Fatalf("subject=%q", note.subject)
	}
	if strings.Contains(status, "up to date") {
		t.Fatalf("status=%q, must not report up to date", status)
	}
	if h.prices.calls != 0 || len(h.fleet.submitted) != 0 {
		t.Fatalf("price calls=%d submits=%d, want none", h.prices.calls, len(h.fleet.submitted))
	}
}

func TestRun_PublishFailureDoesNotChangeOutcome(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	h.sink.err = errors.New("sns unavailable")
	status, err := h.controller().Run(context.Background(), domain.Event{})
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if status == "" {
		t.Fatalf("expected status")
	}
	h.onlyNote(t)
}
