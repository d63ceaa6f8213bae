package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spotbuild/spotbuild/internal/config"
	"github.com/spotbuild/spotbuild/internal/domain"
	"github.com/spotbuild/spotbuild/internal/markers"
	"github.com/spotbuild/spotbuild/internal/versions"
)

// Gatherer assembles evaluator input from configuration, the remote snapshot,
// event overrides and release markers.
type Gatherer struct {
	cfg     config.Config
	markers markers.Reader
	logger  *slog.Logger
}

func NewGatherer(cfg config.Config, reader markers.Reader, logger *slog.Logger) *Gatherer {
	return &Gatherer{cfg: cfg, markers: reader, logger: logger}
}

// ValidateEvent rejects overrides that name no configured component.
func ValidateEvent(cfg config.Config, ev domain.Event) error {
	var unknown []string
	for _, name := range ev.OverrideNames() {
		if _, ok := cfg.Component(name); !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return domain.InvalidEventError(fmt.Errorf("unknown component override: %s", strings.Join(unknown, ", ")))
	}
	return nil
}

// Target picks override, then pin, then the latest remote value.
func Target(comp config.Component, snap versions.Snapshot, ev domain.Event) string {
	if v := strings.TrimSpace(ev.Overrides[comp.Name]); v != "" {
		return v
	}
	if v := strings.TrimSpace(comp.Pinned); v != "" {
		return v
	}
	v, _ := snap.Value(comp.Remote)
	return v
}

// Gather never fails on marker reads; unreadable markers are absent.
func (g *Gatherer) Gather(ctx context.Context, snap versions.Snapshot, ev domain.Event) Input {
	in := Input{
		ControllerVersion: g.cfg.Version,
		ControllerRelease: snap.ControllerRelease,
		ForceBuild:        ev.ForceBuild,
	}
	in.PrimaryPersisted, in.HasPrimary = g.read(ctx, g.cfg.PrimaryMarker)

	in.Components = make([]domain.ComponentVersion, 0, len(g.cfg.Components))
	for _, comp := range g.cfg.Components {
		cv := domain.ComponentVersion{
			Name:    comp.Name,
			Label:   comp.Label,
			Remote:  Target(comp, snap, ev),
			Tracked: comp.Tracked(),
		}
		if cv.Tracked && in.HasPrimary {
			cv.Persisted, cv.HasPersisted = g.read(ctx, comp.Marker)
			if comp.IncludedMarker != "" {
				raw, _ := g.read(ctx, comp.IncludedMarker)
				included := markers.ParseIncluded(raw)
				cv.Included = &included
			}
		}
		g.log(slog.LevelInfo, "component version", "name", cv.Name, "target", cv.Remote, "persisted", cv.Persisted)
		in.Components = append(in.Components, cv)
	}
	return in
}

func (g *Gatherer) read(ctx context.Context, key string) (string, bool) {
	if g.markers == nil {
		return "", false
	}
	v, err := g.markers.ReadTextMarker(ctx, key)
	if err != nil {
		if errors.Is(err, markers.ErrNotFound) {
			g.log(slog.LevelInfo, "marker unavailable", "key", key, "error", err)
		} else {
			g.log(slog.LevelWarn, "marker unavailable", "key", key, "error", domain.TransientLookupError("read marker", err))
		}
		return "", false
	}
	if v == "" {
		return "", false
	}
	return v, true
}

func (g *Gatherer) log(level slog.Level, msg string, attrs ...any) {
	if g.logger == nil {
		return
	}
	g.logger.Log(context.Background(), level, msg, append([]any{"component", "decision"}, attrs...)...)
}

// Unresolved lists components that would be passed to a build without a value.
func Unresolved(components []domain.ComponentVersion) []string {
	var out []string
	for _, c := range components {
		if !c.Resolved() {
			out = append(out, c.Name)
		}
	}
	return out
}

// Parameters returns the build parameters in configured order.
func Parameters(components []domain.ComponentVersion) []domain.BuildParameter {
	out := make([]domain.BuildParameter, 0, len(components))
	for _, c := range components {
		out = append(out, domain.BuildParameter{Name: c.Name, Value: c.Remote})
	}
	return out
}
