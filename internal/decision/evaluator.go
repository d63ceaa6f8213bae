// Package decision decides whether a new image build is needed.
//
// Rules, in order:
//   - no primary marker: build, reason "initial build", nothing else is checked
//   - any tracked component whose persisted value differs from its target: build
//   - a component with an included marker that matches but was not installed: build
//   - force flag: build; with no other cause the only reason says so
//
// Evaluate is pure: identical inputs give identical decisions.
package decision

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spotbuild/spotbuild/internal/domain"
)

const (
	ReasonInitialBuild = "initial build"
	ReasonForced       = "build not required but force build flag was specified"

	// UnresolvedTarget stands in for a target that no remote value, override
	// or pin provided.
	UnresolvedTarget = "<unresolved>"
)

type Input struct {
	// ControllerVersion is the version of the running controller and
	// ControllerRelease the latest published one; both only produce warnings.
	ControllerVersion string
	ControllerRelease string

	PrimaryPersisted string
	HasPrimary       bool

	ForceBuild bool
	Components []domain.ComponentVersion
}

type Evaluator struct {
	logger *slog.Logger
}

func NewEvaluator(logger *slog.Logger) *Evaluator {
	return &Evaluator{logger: logger}
}

func (e *Evaluator) Evaluate(in Input) domain.BuildDecision {
	e.checkController(in)

	if !in.HasPrimary || in.PrimaryPersisted == "" {
		return domain.BuildDecision{Required: true, Reasons: []string{ReasonInitialBuild}}
	}

	var reasons []string
	for _, c := range in.Components {
		if reason, triggered := e.componentReason(c); triggered {
			reasons = append(reasons, reason)
		}
	}

	if len(reasons) > 0 {
		return domain.BuildDecision{Required: true, Reasons: reasons}
	}
	if in.ForceBuild {
		return domain.BuildDecision{Required: true, Forced: true, Reasons: []string{ReasonForced}}
	}
	return domain.BuildDecision{}
}

func (e *Evaluator) componentReason(c domain.ComponentVersion) (string, bool) {
	if !c.Tracked {
		return "", false
	}
	persisted := ""
	if c.HasPersisted {
		persisted = c.Persisted
	}
	if !c.Resolved() {
		e.log(slog.LevelWarn, "target version unresolved", "name", c.Name, "persisted", persisted)
		return fmt.Sprintf("%s %s != %s", c.Label, persisted, UnresolvedTarget), true
	}
	if persisted != c.Remote {
		e.log(slog.LevelInfo, "component needs update", "name", c.Name, "persisted", persisted, "target", c.Remote)
		return fmt.Sprintf("%s %s != %s", c.Label, persisted, c.Remote), true
	}
	if c.Included != nil && !*c.Included {
		e.log(slog.LevelInfo, "component built but not installed", "name", c.Name, "version", persisted)
		return fmt.Sprintf("%s %s built but not installed", c.Label, persisted), true
	}
	e.log(slog.LevelDebug, "component up to date", "name", c.Name, "version", persisted)
	return "", false
}

func (e *Evaluator) checkController(in Input) {
	if in.ControllerRelease == "" {
		return
	}
	if in.ControllerVersion != "" {
		if cmp, ok := CompareVersions(in.ControllerVersion, in.ControllerRelease); ok && cmp < 0 {
			e.log(slog.LevelWarn, "newer controller release available", "running", in.ControllerVersion, "latest", in.ControllerRelease)
		}
	}
	if in.HasPrimary && in.PrimaryPersisted != "" {
		if cmp, ok := CompareVersions(in.PrimaryPersisted, in.ControllerRelease); !ok || cmp != 0 {
			e.log(slog.LevelWarn, "published stack version is not the latest", "existing", in.PrimaryPersisted, "latest", in.ControllerRelease)
		}
	}
}

func (e *Evaluator) log(level slog.Level, msg string, attrs ...any) {
	if e == nil || e.logger == nil {
		return
	}
	e.logger.Log(context.Background(), level, msg, append([]any{"component", "decision"}, attrs...)...)
}
