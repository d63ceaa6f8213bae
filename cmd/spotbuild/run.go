package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/spotbuild/spotbuild/internal/domain"
	"github.com/spotbuild/spotbuild/internal/platform/env"
)

var runFlags struct {
	event string
	force bool
	set   []string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one build check and launch a spot build if needed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()

		ev, err := eventFromFlags(runFlags.event, runFlags.force, runFlags.set)
		if err != nil {
			return err
		}

		timeout, err := env.Duration("SPOTBUILD_INVOCATION_TIMEOUT", 15*time.Minute)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		a, err := buildApp(ctx, logger)
		if err != nil {
			return err
		}
		status, runErr := a.controller.Run(ctx, ev)
		fmt.Fprintln(cmd.OutOrStdout(), status)
		return runErr
	},
}

func init() {
	runCmd.Flags().StringVar(&runFlags.event, "event", "", "invocation event as JSON, or @path to read it from a file")
	runCmd.Flags().BoolVar(&runFlags.force, "force", false, "build even when nothing changed")
	runCmd.Flags().StringArrayVar(&runFlags.set, "set", nil, "override a component version (component=version), repeatable")
}

// eventFromFlags merges the JSON event with --force and --set. Flags win.
func eventFromFlags(raw string, force bool, sets []string) (domain.Event, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "@") {
		data, err := os.ReadFile(strings.TrimPrefix(raw, "@"))
		if err != nil {
			return domain.Event{}, fmt.Errorf("read event: %w", err)
		}
		raw = string(data)
	}
	ev, err := domain.ParseEvent([]byte(raw))
	if err != nil {
		return domain.Event{}, err
	}
	if force {
		ev.ForceBuild = true
	}
	for _, set := range sets {
		name, value, ok := strings.Cut(set, "=")
		name, value = strings.TrimSpace(name), strings.TrimSpace(value)
		if !ok || name == "" || value == "" {
			return domain.Event{}, domain.InvalidEventError(fmt.Errorf("--set %q must be component=version", set))
		}
		if name == domain.ForceBuildKey {
			return domain.Event{}, domain.InvalidEventError(fmt.Errorf("use --force instead of --set %s", domain.ForceBuildKey))
		}
		if ev.Overrides == nil {
			ev.Overrides = map[string]string{}
		}
		ev.Overrides[name] = value
	}
	return ev, nil
}
