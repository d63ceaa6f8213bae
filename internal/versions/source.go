package versions

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/spotbuild/spotbuild/internal/domain"
)

// Snapshot is the remote view of one invocation. A fetch failure leaves the
// corresponding part empty and is recorded in Err.
type Snapshot struct {
	Latest            map[string]any
	ControllerRelease string
	// Err joins the failed fetches, each classified as domain.ErrTransientLookup.
	Err error
}

func (s Snapshot) Value(path string) (string, bool) {
	return Lookup(s.Latest, path)
}

type Source struct {
	fetcher    Fetcher
	latestURL  string
	releaseURL string
	logger     *slog.Logger
}

func NewSource(fetcher Fetcher, latestURL, releaseURL string, logger *slog.Logger) *Source {
	return &Source{
		fetcher:    fetcher,
		latestURL:  strings.TrimSpace(latestURL),
		releaseURL: strings.TrimSpace(releaseURL),
		logger:     logger,
	}
}

// Fetch never fails: metadata that cannot be fetched is absent.
func (s *Source) Fetch(ctx context.Context) Snapshot {
	var snap Snapshot
	if s == nil || s.fetcher == nil {
		return snap
	}
	var failed []error
	if s.releaseURL != "" {
		doc, err := s.fetcher.FetchJSON(ctx, s.releaseURL)
		if err != nil {
			err = domain.TransientLookupError("controller release", err)
			s.warn("controller release fetch failed", "url", s.releaseURL, "error", err)
			failed = append(failed, err)
		} else {
			snap.ControllerRelease = releaseName(doc)
		}
	}
	doc, err := s.fetcher.FetchJSON(ctx, s.latestURL)
	if err != nil {
		err = domain.TransientLookupError("latest metadata", err)
		s.warn("latest metadata fetch failed", "url", s.latestURL, "error", err)
		failed = append(failed, err)
	} else {
		snap.Latest = doc
	}
	snap.Err = errors.Join(failed...)
	return snap
}

func releaseName(doc map[string]any) string {
	if name, ok := Lookup(doc, "name"); ok {
		return name
	}
	name, _ := Lookup(doc, "tag_name")
	return name
}

func (s *Source) warn(msg string, attrs ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Warn(msg, append([]any{"component", "versions"}, attrs...)...)
}
