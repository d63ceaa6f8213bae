// Package capacity finds the cheapest spot offer for an instance type across
// an ordered list of regions.
package capacity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/spotbuild/spotbuild/internal/domain"
)

// PriceSource returns the latest spot price observation per availability zone
// for one region.
// Quotes come back in API order.
type PriceSource interface {
	QuerySpotPrices(ctx context.Context, region, instanceType string, window time.Duration) ([]domain.PriceQuote, error)
}

type Locator struct {
	source       PriceSource
	instanceType string
	regions      []string
	window       time.Duration
	logger       *slog.Logger
}

func NewLocator(source PriceSource, instanceType string, regions []string, window time.Duration, logger *slog.Logger) *Locator {
	return &Locator{
		source:       source,
		instanceType: strings.TrimSpace(instanceType),
		regions:      append([]string(nil), regions...),
		window:       window,
		logger:       logger,
	}
}

// Cheapest queries every region and returns the lowest quote. Ties go to the
// first quote seen in configured region order, then in API order. Any region
// failure fails the whole lookup.
func (l *Locator) Cheapest(ctx context.Context) (domain.PriceQuote, error) {
	if l == nil || l.source == nil {
		return domain.PriceQuote{}, domain.CapacityQueryError("spot price", errors.New("price source not configured"))
	}
	if len(l.regions) == 0 {
		return domain.PriceQuote{}, domain.CapacityQueryError("spot price", errors.New("no regions configured"))
	}

	perRegion := make([][]domain.PriceQuote, len(l.regions))
	g, gctx := errgroup.WithContext(ctx)
	for i, region := range l.regions {
		i, region := i, region
		g.Go(func() error {
			quotes, err := l.source.QuerySpotPrices(gctx, region, l.instanceType, l.window)
			if err != nil {
				return fmt.Errorf("region %s: %w", region, err)
			}
			perRegion[i] = quotes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.PriceQuote{}, domain.CapacityQueryError("spot price", err)
	}

	var (
		best  domain.PriceQuote
		found bool
	)
	for i, quotes := range perRegion {
		for _, q := range quotes {
			if q.Region == "" {
				q.Region = l.regions[i]
			}
			if q.Price.IsNegative() {
				return domain.PriceQuote{}, domain.CapacityQueryError("spot price",
					fmt.Errorf("region %s zone %s: invalid price %s", q.Region, q.AvailabilityZone, q.Price))
			}
			l.log(slog.LevelInfo, "spot price", "region", q.Region, "zone", q.AvailabilityZone, "price", q.Price.String())
			if !found || q.Price.LessThan(best.Price) {
				best = q
				found = true
			}
		}
	}
	if !found {
		return domain.PriceQuote{}, domain.CapacityQueryError("spot price",
			fmt.Errorf("no %s price observations in %s", l.instanceType, strings.Join(l.regions, ", ")))
	}
	l.log(slog.LevelInfo, "cheapest spot offer", "region", best.Region, "zone", best.AvailabilityZone, "price", best.Price.String())
	return best, nil
}

func (l *Locator) log(level slog.Level, msg string, attrs ...any) {
	if l.logger == nil {
		return
	}
	l.logger.Log(context.Background(), level, msg, append([]any{"component", "capacity"}, attrs...)...)
}
