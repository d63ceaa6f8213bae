package capacity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/spotbuild/spotbuild/internal/domain"
)

type fakePrices struct {
	mu      sync.Mutex
	quotes  map[string][]domain.PriceQuote
	errs    map[string]error
	queried []string
}

func (f *fakePrices) QuerySpotPrices(ctx context.Context, region, instanceType string, window time.Duration) ([]domain.PriceQuote, error) {
	f.mu.Lock()
	f.queried = append(f.queried, region)
	f.mu.Unlock()
	if err := f.errs[region]; err != nil {
		return nil, err
	}
	return f.quotes[region], nil
}

func quote(region, zone, price string) domain.PriceQuote {
	return domain.PriceQuote{Region: region, AvailabilityZone: zone, Price: decimal.RequireFromString(price)}
}

func TestCheapest_PicksLowestAcrossRegions(t *testing.T) {
	t.Parallel()

	src := &fakePrices{quotes: map[string][]domain.PriceQuote{
		"us-west-2": {quote("us-west-2", "us-west-2a", "0.05")},
		"us-east-2": {quote("us-east-2", "us-east-2b", "0.03")},
	}}
	got, err := NewLocator(src, "c5.4xlarge", []string{"us-west-2", "us-east-2"}, time.Minute, nil).Cheapest(context.Background())
	if err != nil {
		t.Fatalf("Cheapest() err=%v", err)
	}
	if got.Region != "us-east-2" || got.AvailabilityZone != "us-east-2b" || !got.Price.Equal(decimal.RequireFromString("0.03")) {
		t.Fatalf("Cheapest()=%+v", got)
	}
	if len(src.queried) != 2 {
		t.Fatalf("queried=%v, want both regions", src.queried)
	}
}

func TestCheapest_TieKeepsFirstInConfiguredOrder(t *testing.T) {
	t.Parallel()

	src := &fakePrices{quotes: map[string][]domain.PriceQuote{
		"us-west-1": {quote("us-west-1", "us-west-1c", "0.040"), quote("us-west-1", "us-west-1a", "0.04")},
		"us-west-2": {quote("us-west-2", "us-west-2a", "0.04")},
	}}
	got, err := NewLocator(src, "c5.4xlarge", []string{"us-west-2", "us-west-1"}, time.Minute, nil).Cheapest(context.Background())
	if err != nil {
		t.Fatalf("Cheapest() err=%v", err)
	}
	if got.Region != "us-west-2" || got.AvailabilityZone != "us-west-2a" {
		t.Fatalf("Cheapest()=%+v, want first configured region", got)
	}

	got, err = NewLocator(src, "c5.4xlarge", []string{"us-west-1"}, time.Minute, nil).Cheapest(context.Background())
	if err != nil {
		t.Fatalf("Cheapest() err=%v", err)
	}
	if got.AvailabilityZone != "us-west-1c" {
		t.Fatalf("Cheapest()=%+v, want first quote in API order", got)
	}
}

func TestCheapest_ComparesNumerically(t *testing.T) {
	t.Parallel()

	src := &fakePrices{quotes: map[string][]domain.PriceQuote{
		"a": {quote("a", "a1", "0.9"), quote("a", "a2", "0.10")},
	}}
	got, err := NewLocator(src, "c5.4xlarge", []string{"a"}, time.Minute, nil).Cheapest(context.Background())
	if err != nil {
		t.Fatalf("Cheapest() err=%v", err)
	}
	if got.AvailabilityZone != "a2" {
		t.Fatalf("Cheapest()=%+v, want 0.10", got)
	}
}

func TestCheapest_RegionFailureFailsLookup(t *testing.T) {
	t.Parallel()

	src := &fakePrices{
		quotes: map[string][]domain.PriceQuote{"us-west-2": {quote("us-west-2", "us-west-2a", "0.01")}},
		errs:   map[string]error{"us-east-2": errors.New("throttled")},
	}
	_, err := NewLocator(src, "c5.4xlarge", []string{"us-west-2", "us-east-2"}, time.Minute, nil).Cheapest(context.Background())
	if !errors.Is(err, domain.ErrCapacityQuery) {
		t.Fatalf("Cheapest() err=%v, want ErrCapacityQuery", err)
	}
}

func TestCheapest_NoObservations(t *testing.T) {
	t.Parallel()

	src := &fakePrices{quotes: map[string][]domain.PriceQuote{}}
	_, err := NewLocator(src, "c5.4xlarge", []string{"us-west-2"}, time.Minute, nil).Cheapest(context.Background())
	if !errors.Is(err, domain.ErrCapacityQuery) {
		t.Fatalf("Cheapest() err=%v, want ErrCapacityQuery", err)
	}
}

func TestCheapest_NoSource(t *testing.T) {
	t.Parallel()

	_, err := NewLocator(nil, "c5.4xlarge", []string{"us-west-2"}, time.Minute, nil).Cheapest(context.Background())
	if !errors.Is(err, domain.ErrCapacityQuery) {
		t.Fatalf("Cheapest() err=%v, want ErrCapacityQuery", err)
	}
}
