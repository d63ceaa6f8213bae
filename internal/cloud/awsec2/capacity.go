package awsec2

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/shopspring/decimal"

	"github.com/spotbuild/spotbuild/internal/domain"
)

// maxPricePages bounds pagination of the price history within one lookback window.
const maxPricePages = 20

// QuerySpotPrices returns the latest spot price observed in each availability
// zone of region over the last window, zones in first-seen API order.
func (c *Client) QuerySpotPrices(ctx context.Context, region, instanceType string, window time.Duration) ([]domain.PriceQuote, error) {
	api, err := c.region(region)
	if err != nil {
		return nil, err
	}
	end := c.now().UTC()
	in := &ec2.DescribeSpotPriceHistoryInput{
		InstanceTypes: []types.InstanceType{types.InstanceType(instanceType)},
		StartTime:     aws.Time(end.Add(-window)),
		EndTime:       aws.Time(end),
	}
	if c.productDescription != "" {
		in.ProductDescriptions = []string{c.productDescription}
	}

	var quotes []domain.PriceQuote
	for page := 0; page < maxPricePages; page++ {
		out, err := api.DescribeSpotPriceHistory(ctx, in)
		if err != nil {
			return nil, classify("describe spot price history "+region, err)
		}
		for _, sp := range out.SpotPriceHistory {
			q, err := toQuote(region, sp)
			if err != nil {
				return nil, err
			}
			quotes = append(quotes, q)
		}
		next := aws.ToString(out.NextToken)
		if next == "" {
			break
		}
		in.NextToken = aws.String(next)
	}
	return latestPerZone(quotes), nil
}

// latestPerZone keeps the newest observation for each zone. Ties keep the
// earlier one.
func latestPerZone(quotes []domain.PriceQuote) []domain.PriceQuote {
	index := make(map[string]int, len(quotes))
	out := quotes[:0:0]
	for _, q := range quotes {
		i, seen := index[q.AvailabilityZone]
		if !seen {
			index[q.AvailabilityZone] = len(out)
			out = append(out, q)
			continue
		}
		if q.ObservedAt.After(out[i].ObservedAt) {
			out[i] = q
		}
	}
	return out
}

func toQuote(region string, sp types.SpotPrice) (domain.PriceQuote, error) {
	raw := strings.TrimSpace(aws.ToString(sp.SpotPrice))
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("region %s zone %s: non-numeric spot price %q", region, aws.ToString(sp.AvailabilityZone), raw)
	}
	return domain.PriceQuote{
		Region:           region,
		AvailabilityZone: aws.ToString(sp.AvailabilityZone),
		Price:            price,
		ObservedAt:       aws.ToTime(sp.Timestamp),
	}, nil
}

func (c *Client) LookupSubnet(ctx context.Context, region, availabilityZone string) ([]string, error) {
	api, err := c.region(region)
	if err != nil {
		return nil, err
	}
	out, err := api.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: []types.Filter{{Name: aws.String("availability-zone"), Values: []string{availabilityZone}}},
	})
	if err != nil {
		return nil, classify("describe subnets "+region, err)
	}
	ids := make([]string, 0, len(out.Subnets))
	for _, s := range out.Subnets {
		if id := aws.ToString(s.SubnetId); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (c *Client) LookupKeyPair(ctx context.Context, region, name string) (bool, error) {
	api, err := c.region(region)
	if err != nil {
		return false, err
	}
	out, err := api.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{KeyNames: []string{name}})
	if err != nil {
		if ErrorCode(err) == "InvalidKeyPair.NotFound" {
			return false, nil
		}
		return false, classify("describe key pairs "+region, err)
	}
	for _, kp := range out.KeyPairs {
		if aws.ToString(kp.KeyName) == name {
			return true, nil
		}
	}
	return false, nil
}
