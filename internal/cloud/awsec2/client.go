// Package awsec2 implements the capacity, network and fleet contracts on top
// of the EC2 API. One EC2 client is created per region on first use.
package awsec2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	"github.com/spotbuild/spotbuild/internal/domain"
)

// EC2API is the subset of *ec2.Client used here.
type EC2API interface {
	DescribeSpotPriceHistory(ctx context.Context, params *ec2.DescribeSpotPriceHistoryInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotPriceHistoryOutput, error)
	DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
	DescribeKeyPairs(ctx context.Context, params *ec2.DescribeKeyPairsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeKeyPairsOutput, error)
	RequestSpotFleet(ctx context.Context, params *ec2.RequestSpotFleetInput, optFns ...func(*ec2.Options)) (*ec2.RequestSpotFleetOutput, error)
	DescribeSpotFleetInstances(ctx context.Context, params *ec2.DescribeSpotFleetInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotFleetInstancesOutput, error)
	CancelSpotFleetRequests(ctx context.Context, params *ec2.CancelSpotFleetRequestsInput, optFns ...func(*ec2.Options)) (*ec2.CancelSpotFleetRequestsOutput, error)
}

// STSAPI is the subset of *sts.Client used to resolve the account id.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Factory returns an EC2 client bound to region.
type Factory func(region string) EC2API

// requestIDGrace is how long a fresh fleet request id may be unknown to
// DescribeSpotFleetInstances before it is treated as gone.
const requestIDGrace = 30 * time.Second

type Client struct {
	factory            Factory
	productDescription string
	now                func() time.Time
	logger             *slog.Logger

	mu        sync.Mutex
	clients   map[string]EC2API
	submitted map[string]time.Time
}

func New(cfg aws.Config, productDescription string, logger *slog.Logger) *Client {
	return NewWithFactory(func(region string) EC2API {
		return ec2.NewFromConfig(cfg, func(o *ec2.Options) { o.Region = region })
	}, productDescription, logger)
}

func NewWithFactory(factory Factory, productDescription string, logger *slog.Logger) *Client {
	return &Client{
		factory:            factory,
		productDescription: strings.TrimSpace(productDescription),
		now:                time.Now,
		logger:             logger,
		clients:            map[string]EC2API{},
		submitted:          map[string]time.Time{},
	}
}

func (c *Client) region(region string) (EC2API, error) {
	region = strings.TrimSpace(region)
	if region == "" {
		return nil, errors.New("region is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if api, ok := c.clients[region]; ok {
		return api, nil
	}
	if c.factory == nil {
		return nil, errors.New("ec2 client factory not configured")
	}
	api := c.factory(region)
	c.clients[region] = api
	return api, nil
}

// ResolveAccount returns the account id of the calling credentials.
func ResolveAccount(ctx context.Context, api STSAPI) (string, error) {
	if api == nil {
		return "", errors.New("sts client is required")
	}
	out, err := api.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("get caller identity: %w", err)
	}
	account := strings.TrimSpace(aws.ToString(out.Account))
	if account == "" {
		return "", errors.New("get caller identity: empty account")
	}
	return account, nil
}

var permanentCodes = map[string]struct{}{
	"AuthFailure":                         {},
	"UnauthorizedOperation":               {},
	"OptInRequired":                       {},
	"InvalidParameterValue":               {},
	"InvalidParameterCombination":         {},
	"InvalidSpotFleetRequestId.NotFound":  {},
	"InvalidSpotFleetRequestId.Malformed": {},
}

// ErrorCode returns the AWS API error code carried by err, or "".
func ErrorCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

// classify marks errors that retrying cannot fix with domain.ErrPermanent.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := permanentCodes[ErrorCode(err)]; ok {
		return &domain.Error{Kind: domain.ErrPermanent, Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (c *Client) log(level slog.Level, msg string, attrs ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Log(context.Background(), level, msg, append([]any{"component", "awsec2"}, attrs...)...)
}
