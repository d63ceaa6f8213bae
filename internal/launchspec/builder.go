// Package launchspec turns the chosen spot offer and the build parameters into
// a complete fleet launch specification.
package launchspec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spotbuild/spotbuild/internal/config"
	"github.com/spotbuild/spotbuild/internal/domain"
)

// Network answers the per-region lookups needed to place an instance.
type Network interface {
	LookupSubnet(ctx context.Context, region, availabilityZone string) ([]string, error)
	LookupKeyPair(ctx context.Context, region, name string) (bool, error)
}

type Request struct {
	Quote       domain.PriceQuote
	Parameters  []domain.BuildParameter
	ClientToken string
}

type Builder struct {
	cfg     config.Config
	network Network
	now     func() time.Time
	logger  *slog.Logger
}

func NewBuilder(cfg config.Config, network Network, logger *slog.Logger) *Builder {
	return &Builder{cfg: cfg, network: network, now: time.Now, logger: logger}
}

// WithClock replaces the time source used for the validity window.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	if now != nil {
		b.now = now
	}
	return b
}

func (b *Builder) Build(ctx context.Context, req Request) (domain.LaunchSpec, error) {
	if b.network == nil {
		return domain.LaunchSpec{}, domain.ConfigurationError("launch spec", errors.New("network lookups not configured"))
	}
	region := strings.TrimSpace(req.Quote.Region)
	zone := strings.TrimSpace(req.Quote.AvailabilityZone)
	if region == "" || zone == "" {
		return domain.LaunchSpec{}, domain.ConfigurationError("launch spec", errors.New("price quote has no region or zone"))
	}

	imageID, err := b.image(region)
	if err != nil {
		return domain.LaunchSpec{}, err
	}
	subnetID, err := b.subnet(ctx, region, zone)
	if err != nil {
		return domain.LaunchSpec{}, err
	}
	keyName, err := b.keyPair(ctx, region)
	if err != nil {
		return domain.LaunchSpec{}, err
	}
	bootstrap, err := RenderBootstrap(b.cfg.HomeRegion, b.cfg.ScriptLocation, req.Parameters)
	if err != nil {
		return domain.LaunchSpec{}, domain.ConfigurationError("bootstrap", err)
	}

	validFrom := b.now().UTC().Truncate(time.Second)
	spec := domain.LaunchSpec{
		Region:        region,
		ImageID:       imageID,
		SubnetID:      subnetID,
		InstanceType:  b.cfg.InstanceType,
		IAMProfileARN: b.cfg.IAMProfileARN,
		FleetRoleARN:  b.cfg.FleetRoleARN,
		BlockDevice: domain.BlockDevice{
			DeviceName:          b.cfg.BlockDevice.DeviceName,
			SizeGB:              b.cfg.BlockDevice.SizeGB,
			Type:                b.cfg.BlockDevice.Type,
			DeleteOnTermination: true,
		},
		Bootstrap:      bootstrap,
		SSHKeyName:     keyName,
		ValidFrom:      validFrom,
		ValidUntil:     validFrom.Add(domain.LaunchWindow),
		MaxPrice:       b.cfg.MaxPrice(),
		TargetCapacity: 1,
		ClientToken:    req.ClientToken,
	}
	b.log(slog.LevelInfo, "launch spec built",
		"region", region, "zone", zone, "image", imageID, "subnet", subnetID,
		"ssh_key", spec.HasSSHKey(), "valid_until", spec.ValidUntil.Format(time.RFC3339))
	return spec, nil
}

func (b *Builder) image(region string) (string, error) {
	if ami := strings.TrimSpace(b.cfg.AMIOverride); ami != "" {
		return ami, nil
	}
	if ami := strings.TrimSpace(b.cfg.RegionAMIs[region]); ami != "" {
		return ami, nil
	}
	return "", domain.ConfigurationError("image", fmt.Errorf("no image configured for region %s", region))
}

func (b *Builder) subnet(ctx context.Context, region, zone string) (string, error) {
	subnets, err := b.network.LookupSubnet(ctx, region, zone)
	if err != nil {
		return "", domain.ProvisioningError("subnet lookup", fmt.Errorf("%s/%s: %w", region, zone, err))
	}
	if len(subnets) != 1 {
		return "", domain.ConfigurationError("subnet",
			fmt.Errorf("ambiguous or missing subnet in %s: found %d", zone, len(subnets)))
	}
	return subnets[0], nil
}

// keyPair returns the key name to attach, or "" to launch without one.
func (b *Builder) keyPair(ctx context.Context, region string) (string, error) {
	name := strings.TrimSpace(b.cfg.SSHKey)
	if name == "" {
		if b.cfg.EncryptedKeys {
			return "", domain.ConfigurationError("ssh key", errors.New("encrypted keys require an ssh key name"))
		}
		return "", nil
	}
	found, err := b.network.LookupKeyPair(ctx, region, name)
	if err != nil {
		b.log(slog.LevelWarn, "key pair lookup failed", "region", region, "name", name, "error", err)
		found = false
	}
	if found {
		return name, nil
	}
	if b.cfg.EncryptedKeys {
		return "", domain.ConfigurationError("ssh key", fmt.Errorf(
			"encrypted keys is enabled, so properly configured SSH keys are mandatory; unable to find an EC2 key pair named %q in region %s", name, region))
	}
	b.log(slog.LevelInfo, "launching without ssh key", "region", region, "name", name)
	return "", nil
}

func (b *Builder) log(level slog.Level, msg string, attrs ...any) {
	if b.logger == nil {
		return
	}
	b.logger.Log(context.Background(), level, msg, append([]any{"component", "launchspec"}, attrs...)...)
}
