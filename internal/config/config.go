// Package config holds the controller configuration. A Config is built once
// per process, validated, and then passed by value into every component; no
// component reads ambient configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/spotbuild/spotbuild/internal/platform/env"
)

const (
	accountPlaceholder = "{account}"
	devicePlaceholder  = "{device}"
	namePlaceholder    = "{name}"
)

type Component struct {
	// Name is the build parameter name and the override key in an event.
	Name  string `yaml:"name"`
	Label string `yaml:"label"`
	// Marker is the release bucket key of the last published value. Empty
	// means the component is a build parameter only.
	Marker         string `yaml:"marker"`
	IncludedMarker string `yaml:"included_marker"`
	// Remote is a dotted path into the latest metadata document.
	Remote string `yaml:"remote"`
	Pinned string `yaml:"pinned"`
}

func (c Component) Tracked() bool {
	return strings.TrimSpace(c.Marker) != ""
}

type Poll struct {
	Interval      time.Duration `yaml:"interval"`
	Attempts      int           `yaml:"attempts"`
	CancelReserve time.Duration `yaml:"cancel_reserve"`
}

type BlockDevice struct {
	DeviceName string `yaml:"device_name"`
	SizeGB     int32  `yaml:"size_gb"`
	Type       string `yaml:"type"`
}

type Config struct {
	Name    string `yaml:"name"`
	Product string `yaml:"product"`
	Device  string `yaml:"device"`
	Version string `yaml:"version"`

	HomeRegion     string `yaml:"home_region"`
	ReleaseBucket  string `yaml:"release_bucket"`
	ScriptLocation string `yaml:"script_location"`
	PrimaryMarker  string `yaml:"primary_marker"`

	LatestURL  string `yaml:"latest_url"`
	ReleaseURL string `yaml:"release_url"`

	InstanceType       string            `yaml:"instance_type"`
	InstanceRegions    []string          `yaml:"instance_regions"`
	ProductDescription string            `yaml:"product_description"`
	PriceLookback      time.Duration     `yaml:"price_lookback"`
	MaxPriceRaw        string            `yaml:"max_price"`
	SkipPriceRaw       string            `yaml:"skip_price"`
	AMIOverride        string            `yaml:"ami_override"`
	RegionAMIs         map[string]string `yaml:"region_amis"`
	SSHKey             string            `yaml:"ssh_key"`
	EncryptedKeys      bool              `yaml:"encrypted_keys"`
	BlockDevice        BlockDevice       `yaml:"block_device"`

	FleetRoleARN         string `yaml:"fleet_role_arn"`
	IAMProfileARN        string `yaml:"iam_profile_arn"`
	NotificationTopicARN string `yaml:"notification_topic_arn"`

	Components []Component `yaml:"components"`
	Poll       Poll        `yaml:"poll"`

	maxPrice  decimal.Decimal
	skipPrice decimal.Decimal
}

func (c Config) MaxPrice() decimal.Decimal  { return c.maxPrice }
func (c Config) SkipPrice() decimal.Decimal { return c.skipPrice }

// Default mirrors the stack layout the build script publishes into the
// release bucket.
func Default() Config {
	return Config{
		Product:            "RattlesnakeOS",
		PrimaryMarker:      "rattlesnakeos-stack/revision",
		ReleaseBucket:      namePlaceholder + "-release",
		ScriptLocation:     "s3://" + namePlaceholder + "-script/build.sh",
		LatestURL:          "https://raw.githubusercontent.com/RattlesnakeOS/latest/11.0/latest.json",
		ReleaseURL:         "https://api.github.com/repos/dan-v/rattlesnakeos-stack/releases/latest",
		InstanceType:       "c5.4xlarge",
		InstanceRegions:    []string{"us-west-2", "us-west-1", "us-east-2"},
		ProductDescription: "Linux/UNIX (Amazon VPC)",
		PriceLookback:      time.Minute,
		MaxPriceRaw:        "1.00",
		SkipPriceRaw:       "1.00",
		SSHKey:             "rattlesnakeos",
		RegionAMIs:         DefaultRegionAMIs(),
		BlockDevice:        BlockDevice{DeviceName: "/dev/sda1", SizeGB: 250, Type: "gp2"},
		FleetRoleARN:       "arn:aws:iam::" + accountPlaceholder + ":role/aws-service-role/spotfleet.amazonaws.com/AWSServiceRoleForEC2SpotFleet",
		IAMProfileARN:      "arn:aws:iam::" + accountPlaceholder + ":instance-profile/" + namePlaceholder + "-ec2",
		Components:         DefaultComponents(),
		Poll:               Poll{Interval: 5 * time.Second, Attempts: 30, CancelReserve: 15 * time.Second},
	}
}

func DefaultComponents() []Component {
	return []Component{
		{Name: "aosp_build_id", Label: "AOSP build id", Marker: devicePlaceholder + "-vendor", Remote: "devices." + devicePlaceholder + ".build_id"},
		{Name: "aosp_tag", Label: "AOSP tag", Remote: "devices." + devicePlaceholder + ".aosp_tag"},
		{Name: "chromium_version", Label: "Chromium version", Marker: "chromium/revision", IncludedMarker: "chromium/included", Remote: "chromium"},
		{Name: "fdroid_client_version", Label: "F-Droid version", Marker: "fdroid/revision", Remote: "fdroid.client"},
		{Name: "fdroid_priv_version", Label: "F-Droid priv ext version", Marker: "fdroid-priv/revision", Remote: "fdroid.privilegedextention"},
	}
}

// Load reads the YAML file at path over Default and applies env overrides.
// An empty path loads defaults plus env only.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg.finalize()
}

// Parse decodes a YAML document over Default without consulting env.
func Parse(raw []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg.finalize()
}

func (c *Config) applyEnv() error {
	c.Name = env.String("SPOTBUILD_NAME", c.Name)
	c.Device = env.String("SPOTBUILD_DEVICE", c.Device)
	c.HomeRegion = env.String("SPOTBUILD_HOME_REGION", c.HomeRegion)
	c.InstanceType = env.String("SPOTBUILD_INSTANCE_TYPE", c.InstanceType)
	c.InstanceRegions = env.List("SPOTBUILD_INSTANCE_REGIONS", c.InstanceRegions)
	c.MaxPriceRaw = env.String("SPOTBUILD_MAX_PRICE", c.MaxPriceRaw)
	c.SkipPriceRaw = env.String("SPOTBUILD_SKIP_PRICE", c.SkipPriceRaw)
	c.AMIOverride = env.String("SPOTBUILD_AMI_OVERRIDE", c.AMIOverride)
	c.SSHKey = env.String("SPOTBUILD_SSH_KEY", c.SSHKey)
	c.NotificationTopicARN = env.String("SPOTBUILD_NOTIFICATION_TOPIC_ARN", c.NotificationTopicARN)
	encrypted, err := env.Bool("SPOTBUILD_ENCRYPTED_KEYS", c.EncryptedKeys)
	if err != nil {
		return err
	}
	c.EncryptedKeys = encrypted
	return nil
}

func (c Config) finalize() (Config, error) {
	c.ReleaseBucket = c.expand(c.ReleaseBucket)
	c.ScriptLocation = c.expand(c.ScriptLocation)
	c.IAMProfileARN = c.expand(c.IAMProfileARN)
	c.FleetRoleARN = c.expand(c.FleetRoleARN)
	c.NotificationTopicARN = c.expand(c.NotificationTopicARN)
	c.InstanceRegions = append([]string(nil), c.InstanceRegions...)
	c.RegionAMIs = cloneMap(c.RegionAMIs)
	components := make([]Component, len(c.Components))
	for i, comp := range c.Components {
		comp.Marker = c.expand(comp.Marker)
		comp.IncludedMarker = c.expand(comp.IncludedMarker)
		comp.Remote = c.expand(comp.Remote)
		if strings.TrimSpace(comp.Label) == "" {
			comp.Label = comp.Name
		}
		components[i] = comp
	}
	c.Components = components

	verr := &ValidationError{}
	var err error
	if c.maxPrice, err = decimal.NewFromString(strings.TrimSpace(c.MaxPriceRaw)); err != nil {
		verr.Add(fmt.Sprintf("max_price %q is not a decimal", c.MaxPriceRaw))
	}
	if c.skipPrice, err = decimal.NewFromString(strings.TrimSpace(c.SkipPriceRaw)); err != nil {
		verr.Add(fmt.Sprintf("skip_price %q is not a decimal", c.SkipPriceRaw))
	}
	c.validate(verr)
	if err := verr.OrNil(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) expand(s string) string {
	s = strings.ReplaceAll(s, namePlaceholder, c.Name)
	return strings.ReplaceAll(s, devicePlaceholder, c.Device)
}

func (c Config) validate(verr *ValidationError) {
	if strings.TrimSpace(c.Name) == "" {
		verr.Add("name is required")
	}
	if strings.TrimSpace(c.Device) == "" {
		verr.Add("device is required")
	}
	if strings.TrimSpace(c.HomeRegion) == "" {
		verr.Add("home_region is required")
	}
	if strings.TrimSpace(c.PrimaryMarker) == "" {
		verr.Add("primary_marker is required")
	}
	if strings.TrimSpace(c.LatestURL) == "" {
		verr.Add("latest_url is required")
	}
	if strings.TrimSpace(c.InstanceType) == "" {
		verr.Add("instance_type is required")
	}
	if len(c.InstanceRegions) == 0 {
		verr.Add("instance_regions must be non-empty")
	}
	seen := map[string]struct{}{}
	for _, region := range c.InstanceRegions {
		if strings.TrimSpace(region) == "" {
			verr.Add("instance_regions contains an empty region")
			continue
		}
		if _, ok := seen[region]; ok {
			verr.Add(fmt.Sprintf("instance_regions lists %s twice", region))
		}
		seen[region] = struct{}{}
	}
	if !strings.HasPrefix(c.ScriptLocation, "s3://") {
		verr.Add("script_location must be an s3:// url")
	}
	if c.PriceLookback <= 0 {
		verr.Add("price_lookback must be positive")
	}
	if c.Poll.Interval <= 0 {
		verr.Add("poll.interval must be positive")
	}
	if c.Poll.Attempts <= 0 {
		verr.Add("poll.attempts must be positive")
	}
	if c.Poll.CancelReserve < 0 {
		verr.Add("poll.cancel_reserve must be non-negative")
	}
	if c.BlockDevice.SizeGB <= 0 || strings.TrimSpace(c.BlockDevice.DeviceName) == "" {
		verr.Add("block_device requires device_name and a positive size_gb")
	}
	if c.EncryptedKeys && strings.TrimSpace(c.SSHKey) == "" {
		verr.Add("ssh_key is required when encrypted_keys is enabled")
	}
	if len(c.Components) == 0 {
		verr.Add("components must be non-empty")
	}
	names := map[string]struct{}{}
	for _, comp := range c.Components {
		name := strings.TrimSpace(comp.Name)
		if name == "" {
			verr.Add("component name is required")
			continue
		}
		if name == "force_build" {
			verr.Add("component name force_build is reserved")
		}
		if _, ok := names[name]; ok {
			verr.Add(fmt.Sprintf("component %s is declared twice", name))
		}
		names[name] = struct{}{}
		if comp.IncludedMarker != "" && comp.Marker == "" {
			verr.Add(fmt.Sprintf("component %s has an included marker but no marker", name))
		}
		if strings.TrimSpace(comp.Remote) == "" && strings.TrimSpace(comp.Pinned) == "" {
			verr.Add(fmt.Sprintf("component %s needs a remote path or a pinned value", name))
		}
	}
}

// WithAccount returns a copy with {account} resolved in every ARN.
func (c Config) WithAccount(accountID string) Config {
	out := c
	out.FleetRoleARN = strings.ReplaceAll(c.FleetRoleARN, accountPlaceholder, accountID)
	out.IAMProfileARN = strings.ReplaceAll(c.IAMProfileARN, accountPlaceholder, accountID)
	out.NotificationTopicARN = strings.ReplaceAll(c.NotificationTopicARN, accountPlaceholder, accountID)
	out.InstanceRegions = append([]string(nil), c.InstanceRegions...)
	out.RegionAMIs = cloneMap(c.RegionAMIs)
	out.Components = append([]Component(nil), c.Components...)
	return out
}

func (c Config) NeedsAccount() bool {
	return strings.Contains(c.FleetRoleARN, accountPlaceholder) ||
		strings.Contains(c.IAMProfileARN, accountPlaceholder) ||
		strings.Contains(c.NotificationTopicARN, accountPlaceholder)
}

func (c Config) Component(name string) (Component, bool) {
	for _, comp := range c.Components {
		if comp.Name == name {
			return comp, true
		}
	}
	return Component{}, false
}

func cloneMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
