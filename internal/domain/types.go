package domain

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ComponentVersion pairs a tracked build input's target value with the value
// recorded by the last published build.
type ComponentVersion struct {
	Name  string
	Label string

	// Remote is the target value: override, pin, or latest remote value.
	Remote string

	Persisted    string
	HasPersisted bool

	// Included is nil when the component has no included marker.
	Included *bool

	// Tracked is false for build parameters that have no marker to compare.
	Tracked bool
}

func (c ComponentVersion) Resolved() bool {
	return strings.TrimSpace(c.Remote) != ""
}

// BuildParameter is one positional argument handed to the build driver.
type BuildParameter struct {
	Name  string
	Value string
}

// BuildDecision is the evaluator's verdict. Forced is set when the build is
// required only because the caller asked for it.
type BuildDecision struct {
	Required bool
	Forced   bool
	Reasons  []string
}

type PriceQuote struct {
	Region           string
	AvailabilityZone string
	Price            decimal.Decimal
	ObservedAt       time.Time
}

type BlockDevice struct {
	DeviceName          string
	SizeGB              int32
	Type                string
	DeleteOnTermination bool
}

const LaunchWindow = 12 * time.Hour

type LaunchSpec struct {
	Region         string
	ImageID        string
	SubnetID       string
	InstanceType   string
	IAMProfileARN  string
	FleetRoleARN   string
	BlockDevice    BlockDevice
	Bootstrap      []byte
	SSHKeyName     string
	ValidFrom      time.Time
	ValidUntil     time.Time
	MaxPrice       decimal.Decimal
	TargetCapacity int32
	ClientToken    string
}

func (s LaunchSpec) EncodedBootstrap() string {
	return base64.StdEncoding.EncodeToString(s.Bootstrap)
}

func (s LaunchSpec) HasSSHKey() bool {
	return s.SSHKeyName != ""
}

type FleetState string

const (
	FleetPending   FleetState = "pending"
	FleetActive    FleetState = "active"
	FleetFailed    FleetState = "failed"
	FleetCancelled FleetState = "cancelled"
)

type FleetRequestHandle struct {
	RequestID string
	Region    string
	State     FleetState
}

type FleetInstance struct {
	InstanceID   string
	InstanceType string
	Health       string
}
