package awsec2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/spotbuild/spotbuild/internal/domain"
)

var errNoRequestID = errors.New("request spot fleet: response has no request id")

// FleetRequestInput maps a launch spec onto a one-shot spot fleet request.
func FleetRequestInput(spec domain.LaunchSpec) *ec2.RequestSpotFleetInput {
	launch := types.SpotFleetLaunchSpecification{
		ImageId:      aws.String(spec.ImageID),
		SubnetId:     aws.String(spec.SubnetID),
		InstanceType: types.InstanceType(spec.InstanceType),
		IamInstanceProfile: &types.IamInstanceProfileSpecification{
			Arn: aws.String(spec.IAMProfileARN),
		},
		BlockDeviceMappings: []types.BlockDeviceMapping{{
			DeviceName: aws.String(spec.BlockDevice.DeviceName),
			Ebs: &types.EbsBlockDevice{
				DeleteOnTermination: aws.Bool(spec.BlockDevice.DeleteOnTermination),
				VolumeSize:          aws.Int32(spec.BlockDevice.SizeGB),
				VolumeType:          types.VolumeType(spec.BlockDevice.Type),
			},
		}},
		UserData: aws.String(spec.EncodedBootstrap()),
	}
	if spec.HasSSHKey() {
		launch.KeyName = aws.String(spec.SSHKeyName)
	}

	cfg := &types.SpotFleetRequestConfigData{
		IamFleetRole:                     aws.String(spec.FleetRoleARN),
		AllocationStrategy:               types.AllocationStrategyLowestPrice,
		TargetCapacity:                   aws.Int32(spec.TargetCapacity),
		SpotPrice:                        aws.String(spec.MaxPrice.String()),
		ValidFrom:                        aws.Time(spec.ValidFrom),
		ValidUntil:                       aws.Time(spec.ValidUntil),
		TerminateInstancesWithExpiration: aws.Bool(true),
		LaunchSpecifications:             []types.SpotFleetLaunchSpecification{launch},
		Type:                             types.FleetTypeRequest,
	}
	if spec.ClientToken != "" {
		cfg.ClientToken = aws.String(spec.ClientToken)
	}
	return &ec2.RequestSpotFleetInput{SpotFleetRequestConfig: cfg}
}

func (c *Client) SubmitFleetRequest(ctx context.Context, spec domain.LaunchSpec) (string, error) {
	api, err := c.region(spec.Region)
	if err != nil {
		return "", err
	}
	out, err := api.RequestSpotFleet(ctx, FleetRequestInput(spec))
	if err != nil {
		return "", classify("request spot fleet "+spec.Region, err)
	}
	id := strings.TrimSpace(aws.ToString(out.SpotFleetRequestId))
	if id == "" {
		return "", errNoRequestID
	}
	c.mu.Lock()
	c.submitted[id] = c.now()
	c.mu.Unlock()
	c.log(slog.LevelInfo, "spot fleet requested", "region", spec.Region, "request_id", id)
	return id, nil
}

func (c *Client) PollFleetInstances(ctx context.Context, region, requestID string) ([]domain.FleetInstance, error) {
	api, err := c.region(region)
	if err != nil {
		return nil, err
	}
	out, err := api.DescribeSpotFleetInstances(ctx, &ec2.DescribeSpotFleetInstancesInput{
		SpotFleetRequestId: aws.String(requestID),
	})
	if err != nil {
		if ErrorCode(err) == "InvalidSpotFleetRequestId.NotFound" && c.withinGrace(requestID) {
			return nil, fmt.Errorf("describe spot fleet instances %s: request not visible yet: %w", requestID, err)
		}
		return nil, classify("describe spot fleet instances "+requestID, err)
	}
	instances := make([]domain.FleetInstance, 0, len(out.ActiveInstances))
	for _, ai := range out.ActiveInstances {
		instances = append(instances, domain.FleetInstance{
			InstanceID:   aws.ToString(ai.InstanceId),
			InstanceType: aws.ToString(ai.InstanceType),
			Health:       string(ai.InstanceHealth),
		})
	}
	return instances, nil
}

func (c *Client) CancelFleetRequest(ctx context.Context, region, requestID string, terminateInstances bool) error {
	api, err := c.region(region)
	if err != nil {
		return err
	}
	out, err := api.CancelSpotFleetRequests(ctx, &ec2.CancelSpotFleetRequestsInput{
		SpotFleetRequestIds: []string{requestID},
		TerminateInstances:  aws.Bool(terminateInstances),
	})
	if err != nil {
		return classify("cancel spot fleet request "+requestID, err)
	}
	var failed []string
	for _, item := range out.UnsuccessfulFleetRequests {
		msg := aws.ToString(item.SpotFleetRequestId)
		if item.Error != nil {
			msg += ": " + string(item.Error.Code) + " " + aws.ToString(item.Error.Message)
		}
		failed = append(failed, strings.TrimSpace(msg))
	}
	if len(failed) > 0 {
		return errors.New("cancel spot fleet request: " + strings.Join(failed, "; "))
	}
	c.mu.Lock()
	delete(c.submitted, requestID)
	c.mu.Unlock()
	c.log(slog.LevelInfo, "spot fleet request cancelled", "region", region, "request_id", requestID, "terminate", terminateInstances)
	return nil
}

func (c *Client) withinGrace(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.submitted[requestID]
	return ok && c.now().Sub(at) < requestIDGrace
}
