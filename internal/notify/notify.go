// Package notify publishes operator notifications. Delivery is best effort:
// callers log a failed publish and carry on.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// maxSubjectLen is the SNS subject limit.
const maxSubjectLen = 100

type Sink interface {
	Publish(ctx context.Context, subject, message string) error
}

// SNSClient is the subset of *sns.Client used here.
type SNSClient interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSPublisher struct {
	client   SNSClient
	topicARN string
}

func NewSNSPublisher(client SNSClient, topicARN string) (*SNSPublisher, error) {
	if client == nil {
		return nil, errors.New("sns client is required")
	}
	topicARN = strings.TrimSpace(topicARN)
	if !strings.HasPrefix(topicARN, "arn:") {
		return nil, fmt.Errorf("invalid topic arn %q", topicARN)
	}
	return &SNSPublisher{client: client, topicARN: topicARN}, nil
}

func (p *SNSPublisher) Publish(ctx context.Context, subject, message string) error {
	_, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Subject:  aws.String(Subject(subject)),
		Message:  aws.String(message),
	})
	if err != nil {
		return fmt.Errorf("sns publish: %w", err)
	}
	return nil
}

// Subject fits s into the SNS subject rules: one line, at most 100 characters.
func Subject(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= maxSubjectLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxSubjectLen])
}

// LogSink writes notifications to the structured log. It is used when no
// topic is configured.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(ctx context.Context, subject, message string) error {
	if s == nil || s.logger == nil {
		return nil
	}
	s.logger.InfoContext(ctx, "notification", "component", "notify", "subject", subject, "message", message)
	return nil
}
