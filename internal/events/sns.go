package events

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/models"
)

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSPublisher fans events out through one SNS topic. The event name travels as a
// message attribute so subscribers can filter on it.
type SNSPublisher struct {
	client   snsAPI
	topicARN string
}

// NewSNSPublisherFromEnv loads AWS credentials and region the default SDK way.
func NewSNSPublisherFromEnv(ctx context.Context, topicARN string) (*SNSPublisher, error) {
	if topicARN == "" {
		return nil, fmt.Errorf("empty SNS topic ARN")
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSNSPublisher(sns.NewFromConfig(cfg), topicARN), nil
}

func NewSNSPublisher(client snsAPI, topicARN string) *SNSPublisher {
	return &SNSPublisher{client: client, topicARN: topicARN}
}

var _ interfaces.EventPublisher = (*SNSPublisher)(nil)

func (p *SNSPublisher) Publish(ctx context.Context, event models.DomainEvent) error {
	body, err := Encode(event)
	if err != nil {
		return err
	}

	_, err = p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event": {DataType: aws.String("String"), StringValue: aws.String(event.Name)},
		},
	})
	if err != nil {
		return fmt.Errorf("sns publish %s to %s: %w", event.Name, p.topicARN, err)
	}
	return nil
}
