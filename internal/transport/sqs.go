package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// sqsAPI is the subset of *sqs.Client used by SQSTransport
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
}

// SQSConfig holds SQS-specific configuration
type SQSConfig struct {
	Region            string
	Endpoint          string
	VisibilityTimeout int32
	WaitTimeSeconds   int32
}

// SQSTransport consumes notification requests from an SQS queue
type SQSTransport struct {
	client            sqsAPI
	region            string
	visibilityTimeout int32
	waitTimeSeconds   int32

	mu            sync.Mutex
	queueURLCache map[string]string
}

// NewSQSTransport loads AWS credentials from the default chain.
// A non-empty Endpoint targets LocalStack or another SQS-compatible service.
func NewSQSTransport(ctx context.Context, cfg SQSConfig) (*SQSTransport, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var optFns []func(*sqs.Options)
	if cfg.Endpoint != "" {
		optFns = append(optFns, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	visibilityTimeout := cfg.VisibilityTimeout
	if visibilityTimeout == 0 {
		visibilityTimeout = 300
	}

	waitTimeSeconds := cfg.WaitTimeSeconds
	if waitTimeSeconds == 0 {
		waitTimeSeconds = 20
	}

	return &SQSTransport{
		client:            sqs.NewFromConfig(awsCfg, optFns...),
		region:            cfg.Region,
		visibilityTimeout: visibilityTimeout,
		waitTimeSeconds:   waitTimeSeconds,
		queueURLCache:     make(map[string]string),
	}, nil
}

// resolveQueueURL looks up the queue URL once per queue name
func (t *SQSTransport) resolveQueueURL(ctx context.Context, queueName string) (string, error) {
	t.mu.Lock()
	url, ok := t.queueURLCache[queueName]
	t.mu.Unlock()
	if ok {
		return url, nil
	}

	result, err := t.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(queueName),
	})
	if err != nil {
		return "", fmt.Errorf("failed to resolve queue URL for %s: %w", queueName, err)
	}

	url = aws.ToString(result.QueueUrl)
	t.mu.Lock()
	t.queueURLCache[queueName] = url
	t.mu.Unlock()

	slog.Debug("Resolved SQS queue URL", "queue", queueName, "url", url)
	return url, nil
}

// Receive long-polls until one message arrives.
// The receipt handle is encoded as "queueURL|receipt" so Ack and Nack need no lookup.
func (t *SQSTransport) Receive(ctx context.Context, queueName string) (QueueMessage, error) {
	queueURL, err := t.resolveQueueURL(ctx, queueName)
	if err != nil {
		return QueueMessage{}, err
	}

	for {
		select {
		case <-ctx.Done():
			return QueueMessage{}, ctx.Err()
		default:
		}

		resp, err := t.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(queueURL),
			MaxNumberOfMessages:   1,
			WaitTimeSeconds:       t.waitTimeSeconds,
			VisibilityTimeout:     t.visibilityTimeout,
			MessageAttributeNames: []string{"All"},
		})
		if err != nil {
			if ctx.Err() != nil {
				return QueueMessage{}, ctx.Err()
			}
			return QueueMessage{}, fmt.Errorf("failed to receive from SQS: %w", err)
		}

		if resp == nil || len(resp.Messages) == 0 {
			continue
		}

		msg := resp.Messages[0]

		headers := map[string]string{"QueueName": queueName}
		for name, attr := range msg.MessageAttributes {
			if attr.StringValue != nil {
				headers[name] = aws.ToString(attr.StringValue)
			}
		}

		return QueueMessage{
			ID:            aws.ToString(msg.MessageId),
			Body:          []byte(aws.ToString(msg.Body)),
			ReceiptHandle: queueURL + "|" + aws.ToString(msg.ReceiptHandle),
			Headers:       headers,
		}, nil
	}
}

// Ack deletes the message
func (t *SQSTransport) Ack(ctx context.Context, msg QueueMessage) error {
	queueURL, receipt, err := splitReceiptHandle(msg.ReceiptHandle)
	if err != nil {
		return err
	}

	_, err = t.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// Nack resets visibility to zero so the message is redelivered immediately
func (t *SQSTransport) Nack(ctx context.Context, msg QueueMessage) error {
	queueURL, receipt, err := splitReceiptHandle(msg.ReceiptHandle)
	if err != nil {
		return err
	}

	_, err = t.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(queueURL),
		ReceiptHandle:     aws.String(receipt),
		VisibilityTimeout: 0,
	})
	if err != nil {
		return fmt.Errorf("failed to change message visibility: %w", err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no connection
func (t *SQSTransport) Close() error {
	return nil
}

func splitReceiptHandle(handle interface{}) (string, string, error) {
	s, ok := handle.(string)
	if !ok {
		return "", "", fmt.Errorf("invalid receipt handle type %T", handle)
	}

	queueURL, receipt, found := strings.Cut(s, "|")
	if !found || queueURL == "" || receipt == "" {
		return "", "", fmt.Errorf("invalid receipt handle format")
	}
	return queueURL, receipt, nil
}
