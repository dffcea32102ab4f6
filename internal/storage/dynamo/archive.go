// Package dynamo archives webhook events that exhausted their retries in DynamoDB, so
// failures outlive the process that received them (Lambda in particular).
package dynamo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DefaultRetention is how long archived events are kept before the table TTL removes them.
const DefaultRetention = 30 * 24 * time.Hour

// Client is the subset of the DynamoDB API the archive needs.
type Client interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// eventItem is the stored shape. Payload is kept as a string so the item stays readable
// in the console.
type eventItem struct {
	PK           string `dynamodbav:"PK"`
	SK           string `dynamodbav:"SK"`
	Type         string `dynamodbav:"Type"`
	ID           string `dynamodbav:"ID"`
	EventID      string `dynamodbav:"EventID,omitempty"`
	EventType    string `dynamodbav:"EventType"`
	ProviderID   string `dynamodbav:"ProviderID"`
	ConnectionID string `dynamodbav:"ConnectionID,omitempty"`
	ExternalID   string `dynamodbav:"ExternalID,omitempty"`
	Payload      string `dynamodbav:"Payload,omitempty"`
	LastError    string `dynamodbav:"LastError,omitempty"`
	ReceivedAt   string `dynamodbav:"ReceivedAt"`
	FailedAt     string `dynamodbav:"FailedAt,omitempty"`
	RetryCount   int    `dynamodbav:"RetryCount"`
	ExpiresAt    int64  `dynamodbav:"ExpiresAt"`
}

// Archive implements webhook.FailedEventStore on a single DynamoDB table keyed by
// PK=PROVIDER#<id>, SK=EVENT#<ulid>.
type Archive struct {
	client    Client
	logger    *slog.Logger
	now       func() time.Time
	table     string
	retention time.Duration
}

// Option configures an Archive.
type Option func(*Archive)

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) Option {
	return func(a *Archive) {
		if d > 0 {
			a.retention = d
		}
	}
}

// WithClock sets the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(a *Archive) { a.now = now }
}

// NewArchive wraps an existing client.
func NewArchive(client Client, table string, opts ...Option) (*Archive, error) {
	if client == nil || table == "" {
		return nil, fmt.Errorf("%w: dynamodb client and table are required", common.ErrMissingConfig)
	}
	a := &Archive{
		client:    client,
		table:     table,
		retention: DefaultRetention,
		now:       time.Now,
		logger:    slog.Default().With("component", "failed_event_archive"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// NewArchiveFromEnv builds a client from the default AWS credential chain.
func NewArchiveFromEnv(ctx context.Context, region, table string, opts ...Option) (*Archive, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewArchive(dynamodb.NewFromConfig(cfg), table, opts...)
}

func partitionKey(providerID string) string { return "PROVIDER#" + providerID }
func sortKey(id string) string              { return "EVENT#" + id }

// SaveFailed implements webhook.FailedEventStore. Saving the same event twice overwrites it.
func (a *Archive) SaveFailed(ctx context.Context, ev model.WebhookEvent) error {
	if ev.ID == "" || ev.ProviderID == "" {
		return common.NewValidationError("event", "id and provider are required")
	}
	now := a.now().UTC()
	item := eventItem{
		PK:           partitionKey(ev.ProviderID),
		SK:           sortKey(ev.ID),
		Type:         "failed_webhook_event",
		ID:           ev.ID,
		EventID:      ev.EventID,
		EventType:    string(ev.Type),
		ProviderID:   ev.ProviderID,
		ConnectionID: ev.ConnectionID,
		ExternalID:   ev.ExternalID,
		Payload:      string(ev.Payload),
		LastError:    ev.LastError,
		ReceivedAt:   ev.ReceivedAt.UTC().Format(time.RFC3339Nano),
		RetryCount:   ev.RetryCount,
		ExpiresAt:    now.Add(a.retention).Unix(),
	}
	failedAt := now
	if ev.FailedAt != nil {
		failedAt = ev.FailedAt.UTC()
	}
	item.FailedAt = failedAt.Format(time.RFC3339Nano)

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook event: %w", err)
	}
	if _, err := a.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(a.table),
		Item:      av,
	}); err != nil {
		return &common.NetworkError{Provider: "dynamodb", Message: "put failed webhook event", Err: err}
	}
	a.logger.Info("Archived failed webhook event",
		"event_id", ev.ID,
		"provider", ev.ProviderID,
		"retries", ev.RetryCount)
	return nil
}

// ListFailed returns archived events for one provider, oldest first.
func (a *Archive) ListFailed(ctx context.Context, providerID string, limit int) ([]model.WebhookEvent, error) {
	if providerID == "" {
		return nil, common.NewValidationError("provider", "provider id is required")
	}
	input := &dynamodb.QueryInput{
		TableName:              aws.String(a.table),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :sk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: partitionKey(providerID)},
			":sk": &types.AttributeValueMemberS{Value: "EVENT#"},
		},
		ScanIndexForward: aws.Bool(true),
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}

	var out []model.WebhookEvent
	for {
		res, err := a.client.Query(ctx, input)
		if err != nil {
			return nil, &common.NetworkError{Provider: "dynamodb", Message: "query failed webhook events", Err: err}
		}
		var items []eventItem
		if err := attributevalue.UnmarshalListOfMaps(res.Items, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal webhook events: %w", err)
		}
		for _, item := range items {
			ev, err := item.event()
			if err != nil {
				return nil, err
			}
			out = append(out, ev)
		}
		if len(res.LastEvaluatedKey) == 0 || (limit > 0 && len(out) >= limit) {
			break
		}
		input.ExclusiveStartKey = res.LastEvaluatedKey
	}
	return out, nil
}

// DeleteFailed removes an archived event.
func (a *Archive) DeleteFailed(ctx context.Context, providerID, id string) error {
	_, err := a.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(a.table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: partitionKey(providerID)},
			"SK": &types.AttributeValueMemberS{Value: sortKey(id)},
		},
	})
	if err != nil {
		return &common.NetworkError{Provider: "dynamodb", Message: "delete failed webhook event", Err: err}
	}
	return nil
}

func (i eventItem) event() (model.WebhookEvent, error) {
	ev := model.WebhookEvent{
		ID:           i.ID,
		EventID:      i.EventID,
		Type:         model.EventType(i.EventType),
		ProviderID:   i.ProviderID,
		ConnectionID: i.ConnectionID,
		ExternalID:   i.ExternalID,
		LastError:    i.LastError,
		RetryCount:   i.RetryCount,
	}
	if i.Payload != "" {
		ev.Payload = json.RawMessage(i.Payload)
	}
	received, err := time.Parse(time.RFC3339Nano, i.ReceivedAt)
	if err != nil {
		return ev, fmt.Errorf("invalid received_at on archived event %s: %w", i.ID, err)
	}
	ev.ReceivedAt = received
	if i.FailedAt != "" {
		failed, err := time.Parse(time.RFC3339Nano, i.FailedAt)
		if err != nil {
			return ev, fmt.Errorf("invalid failed_at on archived event %s: %w", i.ID, err)
		}
		ev.FailedAt = &failed
	}
	return ev, nil
}
