// Package storage keeps authoritative call records in DynamoDB, as an
// alternative to the call log REST service.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/callsync/internal/upstream"
)

const (
	attrSessionID = "SessionID"
	attrStatus    = "Status"
	attrEndedAt   = "EndedAt"
	attrUpdatedAt = "UpdatedAt"

	// statusCompleted is written by MarkCallEnded
	statusCompleted = "completed"
)

// ErrDisabled is returned when a record store is requested without DYNAMO_MODE
var ErrDisabled = errors.New("storage: dynamodb disabled (DYNAMO_MODE=none)")

// dynamoAPI is the subset of *dynamodb.Client the record store uses
type dynamoAPI interface {
	tableAPI
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// recordItem is the stored shape of a call record
type recordItem struct {
	SessionID  string     `dynamodbav:"SessionID"`
	ExternalID string     `dynamodbav:"ExternalID,omitempty"`
	Status     string     `dynamodbav:"Status"`
	EndedAt    *time.Time `dynamodbav:"EndedAt,omitempty"`
	UpdatedAt  time.Time  `dynamodbav:"UpdatedAt"`
}

// RecordStore reads and writes call records in DynamoDB. It satisfies the
// status poller's record source.
type RecordStore struct {
	client dynamoAPI
	config DynamoConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewRecordStore connects to DynamoDB according to cfg
func NewRecordStore(ctx context.Context, cfg DynamoConfig, logger zerolog.Logger) (*RecordStore, error) {
	if !cfg.Enabled() {
		return nil, ErrDisabled
	}

	var client *dynamodb.Client

	if cfg.Mode == DynamoModeLocal {
		// For local mode, build the client directly without LoadDefaultConfig.
		// LoadDefaultConfig probes the EC2 IMDS endpoint which hangs on EC2
		// instances when static credentials are intended.
		client = dynamodb.New(dynamodb.Options{
			Region:       cfg.Region,
			BaseEndpoint: aws.String(cfg.Endpoint),
			Credentials:  credentials.NewStaticCredentialsProvider("local", "local", ""),
		})
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = dynamodb.NewFromConfig(awsCfg)
	}

	// Create tables in local mode
	if cfg.Mode == DynamoModeLocal {
		if err := CreateTablesIfNotExist(ctx, client, cfg, logger); err != nil {
			return nil, err
		}
	}

	logger.Info().
		Str("mode", string(cfg.Mode)).
		Str("region", cfg.Region).
		Str("table", cfg.CallRecordsTable).
		Msg("DynamoDB record store initialized")

	return newRecordStore(client, cfg, logger), nil
}

func newRecordStore(client dynamoAPI, cfg DynamoConfig, logger zerolog.Logger) *RecordStore {
	return &RecordStore{
		client: client,
		config: cfg,
		logger: logger.With().Str("component", "storage").Logger(),
		now:    time.Now,
	}
}

func sessionKey(sessionID string) map[string]dbtypes.AttributeValue {
	return map[string]dbtypes.AttributeValue{
		attrSessionID: &dbtypes.AttributeValueMemberS{Value: sessionID},
	}
}

// GetCallRecord returns the record for sessionID or upstream.ErrNotFound
func (s *RecordStore) GetCallRecord(ctx context.Context, sessionID string) (*upstream.CallRecord, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.config.CallRecordsTable),
		Key:            sessionKey(sessionID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get call record: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, upstream.ErrNotFound
	}

	var item recordItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call record: %w", err)
	}
	return &upstream.CallRecord{
		SessionID:  item.SessionID,
		ExternalID: item.ExternalID,
		Status:     item.Status,
		EndedAt:    item.EndedAt,
	}, nil
}

// MarkCallEnded sets the record to completed unless it has already ended.
// A record that is missing or already ended is not an error.
func (s *RecordStore) MarkCallEnded(ctx context.Context, sessionID string) error {
	now := s.now().UTC()

	update := expression.Set(expression.Name(attrStatus), expression.Value(statusCompleted)).
		Set(expression.Name(attrEndedAt), expression.Value(now.Format(time.RFC3339Nano))).
		Set(expression.Name(attrUpdatedAt), expression.Value(now.Format(time.RFC3339Nano)))
	cond := expression.AttributeExists(expression.Name(attrSessionID)).
		And(expression.AttributeNotExists(expression.Name(attrEndedAt)))

	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.config.CallRecordsTable),
		Key:                       sessionKey(sessionID),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	var condFailed *dbtypes.ConditionalCheckFailedException
	if errors.As(err, &condFailed) {
		s.logger.Debug().Str("session_id", sessionID).Msg("call record missing or already ended")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to mark call ended: %w", err)
	}
	return nil
}

// PutCallRecord writes rec, replacing any existing record for the session
func (s *RecordStore) PutCallRecord(ctx context.Context, rec upstream.CallRecord) error {
	item, err := attributevalue.MarshalMap(recordItem{
		SessionID:  rec.SessionID,
		ExternalID: rec.ExternalID,
		Status:     rec.Status,
		EndedAt:    rec.EndedAt,
		UpdatedAt:  s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal call record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.config.CallRecordsTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save call record: %w", err)
	}
	return nil
}
