package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"voice-relay/internal/domain"
)

const (
	skPrefixMsg   = "MSG#"
	skMeta        = "META#"
	ttlDuration   = 30 * 24 * time.Hour // 30-day TTL
	batchSize     = 25
	batchAttempts = 3
)

// ErrTranscriptNotFound is returned when no archive exists for a call.
var ErrTranscriptNotFound = errors.New("repository: transcript not found")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Archiver persists finished calls and reads them back.
type Archiver interface {
	ArchiveCall(ctx context.Context, t domain.Transcript) error
	GetTranscript(ctx context.Context, callID string) (domain.Transcript, error)
}

// Client stores call transcripts in a single DynamoDB table. Each call is one
// partition: a META# item plus one MSG# item per history entry.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

func callPK(callID string) string {
	return "CALL#" + callID
}

// msgSK is zero padded so the sort key keeps history order.
func msgSK(i int) string {
	return fmt.Sprintf("%s%05d", skPrefixMsg, i)
}

func (c *Client) ttlValue() int64 {
	return c.now().Add(ttlDuration).Unix()
}

// ArchiveCall writes the transcript. Messages go first so a visible META#
// item always has its history.
func (c *Client) ArchiveCall(ctx context.Context, t domain.Transcript) error {
	if strings.TrimSpace(t.CallID) == "" {
		return errors.New("repository: ArchiveCall: call id is required")
	}
	ttl := c.ttlValue()
	pk := callPK(t.CallID)

	writes := make([]types.WriteRequest, 0, len(t.Messages))
	for i, m := range t.Messages {
		writes = append(writes, types.WriteRequest{PutRequest: &types.PutRequest{Item: messageItem(pk, i, m, ttl)}})
	}
	for start := 0; start < len(writes); start += batchSize {
		end := min(start+batchSize, len(writes))
		if err := c.batchWrite(ctx, writes[start:end]); err != nil {
			return fmt.Errorf("repository: ArchiveCall messages: %w", err)
		}
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      metaItem(pk, t, ttl),
	})
	if err != nil {
		return fmt.Errorf("repository: ArchiveCall meta: %w", err)
	}
	return nil
}

func (c *Client) batchWrite(ctx context.Context, writes []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{c.tableName: writes}
	for attempt := 0; attempt < batchAttempts; attempt++ {
		out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return err
		}
		if out == nil || len(out.UnprocessedItems[c.tableName]) == 0 {
			return nil
		}
		pending = out.UnprocessedItems
	}
	return fmt.Errorf("%d items left unprocessed", len(pending[c.tableName]))
}

// GetTranscript loads an archived call with its history in order.
func (c *Client) GetTranscript(ctx context.Context, callID string) (domain.Transcript, error) {
	pk := callPK(callID)
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Transcript{}, fmt.Errorf("repository: GetTranscript get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Transcript{}, ErrTranscriptNotFound
	}
	t, err := itemToTranscript(out.Item)
	if err != nil {
		return domain.Transcript{}, fmt.Errorf("repository: GetTranscript decode meta: %w", err)
	}

	p := dynamodb.NewQueryPaginator(c.api, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: pk},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward: aws.Bool(true),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return domain.Transcript{}, fmt.Errorf("repository: GetTranscript query: %w", err)
		}
		for _, item := range page.Items {
			m, err := itemToMessage(item)
			if err != nil {
				return domain.Transcript{}, fmt.Errorf("repository: GetTranscript unmarshal: %w", err)
			}
			t.Messages = append(t.Messages, m)
		}
	}
	return t, nil
}

func messageItem(pk string, i int, m domain.ChatMessage, ttl int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":      &types.AttributeValueMemberS{Value: pk},
		"SK":      &types.AttributeValueMemberS{Value: msgSK(i)},
		"role":    &types.AttributeValueMemberS{Value: m.Role},
		"content": &types.AttributeValueMemberS{Value: m.Content},
		"ttl":     &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
	}
}

func metaItem(pk string, t domain.Transcript, ttl int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: pk},
		"SK":           &types.AttributeValueMemberS{Value: skMeta},
		"callId":       &types.AttributeValueMemberS{Value: t.CallID},
		"caller":       &types.AttributeValueMemberS{Value: t.Caller},
		"startedAt":    &types.AttributeValueMemberS{Value: t.StartedAt.UTC().Format(time.RFC3339Nano)},
		"endedAt":      &types.AttributeValueMemberS{Value: t.EndedAt.UTC().Format(time.RFC3339Nano)},
		"reason":       &types.AttributeValueMemberS{Value: t.Reason},
		"messageCount": &types.AttributeValueMemberN{Value: strconv.Itoa(len(t.Messages))},
		"ttl":          &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
	}
}

func itemToTranscript(item map[string]types.AttributeValue) (domain.Transcript, error) {
	callID, err := strAttr(item, "callId")
	if err != nil {
		return domain.Transcript{}, err
	}
	caller, _ := strAttr(item, "caller") // allow empty
	reason, _ := strAttr(item, "reason")
	started, err := timeAttr(item, "startedAt")
	if err != nil {
		return domain.Transcript{}, err
	}
	ended, err := timeAttr(item, "endedAt")
	if err != nil {
		return domain.Transcript{}, err
	}
	return domain.Transcript{
		CallID:    callID,
		Caller:    caller,
		StartedAt: started,
		EndedAt:   ended,
		Reason:    reason,
	}, nil
}

func itemToMessage(item map[string]types.AttributeValue) (domain.ChatMessage, error) {
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.ChatMessage{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.ChatMessage{}, err
	}
	return domain.ChatMessage{Role: role, Content: content}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}
