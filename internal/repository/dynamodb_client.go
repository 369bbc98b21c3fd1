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

	"voicenote/internal/domain"
	"voicenote/internal/quota"
)

const (
	skPrefixMsg   = "MSG#"
	skPrefixQuota = "QUOTA#"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Client wraps a DynamoDB table holding quota records and messages.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// userPK returns the partition key for records owned by a single user.
func userPK(userID string) string {
	return "USER#" + userID
}

// quotaSK returns the sort key for a user's quota record on date.
func quotaSK(date string) string {
	return skPrefixQuota + date
}

// convPK returns the partition key shared by both directions of a conversation.
func convPK(a, b string) string {
	return "CONV#" + domain.ConversationKey(a, b)
}

// sortKeyTime is fixed width so that lexical order matches time order.
const sortKeyTime = "2006-01-02T15:04:05.000000000Z"

// msgSK sorts messages chronologically with the id as tie breaker.
func msgSK(createdAt time.Time, id string) string {
	return skPrefixMsg + createdAt.UTC().Format(sortKeyTime) + "#" + id
}

// GetQuota reads the quota record for userID on date with a strongly consistent read.
func (c *Client) GetQuota(ctx context.Context, userID, date string) (domain.QuotaRecord, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(userID)},
			"SK": &types.AttributeValueMemberS{Value: quotaSK(date)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.QuotaRecord{}, false, fmt.Errorf("repository: GetQuota get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.QuotaRecord{}, false, nil
	}

	count, err := intAttr(out.Item, "count")
	if err != nil {
		return domain.QuotaRecord{}, false, fmt.Errorf("repository: GetQuota decode count: %w", err)
	}
	return domain.QuotaRecord{UserID: userID, Date: date, Count: count}, true, nil
}

// CreateQuota inserts the first quota record of the day. It fails with
// quota.ErrConflict when another writer created the record first.
func (c *Client) CreateQuota(ctx context.Context, rec domain.QuotaRecord) error {
	if rec.UserID == "" || rec.Date == "" {
		return errors.New("repository: CreateQuota: user id and date are required")
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                quotaItem(rec),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: CreateQuota: %w", conditional(err))
	}
	return nil
}

// CompareAndSwapQuota sets count to next only while it still equals expected.
func (c *Client) CompareAndSwapQuota(ctx context.Context, userID, date string, expected, next int) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(userID)},
			"SK": &types.AttributeValueMemberS{Value: quotaSK(date)},
		},
		UpdateExpression:    aws.String("SET #count = :next"),
		ConditionExpression: aws.String("#count = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#count": "count",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":next":     numberAttr(next),
			":expected": numberAttr(expected),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: CompareAndSwapQuota: %w", conditional(err))
	}
	return nil
}

// InsertMessage persists a new message. Message ids are never overwritten.
func (c *Client) InsertMessage(ctx context.Context, msg domain.Message) error {
	if msg.ID == "" || msg.SenderID == "" || msg.ReceiverID == "" {
		return errors.New("repository: InsertMessage: id, sender and receiver are required")
	}
	if msg.CreatedAt.IsZero() {
		return errors.New("repository: InsertMessage: createdAt is required")
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                messageItem(msg),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: InsertMessage: %w", conditional(err))
	}
	return nil
}

// ListConversation returns every message exchanged between a and b in either
// direction, oldest first.
func (c *Client) ListConversation(ctx context.Context, a, b string) ([]domain.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(a, b)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward: aws.Bool(true),
	}

	var msgs []domain.Message
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: ListConversation query: %w", err)
		}
		for _, item := range out.Items {
			msg, err := itemToMessage(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListConversation unmarshal: %w", err)
			}
			msgs = append(msgs, msg)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return msgs, nil
}

// conditional maps a failed condition check onto quota.ErrConflict.
func conditional(err error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fmt.Errorf("%w: %w", quota.ErrConflict, err)
	}
	return err
}

func quotaItem(rec domain.QuotaRecord) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":     &types.AttributeValueMemberS{Value: userPK(rec.UserID)},
		"SK":     &types.AttributeValueMemberS{Value: quotaSK(rec.Date)},
		"userId": &types.AttributeValueMemberS{Value: rec.UserID},
		"date":   &types.AttributeValueMemberS{Value: rec.Date},
		"count":  numberAttr(rec.Count),
	}
}

func messageItem(msg domain.Message) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":              &types.AttributeValueMemberS{Value: convPK(msg.SenderID, msg.ReceiverID)},
		"SK":              &types.AttributeValueMemberS{Value: msgSK(msg.CreatedAt, msg.ID)},
		"id":              &types.AttributeValueMemberS{Value: msg.ID},
		"senderId":        &types.AttributeValueMemberS{Value: msg.SenderID},
		"receiverId":      &types.AttributeValueMemberS{Value: msg.ReceiverID},
		"audioRef":        &types.AttributeValueMemberS{Value: msg.AudioRef},
		"durationSeconds": numberAttr(msg.DurationSeconds),
		"createdAt":       &types.AttributeValueMemberS{Value: msg.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
	if !msg.ExpiresAt.IsZero() {
		item["expiresAt"] = &types.AttributeValueMemberS{Value: msg.ExpiresAt.UTC().Format(time.RFC3339Nano)}
		// Picked up by the table's TTL setting; purging is owned by the backend.
		item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(msg.ExpiresAt.Unix(), 10)}
	}
	return item
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Message{}, err
	}
	sender, err := strAttr(item, "senderId")
	if err != nil {
		return domain.Message{}, err
	}
	receiver, err := strAttr(item, "receiverId")
	if err != nil {
		return domain.Message{}, err
	}
	audioRef, _ := strAttr(item, "audioRef") // allow empty
	duration, err := intAttr(item, "durationSeconds")
	if err != nil {
		return domain.Message{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Message{}, err
	}
	msg := domain.Message{
		ID:              id,
		SenderID:        sender,
		ReceiverID:      receiver,
		AudioRef:        audioRef,
		DurationSeconds: duration,
		CreatedAt:       createdAt,
	}
	if _, ok := item["expiresAt"]; ok {
		if msg.ExpiresAt, err = timeAttr(item, "expiresAt"); err != nil {
			return domain.Message{}, err
		}
	}
	return msg, nil
}

func numberAttr(n int) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
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

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return ts, nil
}
