package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"chatbox/internal/domain"
)

const skPrefixMsg = "MSG#"

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

// msgSK orders messages by time; the suffix keeps records written in the
// same instant distinct.
func msgSK(ts time.Time, suffix string) string {
	return skPrefixMsg + ts.UTC().Format(timeLayout) + "#" + suffix
}

// NewMessage constructs a Message with PK/SK/TTL set from conversationID and at.
func NewMessage(conversationID, direction, kind, text string, at time.Time) domain.Message {
	return domain.Message{
		PK:             convPK(conversationID),
		SK:             msgSK(at, uuid.NewString()[:8]),
		ConversationID: conversationID,
		Direction:      direction,
		Kind:           kind,
		Text:           text,
		TTL:            ttlFrom(at),
	}
}

// WriteMessage appends a record to the conversation log.
func (c *Client) WriteMessage(ctx context.Context, msg domain.Message) error {
	if msg.PK == "" || msg.SK == "" {
		return errors.New("repository: WriteMessage: PK and SK are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                messageItem(msg),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: WriteMessage: %w", err)
	}
	return nil
}

// Append keys msg under its conversation at the current time and writes it.
func (c *Client) Append(ctx context.Context, msg domain.Message) error {
	if msg.ConversationID == "" {
		return errors.New("repository: Append: conversation id is required")
	}
	keyed := NewMessage(msg.ConversationID, msg.Direction, msg.Kind, msg.Text, c.now())
	keyed.State = msg.State
	keyed.OutboxID = msg.OutboxID
	return c.WriteMessage(ctx, keyed)
}

// GetHistory returns up to limit of the most recent messages of a
// conversation in chronological order.
func (c *Client) GetHistory(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     avS(convPK(conversationID)),
			":prefix": avS(skPrefixMsg),
		},
		// Newest first so LIMIT keeps the latest context.
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: GetHistory query: %w", err)
	}

	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: GetHistory unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.Message{}, err
	}
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.Message{}, err
	}
	direction, err := strAttr(item, "direction")
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		PK:             pk,
		SK:             sk,
		ConversationID: optStr(item, "conversationId"),
		Direction:      direction,
		Kind:           optStr(item, "kind"),
		Text:           optStr(item, "text"),
		State:          optStr(item, "state"),
		OutboxID:       optStr(item, "outboxId"),
	}, nil
}

func messageItem(msg domain.Message) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":             avS(msg.PK),
		"SK":             avS(msg.SK),
		"conversationId": avS(msg.ConversationID),
		"direction":      avS(msg.Direction),
		"kind":           avS(msg.Kind),
		"text":           avS(msg.Text),
		"ttl":            avN(msg.TTL),
	}
	if msg.State != "" {
		item["state"] = avS(msg.State)
	}
	if msg.OutboxID != "" {
		item["outboxId"] = avS(msg.OutboxID)
	}
	return item
}
