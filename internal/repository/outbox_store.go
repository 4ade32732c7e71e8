package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chatbox/internal/domain"
	"chatbox/internal/outbox"
)

const skOutbox = "OUTBOX"

// OutboxStore keeps outbox entries in the state table. A sparse GSI keyed
// on (status, dueAt) serves both the due scan and the stale scan: pending
// entries carry their next attempt time in dueAt, sending entries their
// claim time, and sent or failed entries drop dueAt.
type OutboxStore struct {
	api       dynamodbAPI
	tableName string
	indexName string
}

var _ outbox.Store = (*OutboxStore)(nil)

// NewOutboxStore creates a DynamoDB-backed outbox.Store.
func NewOutboxStore(api dynamodbAPI, tableName, indexName string) (*OutboxStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if strings.TrimSpace(indexName) == "" {
		return nil, errors.New("repository: outbox index name must not be empty")
	}
	return &OutboxStore{api: api, tableName: tableName, indexName: indexName}, nil
}

func outboxPK(id string) string {
	return "OUTBOX#" + id
}

// Create inserts the entry unless a live entry with the same id exists.
func (o *OutboxStore) Create(ctx context.Context, e domain.OutboxEntry) error {
	item, err := outboxItem(e)
	if err != nil {
		return fmt.Errorf("repository: outbox Create: %w", err)
	}
	_, err = o.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(o.tableName),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(PK) OR #status = :failed"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed": avS(string(domain.OutboxFailed)),
		},
	})
	if isConditionFailed(err) {
		return outbox.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("repository: outbox Create: %w", err)
	}
	return nil
}

func (o *OutboxStore) Get(ctx context.Context, id string) (domain.OutboxEntry, bool, error) {
	out, err := o.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(o.tableName),
		Key:            itemKey(outboxPK(id), skOutbox),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.OutboxEntry{}, false, fmt.Errorf("repository: outbox Get: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.OutboxEntry{}, false, nil
	}
	e, err := itemToOutboxEntry(out.Item)
	if err != nil {
		return domain.OutboxEntry{}, false, fmt.Errorf("repository: outbox Get unmarshal: %w", err)
	}
	return e, true, nil
}

// ClaimDue reads due pending entries from the index and claims each with a
// conditional update. Entries claimed concurrently by another worker are
// skipped.
func (o *OutboxStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.OutboxEntry, error) {
	in := &dynamodb.QueryInput{
		TableName:                aws.String(o.tableName),
		IndexName:                aws.String(o.indexName),
		KeyConditionExpression:   aws.String("#status = :pending AND dueAt <= :now"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending": avS(string(domain.OutboxPending)),
			":now":     avTime(now),
		},
		ScanIndexForward: aws.Bool(true),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}
	out, err := o.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: outbox ClaimDue query: %w", err)
	}

	claimed := make([]domain.OutboxEntry, 0, len(out.Items))
	for _, item := range out.Items {
		id, err := strAttr(item, "id")
		if err != nil {
			return claimed, fmt.Errorf("repository: outbox ClaimDue: %w", err)
		}
		upd, err := o.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                aws.String(o.tableName),
			Key:                      itemKey(outboxPK(id), skOutbox),
			UpdateExpression:         aws.String("SET #status = :sending, claimedAt = :now, dueAt = :now"),
			ConditionExpression:      aws.String("#status = :pending"),
			ExpressionAttributeNames: map[string]string{"#status": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":sending": avS(string(domain.OutboxSending)),
				":pending": avS(string(domain.OutboxPending)),
				":now":     avTime(now),
			},
			ReturnValues: types.ReturnValueAllNew,
		})
		if isConditionFailed(err) {
			continue
		}
		if err != nil {
			return claimed, fmt.Errorf("repository: outbox ClaimDue claim %q: %w", id, err)
		}
		e, err := itemToOutboxEntry(upd.Attributes)
		if err != nil {
			return claimed, fmt.Errorf("repository: outbox ClaimDue unmarshal %q: %w", id, err)
		}
		claimed = append(claimed, e)
	}
	return claimed, nil
}

func (o *OutboxStore) MarkSent(ctx context.Context, id, remoteID string, sentAt time.Time) error {
	_, err := o.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(o.tableName),
		Key:                      itemKey(outboxPK(id), skOutbox),
		UpdateExpression:         aws.String("SET #status = :sent, sentAt = :at, remoteId = :rid REMOVE dueAt, claimedAt, nextAttemptAt, #error"),
		ConditionExpression:      aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{"#status": "status", "#error": "error"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sent": avS(string(domain.OutboxSent)),
			":at":   avTime(sentAt),
			":rid":  avS(remoteID),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: outbox MarkSent %q: %w", id, err)
	}
	return nil
}

func (o *OutboxStore) RecordFailure(ctx context.Context, id string, f outbox.Failure) error {
	values := map[string]types.AttributeValue{
		":tries": avN(int64(f.Tries)),
		":err":   avS(f.Error),
	}
	var expr string
	if f.Terminal || f.NextAttemptAt == nil {
		values[":status"] = avS(string(domain.OutboxFailed))
		expr = "SET #status = :status, tries = :tries, #error = :err REMOVE dueAt, claimedAt, nextAttemptAt"
	} else {
		values[":status"] = avS(string(domain.OutboxPending))
		values[":next"] = avTime(*f.NextAttemptAt)
		expr = "SET #status = :status, tries = :tries, #error = :err, nextAttemptAt = :next, dueAt = :next REMOVE claimedAt"
	}
	_, err := o.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(o.tableName),
		Key:                       itemKey(outboxPK(id), skOutbox),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames:  map[string]string{"#status": "status", "#error": "error"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("repository: outbox RecordFailure %q: %w", id, err)
	}
	return nil
}

// RequeueStale returns entries stuck in sending since before staleBefore to
// pending. The claim time is part of the condition so an entry reclaimed in
// the meantime is left alone.
func (o *OutboxStore) RequeueStale(ctx context.Context, staleBefore time.Time) (int, error) {
	requeued := 0
	var start map[string]types.AttributeValue
	for {
		out, err := o.api.Query(ctx, &dynamodb.QueryInput{
			TableName:                aws.String(o.tableName),
			IndexName:                aws.String(o.indexName),
			KeyConditionExpression:   aws.String("#status = :sending AND dueAt < :before"),
			ExpressionAttributeNames: map[string]string{"#status": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":sending": avS(string(domain.OutboxSending)),
				":before":  avTime(staleBefore),
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return requeued, fmt.Errorf("repository: outbox RequeueStale query: %w", err)
		}
		for _, item := range out.Items {
			id, err := strAttr(item, "id")
			if err != nil {
				return requeued, fmt.Errorf("repository: outbox RequeueStale: %w", err)
			}
			claimedAt, err := strAttr(item, "claimedAt")
			if err != nil {
				return requeued, fmt.Errorf("repository: outbox RequeueStale: %w", err)
			}
			_, err = o.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName:                aws.String(o.tableName),
				Key:                      itemKey(outboxPK(id), skOutbox),
				UpdateExpression:         aws.String("SET #status = :pending, dueAt = :before, #error = :err REMOVE claimedAt"),
				ConditionExpression:      aws.String("#status = :sending AND claimedAt = :claimed"),
				ExpressionAttributeNames: map[string]string{"#status": "status", "#error": "error"},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":pending": avS(string(domain.OutboxPending)),
					":sending": avS(string(domain.OutboxSending)),
					":before":  avTime(staleBefore),
					":claimed": avS(claimedAt),
					":err":     avS(outbox.AbandonedReason),
				},
			})
			if isConditionFailed(err) {
				continue
			}
			if err != nil {
				return requeued, fmt.Errorf("repository: outbox RequeueStale %q: %w", id, err)
			}
			requeued++
		}
		if len(out.LastEvaluatedKey) == 0 {
			return requeued, nil
		}
		start = out.LastEvaluatedKey
	}
}

func outboxItem(e domain.OutboxEntry) (map[string]types.AttributeValue, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	item := map[string]types.AttributeValue{
		"PK":             avS(outboxPK(e.ID)),
		"SK":             avS(skOutbox),
		"id":             avS(e.ID),
		"conversationId": avS(e.ConversationID),
		"recipient":      avS(e.Recipient),
		"payload":        avS(string(payload)),
		"status":         avS(string(e.Status)),
		"tries":          avN(int64(e.Tries)),
		"createdAt":      avTime(e.CreatedAt),
		"ttl":            avN(ttlFrom(e.CreatedAt)),
	}
	if e.Status == domain.OutboxPending {
		due := e.CreatedAt
		if e.NextAttemptAt != nil {
			due = *e.NextAttemptAt
			item["nextAttemptAt"] = avTime(due)
		}
		item["dueAt"] = avTime(due)
	}
	return item, nil
}

func itemToOutboxEntry(item map[string]types.AttributeValue) (domain.OutboxEntry, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.OutboxEntry{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.OutboxEntry{}, err
	}
	rawPayload, err := strAttr(item, "payload")
	if err != nil {
		return domain.OutboxEntry{}, err
	}
	var payload domain.Payload
	if err := json.Unmarshal([]byte(rawPayload), &payload); err != nil {
		return domain.OutboxEntry{}, fmt.Errorf("repository: decode payload: %w", err)
	}
	tries, err := intAttr(item, "tries")
	if err != nil {
		return domain.OutboxEntry{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.OutboxEntry{}, err
	}
	e := domain.OutboxEntry{
		ID:             id,
		ConversationID: optStr(item, "conversationId"),
		Recipient:      optStr(item, "recipient"),
		Payload:        payload,
		Status:         domain.OutboxStatus(status),
		Tries:          tries,
		Error:          optStr(item, "error"),
		CreatedAt:      createdAt,
		RemoteID:       optStr(item, "remoteId"),
	}
	if e.NextAttemptAt, err = optTime(item, "nextAttemptAt"); err != nil {
		return domain.OutboxEntry{}, err
	}
	if e.ClaimedAt, err = optTime(item, "claimedAt"); err != nil {
		return domain.OutboxEntry{}, err
	}
	if e.SentAt, err = optTime(item, "sentAt"); err != nil {
		return domain.OutboxEntry{}, err
	}
	return e, nil
}
