package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chatbox/internal/domain"
)

const (
	skContact = "CONTACT"
	skAccount = "ACCOUNT"
)

// contactFields maps persistable session fields to contact attributes.
var contactFields = map[string]string{
	"cuit": "cuit",
}

func contactPK(phone string) string {
	return "CONTACT#" + phone
}

func clientPK(cuit string) string {
	return "CLIENT#" + cuit
}

// GetContact loads the durable record of a phone number.
func (c *Client) GetContact(ctx context.Context, phone string) (domain.Contact, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            itemKey(contactPK(phone), skContact),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Contact{}, false, fmt.Errorf("repository: GetContact: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Contact{}, false, nil
	}
	return domain.Contact{
		Phone:     phone,
		CUIT:      optStr(out.Item, "cuit"),
		UpdatedAt: optStr(out.Item, "updatedAt"),
	}, true, nil
}

// PersistField writes one session field through to the contact record of
// phone, creating it when needed.
func (c *Client) PersistField(ctx context.Context, phone, field, value string) error {
	attr, ok := contactFields[field]
	if !ok {
		return fmt.Errorf("repository: PersistField: unknown field %q", field)
	}
	if strings.TrimSpace(phone) == "" {
		return fmt.Errorf("repository: PersistField: phone is required")
	}
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              itemKey(contactPK(phone), skContact),
		UpdateExpression: aws.String("SET #f = :v, phone = :phone, updatedAt = :at"),
		ExpressionAttributeNames: map[string]string{
			"#f": attr,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v":     avS(value),
			":phone": avS(phone),
			":at":    avTime(c.now()),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: PersistField: %w", err)
	}
	return nil
}

// ResolveBalance returns the account of a client by CUIT. The balance is
// kept as the formatted amount the office loads from its billing system.
func (c *Client) ResolveBalance(ctx context.Context, cuit string) (domain.Account, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       itemKey(clientPK(cuit), skAccount),
	})
	if err != nil {
		return domain.Account{}, false, fmt.Errorf("repository: ResolveBalance: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Account{}, false, nil
	}
	balance, err := strAttr(out.Item, "balance")
	if err != nil {
		return domain.Account{}, false, fmt.Errorf("repository: ResolveBalance decode: %w", err)
	}
	return domain.Account{
		CUIT:    cuit,
		Name:    optStr(out.Item, "name"),
		Balance: balance,
	}, true, nil
}
