package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"chatbox/internal/domain"
)

type fakeDynamo struct {
	getOut    *dynamodb.GetItemOutput
	getErr    error
	putErr    error
	queryOuts []*dynamodb.QueryOutput
	queryErr  error
	updateFn  func(in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error)

	lastGetInput *dynamodb.GetItemInput
	lastPutInput *dynamodb.PutItemInput
	queryIns     []*dynamodb.QueryInput
	updateIns    []*dynamodb.UpdateItemInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updateIns = append(f.updateIns, in)
	if f.updateFn != nil {
		return f.updateFn(in)
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queryIns = append(f.queryIns, in)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if len(f.queryOuts) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	out := f.queryOuts[0]
	f.queryOuts = f.queryOuts[1:]
	return out, nil
}

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC) }
	return c
}

func strVal(t *testing.T, item map[string]types.AttributeValue, key string) string {
	t.Helper()
	v, err := strAttr(item, key)
	require.NoError(t, err)
	return v
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil, "test-table")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestNew_EmptyTableName(t *testing.T) {
	_, err := New(&fakeDynamo{}, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}

func TestNewMessage_Fields(t *testing.T) {
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	msg := NewMessage("5491111111111", domain.DirectionInbound, "text", "hola", at)
	require.Equal(t, "CONV#5491111111111", msg.PK)
	require.Contains(t, msg.SK, "MSG#2026-03-02T12:00:00.000000000Z#")
	require.Equal(t, domain.DirectionInbound, msg.Direction)
	require.Equal(t, at.Add(ttlDuration).Unix(), msg.TTL)

	other := NewMessage("5491111111111", domain.DirectionInbound, "text", "hola", at)
	require.NotEqual(t, msg.SK, other.SK)
}

func TestMsgSK_SortsChronologically(t *testing.T) {
	a := msgSK(time.Date(2026, 3, 2, 12, 0, 0, 500_000_000, time.UTC), "x")
	b := msgSK(time.Date(2026, 3, 2, 12, 0, 0, 550_000_000, time.UTC), "x")
	require.Less(t, a, b)
}

func TestWriteMessage_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	msg := NewMessage("abc", domain.DirectionSystem, "text", "Elegí una opción:", time.Now())
	msg.State = "MENU"
	msg.OutboxID = "ob-1"
	require.NoError(t, c.WriteMessage(context.Background(), msg))
	item := db.lastPutInput.Item
	require.Equal(t, "system", strVal(t, item, "direction"))
	require.Equal(t, "MENU", strVal(t, item, "state"))
	require.Equal(t, "ob-1", strVal(t, item, "outboxId"))
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *db.lastPutInput.ConditionExpression)
}

func TestWriteMessage_OmitsEmptyOptionalFields(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.WriteMessage(context.Background(), NewMessage("abc", domain.DirectionInbound, "image", "", time.Now())))
	require.NotContains(t, db.lastPutInput.Item, "state")
	require.NotContains(t, db.lastPutInput.Item, "outboxId")
}

func TestWriteMessage_DynamoError(t *testing.T) {
	db := &fakeDynamo{putErr: errors.New("ProvisionedThroughputExceededException")}
	c := mustNewClient(t, db)
	err := c.WriteMessage(context.Background(), NewMessage("abc", domain.DirectionInbound, "text", "hi", time.Now()))
	require.Error(t, err)
	require.Contains(t, err.Error(), "WriteMessage")
}

func TestWriteMessage_MissingKeys(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	require.ErrorContains(t, c.WriteMessage(context.Background(), domain.Message{SK: "MSG#ts"}), "required")
	require.ErrorContains(t, c.WriteMessage(context.Background(), domain.Message{PK: "CONV#abc"}), "required")
}

func TestAppend_KeysMessage(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	err := c.Append(context.Background(), domain.Message{ConversationID: "549", Direction: domain.DirectionInbound, Kind: "text", Text: "hola", State: "MENU"})
	require.NoError(t, err)
	item := db.lastPutInput.Item
	require.Equal(t, "CONV#549", strVal(t, item, "PK"))
	require.Contains(t, strVal(t, item, "SK"), "MSG#2026-03-02T12:00:00.000000000Z#")
	require.Equal(t, "MENU", strVal(t, item, "state"))

	require.ErrorContains(t, c.Append(context.Background(), domain.Message{Text: "x"}), "conversation id")
}

func TestGetHistory_ReordersDescendingResultsToChronological(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{
		Items: []map[string]types.AttributeValue{
			messageItem(domain.Message{PK: "CONV#abc", SK: "MSG#2", Direction: "system", Text: "newer"}),
			messageItem(domain.Message{PK: "CONV#abc", SK: "MSG#1", Direction: "in", Text: "older"}),
		},
	}}}
	c := mustNewClient(t, db)
	msgs, err := c.GetHistory(context.Background(), "abc", 6)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "older", msgs[0].Text)
	require.Equal(t, "newer", msgs[1].Text)

	in := db.queryIns[0]
	require.Equal(t, "PK = :pk AND begins_with(SK, :prefix)", *in.KeyConditionExpression)
	require.False(t, *in.ScanIndexForward)
	require.EqualValues(t, 6, *in.Limit)
}

func TestGetHistory_MalformedItem(t *testing.T) {
	item := map[string]types.AttributeValue{
		"PK": avS("CONV#abc"),
		"SK": avS("MSG#ts"),
	}
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{item}}}}
	c := mustNewClient(t, db)
	_, err := c.GetHistory(context.Background(), "abc", 6)
	require.Error(t, err)
	require.Contains(t, err.Error(), "direction")
}

func TestGetHistory_QueryError(t *testing.T) {
	db := &fakeDynamo{queryErr: errors.New("ResourceNotFoundException")}
	c := mustNewClient(t, db)
	_, err := c.GetHistory(context.Background(), "abc", 6)
	require.ErrorContains(t, err, "GetHistory")
}

func TestGetContact(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"PK":   avS("CONTACT#549"),
		"SK":   avS(skContact),
		"cuit": avS("20123456786"),
	}}}
	c := mustNewClient(t, db)
	contact, found, err := c.GetContact(context.Background(), "549")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "20123456786", contact.CUIT)
	require.Equal(t, "CONTACT#549", strVal(t, db.lastGetInput.Key, "PK"))
	require.True(t, *db.lastGetInput.ConsistentRead)
}

func TestGetContact_Missing(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	_, found, err := c.GetContact(context.Background(), "549")
	require.NoError(t, err)
	require.False(t, found)
}

func TestPersistField(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.PersistField(context.Background(), "549", "cuit", "20123456786"))
	in := db.updateIns[0]
	require.Equal(t, "cuit", in.ExpressionAttributeNames["#f"])
	require.Equal(t, "20123456786", strVal(t, in.ExpressionAttributeValues, ":v"))
	require.Equal(t, "2026-03-02T12:00:00.000000000Z", strVal(t, in.ExpressionAttributeValues, ":at"))
}

func TestPersistField_RejectsUnknownField(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	err := c.PersistField(context.Background(), "549", "password", "x")
	require.ErrorContains(t, err, "unknown field")
	require.Empty(t, db.updateIns)
}

func TestResolveBalance(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"name":    avS("Estudio Pérez SRL"),
		"balance": avS("15.000,00"),
	}}}
	c := mustNewClient(t, db)
	acc, found, err := c.ResolveBalance(context.Background(), "20123456786")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, domain.Account{CUIT: "20123456786", Name: "Estudio Pérez SRL", Balance: "15.000,00"}, acc)
	require.Equal(t, "CLIENT#20123456786", strVal(t, db.lastGetInput.Key, "PK"))
}

func TestResolveBalance_NotFoundAndErrors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	_, found, err := c.ResolveBalance(context.Background(), "20123456786")
	require.NoError(t, err)
	require.False(t, found)

	c = mustNewClient(t, &fakeDynamo{getErr: errors.New("throttled")})
	_, _, err = c.ResolveBalance(context.Background(), "20123456786")
	require.ErrorContains(t, err, "ResolveBalance")

	c = mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{"name": avS("x")}}})
	_, _, err = c.ResolveBalance(context.Background(), "20123456786")
	require.ErrorContains(t, err, "balance")
}
