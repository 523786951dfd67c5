package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"creator-agent/internal/domain"
)

type fakeDynamo struct {
	getOut    *dynamodb.GetItemOutput
	getErr    error
	putErr    error
	queryOuts []*dynamodb.QueryOutput
	queryErr  error
	updateOut *dynamodb.UpdateItemOutput
	updateErr error
	txErr     error

	lastGetInput    *dynamodb.GetItemInput
	lastPutInput    *dynamodb.PutItemInput
	lastQueryIn     *dynamodb.QueryInput
	lastUpdateInput *dynamodb.UpdateItemInput
	lastTxInput     *dynamodb.TransactWriteItemsInput
	queryCalls      int
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.lastQueryIn = in
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if f.queryCalls >= len(f.queryOuts) {
		return &dynamodb.QueryOutput{}, nil
	}
	out := f.queryOuts[f.queryCalls]
	f.queryCalls++
	return out, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdateInput = in
	return f.updateOut, f.updateErr
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	return c
}

func testMessage(seq int64, role domain.Role) domain.Message {
	return domain.Message{
		ID:        "msg-1",
		FanID:     "fan-1",
		PersonaID: "persona-1",
		Role:      role,
		Text:      "hello",
		Seq:       seq,
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func messageQueryItem(seq int64, role, text string) map[string]types.AttributeValue {
	item := messageItem(domain.Message{
		ID:        "id-" + role,
		FanID:     "fan-1",
		PersonaID: "persona-1",
		Role:      domain.Role(role),
		Text:      text,
		Seq:       seq,
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	})
	return item
}

func cancelledTx(codes ...string) error {
	reasons := make([]types.CancellationReason, 0, len(codes))
	for _, code := range codes {
		reasons = append(reasons, types.CancellationReason{Code: aws.String(code)})
	}
	return &types.TransactionCanceledException{CancellationReasons: reasons}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "table")
	require.Error(t, err)

	_, err = New(&fakeDynamo{}, "  ")
	require.Error(t, err)
}

func TestNextSeq_FanAppend(t *testing.T) {
	db := &fakeDynamo{updateOut: &dynamodb.UpdateItemOutput{Attributes: map[string]types.AttributeValue{
		"seq":             &types.AttributeValueMemberN{Value: "7"},
		"fanMessageCount": &types.AttributeValueMemberN{Value: "4"},
	}}}
	c := mustNewClient(t, db)

	seq, count, err := c.NextSeq(context.Background(), "fan-1", "persona-1", true)
	require.NoError(t, err)
	require.Equal(t, int64(7), seq)
	require.Equal(t, 4, count)
	require.Contains(t, *db.lastUpdateInput.UpdateExpression, "fanMessageCount")
}

func TestNextSeq_PersonaAppend_SkipsFanCounter(t *testing.T) {
	db := &fakeDynamo{updateOut: &dynamodb.UpdateItemOutput{Attributes: map[string]types.AttributeValue{
		"seq": &types.AttributeValueMemberN{Value: "8"},
	}}}
	c := mustNewClient(t, db)

	seq, count, err := c.NextSeq(context.Background(), "fan-1", "persona-1", false)
	require.NoError(t, err)
	require.Equal(t, int64(8), seq)
	require.Zero(t, count)
	require.NotContains(t, *db.lastUpdateInput.UpdateExpression, "fanMessageCount")
}

func TestNextSeq_UpdateError(t *testing.T) {
	db := &fakeDynamo{updateErr: errors.New("boom")}
	c := mustNewClient(t, db)
	_, _, err := c.NextSeq(context.Background(), "fan-1", "persona-1", true)
	require.Error(t, err)
	require.Contains(t, err.Error(), "NextSeq")
}

func TestPutMessage_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	require.NoError(t, c.PutMessage(context.Background(), testMessage(3, domain.RoleFan)))
	require.NotNil(t, db.lastPutInput)
	require.Contains(t, *db.lastPutInput.ConditionExpression, "attribute_not_exists")

	sk, err := strAttr(db.lastPutInput.Item, "SK")
	require.NoError(t, err)
	require.Equal(t, "MSG#00000000000000000003", sk)
}

func TestPutMessage_RequiresIDAndSeq(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	err := c.PutMessage(context.Background(), domain.Message{FanID: "f", PersonaID: "p"})
	require.Error(t, err)
}

func TestPutPersonaReply_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	require.NoError(t, c.PutPersonaReply(context.Background(), testMessage(5, domain.RolePersona)))
	require.Len(t, db.lastTxInput.TransactItems, 2)

	check := db.lastTxInput.TransactItems[0].ConditionCheck
	require.NotNil(t, check)
	require.Contains(t, *check.ConditionExpression, "automationEnabled")
}

func TestPutPersonaReply_RejectsFanRole(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	err := c.PutPersonaReply(context.Background(), testMessage(5, domain.RoleFan))
	require.Error(t, err)
}

func TestPutPersonaReply_GateDisabled(t *testing.T) {
	db := &fakeDynamo{txErr: cancelledTx("ConditionalCheckFailed", "None")}
	c := mustNewClient(t, db)

	err := c.PutPersonaReply(context.Background(), testMessage(5, domain.RolePersona))
	require.ErrorIs(t, err, ErrAutomationDisabled)
}

func TestPutPersonaReply_OtherTxError(t *testing.T) {
	db := &fakeDynamo{txErr: errors.New("throttled")}
	c := mustNewClient(t, db)

	err := c.PutPersonaReply(context.Background(), testMessage(5, domain.RolePersona))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrAutomationDisabled)
}

func TestListMessages_Ordered(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{
		Items: []map[string]types.AttributeValue{
			messageQueryItem(1, "fan", "hi"),
			messageQueryItem(2, "persona", "hey!"),
		},
	}}}
	c := mustNewClient(t, db)

	msgs, err := c.ListMessages(context.Background(), "fan-1", "persona-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, int64(1), msgs[0].Seq)
	require.Equal(t, domain.RolePersona, msgs[1].Role)
	require.True(t, *db.lastQueryIn.ConsistentRead)
}

func TestListMessages_CursorBoundsKeyCondition(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{}}}
	c := mustNewClient(t, db)

	_, err := c.ListMessages(context.Background(), "fan-1", "persona-1", 41)
	require.NoError(t, err)
	require.Contains(t, *db.lastQueryIn.KeyConditionExpression, "BETWEEN")

	// Both bounds stay inside the MSG# range: the query can never touch
	// META#/SETTING#/REQ# rows in the same partition.
	from := db.lastQueryIn.ExpressionAttributeValues[":from"].(*types.AttributeValueMemberS)
	require.Equal(t, "MSG#00000000000000000042", from.Value)
	to := db.lastQueryIn.ExpressionAttributeValues[":to"].(*types.AttributeValueMemberS)
	require.Equal(t, "MSG#~", to.Value)
}

func TestListMessages_Paginates(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{
			Items:            []map[string]types.AttributeValue{messageQueryItem(1, "fan", "a")},
			LastEvaluatedKey: map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: "x"}},
		},
		{
			Items: []map[string]types.AttributeValue{messageQueryItem(2, "fan", "b")},
		},
	}}
	c := mustNewClient(t, db)

	msgs, err := c.ListMessages(context.Background(), "fan-1", "persona-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, 2, db.queryCalls)
}

func TestListMessages_QueryError(t *testing.T) {
	db := &fakeDynamo{queryErr: errors.New("boom")}
	c := mustNewClient(t, db)
	_, err := c.ListMessages(context.Background(), "fan-1", "persona-1", 0)
	require.Error(t, err)
}

func TestAutomationEnabled_DefaultsTrueWhenMissing(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewClient(t, db)

	enabled, err := c.AutomationEnabled(context.Background(), "fan-1", "persona-1")
	require.NoError(t, err)
	require.True(t, enabled)
	require.True(t, *db.lastGetInput.ConsistentRead)
}

func TestAutomationEnabled_ReadsStoredValue(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"automationEnabled": &types.AttributeValueMemberBOOL{Value: false},
	}}}
	c := mustNewClient(t, db)

	enabled, err := c.AutomationEnabled(context.Background(), "fan-1", "persona-1")
	require.NoError(t, err)
	require.False(t, enabled)
}

func TestUpsertSetting_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	err := c.UpsertSetting(context.Background(), domain.ConversationSetting{
		FanID: "fan-1", PersonaID: "persona-1", AutomationEnabled: false, UpdatedAt: time.Now(),
	})
	require.NoError(t, err)

	enabled, decodeErr := boolAttr(db.lastPutInput.Item, "automationEnabled")
	require.NoError(t, decodeErr)
	require.False(t, enabled)
}

func TestUpsertSetting_RequiresIDs(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	require.Error(t, c.UpsertSetting(context.Background(), domain.ConversationSetting{FanID: "fan-1"}))
}

func TestRegisterFan_AddsToIndex(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	require.NoError(t, c.RegisterFan(context.Background(), "fan-1", "persona-1"))
	require.Equal(t, "ADD fans :fan", *db.lastUpdateInput.UpdateExpression)

	pk := db.lastUpdateInput.Key["PK"].(*types.AttributeValueMemberS)
	require.Equal(t, "PERSONA#persona-1", pk.Value)
	sk := db.lastUpdateInput.Key["SK"].(*types.AttributeValueMemberS)
	require.Equal(t, skFans, sk.Value)
	fan := db.lastUpdateInput.ExpressionAttributeValues[":fan"].(*types.AttributeValueMemberSS)
	require.Equal(t, []string{"fan-1"}, fan.Value)
}

func TestRegisterFan_RequiresIDs(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	require.Error(t, c.RegisterFan(context.Background(), "", "persona-1"))
	require.Error(t, c.RegisterFan(context.Background(), "fan-1", ""))
}

func TestListFans_ReadsIndexRow(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"fans": &types.AttributeValueMemberSS{Value: []string{"fan-1", "fan-2"}},
	}}}
	c := mustNewClient(t, db)

	fans, err := c.ListFans(context.Background(), "persona-1")
	require.NoError(t, err)
	require.Equal(t, []string{"fan-1", "fan-2"}, fans)
}

func TestListFans_EmptyWhenUnregistered(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewClient(t, db)

	fans, err := c.ListFans(context.Background(), "persona-1")
	require.NoError(t, err)
	require.Empty(t, fans)
}

func TestGetPersonaProfile_HappyPath(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"name": &types.AttributeValueMemberS{Value: "Luna"},
		"bio":  &types.AttributeValueMemberS{Value: "Travel and cooking."},
		"mode": &types.AttributeValueMemberS{Value: "flirty"},
	}}}
	c := mustNewClient(t, db)

	profile, err := c.GetPersonaProfile(context.Background(), "persona-1")
	require.NoError(t, err)
	require.Equal(t, "Luna", profile.Name)
	require.Equal(t, domain.ModeFlirty, profile.Mode)
}

func TestGetPersonaProfile_DefaultsMode(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"name": &types.AttributeValueMemberS{Value: "Luna"},
	}}}
	c := mustNewClient(t, db)

	profile, err := c.GetPersonaProfile(context.Background(), "persona-1")
	require.NoError(t, err)
	require.Equal(t, domain.ModeFriendly, profile.Mode)
}

func TestGetPersonaProfile_NotFound(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewClient(t, db)

	_, err := c.GetPersonaProfile(context.Background(), "persona-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestItemToMessage_RoundTrip(t *testing.T) {
	msg := domain.Message{
		ID:        "m1",
		FanID:     "fan-1",
		PersonaID: "persona-1",
		Role:      domain.RolePersona,
		Text:      "look at this",
		MediaRef:  "https://cdn.example.com/a.jpg",
		MediaKind: domain.MediaPhoto,
		Seq:       12,
		CreatedAt: time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC),
	}
	decoded, err := itemToMessage(messageItem(msg))
	require.NoError(t, err)
	require.Equal(t, msg, decoded)
}
