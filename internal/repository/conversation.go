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

	"creator-agent/internal/domain"
)

const (
	skPrefixMsg  = "MSG#"
	skPrefixReq  = "REQ#"
	skPrefixAuto = "AUTO#"
	skMeta       = "META#"
	skSetting    = "SETTING#"
	skActiveReq  = "REQACTIVE#"
	skProfile    = "PROFILE#"
	skFans       = "FANS#"
)

// Sentinel errors surfaced by conditional writes. Callers branch on these to
// apply the degrade-instead-of-fail semantics of the reply and scheduler
// paths.
var (
	ErrAutomationDisabled = errors.New("repository: automation disabled for conversation")
	ErrRequestAlreadyOpen = errors.New("repository: an open content request already exists")
	ErrStatusConflict     = errors.New("repository: request status changed concurrently")
	ErrDuplicateSend      = errors.New("repository: automated message already sent to fan")
	ErrNotFound           = errors.New("repository: item not found")
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps the single DynamoDB table holding conversations, settings,
// content requests and automated-message definitions.
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

// convPK returns the partition key for a (fan, persona) conversation.
func convPK(fanID, personaID string) string {
	return "CONV#" + fanID + "#" + personaID
}

// personaPK returns the partition key for persona-scoped items.
func personaPK(personaID string) string {
	return "PERSONA#" + personaID
}

// msgSK returns the sort key for a message. Zero-padding keeps lexicographic
// order equal to numeric order, which makes the since-cursor a plain range
// condition.
func msgSK(seq int64) string {
	return fmt.Sprintf("%s%020d", skPrefixMsg, seq)
}

// NextSeq atomically advances the per-conversation append sequence and, for
// fan-authored appends, the fan message counter. It returns the allocated
// sequence number and the fan message count after the bump.
func (c *Client) NextSeq(ctx context.Context, fanID, personaID string, countFanMessage bool) (int64, int, error) {
	update := "ADD seq :one SET lastActivity = :ts"
	if countFanMessage {
		update = "ADD seq :one, fanMessageCount :one SET lastActivity = :ts"
	}
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(fanID, personaID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		UpdateExpression: aws.String(update),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
			":ts":  &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("repository: NextSeq update: %w", err)
	}
	seq, err := intAttr(out.Attributes, "seq")
	if err != nil {
		return 0, 0, fmt.Errorf("repository: NextSeq decode seq: %w", err)
	}
	count := int64(0)
	if _, ok := out.Attributes["fanMessageCount"]; ok {
		count, err = intAttr(out.Attributes, "fanMessageCount")
		if err != nil {
			return 0, 0, fmt.Errorf("repository: NextSeq decode fanMessageCount: %w", err)
		}
	}
	return seq, int(count), nil
}

// PutMessage persists a message row. The condition rejects sequence reuse,
// which would otherwise silently overwrite history.
func (c *Client) PutMessage(ctx context.Context, msg domain.Message) error {
	if msg.ID == "" || msg.Seq <= 0 {
		return errors.New("repository: PutMessage: id and seq are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                messageItem(msg),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: PutMessage: %w", err)
	}
	return nil
}

// PutPersonaReply persists an automated persona reply, re-checking the
// automation gate in the same transaction. If the creator disabled automation
// while the reply was being generated the transaction fails on the setting
// condition and ErrAutomationDisabled is returned with nothing written.
func (c *Client) PutPersonaReply(ctx context.Context, msg domain.Message) error {
	if msg.Role != domain.RolePersona {
		return errors.New("repository: PutPersonaReply: message role must be persona")
	}
	if msg.ID == "" || msg.Seq <= 0 {
		return errors.New("repository: PutPersonaReply: id and seq are required")
	}
	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				ConditionCheck: &types.ConditionCheck{
					TableName: aws.String(c.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: convPK(msg.FanID, msg.PersonaID)},
						"SK": &types.AttributeValueMemberS{Value: skSetting},
					},
					ConditionExpression: aws.String("attribute_not_exists(automationEnabled) OR automationEnabled = :true"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":true": &types.AttributeValueMemberBOOL{Value: true},
					},
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                messageItem(msg),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
		},
	})
	if err != nil {
		if memberConditionFailed(err, 0) {
			return ErrAutomationDisabled
		}
		return fmt.Errorf("repository: PutPersonaReply: %w", err)
	}
	return nil
}

// ListMessages queries message rows for a conversation with Seq greater than
// sinceSeq, in ascending order. sinceSeq 0 returns the full history. The key
// condition is bounded to the MSG# range, so the META#/SETTING#/REQ# rows
// sharing the partition are never read on the poll path.
func (c *Client) ListMessages(ctx context.Context, fanID, personaID string, sinceSeq int64) ([]domain.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND SK BETWEEN :from AND :to"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: convPK(fanID, personaID)},
			":from": &types.AttributeValueMemberS{Value: msgSK(sinceSeq + 1)},
			// "~" sorts above every zero-padded sequence.
			":to": &types.AttributeValueMemberS{Value: skPrefixMsg + "~"},
		},
		// Poll reads must observe the caller's own last write.
		ConsistentRead: aws.Bool(true),
	}

	msgs := make([]domain.Message, 0)
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: ListMessages query: %w", err)
		}
		for _, item := range out.Items {
			msg, err := itemToMessage(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListMessages unmarshal: %w", err)
			}
			msgs = append(msgs, msg)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return msgs, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// AutomationEnabled reads the gate for a conversation. A missing setting row
// reads as enabled.
func (c *Client) AutomationEnabled(ctx context.Context, fanID, personaID string) (bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(fanID, personaID)},
			"SK": &types.AttributeValueMemberS{Value: skSetting},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("repository: AutomationEnabled get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return true, nil
	}
	enabled, err := boolAttr(out.Item, "automationEnabled")
	if err != nil {
		return false, fmt.Errorf("repository: AutomationEnabled decode: %w", err)
	}
	return enabled, nil
}

// UpsertSetting writes or replaces the automation setting for a conversation.
func (c *Client) UpsertSetting(ctx context.Context, setting domain.ConversationSetting) error {
	if setting.FanID == "" || setting.PersonaID == "" {
		return errors.New("repository: UpsertSetting: fan and persona ids are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":                &types.AttributeValueMemberS{Value: convPK(setting.FanID, setting.PersonaID)},
			"SK":                &types.AttributeValueMemberS{Value: skSetting},
			"fanId":             &types.AttributeValueMemberS{Value: setting.FanID},
			"personaId":         &types.AttributeValueMemberS{Value: setting.PersonaID},
			"automationEnabled": &types.AttributeValueMemberBOOL{Value: setting.AutomationEnabled},
			"updatedAt":         &types.AttributeValueMemberS{Value: setting.UpdatedAt.UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: UpsertSetting: %w", err)
	}
	return nil
}

// RegisterFan adds the fan to the persona's fan index. The index is what the
// scheduled-trigger sweep enumerates, so every fan turn registers the pair.
// ADD on a string set makes re-registration a no-op.
func (c *Client) RegisterFan(ctx context.Context, fanID, personaID string) error {
	if fanID == "" || personaID == "" {
		return errors.New("repository: RegisterFan: fan and persona ids are required")
	}
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: personaPK(personaID)},
			"SK": &types.AttributeValueMemberS{Value: skFans},
		},
		UpdateExpression: aws.String("ADD fans :fan"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":fan": &types.AttributeValueMemberSS{Value: []string{fanID}},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: RegisterFan: %w", err)
	}
	return nil
}

// ListFans returns every fan registered for the persona. A persona nobody has
// messaged yet has no index row and lists as empty.
func (c *Client) ListFans(ctx context.Context, personaID string) ([]string, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: personaPK(personaID)},
			"SK": &types.AttributeValueMemberS{Value: skFans},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListFans get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	fans, err := stringSetAttr(out.Item, "fans")
	if err != nil {
		return nil, fmt.Errorf("repository: ListFans decode: %w", err)
	}
	return fans, nil
}

// GetPersonaProfile reads a persona profile row. Returns ErrNotFound when the
// persona does not exist.
func (c *Client) GetPersonaProfile(ctx context.Context, personaID string) (domain.PersonaProfile, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: personaPK(personaID)},
			"SK": &types.AttributeValueMemberS{Value: skProfile},
		},
	})
	if err != nil {
		return domain.PersonaProfile{}, fmt.Errorf("repository: GetPersonaProfile get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.PersonaProfile{}, ErrNotFound
	}
	name, err := strAttr(out.Item, "name")
	if err != nil {
		return domain.PersonaProfile{}, fmt.Errorf("repository: GetPersonaProfile: %w", err)
	}
	bio, _ := strAttr(out.Item, "bio")   // allow empty
	mode, _ := strAttr(out.Item, "mode") // allow empty, defaulted below
	if mode == "" {
		mode = string(domain.ModeFriendly)
	}
	return domain.PersonaProfile{
		ID:   personaID,
		Name: name,
		Bio:  bio,
		Mode: domain.Mode(mode),
	}, nil
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Message{}, err
	}
	fanID, err := strAttr(item, "fanId")
	if err != nil {
		return domain.Message{}, err
	}
	personaID, err := strAttr(item, "personaId")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	seq, err := intAttr(item, "seq")
	if err != nil {
		return domain.Message{}, err
	}
	text, _ := strAttr(item, "text")           // allow empty for media-only rows
	mediaRef, _ := strAttr(item, "mediaRef")   // allow empty
	mediaKind, _ := strAttr(item, "mediaKind") // allow empty
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		ID:        id,
		FanID:     fanID,
		PersonaID: personaID,
		Role:      domain.Role(role),
		Text:      text,
		MediaRef:  mediaRef,
		MediaKind: domain.MediaKind(mediaKind),
		Seq:       seq,
		CreatedAt: createdAt,
	}, nil
}

func messageItem(msg domain.Message) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: convPK(msg.FanID, msg.PersonaID)},
		"SK":        &types.AttributeValueMemberS{Value: msgSK(msg.Seq)},
		"id":        &types.AttributeValueMemberS{Value: msg.ID},
		"fanId":     &types.AttributeValueMemberS{Value: msg.FanID},
		"personaId": &types.AttributeValueMemberS{Value: msg.PersonaID},
		"role":      &types.AttributeValueMemberS{Value: string(msg.Role)},
		"text":      &types.AttributeValueMemberS{Value: msg.Text},
		"seq":       &types.AttributeValueMemberN{Value: strconv.FormatInt(msg.Seq, 10)},
		"createdAt": &types.AttributeValueMemberS{Value: msg.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
	if msg.MediaRef != "" {
		item["mediaRef"] = &types.AttributeValueMemberS{Value: msg.MediaRef}
		item["mediaKind"] = &types.AttributeValueMemberS{Value: string(msg.MediaKind)}
	}
	return item
}

// memberConditionFailed reports whether a TransactWriteItems error was a
// conditional check failure on the transaction member at the given index.
func memberConditionFailed(err error, index int) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return false
	}
	if index >= len(tce.CancellationReasons) {
		return false
	}
	reason := tce.CancellationReasons[index]
	return reason.Code != nil && *reason.Code == "ConditionalCheckFailed"
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

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func boolAttr(item map[string]types.AttributeValue, key string) (bool, error) {
	v, ok := item[key]
	if !ok {
		return false, fmt.Errorf("repository: missing attribute %q", key)
	}
	b, ok := v.(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, fmt.Errorf("repository: attribute %q is not a boolean", key)
	}
	return b.Value, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q as time: %w", key, err)
	}
	return t, nil
}

func stringSetAttr(item map[string]types.AttributeValue, key string) ([]string, error) {
	v, ok := item[key]
	if !ok {
		return nil, nil
	}
	ss, ok := v.(*types.AttributeValueMemberSS)
	if !ok {
		return nil, fmt.Errorf("repository: attribute %q is not a string set", key)
	}
	return ss.Value, nil
}
