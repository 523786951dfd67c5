package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"creator-agent/internal/domain"
)

func autoSK(id string) string {
	return skPrefixAuto + id
}

// ListAutomatedMessages returns all automated-message definitions for a
// persona, active or not. The scheduler filters on Active.
func (c *Client) ListAutomatedMessages(ctx context.Context, personaID string) ([]domain.AutomatedMessage, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: personaPK(personaID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixAuto},
		},
	}
	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: ListAutomatedMessages query: %w", err)
	}
	msgs := make([]domain.AutomatedMessage, 0, len(out.Items))
	for _, item := range out.Items {
		am, err := itemToAutomated(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListAutomatedMessages unmarshal: %w", err)
		}
		msgs = append(msgs, am)
	}
	return msgs, nil
}

// PutAutomatedMessage writes or replaces a definition. SentTo is managed
// exclusively by RecordAutomatedSend and is not written here.
func (c *Client) PutAutomatedMessage(ctx context.Context, am domain.AutomatedMessage) error {
	if am.ID == "" || am.PersonaID == "" {
		return errors.New("repository: PutAutomatedMessage: id and persona id are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      automatedItem(am),
	})
	if err != nil {
		return fmt.Errorf("repository: PutAutomatedMessage: %w", err)
	}
	return nil
}

// RecordAutomatedSend marks the fan as sent and appends the outgoing message
// row in one transaction. The automation gate is re-checked in the same
// transaction, so a conversation the creator has taken over receives nothing
// and its send log stays untouched; that cancellation maps to
// ErrAutomationDisabled. Adding the fan to sentTo is conditioned on absence,
// so a concurrent or retried evaluation fails with ErrDuplicateSend and the
// message row is not written twice. This is the at-most-once-per-fan guard.
func (c *Client) RecordAutomatedSend(ctx context.Context, am domain.AutomatedMessage, msg domain.Message) error {
	if msg.ID == "" || msg.Seq <= 0 {
		return errors.New("repository: RecordAutomatedSend: message id and seq are required")
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
				Update: &types.Update{
					TableName: aws.String(c.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: personaPK(am.PersonaID)},
						"SK": &types.AttributeValueMemberS{Value: autoSK(am.ID)},
					},
					UpdateExpression:    aws.String("ADD sentTo :fanSet"),
					ConditionExpression: aws.String("attribute_exists(PK) AND (attribute_not_exists(sentTo) OR NOT contains(sentTo, :fan))"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":fanSet": &types.AttributeValueMemberSS{Value: []string{msg.FanID}},
						":fan":    &types.AttributeValueMemberS{Value: msg.FanID},
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
		if memberConditionFailed(err, 1) {
			return ErrDuplicateSend
		}
		return fmt.Errorf("repository: RecordAutomatedSend: %w", err)
	}
	return nil
}

func automatedItem(am domain.AutomatedMessage) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":          &types.AttributeValueMemberS{Value: personaPK(am.PersonaID)},
		"SK":          &types.AttributeValueMemberS{Value: autoSK(am.ID)},
		"id":          &types.AttributeValueMemberS{Value: am.ID},
		"personaId":   &types.AttributeValueMemberS{Value: am.PersonaID},
		"content":     &types.AttributeValueMemberS{Value: am.Content},
		"triggerType": &types.AttributeValueMemberS{Value: string(am.TriggerType)},
		"active":      &types.AttributeValueMemberBOOL{Value: am.Active},
	}
	if am.MediaRef != "" {
		item["mediaRef"] = &types.AttributeValueMemberS{Value: am.MediaRef}
		item["mediaKind"] = &types.AttributeValueMemberS{Value: string(am.MediaKind)}
	}
	switch am.TriggerType {
	case domain.TriggerScheduled:
		item["scheduledAt"] = &types.AttributeValueMemberS{Value: am.ScheduledAt.UTC().Format(time.RFC3339Nano)}
	case domain.TriggerMessageCount:
		item["countThreshold"] = &types.AttributeValueMemberN{Value: strconv.Itoa(am.CountThreshold)}
	}
	return item
}

func itemToAutomated(item map[string]types.AttributeValue) (domain.AutomatedMessage, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.AutomatedMessage{}, err
	}
	personaID, err := strAttr(item, "personaId")
	if err != nil {
		return domain.AutomatedMessage{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.AutomatedMessage{}, err
	}
	triggerType, err := strAttr(item, "triggerType")
	if err != nil {
		return domain.AutomatedMessage{}, err
	}
	active, err := boolAttr(item, "active")
	if err != nil {
		return domain.AutomatedMessage{}, err
	}
	sentTo, err := stringSetAttr(item, "sentTo")
	if err != nil {
		return domain.AutomatedMessage{}, err
	}
	mediaRef, _ := strAttr(item, "mediaRef")
	mediaKind, _ := strAttr(item, "mediaKind")

	am := domain.AutomatedMessage{
		ID:          id,
		PersonaID:   personaID,
		Content:     content,
		MediaRef:    mediaRef,
		MediaKind:   domain.MediaKind(mediaKind),
		TriggerType: domain.TriggerType(triggerType),
		Active:      active,
		SentTo:      sentTo,
	}
	switch am.TriggerType {
	case domain.TriggerScheduled:
		scheduledAt, err := timeAttr(item, "scheduledAt")
		if err != nil {
			return domain.AutomatedMessage{}, err
		}
		am.ScheduledAt = scheduledAt
	case domain.TriggerMessageCount:
		threshold, err := intAttr(item, "countThreshold")
		if err != nil {
			return domain.AutomatedMessage{}, err
		}
		am.CountThreshold = int(threshold)
	}
	return am, nil
}
