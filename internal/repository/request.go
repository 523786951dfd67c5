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

func reqSK(requestID string) string {
	return skPrefixReq + requestID
}

// CreateContentRequest writes a new pending request together with the
// active-request pointer for the conversation. The pointer's existence check
// is what enforces at-most-one open request per (fan, persona): a second
// submission while one is non-terminal fails with ErrRequestAlreadyOpen and
// writes nothing.
func (c *Client) CreateContentRequest(ctx context.Context, req domain.ContentRequest) error {
	if req.ID == "" || req.FanID == "" || req.PersonaID == "" {
		return errors.New("repository: CreateContentRequest: id, fan and persona ids are required")
	}
	pk := convPK(req.FanID, req.PersonaID)
	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName: aws.String(c.tableName),
					Item: map[string]types.AttributeValue{
						"PK":        &types.AttributeValueMemberS{Value: pk},
						"SK":        &types.AttributeValueMemberS{Value: skActiveReq},
						"requestId": &types.AttributeValueMemberS{Value: req.ID},
					},
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                requestItem(req),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
		},
	})
	if err != nil {
		if memberConditionFailed(err, 0) {
			return ErrRequestAlreadyOpen
		}
		return fmt.Errorf("repository: CreateContentRequest: %w", err)
	}
	return nil
}

// GetContentRequest reads a request row. Returns ErrNotFound when absent.
func (c *Client) GetContentRequest(ctx context.Context, fanID, personaID, requestID string) (domain.ContentRequest, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(fanID, personaID)},
			"SK": &types.AttributeValueMemberS{Value: reqSK(requestID)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ContentRequest{}, fmt.Errorf("repository: GetContentRequest get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.ContentRequest{}, ErrNotFound
	}
	req, err := itemToRequest(out.Item)
	if err != nil {
		return domain.ContentRequest{}, fmt.Errorf("repository: GetContentRequest unmarshal: %w", err)
	}
	return req, nil
}

// PriceRequest transitions pending -> priced, setting the immutable price.
func (c *Client) PriceRequest(ctx context.Context, fanID, personaID, requestID string, priceCents int64) error {
	return c.transitionRequest(ctx, fanID, personaID, requestID,
		domain.RequestPending, domain.RequestPriced,
		"SET #st = :to, priceCents = :price, updatedAt = :ts",
		map[string]types.AttributeValue{
			":price": &types.AttributeValueMemberN{Value: strconv.FormatInt(priceCents, 10)},
		},
	)
}

// AuthorizeRequest transitions priced -> authorized, recording the payment
// hold reference.
func (c *Client) AuthorizeRequest(ctx context.Context, fanID, personaID, requestID, holdRef string) error {
	return c.transitionRequest(ctx, fanID, personaID, requestID,
		domain.RequestPriced, domain.RequestAuthorized,
		"SET #st = :to, paymentHoldRef = :hold, updatedAt = :ts",
		map[string]types.AttributeValue{
			":hold": &types.AttributeValueMemberS{Value: holdRef},
		},
	)
}

// DeliverRequest transitions authorized -> delivered, recording the delivered
// media and releasing the active-request pointer.
func (c *Client) DeliverRequest(ctx context.Context, fanID, personaID, requestID, mediaRef string, kind domain.MediaKind) error {
	return c.transitionRequest(ctx, fanID, personaID, requestID,
		domain.RequestAuthorized, domain.RequestDelivered,
		"SET #st = :to, deliveredMediaRef = :media, deliveredMediaKind = :kind, updatedAt = :ts",
		map[string]types.AttributeValue{
			":media": &types.AttributeValueMemberS{Value: mediaRef},
			":kind":  &types.AttributeValueMemberS{Value: string(kind)},
		},
	)
}

// CancelRequest transitions pending or priced -> cancelled and releases the
// active-request pointer. The caller supplies the observed current status;
// the write still compare-and-sets on it.
func (c *Client) CancelRequest(ctx context.Context, fanID, personaID, requestID string, from domain.RequestStatus) error {
	return c.transitionRequest(ctx, fanID, personaID, requestID,
		from, domain.RequestCancelled,
		"SET #st = :to, updatedAt = :ts",
		nil,
	)
}

// transitionRequest performs one compare-and-set lifecycle transition. The
// status condition makes a duplicate submit (double-click) fail instead of
// double-transitioning; ErrStatusConflict tells the caller to re-read and
// decide between an idempotent no-op and an invalid transition. Transitions
// into a terminal status also release the active-request pointer.
func (c *Client) transitionRequest(ctx context.Context, fanID, personaID, requestID string, from, to domain.RequestStatus, updateExpr string, extra map[string]types.AttributeValue) error {
	values := map[string]types.AttributeValue{
		":from": &types.AttributeValueMemberS{Value: string(from)},
		":to":   &types.AttributeValueMemberS{Value: string(to)},
		":ts":   &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
	}
	for k, v := range extra {
		values[k] = v
	}

	pk := convPK(fanID, personaID)
	update := types.TransactWriteItem{
		Update: &types.Update{
			TableName: aws.String(c.tableName),
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: pk},
				"SK": &types.AttributeValueMemberS{Value: reqSK(requestID)},
			},
			UpdateExpression:          aws.String(updateExpr),
			ConditionExpression:       aws.String("#st = :from"),
			ExpressionAttributeNames:  map[string]string{"#st": "status"},
			ExpressionAttributeValues: values,
		},
	}

	items := []types.TransactWriteItem{update}
	if to.Terminal() {
		items = append(items, types.TransactWriteItem{
			Delete: &types.Delete{
				TableName: aws.String(c.tableName),
				Key: map[string]types.AttributeValue{
					"PK": &types.AttributeValueMemberS{Value: pk},
					"SK": &types.AttributeValueMemberS{Value: skActiveReq},
				},
			},
		})
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if memberConditionFailed(err, 0) {
			return ErrStatusConflict
		}
		return fmt.Errorf("repository: transition %s -> %s: %w", from, to, err)
	}
	return nil
}

func requestItem(req domain.ContentRequest) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: convPK(req.FanID, req.PersonaID)},
		"SK":        &types.AttributeValueMemberS{Value: reqSK(req.ID)},
		"id":        &types.AttributeValueMemberS{Value: req.ID},
		"fanId":     &types.AttributeValueMemberS{Value: req.FanID},
		"personaId": &types.AttributeValueMemberS{Value: req.PersonaID},
		"message":   &types.AttributeValueMemberS{Value: req.Message},
		"status":    &types.AttributeValueMemberS{Value: string(req.Status)},
		"createdAt": &types.AttributeValueMemberS{Value: req.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"updatedAt": &types.AttributeValueMemberS{Value: req.UpdatedAt.UTC().Format(time.RFC3339Nano)},
	}
	return item
}

func itemToRequest(item map[string]types.AttributeValue) (domain.ContentRequest, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.ContentRequest{}, err
	}
	fanID, err := strAttr(item, "fanId")
	if err != nil {
		return domain.ContentRequest{}, err
	}
	personaID, err := strAttr(item, "personaId")
	if err != nil {
		return domain.ContentRequest{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.ContentRequest{}, err
	}
	message, _ := strAttr(item, "message")
	holdRef, _ := strAttr(item, "paymentHoldRef")
	mediaRef, _ := strAttr(item, "deliveredMediaRef")
	mediaKind, _ := strAttr(item, "deliveredMediaKind")
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.ContentRequest{}, err
	}
	updatedAt, err := timeAttr(item, "updatedAt")
	if err != nil {
		return domain.ContentRequest{}, err
	}
	var priceCents int64
	if _, ok := item["priceCents"]; ok {
		priceCents, err = intAttr(item, "priceCents")
		if err != nil {
			return domain.ContentRequest{}, err
		}
	}
	return domain.ContentRequest{
		ID:                 id,
		FanID:              fanID,
		PersonaID:          personaID,
		Message:            message,
		Status:             domain.RequestStatus(status),
		PriceCents:         priceCents,
		PaymentHoldRef:     holdRef,
		DeliveredMediaRef:  mediaRef,
		DeliveredMediaKind: domain.MediaKind(mediaKind),
		CreatedAt:          createdAt,
		UpdatedAt:          updatedAt,
	}, nil
}
