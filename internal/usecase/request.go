package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"creator-agent/internal/domain"
	"creator-agent/internal/repository"
)

type requestAction string

const (
	actionSetPrice  requestAction = "set_price"
	actionAuthorize requestAction = "authorize"
	actionDeliver   requestAction = "deliver"
	actionCancel    requestAction = "cancel"
)

// transitionTable is the whole lifecycle graph. Anything not listed here is
// an invalid transition; in particular authorized -> cancelled is absent
// because cancelling an authorized request needs a refund of the payment
// hold first.
var transitionTable = map[domain.RequestStatus]map[requestAction]domain.RequestStatus{
	domain.RequestPending: {
		actionSetPrice: domain.RequestPriced,
		actionCancel:   domain.RequestCancelled,
	},
	domain.RequestPriced: {
		actionAuthorize: domain.RequestAuthorized,
		actionCancel:    domain.RequestCancelled,
	},
	domain.RequestAuthorized: {
		actionDeliver: domain.RequestDelivered,
	},
}

// actionTargets maps each action to the state it lands in, used to recognise
// idempotent re-invocations: an action applied to a row already in its target
// state is a no-op returning the row unchanged.
var actionTargets = map[requestAction]domain.RequestStatus{
	actionSetPrice:  domain.RequestPriced,
	actionAuthorize: domain.RequestAuthorized,
	actionDeliver:   domain.RequestDelivered,
	actionCancel:    domain.RequestCancelled,
}

// ContentRequestStore is the durable request state with compare-and-set
// transitions.
type ContentRequestStore interface {
	CreateContentRequest(ctx context.Context, req domain.ContentRequest) error
	GetContentRequest(ctx context.Context, fanID, personaID, requestID string) (domain.ContentRequest, error)
	PriceRequest(ctx context.Context, fanID, personaID, requestID string, priceCents int64) error
	AuthorizeRequest(ctx context.Context, fanID, personaID, requestID, holdRef string) error
	DeliverRequest(ctx context.Context, fanID, personaID, requestID, mediaRef string, kind domain.MediaKind) error
	CancelRequest(ctx context.Context, fanID, personaID, requestID string, from domain.RequestStatus) error
}

// MessageAppender is the slice of the conversation store the lifecycle uses
// to surface status changes inline in chat.
type MessageAppender interface {
	NextSeq(ctx context.Context, fanID, personaID string, countFanMessage bool) (int64, int, error)
	PutMessage(ctx context.Context, msg domain.Message) error
}

// PaymentClient places a hold on the fan's payment method.
type PaymentClient interface {
	Authorize(ctx context.Context, amountCents int64, currency, reference string) (string, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// RequestService drives a content request through its lifecycle. Each
// successful transition appends a status line to the conversation so both
// parties see it while polling.
type RequestService struct {
	store    ContentRequestStore
	conv     MessageAppender
	payments PaymentClient
	logger   *slog.Logger
}

type CreateRequestInput struct {
	FanID     string
	PersonaID string
	Message   string
}

func NewRequestService(store ContentRequestStore, conv MessageAppender, payments PaymentClient, logger *slog.Logger) (*RequestService, error) {
	if store == nil {
		return nil, errors.New("usecase: content request store must not be nil")
	}
	if conv == nil {
		return nil, errors.New("usecase: message appender must not be nil")
	}
	if payments == nil {
		return nil, errors.New("usecase: payment client must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestService{store: store, conv: conv, payments: payments, logger: logger}, nil
}

// Create opens a new content request. While another request for the pair is
// non-terminal the submission is rejected rather than silently superseding
// the open one.
func (s *RequestService) Create(ctx context.Context, in CreateRequestInput) (domain.ContentRequest, error) {
	if err := validatePair(in.FanID, in.PersonaID); err != nil {
		return domain.ContentRequest{}, err
	}
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return domain.ContentRequest{}, newError(ErrorInvalidInput, "empty_request_message", nil)
	}

	now := time.Now().UTC()
	req := domain.ContentRequest{
		ID:        uuid.NewString(),
		FanID:     in.FanID,
		PersonaID: in.PersonaID,
		Message:   message,
		Status:    domain.RequestPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateContentRequest(ctx, req); err != nil {
		if errors.Is(err, repository.ErrRequestAlreadyOpen) {
			return domain.ContentRequest{}, newError(ErrorInvalidInput, "request_already_open", nil)
		}
		return domain.ContentRequest{}, newError(ErrorInternal, "request_write_error", err)
	}

	s.appendStatusLine(ctx, req, domain.RoleFan,
		fmt.Sprintf("Requested custom content: %s", message), "", "")
	return req, nil
}

// Get returns the current state of a request.
func (s *RequestService) Get(ctx context.Context, fanID, personaID, requestID string) (domain.ContentRequest, error) {
	if err := validatePair(fanID, personaID); err != nil {
		return domain.ContentRequest{}, err
	}
	return s.load(ctx, fanID, personaID, requestID)
}

// SetPrice performs pending -> priced. Price is immutable afterwards.
func (s *RequestService) SetPrice(ctx context.Context, fanID, personaID, requestID string, priceCents int64) (domain.ContentRequest, error) {
	if err := validatePair(fanID, personaID); err != nil {
		return domain.ContentRequest{}, err
	}
	if priceCents <= 0 {
		return domain.ContentRequest{}, newError(ErrorInvalidInput, "invalid_price", nil)
	}
	req, err := s.load(ctx, fanID, personaID, requestID)
	if err != nil {
		return domain.ContentRequest{}, err
	}
	if done, res, err := s.resolve(req, actionSetPrice); done {
		return res, err
	}

	if err := s.store.PriceRequest(ctx, fanID, personaID, requestID, priceCents); err != nil {
		return s.handleTransitionErr(ctx, fanID, personaID, requestID, actionSetPrice, err)
	}
	req.Status = domain.RequestPriced
	req.PriceCents = priceCents

	s.appendStatusLine(ctx, req, domain.RolePersona,
		fmt.Sprintf("I'd love to make that for you! It'll be %s 💫", formatPrice(priceCents)), "", "")
	return req, nil
}

// Authorize performs priced -> authorized, placing a payment hold for the
// priced amount first. A failed hold leaves the request priced.
func (s *RequestService) Authorize(ctx context.Context, fanID, personaID, requestID string) (domain.ContentRequest, error) {
	if err := validatePair(fanID, personaID); err != nil {
		return domain.ContentRequest{}, err
	}
	req, err := s.load(ctx, fanID, personaID, requestID)
	if err != nil {
		return domain.ContentRequest{}, err
	}
	if done, res, err := s.resolve(req, actionAuthorize); done {
		return res, err
	}

	holdRef, err := s.payments.Authorize(ctx, req.PriceCents, "usd", req.ID)
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return domain.ContentRequest{}, newError(ErrorRateLimited, "payment_rate_limited", err)
		}
		return domain.ContentRequest{}, newError(ErrorUpstream, "payment_authorize_error", err)
	}

	if err := s.store.AuthorizeRequest(ctx, fanID, personaID, requestID, holdRef); err != nil {
		return s.handleTransitionErr(ctx, fanID, personaID, requestID, actionAuthorize, err)
	}
	req.Status = domain.RequestAuthorized
	req.PaymentHoldRef = holdRef

	s.appendStatusLine(ctx, req, domain.RoleFan,
		fmt.Sprintf("Payment of %s authorized ✅", formatPrice(req.PriceCents)), "", "")
	return req, nil
}

// Deliver performs authorized -> delivered. The status line carries the
// delivered media so the fan receives it inline in chat.
func (s *RequestService) Deliver(ctx context.Context, fanID, personaID, requestID, mediaRef string, kind domain.MediaKind) (domain.ContentRequest, error) {
	if err := validatePair(fanID, personaID); err != nil {
		return domain.ContentRequest{}, err
	}
	if strings.TrimSpace(mediaRef) == "" {
		return domain.ContentRequest{}, newError(ErrorInvalidInput, "missing_media_ref", nil)
	}
	if kind != domain.MediaPhoto && kind != domain.MediaVideo {
		return domain.ContentRequest{}, newError(ErrorInvalidInput, "invalid_media_kind", nil)
	}
	req, err := s.load(ctx, fanID, personaID, requestID)
	if err != nil {
		return domain.ContentRequest{}, err
	}
	if done, res, err := s.resolve(req, actionDeliver); done {
		return res, err
	}

	if err := s.store.DeliverRequest(ctx, fanID, personaID, requestID, mediaRef, kind); err != nil {
		return s.handleTransitionErr(ctx, fanID, personaID, requestID, actionDeliver, err)
	}
	req.Status = domain.RequestDelivered
	req.DeliveredMediaRef = mediaRef
	req.DeliveredMediaKind = kind

	s.appendStatusLine(ctx, req, domain.RolePersona,
		"Here's your custom content, made just for you 🎁", mediaRef, string(kind))
	return req, nil
}

// Cancel performs pending|priced -> cancelled. Cancelling an authorized
// request is rejected: the payment hold must be voided first, which is a
// separate flow.
func (s *RequestService) Cancel(ctx context.Context, fanID, personaID, requestID string, by domain.Role) (domain.ContentRequest, error) {
	if err := validatePair(fanID, personaID); err != nil {
		return domain.ContentRequest{}, err
	}
	if by != domain.RoleFan && by != domain.RolePersona {
		return domain.ContentRequest{}, newError(ErrorInvalidInput, "invalid_role", nil)
	}
	req, err := s.load(ctx, fanID, personaID, requestID)
	if err != nil {
		return domain.ContentRequest{}, err
	}
	if done, res, err := s.resolve(req, actionCancel); done {
		return res, err
	}

	if err := s.store.CancelRequest(ctx, fanID, personaID, requestID, req.Status); err != nil {
		return s.handleTransitionErr(ctx, fanID, personaID, requestID, actionCancel, err)
	}
	req.Status = domain.RequestCancelled

	s.appendStatusLine(ctx, req, by, "The custom content request was cancelled.", "", "")
	return req, nil
}

func (s *RequestService) load(ctx context.Context, fanID, personaID, requestID string) (domain.ContentRequest, error) {
	if strings.TrimSpace(requestID) == "" {
		return domain.ContentRequest{}, newError(ErrorInvalidInput, "missing_request_id", nil)
	}
	req, err := s.store.GetContentRequest(ctx, fanID, personaID, requestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.ContentRequest{}, newError(ErrorInvalidInput, "unknown_request", nil)
		}
		return domain.ContentRequest{}, newError(ErrorInternal, "request_read_error", err)
	}
	return req, nil
}

// resolve consults the transition table. done=true short-circuits the caller:
// either an idempotent no-op (res holds the unchanged row) or an invalid
// transition error.
func (s *RequestService) resolve(req domain.ContentRequest, action requestAction) (bool, domain.ContentRequest, error) {
	if _, ok := transitionTable[req.Status][action]; ok {
		return false, domain.ContentRequest{}, nil
	}
	if actionTargets[action] == req.Status {
		return true, req, nil
	}
	return true, domain.ContentRequest{}, newError(ErrorInvalidTransition,
		fmt.Sprintf("cannot %s from %s", action, req.Status), nil)
}

// handleTransitionErr turns a CAS conflict into either an idempotent result
// or an invalid-transition error by re-reading the row.
func (s *RequestService) handleTransitionErr(ctx context.Context, fanID, personaID, requestID string, action requestAction, err error) (domain.ContentRequest, error) {
	if !errors.Is(err, repository.ErrStatusConflict) {
		return domain.ContentRequest{}, newError(ErrorInternal, "request_write_error", err)
	}
	current, loadErr := s.load(ctx, fanID, personaID, requestID)
	if loadErr != nil {
		return domain.ContentRequest{}, loadErr
	}
	if actionTargets[action] == current.Status {
		return current, nil
	}
	return domain.ContentRequest{}, newError(ErrorInvalidTransition,
		fmt.Sprintf("cannot %s from %s", action, current.Status), nil)
}

// appendStatusLine posts a lifecycle update into the conversation as the
// acting party. These are user-action receipts, not automated replies, so
// they bypass the automation gate. Failures are logged and swallowed: the
// transition itself already committed.
func (s *RequestService) appendStatusLine(ctx context.Context, req domain.ContentRequest, role domain.Role, text, mediaRef, mediaKind string) {
	seq, _, err := s.conv.NextSeq(ctx, req.FanID, req.PersonaID, false)
	if err != nil {
		s.logger.Warn("status line sequence allocation failed", "request", req.ID, "err", err)
		return
	}
	msg := domain.Message{
		ID:        uuid.NewString(),
		FanID:     req.FanID,
		PersonaID: req.PersonaID,
		Role:      role,
		Text:      text,
		MediaRef:  mediaRef,
		MediaKind: domain.MediaKind(mediaKind),
		Seq:       seq,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.conv.PutMessage(ctx, msg); err != nil {
		s.logger.Warn("status line append failed", "request", req.ID, "err", err)
	}
}

func formatPrice(cents int64) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
