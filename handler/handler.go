package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"creator-agent/internal/domain"
	"creator-agent/internal/usecase"
)

// ChatAPI is the conversation surface consumed by the handler.
type ChatAPI interface {
	HandleFanTurn(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
	ListMessages(ctx context.Context, fanID, personaID string, sinceSeq int64) ([]domain.Message, error)
	Automation(ctx context.Context, fanID, personaID string) (bool, error)
	SetAutomation(ctx context.Context, fanID, personaID string, enabled bool) error
}

// RequestAPI is the content-request lifecycle surface.
type RequestAPI interface {
	Create(ctx context.Context, in usecase.CreateRequestInput) (domain.ContentRequest, error)
	Get(ctx context.Context, fanID, personaID, requestID string) (domain.ContentRequest, error)
	SetPrice(ctx context.Context, fanID, personaID, requestID string, priceCents int64) (domain.ContentRequest, error)
	Authorize(ctx context.Context, fanID, personaID, requestID string) (domain.ContentRequest, error)
	Deliver(ctx context.Context, fanID, personaID, requestID, mediaRef string, kind domain.MediaKind) (domain.ContentRequest, error)
	Cancel(ctx context.Context, fanID, personaID, requestID string, by domain.Role) (domain.ContentRequest, error)
}

// SchedulerAPI is the scheduled-trigger sweep invoked on a periodic tick.
type SchedulerAPI interface {
	RunScheduledTick(ctx context.Context, personaID string, fanIDs []string, now time.Time) ([]domain.Message, error)
}

// Handler routes API Gateway proxy events to the engine's operations.
type Handler struct {
	chat      ChatAPI
	requests  RequestAPI
	scheduler SchedulerAPI
	logger    *slog.Logger
}

func NewHandler(chat ChatAPI, requests RequestAPI, scheduler SchedulerAPI, logger *slog.Logger) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat api must not be nil")
	}
	if requests == nil {
		return nil, errors.New("handler: request api must not be nil")
	}
	if scheduler == nil {
		return nil, errors.New("handler: scheduler api must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{chat: chat, requests: requests, scheduler: scheduler, logger: logger}, nil
}

type messageView struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Text      string `json:"text"`
	MediaRef  string `json:"mediaRef,omitempty"`
	MediaKind string `json:"mediaKind,omitempty"`
	Seq       int64  `json:"seq"`
	CreatedAt string `json:"createdAt"`
}

type turnRequest struct {
	Text string `json:"text"`
}

type turnResponse struct {
	Message messageView  `json:"message"`
	Reply   *messageView `json:"reply"`
}

type listResponse struct {
	Messages []messageView `json:"messages"`
	NextSeq  int64         `json:"nextSeq"`
}

type automationResponse struct {
	Enabled bool `json:"enabled"`
}

type automationRequest struct {
	Enabled *bool `json:"enabled"`
}

type createRequestBody struct {
	Message string `json:"message"`
}

type requestActorBody struct {
	FanID      string `json:"fanId"`
	PersonaID  string `json:"personaId"`
	PriceCents int64  `json:"priceCents,omitempty"`
	MediaRef   string `json:"mediaRef,omitempty"`
	MediaKind  string `json:"mediaKind,omitempty"`
	By         string `json:"by,omitempty"`
}

type requestView struct {
	ID                string `json:"id"`
	FanID             string `json:"fanId"`
	PersonaID         string `json:"personaId"`
	Message           string `json:"message"`
	Status            string `json:"status"`
	PriceCents        int64  `json:"priceCents,omitempty"`
	PaymentHoldRef    string `json:"paymentHoldRef,omitempty"`
	DeliveredMediaRef string `json:"deliveredMediaRef,omitempty"`
	CreatedAt         string `json:"createdAt"`
	UpdatedAt         string `json:"updatedAt"`
}

// tickRequest drives one scheduled sweep. FanIDs narrows the sweep to
// specific fans; left empty, the persona's full fan index is swept.
type tickRequest struct {
	PersonaID string   `json:"personaId"`
	FanIDs    []string `json:"fanIds,omitempty"`
}

type tickResponse struct {
	Sent int `json:"sent"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Handle routes one proxy event. All responses carry a correlation id,
// either propagated from the caller or freshly minted.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(event.Headers)
	resp := h.route(ctx, event)
	if resp.Headers == nil {
		resp.Headers = map[string]string{}
	}
	resp.Headers["Content-Type"] = "application/json"
	resp.Headers["X-Correlation-Id"] = corrID
	return resp, nil
}

func (h *Handler) route(ctx context.Context, event events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	segments := pathSegments(event.Path)
	method := strings.ToUpper(event.HTTPMethod)

	switch {
	// /conversations/{fan}/{persona}/...
	case len(segments) == 4 && segments[0] == "conversations":
		fanID, personaID := segments[1], segments[2]
		switch {
		case segments[3] == "messages" && method == http.MethodPost:
			return h.fanTurn(ctx, fanID, personaID, event.Body)
		case segments[3] == "messages" && method == http.MethodGet:
			return h.listMessages(ctx, fanID, personaID, event.QueryStringParameters)
		case segments[3] == "automation" && method == http.MethodGet:
			return h.getAutomation(ctx, fanID, personaID)
		case segments[3] == "automation" && method == http.MethodPut:
			return h.setAutomation(ctx, fanID, personaID, event.Body)
		case segments[3] == "requests" && method == http.MethodPost:
			return h.createRequest(ctx, fanID, personaID, event.Body)
		}

	// /conversations/{fan}/{persona}/requests/{id}
	case len(segments) == 5 && segments[0] == "conversations" && segments[3] == "requests" && method == http.MethodGet:
		return h.getRequest(ctx, segments[1], segments[2], segments[4])

	// /requests/{id}/{action}
	case len(segments) == 3 && segments[0] == "requests" && method == http.MethodPost:
		return h.requestAction(ctx, segments[1], segments[2], event.Body)

	// /scheduler/tick
	case len(segments) == 2 && segments[0] == "scheduler" && segments[1] == "tick" && method == http.MethodPost:
		return h.schedulerTick(ctx, event.Body)
	}

	return errorJSON(http.StatusNotFound, string(usecase.ErrorInvalidInput), "route_not_found")
}

func (h *Handler) fanTurn(ctx context.Context, fanID, personaID, body string) events.APIGatewayProxyResponse {
	var req turnRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return errorJSON(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "malformed_body")
	}
	out, err := h.chat.HandleFanTurn(ctx, usecase.TurnInput{FanID: fanID, PersonaID: personaID, Text: req.Text})
	if err != nil {
		return h.errorResponse(err)
	}
	resp := turnResponse{Message: toMessageView(out.FanMessage)}
	if out.Reply != nil {
		view := toMessageView(*out.Reply)
		resp.Reply = &view
	}
	return okJSON(http.StatusOK, resp)
}

func (h *Handler) listMessages(ctx context.Context, fanID, personaID string, query map[string]string) events.APIGatewayProxyResponse {
	var sinceSeq int64
	if raw, ok := query["since"]; ok && raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return errorJSON(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "malformed_cursor")
		}
		sinceSeq = parsed
	}
	msgs, err := h.chat.ListMessages(ctx, fanID, personaID, sinceSeq)
	if err != nil {
		return h.errorResponse(err)
	}
	resp := listResponse{Messages: make([]messageView, 0, len(msgs)), NextSeq: sinceSeq}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, toMessageView(m))
		if m.Seq > resp.NextSeq {
			resp.NextSeq = m.Seq
		}
	}
	return okJSON(http.StatusOK, resp)
}

func (h *Handler) getAutomation(ctx context.Context, fanID, personaID string) events.APIGatewayProxyResponse {
	enabled, err := h.chat.Automation(ctx, fanID, personaID)
	if err != nil {
		return h.errorResponse(err)
	}
	return okJSON(http.StatusOK, automationResponse{Enabled: enabled})
}

func (h *Handler) setAutomation(ctx context.Context, fanID, personaID, body string) events.APIGatewayProxyResponse {
	var req automationRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil || req.Enabled == nil {
		return errorJSON(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "malformed_body")
	}
	if err := h.chat.SetAutomation(ctx, fanID, personaID, *req.Enabled); err != nil {
		return h.errorResponse(err)
	}
	return okJSON(http.StatusOK, automationResponse{Enabled: *req.Enabled})
}

func (h *Handler) createRequest(ctx context.Context, fanID, personaID, body string) events.APIGatewayProxyResponse {
	var req createRequestBody
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return errorJSON(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "malformed_body")
	}
	out, err := h.requests.Create(ctx, usecase.CreateRequestInput{FanID: fanID, PersonaID: personaID, Message: req.Message})
	if err != nil {
		return h.errorResponse(err)
	}
	return okJSON(http.StatusCreated, toRequestView(out))
}

func (h *Handler) getRequest(ctx context.Context, fanID, personaID, requestID string) events.APIGatewayProxyResponse {
	out, err := h.requests.Get(ctx, fanID, personaID, requestID)
	if err != nil {
		return h.errorResponse(err)
	}
	return okJSON(http.StatusOK, toRequestView(out))
}

func (h *Handler) requestAction(ctx context.Context, requestID, action, body string) events.APIGatewayProxyResponse {
	var req requestActorBody
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return errorJSON(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "malformed_body")
	}

	var (
		out domain.ContentRequest
		err error
	)
	switch action {
	case "price":
		out, err = h.requests.SetPrice(ctx, req.FanID, req.PersonaID, requestID, req.PriceCents)
	case "authorize":
		out, err = h.requests.Authorize(ctx, req.FanID, req.PersonaID, requestID)
	case "deliver":
		out, err = h.requests.Deliver(ctx, req.FanID, req.PersonaID, requestID, req.MediaRef, domain.MediaKind(req.MediaKind))
	case "cancel":
		by := domain.Role(req.By)
		if by == "" {
			by = domain.RoleFan
		}
		out, err = h.requests.Cancel(ctx, req.FanID, req.PersonaID, requestID, by)
	default:
		return errorJSON(http.StatusNotFound, string(usecase.ErrorInvalidInput), "unknown_action")
	}
	if err != nil {
		return h.errorResponse(err)
	}
	return okJSON(http.StatusOK, toRequestView(out))
}

func (h *Handler) schedulerTick(ctx context.Context, body string) events.APIGatewayProxyResponse {
	var req tickRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return errorJSON(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "malformed_body")
	}
	sent, err := h.scheduler.RunScheduledTick(ctx, req.PersonaID, req.FanIDs, time.Now().UTC())
	if err != nil {
		return h.errorResponse(err)
	}
	return okJSON(http.StatusOK, tickResponse{Sent: len(sent)})
}

// errorResponse maps usecase error codes to HTTP statuses. Unknown errors are
// logged and masked as internal.
func (h *Handler) errorResponse(err error) events.APIGatewayProxyResponse {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		h.logger.Error("unexpected error", "err", err)
		return errorJSON(http.StatusInternalServerError, string(usecase.ErrorInternal), "")
	}
	status := http.StatusInternalServerError
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		status = http.StatusBadRequest
	case usecase.ErrorInvalidTransition:
		status = http.StatusConflict
	case usecase.ErrorRateLimited:
		status = http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("internal error", "reason", ucErr.Reason, "err", ucErr.Err)
	}
	return errorJSON(status, string(ucErr.Code), ucErr.Reason)
}

func toMessageView(m domain.Message) messageView {
	return messageView{
		ID:        m.ID,
		Role:      string(m.Role),
		Text:      m.Text,
		MediaRef:  m.MediaRef,
		MediaKind: string(m.MediaKind),
		Seq:       m.Seq,
		CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func toRequestView(r domain.ContentRequest) requestView {
	return requestView{
		ID:                r.ID,
		FanID:             r.FanID,
		PersonaID:         r.PersonaID,
		Message:           r.Message,
		Status:            string(r.Status),
		PriceCents:        r.PriceCents,
		PaymentHoldRef:    r.PaymentHoldRef,
		DeliveredMediaRef: r.DeliveredMediaRef,
		CreatedAt:         r.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:         r.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func okJSON(status int, payload any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(payload)
	if err != nil {
		return errorJSON(http.StatusInternalServerError, string(usecase.ErrorInternal), "encode_error")
	}
	return events.APIGatewayProxyResponse{StatusCode: status, Body: string(body)}
}

func errorJSON(status int, code, reason string) events.APIGatewayProxyResponse {
	body, _ := json.Marshal(errorResponse{Error: code, Reason: reason})
	return events.APIGatewayProxyResponse{StatusCode: status, Body: string(body)}
}

func pathSegments(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, "x-correlation-id") && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
