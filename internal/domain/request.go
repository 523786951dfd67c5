package domain

import "time"

// RequestStatus is the lifecycle state of a content request.
type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestPriced     RequestStatus = "priced"
	RequestAuthorized RequestStatus = "authorized"
	RequestDelivered  RequestStatus = "delivered"
	RequestCancelled  RequestStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RequestStatus) Terminal() bool {
	return s == RequestDelivered || s == RequestCancelled
}

// ContentRequest is a fan-initiated order for bespoke creator content.
// PriceCents is set once during pricing, PaymentHoldRef once during
// authorization and DeliveredMediaRef once during delivery; none of them
// change afterwards.
type ContentRequest struct {
	ID                 string
	PersonaID          string
	FanID              string
	Message            string
	Status             RequestStatus
	PriceCents         int64
	PaymentHoldRef     string
	DeliveredMediaRef  string
	DeliveredMediaKind MediaKind
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
