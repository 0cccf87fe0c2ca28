package events

import (
	"encoding/json"
	"fmt"
)

// Routing keys published by the relay delivery mirror.
const (
	RKApproved     = "relay.approved"
	RKPending      = "relay.pending"
	RKPixTimeout   = "relay.pix_timeout"
	RKContinuation = "relay.lead_active_continuation"
)

// Delivery is one outbound notification attempt made by the relay.
type Delivery struct {
	ID         string `json:"id"`
	EventType  string `json:"event_type"`
	OrderCode  string `json:"order_code,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Delivered  bool   `json:"delivered"`
	Status     int    `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
	OccurredAt string `json:"occurred_at"`
}

func Decode[T any](b []byte) (T, error) {
	var t T
	if err := json.Unmarshal(b, &t); err != nil {
		var zero T
		return zero, fmt.Errorf("decode payload failed: %w", err)
	}
	return t, nil
}
