package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Payment statuses reported by Perfect Pay in sale_status_enum_key.
const (
	StatusApproved = "approved"
	StatusPending  = "pending"
)

// Outbound event types, sent as event_type and used as the relay.* routing key suffix.
const (
	EventApproved         = "approved"
	EventPending          = "pending"
	EventPixTimeout       = "pix_timeout"
	EventLeadContinuation = "lead_active_continuation"
)

// RoutingKey is the AMQP routing key for an outbound event type.
func RoutingKey(eventType string) string { return "relay." + eventType }

// FlexString accepts a JSON string or number. Perfect Pay is not consistent
// about code and phone fields. Any other JSON value decodes as empty.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	*f = ""
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err == nil {
			*f = FlexString(s)
		}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*f = FlexString(n.String())
	}
	return nil
}

// Amount is a sale amount that never fails decoding. Perfect Pay sends it as a
// number, a dotted or comma-decimal string, an empty string or null; anything
// unparseable decodes as zero and is kept in Malformed.
type Amount struct {
	decimal.Decimal
	Malformed string
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	*a = Amount{}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}

	raw := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &raw); err != nil {
			a.Malformed = string(b)
			return nil
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return nil
		}
	}

	d, err := decimal.NewFromString(raw)
	if err != nil && strings.Count(raw, ",") == 1 && !strings.Contains(raw, ".") {
		d, err = decimal.NewFromString(strings.Replace(raw, ",", ".", 1))
	}
	if err != nil {
		a.Malformed = raw
		return nil
	}
	a.Decimal = d
	return nil
}

func (a Amount) MarshalJSON() ([]byte, error) { return a.Decimal.MarshalJSON() }

type Customer struct {
	FullName       string     `json:"full_name"`
	Phone          FlexString `json:"phone"`
	PhoneExtension FlexString `json:"phone_extension"`
	PhoneAreaCode  FlexString `json:"phone_area_code"`
	PhoneNumber    FlexString `json:"phone_number"`
}

// PaymentEvent is the part of a Perfect Pay webhook the relay reads. The full
// body is kept separately and forwarded untouched.
type PaymentEvent struct {
	Code         FlexString `json:"code"`
	Status       string     `json:"sale_status_enum_key"`
	SaleAmount   Amount     `json:"sale_amount"`
	Customer     *Customer  `json:"customer"`
	Phone        FlexString `json:"phone"`
	BilletURL    string     `json:"billet_url"`
	BilletNumber string     `json:"billet_number"`
}

// DecodePaymentEvent reads the fields the relay needs from a payment webhook.
// A field of the wrong JSON type is left zero and its path is returned in
// skipped; only a body that is not a JSON object is an error.
func DecodePaymentEvent(raw []byte) (ev PaymentEvent, skipped string, err error) {
	err = json.Unmarshal(raw, &ev)
	// json keeps decoding past a type mismatch and reports the first one.
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return ev, typeErr.Field, nil
	}
	if err != nil {
		return PaymentEvent{}, "", err
	}
	return ev, "", nil
}

// RawPhone picks the first non-empty phone representation: the concatenated
// extension+area+number parts, the customer phone, then the root phone.
func (e PaymentEvent) RawPhone() string {
	if c := e.Customer; c != nil {
		if joined := string(c.PhoneExtension) + string(c.PhoneAreaCode) + string(c.PhoneNumber); joined != "" {
			return joined
		}
		if c.Phone != "" {
			return string(c.Phone)
		}
	}
	return string(e.Phone)
}

func (e PaymentEvent) CustomerName() string {
	if e.Customer != nil && e.Customer.FullName != "" {
		return e.Customer.FullName
	}
	return "N/A"
}

// LeadPurchase is stored under lead_purchase:<phone>.
type LeadPurchase struct {
	Timestamp    int64           `json:"timestamp"`
	OriginalData json.RawMessage `json:"original_data"`
	OrderCode    string          `json:"order_code"`
	CustomerName string          `json:"customer_name"`
	Amount       decimal.Decimal `json:"amount"`
	Phone        string          `json:"phone"`
	Status       string          `json:"status"`
}

// Original decodes the stored payment payload.
func (p LeadPurchase) Original() PaymentEvent {
	var e PaymentEvent
	_ = json.Unmarshal(p.OriginalData, &e)
	return e
}

// LeadResponse is stored under lead_response:<phone>.
type LeadResponse struct {
	Timestamp int64           `json:"timestamp"`
	Message   string          `json:"message"`
	Phone     string          `json:"phone"`
	FullData  json.RawMessage `json:"full_data"`
}

// PendingPix is stored under pending_pix:<order_code> while the countdown runs.
type PendingPix struct {
	Data          json.RawMessage `json:"data"`
	CreatedAt     time.Time       `json:"created_at"`
	CustomerName  string          `json:"customer_name"`
	Amount        decimal.Decimal `json:"amount"`
	CustomerPhone string          `json:"customer_phone"`
}

// Delivery is what the relay mirrors onto the relay exchange for every
// outbound notification, delivered or not.
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
