// Package store holds the relay's short-lived lead and order records behind one
// key-value abstraction, so the same handler code runs against process memory,
// Redis or Postgres.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("store: key not found")

// Key namespaces.
const (
	PrefixPendingPix   = "pending_pix:"
	PrefixLeadPurchase = "lead_purchase:"
	PrefixLeadResponse = "lead_response:"
	PrefixDuplicate    = "dup:"
)

func PendingPixKey(orderCode string) string { return PrefixPendingPix + orderCode }
func LeadPurchaseKey(phone string) string   { return PrefixLeadPurchase + phone }
func LeadResponseKey(phone string) string   { return PrefixLeadResponse + phone }
func DuplicateKey(requestID string) string  { return PrefixDuplicate + requestID }

// Store is a TTL-aware key-value store. A ttl of zero means no expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// CompareAndSwap replaces the value of key with next only when the current
	// value equals prev. A nil prev means the key must be absent.
	CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error)
	// Count returns the number of live keys starting with prefix.
	Count(ctx context.Context, prefix string) (int, error)
	Ping(ctx context.Context) error
	Backend() string
	Close() error
}

// Stats is the per-namespace key count shown on the status endpoints.
type Stats struct {
	LeadPurchases int `json:"total_leads_purchases"`
	LeadResponses int `json:"total_leads_responses"`
	PendingPix    int `json:"total_pending_pix"`
}

// CollectStats counts the relay namespaces in s.
func CollectStats(ctx context.Context, s Store) (Stats, error) {
	var st Stats
	var err error
	if st.LeadPurchases, err = s.Count(ctx, PrefixLeadPurchase); err != nil {
		return Stats{}, fmt.Errorf("count lead purchases: %w", err)
	}
	if st.LeadResponses, err = s.Count(ctx, PrefixLeadResponse); err != nil {
		return Stats{}, fmt.Errorf("count lead responses: %w", err)
	}
	if st.PendingPix, err = s.Count(ctx, PrefixPendingPix); err != nil {
		return Stats{}, fmt.Errorf("count pending pix: %w", err)
	}
	return st, nil
}

// GetJSON loads key and decodes it into a T.
func GetJSON[T any](ctx context.Context, s Store, key string) (T, error) {
	var v T
	raw, err := s.Get(ctx, key)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw, ttl)
}
