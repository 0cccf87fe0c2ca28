// Package journal records notable relay activity both to the process log and
// to a bounded list of recent entries shown on the debug endpoint.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/you/pix-relay/services/relay-service/internal/clock"
)

// Entry types.
const (
	TypeInfo            = "info"
	TypeSuccess         = "success"
	TypeError           = "error"
	TypeTimeout         = "timeout"
	TypeWebhookReceived = "webhook_received"
	TypeWebhookSent     = "webhook_sent"
)

type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Data      any       `json:"data,omitempty"`
}

// Sink keeps the most recent entries, newest first.
type Sink interface {
	Push(ctx context.Context, e Entry) error
	Recent(ctx context.Context, n int) ([]Entry, error)
}

type Journal struct {
	sink  Sink
	clock clock.Clock
	log   *slog.Logger
}

func New(sink Sink, clk clock.Clock, log *slog.Logger) *Journal {
	if log == nil {
		log = slog.Default()
	}
	return &Journal{sink: sink, clock: clk, log: log}
}

// Add logs the entry and appends it to the sink. Sink failures are logged only.
func (j *Journal) Add(ctx context.Context, typ, msg string, data any) {
	e := Entry{Timestamp: j.clock.Now(), Type: typ, Message: msg, Data: data}

	level := slog.LevelInfo
	if typ == TypeError {
		level = slog.LevelError
	}
	j.log.Log(ctx, level, "[relay] "+msg, "type", typ)

	if err := j.sink.Push(ctx, e); err != nil {
		j.log.Warn("[journal] push failed", "err", err)
	}
}

func (j *Journal) Recent(ctx context.Context, n int) ([]Entry, error) {
	return j.sink.Recent(ctx, n)
}

// MemorySink is a fixed-size ring.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = 200
	}
	return &MemorySink{entries: make([]Entry, capacity)}
}

func (m *MemorySink) Push(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[m.next] = e
	m.next = (m.next + 1) % len(m.entries)
	if m.next == 0 {
		m.full = true
	}
	return nil
}

func (m *MemorySink) Recent(_ context.Context, n int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	size := m.next
	if m.full {
		size = len(m.entries)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Entry, 0, n)
	for i := 1; i <= n; i++ {
		idx := (m.next - i + len(m.entries)) % len(m.entries)
		out = append(out, m.entries[idx])
	}
	return out, nil
}

// RedisSink keeps entries in a capped Redis list that expires when idle.
type RedisSink struct {
	rdb      *redis.Client
	key      string
	capacity int64
	ttl      time.Duration
}

func NewRedisSink(rdb *redis.Client, capacity int64, ttl time.Duration) *RedisSink {
	return &RedisSink{rdb: rdb, key: "system_logs", capacity: capacity, ttl: ttl}
}

func (r *RedisSink) Push(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.LPush(ctx, r.key, raw)
	pipe.LTrim(ctx, r.key, 0, r.capacity-1)
	if r.ttl > 0 {
		pipe.Expire(ctx, r.key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push journal entry: %w", err)
	}
	return nil
}

func (r *RedisSink) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = int(r.capacity)
	}
	raws, err := r.rdb.LRange(ctx, r.key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	out := make([]Entry, 0, len(raws))
	for _, raw := range raws {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
