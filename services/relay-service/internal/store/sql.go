package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/you/pix-relay/services/relay-service/internal/clock"
)

// KVEntry is one row of the relay_kv table.
type KVEntry struct {
	Key       string `gorm:"primaryKey;size:255"`
	Value     []byte
	ExpiresAt *time.Time `gorm:"index"`
	UpdatedAt time.Time
}

func (KVEntry) TableName() string { return "relay_kv" }

func (e KVEntry) live(now time.Time) bool {
	return e.ExpiresAt == nil || now.Before(*e.ExpiresAt)
}

// SQL keeps records in a single Postgres table. Conditional writes lock the
// row for the duration of the transaction.
type SQL struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewSQL(db *gorm.DB, clk clock.Clock) *SQL {
	return &SQL{db: db, clock: clk}
}

func (s *SQL) Migrate() error {
	return s.db.AutoMigrate(&KVEntry{})
}

func (s *SQL) expiry(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := s.clock.Now().Add(ttl)
	return &t
}

func (s *SQL) upsert(tx *gorm.DB, key string, value []byte, ttl time.Duration) error {
	row := KVEntry{Key: key, Value: value, ExpiresAt: s.expiry(ttl), UpdatedAt: s.clock.Now()}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
	}).Create(&row).Error
}

// insertIfAbsent writes key unless a live row already holds it. The conflict
// clause only overwrites expired rows, so two racing inserts of an absent key
// cannot both succeed.
func (s *SQL) insertIfAbsent(tx *gorm.DB, key string, value []byte, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	row := KVEntry{Key: key, Value: value, ExpiresAt: s.expiry(ttl), UpdatedAt: now}
	res := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}},
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "relay_kv.expires_at IS NOT NULL AND relay_kv.expires_at <= ?", Vars: []any{now}},
		}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
	}).Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// lockRow returns the live row for key, or nil when absent or expired.
func (s *SQL) lockRow(tx *gorm.DB, key string) (*KVEntry, error) {
	var row KVEntry
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !row.live(s.clock.Now()) {
		return nil, nil
	}
	return &row, nil
}

func (s *SQL) Get(ctx context.Context, key string) ([]byte, error) {
	var row KVEntry
	err := s.db.WithContext(ctx).
		Where("key = ? AND (expires_at IS NULL OR expires_at > ?)", key, s.clock.Now()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sql get %s: %w", key, err)
	}
	return row.Value, nil
}

func (s *SQL) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.upsert(s.db.WithContext(ctx), key, value, ttl); err != nil {
		return fmt.Errorf("sql set %s: %w", key, err)
	}
	return nil
}

func (s *SQL) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	written := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := s.lockRow(tx, key)
		if err != nil {
			return err
		}
		if cur != nil {
			return nil
		}
		written, err = s.insertIfAbsent(tx, key, value, ttl)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("sql setnx %s: %w", key, err)
	}
	return written, nil
}

func (s *SQL) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Delete(&KVEntry{}, "key = ?", key).Error; err != nil {
		return fmt.Errorf("sql delete %s: %w", key, err)
	}
	return nil
}

func (s *SQL) CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error) {
	swapped := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := s.lockRow(tx, key)
		if err != nil {
			return err
		}
		if prev == nil {
			if cur != nil {
				return nil
			}
			swapped, err = s.insertIfAbsent(tx, key, next, ttl)
			return err
		}
		if cur == nil || !bytes.Equal(cur.Value, prev) {
			return nil
		}
		swapped = true
		return s.upsert(tx, key, next, ttl)
	})
	if err != nil {
		return false, fmt.Errorf("sql cas %s: %w", key, err)
	}
	return swapped, nil
}

func (s *SQL) Count(ctx context.Context, prefix string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&KVEntry{}).
		Where("key LIKE ? AND (expires_at IS NULL OR expires_at > ?)", escapeLike(prefix)+"%", s.clock.Now()).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("sql count %s: %w", prefix, err)
	}
	return int(n), nil
}

// Purge removes expired rows. Postgres has no native TTL.
func (s *SQL) Purge(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at IS NOT NULL AND expires_at <= ?", s.clock.Now()).Delete(&KVEntry{})
	return res.RowsAffected, res.Error
}

func (s *SQL) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQL) Backend() string { return "sql" }

func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
