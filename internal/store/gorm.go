package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Entry is the relational row behind the KV contract. Used by the
// table-backed deployment variant.
type Entry struct {
	Key       string `gorm:"primaryKey;column:key"`
	Value     []byte
	ExpiresAt *time.Time
	UpdatedAt time.Time
}

// GormStore backs the KV contract with a relational table.
type GormStore struct {
	db        *gorm.DB
	tableName string
}

func NewGormStore(db *gorm.DB, tableName string) (*GormStore, error) {
	if tableName == "" {
		tableName = "kv_entries"
	}
	if err := db.Table(tableName).AutoMigrate(&Entry{}); err != nil {
		return nil, err
	}
	return &GormStore{
		db:        db,
		tableName: tableName,
	}, nil
}

func (s *GormStore) Get(ctx context.Context, key string) ([]byte, error) {
	var entry Entry
	err := s.db.WithContext(ctx).Table(s.tableName).
		Where("key = ?", key).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if entry.ExpiresAt != nil && entry.ExpiresAt.Before(time.Now()) {
		return nil, ErrNotFound
	}
	return entry.Value, nil
}

func (s *GormStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	entry := Entry{
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now(),
	}
	if ttl > 0 {
		expires := time.Now().Add(ttl)
		entry.ExpiresAt = &expires
	}
	return s.db.WithContext(ctx).Table(s.tableName).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
		}).Create(&entry).Error
}

func (s *GormStore) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Table(s.tableName).
		Where("key = ?", key).
		Delete(&Entry{}).Error
}
