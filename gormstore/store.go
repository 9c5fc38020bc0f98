// Package gormstore provides the durable PresenceStore backed by a
// relational database through GORM. It holds the long-lived per-identity
// isOnline flag and lastActiveAt timestamp that outlive gateway restarts.
package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	beacon "github.com/opsdeck/beacon"
)

type presenceRow struct {
	Identity     string    `gorm:"primaryKey;column:identity;size:128"`
	IsOnline     bool      `gorm:"column:is_online;index:idx_presence_stale"`
	LastActiveAt time.Time `gorm:"column:last_active_at;index:idx_presence_stale"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (presenceRow) TableName() string {
	return "user_presence"
}

type Store struct {
	db *gorm.DB
}

// New creates a presence store on the given database handle and migrates
// the presence table.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&presenceRow{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) GetPresence(ctx context.Context, identity string) (beacon.PresenceRecord, bool, error) {
	var row presenceRow

	err := s.db.WithContext(ctx).Where("identity = ?", identity).First(&row).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return beacon.PresenceRecord{}, false, nil
	}
	if err != nil {
		return beacon.PresenceRecord{}, false, err
	}
	return beacon.PresenceRecord{
		Identity:     row.Identity,
		IsOnline:     row.IsOnline,
		LastActiveAt: row.LastActiveAt,
	}, true, nil
}

func (s *Store) SetPresence(ctx context.Context, identity string, online bool, lastActive time.Time) error {
	row := presenceRow{
		Identity:     identity,
		IsOnline:     online,
		LastActiveAt: lastActive,
		UpdatedAt:    time.Now(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_online", "last_active_at", "updated_at"}),
	}).Create(&row).Error
}

// FindStaleOnline returns identities still flagged online whose last
// activity predates the threshold. Used by the reconciler.
func (s *Store) FindStaleOnline(ctx context.Context, threshold time.Time) ([]string, error) {
	var identities []string

	err := s.db.WithContext(ctx).Model(&presenceRow{}).
		Where("is_online = ? AND last_active_at < ?", true, threshold).
		Pluck("identity", &identities).Error

	return identities, err
}

// BatchSetActivity marks every listed identity online with the given
// activity timestamp in one statement per missing-row upsert batch.
func (s *Store) BatchSetActivity(ctx context.Context, identities []string, at time.Time) error {
	if len(identities) == 0 {
		return nil
	}
	rows := make([]presenceRow, 0, len(identities))

	for _, identity := range identities {
		rows = append(rows, presenceRow{
			Identity:     identity,
			IsOnline:     true,
			LastActiveAt: at,
			UpdatedAt:    time.Now(),
		})
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_online", "last_active_at", "updated_at"}),
	}).Create(&rows).Error
}
