// Package postgres implements store.EntityStore on PostgreSQL through GORM.
// It is the networked, pooled counterpart of the embedded SQLite store and
// must match its observable behavior exactly.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/applydeck/applydeck/internal/models"
	"github.com/applydeck/applydeck/internal/store"
	"github.com/applydeck/applydeck/internal/utils"
)

// Store implements store.EntityStore on a pooled PostgreSQL connection.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

var _ store.EntityStore = (*Store)(nil)

// AutoMigrate creates or updates the schema. The three entity tables share
// one row shape; settings and sync_sessions have their own models.
func (s *Store) AutoMigrate() error {
	for _, kind := range models.RowKinds {
		tbl, _ := store.TableName(kind)
		if err := s.db.Table(tbl).AutoMigrate(&models.Entity{}); err != nil {
			return fmt.Errorf("migrate %s: %w", tbl, err)
		}
	}
	return s.db.AutoMigrate(&models.Settings{}, &models.SyncSession{})
}

func (s *Store) table(kind models.EntityKind) (*gorm.DB, error) {
	tbl, ok := store.TableName(kind)
	if !ok {
		return nil, fmt.Errorf("no table for entity kind %q", kind)
	}
	return s.db.Table(tbl), nil
}

func (s *Store) Upsert(ctx context.Context, userID string, kind models.EntityKind, id string, data datatypes.JSON, version int64) error {
	tx, err := s.table(kind)
	if err != nil {
		return err
	}
	meta := models.DeriveMeta(kind, data)
	now := time.Now().UTC()

	row := models.Entity{
		ID:           id,
		UserID:       userID,
		Name:         meta.Name,
		JobID:        meta.JobID,
		ResumeID:     meta.ResumeID,
		Data:         data,
		Version:      version,
		LastModified: now,
		CreatedAt:    now,
	}
	// Conflict target (user_id, id): an id owned by another user resolves to
	// this user's own row, never to the foreign one.
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"name":          meta.Name,
				"job_id":        meta.JobID,
				"resume_id":     meta.ResumeID,
				"data":          data,
				"version":       version,
				"last_modified": now,
				"deleted":       false,
				"deleted_at":    nil,
			}),
		}).
		Create(&row).Error
}

func (s *Store) Get(ctx context.Context, userID string, kind models.EntityKind, id string) (*models.Entity, error) {
	tx, err := s.table(kind)
	if err != nil {
		return nil, err
	}
	var e models.Entity
	err = tx.WithContext(ctx).
		Where("user_id = ? AND id = ? AND deleted = ?", userID, id, false).
		Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) List(ctx context.Context, userID string, kind models.EntityKind) ([]models.Entity, error) {
	tx, err := s.table(kind)
	if err != nil {
		return nil, err
	}
	var rows []models.Entity
	err = tx.WithContext(ctx).
		Where("user_id = ? AND deleted = ?", userID, false).
		Order("last_modified DESC").
		Find(&rows).Error
	return rows, err
}

func (s *Store) ListModifiedAfter(ctx context.Context, userID string, kind models.EntityKind, after time.Time) ([]models.Entity, error) {
	tx, err := s.table(kind)
	if err != nil {
		return nil, err
	}
	// Deleted rows stay in the delta so deletions replicate.
	var rows []models.Entity
	err = tx.WithContext(ctx).
		Where("user_id = ? AND last_modified > ?", userID, after.UTC()).
		Order("last_modified DESC").
		Find(&rows).Error
	return rows, err
}

func (s *Store) SoftDelete(ctx context.Context, userID string, kind models.EntityKind, id string) error {
	tx, err := s.table(kind)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	// Zero rows affected (missing or foreign id) is still a success.
	return tx.WithContext(ctx).
		Where("user_id = ? AND id = ?", userID, id).
		Updates(map[string]any{
			"deleted":       true,
			"deleted_at":    now,
			"last_modified": now,
		}).Error
}

func (s *Store) HardDelete(ctx context.Context, userID string, kind models.EntityKind, id string) error {
	tx, err := s.table(kind)
	if err != nil {
		return err
	}
	return tx.WithContext(ctx).
		Where("user_id = ? AND id = ?", userID, id).
		Delete(&models.Entity{}).Error
}

func (s *Store) GetSettings(ctx context.Context, userID string) (*models.Settings, error) {
	var row models.Settings
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Store) UpsertSettings(ctx context.Context, userID string, data datatypes.JSON) error {
	now := time.Now().UTC()
	row := models.Settings{UserID: userID, Data: data, LastModified: now}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"data":          data,
				"last_modified": now,
			}),
		}).
		Create(&row).Error
}

func (s *Store) UpsertSession(ctx context.Context, userID, deviceID string, deviceName *string) error {
	now := time.Now().UTC()
	row := models.SyncSession{
		UserID:     userID,
		DeviceID:   deviceID,
		DeviceName: deviceName,
		LastSync:   now,
		SyncCount:  1,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "device_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"last_sync":   now,
				"sync_count":  gorm.Expr("sync_sessions.sync_count + 1"),
				"device_name": gorm.Expr("COALESCE(excluded.device_name, sync_sessions.device_name)"),
			}),
		}).
		Create(&row).Error
}

func (s *Store) GetLastSyncTime(ctx context.Context, userID, deviceID string) (*time.Time, error) {
	var row models.SyncSession
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND device_id = ?", userID, deviceID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t := row.LastSync.UTC()
	return &t, nil
}

func (s *Store) ListSessions(ctx context.Context, userID string) ([]models.SyncSession, error) {
	var rows []models.SyncSession
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_sync DESC").
		Find(&rows).Error
	return rows, err
}

func (s *Store) Counts(ctx context.Context, userID string) (store.Counts, error) {
	var c store.Counts
	for _, it := range []struct {
		kind models.EntityKind
		dst  *int64
	}{
		{models.KindJob, &c.Jobs},
		{models.KindResume, &c.Resumes},
		{models.KindCoverLetter, &c.CoverLetters},
	} {
		tx, err := s.table(it.kind)
		if err != nil {
			return c, err
		}
		if err := tx.WithContext(ctx).
			Where("user_id = ? AND deleted = ?", userID, false).
			Count(it.dst).Error; err != nil {
			return c, err
		}
	}
	return c, nil
}

func (s *Store) ResetUser(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, kind := range models.RowKinds {
			tbl, _ := store.TableName(kind)
			if err := tx.Table(tbl).Where("user_id = ?", userID).Delete(&models.Entity{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("user_id = ?", userID).Delete(&models.Settings{}).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ?", userID).Delete(&models.SyncSession{}).Error
	})
}

// WithinTx holds one pooled connection for the duration of fn and always
// releases it, even when fn fails mid-batch.
func (s *Store) WithinTx(ctx context.Context, fn func(store.EntityStore) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}
