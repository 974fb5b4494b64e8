// Package store defines the backend-agnostic persistence contract for
// synchronized entities. Two implementations exist: an embedded single-writer
// SQLite store and a pooled PostgreSQL store. They must be observably
// identical; callers depend only on this interface.
package store

import (
	"context"
	"time"

	"gorm.io/datatypes"

	"github.com/applydeck/applydeck/internal/models"
)

// Counts holds per-kind totals of non-deleted entities for one user.
type Counts struct {
	Jobs         int64 `json:"jobs"`
	Resumes      int64 `json:"resumes"`
	CoverLetters int64 `json:"coverLetters"`
}

// EntityStore is the full persistence contract.
//
// Semantics shared by all implementations:
//   - Every write predicate includes the user id. A write against an id the
//     user does not own affects zero rows of anyone else's data.
//   - Upsert persists data and version verbatim (last write wins, no
//     optimistic rejection), stamps LastModified server-side and clears any
//     soft-delete state.
//   - SoftDelete is idempotent and a no-op success for missing rows.
//   - Get and List exclude soft-deleted rows; ListModifiedAfter includes
//     them so deletions replicate to other devices.
//   - List and ListModifiedAfter order by LastModified descending.
type EntityStore interface {
	Upsert(ctx context.Context, userID string, kind models.EntityKind, id string, data datatypes.JSON, version int64) error
	Get(ctx context.Context, userID string, kind models.EntityKind, id string) (*models.Entity, error)
	List(ctx context.Context, userID string, kind models.EntityKind) ([]models.Entity, error)
	ListModifiedAfter(ctx context.Context, userID string, kind models.EntityKind, after time.Time) ([]models.Entity, error)
	SoftDelete(ctx context.Context, userID string, kind models.EntityKind, id string) error
	HardDelete(ctx context.Context, userID string, kind models.EntityKind, id string) error

	GetSettings(ctx context.Context, userID string) (*models.Settings, error)
	UpsertSettings(ctx context.Context, userID string, data datatypes.JSON) error

	UpsertSession(ctx context.Context, userID, deviceID string, deviceName *string) error
	GetLastSyncTime(ctx context.Context, userID, deviceID string) (*time.Time, error)
	ListSessions(ctx context.Context, userID string) ([]models.SyncSession, error)

	Counts(ctx context.Context, userID string) (Counts, error)

	// ResetUser hard-deletes every row the user owns, across all entity
	// tables, settings and sync sessions, in one transaction.
	ResetUser(ctx context.Context, userID string) error

	// WithinTx runs fn against a store view bound to a single transaction.
	// Returning an error rolls the transaction back. Batch application uses
	// this so a batch's writes become durable together; it does not make the
	// batch all-or-nothing at the item level.
	WithinTx(ctx context.Context, fn func(EntityStore) error) error
}

// TableName maps a row-backed kind to its table. Settings has its own table
// and is not addressed through this mapping.
func TableName(kind models.EntityKind) (string, bool) {
	switch kind {
	case models.KindJob:
		return "jobs", true
	case models.KindResume:
		return "resumes", true
	case models.KindCoverLetter:
		return "cover_letters", true
	default:
		return "", false
	}
}
