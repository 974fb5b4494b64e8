package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/applydeck/applydeck/internal/models"
	"github.com/applydeck/applydeck/internal/store"
	"github.com/applydeck/applydeck/internal/utils"
)

// queryer is satisfied by both *sql.DB and *sql.Tx so the same store code
// runs inside and outside a transaction.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements store.EntityStore on an embedded SQLite database.
type Store struct {
	db *sql.DB
	q  queryer
}

func New(db *sql.DB) *Store {
	return &Store{db: db, q: db}
}

var _ store.EntityStore = (*Store)(nil)

func tableFor(kind models.EntityKind) (string, error) {
	tbl, ok := store.TableName(kind)
	if !ok {
		return "", fmt.Errorf("no table for entity kind %q", kind)
	}
	return tbl, nil
}

func (s *Store) Upsert(ctx context.Context, userID string, kind models.EntityKind, id string, data datatypes.JSON, version int64) error {
	tbl, err := tableFor(kind)
	if err != nil {
		return err
	}
	meta := models.DeriveMeta(kind, data)
	now := time.Now().UTC().UnixNano()

	// The conflict target is (user_id, id): a foreign user upserting the
	// same id lands on their own row and can never touch the owner's.
	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, name, job_id, resume_id, data, version, last_modified, created_at, deleted, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL)
		ON CONFLICT (user_id, id) DO UPDATE SET
			name = excluded.name,
			job_id = excluded.job_id,
			resume_id = excluded.resume_id,
			data = excluded.data,
			version = excluded.version,
			last_modified = excluded.last_modified,
			deleted = 0,
			deleted_at = NULL`, tbl)

	_, err = s.q.ExecContext(ctx, query, id, userID, meta.Name, meta.JobID, meta.ResumeID, []byte(data), version, now, now)
	return err
}

const entityColumns = "id, name, job_id, resume_id, data, version, last_modified, created_at, deleted, deleted_at"

func (s *Store) Get(ctx context.Context, userID string, kind models.EntityKind, id string) (*models.Entity, error) {
	tbl, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE user_id = ? AND id = ? AND deleted = 0", entityColumns, tbl)
	row := s.q.QueryRowContext(ctx, query, userID, id)

	e, err := scanEntity(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.UserID = userID
	return e, nil
}

func (s *Store) List(ctx context.Context, userID string, kind models.EntityKind) ([]models.Entity, error) {
	tbl, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE user_id = ? AND deleted = 0 ORDER BY last_modified DESC",
		entityColumns, tbl)
	return s.queryEntities(ctx, userID, query, userID)
}

func (s *Store) ListModifiedAfter(ctx context.Context, userID string, kind models.EntityKind, after time.Time) ([]models.Entity, error) {
	tbl, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	// Soft-deleted rows are included on purpose: the deletion itself has to
	// replicate to other devices.
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE user_id = ? AND last_modified > ? ORDER BY last_modified DESC",
		entityColumns, tbl)
	return s.queryEntities(ctx, userID, query, userID, after.UTC().UnixNano())
}

func (s *Store) SoftDelete(ctx context.Context, userID string, kind models.EntityKind, id string) error {
	tbl, err := tableFor(kind)
	if err != nil {
		return err
	}
	now := time.Now().UTC().UnixNano()
	query := fmt.Sprintf(
		"UPDATE %s SET deleted = 1, deleted_at = ?, last_modified = ? WHERE user_id = ? AND id = ?", tbl)
	// Missing row: zero rows affected, still a success.
	_, err = s.q.ExecContext(ctx, query, now, now, userID, id)
	return err
}

func (s *Store) HardDelete(ctx context.Context, userID string, kind models.EntityKind, id string) error {
	tbl, err := tableFor(kind)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE user_id = ? AND id = ?", tbl), userID, id)
	return err
}

func (s *Store) GetSettings(ctx context.Context, userID string) (*models.Settings, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT data, last_modified FROM settings WHERE user_id = ?", userID)

	var data []byte
	var modified int64
	if err := row.Scan(&data, &modified); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, utils.ErrNotFound
		}
		return nil, err
	}
	return &models.Settings{
		UserID:       userID,
		Data:         datatypes.JSON(data),
		LastModified: time.Unix(0, modified).UTC(),
	}, nil
}

func (s *Store) UpsertSettings(ctx context.Context, userID string, data datatypes.JSON) error {
	now := time.Now().UTC().UnixNano()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO settings (user_id, data, last_modified)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			data = excluded.data,
			last_modified = excluded.last_modified`,
		userID, []byte(data), now)
	return err
}

func (s *Store) UpsertSession(ctx context.Context, userID, deviceID string, deviceName *string) error {
	now := time.Now().UTC().UnixNano()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO sync_sessions (user_id, device_id, device_name, last_sync, sync_count)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT (user_id, device_id) DO UPDATE SET
			last_sync = excluded.last_sync,
			sync_count = sync_count + 1,
			device_name = COALESCE(excluded.device_name, device_name)`,
		userID, deviceID, deviceName, now)
	return err
}

func (s *Store) GetLastSyncTime(ctx context.Context, userID, deviceID string) (*time.Time, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT last_sync FROM sync_sessions WHERE user_id = ? AND device_id = ?", userID, deviceID)

	var last int64
	if err := row.Scan(&last); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t := time.Unix(0, last).UTC()
	return &t, nil
}

func (s *Store) ListSessions(ctx context.Context, userID string) ([]models.SyncSession, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT device_id, device_name, last_sync, sync_count
		FROM sync_sessions WHERE user_id = ? ORDER BY last_sync DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SyncSession
	for rows.Next() {
		var sess models.SyncSession
		var name sql.NullString
		var last int64
		if err := rows.Scan(&sess.DeviceID, &name, &last, &sess.SyncCount); err != nil {
			return nil, err
		}
		sess.UserID = userID
		if name.Valid {
			sess.DeviceName = &name.String
		}
		sess.LastSync = time.Unix(0, last).UTC()
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) Counts(ctx context.Context, userID string) (store.Counts, error) {
	var c store.Counts
	row := s.q.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM jobs WHERE user_id = ? AND deleted = 0),
			(SELECT COUNT(*) FROM resumes WHERE user_id = ? AND deleted = 0),
			(SELECT COUNT(*) FROM cover_letters WHERE user_id = ? AND deleted = 0)`,
		userID, userID, userID)
	err := row.Scan(&c.Jobs, &c.Resumes, &c.CoverLetters)
	return c, err
}

func (s *Store) ResetUser(ctx context.Context, userID string) error {
	return s.WithinTx(ctx, func(tx store.EntityStore) error {
		txs := tx.(*Store)
		for _, tbl := range []string{"jobs", "resumes", "cover_letters", "settings", "sync_sessions"} {
			if _, err := txs.q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE user_id = ?", tbl), userID); err != nil {
				return err
			}
		}
		return nil
	})
}

// WithinTx runs fn against a transaction-bound view of the store. Nested
// calls reuse the enclosing transaction; SQLite does not support nesting.
func (s *Store) WithinTx(ctx context.Context, fn func(store.EntityStore) error) error {
	if _, ok := s.q.(*sql.Tx); ok {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(&Store{db: s.db, q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) queryEntities(ctx context.Context, userID, query string, args ...any) ([]models.Entity, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Entity
	for rows.Next() {
		e, err := scanEntity(rows.Scan)
		if err != nil {
			return nil, err
		}
		e.UserID = userID
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanEntity(scan func(...any) error) (*models.Entity, error) {
	var (
		e               models.Entity
		name            sql.NullString
		jobID, resumeID sql.NullString
		data            []byte
		modified        int64
		created         int64
		deleted         int64
		deletedAt       sql.NullInt64
	)
	if err := scan(&e.ID, &name, &jobID, &resumeID, &data, &e.Version, &modified, &created, &deleted, &deletedAt); err != nil {
		return nil, err
	}
	e.Name = name.String
	if jobID.Valid {
		e.JobID = &jobID.String
	}
	if resumeID.Valid {
		e.ResumeID = &resumeID.String
	}
	e.Data = datatypes.JSON(data)
	e.LastModified = time.Unix(0, modified).UTC()
	e.CreatedAt = time.Unix(0, created).UTC()
	e.Deleted = deleted != 0
	if deletedAt.Valid {
		t := time.Unix(0, deletedAt.Int64).UTC()
		e.DeletedAt = &t
	}
	return &e, nil
}
