package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/applydeck/applydeck/internal/cache"
	"github.com/applydeck/applydeck/internal/models"
	"github.com/applydeck/applydeck/internal/notify"
	"github.com/applydeck/applydeck/internal/store"
	"github.com/applydeck/applydeck/internal/utils"
)

// ExportVersion tags export snapshots so a future importer can tell what it
// is looking at.
const ExportVersion = "1.0.0"

const statusTTL = 30 * time.Second

// PullData carries server-side deltas per kind. Kinds with no changes (or
// not requested) are omitted. Settings is the whole current object, or JSON
// null when requested and absent.
type PullData struct {
	Jobs         []models.Entity `json:"jobs,omitempty"`
	Resumes      []models.Entity `json:"resumes,omitempty"`
	CoverLetters []models.Entity `json:"coverLetters,omitempty"`
	Settings     json.RawMessage `json:"settings,omitempty"`
}

// Conflict reports an entity modified on both sides since the client's last
// sync, with diverging versions. The server never resolves conflicts; it
// only surfaces them for the caller to decide.
type Conflict struct {
	Kind          models.EntityKind `json:"kind"`
	ID            string            `json:"id"`
	ClientVersion int64             `json:"clientVersion"`
	ServerVersion int64             `json:"serverVersion"`
}

// PullResult is the pull half of a full sync.
type PullResult struct {
	Data      PullData   `json:"data"`
	Conflicts []Conflict `json:"conflicts"`
}

// FullResult combines the push tally and the pull delta of a bidirectional
// sync. Push is nil when the client submitted nothing.
type FullResult struct {
	Push *BatchResult `json:"push"`
	Pull PullResult   `json:"pull"`
}

// StatusResult summarizes sync state for the caller.
type StatusResult struct {
	UserID   string               `json:"userId"`
	DeviceID string               `json:"deviceId,omitempty"`
	LastSync *time.Time           `json:"lastSync"`
	Sessions []models.SyncSession `json:"sessions"`
	Stats    store.Counts         `json:"stats"`
}

// ExportData is the caller's full current data set: non-deleted rows only.
type ExportData struct {
	Jobs         []models.Entity `json:"jobs"`
	Resumes      []models.Entity `json:"resumes"`
	CoverLetters []models.Entity `json:"coverLetters"`
	Settings     json.RawMessage `json:"settings"`
}

// ExportResult is a versioned backup snapshot.
type ExportResult struct {
	Version    string     `json:"version"`
	ExportedAt time.Time  `json:"exportedAt"`
	UserID     string     `json:"userId"`
	Data       ExportData `json:"data"`
}

// SyncService implements the push/pull/full protocol plus the destructive
// reset and backup paths. Writes go through the batch applier; reads go
// through the store's delta queries. Nothing here retries: on a storage
// failure the caller decides whether to resubmit the whole call, because a
// batch is not atomic across kinds.
type SyncService interface {
	Push(ctx context.Context, userID, deviceID string, deviceName *string, batch EntityBatch) (*BatchResult, error)
	Pull(ctx context.Context, userID string, lastSync time.Time, kinds []models.EntityKind) (*PullData, error)
	Full(ctx context.Context, userID, deviceID string, deviceName *string, batch *EntityBatch, lastSync time.Time) (*FullResult, error)
	Status(ctx context.Context, userID, deviceID string) (*StatusResult, error)
	Export(ctx context.Context, userID string) (*ExportResult, error)
	Import(ctx context.Context, userID string, batch EntityBatch) (*BatchResult, error)
	Reset(ctx context.Context, userID string) error
}

type syncService struct {
	store    store.EntityStore
	cache    cache.Cache
	notifier notify.Notifier
	log      *logrus.Logger
}

func NewSyncService(st store.EntityStore, c cache.Cache, n notify.Notifier, log *logrus.Logger) SyncService {
	return &syncService{store: st, cache: c, notifier: n, log: log}
}

func (s *syncService) Push(ctx context.Context, userID, deviceID string, deviceName *string, batch EntityBatch) (*BatchResult, error) {
	const op = "SyncService.Push"

	if userID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "user_id is required", nil)
	}

	res, err := applyBatch(ctx, s.store, userID, batch)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to apply sync batch", err)
	}

	if err := s.trackSession(ctx, userID, deviceID, deviceName); err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to update sync session", err)
	}

	s.afterWrite(ctx, userID, deviceID, notify.EventChanged)
	return &res, nil
}

func (s *syncService) Pull(ctx context.Context, userID string, lastSync time.Time, kinds []models.EntityKind) (*PullData, error) {
	const op = "SyncService.Pull"

	if userID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "user_id is required", nil)
	}
	if kinds == nil {
		kinds = []models.EntityKind{models.KindJob, models.KindResume, models.KindCoverLetter, models.KindSettings}
	}

	var data PullData
	for _, kind := range kinds {
		if kind == models.KindSettings {
			raw, err := s.settingsRaw(ctx, userID)
			if err != nil {
				return nil, utils.E(utils.CodeInternal, op, "failed to read settings", err)
			}
			data.Settings = raw
			continue
		}
		rows, err := s.store.ListModifiedAfter(ctx, userID, kind, lastSync)
		if err != nil {
			return nil, utils.E(utils.CodeInternal, op, "failed to read changes", err)
		}
		switch kind {
		case models.KindJob:
			data.Jobs = rows
		case models.KindResume:
			data.Resumes = rows
		case models.KindCoverLetter:
			data.CoverLetters = rows
		}
	}
	return &data, nil
}

// Full runs push then pull. Conflicts are detected against the delta as it
// stood BEFORE the push: the reported serverVersion is the version the
// client actually raced against, not its own just-written one. The pull half
// runs after the push, so a client's own pushed rows do come back in the
// delta; clients reconcile by id and version rather than relying on
// self-filtering.
func (s *syncService) Full(ctx context.Context, userID, deviceID string, deviceName *string, batch *EntityBatch, lastSync time.Time) (*FullResult, error) {
	const op = "SyncService.Full"

	if userID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "user_id is required", nil)
	}

	conflicts := []Conflict{}
	var pushRes *BatchResult

	if batch != nil {
		var err error
		conflicts, err = s.detectConflicts(ctx, userID, *batch, lastSync)
		if err != nil {
			return nil, utils.E(utils.CodeInternal, op, "failed to detect conflicts", err)
		}

		res, err := applyBatch(ctx, s.store, userID, *batch)
		if err != nil {
			return nil, utils.E(utils.CodeInternal, op, "failed to apply sync batch", err)
		}
		pushRes = &res
	}

	data, err := s.Pull(ctx, userID, lastSync, nil)
	if err != nil {
		return nil, err
	}

	if err := s.trackSession(ctx, userID, deviceID, deviceName); err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to update sync session", err)
	}

	if batch != nil {
		s.afterWrite(ctx, userID, deviceID, notify.EventChanged)
	}

	return &FullResult{
		Push: pushRes,
		Pull: PullResult{Data: *data, Conflicts: conflicts},
	}, nil
}

// statusSnapshot is the user-scoped, cacheable part of a status response.
// The caller's device id and lastSync are derived per request, so one cache
// entry serves every device of the user and one delete invalidates them all.
type statusSnapshot struct {
	Sessions []models.SyncSession `json:"sessions"`
	Stats    store.Counts         `json:"stats"`
}

func (s *syncService) Status(ctx context.Context, userID, deviceID string) (*StatusResult, error) {
	const op = "SyncService.Status"

	key := statusKey(userID)
	var snap statusSnapshot
	hit, err := s.cache.GetJSON(ctx, key, &snap)
	if err != nil {
		s.log.WithError(err).Warn("status cache read failed")
		hit = false
	}
	if !hit {
		sessions, err := s.store.ListSessions(ctx, userID)
		if err != nil {
			return nil, utils.E(utils.CodeInternal, op, "failed to list sync sessions", err)
		}
		if sessions == nil {
			sessions = []models.SyncSession{}
		}
		counts, err := s.store.Counts(ctx, userID)
		if err != nil {
			return nil, utils.E(utils.CodeInternal, op, "failed to count entities", err)
		}
		snap = statusSnapshot{Sessions: sessions, Stats: counts}
		if err := s.cache.SetJSON(ctx, key, snap, statusTTL); err != nil {
			s.log.WithError(err).Warn("status cache write failed")
		}
	}

	return &StatusResult{
		UserID:   userID,
		DeviceID: deviceID,
		LastSync: lastSyncFor(snap.Sessions, deviceID),
		Sessions: snap.Sessions,
		Stats:    snap.Stats,
	}, nil
}

func lastSyncFor(sessions []models.SyncSession, deviceID string) *time.Time {
	for _, sess := range sessions {
		if sess.DeviceID == deviceID {
			t := sess.LastSync
			return &t
		}
	}
	return nil
}

func (s *syncService) Export(ctx context.Context, userID string) (*ExportResult, error) {
	const op = "SyncService.Export"

	data := ExportData{
		Jobs:         []models.Entity{},
		Resumes:      []models.Entity{},
		CoverLetters: []models.Entity{},
	}
	for _, kind := range models.RowKinds {
		rows, err := s.store.List(ctx, userID, kind)
		if err != nil {
			return nil, utils.E(utils.CodeInternal, op, "failed to read entities", err)
		}
		switch kind {
		case models.KindJob:
			if rows != nil {
				data.Jobs = rows
			}
		case models.KindResume:
			if rows != nil {
				data.Resumes = rows
			}
		case models.KindCoverLetter:
			if rows != nil {
				data.CoverLetters = rows
			}
		}
	}
	raw, err := s.settingsRaw(ctx, userID)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to read settings", err)
	}
	data.Settings = raw

	return &ExportResult{
		Version:    ExportVersion,
		ExportedAt: time.Now().UTC(),
		UserID:     userID,
		Data:       data,
	}, nil
}

// Import replays a backup snapshot through the batch applier. It does not
// touch the sync session: restoring a backup is not a device sync.
func (s *syncService) Import(ctx context.Context, userID string, batch EntityBatch) (*BatchResult, error) {
	const op = "SyncService.Import"

	res, err := applyBatch(ctx, s.store, userID, batch)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to import data", err)
	}
	s.afterWrite(ctx, userID, "", notify.EventChanged)
	return &res, nil
}

func (s *syncService) Reset(ctx context.Context, userID string) error {
	const op = "SyncService.Reset"

	if err := s.store.ResetUser(ctx, userID); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to reset user data", err)
	}
	s.afterWrite(ctx, userID, "", notify.EventReset)
	return nil
}

// detectConflicts indexes the server delta (pre-push state) by id and flags
// every client item whose server counterpart changed since lastSync with a
// different version. Settings is singular and unversioned, so it never
// conflicts.
func (s *syncService) detectConflicts(ctx context.Context, userID string, batch EntityBatch, lastSync time.Time) ([]Conflict, error) {
	conflicts := []Conflict{}
	for _, group := range []struct {
		kind  models.EntityKind
		items []EntityItem
	}{
		{models.KindJob, batch.Jobs},
		{models.KindResume, batch.Resumes},
		{models.KindCoverLetter, batch.CoverLetters},
	} {
		if len(group.items) == 0 {
			continue
		}
		serverRows, err := s.store.ListModifiedAfter(ctx, userID, group.kind, lastSync)
		if err != nil {
			return nil, err
		}
		byID := make(map[string]int64, len(serverRows))
		for _, row := range serverRows {
			byID[row.ID] = row.Version
		}
		for _, item := range group.items {
			serverVersion, ok := byID[item.ID]
			if ok && serverVersion != item.Version {
				conflicts = append(conflicts, Conflict{
					Kind:          group.kind,
					ID:            item.ID,
					ClientVersion: item.Version,
					ServerVersion: serverVersion,
				})
			}
		}
	}
	return conflicts, nil
}

func (s *syncService) trackSession(ctx context.Context, userID, deviceID string, deviceName *string) error {
	if deviceID == "" {
		return nil
	}
	return s.store.UpsertSession(ctx, userID, deviceID, deviceName)
}

// afterWrite handles the best-effort tail of a mutating call: cache
// invalidation and change notification. Neither failure fails the sync.
// The status cache is user-scoped, so a reset or import with no device id
// still flushes the stale view for every device.
func (s *syncService) afterWrite(ctx context.Context, userID, deviceID, eventType string) {
	if err := s.cache.Del(ctx, statusKey(userID)); err != nil {
		s.log.WithError(err).Warn("status cache invalidation failed")
	}
	ev := notify.Event{Type: eventType, OriginDevice: deviceID, Timestamp: time.Now().UTC()}
	if err := s.notifier.Publish(ctx, userID, ev); err != nil {
		s.log.WithError(err).Warn("change notification failed")
	}
}

func (s *syncService) settingsRaw(ctx context.Context, userID string) (json.RawMessage, error) {
	settings, err := s.store.GetSettings(ctx, userID)
	if errors.Is(err, utils.ErrNotFound) {
		// requested but absent: explicit null, not an omitted key
		return json.RawMessage("null"), nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(settings.Data), nil
}

func statusKey(userID string) string {
	return "sync:status:" + userID
}
