package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/applydeck/applydeck/internal/cache"
	"github.com/applydeck/applydeck/internal/models"
	"github.com/applydeck/applydeck/internal/notify"
	"github.com/applydeck/applydeck/internal/store"
	"github.com/applydeck/applydeck/internal/store/sqlite"
	"github.com/applydeck/applydeck/internal/utils"
)

func newService(t *testing.T) (SyncService, store.EntityStore) {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	st := sqlite.New(db)
	return NewSyncService(st, cache.Noop{}, notify.Noop{}, log), st
}

func item(id, data string, version int64) EntityItem {
	return EntityItem{ID: id, Data: datatypes.JSON([]byte(data)), Version: version}
}

func TestPushTalliesAndTracksSession(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	name := "Phone"
	res, err := svc.Push(ctx, "u1", "dev-1", &name, EntityBatch{
		Jobs:     []EntityItem{item("j1", `{"title":"SRE"}`, 1), item("j2", `{"title":"SWE"}`, 1)},
		Resumes:  []EntityItem{item("r1", `{"name":"CV"}`, 1)},
		Settings: datatypes.JSON([]byte(`{"theme":"dark"}`)),
	})
	require.NoError(t, err)
	assert.Equal(t, KindTally{Success: 2}, res.Jobs)
	assert.Equal(t, KindTally{Success: 1}, res.Resumes)
	assert.Equal(t, KindTally{}, res.CoverLetters)
	assert.Equal(t, KindTally{Success: 1}, res.Settings)
	assert.Empty(t, res.Errors)

	sessions, err := st.ListSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "dev-1", sessions[0].DeviceID)
	assert.Equal(t, int64(1), sessions[0].SyncCount)

	_, err = svc.Push(ctx, "u1", "dev-1", nil, EntityBatch{})
	require.NoError(t, err)
	sessions, err = st.ListSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, int64(2), sessions[0].SyncCount)
}

func TestPushRequiresUser(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.Push(context.Background(), "", "dev-1", nil, EntityBatch{})
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.CodeInvalidArgument))
}

func TestPushDeletesAndEchoesTombstone(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Push(ctx, "u1", "dev-1", nil, EntityBatch{
		Jobs: []EntityItem{item("j1", `{"title":"SRE"}`, 1)},
	})
	require.NoError(t, err)

	res, err := svc.Push(ctx, "u1", "dev-2", nil, EntityBatch{
		Jobs: []EntityItem{{ID: "j1", Deleted: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, KindTally{Success: 1}, res.Jobs)

	// another device pulling from epoch sees the tombstone
	data, err := svc.Pull(ctx, "u1", time.Unix(0, 0), []models.EntityKind{models.KindJob})
	require.NoError(t, err)
	require.Len(t, data.Jobs, 1)
	assert.True(t, data.Jobs[0].Deleted)
}

func TestPullDefaultsToAllKinds(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Push(ctx, "u1", "dev-1", nil, EntityBatch{
		Jobs:     []EntityItem{item("j1", `{}`, 1)},
		Resumes:  []EntityItem{item("r1", `{"name":"CV"}`, 1)},
		Settings: datatypes.JSON([]byte(`{"lang":"en"}`)),
	})
	require.NoError(t, err)

	data, err := svc.Pull(ctx, "u1", time.Unix(0, 0), nil)
	require.NoError(t, err)
	assert.Len(t, data.Jobs, 1)
	assert.Len(t, data.Resumes, 1)
	assert.Empty(t, data.CoverLetters)
	assert.JSONEq(t, `{"lang":"en"}`, string(data.Settings))
}

func TestPullRequestedKindsOnly(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Push(ctx, "u1", "dev-1", nil, EntityBatch{
		Jobs:    []EntityItem{item("j1", `{}`, 1)},
		Resumes: []EntityItem{item("r1", `{"name":"CV"}`, 1)},
	})
	require.NoError(t, err)

	data, err := svc.Pull(ctx, "u1", time.Unix(0, 0), []models.EntityKind{models.KindResume})
	require.NoError(t, err)
	assert.Empty(t, data.Jobs)
	assert.Len(t, data.Resumes, 1)
	assert.Nil(t, data.Settings)
}

func TestPullSettingsNullWhenAbsent(t *testing.T) {
	svc, _ := newService(t)

	data, err := svc.Pull(context.Background(), "u1", time.Unix(0, 0), []models.EntityKind{models.KindSettings})
	require.NoError(t, err)
	assert.Equal(t, "null", string(data.Settings))
}

func TestPullHonorsCursor(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	_, err := svc.Push(ctx, "u1", "dev-1", nil, EntityBatch{
		Jobs: []EntityItem{item("j-old", `{}`, 1)},
	})
	require.NoError(t, err)
	old, err := st.Get(ctx, "u1", models.KindJob, "j-old")
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	_, err = svc.Push(ctx, "u1", "dev-1", nil, EntityBatch{
		Jobs: []EntityItem{item("j-new", `{}`, 1)},
	})
	require.NoError(t, err)

	data, err := svc.Pull(ctx, "u1", old.LastModified, []models.EntityKind{models.KindJob})
	require.NoError(t, err)
	require.Len(t, data.Jobs, 1)
	assert.Equal(t, "j-new", data.Jobs[0].ID)
}

func TestFullReportsConflictAgainstPrePushVersion(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	lastSync := time.Now().UTC().Add(-time.Hour)

	// another device advanced the server copy to version 3 after lastSync
	require.NoError(t, st.Upsert(ctx, "u1", models.KindJob, "j1",
		datatypes.JSON([]byte(`{"title":"server copy"}`)), 3))

	res, err := svc.Full(ctx, "u1", "dev-1", nil, &EntityBatch{
		Jobs: []EntityItem{item("j1", `{"title":"client copy"}`, 2)},
	}, lastSync)
	require.NoError(t, err)

	require.Len(t, res.Pull.Conflicts, 1)
	c := res.Pull.Conflicts[0]
	assert.Equal(t, models.KindJob, c.Kind)
	assert.Equal(t, "j1", c.ID)
	assert.Equal(t, int64(2), c.ClientVersion)
	// the version the client raced against, not the one it just wrote
	assert.Equal(t, int64(3), c.ServerVersion)

	// last write wins: the client copy is now the server copy
	e, err := st.Get(ctx, "u1", models.KindJob, "j1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"client copy"}`, string(e.Data))
	assert.Equal(t, int64(2), e.Version)
}

func TestFullNoConflictWhenVersionsAgree(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	lastSync := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, st.Upsert(ctx, "u1", models.KindJob, "j1",
		datatypes.JSON([]byte(`{"title":"same"}`)), 2))

	res, err := svc.Full(ctx, "u1", "dev-1", nil, &EntityBatch{
		Jobs: []EntityItem{item("j1", `{"title":"same edit"}`, 2)},
	}, lastSync)
	require.NoError(t, err)
	assert.Empty(t, res.Pull.Conflicts)
}

func TestFullPullEchoesOwnPush(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	lastSync := time.Now().UTC().Add(-time.Minute)
	res, err := svc.Full(ctx, "u1", "dev-1", nil, &EntityBatch{
		Jobs: []EntityItem{item("j1", `{"title":"fresh"}`, 1)},
	}, lastSync)
	require.NoError(t, err)

	require.NotNil(t, res.Push)
	assert.Equal(t, KindTally{Success: 1}, res.Push.Jobs)
	// the pull half runs after the push, so the just-pushed row comes back
	require.Len(t, res.Pull.Data.Jobs, 1)
	assert.Equal(t, "j1", res.Pull.Data.Jobs[0].ID)
}

func TestFullWithoutBatchIsPullOnly(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	require.NoError(t, st.Upsert(ctx, "u1", models.KindJob, "j1", datatypes.JSON([]byte(`{}`)), 1))

	res, err := svc.Full(ctx, "u1", "dev-1", nil, nil, time.Unix(0, 0))
	require.NoError(t, err)
	assert.Nil(t, res.Push)
	assert.Empty(t, res.Pull.Conflicts)
	assert.Len(t, res.Pull.Data.Jobs, 1)

	// pull-only full still counts as a sync for the device
	sessions, err := st.ListSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, int64(1), sessions[0].SyncCount)
}

func TestStatusReflectsStore(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	res, err := svc.Status(ctx, "u1", "dev-1")
	require.NoError(t, err)
	assert.Nil(t, res.LastSync)
	assert.Empty(t, res.Sessions)
	assert.Equal(t, store.Counts{}, res.Stats)

	_, err = svc.Push(ctx, "u1", "dev-1", nil, EntityBatch{
		Jobs: []EntityItem{item("j1", `{}`, 1)},
	})
	require.NoError(t, err)

	res, err = svc.Status(ctx, "u1", "dev-1")
	require.NoError(t, err)
	require.NotNil(t, res.LastSync)
	require.Len(t, res.Sessions, 1)
	assert.Equal(t, store.Counts{Jobs: 1}, res.Stats)
}

func TestExportSkipsDeletedAndTagsVersion(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	require.NoError(t, st.Upsert(ctx, "u1", models.KindJob, "keep", datatypes.JSON([]byte(`{}`)), 1))
	require.NoError(t, st.Upsert(ctx, "u1", models.KindJob, "gone", datatypes.JSON([]byte(`{}`)), 1))
	require.NoError(t, st.SoftDelete(ctx, "u1", models.KindJob, "gone"))
	require.NoError(t, st.UpsertSettings(ctx, "u1", datatypes.JSON([]byte(`{"theme":"dark"}`))))

	res, err := svc.Export(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", res.Version)
	assert.Equal(t, "u1", res.UserID)
	assert.False(t, res.ExportedAt.IsZero())
	require.Len(t, res.Data.Jobs, 1)
	assert.Equal(t, "keep", res.Data.Jobs[0].ID)
	// empty kinds export as [], never null
	assert.NotNil(t, res.Data.Resumes)
	assert.NotNil(t, res.Data.CoverLetters)
	assert.JSONEq(t, `{"theme":"dark"}`, string(res.Data.Settings))
}

func TestImportDoesNotTrackSession(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	res, err := svc.Import(ctx, "u1", EntityBatch{
		Jobs: []EntityItem{item("j1", `{"title":"restored"}`, 4)},
	})
	require.NoError(t, err)
	assert.Equal(t, KindTally{Success: 1}, res.Jobs)

	e, err := st.Get(ctx, "u1", models.KindJob, "j1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), e.Version)

	sessions, err := st.ListSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestResetWipesUser(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	_, err := svc.Push(ctx, "u1", "dev-1", nil, EntityBatch{
		Jobs:     []EntityItem{item("j1", `{}`, 1)},
		Settings: datatypes.JSON([]byte(`{}`)),
	})
	require.NoError(t, err)

	require.NoError(t, svc.Reset(ctx, "u1"))

	res, err := svc.Status(ctx, "u1", "dev-1")
	require.NoError(t, err)
	assert.Equal(t, store.Counts{}, res.Stats)
	assert.Nil(t, res.LastSync)
	assert.Empty(t, res.Sessions)

	_, err = st.GetSettings(ctx, "u1")
	require.ErrorIs(t, err, utils.ErrNotFound)
}

// memCache is a map-backed cache.Cache so tests can observe hits and
// invalidation.
type memCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newMemCache() *memCache { return &memCache{entries: map[string][]byte{}} }

func (m *memCache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, dst)
}

func (m *memCache) SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error {
	b, err := json.Marshal(val)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = b
	return nil
}

func (m *memCache) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func TestStatusCacheServesEveryDevice(t *testing.T) {
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	st := sqlite.New(db)
	cch := newMemCache()
	svc := NewSyncService(st, cch, notify.Noop{}, log)
	ctx := context.Background()

	_, err = svc.Push(ctx, "u1", "dev-1", nil, EntityBatch{
		Jobs: []EntityItem{item("j1", `{}`, 1)},
	})
	require.NoError(t, err)

	// dev-1 primes the user-scoped entry
	res, err := svc.Status(ctx, "u1", "dev-1")
	require.NoError(t, err)
	assert.Equal(t, store.Counts{Jobs: 1}, res.Stats)
	require.NotNil(t, res.LastSync)
	require.Len(t, cch.entries, 1)

	// a cache hit for another device still carries that device's identity
	res, err = svc.Status(ctx, "u1", "dev-2")
	require.NoError(t, err)
	assert.Equal(t, "dev-2", res.DeviceID)
	assert.Nil(t, res.LastSync)
	assert.Equal(t, store.Counts{Jobs: 1}, res.Stats)
}

func TestResetFlushesStatusCacheForAllDevices(t *testing.T) {
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	st := sqlite.New(db)
	cch := newMemCache()
	svc := NewSyncService(st, cch, notify.Noop{}, log)
	ctx := context.Background()

	_, err = svc.Push(ctx, "u1", "dev-1", nil, EntityBatch{
		Jobs: []EntityItem{item("j1", `{}`, 1)},
	})
	require.NoError(t, err)

	res, err := svc.Status(ctx, "u1", "dev-1")
	require.NoError(t, err)
	assert.Equal(t, store.Counts{Jobs: 1}, res.Stats)

	// reset carries no device id yet must not leave any device a stale view
	require.NoError(t, svc.Reset(ctx, "u1"))

	res, err = svc.Status(ctx, "u1", "dev-1")
	require.NoError(t, err)
	assert.Equal(t, store.Counts{}, res.Stats)
	assert.Nil(t, res.LastSync)
	assert.Empty(t, res.Sessions)
}

// Concurrent pushes from the same (user, device) are deliberately not
// serialized: last write wins on the rows, while the session counter
// increments atomically in SQL, so the count stays exact either way.
func TestConcurrentPushesSameDevice(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Push(ctx, "u1", "dev-1", nil, EntityBatch{
				Jobs: []EntityItem{item("j1", fmt.Sprintf(`{"attempt":%d}`, i), int64(i+1))},
			})
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	sessions, err := st.ListSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, int64(2), sessions[0].SyncCount)

	// whichever push landed last owns the row
	e, err := st.Get(ctx, "u1", models.KindJob, "j1")
	require.NoError(t, err)
	assert.Contains(t, []int64{1, 2}, e.Version)
}
