package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/applydeck/applydeck/internal/api/handlers"
	"github.com/applydeck/applydeck/internal/cache"
	"github.com/applydeck/applydeck/internal/models"
	"github.com/applydeck/applydeck/internal/notify"
	"github.com/applydeck/applydeck/internal/services"
	"github.com/applydeck/applydeck/internal/store"
	"github.com/applydeck/applydeck/internal/store/sqlite"
)

const testUser = "user-1"

func newTestRouter(t *testing.T) (*gin.Engine, store.EntityStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	st := sqlite.New(db)
	svc := services.NewSyncService(st, cache.Noop{}, notify.Noop{}, log)
	h := handlers.NewSyncHandler(svc)

	r := gin.New()
	// stand-in for the JWT middleware: the handlers only need user_id set
	r.Use(func(c *gin.Context) {
		c.Set("user_id", testUser)
		c.Next()
	})
	api := r.Group("/api/sync")
	{
		api.POST("/push", h.Push)
		api.POST("/pull", h.Pull)
		api.POST("/full", h.Full)
		api.GET("/status", h.Status)
		api.POST("/reset", h.Reset)
		api.GET("/export", h.Export)
		api.POST("/import", h.Import)
	}
	return r, st
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestPushRejectsMissingEntities(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/sync/push", gin.H{"deviceId": "dev-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "entities")
}

func TestPushAppliesBatch(t *testing.T) {
	r, st := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/sync/push", gin.H{
		"deviceId": "dev-1",
		"entities": gin.H{
			"jobs": []gin.H{{"id": "j1", "data": gin.H{"title": "SWE"}, "version": 1}},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp handlers.PushResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Results)
	assert.Equal(t, services.KindTally{Success: 1}, resp.Results.Jobs)
	assert.False(t, resp.Timestamp.IsZero())

	_, err := st.Get(context.Background(), testUser, models.KindJob, "j1")
	require.NoError(t, err)
}

func TestPushPartialFailureStillTwoHundred(t *testing.T) {
	r, st := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/sync/push", gin.H{
		"entities": gin.H{
			"jobs": []gin.H{
				{"id": "ok", "data": gin.H{}, "version": 1},
				{"data": gin.H{"title": "no id"}, "version": 1},
			},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp handlers.PushResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, services.KindTally{Success: 1, Failed: 1}, resp.Results.Jobs)
	require.Len(t, resp.Results.Errors, 1)
	assert.Equal(t, "missing id", resp.Results.Errors[0].Message)

	_, err := st.Get(context.Background(), testUser, models.KindJob, "ok")
	require.NoError(t, err)
}

func TestPullUnknownEntityNamesYieldNothing(t *testing.T) {
	r, st := newTestRouter(t)
	require.NoError(t, st.Upsert(context.Background(), testUser, models.KindJob, "j1",
		datatypes.JSON([]byte(`{}`)), 1))

	w := doJSON(t, r, http.MethodPost, "/api/sync/pull", gin.H{
		"entities": []string{"spaceships"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp handlers.PullResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Data.Jobs)
	assert.Nil(t, resp.Data.Settings)
}

func TestPullDefaultsToEverything(t *testing.T) {
	r, st := newTestRouter(t)
	require.NoError(t, st.Upsert(context.Background(), testUser, models.KindJob, "j1",
		datatypes.JSON([]byte(`{"title":"SWE"}`)), 1))

	w := doJSON(t, r, http.MethodPost, "/api/sync/pull", gin.H{})
	require.Equal(t, http.StatusOK, w.Code)

	var resp handlers.PullResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data.Jobs, 1)
	assert.Equal(t, "j1", resp.Data.Jobs[0].ID)
	assert.Equal(t, "null", string(resp.Data.Settings))
}

func TestFullRoundTrip(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/sync/full", gin.H{
		"deviceId": "dev-1",
		"entities": gin.H{
			"jobs": []gin.H{{"id": "j1", "data": gin.H{"title": "SWE"}, "version": 1}},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp handlers.FullResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Push)
	assert.Equal(t, services.KindTally{Success: 1}, resp.Push.Jobs)
	assert.NotNil(t, resp.Pull.Conflicts)
	require.Len(t, resp.Pull.Data.Jobs, 1)
}

func TestStatusUsesDeviceHeader(t *testing.T) {
	r, _ := newTestRouter(t)

	// sync once from dev-1
	w := doJSON(t, r, http.MethodPost, "/api/sync/push", gin.H{
		"deviceId": "dev-1",
		"entities": gin.H{},
	})
	require.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/sync/status", nil)
	req.Header.Set("X-Device-Id", "dev-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp handlers.StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, testUser, resp.UserID)
	assert.Equal(t, "dev-1", resp.DeviceID)
	assert.NotNil(t, resp.LastSync)
	require.Len(t, resp.Sessions, 1)
}

func TestResetDemandsExactConfirmation(t *testing.T) {
	r, st := newTestRouter(t)
	ctx := context.Background()
	require.NoError(t, st.Upsert(ctx, testUser, models.KindJob, "j1",
		datatypes.JSON([]byte(`{}`)), 1))

	for _, confirm := range []string{"", "delete_all_data", "DELETE ALL DATA", "yes"} {
		w := doJSON(t, r, http.MethodPost, "/api/sync/reset", gin.H{"confirm": confirm})
		assert.Equal(t, http.StatusBadRequest, w.Code, "confirm=%q", confirm)
	}

	// nothing was deleted by the rejected attempts
	_, err := st.Get(ctx, testUser, models.KindJob, "j1")
	require.NoError(t, err)

	w := doJSON(t, r, http.MethodPost, "/api/sync/reset", gin.H{"confirm": "DELETE_ALL_DATA"})
	require.Equal(t, http.StatusOK, w.Code)

	_, err = st.Get(ctx, testUser, models.KindJob, "j1")
	require.Error(t, err)
}

func TestExportShape(t *testing.T) {
	r, st := newTestRouter(t)
	require.NoError(t, st.Upsert(context.Background(), testUser, models.KindJob, "j1",
		datatypes.JSON([]byte(`{"title":"SWE"}`)), 2))

	req := httptest.NewRequest(http.MethodGet, "/api/sync/export", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp services.ExportResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "1.0.0", resp.Version)
	assert.Equal(t, testUser, resp.UserID)
	require.Len(t, resp.Data.Jobs, 1)
	assert.NotNil(t, resp.Data.Resumes)
	assert.NotNil(t, resp.Data.CoverLetters)
}

func TestImportRestoresExport(t *testing.T) {
	r, st := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/sync/import", gin.H{
		"data": gin.H{
			"jobs":     []gin.H{{"id": "j1", "data": gin.H{"title": "restored"}, "version": 7}},
			"settings": gin.H{"theme": "dark"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp handlers.ImportResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, services.KindTally{Success: 1}, resp.Results.Jobs)
	assert.Equal(t, services.KindTally{Success: 1}, resp.Results.Settings)

	e, err := st.Get(context.Background(), testUser, models.KindJob, "j1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), e.Version)

	// restoring a backup is not a device sync
	sessions, err := st.ListSessions(context.Background(), testUser)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestImportRejectsMissingData(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/sync/import", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
