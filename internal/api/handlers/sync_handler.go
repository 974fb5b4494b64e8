package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/applydeck/applydeck/internal/api/middleware"
	"github.com/applydeck/applydeck/internal/models"
	"github.com/applydeck/applydeck/internal/services"
	"github.com/applydeck/applydeck/internal/utils"
)

// resetConfirmation must be sent verbatim in the reset request body. A flag
// is too easy to set by accident; typing the literal is the point.
const resetConfirmation = "DELETE_ALL_DATA"

type SyncHandler struct {
	svc services.SyncService
}

func NewSyncHandler(svc services.SyncService) *SyncHandler {
	return &SyncHandler{svc: svc}
}

type PushRequest struct {
	Entities   *services.EntityBatch `json:"entities"`
	LastSync   *time.Time            `json:"lastSync"`
	DeviceID   string                `json:"deviceId"`
	DeviceName *string               `json:"deviceName"`
}

type PushResponse struct {
	Success   bool                  `json:"success"`
	Results   *services.BatchResult `json:"results"`
	Timestamp time.Time             `json:"timestamp"`
}

// Push uploads client changes. A 200 with a non-empty results.errors array
// means some items were rejected while their siblings applied; clients must
// inspect the tally, not just the success flag.
func (h *SyncHandler) Push(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	var req PushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "SyncHandler.Push", "invalid request body", err))
		return
	}
	if req.Entities == nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "SyncHandler.Push", "request must include entities to sync", nil))
		return
	}

	deviceID, deviceName := resolveDevice(c, req.DeviceID, req.DeviceName)
	results, err := h.svc.Push(c.Request.Context(), userID, deviceID, deviceName, *req.Entities)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, PushResponse{
		Success:   true,
		Results:   results,
		Timestamp: time.Now().UTC(),
	})
}

type PullRequest struct {
	LastSync *time.Time `json:"lastSync"`
	Entities []string   `json:"entities"`
}

type PullResponse struct {
	Success   bool              `json:"success"`
	Data      services.PullData `json:"data"`
	Timestamp time.Time         `json:"timestamp"`
}

// Pull downloads changes since lastSync. No lastSync means a full resync
// from the epoch; no entity list means all four kinds.
func (h *SyncHandler) Pull(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	var req PullRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "SyncHandler.Pull", "invalid request body", err))
		return
	}

	data, err := h.svc.Pull(c.Request.Context(), userID, lastSyncOrEpoch(req.LastSync), kindsFromNames(req.Entities))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, PullResponse{
		Success:   true,
		Data:      *data,
		Timestamp: time.Now().UTC(),
	})
}

type FullRequest struct {
	Entities   *services.EntityBatch `json:"entities"`
	LastSync   *time.Time            `json:"lastSync"`
	DeviceID   string                `json:"deviceId"`
	DeviceName *string               `json:"deviceName"`
}

type FullResponse struct {
	Success   bool                  `json:"success"`
	Push      *services.BatchResult `json:"push"`
	Pull      services.PullResult   `json:"pull"`
	Timestamp time.Time             `json:"timestamp"`
}

// Full is a bidirectional sync: push, then pull, plus conflict detection.
func (h *SyncHandler) Full(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	var req FullRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "SyncHandler.Full", "invalid request body", err))
		return
	}

	deviceID, deviceName := resolveDevice(c, req.DeviceID, req.DeviceName)
	res, err := h.svc.Full(c.Request.Context(), userID, deviceID, deviceName, req.Entities, lastSyncOrEpoch(req.LastSync))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, FullResponse{
		Success:   true,
		Push:      res.Push,
		Pull:      res.Pull,
		Timestamp: time.Now().UTC(),
	})
}

type StatusResponse struct {
	Success bool `json:"success"`
	*services.StatusResult
}

func (h *SyncHandler) Status(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	res, err := h.svc.Status(c.Request.Context(), userID, middleware.DeviceID(c))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, StatusResponse{Success: true, StatusResult: res})
}

type ResetRequest struct {
	Confirm string `json:"confirm"`
}

// Reset irreversibly hard-deletes everything the caller owns. It demands the
// exact confirmation literal; anything else fails before any storage access.
func (h *SyncHandler) Reset(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	var req ResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "SyncHandler.Reset", "invalid request body", err))
		return
	}
	if req.Confirm != resetConfirmation {
		writeError(c, utils.E(utils.CodeInvalidArgument, "SyncHandler.Reset",
			`to reset data, send { "confirm": "DELETE_ALL_DATA" }`, nil))
		return
	}

	if err := h.svc.Reset(c.Request.Context(), userID); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "all data deleted",
		"timestamp": time.Now().UTC(),
	})
}

func (h *SyncHandler) Export(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	res, err := h.svc.Export(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

type ImportRequest struct {
	Data *services.EntityBatch `json:"data"`
}

type ImportResponse struct {
	Success   bool                  `json:"success"`
	Results   *services.BatchResult `json:"results"`
	Timestamp time.Time             `json:"timestamp"`
}

// Import replays an export snapshot through the batch applier.
func (h *SyncHandler) Import(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	var req ImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "SyncHandler.Import", "invalid request body", err))
		return
	}
	if req.Data == nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "SyncHandler.Import", "request must include data to import", nil))
		return
	}

	results, err := h.svc.Import(c.Request.Context(), userID, *req.Data)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, ImportResponse{
		Success:   true,
		Results:   results,
		Timestamp: time.Now().UTC(),
	})
}

func resolveDevice(c *gin.Context, bodyID string, bodyName *string) (string, *string) {
	deviceID := bodyID
	if deviceID == "" {
		deviceID = middleware.DeviceID(c)
	}
	deviceName := bodyName
	if deviceName == nil {
		deviceName = middleware.DeviceName(c)
	}
	return deviceID, deviceName
}

func lastSyncOrEpoch(t *time.Time) time.Time {
	if t == nil {
		return time.Unix(0, 0).UTC()
	}
	return t.UTC()
}

func kindsFromNames(names []string) []models.EntityKind {
	if len(names) == 0 {
		return nil
	}
	kinds := make([]models.EntityKind, 0, len(names))
	for _, name := range names {
		if kind, ok := models.KindFromName(name); ok {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}
