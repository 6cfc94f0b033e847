package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"github.com/shared-canvas/backend/internal/clock"
	"github.com/shared-canvas/backend/internal/lock"
	"github.com/shared-canvas/backend/internal/model"
	"github.com/shared-canvas/backend/internal/objects"
	"github.com/shared-canvas/backend/internal/presence"
	"github.com/shared-canvas/backend/internal/store"
)

// DocumentsHandler serves the REST view of documents. It talks to the shared
// store directly, so it answers for any document whether or not a tab of it
// is connected to this process.
type DocumentsHandler struct {
	st        store.Store
	clk       clock.Clock
	lockCfg   lock.Config
	threshold time.Duration
	log       *zap.Logger
	metrics   tally.Scope
}

// NewDocumentsHandler creates a new DocumentsHandler.
func NewDocumentsHandler(st store.Store, clk clock.Clock, lockCfg lock.Config, threshold time.Duration, log *zap.Logger, metrics tally.Scope) *DocumentsHandler {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = tally.NoopScope
	}
	return &DocumentsHandler{st: st, clk: clk, lockCfg: lockCfg, threshold: threshold, log: log, metrics: metrics}
}

// LockResponse is the body of a lock request.
type LockResponse struct {
	Acquired bool                  `json:"acquired"`
	Object   *model.LockableObject `json:"object,omitempty"`
}

// PresenceResponse lists the active tabs of a document.
type PresenceResponse struct {
	Users []model.TabSession `json:"users"`
}

func (h *DocumentsHandler) repository(c *gin.Context) (*lock.Coordinator, *objects.Repository, bool) {
	docID := c.Param("docId")
	if err := model.ValidateID(docID); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid document ID")
		return nil, nil, false
	}
	coord := lock.NewCoordinator(h.st, h.clk, docID, h.lockCfg, lock.WithLogger(h.log), lock.WithMetrics(h.metrics))
	return coord, objects.NewRepository(h.st, coord, h.log), true
}

// Presence handles GET /api/docs/:docId/presence - lists active tabs.
func (h *DocumentsHandler) Presence(c *gin.Context) {
	docID := c.Param("docId")
	if err := model.ValidateID(docID); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid document ID")
		return
	}

	entries, err := h.st.List(c.Request.Context(), model.PresencePrefix(docID))
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read presence: "+err.Error())
		return
	}
	snapshot, err := presence.Decode(entries)
	if err != nil {
		h.log.Warn("skipping malformed presence entries", zap.String("docId", docID), zap.Error(err))
	}

	users := presence.FilterActive(snapshot, h.clk.Now(), h.threshold).Tabs()
	if users == nil {
		users = []model.TabSession{}
	}
	c.JSON(http.StatusOK, PresenceResponse{Users: users})
}

// ListObjects handles GET /api/docs/:docId/objects - lists live objects, and
// tombstones too with ?includeDeleted=true.
func (h *DocumentsHandler) ListObjects(c *gin.Context) {
	_, repo, ok := h.repository(c)
	if !ok {
		return
	}
	objs, err := repo.List(c.Request.Context(), c.Query("includeDeleted") == "true")
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list objects: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, objs)
}

// CreateObject handles POST /api/docs/:docId/objects - creates an object.
func (h *DocumentsHandler) CreateObject(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	_, repo, ok := h.repository(c)
	if !ok {
		return
	}

	var shape model.Shape
	if err := c.ShouldBindJSON(&shape); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}
	obj, err := repo.Create(c.Request.Context(), identity.UserID, shape)
	if err != nil {
		if errors.Is(err, model.ErrInvalidShape) {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create object: "+err.Error())
		return
	}
	c.JSON(http.StatusCreated, obj)
}

// MutateObject handles PATCH /api/docs/:docId/objects/:objectId - applies a
// patch. The caller must hold the object's lock.
func (h *DocumentsHandler) MutateObject(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	_, repo, ok := h.repository(c)
	if !ok {
		return
	}

	var patch model.ShapePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}
	objectID := c.Param("objectId")
	res, err := repo.Mutate(c.Request.Context(), objectID, identity.UserID, patch)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update object: "+err.Error())
		return
	}
	if res.Rejected {
		switch res.Reason {
		case objects.ReasonNotFound:
			sendError(c, http.StatusNotFound, "OBJECT_NOT_FOUND", "Object "+objectID+" not found")
		case objects.ReasonRemoved:
			sendError(c, http.StatusConflict, "OBJECT_REMOVED", "Object "+objectID+" was removed")
		default:
			c.JSON(http.StatusConflict, ErrorResponse{Error: ErrorDetail{
				Code:    "OBJECT_LOCKED",
				Message: "Object " + objectID + " is not locked by the caller",
				Details: map[string]interface{}{"reason": res.Reason, "lockHolder": res.Object.LockHolder},
			}})
		}
		return
	}
	c.JSON(http.StatusOK, res.Object)
}

// RemoveObject handles DELETE /api/docs/:docId/objects/:objectId - removes
// an object. Removal does not require the lock.
func (h *DocumentsHandler) RemoveObject(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	_, repo, ok := h.repository(c)
	if !ok {
		return
	}

	objectID := c.Param("objectId")
	_, removed, err := repo.Remove(c.Request.Context(), objectID, identity.UserID)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to remove object: "+err.Error())
		return
	}
	if !removed {
		sendError(c, http.StatusNotFound, "OBJECT_NOT_FOUND", "Object "+objectID+" not found")
		return
	}
	c.Status(http.StatusNoContent)
}

// AcquireLock handles POST /api/docs/:docId/objects/:objectId/lock.
func (h *DocumentsHandler) AcquireLock(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	coord, repo, ok := h.repository(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	objectID := c.Param("objectId")
	acquired, err := coord.Acquire(ctx, objectID, identity.UserID)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to acquire lock: "+err.Error())
		return
	}

	obj, err := repo.Get(ctx, objectID)
	if errors.Is(err, model.ErrObjectNotFound) || (err == nil && obj.Deleted) {
		sendError(c, http.StatusNotFound, "OBJECT_NOT_FOUND", "Object "+objectID+" not found")
		return
	}
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get object: "+err.Error())
		return
	}
	if !acquired {
		c.JSON(http.StatusConflict, ErrorResponse{Error: ErrorDetail{
			Code:    "OBJECT_LOCKED",
			Message: "Object " + objectID + " is locked by another user",
			Details: map[string]interface{}{"lockHolder": obj.LockHolder},
		}})
		return
	}
	c.JSON(http.StatusOK, LockResponse{Acquired: true, Object: &obj})
}

// ReleaseLock handles DELETE /api/docs/:docId/objects/:objectId/lock.
// Releasing a lock the caller does not hold is a no-op.
func (h *DocumentsHandler) ReleaseLock(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	coord, _, ok := h.repository(c)
	if !ok {
		return
	}
	if err := coord.Release(c.Request.Context(), c.Param("objectId"), identity.UserID); err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to release lock: "+err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

// RegisterRoutes registers the document routes on a Gin router group.
func (h *DocumentsHandler) RegisterRoutes(rg *gin.RouterGroup) {
	docs := rg.Group("/docs/:docId")
	docs.GET("/presence", h.Presence)
	docs.GET("/objects", h.ListObjects)
	docs.POST("/objects", h.CreateObject)
	docs.PATCH("/objects/:objectId", h.MutateObject)
	docs.DELETE("/objects/:objectId", h.RemoveObject)
	docs.POST("/objects/:objectId/lock", h.AcquireLock)
	docs.DELETE("/objects/:objectId/lock", h.ReleaseLock)
}
