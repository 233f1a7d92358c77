package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"update-catalog/catalog"
)

const refreshingMessage = "Metadata is being refreshed"

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	LastLog string `json:"lastLog,omitempty"`
}

type Handlers struct {
	query  *catalog.Query
	status *catalog.SyncStatus
	logger *zap.Logger
}

func NewHandlers(query *catalog.Query, status *catalog.SyncStatus, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{query: query, status: status, logger: logger.Named("api")}
}

func (h *Handlers) HandleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.status.Snapshot())
}

// RequireInitialSync rejects data requests until the first refresh has
// completed.
func (h *Handlers) RequireInitialSync() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !h.status.InitialSyncComplete() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{
				Error:   refreshingMessage,
				LastLog: h.status.LastLog(),
			})
			return
		}
		c.Next()
	}
}

func (h *Handlers) HandleCategories(c *gin.Context) {
	showDisabled, ok := boolQuery(c, "showDisabled")
	if !ok {
		return
	}
	cats, err := h.query.ListCategories(c.Request.Context(), !showDisabled)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, cats)
}

func (h *Handlers) HandleProducts(c *gin.Context) {
	showDisabled, ok := boolQuery(c, "showDisabled")
	if !ok {
		return
	}
	tree, err := h.query.ProductTree(c.Request.Context(), !showDisabled)
	if err != nil {
		h.internalError(c, err)
		return
	}
	if tree == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "product tree is not available"})
		return
	}
	c.JSON(http.StatusOK, tree)
}

func (h *Handlers) HandleUpdates(c *gin.Context) {
	var f catalog.UpdateFilter
	var ok bool
	if f.ClassificationID, ok = optionalID(c, "classification"); !ok {
		return
	}
	if f.ProductID, ok = optionalID(c, "product"); !ok {
		return
	}
	f.Search = c.Query("searchString")

	updates, err := h.query.ListUpdates(c.Request.Context(), f)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, updates)
}

func (h *Handlers) HandleUpdate(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	u, err := h.query.Update(c.Request.Context(), id)
	h.writeUpdate(c, u, err)
}

func (h *Handlers) HandleSuperseding(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	u, err := h.query.SupersedingUpdate(c.Request.Context(), id)
	h.writeUpdate(c, u, err)
}

func (h *Handlers) writeUpdate(c *gin.Context, u *catalog.Update, err error) {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "update not found"})
	case err != nil:
		h.internalError(c, err)
	default:
		c.JSON(http.StatusOK, u)
	}
}

func (h *Handlers) internalError(c *gin.Context, err error) {
	h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid update id"})
		return uuid.Nil, false
	}
	return id, true
}

// optionalID parses an optional GUID query parameter. It writes a 400 and
// reports false when the value is malformed.
func optionalID(c *gin.Context, name string) (*uuid.UUID, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid " + name + " id"})
		return nil, false
	}
	return &id, true
}

func boolQuery(c *gin.Context, name string) (bool, bool) {
	raw := c.Query(name)
	if raw == "" {
		return false, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid " + name})
		return false, false
	}
	return v, true
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		)
	}
}
