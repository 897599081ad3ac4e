package management

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"eventbus/internal/constants"
	"eventbus/internal/eventbus"
	"eventbus/internal/logger"
	"eventbus/internal/store"
	"eventbus/pkg/errors"
	"eventbus/pkg/models"
)

type Handler struct {
	Service Service
	Logger  logger.Logger
}

func NewHandler(service Service, log logger.Logger) *Handler {
	return &Handler{
		Service: service,
		Logger:  log,
	}
}

func (h *Handler) HandleError(c *gin.Context, err error) {
	status := errors.ToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	} else {
		h.Logger.DebugwCtx(c.Request.Context(), "Request rejected", "error", err, "path", c.Request.URL.Path)
	}

	c.JSON(status, errors.ToErrorResponse(err))
}

func (h *Handler) bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return false
	}
	return true
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		v1.POST("/events", h.PublishEvent)
		v1.GET("/stats", h.GetStats)
		v1.GET("/metrics/events", h.GetEventMetrics)

		types := v1.Group("/event-types")
		{
			types.GET("", h.ListEventTypes)
			types.POST("", h.RegisterEventType)
			types.GET("/:name", h.GetEventType)
			types.DELETE("/:name", h.DeactivateEventType)
		}

		perms := v1.Group("/plugins")
		{
			perms.GET("", h.ListPluginPermissions)
			perms.GET("/:id/permissions", h.GetPluginPermissions)
			perms.PUT("/:id/permissions", h.SetPluginPermissions)
		}

		replays := v1.Group("/replays")
		{
			replays.POST("", h.ReplayEvents)
			replays.GET("/:id", h.GetReplay)
		}

		dl := v1.Group("/dead-letters")
		{
			dl.GET("", h.ListDeadLetters)
			dl.POST("/:event_id/:subscription_id/redrive", h.RedriveDeadLetter)
		}
	}
}

// PublishEvent publishes an event on behalf of an HTTP caller. The source type
// defaults to service.
func (h *Handler) PublishEvent(c *gin.Context) {
	var req PublishRequest
	if !h.bindJSON(c, &req) {
		return
	}

	sourceType := req.SourceType
	if sourceType == "" {
		sourceType = "service"
	}

	id, err := h.Service.Publish(c.Request.Context(), req.EventName, req.Payload, eventbus.PublishOptions{
		SourceID:      req.SourceID,
		SourceType:    sourceType,
		CorrelationID: req.CorrelationID,
		CausationID:   req.CausationID,
		Metadata:      req.Metadata,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, PublishResponse{EventID: id})
}

func (h *Handler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.Service.Stats())
}

// GetEventMetrics returns hourly delivery aggregates. since and until are
// RFC3339; since defaults to 24 hours ago.
func (h *Handler) GetEventMetrics(c *gin.Context) {
	q := eventbus.MetricsQuery{EventName: c.Query("event_name")}

	var err error
	if q.Since, err = parseTime(c.Query("since")); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithMessage("invalid since").WithCause(err)))
		return
	}
	if q.Until, err = parseTime(c.Query("until")); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithMessage("invalid until").WithCause(err)))
		return
	}

	aggregates, err := h.Service.GetMetrics(c.Request.Context(), q)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, aggregates)
}

func (h *Handler) ListEventTypes(c *gin.Context) {
	types, err := h.Service.ListEventTypes(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, types)
}

func (h *Handler) RegisterEventType(c *gin.Context) {
	var req RegisterEventTypeRequest
	if !h.bindJSON(c, &req) {
		return
	}

	err := h.Service.RegisterEventType(c.Request.Context(), req.Name, eventbus.EventTypeOptions{
		Category:        req.Category,
		PayloadSchema:   req.PayloadSchema,
		MetadataSchema:  req.MetadataSchema,
		IsAsync:         req.IsAsync,
		IsPersistent:    req.IsPersistent,
		IsTransactional: req.IsTransactional,
		MaxRetries:      req.MaxRetries,
		RetryDelayMs:    req.RetryDelayMs,
		TTLSeconds:      req.TTLSeconds,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}

	et, err := h.Service.GetEventType(c.Request.Context(), req.Name)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, et)
}

func (h *Handler) GetEventType(c *gin.Context) {
	name := c.Param("name")
	et, err := h.Service.GetEventType(c.Request.Context(), name)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if et == nil {
		h.HandleError(c, errors.ErrNotFound.WithMessage("event type %s not found", name))
		return
	}
	c.JSON(http.StatusOK, et)
}

func (h *Handler) DeactivateEventType(c *gin.Context) {
	if err := h.Service.DeactivateEventType(c.Request.Context(), c.Param("name")); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ListPluginPermissions(c *gin.Context) {
	perms, err := h.Service.ListPluginPermissions(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, perms)
}

func (h *Handler) GetPluginPermissions(c *gin.Context) {
	id := c.Param("id")
	perms, err := h.Service.GetPluginPermissions(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if perms == nil {
		h.HandleError(c, errors.ErrNotFound.WithMessage("no permissions recorded for plugin %s", id))
		return
	}
	c.JSON(http.StatusOK, perms)
}

func (h *Handler) SetPluginPermissions(c *gin.Context) {
	var req models.PermissionsUpdate
	if !h.bindJSON(c, &req) {
		return
	}

	perms, err := h.Service.SetPluginPermissions(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, perms)
}

func (h *Handler) ReplayEvents(c *gin.Context) {
	var req ReplayRequest
	if !h.bindJSON(c, &req) {
		return
	}

	id, err := h.Service.ReplayEvents(c.Request.Context(), req.Criteria, req.Reason)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, ReplayResponse{ReplayID: id})
}

func (h *Handler) GetReplay(c *gin.Context) {
	job, err := h.Service.GetReplay(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) ListDeadLetters(c *gin.Context) {
	limit := constants.DefaultLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithMessage("limit must be a positive integer")))
			return
		}
		limit = n
	}
	if limit > constants.MaxLimit {
		limit = constants.MaxLimit
	}

	dls, err := h.Service.ListDeadLetters(c.Request.Context(), store.DeadLetterQuery{
		SubscriptionID: c.Query("subscription_id"),
		EventName:      c.Query("event_name"),
		Limit:          limit,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, dls)
}

func (h *Handler) RedriveDeadLetter(c *gin.Context) {
	if err := h.Service.RedriveDeadLetter(c.Request.Context(), c.Param("event_id"), c.Param("subscription_id")); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
