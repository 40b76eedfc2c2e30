// Package webhooks exposes webhook registration and delivery history
// over HTTP.
package webhooks

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/smartramana/hookmesh/pkg/observability"
	"github.com/smartramana/hookmesh/pkg/webhook"
)

// EventSink accepts an application event and returns the deliveries it
// fanned out to
type EventSink interface {
	Emit(ctx context.Context, eventType string, data map[string]interface{}) []*webhook.Delivery
}

// API serves the webhook management endpoints
type API struct {
	repo     *webhook.Repository
	sink     EventSink
	logger   observability.Logger
	validate *validator.Validate
}

// NewAPI creates the webhook API over a repository and an event sink
func NewAPI(repo *webhook.Repository, sink EventSink, logger observability.Logger) *API {
	if logger == nil {
		logger = observability.NewLogger("api.webhooks")
	}
	return &API{
		repo:     repo,
		sink:     sink,
		logger:   logger,
		validate: validator.New(),
	}
}

// RegisterRoutes mounts the endpoints on a router group
func (a *API) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", a.createWebhook)
	r.GET("/webhooks", a.listWebhooks)
	r.GET("/webhooks/:id", a.getWebhook)
	r.PUT("/webhooks/:id", a.updateWebhook)
	r.DELETE("/webhooks/:id", a.deleteWebhook)
	r.GET("/webhooks/:id/deliveries", a.listDeliveries)
	r.POST("/events", a.triggerEvent)
}

type createWebhookRequest struct {
	URL         string            `json:"url" binding:"required" validate:"required,url"`
	Events      []string          `json:"events" binding:"required" validate:"required,min=1"`
	Description string            `json:"description"`
	Headers     map[string]string `json:"headers"`
	Active      *bool             `json:"active"`
	Secret      string            `json:"secret"`
}

type webhookResponse struct {
	ID          string            `json:"id"`
	URL         string            `json:"url"`
	Events      []string          `json:"events"`
	Description string            `json:"description,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Active      bool              `json:"active"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`

	// Secret is present only on the creation response
	Secret string `json:"secret,omitempty"`
}

func toWebhookResponse(w *webhook.Webhook) webhookResponse {
	return webhookResponse{
		ID:          w.ID,
		URL:         w.URL,
		Events:      w.Events,
		Description: w.Description,
		Headers:     w.Headers,
		Active:      w.Active,
		CreatedAt:   w.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:   w.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

func (a *API) createWebhook(c *gin.Context) {
	var req createWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	w, secret, err := a.repo.CreateWebhook(c.Request.Context(), webhook.CreateWebhookInput{
		URL:         req.URL,
		Events:      req.Events,
		Description: req.Description,
		Headers:     req.Headers,
		Active:      req.Active,
		Secret:      req.Secret,
	})
	if err != nil {
		a.respondError(c, err)
		return
	}
	resp := toWebhookResponse(w)
	resp.Secret = secret
	c.JSON(http.StatusCreated, resp)
}

func (a *API) listWebhooks(c *gin.Context) {
	page, pageSize := pagination(c)
	items, total := a.repo.ListWebhooks(page, pageSize)

	resp := make([]webhookResponse, 0, len(items))
	for _, w := range items {
		resp = append(resp, toWebhookResponse(w))
	}
	c.JSON(http.StatusOK, gin.H{
		"items":     resp,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
		"pages":     pages(total, pageSize),
	})
}

func (a *API) getWebhook(c *gin.Context) {
	w, err := a.repo.GetWebhook(c.Param("id"))
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toWebhookResponse(w))
}

type updateWebhookRequest struct {
	URL         *string           `json:"url"`
	Events      []string          `json:"events"`
	Description *string           `json:"description"`
	Headers     map[string]string `json:"headers"`
	Active      *bool             `json:"active"`
	Secret      *string           `json:"secret"`
}

func (a *API) updateWebhook(c *gin.Context) {
	var req updateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	w, err := a.repo.UpdateWebhook(c.Request.Context(), c.Param("id"), webhook.UpdateWebhookInput{
		URL:         req.URL,
		Events:      req.Events,
		Description: req.Description,
		Headers:     req.Headers,
		Active:      req.Active,
		Secret:      req.Secret,
	})
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toWebhookResponse(w))
}

func (a *API) deleteWebhook(c *gin.Context) {
	removed, err := a.repo.DeleteWebhook(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.respondError(c, err)
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "webhook not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "webhook deleted"})
}

func (a *API) listDeliveries(c *gin.Context) {
	id := c.Param("id")
	if _, err := a.repo.GetWebhook(id); err != nil {
		a.respondError(c, err)
		return
	}
	page, pageSize := pagination(c)
	status := webhook.DeliveryStatus(c.Query("status"))
	items, total := a.repo.ListDeliveries(id, status, page, pageSize)

	c.JSON(http.StatusOK, gin.H{
		"items":     items,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
		"pages":     pages(total, pageSize),
	})
}

type triggerEventRequest struct {
	Type string                 `json:"type" binding:"required" validate:"required"`
	Data map[string]interface{} `json:"data"`
}

func (a *API) triggerEvent(c *gin.Context) {
	var req triggerEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if a.sink == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "delivery engine not running"})
		return
	}
	deliveries := a.sink.Emit(c.Request.Context(), req.Type, req.Data)
	ids := make([]string, 0, len(deliveries))
	for _, d := range deliveries {
		ids = append(ids, d.ID)
	}
	c.JSON(http.StatusAccepted, gin.H{
		"event_type":   req.Type,
		"delivery_ids": ids,
	})
}

func (a *API) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, webhook.ErrNotFound), errors.Is(err, webhook.ErrDeliveryNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, webhook.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, webhook.ErrQueueFull):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		a.logger.Error("Request failed", map[string]interface{}{"error": err.Error()})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func pagination(c *gin.Context) (int, int) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil || pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

func pages(total, pageSize int) int {
	if total == 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}
