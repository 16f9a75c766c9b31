package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/invopop/jsonschema"

	"basegraph.co/backfill/internal/http/dto"
	"basegraph.co/backfill/internal/model"
	"basegraph.co/backfill/internal/service"
	"basegraph.co/backfill/internal/store"
)

type BackfillHandler struct {
	backfillService service.BackfillService
	startSchema     *jsonschema.Schema
}

func NewBackfillHandler(backfillService service.BackfillService) *BackfillHandler {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	return &BackfillHandler{
		backfillService: backfillService,
		startSchema:     reflector.Reflect(&dto.StartBackfillRequest{}),
	}
}

func (h *BackfillHandler) CreateSubscription(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	targetTasks, err := model.ParseTaskTypes(req.TargetTasks)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub, err := h.backfillService.CreateSubscription(ctx, service.CreateSubscriptionParams{
		Name:            req.Name,
		GitLabURL:       req.GitLabURL,
		AccessToken:     req.AccessToken,
		TargetTasks:     targetTasks,
		Since:           req.Since,
		SecurityEnabled: req.SecurityEnabled,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create subscription", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create subscription"})
		return
	}

	c.JSON(http.StatusCreated, dto.ToSubscriptionResponse(sub))
}

func (h *BackfillHandler) Start(c *gin.Context) {
	ctx := c.Request.Context()

	subscriptionID, ok := subscriptionIDParam(c)
	if !ok {
		return
	}

	var req dto.StartBackfillRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		slog.WarnContext(ctx, "invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	targetTasks, err := model.ParseTaskTypes(req.TargetTasks)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub, err := h.backfillService.StartBackfill(ctx, subscriptionID, service.StartBackfillParams{
		TargetTasks: targetTasks,
		Since:       req.Since,
		FullResync:  req.FullResync,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
			return
		}
		slog.ErrorContext(ctx, "failed to start backfill", "error", err, "subscription_id", subscriptionID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start backfill"})
		return
	}

	c.JSON(http.StatusAccepted, dto.ToSubscriptionResponse(sub))
}

func (h *BackfillHandler) Status(c *gin.Context) {
	ctx := c.Request.Context()

	subscriptionID, ok := subscriptionIDParam(c)
	if !ok {
		return
	}

	progress, err := h.backfillService.Status(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
			return
		}
		slog.ErrorContext(ctx, "failed to load backfill status", "error", err, "subscription_id", subscriptionID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load backfill status"})
		return
	}

	c.JSON(http.StatusOK, dto.ToBackfillStatusResponse(progress))
}

// Schema serves the JSON schema of the start request body.
func (h *BackfillHandler) Schema(c *gin.Context) {
	c.JSON(http.StatusOK, h.startSchema)
}

func subscriptionIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subscription id"})
		return 0, false
	}
	return id, true
}
