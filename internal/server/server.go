package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"

	"github.com/yeshwanth1127/trading-ecosystem/internal/engine"
	"github.com/yeshwanth1127/trading-ecosystem/internal/storage"
)

// Engine is the control surface the HTTP layer drives.
type Engine interface {
	Start(ctx context.Context) error
	Stop()
	Status() engine.Status
	TestTrigger(ctx context.Context, userID, instrumentID uuid.UUID, price decimal.Decimal) (string, error)
}

type Handler struct {
	Engine Engine
	Logger *slog.Logger
}

func New(eng Engine, logger *slog.Logger) *Handler {
	return &Handler{Engine: eng, Logger: logger}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type startStopResponse struct {
	Running bool `json:"running"`
}

type triggerRequest struct {
	UserID       string `json:"user_id" binding:"required"`
	InstrumentID string `json:"instrument_id" binding:"required"`
	Price        string `json:"price" binding:"required"`
}

type triggerResponse struct {
	Action string `json:"action"`
	Price  string `json:"price"`
}

func (h *Handler) Register(r *gin.Engine) {
	api := r.Group("/api/v1/engine")
	api.GET("/status", h.Status)
	api.POST("/start", h.Start)
	api.POST("/stop", h.Stop)
	api.POST("/test/trigger", h.TestTrigger)
}

func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.Engine.Status())
}

func (h *Handler) Start(c *gin.Context) {
	if err := h.Engine.Start(c.Request.Context()); err != nil {
		h.Logger.Error("engine start failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "engine start failed"})
		return
	}
	c.JSON(http.StatusOK, startStopResponse{Running: true})
}

func (h *Handler) Stop(c *gin.Context) {
	h.Engine.Stop()
	c.JSON(http.StatusOK, startStopResponse{Running: false})
}

func (h *Handler) TestTrigger(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "user_id, instrument_id and price are required"})
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid user_id"})
		return
	}
	instrumentID, err := uuid.Parse(req.InstrumentID)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid instrument_id"})
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil || !price.IsPositive() {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "price must be a positive decimal"})
		return
	}

	action, err := h.Engine.TestTrigger(c.Request.Context(), userID, instrumentID, price)
	if err != nil {
		if errors.Is(err, storage.ErrPositionNotFound) {
			c.JSON(http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: "no open position for user and instrument"})
			return
		}
		h.Logger.Error("test trigger failed", "error", err, "user_id", userID, "instrument_id", instrumentID)
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
		return
	}

	c.JSON(http.StatusOK, triggerResponse{Action: action, Price: price.String()})
}
