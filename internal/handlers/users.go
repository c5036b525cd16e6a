package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/4xmen/basemapp/internal/db"
	"github.com/4xmen/basemapp/internal/presence"
)

const searchLimit = 20

type UserHandler struct {
	db       *db.DB
	presence *presence.Service
	logger   zerolog.Logger
}

func NewUserHandler(database *db.DB, presenceSvc *presence.Service, logger zerolog.Logger) *UserHandler {
	return &UserHandler{db: database, presence: presenceSvc, logger: logger}
}

type UpdateProfileRequest struct {
	Username  *string `json:"username"`
	AvatarURL *string `json:"avatar_url"`
}

type UpdateStatusRequest struct {
	IsOnline *bool `json:"is_online" binding:"required"`
}

// SearchUsers finds users by username or email, excluding the caller
func (h *UserHandler) SearchUsers(c *gin.Context) {
	userID := c.GetString("user_id")
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q query parameter required"})
		return
	}

	users, err := h.db.SearchUsers(c.Request.Context(), userID, query, searchLimit)
	if err != nil {
		h.logger.Error().Err(err).Msg("user search failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to search users"})
		return
	}
	if h.presence != nil {
		h.presence.Decorate(c.Request.Context(), users...)
	}
	c.JSON(http.StatusOK, users)
}

// GetUsers lists everyone except the caller
func (h *UserHandler) GetUsers(c *gin.Context) {
	userID := c.GetString("user_id")

	users, err := h.db.ListUsers(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list users")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch users"})
		return
	}
	if h.presence != nil {
		h.presence.Decorate(c.Request.Context(), users...)
	}
	c.JSON(http.StatusOK, users)
}

func (h *UserHandler) UpdateProfile(c *gin.Context) {
	userID := c.GetString("user_id")

	var req UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.Username != nil {
		name := strings.TrimSpace(*req.Username)
		if name == "" || len(name) > 64 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "username must be between 1 and 64 characters"})
			return
		}
		req.Username = &name
	}

	user, err := h.db.UpdateProfile(c.Request.Context(), userID, req.Username, req.AvatarURL)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to update profile")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update profile"})
		return
	}
	c.JSON(http.StatusOK, user)
}

// UpdateStatus is the presence heartbeat
func (h *UserHandler) UpdateStatus(c *gin.Context) {
	userID := c.GetString("user_id")

	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	ctx := c.Request.Context()
	var err error
	if h.presence != nil {
		err = h.presence.Mark(ctx, userID, *req.IsOnline)
	} else {
		err = h.db.SetOnline(ctx, userID, *req.IsOnline, time.Now())
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to update status")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update status"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"is_online": *req.IsOnline})
}
