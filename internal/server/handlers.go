package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/huddle/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/scheduler"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type dispatchRequestPayload struct {
	RecipientID string                      `json:"recipientId"`
	Type        notifications.Type          `json:"type"`
	Title       string                      `json:"title"`
	Body        string                      `json:"body"`
	Data        map[string]any              `json:"data"`
	Priority    notifications.Priority      `json:"priority"`
	Channels    []notifications.ChannelSpec `json:"channels"`
	ExpiresAt   *time.Time                  `json:"expiresAt"`
}

func (h *httpHandler) handleDispatch(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request dispatchRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	channels, err := notifications.ParseChannelSpecs(notifications.WithoutAddressOverrides(request.Channels))
	if err != nil {
		writeError(c, err)
		return
	}

	var result notifications.DeliveryResult
	if strings.TrimSpace(request.Title) == "" {
		contextData := make(map[string]any, len(request.Data)+1)
		for key, value := range request.Data {
			contextData[key] = value
		}
		contextData["senderId"] = userID
		result, err = h.dispatcher.Notify(c.Request.Context(), request.RecipientID, request.Type, contextData, channels)
	} else {
		result, err = h.dispatcher.Dispatch(c.Request.Context(), request.RecipientID, notifications.Draft{
			SenderID:  userID,
			Type:      request.Type,
			Title:     request.Title,
			Body:      request.Body,
			Data:      request.Data,
			Priority:  request.Priority,
			ExpiresAt: request.ExpiresAt,
		}, channels)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}
	views, err := h.inbox.List(c.Request.Context(), c.GetString(userIDContextKey), notifications.Status(c.Query("status")), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": views})
}

func (h *httpHandler) handleUnreadCount(c *gin.Context) {
	count, err := h.inbox.UnreadCount(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	view, err := h.inbox.MarkRead(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleMarkAllRead(c *gin.Context) {
	updated, err := h.inbox.MarkAllRead(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

func (h *httpHandler) handleArchive(c *gin.Context) {
	view, err := h.inbox.Archive(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleDeleteNotification(c *gin.Context) {
	if err := h.inbox.Delete(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type deliveredRequestPayload struct {
	Channel notifications.ChannelKind `json:"channel"`
}

func (h *httpHandler) handleMarkDelivered(c *gin.Context) {
	var request deliveredRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Channel == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	view, err := h.inbox.MarkDelivered(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"), request.Channel)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type scheduleRequestPayload struct {
	RecipientID          string                `json:"recipientId"`
	Template             scheduler.Template    `json:"template"`
	ScheduledTime        time.Time             `json:"scheduledTime"`
	Recurrence           *scheduler.Recurrence `json:"recurrence"`
	Conditions           *scheduler.Conditions `json:"conditions"`
	MaxExecutionAttempts int                   `json:"maxExecutionAttempts"`
}

func (h *httpHandler) handleSchedule(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request scheduleRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	recipientID := strings.TrimSpace(request.RecipientID)
	if recipientID == "" {
		recipientID = userID
	}
	request.Template.Channels = notifications.WithoutAddressOverrides(request.Template.Channels)
	row, err := h.scheduler.Schedule(c.Request.Context(), scheduler.ScheduleRequest{
		UserID:               recipientID,
		CreatedBy:            userID,
		Template:             request.Template,
		ScheduledTime:        request.ScheduledTime,
		Recurrence:           request.Recurrence,
		Conditions:           request.Conditions,
		MaxExecutionAttempts: request.MaxExecutionAttempts,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	h.logger.Info("notification scheduled",
		zap.String("schedule_id", row.ID),
		zap.String("user_id", row.UserID),
		zap.String("created_by", row.CreatedBy),
		zap.String("status", string(row.Status)),
		zap.Time("scheduled_time", row.ScheduledTime))
	c.JSON(http.StatusCreated, row.View())
}

func (h *httpHandler) handleGetSchedule(c *gin.Context) {
	row, err := h.scheduler.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !row.VisibleTo(c.GetString(userIDContextKey)) {
		writeError(c, apperr.New(apperr.KindForbidden, "scheduler.get", "not_owner", nil))
		return
	}
	c.JSON(http.StatusOK, row.View())
}

func (h *httpHandler) handleCancelSchedule(c *gin.Context) {
	if err := h.scheduler.Cancel(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type profileRequestPayload struct {
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Timezone string `json:"timezone"`
}

func (h *httpHandler) handleUpdateProfile(c *gin.Context) {
	var request profileRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	profile, err := h.directory.UpdateProfile(c.Request.Context(), c.GetString(userIDContextKey), users.ProfileUpdate{
		Email:    request.Email,
		Phone:    request.Phone,
		Timezone: request.Timezone,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":   profile.UserID,
		"email":    profile.Email,
		"phone":    profile.Phone,
		"timezone": profile.Timezone,
	})
}

type deviceRequestPayload struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

func (h *httpHandler) handleRegisterDevice(c *gin.Context) {
	var request deviceRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.directory.RegisterDeviceToken(c.Request.Context(), c.GetString(userIDContextKey), request.Token, request.Platform); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRemoveDevice(c *gin.Context) {
	if err := h.directory.RemoveUserDeviceToken(c.Request.Context(), c.GetString(userIDContextKey), c.Param("token")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRoomHistory(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}
	var before time.Time
	if raw := c.Query("before"); raw != "" {
		before, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_before"})
			return
		}
	}
	messages, err := h.chat.History(c.Request.Context(), c.GetString(userIDContextKey), c.Param("room"), before, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
