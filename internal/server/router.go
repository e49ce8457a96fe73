package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/huddle/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/scheduler"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "huddle_user_id"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingChat           = errors.New("chat coordinator dependency required")
	errMissingPresence       = errors.New("presence registry and router dependencies required")
	errMissingDispatcher     = errors.New("notification dispatcher dependency required")
	errMissingInbox          = errors.New("notification inbox dependency required")
	errMissingScheduler      = errors.New("scheduler dependency required")
	errMissingDirectory      = errors.New("user directory dependency required")
)

// TokenValidator resolves an access token to its user id.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the services behind the HTTP and websocket surfaces.
type Dependencies struct {
	Tokens         TokenValidator
	Chat           *chat.Coordinator
	Registry       *presence.Registry
	Router         *presence.Router
	Dispatcher     *notifications.Dispatcher
	Inbox          *notifications.Inbox
	Scheduler      *scheduler.Engine
	Directory      *users.Service
	AllowedOrigins []string
	Logger         *zap.Logger

	// MediaFiles, when set, is served read-only under MediaPath.
	MediaFiles http.FileSystem
	MediaPath  string
}

// NewHTTPHandler builds the gin engine serving REST routes and the /ws upgrade.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Tokens == nil:
		return nil, errMissingTokenValidator
	case deps.Chat == nil:
		return nil, errMissingChat
	case deps.Registry == nil || deps.Router == nil:
		return nil, errMissingPresence
	case deps.Dispatcher == nil:
		return nil, errMissingDispatcher
	case deps.Inbox == nil:
		return nil, errMissingInbox
	case deps.Scheduler == nil:
		return nil, errMissingScheduler
	case deps.Directory == nil:
		return nil, errMissingDirectory
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	handler := &httpHandler{
		tokens:     deps.Tokens,
		chat:       deps.Chat,
		registry:   deps.Registry,
		router:     deps.Router,
		dispatcher: deps.Dispatcher,
		inbox:      deps.Inbox,
		scheduler:  deps.Scheduler,
		directory:  deps.Directory,
		origins:    newOriginPolicy(deps.AllowedOrigins),
		logger:     logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", handler.handleWebsocket)
	if deps.MediaFiles != nil && strings.HasPrefix(deps.MediaPath, "/") {
		router.StaticFS(deps.MediaPath, deps.MediaFiles)
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.POST("/notifications/dispatch", handler.handleDispatch)
	protected.GET("/notifications", handler.handleListNotifications)
	protected.GET("/notifications/unread-count", handler.handleUnreadCount)
	protected.POST("/notifications/read-all", handler.handleMarkAllRead)
	protected.POST("/notifications/:id/read", handler.handleMarkRead)
	protected.POST("/notifications/:id/archive", handler.handleArchive)
	protected.POST("/notifications/:id/delivered", handler.handleMarkDelivered)
	protected.DELETE("/notifications/:id", handler.handleDeleteNotification)

	protected.POST("/scheduled-notifications", handler.handleSchedule)
	protected.GET("/scheduled-notifications/:id", handler.handleGetSchedule)
	protected.DELETE("/scheduled-notifications/:id", handler.handleCancelSchedule)

	protected.PATCH("/profile", handler.handleUpdateProfile)
	protected.POST("/devices", handler.handleRegisterDevice)
	protected.DELETE("/devices/:token", handler.handleRemoveDevice)

	protected.GET("/rooms/:room/messages", handler.handleRoomHistory)

	return router, nil
}

type httpHandler struct {
	tokens     TokenValidator
	chat       *chat.Coordinator
	registry   *presence.Registry
	router     *presence.Router
	dispatcher *notifications.Dispatcher
	inbox      *notifications.Inbox
	scheduler  *scheduler.Engine
	directory  *users.Service
	origins    originPolicy
	logger     *zap.Logger
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	policy := newOriginPolicy(origins)
	if policy.any {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"online": h.registry.OnlineCount(),
		"rooms":  h.registry.RoomCount(),
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	userID, err := h.authenticate(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err := h.directory.EnsureProfile(c.Request.Context(), userID); err != nil {
		h.logger.Warn("profile provisioning failed", zap.String("user_id", userID), zap.Error(err))
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

// authenticate validates the request's access token. Expired tokens log at info, other failures at warn.
func (h *httpHandler) authenticate(r *http.Request) (string, error) {
	token, err := auth.TokenFromRequest(r)
	if err != nil {
		return "", err
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		return "", err
	}
	return subject, nil
}

// writeError maps a service error onto an HTTP status and its error code.
func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": apperr.CodeOf(err)})
}

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAccessDenied, apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindClaimConflict, apperr.KindUserUnavailable:
		return http.StatusConflict
	case apperr.KindDeliveryFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
