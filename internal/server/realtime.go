package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/huddle/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/huddle/backend/internal/presence"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	EventConnected            = "connected"
	EventOfflineNotifications = "offline-notifications"
	EventError                = "error"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 36 << 20
	sendBufferSize = 256
)

var errConnectionClosed = errors.New("websocket: connection closed")

// envelope is the JSON frame exchanged in both directions over /ws.
type envelope struct {
	Event     string          `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type outboundEnvelope struct {
	Event     string `json:"event"`
	RequestID string `json:"requestId,omitempty"`
	Data      any    `json:"data,omitempty"`
}

type errorPayload struct {
	Action  string `json:"action"`
	Code    string `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type originPolicy struct {
	any     bool
	allowed map[string]struct{}
}

func newOriginPolicy(origins []string) originPolicy {
	policy := originPolicy{allowed: make(map[string]struct{})}
	for _, origin := range origins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "*" {
			policy.any = true
			continue
		}
		if origin != "" {
			policy.allowed[strings.ToLower(origin)] = struct{}{}
		}
	}
	if len(policy.allowed) == 0 {
		policy.any = true
	}
	return policy
}

// check accepts requests without an Origin header (native clients) and listed browser origins.
func (p originPolicy) check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || p.any {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	_, ok := p.allowed[strings.ToLower(parsed.Scheme+"://"+parsed.Host)]
	return ok
}

// wsClient is one websocket connection. It is the presence.Handle of its user.
type wsClient struct {
	id        string
	userID    string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

func newWSClient(userID string, conn *websocket.Conn, logger *zap.Logger) *wsClient {
	return &wsClient{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (c *wsClient) ID() string     { return c.id }
func (c *wsClient) UserID() string { return c.userID }

// Send queues an event. A client whose buffer is full is closed.
func (c *wsClient) Send(event string, payload any) error {
	return c.sendEnvelope(outboundEnvelope{Event: event, Data: payload})
}

func (c *wsClient) sendEnvelope(frame outboundEnvelope) error {
	encoded, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errConnectionClosed
	default:
	}
	select {
	case c.send <- encoded:
		return nil
	case <-c.done:
		return errConnectionClosed
	default:
		c.logger.Warn("websocket send buffer full, closing connection", zap.String("user_id", c.userID))
		_ = c.Close()
		return errConnectionClosed
	}
}

func (c *wsClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
	return nil
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readPump decodes inbound frames and hands each one to process until the connection drops.
func (c *wsClient) readPump(process func(envelope)) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket closed unexpectedly", zap.String("user_id", c.userID), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		var frame envelope
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
			_ = c.sendEnvelope(outboundEnvelope{Event: EventError, Data: errorPayload{
				Code:    "ws.malformed_frame",
				Kind:    string(apperr.KindValidation),
				Message: "frames must be JSON objects with an event",
			}})
			continue
		}
		process(frame)
	}
}

var actionDecoders = map[string]func(json.RawMessage) (chat.Action, error){
	chat.JoinRoom{}.Name():      decodeAction[chat.JoinRoom],
	chat.LeaveRoom{}.Name():     decodeAction[chat.LeaveRoom],
	chat.SendMessage{}.Name():   decodeAction[chat.SendMessage],
	chat.EditMessage{}.Name():   decodeAction[chat.EditMessage],
	chat.DeleteMessage{}.Name(): decodeAction[chat.DeleteMessage],
	chat.React{}.Name():         decodeAction[chat.React],
	chat.Typing{}.Name():        decodeAction[chat.Typing],
	chat.MarkRead{}.Name():      decodeAction[chat.MarkRead],
	chat.ShareFile{}.Name():     decodeAction[chat.ShareFile],
	chat.ShareVoice{}.Name():    decodeAction[chat.ShareVoice],
	chat.StartCall{}.Name():     decodeAction[chat.StartCall],
	chat.AcceptCall{}.Name():    decodeAction[chat.AcceptCall],
	chat.RejectCall{}.Name():    decodeAction[chat.RejectCall],
	chat.EndCall{}.Name():       decodeAction[chat.EndCall],
}

func decodeAction[T chat.Action](data json.RawMessage) (chat.Action, error) {
	var action T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &action); err != nil {
			return nil, err
		}
	}
	return action, nil
}

func (h *httpHandler) handleWebsocket(c *gin.Context) {
	userID, err := h.authenticate(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.origins.check,
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	client := newWSClient(userID, conn, h.logger)
	h.connect(ctx, client)
	go client.writePump()

	session := chat.NewSession(userID)
	client.readPump(func(frame envelope) {
		session = h.process(ctx, client, session, frame)
	})

	h.disconnect(ctx, client, session)
}

// connect registers the client and sends the greeting and any queued notifications.
func (h *httpHandler) connect(ctx context.Context, client *wsClient) {
	if err := h.directory.EnsureProfile(ctx, client.userID); err != nil {
		h.logger.Warn("profile provisioning failed", zap.String("user_id", client.userID), zap.Error(err))
	}
	if err := h.directory.TouchLastActive(ctx, client.userID); err != nil {
		h.logger.Debug("last active update failed", zap.String("user_id", client.userID), zap.Error(err))
	}
	if err := h.registry.Register(client.userID, client); err != nil {
		h.logger.Error("presence registration failed", zap.String("user_id", client.userID), zap.Error(err))
		_ = client.Close()
		return
	}
	_ = client.Send(EventConnected, gin.H{
		"userId":       client.userID,
		"connectionId": client.id,
		"personalRoom": presence.PersonalRoom(client.userID),
	})

	entries, err := h.dispatcher.DrainOffline(ctx, client.userID)
	if err != nil {
		h.logger.Warn("offline queue drain failed", zap.String("user_id", client.userID), zap.Error(err))
		return
	}
	if len(entries) > 0 {
		_ = client.Send(EventOfflineNotifications, entries)
	}
}

func (h *httpHandler) process(ctx context.Context, client *wsClient, session chat.Session, frame envelope) chat.Session {
	h.registry.Touch(client.userID)
	decode, ok := actionDecoders[frame.Event]
	if !ok {
		_ = client.sendEnvelope(outboundEnvelope{Event: EventError, RequestID: frame.RequestID, Data: errorPayload{
			Action:  frame.Event,
			Code:    "ws.unknown_event",
			Kind:    string(apperr.KindValidation),
			Message: "unknown event",
		}})
		return session
	}
	action, err := decode(frame.Data)
	if err != nil {
		_ = client.sendEnvelope(outboundEnvelope{Event: EventError, RequestID: frame.RequestID, Data: errorPayload{
			Action:  frame.Event,
			Code:    "ws.malformed_payload",
			Kind:    string(apperr.KindValidation),
			Message: err.Error(),
		}})
		return session
	}

	next, effects, err := h.chat.Handle(ctx, session, action)
	if err != nil && apperr.KindOf(err) == apperr.KindInternal {
		h.logger.Error("chat action failed", zap.String("user_id", client.userID), zap.String("action", frame.Event), zap.Error(err))
	}
	h.apply(client, frame.RequestID, effects)
	return next
}

// apply performs the transport work of a transition in order.
func (h *httpHandler) apply(client *wsClient, requestID string, effects []chat.Effect) {
	for _, effect := range effects {
		switch typed := effect.(type) {
		case chat.Reply:
			_ = client.sendEnvelope(outboundEnvelope{Event: typed.Event, RequestID: requestID, Data: typed.Payload})
		case chat.Broadcast:
			h.router.BroadcastExcept(typed.Room, typed.ExceptUserID, typed.Event, typed.Payload)
		case chat.Notify:
			h.router.SendToUser(typed.UserID, typed.Event, typed.Payload)
		case chat.Enter:
			if err := h.registry.JoinRoom(typed.Room, client); err != nil {
				h.logger.Debug("room join skipped", zap.String("room", typed.Room), zap.Error(err))
			}
		case chat.Exit:
			if err := h.registry.LeaveRoom(typed.Room, client); err != nil {
				h.logger.Debug("room leave skipped", zap.String("room", typed.Room), zap.Error(err))
			}
		case chat.Reject:
			_ = client.sendEnvelope(outboundEnvelope{Event: EventError, RequestID: requestID, Data: errorPayload{
				Action:  typed.Action,
				Code:    apperr.CodeOf(typed.Err),
				Kind:    string(apperr.KindOf(typed.Err)),
				Message: typed.Err.Error(),
			}})
		}
	}
}

func (h *httpHandler) disconnect(ctx context.Context, client *wsClient, session chat.Session) {
	_, effects, _ := h.chat.Handle(ctx, session, chat.Disconnect{})
	h.registry.Release(client)
	h.apply(client, "", effects)
	_ = client.Close()
	if err := h.directory.TouchLastActive(ctx, client.userID); err != nil {
		h.logger.Debug("last active update failed", zap.String("user_id", client.userID), zap.Error(err))
	}
}
