package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/examsync/internal/model"
	"github.com/stemsi/examsync/internal/service"
	ws "github.com/stemsi/examsync/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler handles the live session stream: sync on connect, answer and
// navigation traffic, heartbeats, and the periodic authoritative timer push.
type WSHandler struct {
	sessionService *service.SessionService
	hub            *ws.Hub
	log            zerolog.Logger
	upgrader       websocket.Upgrader
	timerInterval  time.Duration
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(sessionService *service.SessionService, hub *ws.Hub, log zerolog.Logger, allowedOrigins []string, timerInterval time.Duration) *WSHandler {
	if timerInterval <= 0 {
		timerInterval = 5 * time.Second
	}
	return &WSHandler{
		sessionService: sessionService,
		hub:            hub,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
		timerInterval:  timerInterval,
	}
}

// SessionStream godoc
// WS /ws/v1/sessions/:session_id/stream
// Upgrades to WebSocket for real-time session synchronization.
func (h *WSHandler) SessionStream(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session ID"})
		return
	}

	session, err := h.sessionService.GetSessionState(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.log.Error().Err(err).Msg("Session lookup error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.NewConn(raw)
	defer raw.Close()

	wsLog := h.log.With().Str("session_id", sessionID.String()).Logger()

	// Late join on a finished attempt: report the outcome and hang up.
	if session.Status.Terminal() {
		conn.Send(&ws.TestCompletedMessage{Type: ws.TypeTestCompleted, Status: session.Status})
		return
	}

	h.hub.Register(sessionID, conn)
	defer h.hub.Unregister(sessionID, conn)

	wsLog.Info().Msg("Client connected")

	stopTimer := make(chan struct{})
	defer close(stopTimer)
	go h.pushTimer(sessionID, conn, wsLog, stopTimer)

	for {
		data, err := conn.Read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		msg, err := ws.Decode(data)
		if err != nil {
			// Malformed or unknown frames never break the stream.
			wsLog.Warn().Err(err).Msg("Ignoring malformed message")
			conn.SendError("malformed message")
			continue
		}

		switch m := msg.(type) {
		case *ws.SyncMessage:
			h.handleSync(sessionID, conn, wsLog, m)
		case *ws.SaveAnswerMessage:
			h.handleSaveAnswer(sessionID, conn, wsLog, m)
		case *ws.UpdateQuestionIndexMessage:
			h.handleUpdateIndex(sessionID, conn, wsLog, m)
		case *ws.PingMessage:
			conn.Send(&ws.PongMessage{Type: ws.TypePong})
		default:
			wsLog.Warn().Type("message", msg).Msg("Unexpected message direction")
			conn.SendError("unsupported message type")
		}
	}
}

// handleSync absorbs the client's reconnect state and replies with the
// merged authoritative correction.
func (h *WSHandler) handleSync(sessionID uuid.UUID, conn *ws.Conn, wsLog zerolog.Logger, m *ws.SyncMessage) {
	ctx := context.Background()

	index, answers, err := h.sessionService.ApplySync(ctx, sessionID, m.CurrentQuestionIndex, m.Answers)
	if err != nil {
		if errors.Is(err, service.ErrSessionTerminal) {
			h.sendTerminal(ctx, sessionID, conn, wsLog)
			return
		}
		wsLog.Error().Err(err).Msg("Sync error")
		conn.SendError("sync failed")
		return
	}

	conn.Send(&ws.SessionStateMessage{
		Type:                 ws.TypeSessionState,
		CurrentQuestionIndex: &index,
		Answers:              answers,
	})
}

func (h *WSHandler) handleSaveAnswer(sessionID uuid.UUID, conn *ws.Conn, wsLog zerolog.Logger, m *ws.SaveAnswerMessage) {
	ctx := context.Background()

	if m.QuestionID == uuid.Nil {
		conn.SendError("questionId is required")
		return
	}

	if err := h.sessionService.SaveAnswer(ctx, sessionID, m.QuestionID, m.Answer); err != nil {
		if errors.Is(err, service.ErrSessionTerminal) {
			h.sendTerminal(ctx, sessionID, conn, wsLog)
			return
		}
		wsLog.Error().Err(err).Msg("Save answer error")
		conn.SendError("save failed")
		return
	}

	conn.Send(&ws.AnswerSavedMessage{Type: ws.TypeAnswerSaved, QuestionID: m.QuestionID})

	// Other tabs of the same attempt learn about the edit as a correction.
	h.hub.BroadcastExcept(sessionID, conn, &ws.SessionStateMessage{
		Type:    ws.TypeSessionState,
		Answers: map[uuid.UUID]model.Answer{m.QuestionID: m.Answer},
	})
}

func (h *WSHandler) handleUpdateIndex(sessionID uuid.UUID, conn *ws.Conn, wsLog zerolog.Logger, m *ws.UpdateQuestionIndexMessage) {
	ctx := context.Background()

	if err := h.sessionService.UpdateQuestionIndex(ctx, sessionID, m.QuestionIndex); err != nil {
		wsLog.Error().Err(err).Msg("Update index error")
		conn.SendError("navigation update failed")
		return
	}

	h.hub.BroadcastExcept(sessionID, conn, &ws.QuestionIndexUpdatedMessage{
		Type:          ws.TypeQuestionIndexUpdated,
		QuestionIndex: m.QuestionIndex,
	})
}

// sendTerminal tells a client that raced the deadline what actually happened.
func (h *WSHandler) sendTerminal(ctx context.Context, sessionID uuid.UUID, conn *ws.Conn, wsLog zerolog.Logger) {
	session, err := h.sessionService.GetSessionState(ctx, sessionID)
	if err != nil {
		wsLog.Error().Err(err).Msg("Terminal lookup error")
		conn.SendError("session is finished")
		return
	}
	conn.Send(&ws.TestCompletedMessage{Type: ws.TypeTestCompleted, Status: session.Status})
}

// pushTimer pushes the authoritative remaining time periodically. When it
// hits zero the session is expired here rather than waiting for the sweep,
// so the connected client learns about the deadline with minimal delay.
func (h *WSHandler) pushTimer(sessionID uuid.UUID, conn *ws.Conn, wsLog zerolog.Logger, stop chan struct{}) {
	ticker := time.NewTicker(h.timerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx := context.Background()
			remaining, err := h.sessionService.RemainingSeconds(ctx, sessionID)
			if err != nil {
				wsLog.Warn().Err(err).Msg("Remaining time lookup error")
				continue
			}

			if remaining > 0 {
				if err := conn.Send(&ws.TimerUpdateMessage{Type: ws.TypeTimerUpdate, TimeRemainingSeconds: remaining}); err != nil {
					return
				}
				continue
			}

			result, err := h.sessionService.ExpireSession(ctx, sessionID)
			if err != nil {
				wsLog.Error().Err(err).Msg("Expire session error")
				continue
			}
			h.hub.Broadcast(sessionID, &ws.TimeExpiredMessage{
				Type:    ws.TypeTimeExpired,
				Message: "time is up",
				Result:  result,
			})
			return
		}
	}
}
