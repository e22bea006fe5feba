// Package stream serves generation progress over websockets.
package stream

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/liliang-cn/askgen/internal/config"
	"github.com/liliang-cn/askgen/internal/domain"
	"github.com/liliang-cn/askgen/internal/event"
	"github.com/liliang-cn/askgen/internal/logging"
	"github.com/liliang-cn/askgen/internal/service"
)

// CloseMessageNotFound is the close code sent for an unknown message
const CloseMessageNotFound = 4004

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
)

// TimeoutMessage is sent when a generation outlives the maximum wait
const TimeoutMessage = "Timed out waiting for generation"

// Handler pushes the tokens and the outcome of one generation
type Handler struct {
	generationService *service.GenerationService
	upgrader          websocket.Upgrader
	tick              time.Duration
	maxWait           time.Duration
	log               *zap.Logger
}

// NewHandler creates a new stream handler
func NewHandler(generationService *service.GenerationService, cfg config.GenerationConfig, log *zap.Logger) *Handler {
	tick := cfg.StreamTick
	if tick <= 0 {
		tick = 500 * time.Millisecond
	}
	maxWait := cfg.StreamMaxWait
	if maxWait <= 0 {
		maxWait = 10 * time.Minute
	}
	return &Handler{
		generationService: generationService,
		upgrader:          websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origins are enforced by the API key, not the browser
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		tick:    tick,
		maxWait: maxWait,
		log:     logging.OrNop(log),
	}
}

// RegisterRoutes registers websocket routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/messages/:message_id/stream", h.Stream)
}

// Stream handles GET /messages/:message_id/stream?conversation_id=
func (h *Handler) Stream(c *gin.Context) {
	messageID := c.Param("message_id")
	conversationID := c.Query("conversation_id")
	log := h.log.With(
		zap.String("message_id", messageID),
		zap.String("conversation_id", conversationID),
	)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already answered the request
		log.Warn("Failed to upgrade websocket", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go readPump(conn, cancel)

	msg, err := h.generationService.Message(ctx, conversationID, messageID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			closeWith(conn, CloseMessageNotFound, "Message not found")
			return
		}
		log.Error("Failed to load message", zap.Error(err))
		closeWith(conn, websocket.CloseInternalServerErr, "Internal error")
		return
	}

	log.Debug("Stream opened", zap.String("status", string(msg.Status)))
	if err := h.push(ctx, conn, msg); err != nil {
		log.Debug("Stream ended early", zap.Error(err))
		return
	}
	closeWith(conn, websocket.CloseNormalClosure, "")
	log.Debug("Stream closed")
}

// push sends the status frame, every cached token, and the final frames.
// It returns nil once the close frame was written.
func (h *Handler) push(ctx context.Context, conn *websocket.Conn, msg *domain.Message) error {
	cache := h.generationService.Cache()

	if err := writeFrame(conn, event.StatusFrame(msg.Status, msg.Content, time.Now())); err != nil {
		return err
	}

	deadline := time.NewTimer(h.maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(h.tick)
	defer ticker.Stop()
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	sent := 0
	send := func(tokens []string) error {
		for _, tok := range tokens {
			sent++
			if err := writeFrame(conn, event.TokenFrame(tok, sent)); err != nil {
				return err
			}
		}
		return nil
	}

	check := true
	for {
		tokens, finished, changed := cache.Since(msg.ID, sent)
		if err := send(tokens); err != nil {
			return err
		}

		if finished || changed == nil || check {
			cur, err := h.generationService.Message(ctx, msg.ConversationID, msg.ID)
			if err != nil {
				return writeFinal(conn, event.ErrorFrame(err.Error()))
			}
			if cur.Status.Terminal() {
				rest, _, _ := cache.Since(msg.ID, sent)
				if err := send(rest); err != nil {
					return err
				}
				if cur.Status == domain.StatusError {
					reason := ""
					if cur.ErrorMessage != nil {
						reason = *cur.ErrorMessage
					}
					return writeFinal(conn, event.ErrorFrame(reason))
				}
				return writeFinal(conn, event.CompleteFrame(cur))
			}
		}
		check = false

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.generationService.Done():
			return writeFinal(conn, event.ErrorFrame(service.InterruptedMessage))
		case <-deadline.C:
			return writeFinal(conn, event.ErrorFrame(TimeoutMessage))
		case <-changed:
		case <-ticker.C:
			check = true
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		}
	}
}

// readPump drains client frames and reports disconnects through cancel
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, f event.Frame) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}

// writeFinal sends a terminal frame followed by the close frame
func writeFinal(conn *websocket.Conn, f event.Frame) error {
	if err := writeFrame(conn, f); err != nil {
		return err
	}
	return writeFrame(conn, event.CloseFrame())
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(writeWait))
}
