package gateway

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/codestun/chatsync/internal/auth"
	"github.com/codestun/chatsync/internal/remote"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins; tighten in production.
	},
}

// SetupRoutes registers the gateway's HTTP surface on an Echo instance.
func (m *Manager) SetupRoutes(e *echo.Echo) {
	e.GET("/healthz", m.handleHealth)
	e.GET("/gateway", m.handleWebSocket)
	e.POST("/conversations/:id/messages", m.handleAppend)
}

func (m *Manager) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebSocket upgrades the connection and starts the pumps. The
// client must identify before it receives any snapshot.
func (m *Manager) handleWebSocket(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("gateway upgrade error", "error", err)
		return nil
	}

	conn := newConnection(ws, m)
	conn.SendPayload(remote.Payload{
		Op:   remote.OpHello,
		Data: mustMarshal(remote.HelloData{HeartbeatInterval: int(heartbeatInterval.Milliseconds())}),
	})

	go conn.writePump()
	go conn.readPump()

	return nil
}

// handleAppend persists a message record and fans the new snapshot out
// to all subscribers. The author is taken from the token, never from
// the request body.
func (m *Manager) handleAppend(c echo.Context) error {
	conversationID := c.Param("id")

	claims, err := m.authorize(c)
	if err != nil {
		return err
	}

	var rec remote.Record
	if err := c.Bind(&rec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid message record")
	}

	if rec.Text == "" && rec.Image == "" && rec.Audio == "" && rec.Location == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "message has no content")
	}

	rec.User = remote.RecordUser{ID: claims.UserID, Name: claims.Name}
	stored := m.store.Append(conversationID, rec)
	m.Broadcast(conversationID)

	return c.JSON(http.StatusCreated, stored)
}

func (m *Manager) authorize(c echo.Context) (*auth.Claims, error) {
	header := c.Request().Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
	}
	claims, err := m.tokens.Validate(token)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
	}
	return claims, nil
}
