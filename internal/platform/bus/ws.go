package bus

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Fronting gateway enforces origins.
	},
}

// WSHandler handles HTTP-to-WebSocket upgrades and message routing.
type WSHandler struct {
	hub *Hub
}

func NewWSHandler(hub *Hub) *WSHandler {
	return &WSHandler{hub: hub}
}

// RegisterRoutes registers the subscription endpoint on the provided group.
func (wsh *WSHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the connection, registers the client under its
// session id, and starts the read/write pumps. Initial record subscriptions
// may be passed as ?records=id1,id2; later ones arrive as client messages.
func (wsh *WSHandler) HandleConnect(c echo.Context) error {
	session := c.QueryParam("session")
	if session == "" {
		session = uuid.New().String()
	}

	var topics []string
	if records := c.QueryParam("records"); records != "" {
		for _, r := range strings.Split(records, ",") {
			if r = strings.TrimSpace(r); r != "" {
				topics = append(topics, r)
			}
		}
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		SessionID: session,
		Topics:    topics,
		Send:      make(chan []byte, 256),
		conn:      &gorillaConnAdapter{ws},
	}

	wsh.hub.Register(client)

	go wsh.writePump(client)
	go wsh.readPump(client)

	return nil
}

func (wsh *WSHandler) readPump(client *Client) {
	defer func() {
		wsh.hub.Unregister(client)
		client.conn.Close()
	}()

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue // Ignore malformed messages.
		}

		wsh.hub.ProcessMessage(client, msg)
	}
}

func (wsh *WSHandler) writePump(client *Client) {
	defer client.conn.Close()

	for message := range client.Send {
		if err := client.conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			break
		}
	}
}

// gorillaConnAdapter wraps a gorilla/websocket.Conn to satisfy Conn.
type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
