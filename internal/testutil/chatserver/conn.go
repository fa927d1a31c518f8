package chatserver

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	logs "github.com/danmuck/chatlink/internal/logging"
	"github.com/danmuck/chatlink/internal/protocol"
	"github.com/gorilla/websocket"
)

type conn struct {
	server *Server
	ws     *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	user    string
	session string
}

func (c *conn) login(userID, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = userID
	c.session = sessionID
}

func (c *conn) authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != ""
}

func (c *conn) userID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

func (c *conn) sessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *conn) write(env protocol.Envelope) {
	env.Header.SessionID = protocol.SessionID(c.sessionID())
	data, err := protocol.Encode(env)
	if err != nil {
		logs.Warnf("chatserver.conn.write encode failed key=%s err=%v", env.Key(), err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		logs.Debugf("chatserver.conn.write failed key=%s err=%v", env.Key(), err)
	}
}

func (c *conn) kick(code int) {
	if code != 0 {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(code, "kicked")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
	}
	_ = c.ws.Close()
}

func jsonNumber(n int64) json.Number {
	return json.Number(strconv.FormatInt(n, 10))
}
