// Package chatserver runs an in-process websocket chat server that speaks the
// session wire protocol, for client tests.
package chatserver

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/chatlink/internal/auth"
	logs "github.com/danmuck/chatlink/internal/logging"
	"github.com/danmuck/chatlink/internal/protocol"
	"github.com/gorilla/websocket"
)

// Options configures a Server. Zero values take defaults.
type Options struct {
	// Secret signs issued credentials (HS256).
	Secret []byte
	// TokenTTL is the lifetime of issued credentials.
	TokenTTL time.Duration
	// Users maps user id to password. A nil map accepts any login.
	Users map[string]string
}

// User is the public profile returned by list and info calls.
type User struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type heldReply struct {
	conn *conn
	env  protocol.Envelope
}

// Server is a test chat server bound to a loopback httptest listener.
type Server struct {
	opts     Options
	issuer   auth.Issuer
	http     *httptest.Server
	upgrader websocket.Upgrader

	nextSession atomic.Int64
	nextMessage atomic.Int64

	dropPongs   atomic.Bool
	refuseLogin atomic.Bool
	refuseDial  atomic.Bool
	legacyReply atomic.Bool
	holdReplies atomic.Bool
	refreshCode atomic.Int32
	auths       atomic.Int32
	refreshes   atomic.Int32
	pings       atomic.Int32
	dials       atomic.Int32

	mu       sync.Mutex
	conns    map[*conn]struct{}
	held     []heldReply
	received []protocol.Envelope
}

// New starts a server and registers its shutdown with t.Cleanup.
func New(t testing.TB, opts Options) *Server {
	t.Helper()
	if len(opts.Secret) == 0 {
		opts.Secret = []byte("chatserver-secret")
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 30 * time.Minute
	}
	s := &Server{
		opts:   opts,
		issuer: auth.Issuer{Secret: opts.Secret, TTL: opts.TokenTTL},
		conns:  make(map[*conn]struct{}),
	}
	s.nextSession.Store(100000)
	s.http = httptest.NewServer(http.HandlerFunc(s.serveWS))
	t.Cleanup(s.Close)
	return s
}

// URL is the ws:// address of the chat endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws"
}

func (s *Server) Close() {
	s.Kick(0)
	s.http.Close()
}

// DropPongs stops answering ping probes.
func (s *Server) DropPongs(drop bool) { s.dropPongs.Store(drop) }

// RefuseLogin answers every auth request with 401.
func (s *Server) RefuseLogin(refuse bool) { s.refuseLogin.Store(refuse) }

// RefuseDial rejects websocket upgrades with 503.
func (s *Server) RefuseDial(refuse bool) { s.refuseDial.Store(refuse) }

// LegacyReplies sends auth and refresh results without a request id.
func (s *Server) LegacyReplies(legacy bool) { s.legacyReply.Store(legacy) }

// FailRefresh answers refresh requests with code. Zero restores success.
func (s *Server) FailRefresh(code int) { s.refreshCode.Store(int32(code)) }

// HoldReplies queues chat replies until ReleaseHeld.
func (s *Server) HoldReplies(hold bool) { s.holdReplies.Store(hold) }

// ReleaseHeld sends queued replies, last queued first when reverse is set.
func (s *Server) ReleaseHeld(reverse bool) int {
	s.mu.Lock()
	held := s.held
	s.held = nil
	s.mu.Unlock()
	if reverse {
		for i, j := 0, len(held)-1; i < j; i, j = i+1, j-1 {
			held[i], held[j] = held[j], held[i]
		}
	}
	for _, h := range held {
		h.conn.write(h.env)
	}
	return len(held)
}

// Held is the number of queued replies.
func (s *Server) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

func (s *Server) Auths() int { return int(s.auths.Load()) }
func (s *Server) Refreshes() int { return int(s.refreshes.Load()) }
func (s *Server) Pings() int { return int(s.pings.Load()) }
func (s *Server) Dials() int { return int(s.dials.Load()) }

// Connections is the number of live websocket connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Received returns every decoded inbound envelope in arrival order.
func (s *Server) Received() []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Envelope(nil), s.received...)
}

// Kick closes every connection. Code 0 drops the socket without a close
// frame; any other code performs a close handshake with that code.
func (s *Server) Kick(code int) {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.kick(code)
	}
}

// Broadcast pushes payload on BroadcastMessage to every authenticated
// connection.
func (s *Server) Broadcast(payload any) error {
	p, err := protocol.NewPayload(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		if c.authenticated() {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.write(protocol.NewEnvelope(protocol.BroadcastMessage, 0, p))
	}
	return nil
}

// Say broadcasts a chat line from userID.
func (s *Server) Say(userID, content string) error {
	return s.Broadcast(map[string]any{"message": s.chatMessage(userID, content)})
}

// IssueToken signs a credential for userID.
func (s *Server) IssueToken(userID string) (string, error) {
	return s.issuer.Issue(userID)
}

func (s *Server) chatMessage(userID, content string) protocol.ChatMessage {
	return protocol.ChatMessage{
		MessageType: 0,
		MessageID:   jsonNumber(s.nextMessage.Add(1)),
		UserID:      userID,
		UserName:    userID,
		Content:     content,
		Timestamp:   []byte(strconv.FormatInt(time.Now().UnixMilli(), 10)),
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	s.dials.Add(1)
	if s.refuseDial.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logs.Warnf("chatserver.Server.serveWS upgrade failed err=%v", err)
		return
	}
	c := &conn{server: s, ws: ws}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			logs.Debugf("chatserver.Server.serveWS closed session=%s err=%v", c.sessionID(), err)
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			logs.Warnf("chatserver.Server.serveWS malformed frame err=%v", err)
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, env)
		s.mu.Unlock()
		if !s.handle(c, env) {
			return
		}
	}
}

// handle dispatches one request; false ends the connection.
func (s *Server) handle(c *conn, env protocol.Envelope) bool {
	key := env.Key()
	id := env.Header.RequestID
	switch key {
	case protocol.Ping:
		s.pings.Add(1)
		if s.dropPongs.Load() {
			return true
		}
		c.write(protocol.NewEnvelope(protocol.Ping, id, protocol.RawPayload("pong")))
		return true
	case protocol.Auth:
		s.login(c, env)
		return true
	}

	if !c.authenticated() {
		c.write(reply(key, id, status(protocol.StatusUnauthorized, "not authenticated")))
		c.kick(websocket.ClosePolicyViolation)
		return false
	}

	switch key {
	case protocol.RefreshCredential:
		s.refresh(c, env)
	case protocol.ListUsers:
		s.reply(c, reply(key, id, map[string]any{"code": protocol.StatusOK, "message": "success", "users": s.onlineUsers()}))
	case protocol.GetUserInfo:
		var req struct {
			TargetID string `json:"targetId"`
		}
		_ = env.Payload.Decode(&req)
		if !s.online(req.TargetID) {
			s.reply(c, reply(key, id, status(protocol.StatusNotFound, "user not found")))
			return true
		}
		user := User{UserID: req.TargetID, UserName: req.TargetID}
		s.reply(c, reply(key, id, map[string]any{"code": protocol.StatusOK, "message": "success", "user": user}))
	case protocol.Online, protocol.Offline:
		s.reply(c, reply(key, id, status(protocol.StatusOK, "success")))
		verb := "joined"
		if key == protocol.Offline {
			verb = "left"
		}
		_ = s.Say(c.userID(), c.userID()+" "+verb)
	case protocol.SayMessage:
		var req struct {
			Content string `json:"content"`
		}
		_ = env.Payload.Decode(&req)
		s.reply(c, reply(key, id, status(protocol.StatusOK, "success")))
		_ = s.Say(c.userID(), req.Content)
	default:
		s.reply(c, reply(key, id, status(protocol.StatusNotFound, "unknown protocol "+key.String())))
	}
	return true
}

func (s *Server) login(c *conn, env protocol.Envelope) {
	s.auths.Add(1)
	id := env.Header.RequestID
	if s.legacyReply.Load() {
		id = 0
	}
	var req protocol.AuthRequest
	if err := env.Payload.Decode(&req); err != nil || req.UserID == "" {
		c.write(reply(protocol.AuthResult, id, status(protocol.StatusUnauthorized, "missing credentials")))
		return
	}
	if s.refuseLogin.Load() {
		c.write(reply(protocol.AuthResult, id, status(protocol.StatusUnauthorized, "invalid credentials")))
		return
	}
	if err := auth.Passwords(s.opts.Users).Check(req.UserID, req.Password); err != nil {
		c.write(reply(protocol.AuthResult, id, status(protocol.StatusUnauthorized, "invalid credentials")))
		return
	}
	token, err := s.IssueToken(req.UserID)
	if err != nil {
		c.write(reply(protocol.AuthResult, id, status(protocol.StatusServerError, err.Error())))
		return
	}
	session := s.nextSession.Add(1)
	c.login(req.UserID, strconv.FormatInt(session, 10))
	c.write(reply(protocol.AuthResult, id, map[string]any{
		"code":      protocol.StatusOK,
		"message":   "success",
		"sessionId": session,
		"token":     token,
	}))
}

func (s *Server) refresh(c *conn, env protocol.Envelope) {
	s.refreshes.Add(1)
	id := env.Header.RequestID
	if s.legacyReply.Load() {
		id = 0
	}
	if code := int(s.refreshCode.Load()); code != 0 {
		c.write(reply(protocol.RefreshCredential, id, status(code, "refresh rejected")))
		return
	}
	current := env.Header.Token
	if current == "" {
		var req protocol.RefreshRequest
		_ = env.Payload.Decode(&req)
		current = req.Token
	}
	subject, err := s.issuer.Verify(current)
	if err != nil || subject != c.userID() {
		c.write(reply(protocol.RefreshCredential, id, status(protocol.StatusUnauthorized, "token validation failed")))
		return
	}
	token, err := s.IssueToken(subject)
	if err != nil {
		c.write(reply(protocol.RefreshCredential, id, status(protocol.StatusServerError, err.Error())))
		return
	}
	c.write(reply(protocol.RefreshCredential, id, map[string]any{
		"code":      protocol.StatusOK,
		"message":   "token refreshed successfully",
		"token":     token,
		"expiresIn": int64(s.opts.TokenTTL / time.Second),
	}))
}

func (s *Server) reply(c *conn, env protocol.Envelope) {
	if s.holdReplies.Load() {
		s.mu.Lock()
		s.held = append(s.held, heldReply{conn: c, env: env})
		s.mu.Unlock()
		return
	}
	c.write(env)
}

func (s *Server) onlineUsers() []User {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]User, 0, len(s.conns))
	for c := range s.conns {
		if uid := c.userID(); uid != "" {
			users = append(users, User{UserID: uid, UserName: uid})
		}
	}
	return users
}

func (s *Server) online(userID string) bool {
	if userID == "" {
		return false
	}
	for _, u := range s.onlineUsers() {
		if u.UserID == userID {
			return true
		}
	}
	return false
}

func status(code int, message string) protocol.Status {
	return protocol.Status{Code: code, Message: message}
}

func reply(key protocol.Key, requestID uint64, body any) protocol.Envelope {
	p, err := protocol.NewPayload(body)
	if err != nil {
		p = protocol.RawPayload(fmt.Sprintf(`{"code":500,"message":%q}`, err.Error()))
	}
	return protocol.NewEnvelope(key, requestID, p)
}
