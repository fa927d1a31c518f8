package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/chatlink/internal/heartbeat"
	"github.com/danmuck/chatlink/internal/protocol"
	"github.com/danmuck/chatlink/internal/protocol/session"
	"github.com/danmuck/chatlink/internal/testutil/chatserver"
	"github.com/danmuck/chatlink/internal/testutil/testlog"
	"github.com/danmuck/chatlink/internal/transport"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func record(c *Coordinator) *recorder {
	r := &recorder{ch: make(chan Event, 4096)}
	c.OnAny(func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
		select {
		case r.ch <- ev:
		default:
		}
	})
	return r
}

func (r *recorder) wait(t *testing.T, name EventName) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s; seen=%v", name, r.names())
			return Event{}
		}
	}
}

func (r *recorder) count(name EventName) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

func (r *recorder) names() []EventName {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventName, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Name)
	}
	return out
}

// index returns the position of the first name at or after from, or -1.
func (r *recorder) index(name EventName, from int) int {
	names := r.names()
	for i := from; i < len(names); i++ {
		if names[i] == name {
			return i
		}
	}
	return -1
}

func testConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.RequestTimeout = 2 * time.Second
	cfg.HeartbeatInterval = time.Hour
	cfg.HeartbeatTimeout = time.Second
	cfg.Reconnect.Backoff.InitialDelay = 20 * time.Millisecond
	return cfg
}

func newCoordinator(t *testing.T, cfg session.Config) (*Coordinator, *recorder) {
	t.Helper()
	c, err := New(Config{Session: cfg})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(c.Close)
	return c, record(c)
}

func login(t *testing.T, c *Coordinator, srv *chatserver.Server, user string) Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx, srv.URL()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	sess, err := c.Authenticate(ctx, user, "secret")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	return sess
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

type userList struct {
	Users []chatserver.User `json:"users"`
}

type userInfo struct {
	User chatserver.User `json:"user"`
}

func TestConnectAuthenticateAndCall(t *testing.T) {
	testlog.Start(t)
	srv := chatserver.New(t, chatserver.Options{})
	c, rec := newCoordinator(t, testConfig())

	sess := login(t, c, srv, "alice")
	rec.wait(t, EventConnected)
	authEv := rec.wait(t, EventAuthenticated)
	if !sess.Authenticated() || sess.UserID != "alice" || sess.State != StateOpen {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if authEv.Session.SessionID != sess.SessionID {
		t.Fatalf("authenticated event session=%q want=%q", authEv.Session.SessionID, sess.SessionID)
	}

	var users userList
	if err := c.Request(context.Background(), protocol.ListUsers, struct{}{}, &users); err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users.Users) != 1 || users.Users[0].UserID != "alice" {
		t.Fatalf("unexpected users: %+v", users)
	}
	if len(c.Pending()) != 0 {
		t.Fatalf("pending entries left after response: %v", c.Pending())
	}

	frames := srv.Received()
	if len(frames) != 2 {
		t.Fatalf("expected auth and list frames, got %d", len(frames))
	}
	auth, list := frames[0], frames[1]
	if auth.Key() != protocol.Auth || !auth.Header.SessionID.IsZero() || auth.Header.RequestID == 0 {
		t.Fatalf("unexpected auth header: %+v", auth.Header)
	}
	if list.Key() != protocol.ListUsers || list.Header.RequestID <= auth.Header.RequestID {
		t.Fatalf("request ids must increase: auth=%d list=%d", auth.Header.RequestID, list.Header.RequestID)
	}
	if string(list.Header.SessionID) != sess.SessionID || list.Header.Token != sess.Credential || list.Header.UserID != "alice" {
		t.Fatalf("call header missing session identity: %+v", list.Header)
	}
}

func TestConnectPreconditions(t *testing.T) {
	testlog.Start(t)
	srv := chatserver.New(t, chatserver.Options{})
	c, _ := newCoordinator(t, testConfig())

	if _, err := c.Call(context.Background(), protocol.ListUsers, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("call before connect err=%v", err)
	}
	if _, err := c.Authenticate(context.Background(), "alice", "secret"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("authenticate before connect err=%v", err)
	}
	if err := c.Connect(context.Background(), srv.URL()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Connect(context.Background(), srv.URL()); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second connect err=%v", err)
	}
	if _, err := c.Call(context.Background(), protocol.ListUsers, nil); !errors.Is(err, ErrNoSession) {
		t.Fatalf("call before authenticate err=%v", err)
	}
	if err := c.Connect(context.Background(), "ftp://example.com"); !errors.Is(err, session.ErrInvalidAddress) {
		t.Fatalf("bad scheme err=%v", err)
	}
}

func TestAuthenticateRejected(t *testing.T) {
	testlog.Start(t)
	srv := chatserver.New(t, chatserver.Options{Users: map[string]string{"alice": "secret"}})
	c, rec := newCoordinator(t, testConfig())
	if err := c.Connect(context.Background(), srv.URL()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err := c.Authenticate(context.Background(), "alice", "wrong")
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected authentication failure, got %v", err)
	}
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Code != protocol.StatusUnauthorized {
		t.Fatalf("expected 401 auth error, got %v", err)
	}
	if c.Session().Authenticated() || c.State() != StateOpen {
		t.Fatalf("rejected login must leave session empty and transport open: %+v", c.Session())
	}
	if rec.count(EventAuthenticated) != 0 {
		t.Fatalf("no authenticated event expected")
	}

	if _, err := c.Authenticate(context.Background(), "alice", "secret"); err != nil {
		t.Fatalf("retry on the same transport: %v", err)
	}
}

func TestConnectErrorAllowsRetry(t *testing.T) {
	testlog.Start(t)
	srv := chatserver.New(t, chatserver.Options{})
	srv.RefuseDial(true)
	c, rec := newCoordinator(t, testConfig())

	if err := c.Connect(context.Background(), srv.URL()); !errors.Is(err, transport.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	rec.wait(t, EventConnectError)
	if c.State() != StateClosed {
		t.Fatalf("state after failed connect=%s", c.State())
	}

	srv.RefuseDial(false)
	if err := c.Connect(context.Background(), srv.URL()); err != nil {
		t.Fatalf("connect after failure: %v", err)
	}
	if c.State() != StateOpen {
		t.Fatalf("state=%s", c.State())
	}
}

func TestResponsesMatchedOutOfOrder(t *testing.T) {
	testlog.Start(t)
	srv := chatserver.New(t, chatserver.Options{})
	c, _ := newCoordinator(t, testConfig())
	login(t, c, srv, "alice")
	srv.HoldReplies(true)

	type result struct {
		name string
		err  error
		user string
		n    int
	}
	results := make(chan result, 3)
	go func() {
		var info userInfo
		err := c.Request(context.Background(), protocol.GetUserInfo, map[string]string{"targetId": "alice"}, &info)
		results <- result{name: "alice", err: err, user: info.User.UserID}
	}()
	go func() {
		err := c.Request(context.Background(), protocol.GetUserInfo, map[string]string{"targetId": "nobody"}, nil)
		results <- result{name: "nobody", err: err}
	}()
	go func() {
		var users userList
		err := c.Request(context.Background(), protocol.ListUsers, struct{}{}, &users)
		results <- result{name: "list", err: err, n: len(users.Users)}
	}()

	eventually(t, func() bool { return srv.Held() == 3 }, "three held replies")
	if got := len(c.Pending()); got != 3 || c.PendingCount() != got {
		t.Fatalf("expected 3 pending, got %d (count=%d)", got, c.PendingCount())
	}
	srv.ReleaseHeld(true)

	for i := 0; i < 3; i++ {
		r := <-results
		switch r.name {
		case "alice":
			if r.err != nil || r.user != "alice" {
				t.Fatalf("alice lookup got user=%q err=%v", r.user, r.err)
			}
		case "nobody":
			var statusErr *protocol.StatusError
			if !errors.As(r.err, &statusErr) || statusErr.Code != protocol.StatusNotFound {
				t.Fatalf("unknown user lookup err=%v", r.err)
			}
		case "list":
			if r.err != nil || r.n != 1 {
				t.Fatalf("list got n=%d err=%v", r.n, r.err)
			}
		}
	}
	if len(c.Pending()) != 0 {
		t.Fatalf("pending entries left: %v", c.Pending())
	}
}

func TestCallTimeoutKeepsConnection(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.RequestTimeout = 150 * time.Millisecond
	srv := chatserver.New(t, chatserver.Options{})
	c, rec := newCoordinator(t, cfg)
	login(t, c, srv, "alice")
	srv.HoldReplies(true)

	if _, err := c.Call(context.Background(), protocol.ListUsers, struct{}{}); !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	srv.HoldReplies(false)
	if srv.ReleaseHeld(false) != 1 {
		t.Fatalf("expected the late reply to be held")
	}

	var users userList
	if err := c.Request(context.Background(), protocol.ListUsers, struct{}{}, &users); err != nil {
		t.Fatalf("call after timeout: %v", err)
	}
	if c.State() != StateOpen || rec.count(EventDisconnected) != 0 {
		t.Fatalf("timeout must not tear down the connection")
	}
	if rec.count(EventMessage) != 0 {
		t.Fatalf("late reply must not surface as a broadcast")
	}
}

func TestDisconnectFailsPending(t *testing.T) {
	testlog.Start(t)
	srv := chatserver.New(t, chatserver.Options{})
	c, rec := newCoordinator(t, testConfig())
	login(t, c, srv, "alice")
	srv.HoldReplies(true)

	const n = 3
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.Call(context.Background(), protocol.ListUsers, struct{}{})
			errs <- err
		}()
	}
	eventually(t, func() bool { return srv.Held() == n }, "held replies")

	c.Disconnect()
	for i := 0; i < n; i++ {
		if err := <-errs; !errors.Is(err, ErrConnectionLost) {
			t.Fatalf("pending call err=%v", err)
		}
	}
	if c.PendingCount() != 0 {
		t.Fatalf("correlator not empty after disconnect")
	}
	if c.State() != StateClosed || c.Session().Authenticated() {
		t.Fatalf("unexpected state after disconnect: %s %+v", c.State(), c.Session())
	}
	rec.wait(t, EventDisconnected)

	c.Disconnect()
	time.Sleep(50 * time.Millisecond)
	if rec.count(EventDisconnected) != 1 || rec.count(EventReconnecting) != 0 {
		t.Fatalf("disconnect must be idempotent and never reconnect: %v", rec.names())
	}
}

func TestHeartbeatSuccess(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	srv := chatserver.New(t, chatserver.Options{})
	c, rec := newCoordinator(t, cfg)
	login(t, c, srv, "alice")

	rec.wait(t, EventHeartbeatSending)
	ev := rec.wait(t, EventHeartbeatSuccess)
	if ev.Latency <= 0 || ev.Band != heartbeat.Classify(ev.Latency) {
		t.Fatalf("unexpected heartbeat success: %+v", ev)
	}
	if srv.Pings() == 0 {
		t.Fatalf("server saw no pings")
	}

	c.Disconnect()
	if c.HeartbeatState() != heartbeat.StateIdle {
		t.Fatalf("heartbeat still running after disconnect")
	}
}

func TestHeartbeatTimeoutReconnects(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.HeartbeatInterval = 30 * time.Millisecond
	cfg.HeartbeatTimeout = 30 * time.Millisecond
	cfg.Reconnect.Backoff.InitialDelay = 50 * time.Millisecond
	srv := chatserver.New(t, chatserver.Options{})
	c, rec := newCoordinator(t, cfg)
	first := login(t, c, srv, "alice")

	srv.DropPongs(true)
	rec.wait(t, EventHeartbeatTimeout)
	srv.DropPongs(false)
	rec.wait(t, EventReconnected)

	timeoutAt := rec.index(EventHeartbeatTimeout, 0)
	lostAt := rec.index(EventConnectionLost, timeoutAt)
	reconnectingAt := rec.index(EventReconnecting, timeoutAt)
	if timeoutAt < 0 || lostAt < 0 || reconnectingAt < 0 {
		t.Fatalf("missing events: %v", rec.names())
	}

	rec.mu.Lock()
	var closedCode int
	var attempt int
	var delay time.Duration
	for _, ev := range rec.events {
		switch {
		case ev.Name == EventDisconnected && closedCode == 0:
			closedCode = ev.Code
		case ev.Name == EventReconnecting && attempt == 0:
			attempt, delay = ev.Attempt, ev.Delay
		}
	}
	rec.mu.Unlock()
	if closedCode != transport.CloseHeartbeatTimeout {
		t.Fatalf("heartbeat close code=%d", closedCode)
	}
	if attempt != 1 || delay != 50*time.Millisecond {
		t.Fatalf("first reconnect attempt=%d delay=%v", attempt, delay)
	}

	eventually(t, func() bool { return c.Session().Authenticated() }, "re-authenticated session")
	if c.Session().SessionID == first.SessionID {
		t.Fatalf("reconnect should establish a new session")
	}
	if c.ReconnectState().Attempt != 0 || c.ReconnectState().Active {
		t.Fatalf("reconnect state not reset: %+v", c.ReconnectState())
	}
}

func TestAbnormalDropReconnects(t *testing.T) {
	testlog.Start(t)
	srv := chatserver.New(t, chatserver.Options{})
	c, rec := newCoordinator(t, testConfig())
	login(t, c, srv, "alice")

	srv.Kick(0)
	ev := rec.wait(t, EventDisconnected)
	if ev.Code != transport.CloseAbnormal {
		t.Fatalf("abrupt drop code=%d", ev.Code)
	}
	rec.wait(t, EventReconnecting)
	rec.wait(t, EventReconnected)
	if !c.Session().Authenticated() || c.State() != StateOpen {
		t.Fatalf("session not restored: %+v", c.Session())
	}
	if srv.Auths() != 2 {
		t.Fatalf("expected re-authentication, auths=%d", srv.Auths())
	}
}

func TestNormalCloseDoesNotReconnect(t *testing.T) {
	testlog.Start(t)
	srv := chatserver.New(t, chatserver.Options{})
	c, rec := newCoordinator(t, testConfig())
	login(t, c, srv, "alice")

	srv.Kick(transport.CloseNormal)
	ev := rec.wait(t, EventDisconnected)
	if ev.Code != transport.CloseNormal {
		t.Fatalf("close code=%d", ev.Code)
	}
	time.Sleep(100 * time.Millisecond)
	if rec.count(EventReconnecting) != 0 {
		t.Fatalf("normal close must not reconnect: %v", rec.names())
	}
	if c.State() != StateClosed {
		t.Fatalf("state=%s", c.State())
	}
}

func TestReconnectExhaustion(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.Reconnect.Backoff.InitialDelay = 10 * time.Millisecond
	cfg.Reconnect.MaxAttempts = 3
	srv := chatserver.New(t, chatserver.Options{})
	c, rec := newCoordinator(t, cfg)
	login(t, c, srv, "alice")

	srv.RefuseDial(true)
	srv.Kick(0)
	rec.wait(t, EventReconnectFailed)

	var delays []time.Duration
	rec.mu.Lock()
	for _, ev := range rec.events {
		if ev.Name == EventReconnecting {
			delays = append(delays, ev.Delay)
		}
	}
	rec.mu.Unlock()
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("reconnect delays=%v", delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("attempt %d delay=%v want=%v", i+1, delays[i], want[i])
		}
	}
	if srv.Dials() != 4 {
		t.Fatalf("expected 1 connect + 3 redials, got %d", srv.Dials())
	}

	time.Sleep(100 * time.Millisecond)
	if rec.count(EventReconnectFailed) != 1 || srv.Dials() != 4 {
		t.Fatalf("no attempts expected after exhaustion: failed=%d dials=%d", rec.count(EventReconnectFailed), srv.Dials())
	}

	srv.RefuseDial(false)
	if err := c.Connect(context.Background(), srv.URL()); err != nil {
		t.Fatalf("fresh connect after exhaustion: %v", err)
	}
	if snap := c.ReconnectState(); snap.Attempt != 0 || snap.Active {
		t.Fatalf("user connect should reset reconnect state: %+v", snap)
	}
}

func TestReauthFailureClosesQuietly(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.Reconnect.Backoff.InitialDelay = 10 * time.Millisecond
	cfg.Reconnect.MaxAttempts = 2
	srv := chatserver.New(t, chatserver.Options{})
	c, rec := newCoordinator(t, cfg)
	login(t, c, srv, "alice")

	srv.RefuseLogin(true)
	srv.Kick(0)
	ev := rec.wait(t, EventReconnectFailed)
	if !errors.Is(ev.Err, ErrAuthenticationFailed) {
		t.Fatalf("reconnect failure cause=%v", ev.Err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := rec.count(EventReconnecting); got != 2 {
		t.Fatalf("quiet closes must not re-trigger: reconnecting=%d events=%v", got, rec.names())
	}
	if got := rec.count(EventDisconnected); got != 1 {
		t.Fatalf("only the original drop reports disconnected, got %d", got)
	}
	if c.State() != StateClosed {
		t.Fatalf("state=%s", c.State())
	}
}

func TestDisconnectCancelsBackoff(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.Reconnect.Backoff.InitialDelay = 200 * time.Millisecond
	srv := chatserver.New(t, chatserver.Options{})
	c, rec := newCoordinator(t, cfg)
	login(t, c, srv, "alice")

	srv.Kick(0)
	rec.wait(t, EventReconnecting)
	dials := srv.Dials()
	c.Disconnect()

	time.Sleep(300 * time.Millisecond)
	if srv.Dials() != dials || rec.count(EventReconnected) != 0 {
		t.Fatalf("backoff fired after disconnect: dials=%d events=%v", srv.Dials(), rec.names())
	}
	if c.ReconnectState().Active {
		t.Fatalf("reconnect still active")
	}
}

func TestRefreshEveryTickInTestMode(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.Refresh = session.DefaultRefreshConfig(session.RefreshModeTest)
	cfg.Refresh.Period = 30 * time.Millisecond
	srv := chatserver.New(t, chatserver.Options{})
	c, rec := newCoordinator(t, cfg)
	first := login(t, c, srv, "alice")

	rec.wait(t, EventCredentialRefreshing)
	ev := rec.wait(t, EventCredentialRefreshed)
	rec.wait(t, EventCredentialRefreshed)
	if ev.Credential == "" || ev.Credential == first.Credential {
		t.Fatalf("refresh did not rotate the credential")
	}
	eventually(t, func() bool { return c.Session().Credential != first.Credential }, "credential swapped")
	if srv.Refreshes() < 2 {
		t.Fatalf("refreshes=%d", srv.Refreshes())
	}
}

func TestRefreshUnauthorizedExpiresSession(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.Refresh = session.DefaultRefreshConfig(session.RefreshModeTest)
	cfg.Refresh.Period = 20 * time.Millisecond
	srv := chatserver.New(t, chatserver.Options{})
	srv.FailRefresh(protocol.StatusUnauthorized)
	c, rec := newCoordinator(t, cfg)
	login(t, c, srv, "alice")

	rec.wait(t, EventCredentialRefreshError)
	ev := rec.wait(t, EventCredentialExpired)
	if !errors.Is(ev.Err, ErrCredentialExpired) {
		t.Fatalf("expired event err=%v", ev.Err)
	}
	refreshes := srv.Refreshes()
	time.Sleep(100 * time.Millisecond)
	if rec.count(EventCredentialExpired) != 1 || srv.Refreshes() != refreshes {
		t.Fatalf("refresh must stop after expiry: expired=%d refreshes=%d->%d",
			rec.count(EventCredentialExpired), refreshes, srv.Refreshes())
	}
	if c.Session().Authenticated() {
		t.Fatalf("expired credential must clear the session")
	}
	if _, err := c.Call(context.Background(), protocol.ListUsers, nil); !errors.Is(err, ErrNoSession) {
		t.Fatalf("call after expiry err=%v", err)
	}
}

func TestRefreshTransientErrorRetries(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.Refresh = session.DefaultRefreshConfig(session.RefreshModeTest)
	cfg.Refresh.Period = 20 * time.Millisecond
	srv := chatserver.New(t, chatserver.Options{})
	srv.FailRefresh(protocol.StatusServerError)
	c, rec := newCoordinator(t, cfg)
	login(t, c, srv, "alice")

	rec.wait(t, EventCredentialRefreshError)
	rec.wait(t, EventCredentialRefreshError)
	srv.FailRefresh(0)
	rec.wait(t, EventCredentialRefreshed)
	if rec.count(EventCredentialExpired) != 0 || !c.Session().Authenticated() {
		t.Fatalf("transient failures must not expire the session")
	}
}

func TestBroadcastLeniency(t *testing.T) {
	testlog.Start(t)
	srv := chatserver.New(t, chatserver.Options{})
	c, rec := newCoordinator(t, testConfig())
	login(t, c, srv, "alice")

	if err := srv.Broadcast(map[string]any{"message": map[string]any{"userId": "bob", "content": "  "}}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if err := srv.Broadcast(protocol.RawPayload("not json")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if err := srv.Say("bob", "hello"); err != nil {
		t.Fatalf("say: %v", err)
	}
	ev := rec.wait(t, EventMessage)
	if ev.Message.Content != "hello" || ev.Message.UserID != "bob" {
		t.Fatalf("unexpected message: %+v", ev.Message)
	}
	if rec.count(EventMessage) != 1 || rec.count(EventError) != 0 {
		t.Fatalf("invalid broadcasts must be dropped silently: %v", rec.names())
	}
	if c.State() != StateOpen {
		t.Fatalf("state=%s", c.State())
	}
}

func TestLegacyRepliesWithoutRequestID(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.Refresh = session.DefaultRefreshConfig(session.RefreshModeTest)
	cfg.Refresh.Period = 30 * time.Millisecond
	srv := chatserver.New(t, chatserver.Options{})
	srv.LegacyReplies(true)
	c, rec := newCoordinator(t, cfg)

	sess := login(t, c, srv, "alice")
	if !sess.Authenticated() {
		t.Fatalf("legacy auth reply should authenticate: %+v", sess)
	}
	rec.wait(t, EventCredentialRefreshed)
	if c.Session().Credential == sess.Credential {
		t.Fatalf("legacy refresh reply should rotate the credential")
	}
}

func TestSubscribersMayCallBack(t *testing.T) {
	testlog.Start(t)
	srv := chatserver.New(t, chatserver.Options{})
	c, _ := newCoordinator(t, testConfig())

	listed := make(chan int, 1)
	c.On(EventAuthenticated, func(ev Event) {
		var users userList
		if err := c.Request(context.Background(), protocol.ListUsers, struct{}{}, &users); err != nil {
			listed <- -1
			return
		}
		listed <- len(users.Users)
	})
	var seen atomic.Int32
	off := c.On(EventMessage, func(Event) { seen.Add(1) })

	login(t, c, srv, "alice")
	select {
	case n := <-listed:
		if n != 1 {
			t.Fatalf("callback list got %d", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("subscriber call back timed out")
	}

	off()
	if err := srv.Say("bob", "after unsubscribe"); err != nil {
		t.Fatalf("say: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if seen.Load() != 0 {
		t.Fatalf("unsubscribed handler was called")
	}
}

// recordingTransport wraps the websocket channel and counts close paths.
type recordingTransport struct {
	*transport.Channel
	closes atomic.Int32
	aborts atomic.Int32
	code   atomic.Int32
}

func (r *recordingTransport) Close(code int, reason string) {
	r.closes.Add(1)
	r.Channel.Close(code, reason)
}

func (r *recordingTransport) Abort(code int, reason string) {
	r.aborts.Add(1)
	r.code.Store(int32(code))
	r.Channel.Abort(code, reason)
}

func TestHeartbeatTimeoutAbortsTransport(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.HeartbeatInterval = 30 * time.Millisecond
	cfg.HeartbeatTimeout = 30 * time.Millisecond
	cfg.CloseTimeout = 10 * time.Second
	cfg.Reconnect.Backoff.InitialDelay = time.Hour

	var mu sync.Mutex
	var links []*recordingTransport
	c, err := New(Config{
		Session: cfg,
		NewTransport: func(tc transport.Config) Transport {
			rt := &recordingTransport{Channel: transport.New(tc)}
			mu.Lock()
			links = append(links, rt)
			mu.Unlock()
			return rt
		},
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(c.Close)
	rec := record(c)
	srv := chatserver.New(t, chatserver.Options{})
	login(t, c, srv, "alice")

	srv.DropPongs(true)
	start := time.Now()
	rec.wait(t, EventHeartbeatTimeout)
	rec.wait(t, EventDisconnected)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("heartbeat drop waited on the close handshake: %v", elapsed)
	}
	if c.State() == StateOpen {
		t.Fatalf("coordinator still open after heartbeat drop")
	}

	mu.Lock()
	first := links[0]
	mu.Unlock()
	if first.aborts.Load() != 1 || first.closes.Load() != 0 {
		t.Fatalf("heartbeat drop should abort: aborts=%d closes=%d", first.aborts.Load(), first.closes.Load())
	}
	if first.code.Load() != transport.CloseHeartbeatTimeout {
		t.Fatalf("abort code=%d", first.code.Load())
	}
}

func TestDisconnectWhileConnectingSkipsDisconnected(t *testing.T) {
	testlog.Start(t)
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(block) })

	cfg := testConfig()
	cfg.HandshakeTimeout = 10 * time.Second
	c, rec := newCoordinator(t, cfg)

	errs := make(chan error, 1)
	go func() {
		errs <- c.Connect(context.Background(), srv.URL)
	}()
	eventually(t, func() bool { return c.State() == StateConnecting }, "connecting")
	c.Disconnect()

	select {
	case err := <-errs:
		if err == nil {
			t.Fatalf("connect should fail when disconnected mid-dial")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("connect did not return")
	}
	rec.wait(t, EventConnectError)
	if c.State() != StateClosed {
		t.Fatalf("state=%s", c.State())
	}

	// a marker event flushes the dispatcher queue
	c.emit(Event{Name: EventError})
	rec.wait(t, EventError)
	if n := rec.count(EventDisconnected); n != 0 {
		t.Fatalf("unopened link must not report disconnected: %v", rec.names())
	}
	if n := rec.count(EventConnected); n != 0 {
		t.Fatalf("unexpected connected: %v", rec.names())
	}
}
