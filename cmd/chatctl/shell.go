package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/danmuck/chatlink/internal/client"
	logs "github.com/danmuck/chatlink/internal/logging"
	"github.com/danmuck/chatlink/internal/protocol"
)

var (
	ErrUnknownCommand = errors.New("chatctl: unknown command")
	ErrUsage          = errors.New("chatctl: usage")
)

type userView struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// printer serializes output from the shell and the event dispatcher.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) Printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

type shell struct {
	coord *client.Coordinator
	out   *printer
}

func newShell(coord *client.Coordinator, out io.Writer) *shell {
	return &shell{coord: coord, out: &printer{out: out}}
}

// watch prints every session event until the returned func is called.
func (s *shell) watch() func() {
	return s.coord.OnAny(func(ev client.Event) {
		s.out.Printf("%s\n", formatEvent(ev))
	})
}

// Run reads one command per line until quit, EOF or ctx is done.
func (s *shell) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	s.out.Printf("type help for commands\n")
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			quit, err := s.exec(ctx, line)
			if err != nil {
				s.out.Printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (s *shell) exec(ctx context.Context, line string) (bool, error) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)
	logs.Debugf("chatctl.shell.exec cmd=%q", cmd)

	switch strings.ToLower(cmd) {
	case "":
		return false, nil
	case "help", "?":
		s.out.Printf("commands: online | offline | users | info <userId> | say <text> | state | pending | quit\n")
	case "quit", "exit":
		return true, nil
	case "online":
		return false, s.coord.Request(ctx, protocol.Online, struct{}{}, nil)
	case "offline":
		return false, s.coord.Request(ctx, protocol.Offline, struct{}{}, nil)
	case "users":
		var reply struct {
			Users []userView `json:"users"`
		}
		if err := s.coord.Request(ctx, protocol.ListUsers, struct{}{}, &reply); err != nil {
			return false, err
		}
		s.out.Printf("%d online\n", len(reply.Users))
		for _, u := range reply.Users {
			s.out.Printf("  %s (%s)\n", u.UserID, u.UserName)
		}
	case "info":
		if arg == "" {
			return false, fmt.Errorf("%w: info <userId>", ErrUsage)
		}
		var reply struct {
			User userView `json:"user"`
		}
		if err := s.coord.Request(ctx, protocol.GetUserInfo, map[string]string{"targetId": arg}, &reply); err != nil {
			return false, err
		}
		s.out.Printf("%s (%s)\n", reply.User.UserID, reply.User.UserName)
	case "say":
		if arg == "" {
			return false, fmt.Errorf("%w: say <text>", ErrUsage)
		}
		return false, s.coord.Request(ctx, protocol.SayMessage, map[string]string{"content": arg}, nil)
	case "state":
		sess := s.coord.Session()
		rc := s.coord.ReconnectState()
		s.out.Printf("state=%s heartbeat=%s session=%s user=%s token=%s reconnect_attempt=%d\n",
			sess.State, s.coord.HeartbeatState(), sess.SessionID, sess.UserID,
			logs.Redact(sess.Credential), rc.Attempt)
	case "pending":
		for _, p := range s.coord.Pending() {
			s.out.Printf("  id=%d key=%s issued=%s\n", p.ID, p.Key.Name(), p.IssuedAt.Format("15:04:05.000"))
		}
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
	return false, nil
}

func formatEvent(ev client.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", ev.At.Format("15:04:05"), ev.Name)
	switch ev.Name {
	case client.EventMessage:
		fmt.Fprintf(&b, " %s: %s", ev.Message.UserName, ev.Message.Content)
	case client.EventAuthenticated:
		fmt.Fprintf(&b, " user=%s session=%s", ev.Session.UserID, ev.Session.SessionID)
	case client.EventHeartbeatSuccess:
		fmt.Fprintf(&b, " latency=%v band=%s", ev.Latency, ev.Band)
	case client.EventReconnecting:
		fmt.Fprintf(&b, " attempt=%d delay=%v", ev.Attempt, ev.Delay)
	case client.EventReconnected, client.EventReconnectFailed:
		fmt.Fprintf(&b, " attempt=%d", ev.Attempt)
	case client.EventDisconnected:
		fmt.Fprintf(&b, " code=%d reason=%q", ev.Code, ev.Reason)
	case client.EventCredentialRefreshed:
		fmt.Fprintf(&b, " token=%s", logs.Redact(ev.Credential))
	}
	if ev.Err != nil {
		fmt.Fprintf(&b, " err=%v", ev.Err)
	}
	return b.String()
}
