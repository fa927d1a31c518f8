package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/chatlink/internal/client"
	logs "github.com/danmuck/chatlink/internal/logging"
	"github.com/danmuck/chatlink/internal/observability"
)

var ErrUserRequired = errors.New("chatctl: user required (config user or CHATLINK_USER)")

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to a chatctl TOML config")
	flag.Parse()

	logs.ConfigureRuntime()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, configPath, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "chatctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, in io.Reader, out io.Writer) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.UserID == "" {
		return ErrUserRequired
	}

	coord, err := client.New(client.Config{Session: cfg.Session})
	if err != nil {
		return err
	}
	defer coord.Close()

	sh := newShell(coord, out)
	unwatch := sh.watch()
	defer unwatch()

	if cfg.StatusAddr != "" {
		srv := serveStatus(cfg.StatusAddr, cfg.StatusCORSOrigins, coord)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := coord.Connect(ctx, cfg.Address); err != nil {
		return fmt.Errorf("connect %s: %w", cfg.Address, err)
	}
	if _, err := coord.Authenticate(ctx, cfg.UserID, cfg.Secret); err != nil {
		return fmt.Errorf("authenticate %s: %w", cfg.UserID, err)
	}
	return sh.Run(ctx, in)
}

type statusView struct {
	Address          string `json:"address"`
	State            string `json:"state"`
	Heartbeat        string `json:"heartbeat"`
	SessionID        string `json:"sessionId"`
	UserID           string `json:"userId"`
	Pending          int    `json:"pending"`
	ReconnectAttempt int    `json:"reconnectAttempt"`
	Reconnecting     bool   `json:"reconnecting"`
}

func sessionStatus(coord *client.Coordinator) statusView {
	sess := coord.Session()
	rc := coord.ReconnectState()
	return statusView{
		Address:          coord.Address(),
		State:            sess.State.String(),
		Heartbeat:        coord.HeartbeatState().String(),
		SessionID:        sess.SessionID,
		UserID:           sess.UserID,
		Pending:          coord.PendingCount(),
		ReconnectAttempt: rc.Attempt,
		Reconnecting:     rc.Active,
	}
}

func serveStatus(addr string, corsOrigins []string, coord *client.Coordinator) *http.Server {
	router := observability.NewStatusRouter(logs.Logger(), func() any {
		return sessionStatus(coord)
	}, corsOrigins)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logs.Infof("chatctl.status listening addr=%s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logs.Errf("chatctl.status serve failed addr=%s err=%v", addr, err)
		}
	}()
	return srv
}
