// Package main is the sandbox-side runner process. It runs the bridge that
// holds the WebSocket to the session holder and the gateway proxy that
// fronts the sandbox's local services (model server, editor, desktop,
// terminal). The agent loop attaches to the bridge's frame handler.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kitehq/kite/internal/common/config"
	"github.com/kitehq/kite/internal/common/logger"
	"github.com/kitehq/kite/internal/gateway"
	"github.com/kitehq/kite/internal/runner"
)

func main() {
	os.Exit(run())
}

// run is split from main so deferred cleanup executes before os.Exit.
// The return value follows the bridge's exit discipline: 0 when
// superseded, 1 when the sandbox is orphaned.
func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer log.Sync()
	logger.SetDefault(log)

	controlURL, err := runnerURL(cfg)
	if err != nil {
		log.Error("Invalid runner configuration", zap.Error(err))
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bridge := runner.New(runner.Config{
		URL:         controlURL,
		Token:       cfg.Runner.Token,
		BackoffBase: time.Duration(cfg.Runner.ReconnectBaseMs) * time.Millisecond,
		BackoffCap:  time.Duration(cfg.Runner.ReconnectCapMs) * time.Millisecond,
	}, frameLogger(log), log)

	proxy := gateway.NewProxy(gateway.Config{
		JWTSecret: []byte(cfg.Auth.JWTSecret),
		Upstreams: gateway.Upstreams{
			Opencode: upstreamHost(cfg.Gateway.ModelServerURL),
			Vscode:   upstreamHost(cfg.Gateway.EditorURL),
			VNC:      upstreamHost(cfg.Gateway.VNCURL),
			Ttyd:     upstreamHost(cfg.Gateway.TerminalURL),
		},
	}, bridge, log)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Gateway.Port),
		Handler: proxy.Router(),
	}
	go func() {
		log.Info("Gateway proxy listening", zap.Int("port", cfg.Gateway.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Gateway proxy failed", zap.Error(err))
		}
	}()

	log.Info("Connecting to session holder", zap.String("url", controlURL))
	code, runErr := bridge.Run(ctx)
	if runErr != nil && ctx.Err() == nil {
		log.Error("Bridge terminated", zap.Error(runErr))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Gateway proxy shutdown error", zap.Error(err))
	}

	log.Info("Runner stopped", zap.Int("exit_code", code))
	return code
}

// runnerURL builds the holder endpoint. A full ControlURL (containing the
// /runner path) wins; otherwise it is treated as a base URL and the
// session id fills in the path.
func runnerURL(cfg *config.Config) (string, error) {
	raw := strings.TrimSpace(cfg.Runner.ControlURL)
	if raw == "" {
		return "", fmt.Errorf("runner.controlUrl is required")
	}
	if strings.HasSuffix(raw, "/runner") {
		return raw, nil
	}
	if cfg.Runner.SessionID == "" {
		return "", fmt.Errorf("runner.sessionId is required when controlUrl is a base URL")
	}
	return strings.TrimSuffix(raw, "/") + "/api/v1/sessions/" + cfg.Runner.SessionID + "/runner", nil
}

// frameLogger records holder frames the agent loop has not claimed yet.
func frameLogger(log *logger.Logger) runner.FrameHandler {
	return func(frameType string, _ []byte) {
		log.Debug("Holder frame received", zap.String("type", frameType))
	}
}

// upstreamHost reduces a configured upstream URL to host:port, the form
// the proxy dials. Bare host:port values pass through.
func upstreamHost(raw string) string {
	if !strings.Contains(raw, "://") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}
