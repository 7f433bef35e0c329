// boardclient connects to a collaboration server and streams session events
// to the console. Useful for smoke-testing a server and watching presence
// traffic without a UI.
//
// Usage: go run ./cmd/boardclient --config configs/client.local.yaml
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/openboard/collab/internal/config"
	"github.com/openboard/collab/internal/connection"
	"github.com/openboard/collab/internal/presence"
	"github.com/openboard/collab/internal/protocol"
	"github.com/openboard/collab/internal/session"
	"github.com/openboard/collab/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/client.local.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "log at debug level")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting boardclient",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	views := presence.ViewFactoryFunc(func(clientID, username, color string) presence.CursorView {
		return &logView{logger: logger.With("peer", clientID, "color", color)}
	})

	sess := session.New(*cfg, views, logger)

	sess.On(connection.EventReconnecting, func(p any) {
		evt, ok := p.(connection.ReconnectingEvent)
		if !ok {
			return
		}
		logger.Warn("reconnecting", "attempt", evt.Attempt, "delay", evt.Delay)
	})
	sess.On(connection.EventReconnected, func(p any) {
		logger.Info("reconnected")
	})
	sess.On(connection.EventReconnectFailed, func(any) {
		logger.Error("reconnect attempts exhausted")
		cancel()
	})
	sess.On(protocol.EventChatMessage, func(p any) {
		msg, ok := p.(protocol.ChatMessage)
		if !ok {
			return
		}
		logger.Info("chat", "from", msg.Username, "text", msg.Text)
	})
	sess.On(protocol.EventElementUpdated, func(p any) {
		msg, ok := p.(protocol.ElementUpdate)
		if !ok {
			return
		}
		logger.Info("element updated", "element", msg.ElementID, "by", msg.ClientID)
	})
	sess.On(protocol.EventClientUpdate, func(p any) {
		msg, ok := p.(protocol.ClientUpdate)
		if !ok {
			return
		}
		logger.Info("client count", "count", msg.ClientCount)
	})

	if err := sess.Start(ctx); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()

	sess.Stop()
	logger.Info("boardclient stopped")
}

// logView renders a remote cursor as log lines.
type logView struct {
	logger *slog.Logger
}

func (v *logView) MoveTo(p protocol.Point) {
	v.logger.Info("cursor moved", "x", p.X, "y", p.Y)
}

func (v *logView) SetLabel(username string) {
	v.logger.Info("cursor label", "username", username)
}

func (v *logView) SetFading(fading bool) {
	v.logger.Info("cursor fading", "fading", fading)
}

func (v *logView) SetHidden(hidden bool) {
	v.logger.Info("cursor hidden", "hidden", hidden)
}

func (v *logView) Release() {
	v.logger.Info("cursor removed")
}
