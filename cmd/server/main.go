package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kottz/kolmodin/internal/games/echo"
	"github.com/kottz/kolmodin/internal/lobby"
	"github.com/kottz/kolmodin/internal/platform/config"
	"github.com/kottz/kolmodin/internal/platform/logging"
	"github.com/kottz/kolmodin/internal/protocol"
	"github.com/kottz/kolmodin/internal/server"
	"github.com/kottz/kolmodin/internal/twitch"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.ValidateServer(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logging.Init(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Lobby server starting", "env", cfg.AppEnv, "port", cfg.Port)

	clock := clockwork.NewRealClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lobbies := lobby.NewManager(cfg.MaxClientsPerLobby)
	lobbies.RegisterGame(echo.New)

	var chat *twitch.Manager
	if cfg.TwitchEnabled {
		dialer := &twitch.TLSDialer{Addr: cfg.TwitchIRCAddr}
		chat = twitch.NewManager(twitch.Config{}, dialer, relayToLobbies(lobbies), clock)
		go func() {
			if err := chat.Run(ctx); err != nil {
				slog.Error("Twitch ingestion stopped", "error", err)
			}
		}()
	}

	var srv *server.Server
	if chat != nil {
		srv = server.NewServer(cfg, lobbies, chat)
	} else {
		srv = server.NewServer(cfg, lobbies, nil)
	}

	done := runGracefulShutdown(srv, lobbies, cancel)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}

// relayToLobbies fans chat messages into every lobby subscribed to the
// message's channel.
func relayToLobbies(lobbies *lobby.Manager) twitch.Sink {
	return func(msg twitch.ParsedMessage) {
		relay := protocol.TwitchMessageRelay{
			Channel:   msg.Channel,
			Sender:    msg.Sender,
			Text:      msg.Text,
			Timestamp: msg.Timestamp,
		}
		lobbies.ForEach(func(l *lobby.Lobby) {
			if twitch.NormalizeChannel(l.TwitchChannel()) == msg.Channel {
				l.RelayTwitchMessage(relay)
			}
		})
	}
}

func runGracefulShutdown(srv *server.Server, lobbies *lobby.Manager, cancel context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")
		cancel()

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		lobbies.Shutdown()
		close(done)
	}()

	return done
}
