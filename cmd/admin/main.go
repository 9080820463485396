// Command admin is the streamer-side client: it creates a lobby, keeps the
// session to the lobby server alive, and drives the detached stream window.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jonboulle/clockwork"

	"github.com/kottz/kolmodin/internal/gamerouter"
	"github.com/kottz/kolmodin/internal/platform/config"
	"github.com/kottz/kolmodin/internal/platform/logging"
	"github.com/kottz/kolmodin/internal/protocol"
	"github.com/kottz/kolmodin/internal/redis"
	"github.com/kottz/kolmodin/internal/session"
	"github.com/kottz/kolmodin/internal/streamwindow"
	"github.com/kottz/kolmodin/internal/syncchannel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.ValidateAdmin(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logging.Init(cfg.LogLevel, cfg.LogFormat)
	clock := clockwork.NewRealClock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("Shutdown signal received")
		cancel()
	}()

	rdb, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()

	created, err := createLobby(ctx, clock, cfg)
	if err != nil {
		slog.Error("Failed to create lobby", "error", err)
		os.Exit(1)
	}
	slog.Info("Lobby created",
		"lobby_id", created.LobbyID,
		"game_type_id", created.GameTypeID,
	)

	router := gamerouter.New()
	router.Register(created.GameTypeID, gamerouter.HandlerFunc(func(gameTypeID string, eventData json.RawMessage) {
		fmt.Printf("[%s] %s\n", gameTypeID, eventData)
	}))

	engine := session.New(
		session.Config{
			URL:                  sessionURL(cfg.ServerURL),
			AdminID:              created.AdminID,
			LobbyID:              created.LobbyID,
			GameTypeID:           created.GameTypeID,
			HeartbeatInterval:    cfg.HeartbeatInterval,
			ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
			ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
			ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
		},
		session.Handlers{
			OnStateChange: func(old, new session.State) {
				fmt.Printf("session: %s -> %s\n", old, new)
			},
			Router: router,
			OnGlobalEvent: func(ev protocol.GlobalEvent) {
				fmt.Printf("event %s: %s\n", ev.EventName, ev.Data)
			},
			OnTwitchMessage: func(msg protocol.TwitchMessageRelay) {
				fmt.Printf("chat #%s <%s> %s\n", msg.Channel, msg.Sender, msg.Text)
			},
			OnSystemError: func(message string) {
				fmt.Printf("server error: %s\n", message)
			},
			OnTerminalFailure: func(err error) {
				fmt.Printf("connection lost for good: %v (type 'connect' to retry)\n", err)
			},
		},
		session.WebSocketDialer{},
		clock,
	)
	engine.Start()
	defer engine.Stop()

	channel := syncchannel.NewRedisChannel(rdb, created.LobbyID)
	window := streamwindow.New(
		streamwindow.Config{
			URL:         streamViewURL(cfg.StreamViewURL, created.LobbyID),
			ConfirmWait: cfg.ConfirmWait,
		},
		&streamwindow.BrowserOpener{Command: cfg.BrowserCommand},
		channel,
		clock,
		func(st streamwindow.Status) {
			if st.AwaitingConfirmation {
				fmt.Println("stream window: still waiting for the page to confirm")
				return
			}
			fmt.Printf("stream window: %s\n", st.State)
		},
	)
	window.Start(ctx)
	defer window.Stop()

	runREPL(ctx, engine, window)
}

// sessionURL turns the configured server base URL into the websocket endpoint.
func sessionURL(serverURL string) string {
	url := strings.TrimSuffix(serverURL, "/")
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url + "/ws"
}

func streamViewURL(base, lobbyID string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "lobby_id=" + lobbyID
}

func runREPL(ctx context.Context, engine *session.Engine, window *streamwindow.Controller) {
	fmt.Println("Commands: open, close, show, hide, toggle, focus, status, echo <text>, game <json>, connect, disconnect, quit")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Print("> ")
		var line string
		var ok bool
		select {
		case line, ok = <-lines:
			if !ok {
				return
			}
		case <-ctx.Done():
			fmt.Println()
			return
		}

		cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
		var err error
		switch cmd {
		case "":
		case "open":
			err = window.Open()
		case "close":
			err = window.Close()
		case "show":
			err = window.Show()
		case "hide":
			err = window.Hide()
		case "toggle":
			err = window.ToggleVisibility()
		case "focus":
			err = window.Focus()
		case "status":
			st := window.Status()
			fmt.Printf("session=%s window=%s visible=%v awaiting_confirmation=%v\n",
				engine.State(), st.State, st.Visible, st.AwaitingConfirmation)
		case "echo":
			payload, _ := json.Marshal(map[string]string{"message": arg})
			err = engine.SendGlobalCommand("Echo", payload)
		case "game":
			if !json.Valid([]byte(arg)) {
				err = fmt.Errorf("not valid JSON: %q", arg)
				break
			}
			err = engine.SendGameCommand(json.RawMessage(arg))
		case "connect":
			engine.Connect()
		case "disconnect":
			engine.Disconnect()
		case "quit", "exit":
			return
		default:
			fmt.Printf("unknown command %q\n", cmd)
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}
