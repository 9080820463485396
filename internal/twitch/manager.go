package twitch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kottz/kolmodin/internal/metrics"
	"github.com/kottz/kolmodin/internal/platform/retry"
)

// Sink receives parsed chat messages. Called sequentially from the manager's
// read loop, so per-channel arrival order is preserved.
type Sink func(msg ParsedMessage)

// Config controls the manager's connection behavior.
type Config struct {
	DialMaxAttempts    int           // default 10
	DialInitialBackoff time.Duration // default 1s
	DialMaxBackoff     time.Duration // default 30s
}

func (c *Config) applyDefaults() {
	if c.DialMaxAttempts <= 0 {
		c.DialMaxAttempts = 10
	}
	if c.DialInitialBackoff <= 0 {
		c.DialInitialBackoff = time.Second
	}
	if c.DialMaxBackoff <= 0 {
		c.DialMaxBackoff = 30 * time.Second
	}
}

// Manager keeps one anonymous IRC connection alive and fans chat messages
// into the sink. Channel subscriptions survive reconnects.
type Manager struct {
	cfg    Config
	dialer Dialer
	sink   Sink
	clock  clockwork.Clock
	nick   string

	mu       sync.Mutex
	channels map[string]struct{}
	conn     LineConn
}

func NewManager(cfg Config, dialer Dialer, sink Sink, clock clockwork.Clock) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:      cfg,
		dialer:   dialer,
		sink:     sink,
		clock:    clock,
		nick:     fmt.Sprintf("justinfan%d", 10000+rand.Intn(90000)),
		channels: make(map[string]struct{}),
	}
}

// Subscribe joins a channel. Safe to call before Run; the join is replayed on
// every (re)connect.
func (m *Manager) Subscribe(channel string) {
	channel = NormalizeChannel(channel)
	if channel == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[channel]; ok {
		return
	}
	m.channels[channel] = struct{}{}
	if m.conn != nil {
		if err := m.conn.WriteLine("JOIN #" + channel); err != nil {
			slog.Warn("Failed to join twitch channel", "channel", channel, "error", err)
		}
	}
	slog.Info("Subscribed to twitch channel", "channel", channel)
}

// Unsubscribe parts a channel.
func (m *Manager) Unsubscribe(channel string) {
	channel = NormalizeChannel(channel)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[channel]; !ok {
		return
	}
	delete(m.channels, channel)
	if m.conn != nil {
		if err := m.conn.WriteLine("PART #" + channel); err != nil {
			slog.Warn("Failed to part twitch channel", "channel", channel, "error", err)
		}
	}
}

// Run connects and pumps messages until ctx is cancelled or the dial retry
// budget is exhausted. Intended to run as its own goroutine.
func (m *Manager) Run(ctx context.Context) error {
	policy := retry.Policy{
		MaxAttempts:    m.cfg.DialMaxAttempts,
		InitialBackoff: m.cfg.DialInitialBackoff,
		MaxBackoff:     m.cfg.DialMaxBackoff,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			slog.Warn("Twitch dial failed, retrying",
				"attempt", attempt,
				"backoff", backoff,
				"error", err,
			)
		},
	}

	first := true
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !first {
			metrics.TwitchReconnectsTotal.Inc()
		}
		first = false

		conn, err := retry.Do(ctx, m.clock, policy, retry.AlwaysRetry, func() (LineConn, error) {
			return m.dialer.Dial(ctx)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("twitch connection: %w", err)
		}

		if err := m.handshake(conn); err != nil {
			slog.Warn("Twitch handshake failed", "error", err)
			_ = conn.Close()
			continue
		}

		m.setConn(conn)
		slog.Info("Twitch IRC connected", "nick", m.nick)

		err = m.readLoop(ctx, conn)
		m.setConn(nil)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("Twitch IRC connection lost", "error", err)
	}
}

func (m *Manager) handshake(conn LineConn) error {
	if err := conn.WriteLine("NICK " + m.nick); err != nil {
		return err
	}
	m.mu.Lock()
	channels := make([]string, 0, len(m.channels))
	for ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	for _, ch := range channels {
		if err := conn.WriteLine("JOIN #" + ch); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) setConn(conn LineConn) {
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
}

func (m *Manager) readLoop(ctx context.Context, conn LineConn) error {
	// ReadLine has no context support; closing the connection unblocks it.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		line, err := conn.ReadLine()
		if err != nil {
			return err
		}

		kind, msg := parseLine(line, m.clock.Now())
		switch kind {
		case linePing:
			if err := conn.WriteLine("PONG :tmi.twitch.tv"); err != nil {
				return err
			}
		case linePrivMsg:
			if m.subscribed(msg.Channel) {
				m.sink(msg)
			}
		}
	}
}

func (m *Manager) subscribed(channel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.channels[channel]
	return ok
}
