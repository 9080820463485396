package twitch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedConn struct {
	lines     chan string
	written   chan string
	closed    chan struct{}
	closeOnce sync.Once
}

func newScriptedConn() *scriptedConn {
	return &scriptedConn{
		lines:   make(chan string, 32),
		written: make(chan string, 32),
		closed:  make(chan struct{}),
	}
}

func (c *scriptedConn) ReadLine() (string, error) {
	select {
	case line := <-c.lines:
		return line, nil
	case <-c.closed:
		return "", errors.New("connection closed")
	}
}

func (c *scriptedConn) WriteLine(line string) error {
	select {
	case c.written <- line:
		return nil
	case <-c.closed:
		return errors.New("connection closed")
	}
}

func (c *scriptedConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *scriptedConn) expectLine(t *testing.T) string {
	t.Helper()
	select {
	case line := <-c.written:
		return line
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for written line")
		return ""
	}
}

type queueDialer struct {
	mu    sync.Mutex
	queue []*scriptedConn
	dials int
}

func (d *queueDialer) Dial(context.Context) (LineConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.queue) == 0 {
		return nil, errors.New("dial refused")
	}
	conn := d.queue[0]
	d.queue = d.queue[1:]
	return conn, nil
}

type msgCollector struct {
	mu   sync.Mutex
	msgs []ParsedMessage
}

func (c *msgCollector) sink(msg ParsedMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *msgCollector) all() []ParsedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ParsedMessage(nil), c.msgs...)
}

func TestManagerHandshakeAndRelay(t *testing.T) {
	conn := newScriptedConn()
	dialer := &queueDialer{queue: []*scriptedConn{conn}}
	collector := &msgCollector{}
	m := NewManager(Config{}, dialer, collector.sink, clockwork.NewRealClock())
	m.Subscribe("SomeChannel")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	nick := conn.expectLine(t)
	assert.True(t, strings.HasPrefix(nick, "NICK justinfan"), "got %q", nick)
	assert.Equal(t, "JOIN #somechannel", conn.expectLine(t))

	conn.lines <- ":viewer1!v@v.tmi.twitch.tv PRIVMSG #somechannel :first"
	conn.lines <- ":viewer2!v@v.tmi.twitch.tv PRIVMSG #somechannel :second"

	require.Eventually(t, func() bool { return len(collector.all()) == 2 },
		time.Second, 5*time.Millisecond)

	// Arrival order within the channel is preserved.
	msgs := collector.all()
	assert.Equal(t, "first", msgs[0].Text)
	assert.Equal(t, "second", msgs[1].Text)
}

func TestManagerAnswersPing(t *testing.T) {
	conn := newScriptedConn()
	dialer := &queueDialer{queue: []*scriptedConn{conn}}
	m := NewManager(Config{}, dialer, func(ParsedMessage) {}, clockwork.NewRealClock())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	conn.expectLine(t) // NICK
	conn.lines <- "PING :tmi.twitch.tv"
	assert.Equal(t, "PONG :tmi.twitch.tv", conn.expectLine(t))
}

func TestManagerDropsUnsubscribedChannels(t *testing.T) {
	conn := newScriptedConn()
	dialer := &queueDialer{queue: []*scriptedConn{conn}}
	collector := &msgCollector{}
	m := NewManager(Config{}, dialer, collector.sink, clockwork.NewRealClock())
	m.Subscribe("wanted")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	conn.expectLine(t) // NICK
	conn.expectLine(t) // JOIN

	conn.lines <- ":v!v@v.tmi.twitch.tv PRIVMSG #unwanted :noise"
	conn.lines <- ":v!v@v.tmi.twitch.tv PRIVMSG #wanted :signal"

	require.Eventually(t, func() bool { return len(collector.all()) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, "signal", collector.all()[0].Text)
}

func TestManagerReconnectsAndRejoins(t *testing.T) {
	conn1 := newScriptedConn()
	conn2 := newScriptedConn()
	dialer := &queueDialer{queue: []*scriptedConn{conn1, conn2}}
	m := NewManager(Config{DialInitialBackoff: time.Millisecond}, dialer, func(ParsedMessage) {}, clockwork.NewRealClock())
	m.Subscribe("somechannel")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	conn1.expectLine(t) // NICK
	conn1.expectLine(t) // JOIN

	// Drop the connection; the manager should dial again and replay the join.
	conn1.Close()

	nick := conn2.expectLine(t)
	assert.True(t, strings.HasPrefix(nick, "NICK "), "got %q", nick)
	assert.Equal(t, "JOIN #somechannel", conn2.expectLine(t))
}

func TestSubscribeWhileConnectedJoinsImmediately(t *testing.T) {
	conn := newScriptedConn()
	dialer := &queueDialer{queue: []*scriptedConn{conn}}
	m := NewManager(Config{}, dialer, func(ParsedMessage) {}, clockwork.NewRealClock())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	conn.expectLine(t) // NICK

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.conn != nil
	}, time.Second, 5*time.Millisecond)

	m.Subscribe("late")
	assert.Equal(t, "JOIN #late", conn.expectLine(t))

	m.Unsubscribe("late")
	assert.Equal(t, "PART #late", conn.expectLine(t))
}
