// Package streamwindow manages the detached stream view window: opening it,
// waiting for its ready handshake over the sync channel, toggling its
// visibility, and noticing when the streamer closes it out from under us.
//
// The controller is an actor in the same style as the session engine: one
// goroutine owns the state machine and everything arrives as a message.
package streamwindow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kottz/kolmodin/internal/metrics"
	"github.com/kottz/kolmodin/internal/syncchannel"
)

// State is the window lifecycle state.
type State int

const (
	StateClosed State = iota
	StateOpening
	// StateOpenUnconfirmed means the window process exists but the page has
	// not yet announced that its signal listener is attached. A handle is not
	// a listening page.
	StateOpenUnconfirmed
	StateOpenConfirmed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpenUnconfirmed:
		return "open_unconfirmed"
	case StateOpenConfirmed:
		return "open_confirmed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

var (
	// ErrAlreadyOpen is returned by Open while a window is already live.
	ErrAlreadyOpen = errors.New("stream window is already open")
	// ErrNotOpen is returned by Close when there is no window.
	ErrNotOpen = errors.New("stream window is not open")
	// ErrNotConfirmed rejects visibility changes before the window's ready
	// handshake has completed. Broadcasting to a page with no listener would
	// silently lose the signal.
	ErrNotConfirmed = errors.New("stream window has not confirmed readiness")
)

// Status is a snapshot of the controller, pushed to the status listener on
// every change.
type Status struct {
	State State `json:"state"`
	// AwaitingConfirmation is set when the window has been open longer than
	// the confirmation wait without sending ready. The window stays open; the
	// streamer may just be slow, but the UI should say so.
	AwaitingConfirmation bool `json:"awaiting_confirmation"`
	// Visible is the admin's authoritative record of the last visibility it
	// broadcast. The stream view is never asked what it shows.
	Visible bool `json:"visible"`
}

// MarshalJSON renders the state as its string form.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		State                string `json:"state"`
		AwaitingConfirmation bool   `json:"awaiting_confirmation"`
		Visible              bool   `json:"visible"`
	}{s.State.String(), s.AwaitingConfirmation, s.Visible})
}

// Config describes the stream view target and the controller's timing knobs.
type Config struct {
	// URL is the stream view address, including the lobby identity.
	URL string

	ConfirmWait  time.Duration // default 10s
	PollInterval time.Duration // default 2s
}

func (c *Config) applyDefaults() {
	if c.ConfirmWait <= 0 {
		c.ConfirmWait = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
}

type controllerCmd interface{ isControllerCmd() }

type openCmd struct{ reply chan error }
type closeCmd struct{ reply chan error }
type showCmd struct{ reply chan error }
type hideCmd struct{ reply chan error }
type toggleCmd struct{ reply chan error }
type focusCmd struct{ reply chan error }
type statusCmd struct{ reply chan Status }
type stopCmd struct{}

func (openCmd) isControllerCmd()   {}
func (closeCmd) isControllerCmd()  {}
func (showCmd) isControllerCmd()   {}
func (hideCmd) isControllerCmd()   {}
func (toggleCmd) isControllerCmd() {}
func (focusCmd) isControllerCmd()  {}
func (statusCmd) isControllerCmd() {}
func (stopCmd) isControllerCmd()   {}

// Controller drives one stream window's lifecycle.
type Controller struct {
	cfg      Config
	opener   Opener
	channel  syncchannel.Channel
	clock    clockwork.Clock
	onStatus func(Status)

	cmdCh chan controllerCmd
	done  chan struct{}

	// Actor-owned state below.
	state      State
	awaiting   bool
	visible    bool
	handle     Handle
	confirmTmr clockwork.Timer
	pollTicker clockwork.Ticker
	signals    <-chan syncchannel.Signal
	unsub      func()
}

// New builds a controller. onStatus may be nil; when set it is invoked from
// the actor goroutine and must not call back into the controller.
func New(cfg Config, opener Opener, channel syncchannel.Channel, clock clockwork.Clock, onStatus func(Status)) *Controller {
	cfg.applyDefaults()
	return &Controller{
		cfg:      cfg,
		opener:   opener,
		channel:  channel,
		clock:    clock,
		onStatus: onStatus,
		cmdCh:    make(chan controllerCmd, 16),
		done:     make(chan struct{}),
	}
}

// Start subscribes to the sync channel and launches the actor.
func (c *Controller) Start(ctx context.Context) {
	c.signals, c.unsub = c.channel.Subscribe(ctx)
	go c.run(ctx)
}

// Stop shuts the actor down, closing any live window.
func (c *Controller) Stop() {
	select {
	case c.cmdCh <- stopCmd{}:
		<-c.done
	case <-c.done:
	}
}

// Open launches the stream window. Fails with ErrAlreadyOpen unless Closed.
func (c *Controller) Open() error { return c.call(openCmd{reply: make(chan error, 1)}) }

// Close tears the window down from any open state.
func (c *Controller) Close() error { return c.call(closeCmd{reply: make(chan error, 1)}) }

// Show broadcasts a show signal. Requires a confirmed window.
func (c *Controller) Show() error { return c.call(showCmd{reply: make(chan error, 1)}) }

// Hide broadcasts a hide signal. Requires a confirmed window.
func (c *Controller) Hide() error { return c.call(hideCmd{reply: make(chan error, 1)}) }

// ToggleVisibility flips the last broadcast visibility. Requires a confirmed
// window.
func (c *Controller) ToggleVisibility() error {
	return c.call(toggleCmd{reply: make(chan error, 1)})
}

// Focus raises the window. A no-op without a live handle.
func (c *Controller) Focus() error { return c.call(focusCmd{reply: make(chan error, 1)}) }

// Status reports the controller's current snapshot.
func (c *Controller) Status() Status {
	cmd := statusCmd{reply: make(chan Status, 1)}
	select {
	case c.cmdCh <- cmd:
		select {
		case s := <-cmd.reply:
			return s
		case <-c.done:
		}
	case <-c.done:
	}
	return Status{State: StateClosed}
}

func (c *Controller) call(cmd controllerCmd) error {
	var reply chan error
	switch v := cmd.(type) {
	case openCmd:
		reply = v.reply
	case closeCmd:
		reply = v.reply
	case showCmd:
		reply = v.reply
	case hideCmd:
		reply = v.reply
	case toggleCmd:
		reply = v.reply
	case focusCmd:
		reply = v.reply
	}
	select {
	case c.cmdCh <- cmd:
	case <-c.done:
		return ErrNotOpen
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrNotOpen
	}
}

// --- Actor loop ---

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)
	defer c.unsub()

	for {
		var confirmCh <-chan time.Time
		if c.confirmTmr != nil {
			confirmCh = c.confirmTmr.Chan()
		}
		var pollCh <-chan time.Time
		if c.pollTicker != nil {
			pollCh = c.pollTicker.Chan()
		}

		select {
		case cmd := <-c.cmdCh:
			switch v := cmd.(type) {
			case openCmd:
				v.reply <- c.handleOpen(ctx)
			case closeCmd:
				v.reply <- c.handleClose()
			case showCmd:
				v.reply <- c.handleVisibility(ctx, true)
			case hideCmd:
				v.reply <- c.handleVisibility(ctx, false)
			case toggleCmd:
				v.reply <- c.handleVisibility(ctx, !c.visible)
			case focusCmd:
				v.reply <- c.handleFocus()
			case statusCmd:
				v.reply <- c.snapshot()
			case stopCmd:
				c.teardown()
				return
			}

		case sig, ok := <-c.signals:
			if !ok {
				c.signals = nil
				continue
			}
			c.handleSignal(sig)

		case <-confirmCh:
			c.confirmTmr = nil
			c.handleConfirmWaitElapsed()

		case <-pollCh:
			c.handlePoll()

		case <-ctx.Done():
			c.teardown()
			return
		}
	}
}

func (c *Controller) snapshot() Status {
	return Status{State: c.state, AwaitingConfirmation: c.awaiting, Visible: c.visible}
}

func (c *Controller) publishStatus() {
	if c.onStatus != nil {
		c.onStatus(c.snapshot())
	}
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	slog.Debug("Stream window state changed", "from", c.state.String(), "to", s.String())
	c.state = s
	c.publishStatus()
}

func (c *Controller) handleOpen(ctx context.Context) error {
	if c.state != StateClosed {
		return ErrAlreadyOpen
	}

	c.setState(StateOpening)
	handle, err := c.opener.Open(ctx, c.cfg.URL)
	if err != nil {
		c.setState(StateClosed)
		return fmt.Errorf("opening stream window: %w", err)
	}

	metrics.StreamWindowOpensTotal.Inc()
	c.handle = handle
	c.awaiting = false
	c.visible = false
	c.setState(StateOpenUnconfirmed)
	c.confirmTmr = c.clock.NewTimer(c.cfg.ConfirmWait)
	c.pollTicker = c.clock.NewTicker(c.cfg.PollInterval)
	return nil
}

func (c *Controller) handleClose() error {
	if c.state == StateClosed {
		return ErrNotOpen
	}
	slog.Info("Closing stream window")
	c.closeWindow()
	return nil
}

func (c *Controller) handleVisibility(ctx context.Context, visible bool) error {
	if c.state != StateOpenConfirmed {
		metrics.StreamWindowRejectedTogglesTotal.Inc()
		return ErrNotConfirmed
	}

	kind := syncchannel.KindHide
	if visible {
		kind = syncchannel.KindShow
	}
	if err := c.channel.Publish(ctx, syncchannel.Signal{Kind: kind}); err != nil {
		return fmt.Errorf("publishing %s signal: %w", kind, err)
	}
	c.visible = visible
	c.publishStatus()
	return nil
}

func (c *Controller) handleFocus() error {
	if c.handle == nil {
		return nil
	}
	return c.handle.Focus()
}

func (c *Controller) handleSignal(sig syncchannel.Signal) {
	switch sig.Kind {
	case syncchannel.KindReady:
		if c.state != StateOpenUnconfirmed {
			// A ready from a stale page or a reloaded view; the current
			// state already reflects reality.
			slog.Debug("Ignoring ready signal", "state", c.state.String())
			return
		}
		slog.Info("Stream window confirmed ready")
		c.stopConfirmWait()
		c.awaiting = false
		c.setState(StateOpenConfirmed)

	case syncchannel.KindShow, syncchannel.KindHide:
		// Our own broadcasts echoed back by the channel.

	default:
		slog.Warn("Unknown sync signal", "kind", string(sig.Kind))
	}
}

func (c *Controller) handleConfirmWaitElapsed() {
	if c.state != StateOpenUnconfirmed {
		return
	}
	slog.Warn("Stream window has not confirmed readiness",
		"waited", c.cfg.ConfirmWait,
	)
	c.awaiting = true
	c.publishStatus()
}

func (c *Controller) handlePoll() {
	if c.handle == nil || !c.handle.Closed() {
		return
	}
	slog.Info("Stream window was closed externally")
	metrics.StreamWindowExternalClosesTotal.Inc()
	c.closeWindow()
}

func (c *Controller) stopConfirmWait() {
	if c.confirmTmr != nil {
		c.confirmTmr.Stop()
		c.confirmTmr = nil
	}
}

func (c *Controller) closeWindow() {
	c.stopConfirmWait()
	if c.pollTicker != nil {
		c.pollTicker.Stop()
		c.pollTicker = nil
	}
	if c.handle != nil {
		_ = c.handle.Close()
		c.handle = nil
	}
	c.awaiting = false
	c.visible = false
	c.setState(StateClosed)
}

func (c *Controller) teardown() {
	if c.state != StateClosed {
		c.closeWindow()
	}
}
