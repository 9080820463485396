package streamwindow

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
)

// Handle is a live stream window. Closed reports whether the window has gone
// away on its own, which the controller polls for.
type Handle interface {
	Closed() bool
	// Focus brings the window to the foreground where the platform allows it.
	Focus() error
	Close() error
}

// Opener launches stream windows. Abstracted so tests can substitute a
// scripted window for the real browser.
type Opener interface {
	Open(ctx context.Context, url string) (Handle, error)
}

// BrowserOpener launches the stream view in a separate browser window. There
// is no portable way to drive an existing browser from outside it, so the
// window is a dedicated process and close detection is process exit.
type BrowserOpener struct {
	// Command is the browser binary, e.g. "chromium" or "firefox".
	Command string
	// ExtraArgs are placed before the URL, e.g. ["--app"] or ["--kiosk"].
	ExtraArgs []string
}

var _ Opener = (*BrowserOpener)(nil)

func (o *BrowserOpener) Open(ctx context.Context, url string) (Handle, error) {
	args := append(append([]string{}, o.ExtraArgs...), url)
	cmd := exec.CommandContext(ctx, o.Command, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launching %s: %w", o.Command, err)
	}

	h := &processHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

type processHandle struct {
	cmd       *exec.Cmd
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Focus is a no-op: there is no portable way to raise another process's
// window, and browsers raise themselves when reopened on the same profile.
func (h *processHandle) Focus() error { return nil }

func (h *processHandle) Closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *processHandle) Close() error {
	h.closeOnce.Do(func() {
		if h.Closed() {
			return
		}
		h.closeErr = h.cmd.Process.Kill()
	})
	return h.closeErr
}
