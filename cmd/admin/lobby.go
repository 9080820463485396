package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kottz/kolmodin/internal/platform/config"
	"github.com/kottz/kolmodin/internal/platform/retry"
)

const lobbyCreateTimeout = 5 * time.Second

type createdLobby struct {
	LobbyID    string `json:"lobby_id"`
	AdminID    string `json:"admin_id"`
	GameTypeID string `json:"game_type_id"`
}

// createLobby asks the server for a fresh lobby, retrying while the server is
// still coming up. 4xx responses are permanent; everything else is transient.
func createLobby(ctx context.Context, clock clockwork.Clock, cfg *config.Config) (*createdLobby, error) {
	policy := retry.Policy{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			fmt.Printf("lobby create failed (attempt %d, retrying in %s): %v\n", attempt, backoff, err)
		},
	}

	classify := func(err error) retry.Action {
		var respErr *unexpectedStatusError
		if errors.As(err, &respErr) && respErr.status >= 400 && respErr.status < 500 {
			return retry.Stop
		}
		return retry.Retry
	}

	return retry.Do(ctx, clock, policy, classify, func() (*createdLobby, error) {
		return requestLobby(ctx, cfg)
	})
}

func requestLobby(ctx context.Context, cfg *config.Config) (*createdLobby, error) {
	body, err := json.Marshal(map[string]string{
		"game_type_id":   cfg.GameTypeID,
		"twitch_channel": cfg.TwitchChannel,
	})
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, lobbyCreateTimeout)
	defer cancel()

	url := strings.TrimSuffix(cfg.ServerURL, "/") + "/api/lobbies"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lobby create request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &unexpectedStatusError{status: resp.StatusCode, body: string(data)}
	}

	var created createdLobby
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("decoding lobby create response: %w", err)
	}
	if created.LobbyID == "" || created.AdminID == "" {
		return nil, fmt.Errorf("lobby create response missing identifiers")
	}
	return &created, nil
}

type unexpectedStatusError struct {
	status int
	body   string
}

func (e *unexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}
