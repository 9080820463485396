package syncchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kottz/kolmodin/internal/metrics"
)

// RedisChannel is the production Channel implementation. Both window
// contexts connect to the same Redis instance; the channel name is scoped by
// lobby so concurrent lobbies never see each other's signals.
type RedisChannel struct {
	rdb     *goredis.Client
	lobbyID string
}

var _ Channel = (*RedisChannel)(nil)

func NewRedisChannel(rdb *goredis.Client, lobbyID string) *RedisChannel {
	return &RedisChannel{rdb: rdb, lobbyID: lobbyID}
}

func (r *RedisChannel) channelName() string {
	return "lobby:sync:" + r.lobbyID
}

func (r *RedisChannel) Publish(ctx context.Context, sig Signal) error {
	if !sig.Valid() {
		return ErrUnknownKind
	}

	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to marshal sync signal: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.channelName(), data).Err(); err != nil {
		return fmt.Errorf("failed to publish sync signal: %w", err)
	}
	metrics.SyncSignalsPublishedTotal.WithLabelValues(string(sig.Kind)).Inc()
	return nil
}

func (r *RedisChannel) Subscribe(ctx context.Context) (<-chan Signal, func()) {
	sub := r.rdb.Subscribe(ctx, r.channelName())

	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan Signal, subscriberBufferSize)

	go func() {
		defer close(out)
		msgCh := sub.Channel()
		for {
			select {
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				var sig Signal
				if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
					slog.Warn("Dropping undecodable sync signal", "lobby_id", r.lobbyID, "error", err)
					metrics.SyncSignalsDroppedTotal.Inc()
					continue
				}
				if !sig.Valid() {
					slog.Warn("Dropping sync signal with unknown kind", "lobby_id", r.lobbyID, "kind", sig.Kind)
					metrics.SyncSignalsDroppedTotal.Inc()
					continue
				}
				select {
				case out <- sig:
				default:
					metrics.SyncSignalsDroppedTotal.Inc()
				}
			case <-subCtx.Done():
				return
			}
		}
	}()

	return out, func() {
		cancel()
		_ = sub.Close()
	}
}
