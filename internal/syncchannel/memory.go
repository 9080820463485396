package syncchannel

import (
	"context"
	"sync"

	"github.com/kottz/kolmodin/internal/metrics"
)

const subscriberBufferSize = 16

// MemoryChannel is an in-process Channel for tests and single-process setups
// where both window contexts live in the same binary.
type MemoryChannel struct {
	mu   sync.Mutex
	subs map[int]chan Signal
	next int
}

var _ Channel = (*MemoryChannel)(nil)

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{subs: make(map[int]chan Signal)}
}

// Publish fans the signal out to every subscriber. Subscribers with full
// buffers are skipped so one stuck reader cannot block the rest.
func (m *MemoryChannel) Publish(_ context.Context, sig Signal) error {
	if !sig.Valid() {
		return ErrUnknownKind
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- sig:
		default:
			metrics.SyncSignalsDroppedTotal.Inc()
		}
	}
	metrics.SyncSignalsPublishedTotal.WithLabelValues(string(sig.Kind)).Inc()
	return nil
}

func (m *MemoryChannel) Subscribe(_ context.Context) (<-chan Signal, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.next
	m.next++
	ch := make(chan Signal, subscriberBufferSize)
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}
