package lobby

import "sync"

const sendBufferSize = 16

// clientWriter serializes writes to one connection through a buffered channel
// so a slow client never blocks the lobby actor.
type clientWriter struct {
	conn     Conn
	sendCh   chan []byte
	done     chan struct{}
	stopOnce sync.Once
}

func newClientWriter(conn Conn) *clientWriter {
	cw := &clientWriter{
		conn:   conn,
		sendCh: make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
	go cw.run()
	return cw
}

func (cw *clientWriter) run() {
	for {
		select {
		case data, ok := <-cw.sendCh:
			if !ok {
				return
			}
			if err := cw.conn.WriteMessage(data); err != nil {
				return
			}
		case <-cw.done:
			return
		}
	}
}

// trySend queues data without blocking. False means the buffer is full and
// the client should be dropped.
func (cw *clientWriter) trySend(data []byte) bool {
	select {
	case cw.sendCh <- data:
		return true
	default:
		return false
	}
}

func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.done)
		_ = cw.conn.Close()
	})
}
