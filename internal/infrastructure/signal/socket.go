package signal

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"peerlink/internal/core/domain"
)

// socket is one peer's websocket on the relay. Only writePump writes to
// conn; everyone else goes through enqueue.
type socket struct {
	id       domain.PeerID
	room     domain.RoomID
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	limiter  *rate.Limiter
	joinedAt time.Time
	log      *zap.SugaredLogger
}

func newSocket(id domain.PeerID, room domain.RoomID, conn *websocket.Conn, buffer int, limiter *rate.Limiter, log *zap.SugaredLogger) *socket {
	return &socket{
		id:       id,
		room:     room,
		conn:     conn,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		limiter:  limiter,
		joinedAt: time.Now(),
		log:      log,
	}
}

// enqueue never blocks. It reports false when the socket is closed or its
// send buffer is full.
func (s *socket) enqueue(msg []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

func (s *socket) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *socket) allow() bool {
	return s.limiter == nil || s.limiter.Allow()
}
