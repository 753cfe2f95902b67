package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/panelfeed/pkg/metrics"
)

// DefaultWriteTimeout bounds one frame write; a viewer that cannot take a frame in time
// is dropped so it cannot hold up the room.
const DefaultWriteTimeout = 10 * time.Second

type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ConnectionPool holds the websocket viewers of one session. It fans out frames and
// reports when the session has had no viewer for idleTimeout.
type ConnectionPool struct {
	sessionID   string
	mu          sync.Mutex
	conns       map[wsConn]struct{}
	clock       clock.Clock
	idleTimer   clock.Timer
	idleTimeout time.Duration
	// writeTimeout is measured on the wall clock, like socket deadlines.
	writeTimeout time.Duration
	onIdle       func()
	metrics      *metrics.Metrics
}

func NewConnectionPool(sessionID string, clk clock.Clock, idleTimeout time.Duration, onIdle func(), m *metrics.Metrics) *ConnectionPool {
	if clk == nil {
		clk = clock.WallClock
	}
	return &ConnectionPool{
		sessionID:    sessionID,
		conns:        map[wsConn]struct{}{},
		clock:        clk,
		idleTimeout:  idleTimeout,
		writeTimeout: DefaultWriteTimeout,
		onIdle:       onIdle,
		metrics:      m,
	}
}

func (cp *ConnectionPool) Add(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	if _, ok := cp.conns[conn]; !ok {
		cp.conns[conn] = struct{}{}
		cp.metrics.ViewerConnected(1)
	}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Remove(conn wsConn) {
	if cp == nil || conn == nil {
		_ = closeConn(conn)
		return
	}
	cp.mu.Lock()
	cp.dropLocked(conn)
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
	_ = closeConn(conn)
}

func (cp *ConnectionPool) dropLocked(conn wsConn) {
	if _, ok := cp.conns[conn]; ok {
		delete(cp.conns, conn)
		cp.metrics.ViewerConnected(-1)
	}
}

func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	dropped := false
	for conn := range cp.conns {
		if err := cp.write(conn, data); err != nil {
			log.Warn().Err(err).Str("component", "server").Str("session_id", cp.sessionID).Msg("ws broadcast failed, dropping viewer")
			cp.dropLocked(conn)
			_ = closeConn(conn)
			dropped = true
		}
	}
	if dropped {
		cp.scheduleIdleTimerLocked()
	}
	cp.mu.Unlock()
}

func (cp *ConnectionPool) write(conn wsConn, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (cp *ConnectionPool) SendToOne(conn wsConn, data []byte) {
	if cp == nil || conn == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, ok := cp.conns[conn]; !ok {
		return
	}
	if err := cp.write(conn, data); err != nil {
		log.Warn().Err(err).Str("component", "server").Str("session_id", cp.sessionID).Msg("ws send failed, dropping viewer")
		cp.dropLocked(conn)
		_ = closeConn(conn)
		cp.scheduleIdleTimerLocked()
	}
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	for conn := range cp.conns {
		_ = closeConn(conn)
		cp.dropLocked(conn)
	}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

// Touch arms the idle timer when the pool is empty; a session opened without a viewer
// still expires.
func (cp *ConnectionPool) Touch() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	if cp.idleTimer == nil {
		cp.scheduleIdleTimerLocked()
	}
	cp.mu.Unlock()
}

func (cp *ConnectionPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *ConnectionPool) scheduleIdleTimerLocked() {
	if len(cp.conns) != 0 || cp.idleTimeout <= 0 || cp.onIdle == nil {
		cp.stopIdleTimerLocked()
		return
	}
	cp.stopIdleTimerLocked()
	cp.idleTimer = cp.clock.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *ConnectionPool) triggerIdle() {
	var callback func()
	cp.mu.Lock()
	if len(cp.conns) == 0 {
		callback = cp.onIdle
	}
	cp.idleTimer = nil
	cp.mu.Unlock()
	if callback != nil {
		callback()
	}
}

func closeConn(conn wsConn) error {
	if conn == nil {
		return nil
	}
	return conn.Close()
}
