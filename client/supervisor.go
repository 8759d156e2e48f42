// MatchCall Copyright 2024 amoryapp.com. All rights reserved.

package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/amoryapp/matchcall/wire"
)

// Conn is one live signaling connection.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens signaling connections. Production uses WebsocketDialer;
// tests inject pipe-backed fakes.
type Dialer interface {
	Dial(url string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	// HandshakeTimeout limits the dial; zero uses gorilla's default.
	HandshakeTimeout time.Duration
}

func (d WebsocketDialer) Dial(url string) (Conn, error) {
	dialer := *websocket.DefaultDialer
	if d.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = d.HandshakeTimeout
	}
	c, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return &gorillaConn{conn: c}, nil
}

type gorillaConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (g *gorillaConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := g.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (g *gorillaConn) WriteMessage(data []byte) error {
	g.wmu.Lock()
	defer g.wmu.Unlock()
	return g.conn.WriteMessage(websocket.TextMessage, data)
}

func (g *gorillaConn) Close() error {
	g.wmu.Lock()
	// announce a clean close so the server does not log a read error
	g.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	g.wmu.Unlock()
	return g.conn.Close()
}

// Supervisor owns the signaling connection independent of any call.
// It registers the userId on every (re)connect, schedules one delayed
// reconnect after an unclean close while the app is visible, and
// reconnects immediately when the app becomes visible while
// disconnected. A clean Close() never triggers a reconnect.
type Supervisor struct {
	mu     sync.Mutex
	url    string
	userID int64
	dialer Dialer
	clk    clock.Clock
	delay  time.Duration
	logf   func(format string, a ...interface{})

	// OnMessage receives every inbound message; OnDown fires after an
	// unclean connection loss. Both must be set before Start().
	OnMessage func(data []byte)
	OnDown    func()

	conn     Conn
	gen      int
	started  bool
	stopping bool
	visible  bool
	pending  bool
	retry    *clock.Timer
}

func NewSupervisor(url string, userID int64, d Dialer, clk clock.Clock, delay time.Duration, logf func(format string, a ...interface{})) *Supervisor {
	if clk == nil {
		clk = clock.New()
	}
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	if delay <= 0 {
		delay = 5 * time.Second
	}
	return &Supervisor{url: url, userID: userID, dialer: d, clk: clk, delay: delay, logf: logf, visible: true}
}

// Start opens the connection and registers. On failure a retry is
// scheduled and the error returned.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return fmt.Errorf("supervisor closed")
	}
	if s.conn != nil {
		return nil
	}
	s.started = true
	return s.connectLocked()
}

func (s *Supervisor) connectLocked() error {
	conn, err := s.dialer.Dial(s.url)
	if err != nil {
		s.logf("# dial %s err=%v", s.url, err)
		s.scheduleRetryLocked()
		return err
	}
	// registration must be the first message on every fresh connection
	data, err := wire.Encode(wire.NewRegister(s.userID))
	if err == nil {
		err = conn.WriteMessage(data)
	}
	if err != nil {
		s.logf("# register userId=%d err=%v", s.userID, err)
		conn.Close()
		s.scheduleRetryLocked()
		return err
	}
	s.conn = conn
	s.gen++
	s.logf("signaling connected userId=%d", s.userID)
	go s.readLoop(conn, s.gen)
	return nil
}

func (s *Supervisor) readLoop(conn Conn, gen int) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.connClosed(conn, gen, err)
			return
		}
		if s.OnMessage != nil {
			s.OnMessage(data)
		}
	}
}

func (s *Supervisor) connClosed(conn Conn, gen int, err error) {
	s.mu.Lock()
	if s.conn != conn || s.gen != gen {
		// a newer connection took over
		s.mu.Unlock()
		return
	}
	s.conn = nil
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.logf("! signaling connection lost err=%v", err)
	s.scheduleRetryLocked()
	down := s.OnDown
	s.mu.Unlock()
	if down != nil {
		down()
	}
}

func (s *Supervisor) scheduleRetryLocked() {
	if s.stopping || s.pending {
		return
	}
	if !s.visible {
		// reconnect happens on the next SetVisible(true)
		s.logf("not visible, reconnect deferred")
		return
	}
	s.pending = true
	s.retry = s.clk.AfterFunc(s.delay, s.retryFired)
	s.logf("reconnect in %v", s.delay)
}

func (s *Supervisor) retryFired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = false
	if s.stopping || s.conn != nil {
		return
	}
	if !s.visible {
		return
	}
	s.connectLocked()
}

// SetVisible forwards the app's foreground state. Becoming visible
// while disconnected reconnects immediately instead of waiting for
// the retry timer.
func (s *Supervisor) SetVisible(visible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visible = visible
	if !visible || !s.started || s.stopping || s.conn != nil {
		return
	}
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.pending = false
	s.connectLocked()
}

func (s *Supervisor) Send(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteMessage(data)
}

func (s *Supervisor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Close shuts the connection down cleanly; no reconnect follows.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.stopping = true
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.pending = false
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
