// MatchCall Copyright 2024 amoryapp.com. All rights reserved.

// Package client implements the signaling protocol engine embedded by
// the amory app clients: a reconnection supervisor for the signaling
// link (supervisor.go), a per-call state machine (call.go) and the
// peer transport bootstrap (peer.go). A Client wires the three
// together; tests and embedding apps can also drive CallMachine and
// Supervisor directly with injected fakes.
package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/amoryapp/matchcall/wire"
)

var ErrNotConnected = errors.New("signaling connection not established")
var ErrBusy = errors.New("another call is in progress")
var ErrPeerOffline = errors.New("peer is not online")
var ErrNotRinging = errors.New("no ringing call to answer")

// CallDayCap returns the talk time allowed on the given call day:
// 300s on day 1, 600s on day 2 and 1200s from day 3 on. These are the
// server defaults; FetchServerConfig delivers the live values.
func CallDayCap(callDay int) time.Duration {
	switch {
	case callDay <= 1:
		return 300 * time.Second
	case callDay == 2:
		return 600 * time.Second
	}
	return 1200 * time.Second
}

// Config collects everything a Client needs. UserID and URL are
// required; every other field has a usable default.
type Config struct {
	UserID int64
	// URL is the ws:// or wss:// signaling endpoint.
	URL string

	// CallLog persists call records (HTTPCallLog in production). Nil
	// keeps no records.
	CallLog CallLog
	// Presence is consulted before a call is initiated. Nil skips the
	// pre-flight check.
	Presence Presence
	// NewPeer creates the transport primitive per call (NewPionFactory
	// in production). Nil disables the transport bootstrap, which only
	// makes sense for signaling-only tests.
	NewPeer PeerConnFactory

	Dialer Dialer
	Clock  clock.Clock
	// Logf receives operational log lines; nil discards them.
	Logf func(format string, a ...interface{})

	RingTimeout    time.Duration // default 30s
	GraceReset     time.Duration // default 3s
	ReconnectDelay time.Duration // default 5s
	// CapForDay overrides the callDay duration caps; default CallDayCap.
	CapForDay func(callDay int) time.Duration

	// OnMissedCalls receives the stored missed-call list the server
	// pushes after registration and after every change.
	OnMissedCalls func(calls []wire.MissedCallEntry)
}

// Client is one user's signaling endpoint.
type Client struct {
	cfg     Config
	logf    func(format string, a ...interface{})
	sup     *Supervisor
	machine *CallMachine
}

func New(cfg Config) (*Client, error) {
	if cfg.UserID <= 0 {
		return nil, fmt.Errorf("invalid userId %d", cfg.UserID)
	}
	if cfg.URL == "" && cfg.Dialer == nil {
		return nil, errors.New("no signaling url")
	}
	logf := cfg.Logf
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = WebsocketDialer{HandshakeTimeout: 10 * time.Second}
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}

	c := &Client{cfg: cfg, logf: logf}
	c.sup = NewSupervisor(cfg.URL, cfg.UserID, dialer, clk, delay, logf)
	c.machine = NewCallMachine(MachineConfig{
		UserID:      cfg.UserID,
		Send:        c.sendMessage,
		Online:      c.sup.Connected,
		CallLog:     cfg.CallLog,
		Presence:    cfg.Presence,
		NewPeer:     cfg.NewPeer,
		Clock:       clk,
		Logf:        logf,
		RingTimeout: cfg.RingTimeout,
		GraceReset:  cfg.GraceReset,
		CapForDay:   cfg.CapForDay,
	})
	c.sup.OnMessage = c.dispatch
	c.sup.OnDown = c.machine.SignalingDown
	return c, nil
}

func (c *Client) sendMessage(msg wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return c.sup.Send(data)
}

func (c *Client) dispatch(data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		c.logf("! bad inbound message err=%v", err)
		return
	}
	switch v := msg.(type) {
	case *wire.MissedCalls:
		if c.cfg.OnMissedCalls != nil {
			c.cfg.OnMissedCalls(v.Calls)
		}
	default:
		c.machine.HandleMessage(msg)
	}
}

// Connect opens the signaling link and registers the userId. On
// failure the supervisor keeps retrying per its backoff rules.
func (c *Client) Connect() error {
	return c.sup.Start()
}

// SetVisible forwards the app's foreground state to the supervisor.
func (c *Client) SetVisible(visible bool) {
	c.sup.SetVisible(visible)
}

// Calls exposes the call state machine for Initiate/Accept/Reject/
// HangUp and phase event subscription.
func (c *Client) Calls() *CallMachine {
	return c.machine
}

// DeleteMissedCall removes one stored missed-call entry by its
// callTime; the server answers with a fresh missed-calls push.
func (c *Client) DeleteMissedCall(callTime int64) error {
	return c.sendMessage(&wire.MissedCallsDelete{Type: wire.TypeMissedCallsDelete, CallTime: callTime})
}

// Close hangs up a running call and closes the signaling link.
func (c *Client) Close() {
	c.machine.HangUp()
	c.sup.Close()
}
