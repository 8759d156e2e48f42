// MatchCall Copyright 2024 amoryapp.com. All rights reserved.

package client

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/amoryapp/matchcall/wire"
)

// CallSession is one call attempt as seen by this side. Caller and
// callee each hold their own copy; the two converge only through wire
// messages, never through shared state.
type CallSession struct {
	CallID       string
	MatchID      int64
	InitiatorID  int64
	ReceiverID   int64
	OtherUserID  int64
	CallDay      int
	Phase        wire.Phase
	StartTime    time.Time
	EndTime      time.Time
	DurationSecs int
	ErrorMessage string
}

// Event is delivered to subscribers on every phase change. Session is
// a snapshot taken at transition time.
type Event struct {
	Phase   wire.Phase
	Session CallSession
	Message string
}

// phaseNext lists the reachable phases per current phase. Terminal
// phases only reach idle (the grace reset).
var phaseNext = map[wire.Phase][]wire.Phase{
	wire.PhaseIdle:       {wire.PhaseCalling, wire.PhaseRinging},
	wire.PhaseCalling:    {wire.PhaseConnecting, wire.PhaseRejected, wire.PhaseMissed, wire.PhaseEnded, wire.PhaseError},
	wire.PhaseRinging:    {wire.PhaseConnecting, wire.PhaseRejected, wire.PhaseMissed, wire.PhaseEnded, wire.PhaseError},
	wire.PhaseConnecting: {wire.PhaseActive, wire.PhaseEnded, wire.PhaseError},
	wire.PhaseActive:     {wire.PhaseEnded, wire.PhaseError},
	wire.PhaseEnded:      {wire.PhaseIdle},
	wire.PhaseRejected:   {wire.PhaseIdle},
	wire.PhaseMissed:     {wire.PhaseIdle},
	wire.PhaseError:      {wire.PhaseIdle},
}

func legalTransition(from, to wire.Phase) bool {
	for _, p := range phaseNext[from] {
		if p == to {
			return true
		}
	}
	return false
}

// MachineConfig collects the CallMachine inputs. Send and the
// collaborators are injectable so tests can run the machine without a
// server, a socket or real time.
type MachineConfig struct {
	UserID      int64
	Send        func(msg wire.Message) error
	Online      func() bool
	CallLog     CallLog
	Presence    Presence
	NewPeer     PeerConnFactory
	Clock       clock.Clock
	Logf        func(format string, a ...interface{})
	RingTimeout time.Duration
	GraceReset  time.Duration
	CapForDay   func(callDay int) time.Duration
}

// CallMachine drives one call session at a time through the phase
// table above. All entry points (user actions, routed messages, timer
// and transport callbacks) serialize on one mutex.
type CallMachine struct {
	mu          sync.Mutex
	userID      int64
	send        func(msg wire.Message) error
	online      func() bool
	callLog     CallLog
	presence    Presence
	newPeer     PeerConnFactory
	clk         clock.Clock
	logf        func(format string, a ...interface{})
	ringTimeout time.Duration
	graceReset  time.Duration
	capForDay   func(callDay int) time.Duration

	sess         *CallSession
	peer         *peerLink
	pendingOffer json.RawMessage
	pendingCands []json.RawMessage

	// timerSeq invalidates armed timers: every transition bumps it and
	// every timer callback rechecks it before acting
	timerSeq   int
	ringTimer  *clock.Timer
	capTimer   *clock.Timer
	graceTimer *clock.Timer

	// call-log updates run off the event path but must stay in order
	updMu      sync.Mutex
	updQueue   []logUpdate
	updRunning bool

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

func NewCallMachine(cfg MachineConfig) *CallMachine {
	m := &CallMachine{
		userID:      cfg.UserID,
		send:        cfg.Send,
		online:      cfg.Online,
		callLog:     cfg.CallLog,
		presence:    cfg.Presence,
		newPeer:     cfg.NewPeer,
		clk:         cfg.Clock,
		logf:        cfg.Logf,
		ringTimeout: cfg.RingTimeout,
		graceReset:  cfg.GraceReset,
		capForDay:   cfg.CapForDay,
		subs:        make(map[int]chan Event),
	}
	if m.send == nil {
		m.send = func(wire.Message) error { return ErrNotConnected }
	}
	if m.callLog == nil {
		m.callLog = nopCallLog{}
	}
	if m.clk == nil {
		m.clk = clock.New()
	}
	if m.logf == nil {
		m.logf = func(string, ...interface{}) {}
	}
	if m.ringTimeout <= 0 {
		m.ringTimeout = 30 * time.Second
	}
	if m.graceReset <= 0 {
		m.graceReset = 3 * time.Second
	}
	if m.capForDay == nil {
		m.capForDay = CallDayCap
	}
	return m
}

// Subscribe returns a phase event channel and its cancel func. Slow
// subscribers lose events rather than blocking the machine.
func (m *CallMachine) Subscribe() (<-chan Event, func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan Event, 32)
	m.subs[id] = ch
	return ch, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

// Phase returns the current phase, idle when no session is held.
func (m *CallMachine) Phase() wire.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return wire.PhaseIdle
	}
	return m.sess.Phase
}

// Session returns a snapshot of the held call session.
func (m *CallMachine) Session() (CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return CallSession{Phase: wire.PhaseIdle}, false
	}
	return *m.sess, true
}

// Initiate starts an outbound call. It checks the peer's presence,
// creates the call-log record and announces call:calling. The returned
// callId identifies the session on the wire and in the call log.
func (m *CallMachine) Initiate(otherUserID, matchID int64, callDay int) (string, error) {
	if otherUserID <= 0 {
		return "", fmt.Errorf("invalid peer userId %d", otherUserID)
	}
	if m.online != nil && !m.online() {
		return "", ErrNotConnected
	}
	m.mu.Lock()
	if m.sess != nil {
		m.mu.Unlock()
		return "", ErrBusy
	}
	m.mu.Unlock()

	// pre-flight: don't create a record for a peer we cannot reach
	if m.presence != nil {
		online, err := m.presence.IsUserOnline(otherUserID)
		if err != nil {
			return "", fmt.Errorf("presence check: %w", err)
		}
		if !online {
			return "", ErrPeerOffline
		}
	}
	callID, err := m.callLog.Create(m.userID, otherUserID, matchID, callDay)
	if err != nil {
		return "", fmt.Errorf("calllog create: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil {
		// a call came in while we were creating the record
		m.logf("! call %s dropped, busy after create", callID)
		return "", ErrBusy
	}
	m.sess = &CallSession{
		CallID:      callID,
		MatchID:     matchID,
		InitiatorID: m.userID,
		ReceiverID:  otherUserID,
		OtherUserID: otherUserID,
		CallDay:     callDay,
		Phase:       wire.PhaseIdle,
	}
	if !m.setPhaseLocked(wire.PhaseCalling, "calling") {
		m.sess = nil
		return "", fmt.Errorf("initiate failed")
	}
	m.announceLocked(wire.PhaseCalling, "")
	m.startPeerLocked(roleOffer, nil)
	return callID, nil
}

// Accept answers a ringing inbound call.
func (m *CallMachine) Accept() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.Phase != wire.PhaseRinging {
		return ErrNotRinging
	}
	m.sess.StartTime = m.clk.Now()
	if !m.setPhaseLocked(wire.PhaseConnecting, "accepted") {
		return fmt.Errorf("accept failed")
	}
	m.announceLocked(wire.PhaseConnecting, "")
	m.callLogUpdateLocked(wire.PhaseConnecting)
	if m.pendingOffer != nil {
		offer := m.pendingOffer
		m.pendingOffer = nil
		m.startPeerLocked(roleAnswer, offer)
		m.replayPendingLocked()
	} else {
		// the transport bootstrap starts when the offer arrives
		m.logf("accepted call %s before offer arrived", m.sess.CallID)
	}
	return nil
}

// Reject declines a ringing inbound call.
func (m *CallMachine) Reject() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.Phase != wire.PhaseRinging {
		return ErrNotRinging
	}
	m.endCallLocked(wire.PhaseRejected, wire.ReasonDeclined, true, "call declined")
	return nil
}

// HangUp ends the held call: cancel while calling, decline while
// ringing, end while connecting or active. A no-op otherwise.
func (m *CallMachine) HangUp() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.Phase == wire.PhaseIdle || m.sess.Phase.Terminal() {
		return nil
	}
	if m.sess.Phase == wire.PhaseRinging {
		m.endCallLocked(wire.PhaseRejected, wire.ReasonDeclined, true, "call declined")
		return nil
	}
	m.endCallLocked(wire.PhaseEnded, "", true, "call ended")
	return nil
}

// Reset clears a terminal session immediately instead of waiting for
// the grace delay.
func (m *CallMachine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return nil
	}
	if !m.sess.Phase.Terminal() {
		return ErrBusy
	}
	m.resetLocked()
	return nil
}

// HandleMessage feeds one inbound routed message into the machine.
func (m *CallMachine) HandleMessage(msg wire.Message) {
	switch v := msg.(type) {
	case *wire.CallPhase:
		m.handleCallPhase(v)
	case *wire.Signal:
		m.handleSignal(v)
	case *wire.ErrorMsg:
		m.handleServerError(v)
	default:
		m.logf("! unhandled message %T", msg)
	}
}

// SignalingDown fails a running call when the signaling link is lost:
// without signaling, peer loss and silence are indistinguishable.
func (m *CallMachine) SignalingDown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.Phase == wire.PhaseIdle || m.sess.Phase.Terminal() {
		return
	}
	m.endCallLocked(wire.PhaseError, "", false, "signaling connection lost")
}

func (m *CallMachine) handleCallPhase(v *wire.CallPhase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	phase := v.Phase()

	if phase == wire.PhaseCalling {
		if m.sess != nil {
			if m.sess.CallID == v.CallID {
				return // duplicate announcement
			}
			m.rejectBusyLocked(v)
			return
		}
		if v.ReceiverID != m.userID {
			m.logf("! call %s not addressed to userId=%d", v.CallID, m.userID)
			return
		}
		m.sess = &CallSession{
			CallID:      v.CallID,
			MatchID:     v.MatchID,
			InitiatorID: v.InitiatorID,
			ReceiverID:  v.ReceiverID,
			OtherUserID: v.InitiatorID,
			CallDay:     v.CallDay,
			Phase:       wire.PhaseIdle,
		}
		if !m.setPhaseLocked(wire.PhaseRinging, "incoming call") {
			m.sess = nil
			return
		}
		seq := m.timerSeq
		m.ringTimer = m.clk.AfterFunc(m.ringTimeout, func() { m.ringTimedOut(seq) })
		return
	}

	// every other announcement refers to the held call
	if m.sess == nil || m.sess.CallID != v.CallID {
		m.logf("stale call:%s callId=%s dropped", phase, v.CallID)
		return
	}
	if m.sess.Phase.Terminal() {
		return // both sides finished independently
	}
	switch phase {
	case wire.PhaseConnecting:
		if m.userID != m.sess.InitiatorID || m.sess.Phase != wire.PhaseCalling {
			m.logf("! call:connecting in phase %s dropped", m.sess.Phase)
			return
		}
		m.sess.StartTime = m.clk.Now()
		m.setPhaseLocked(wire.PhaseConnecting, "peer accepted")
		m.callLogUpdateLocked(wire.PhaseConnecting)
	case wire.PhaseEnded:
		m.endCallLocked(wire.PhaseEnded, "", false, "peer ended the call")
	case wire.PhaseRejected:
		note := "call declined"
		if v.Reason == wire.ReasonBusy {
			note = "peer is busy"
		}
		m.endCallLocked(wire.PhaseRejected, "", false, note)
	case wire.PhaseMissed:
		m.endCallLocked(wire.PhaseMissed, "", false, "no answer")
	default:
		m.logf("! unexpected call:%s dropped", phase)
	}
}

func (m *CallMachine) handleSignal(v *wire.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.CallID != v.CallID {
		m.logf("stale %s callId=%s dropped", v.Type, v.CallID)
		return
	}
	switch v.Type {
	case wire.TypeOffer:
		if m.userID != m.sess.ReceiverID {
			m.logf("! offer addressed to the initiator, dropped")
			return
		}
		switch m.sess.Phase {
		case wire.PhaseRinging:
			// kept until the user accepts
			m.pendingOffer = v.SignalData
		case wire.PhaseConnecting:
			if m.peer == nil {
				m.startPeerLocked(roleAnswer, v.SignalData)
				m.replayPendingLocked()
			}
		default:
			m.logf("! offer in phase %s dropped", m.sess.Phase)
		}
	case wire.TypeAnswer:
		if m.peer == nil {
			m.logf("! answer without transport, dropped")
			return
		}
		m.peer.answer(v.SignalData)
	case wire.TypeIceCandidate:
		if m.peer != nil {
			m.peer.addCandidate(v.SignalData)
			return
		}
		// transport not bootstrapped yet (ringing): hold the candidate
		if len(m.pendingCands) >= 64 {
			m.logf("! candidate queue full, dropped")
			return
		}
		m.pendingCands = append(m.pendingCands, v.SignalData)
	}
}

func (m *CallMachine) handleServerError(v *wire.ErrorMsg) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil && m.sess.Phase == wire.PhaseCalling {
		// the announcement could not be delivered; the call cannot
		// proceed
		m.endCallLocked(wire.PhaseError, "", false, v.Error)
		return
	}
	m.logf("# server error: %s", v.Error)
}

// rejectBusyLocked answers a second inbound call request with
// call:rejected reason=busy. The held session is left untouched.
func (m *CallMachine) rejectBusyLocked(req *wire.CallPhase) {
	msg := &wire.CallPhase{
		Type:        wire.CallType(wire.PhaseRejected),
		CallID:      req.CallID,
		MatchID:     req.MatchID,
		InitiatorID: req.InitiatorID,
		ReceiverID:  req.ReceiverID,
		CallDay:     req.CallDay,
		Reason:      wire.ReasonBusy,
		EndTime:     m.clk.Now().UnixMilli(),
	}
	if err := m.send(msg); err != nil {
		m.logf("! busy reject send err=%v", err)
	}
	m.logf("busy: auto-rejected call %s from userId=%d", req.CallID, req.InitiatorID)
}

func (m *CallMachine) ringTimedOut(seq int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq != m.timerSeq || m.sess == nil || m.sess.Phase != wire.PhaseRinging {
		return
	}
	m.endCallLocked(wire.PhaseMissed, "", true, "no answer")
}

func (m *CallMachine) capExpired(seq int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq != m.timerSeq || m.sess == nil || m.sess.Phase != wire.PhaseActive {
		return
	}
	m.endCallLocked(wire.PhaseEnded, "", true, "time limit reached")
}

// setPhaseLocked performs one transition: it validates it against the
// phase table, invalidates armed timers and emits the event.
func (m *CallMachine) setPhaseLocked(to wire.Phase, note string) bool {
	from := wire.PhaseIdle
	if m.sess != nil {
		from = m.sess.Phase
	}
	if !legalTransition(from, to) {
		m.logf("# illegal phase change %s to %s", from, to)
		return false
	}
	m.timerSeq++
	m.stopTimersLocked()
	if m.sess != nil {
		m.sess.Phase = to
		m.logf("call %s phase %s to %s", m.sess.CallID, from, to)
	}
	m.emitLocked(note)
	return true
}

// endCallLocked moves the session to a terminal phase. End time and
// duration are always computed from local clocks, never taken from the
// peer. announce controls whether the transition originated here and
// must be sent to the other party.
func (m *CallMachine) endCallLocked(to wire.Phase, reason string, announce bool, note string) {
	if m.sess == nil {
		return
	}
	if m.sess.EndTime.IsZero() {
		m.sess.EndTime = m.clk.Now()
	}
	if !m.sess.StartTime.IsZero() && m.sess.DurationSecs == 0 {
		m.sess.DurationSecs = int(m.sess.EndTime.Sub(m.sess.StartTime).Seconds())
	}
	if to == wire.PhaseError {
		m.sess.ErrorMessage = note
	}
	if !m.setPhaseLocked(to, note) {
		return
	}
	if announce && to.Announced() {
		m.announceLocked(to, reason)
	}
	m.callLogUpdateLocked(to)
	m.teardownPeerLocked()
	m.scheduleGraceLocked()
}

func (m *CallMachine) announceLocked(phase wire.Phase, reason string) {
	s := m.sess
	if s == nil {
		return
	}
	msg := &wire.CallPhase{
		Type:        wire.CallType(phase),
		CallID:      s.CallID,
		MatchID:     s.MatchID,
		InitiatorID: s.InitiatorID,
		ReceiverID:  s.ReceiverID,
		CallDay:     s.CallDay,
		Reason:      reason,
	}
	if !s.StartTime.IsZero() {
		msg.StartTime = s.StartTime.UnixMilli()
	}
	if !s.EndTime.IsZero() {
		msg.EndTime = s.EndTime.UnixMilli()
	}
	if s.DurationSecs > 0 {
		msg.Duration = s.DurationSecs
	}
	if err := m.send(msg); err != nil {
		m.logf("! announce call:%s send err=%v", phase, err)
	}
}

type logUpdate struct {
	callID string
	phase  wire.Phase
	upd    CallUpdate
}

// callLogUpdateLocked queues one record update. A single drain
// goroutine applies them in queue order, so a slow connecting update
// can never overwrite a later terminal one.
func (m *CallMachine) callLogUpdateLocked(phase wire.Phase) {
	s := m.sess
	if s == nil || s.CallID == "" {
		return
	}
	upd := CallUpdate{Status: string(phase)}
	if !s.StartTime.IsZero() {
		upd.StartTime = s.StartTime.UnixMilli()
	}
	if !s.EndTime.IsZero() {
		upd.EndTime = s.EndTime.UnixMilli()
	}
	if s.DurationSecs > 0 {
		upd.Duration = s.DurationSecs
	}
	m.updMu.Lock()
	m.updQueue = append(m.updQueue, logUpdate{callID: s.CallID, phase: phase, upd: upd})
	if !m.updRunning {
		m.updRunning = true
		go m.drainLogUpdates()
	}
	m.updMu.Unlock()
}

func (m *CallMachine) drainLogUpdates() {
	for {
		m.updMu.Lock()
		if len(m.updQueue) == 0 {
			m.updRunning = false
			m.updMu.Unlock()
			return
		}
		u := m.updQueue[0]
		m.updQueue = m.updQueue[1:]
		m.updMu.Unlock()
		if err := m.callLog.Update(u.callID, u.upd); err != nil {
			m.logf("# calllog update %s %s err=%v", u.callID, u.phase, err)
		}
	}
}

func (m *CallMachine) startPeerLocked(role string, offer json.RawMessage) {
	if m.newPeer == nil {
		m.logf("! no peer factory, transport bootstrap skipped")
		return
	}
	pl := newPeerLink(role, m.newPeer, m.logf)
	pl.cb = PeerCallbacks{
		OnLocalSignal: func(msgType string, payload json.RawMessage) { m.peerSignal(pl, msgType, payload) },
		OnConnected:   func() { m.peerConnected(pl) },
		OnFailed:      func(reason string) { m.peerFailed(pl, reason) },
	}
	m.peer = pl
	go pl.run()
	pl.start(offer)
}

func (m *CallMachine) replayPendingLocked() {
	if m.peer == nil {
		return
	}
	for _, c := range m.pendingCands {
		m.peer.addCandidate(c)
	}
	m.pendingCands = nil
}

// peerSignal forwards a locally generated negotiation payload to the
// other party. Stale transports (replaced or torn down) are ignored.
func (m *CallMachine) peerSignal(pl *peerLink, msgType string, payload json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peer != pl || m.sess == nil {
		return
	}
	msg := &wire.Signal{
		Type:         msgType,
		TargetUserID: m.sess.OtherUserID,
		FromUserID:   m.userID,
		CallID:       m.sess.CallID,
		SignalData:   payload,
	}
	if err := m.send(msg); err != nil {
		m.logf("! send %s err=%v", msgType, err)
	}
}

func (m *CallMachine) peerConnected(pl *peerLink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peer != pl || m.sess == nil || m.sess.Phase != wire.PhaseConnecting {
		return
	}
	if !m.setPhaseLocked(wire.PhaseActive, "call active") {
		return
	}
	talkTime := m.capForDay(m.sess.CallDay)
	seq := m.timerSeq
	m.capTimer = m.clk.AfterFunc(talkTime, func() { m.capExpired(seq) })
}

func (m *CallMachine) peerFailed(pl *peerLink, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peer != pl || m.sess == nil {
		return
	}
	if m.sess.Phase == wire.PhaseIdle || m.sess.Phase.Terminal() {
		return
	}
	m.endCallLocked(wire.PhaseError, "", false, reason)
}

func (m *CallMachine) scheduleGraceLocked() {
	seq := m.timerSeq
	m.graceTimer = m.clk.AfterFunc(m.graceReset, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if seq != m.timerSeq {
			return
		}
		m.resetLocked()
	})
}

func (m *CallMachine) resetLocked() {
	if m.sess == nil {
		return
	}
	m.timerSeq++
	m.stopTimersLocked()
	m.teardownPeerLocked()
	m.logf("call %s reset to idle", m.sess.CallID)
	m.sess = nil
	m.emitLocked("")
}

func (m *CallMachine) stopTimersLocked() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
	if m.capTimer != nil {
		m.capTimer.Stop()
		m.capTimer = nil
	}
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
}

func (m *CallMachine) teardownPeerLocked() {
	m.pendingOffer = nil
	m.pendingCands = nil
	if m.peer != nil {
		m.peer.Close()
		m.peer = nil
	}
}

func (m *CallMachine) emitLocked(note string) {
	snap := CallSession{Phase: wire.PhaseIdle}
	if m.sess != nil {
		snap = *m.sess
	}
	ev := Event{Phase: snap.Phase, Session: snap, Message: note}
	m.subMu.Lock()
	for id, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.logf("! event dropped for slow subscriber %d", id)
		}
	}
	m.subMu.Unlock()
}
