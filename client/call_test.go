// MatchCall Copyright 2024 amoryapp.com. All rights reserved.

package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/amoryapp/matchcall/wire"
)

// sentRec records every message the machine hands to Send.
type sentRec struct {
	mu   sync.Mutex
	msgs []wire.Message
}

func (r *sentRec) send(msg wire.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *sentRec) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *sentRec) count(msgType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if testWireType(m) == msgType {
			n++
		}
	}
	return n
}

func (r *sentRec) lastPhase(msgType string) *wire.CallPhase {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *wire.CallPhase
	for _, m := range r.msgs {
		if cp, ok := m.(*wire.CallPhase); ok && cp.Type == msgType {
			found = cp
		}
	}
	return found
}

func (r *sentRec) lastSignal(msgType string) *wire.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *wire.Signal
	for _, m := range r.msgs {
		if s, ok := m.(*wire.Signal); ok && s.Type == msgType {
			found = s
		}
	}
	return found
}

func testWireType(m wire.Message) string {
	switch v := m.(type) {
	case *wire.Register:
		return v.Type
	case *wire.CallPhase:
		return v.Type
	case *wire.Signal:
		return v.Type
	case *wire.ErrorMsg:
		return v.Type
	case *wire.MissedCalls:
		return v.Type
	case *wire.MissedCallsDelete:
		return v.Type
	}
	return ""
}

// countingCallLog wraps a CallLog so tests can assert how many records
// were created.
type countingCallLog struct {
	inner   CallLog
	mu      sync.Mutex
	creates int
}

func (c *countingCallLog) Create(initiatorID, receiverID, matchID int64, callDay int) (string, error) {
	c.mu.Lock()
	c.creates++
	c.mu.Unlock()
	return c.inner.Create(initiatorID, receiverID, matchID, callDay)
}

func (c *countingCallLog) Update(callID string, upd CallUpdate) error {
	return c.inner.Update(callID, upd)
}

func (c *countingCallLog) createCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creates
}

type machineFixture struct {
	userID  int64
	m       *CallMachine
	clk     *clock.Mock
	sent    *sentRec
	log     *MemCallLog
	calls   *countingCallLog
	pres    *MemPresence
	factory *fakePeerFactory

	onlineMu sync.Mutex
	online   bool
}

func (fx *machineFixture) setOnline(v bool) {
	fx.onlineMu.Lock()
	fx.online = v
	fx.onlineMu.Unlock()
}

func (fx *machineFixture) isOnline() bool {
	fx.onlineMu.Lock()
	defer fx.onlineMu.Unlock()
	return fx.online
}

// ring feeds an inbound call:calling for fx's user.
func (fx *machineFixture) ring(callID string, fromUserID int64) {
	fx.m.HandleMessage(&wire.CallPhase{
		Type:        wire.CallType(wire.PhaseCalling),
		CallID:      callID,
		MatchID:     7,
		InitiatorID: fromUserID,
		ReceiverID:  fx.userID,
		CallDay:     1,
	})
}

func newTestMachine(t *testing.T, userID int64) *machineFixture {
	t.Helper()
	fx := &machineFixture{
		userID:  userID,
		clk:     clock.NewMock(),
		sent:    &sentRec{},
		log:     NewMemCallLog(),
		pres:    NewMemPresence(),
		factory: &fakePeerFactory{},
		online:  true,
	}
	// a nonzero wall clock, so Unix millisecond fields are nonzero
	fx.clk.Set(time.Unix(1700000000, 0))
	fx.calls = &countingCallLog{inner: fx.log}
	fx.m = NewCallMachine(MachineConfig{
		UserID:      userID,
		Send:        fx.sent.send,
		Online:      fx.isOnline,
		CallLog:     fx.calls,
		Presence:    fx.pres,
		NewPeer:     fx.factory.create,
		Clock:       fx.clk,
		RingTimeout: 30 * time.Second,
		GraceReset:  3 * time.Second,
	})
	return fx
}

func TestPhaseTable(t *testing.T) {
	allow := [][2]wire.Phase{
		{wire.PhaseIdle, wire.PhaseCalling},
		{wire.PhaseIdle, wire.PhaseRinging},
		{wire.PhaseCalling, wire.PhaseConnecting},
		{wire.PhaseCalling, wire.PhaseMissed},
		{wire.PhaseRinging, wire.PhaseRejected},
		{wire.PhaseConnecting, wire.PhaseActive},
		{wire.PhaseActive, wire.PhaseEnded},
		{wire.PhaseActive, wire.PhaseError},
		{wire.PhaseEnded, wire.PhaseIdle},
		{wire.PhaseError, wire.PhaseIdle},
	}
	for _, pair := range allow {
		if !legalTransition(pair[0], pair[1]) {
			t.Errorf("%s to %s should be legal", pair[0], pair[1])
		}
	}
	deny := [][2]wire.Phase{
		{wire.PhaseIdle, wire.PhaseActive},
		{wire.PhaseIdle, wire.PhaseEnded},
		{wire.PhaseCalling, wire.PhaseActive},
		{wire.PhaseRinging, wire.PhaseActive},
		{wire.PhaseActive, wire.PhaseConnecting},
		{wire.PhaseEnded, wire.PhaseCalling},
		{wire.PhaseRejected, wire.PhaseRinging},
	}
	for _, pair := range deny {
		if legalTransition(pair[0], pair[1]) {
			t.Errorf("%s to %s should be illegal", pair[0], pair[1])
		}
	}
}

func TestInitiateHappyPath(t *testing.T) {
	fx := newTestMachine(t, 1)
	fx.pres.SetOnline(2, true)

	callID, err := fx.m.Initiate(2, 7, 1)
	if err != nil {
		t.Fatal(err)
	}
	if callID == "" {
		t.Fatal("no callId")
	}
	if fx.m.Phase() != wire.PhaseCalling {
		t.Fatalf("phase %s, want calling", fx.m.Phase())
	}

	cp := fx.sent.lastPhase(wire.CallType(wire.PhaseCalling))
	if cp == nil {
		t.Fatal("call:calling not announced")
	}
	if cp.CallID != callID || cp.InitiatorID != 1 || cp.ReceiverID != 2 ||
		cp.MatchID != 7 || cp.CallDay != 1 {
		t.Fatalf("bad announcement: %+v", cp)
	}
	if cp.StartTime != 0 || cp.EndTime != 0 || cp.Duration != 0 {
		t.Fatalf("calling must not carry times: %+v", cp)
	}

	rec, ok := fx.log.Get(callID)
	if !ok {
		t.Fatal("no call record created")
	}
	if rec.InitiatorID != 1 || rec.ReceiverID != 2 || rec.Status != "created" {
		t.Fatalf("bad call record: %+v", rec)
	}

	// the offerer transport spins up and emits the offer
	waitFor(t, "offer signal", func() bool { return fx.sent.lastSignal(wire.TypeOffer) != nil })
	sig := fx.sent.lastSignal(wire.TypeOffer)
	if sig.TargetUserID != 2 || sig.FromUserID != 1 || sig.CallID != callID {
		t.Fatalf("bad offer signal: %+v", sig)
	}
}

func TestInitiateWhileBusy(t *testing.T) {
	fx := newTestMachine(t, 1)
	fx.pres.SetOnline(2, true)
	fx.pres.SetOnline(3, true)

	if _, err := fx.m.Initiate(2, 7, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.m.Initiate(3, 8, 1); !errors.Is(err, ErrBusy) {
		t.Fatalf("got %v, want ErrBusy", err)
	}

	// still busy while a terminal session waits out the grace delay
	fx.m.HangUp()
	if _, err := fx.m.Initiate(3, 8, 1); !errors.Is(err, ErrBusy) {
		t.Fatalf("got %v, want ErrBusy during grace", err)
	}
}

func TestInitiateOfflinePeer(t *testing.T) {
	fx := newTestMachine(t, 1)

	_, err := fx.m.Initiate(2, 7, 1)
	if !errors.Is(err, ErrPeerOffline) {
		t.Fatalf("got %v, want ErrPeerOffline", err)
	}
	if fx.m.Phase() != wire.PhaseIdle {
		t.Fatalf("phase %s, want idle", fx.m.Phase())
	}
	// the pre-flight must run before the record is created
	if n := fx.calls.createCount(); n != 0 {
		t.Fatalf("created %d records for an unreachable peer", n)
	}
	if fx.sent.total() != 0 {
		t.Fatal("announced a call that never started")
	}
}

func TestInitiateDisconnected(t *testing.T) {
	fx := newTestMachine(t, 1)
	fx.pres.SetOnline(2, true)
	fx.setOnline(false)

	if _, err := fx.m.Initiate(2, 7, 1); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
}

func TestInboundRingsAndTimesOut(t *testing.T) {
	fx := newTestMachine(t, 2)

	fx.ring("c1", 9)
	if fx.m.Phase() != wire.PhaseRinging {
		t.Fatalf("phase %s, want ringing", fx.m.Phase())
	}
	// ringing is derived locally, never announced
	if fx.sent.total() != 0 {
		t.Fatalf("ringing sent %d messages", fx.sent.total())
	}

	fx.clk.Add(30 * time.Second)
	if fx.m.Phase() != wire.PhaseMissed {
		t.Fatalf("phase %s, want missed", fx.m.Phase())
	}
	cp := fx.sent.lastPhase(wire.CallType(wire.PhaseMissed))
	if cp == nil || cp.CallID != "c1" {
		t.Fatalf("call:missed not announced: %+v", cp)
	}
	if cp.EndTime == 0 || cp.StartTime != 0 || cp.Duration != 0 {
		t.Fatalf("missed carries end time only: %+v", cp)
	}

	// the grace delay clears the session; the timer must not refire
	fx.clk.Add(30 * time.Second)
	if fx.m.Phase() != wire.PhaseIdle {
		t.Fatalf("phase %s, want idle after grace", fx.m.Phase())
	}
	if n := fx.sent.count(wire.CallType(wire.PhaseMissed)); n != 1 {
		t.Fatalf("call:missed announced %d times", n)
	}
	if _, held := fx.m.Session(); held {
		t.Fatal("session still held after reset")
	}
}

func TestBusyAutoReject(t *testing.T) {
	fx := newTestMachine(t, 2)
	fx.ring("c1", 9)

	// a second inbound call is rejected busy without touching the session
	fx.m.HandleMessage(&wire.CallPhase{
		Type:        wire.CallType(wire.PhaseCalling),
		CallID:      "c2",
		MatchID:     8,
		InitiatorID: 8,
		ReceiverID:  2,
		CallDay:     2,
	})
	cp := fx.sent.lastPhase(wire.CallType(wire.PhaseRejected))
	if cp == nil {
		t.Fatal("busy call not rejected")
	}
	if cp.CallID != "c2" || cp.Reason != wire.ReasonBusy || cp.InitiatorID != 8 || cp.EndTime == 0 {
		t.Fatalf("bad busy reject: %+v", cp)
	}
	if fx.m.Phase() != wire.PhaseRinging {
		t.Fatalf("phase %s, the held call must keep ringing", fx.m.Phase())
	}
	sess, _ := fx.m.Session()
	if sess.CallID != "c1" {
		t.Fatalf("held session switched to %s", sess.CallID)
	}

	// a duplicate of the held call is ignored, not rejected
	before := fx.sent.total()
	fx.ring("c1", 9)
	if fx.sent.total() != before {
		t.Fatal("duplicate call:calling produced a send")
	}
}

func TestAcceptAfterOffer(t *testing.T) {
	fx := newTestMachine(t, 2)
	fx.ring("c1", 9)

	// offer and a candidate arrive while the user is still deciding
	fx.m.HandleMessage(&wire.Signal{
		Type: wire.TypeOffer, TargetUserID: 2, FromUserID: 9, CallID: "c1",
		SignalData: json.RawMessage(`{"sdp":"remote-offer"}`),
	})
	fx.m.HandleMessage(&wire.Signal{
		Type: wire.TypeIceCandidate, TargetUserID: 2, FromUserID: 9, CallID: "c1",
		SignalData: json.RawMessage(`"pc1"`),
	})

	if err := fx.m.Accept(); err != nil {
		t.Fatal(err)
	}
	if fx.m.Phase() != wire.PhaseConnecting {
		t.Fatalf("phase %s, want connecting", fx.m.Phase())
	}
	cp := fx.sent.lastPhase(wire.CallType(wire.PhaseConnecting))
	if cp == nil || cp.CallID != "c1" {
		t.Fatalf("call:connecting not announced: %+v", cp)
	}
	if cp.StartTime == 0 {
		t.Fatal("connecting must carry the local start time")
	}

	waitFor(t, "answer signal", func() bool { return fx.sent.lastSignal(wire.TypeAnswer) != nil })
	sig := fx.sent.lastSignal(wire.TypeAnswer)
	if sig.TargetUserID != 9 || sig.CallID != "c1" {
		t.Fatalf("bad answer signal: %+v", sig)
	}
	conn := fx.factory.lastConn()
	if conn.offerPayload() != `{"sdp":"remote-offer"}` {
		t.Fatalf("held offer not applied: %s", conn.offerPayload())
	}
	waitFor(t, "replayed candidate", func() bool { return len(conn.candList()) == 1 })
	if !conn.allAfterRemote() {
		t.Fatal("candidate applied before the remote description")
	}

	// transport up: the call goes active
	fx.factory.callbacks().OnConnected()
	if fx.m.Phase() != wire.PhaseActive {
		t.Fatalf("phase %s, want active", fx.m.Phase())
	}
}

func TestAcceptBeforeOffer(t *testing.T) {
	fx := newTestMachine(t, 2)
	fx.ring("c1", 9)

	if err := fx.m.Accept(); err != nil {
		t.Fatal(err)
	}
	if fx.factory.count() != 0 {
		t.Fatal("transport started without an offer")
	}

	// the late offer bootstraps the transport in connecting
	fx.m.HandleMessage(&wire.Signal{
		Type: wire.TypeOffer, TargetUserID: 2, FromUserID: 9, CallID: "c1",
		SignalData: json.RawMessage(`{"sdp":"late-offer"}`),
	})
	waitFor(t, "answer signal", func() bool { return fx.sent.lastSignal(wire.TypeAnswer) != nil })
	if fx.factory.lastConn().offerPayload() != `{"sdp":"late-offer"}` {
		t.Fatal("late offer not applied")
	}
}

func TestAcceptRequiresRinging(t *testing.T) {
	fx := newTestMachine(t, 2)
	if err := fx.m.Accept(); !errors.Is(err, ErrNotRinging) {
		t.Fatalf("got %v, want ErrNotRinging", err)
	}
	if err := fx.m.Reject(); !errors.Is(err, ErrNotRinging) {
		t.Fatalf("got %v, want ErrNotRinging", err)
	}
}

func TestRejectRinging(t *testing.T) {
	fx := newTestMachine(t, 2)
	fx.ring("c1", 9)

	if err := fx.m.Reject(); err != nil {
		t.Fatal(err)
	}
	if fx.m.Phase() != wire.PhaseRejected {
		t.Fatalf("phase %s, want rejected", fx.m.Phase())
	}
	cp := fx.sent.lastPhase(wire.CallType(wire.PhaseRejected))
	if cp == nil || cp.Reason != wire.ReasonDeclined {
		t.Fatalf("bad reject announcement: %+v", cp)
	}

	fx.clk.Add(3 * time.Second)
	if fx.m.Phase() != wire.PhaseIdle {
		t.Fatalf("phase %s, want idle after grace", fx.m.Phase())
	}
}

func TestCallerDurationFromLocalClock(t *testing.T) {
	fx := newTestMachine(t, 1)
	fx.pres.SetOnline(2, true)

	callID, err := fx.m.Initiate(2, 7, 1)
	if err != nil {
		t.Fatal(err)
	}

	// the peer accepted; start time is taken from the local clock, the
	// peer's own times on later announcements are never trusted
	fx.m.HandleMessage(&wire.CallPhase{
		Type: wire.CallType(wire.PhaseConnecting), CallID: callID,
		InitiatorID: 1, ReceiverID: 2, CallDay: 1,
		StartTime: 99999, // ignored
	})
	if fx.m.Phase() != wire.PhaseConnecting {
		t.Fatalf("phase %s, want connecting", fx.m.Phase())
	}
	// the initiator does not echo the connecting announcement
	if n := fx.sent.count(wire.CallType(wire.PhaseConnecting)); n != 0 {
		t.Fatalf("initiator announced connecting %d times", n)
	}
	sess, _ := fx.m.Session()
	startMS := fx.clk.Now().UnixMilli()
	if sess.StartTime.UnixMilli() != startMS {
		t.Fatalf("start time %d, want local %d", sess.StartTime.UnixMilli(), startMS)
	}

	waitFor(t, "transport", func() bool { return fx.factory.count() == 1 })
	fx.factory.callbacks().OnConnected()
	if fx.m.Phase() != wire.PhaseActive {
		t.Fatalf("phase %s, want active", fx.m.Phase())
	}

	fx.clk.Add(42 * time.Second)
	if err := fx.m.HangUp(); err != nil {
		t.Fatal(err)
	}
	sess, _ = fx.m.Session()
	if sess.Phase != wire.PhaseEnded || sess.DurationSecs != 42 {
		t.Fatalf("got phase %s duration %d, want ended 42", sess.Phase, sess.DurationSecs)
	}
	cp := fx.sent.lastPhase(wire.CallType(wire.PhaseEnded))
	if cp == nil || cp.Duration != 42 || cp.StartTime != startMS || cp.EndTime != startMS+42000 {
		t.Fatalf("bad ended announcement: %+v", cp)
	}

	waitFor(t, "call record update", func() bool {
		rec, ok := fx.log.Get(callID)
		return ok && rec.Status == "ended" && rec.Duration == 42
	})
}

func TestDayCapEndsCall(t *testing.T) {
	fx := newTestMachine(t, 1)
	fx.pres.SetOnline(2, true)

	callID, err := fx.m.Initiate(2, 7, 1)
	if err != nil {
		t.Fatal(err)
	}
	fx.m.HandleMessage(&wire.CallPhase{
		Type: wire.CallType(wire.PhaseConnecting), CallID: callID,
		InitiatorID: 1, ReceiverID: 2, CallDay: 1,
	})
	waitFor(t, "transport", func() bool { return fx.factory.count() == 1 })
	fx.factory.callbacks().OnConnected()

	// day 1 allows 300 seconds of talk time
	fx.clk.Add(299 * time.Second)
	if fx.m.Phase() != wire.PhaseActive {
		t.Fatalf("phase %s, capped too early", fx.m.Phase())
	}
	fx.clk.Add(1 * time.Second)
	if fx.m.Phase() != wire.PhaseEnded {
		t.Fatalf("phase %s, want ended at the cap", fx.m.Phase())
	}
	cp := fx.sent.lastPhase(wire.CallType(wire.PhaseEnded))
	if cp == nil || cp.Duration != 300 {
		t.Fatalf("bad cap announcement: %+v", cp)
	}
	if n := fx.sent.count(wire.CallType(wire.PhaseEnded)); n != 1 {
		t.Fatalf("call:ended announced %d times", n)
	}
}

func TestCallDayCaps(t *testing.T) {
	cases := []struct {
		day  int
		want time.Duration
	}{
		{0, 300 * time.Second},
		{1, 300 * time.Second},
		{2, 600 * time.Second},
		{3, 1200 * time.Second},
		{10, 1200 * time.Second},
	}
	for _, c := range cases {
		if got := CallDayCap(c.day); got != c.want {
			t.Errorf("CallDayCap(%d) = %v, want %v", c.day, got, c.want)
		}
	}
}

func TestStaleCallIDIgnored(t *testing.T) {
	fx := newTestMachine(t, 2)
	fx.ring("c1", 9)

	fx.m.HandleMessage(&wire.CallPhase{
		Type: wire.CallType(wire.PhaseEnded), CallID: "c2",
		InitiatorID: 9, ReceiverID: 2, CallDay: 1,
	})
	if fx.m.Phase() != wire.PhaseRinging {
		t.Fatalf("stale call:ended changed phase to %s", fx.m.Phase())
	}

	fx.m.HandleMessage(&wire.Signal{
		Type: wire.TypeOffer, TargetUserID: 2, FromUserID: 9, CallID: "c2",
		SignalData: json.RawMessage(`{"sdp":"stale"}`),
	})
	if err := fx.m.Accept(); err != nil {
		t.Fatal(err)
	}
	// the stale offer must not have been held for this call
	if fx.factory.count() != 0 {
		t.Fatal("stale offer bootstrapped the transport")
	}
}

func TestPeerEndsCall(t *testing.T) {
	fx := newTestMachine(t, 2)
	fx.ring("c1", 9)

	before := fx.sent.total()
	fx.m.HandleMessage(&wire.CallPhase{
		Type: wire.CallType(wire.PhaseEnded), CallID: "c1",
		InitiatorID: 9, ReceiverID: 2, CallDay: 1, EndTime: 12345,
	})
	if fx.m.Phase() != wire.PhaseEnded {
		t.Fatalf("phase %s, want ended", fx.m.Phase())
	}
	// a remotely originated transition is never echoed back
	if fx.sent.total() != before {
		t.Fatal("peer-initiated end was re-announced")
	}
}

func TestSignalingDownFailsCall(t *testing.T) {
	fx := newTestMachine(t, 2)

	// idle: nothing to fail
	fx.m.SignalingDown()
	if fx.m.Phase() != wire.PhaseIdle {
		t.Fatal("SignalingDown changed an idle machine")
	}

	fx.ring("c1", 9)
	before := fx.sent.total()
	fx.m.SignalingDown()
	sess, _ := fx.m.Session()
	if sess.Phase != wire.PhaseError || sess.ErrorMessage != "signaling connection lost" {
		t.Fatalf("got %+v, want error phase", sess)
	}
	// there is no link to announce anything on
	if fx.sent.total() != before {
		t.Fatal("announced a phase while signaling was down")
	}

	fx.clk.Add(3 * time.Second)
	if fx.m.Phase() != wire.PhaseIdle {
		t.Fatalf("phase %s, want idle after grace", fx.m.Phase())
	}
}

func TestServerErrorWhileCalling(t *testing.T) {
	fx := newTestMachine(t, 1)
	fx.pres.SetOnline(2, true)

	callID, err := fx.m.Initiate(2, 7, 1)
	if err != nil {
		t.Fatal(err)
	}
	fx.m.HandleMessage(wire.NewError("peer offline"))
	sess, _ := fx.m.Session()
	if sess.Phase != wire.PhaseError || sess.ErrorMessage != "peer offline" {
		t.Fatalf("got %+v, want error phase", sess)
	}
	waitFor(t, "call record update", func() bool {
		rec, ok := fx.log.Get(callID)
		return ok && rec.Status == "error"
	})
}

func TestResetShortcut(t *testing.T) {
	fx := newTestMachine(t, 2)
	fx.ring("c1", 9)

	if err := fx.m.Reset(); !errors.Is(err, ErrBusy) {
		t.Fatalf("got %v, want ErrBusy for a running call", err)
	}

	fx.clk.Add(30 * time.Second) // rings out
	if err := fx.m.Reset(); err != nil {
		t.Fatal(err)
	}
	if fx.m.Phase() != wire.PhaseIdle {
		t.Fatalf("phase %s, want idle right after Reset", fx.m.Phase())
	}
}

func TestHangUpWhileCalling(t *testing.T) {
	fx := newTestMachine(t, 1)
	fx.pres.SetOnline(2, true)

	if _, err := fx.m.Initiate(2, 7, 1); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "offer signal", func() bool { return fx.sent.lastSignal(wire.TypeOffer) != nil })

	if err := fx.m.HangUp(); err != nil {
		t.Fatal(err)
	}
	cp := fx.sent.lastPhase(wire.CallType(wire.PhaseEnded))
	if cp == nil || cp.Duration != 0 {
		t.Fatalf("cancel must announce ended without duration: %+v", cp)
	}
	// the abandoned transport is torn down
	waitFor(t, "transport close", fx.factory.lastConn().isClosed)
}

func TestHangUpWhileRingingDeclines(t *testing.T) {
	fx := newTestMachine(t, 2)
	fx.ring("c1", 9)

	if err := fx.m.HangUp(); err != nil {
		t.Fatal(err)
	}
	cp := fx.sent.lastPhase(wire.CallType(wire.PhaseRejected))
	if cp == nil || cp.Reason != wire.ReasonDeclined {
		t.Fatalf("bad decline: %+v", cp)
	}
}

func TestPendingCandidateCap(t *testing.T) {
	fx := newTestMachine(t, 2)
	fx.ring("c1", 9)
	fx.m.HandleMessage(&wire.Signal{
		Type: wire.TypeOffer, TargetUserID: 2, FromUserID: 9, CallID: "c1",
		SignalData: json.RawMessage(`{"sdp":"remote"}`),
	})
	for i := 0; i < 70; i++ {
		fx.m.HandleMessage(&wire.Signal{
			Type: wire.TypeIceCandidate, TargetUserID: 2, FromUserID: 9, CallID: "c1",
			SignalData: json.RawMessage(fmt.Sprintf(`"pc%d"`, i)),
		})
	}

	if err := fx.m.Accept(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "replayed candidates", func() bool {
		return len(fx.factory.lastConn().candList()) == 64
	})
	got := fx.factory.lastConn().candList()
	if got[0] != `"pc0"` || got[63] != `"pc63"` {
		t.Fatalf("queue must keep the oldest candidates in order, got %s..%s", got[0], got[63])
	}
}

func TestSubscribeEvents(t *testing.T) {
	fx := newTestMachine(t, 2)
	events, cancel := fx.m.Subscribe()

	fx.ring("c1", 9)
	fx.m.Reject()
	fx.clk.Add(3 * time.Second)

	want := []wire.Phase{wire.PhaseRinging, wire.PhaseRejected, wire.PhaseIdle}
	for _, phase := range want {
		select {
		case ev := <-events:
			if ev.Phase != phase {
				t.Fatalf("got event %s, want %s", ev.Phase, phase)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no %s event", phase)
		}
	}

	cancel()
	if _, open := <-events; open {
		t.Fatal("cancel must close the event channel")
	}
}
