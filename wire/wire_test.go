// MatchCall Copyright 2024 amoryapp.com. All rights reserved.

package wire

import (
	"strings"
	"testing"
)

func TestPhaseSets(t *testing.T) {
	tests := []struct {
		phase     Phase
		terminal  bool
		announced bool
	}{
		{PhaseIdle, false, false},
		{PhaseCalling, false, true},
		{PhaseRinging, false, false},
		{PhaseConnecting, false, true},
		{PhaseActive, false, false},
		{PhaseEnded, true, true},
		{PhaseRejected, true, true},
		{PhaseMissed, true, true},
		{PhaseError, true, false},
	}
	for _, tc := range tests {
		if got := tc.phase.Terminal(); got != tc.terminal {
			t.Errorf("%s Terminal()=%v want %v", tc.phase, got, tc.terminal)
		}
		if got := tc.phase.Announced(); got != tc.announced {
			t.Errorf("%s Announced()=%v want %v", tc.phase, got, tc.announced)
		}
	}
}

func TestRegisterRoundTrip(t *testing.T) {
	data, err := Encode(NewRegister(77))
	if err != nil {
		t.Fatal(err)
	}
	msg, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	reg, ok := msg.(*Register)
	if !ok {
		t.Fatalf("expected *Register, got %T", msg)
	}
	if reg.UserID != 77 {
		t.Fatalf("expected userId 77, got %d", reg.UserID)
	}
}

func TestDecodeCallPhase(t *testing.T) {
	raw := `{"type":"call:calling","callId":"c-1","matchId":5,"initiatorId":1,"receiverId":2,"callDay":1}`
	msg, err := Decode([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	cp, ok := msg.(*CallPhase)
	if !ok {
		t.Fatalf("expected *CallPhase, got %T", msg)
	}
	if cp.Phase() != PhaseCalling {
		t.Fatalf("expected phase calling, got %s", cp.Phase())
	}
	if cp.CallID != "c-1" || cp.InitiatorID != 1 || cp.ReceiverID != 2 || cp.CallDay != 1 {
		t.Fatalf("bad fields: %+v", cp)
	}
}

func TestDecodeCallPhaseRejected(t *testing.T) {
	raw := `{"type":"call:rejected","callId":"c-1","matchId":5,"initiatorId":1,"receiverId":2,"callDay":1,"reason":"busy","endTime":1700000000000}`
	msg, err := Decode([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	cp := msg.(*CallPhase)
	if cp.Reason != ReasonBusy {
		t.Fatalf("expected reason busy, got %q", cp.Reason)
	}
	if cp.EndTime != 1700000000000 {
		t.Fatalf("expected endTime, got %d", cp.EndTime)
	}
}

// ringing, active, idle and error are derived locally by each side;
// an announcement carrying them is a protocol violation.
func TestDecodeRejectsUnannouncedPhases(t *testing.T) {
	for _, phase := range []string{"ringing", "active", "idle", "error"} {
		raw := `{"type":"call:` + phase + `","callId":"c-1","initiatorId":1,"receiverId":2}`
		if _, err := Decode([]byte(raw)); err == nil {
			t.Errorf("call:%s decoded without error", phase)
		}
	}
}

func TestDecodeSignalOpaque(t *testing.T) {
	payload := `{"sdp":"v=0 o=- 42","type":"offer","nested":{"a":[1,2,3]}}`
	raw := `{"type":"offer","targetUserId":2,"fromUserId":1,"callId":"c-1","signalData":` + payload + `}`
	msg, err := Decode([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	sig, ok := msg.(*Signal)
	if !ok {
		t.Fatalf("expected *Signal, got %T", msg)
	}
	if sig.TargetUserID != 2 || sig.FromUserID != 1 || sig.CallID != "c-1" {
		t.Fatalf("bad fields: %+v", sig)
	}
	// the payload must come through byte for byte
	if string(sig.SignalData) != payload {
		t.Fatalf("signalData mangled: %s", sig.SignalData)
	}
}

func TestDecodeSignalSubtypes(t *testing.T) {
	for _, typ := range []string{TypeOffer, TypeAnswer, TypeIceCandidate} {
		raw := `{"type":"` + typ + `","targetUserId":2,"fromUserId":1,"callId":"c-1","signalData":{}}`
		msg, err := Decode([]byte(raw))
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		if _, ok := msg.(*Signal); !ok {
			t.Fatalf("%s decoded as %T", typ, msg)
		}
	}
}

func TestDecodeMissedCalls(t *testing.T) {
	raw := `{"type":"missed-calls","calls":[{"callId":"c-1","fromUserId":9,"matchId":5,"callTime":1700000000000}]}`
	msg, err := Decode([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	mc := msg.(*MissedCalls)
	if len(mc.Calls) != 1 || mc.Calls[0].FromUserID != 9 {
		t.Fatalf("bad calls: %+v", mc.Calls)
	}

	raw = `{"type":"missed-calls-delete","callTime":1700000000000}`
	msg, err = Decode([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	del := msg.(*MissedCallsDelete)
	if del.CallTime != 1700000000000 {
		t.Fatalf("bad callTime: %d", del.CallTime)
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"bogus"}`)); err == nil {
		t.Error("unknown type decoded without error")
	}
	if _, err := Decode([]byte(`{}`)); err == nil {
		t.Error("missing type decoded without error")
	}
	if _, err := Decode([]byte(`{"type":`)); err == nil {
		t.Error("malformed json decoded without error")
	}
}

func TestEncodeOmitsUnsetFields(t *testing.T) {
	data, err := Encode(&CallPhase{
		Type:        CallType(PhaseCalling),
		CallID:      "c-1",
		MatchID:     5,
		InitiatorID: 1,
		ReceiverID:  2,
		CallDay:     1,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{"reason", "startTime", "endTime", "duration"} {
		if strings.Contains(string(data), field) {
			t.Errorf("unset field %q serialized: %s", field, data)
		}
	}
}
