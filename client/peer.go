// MatchCall Copyright 2024 amoryapp.com. All rights reserved.

package client

import (
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/amoryapp/matchcall/wire"
)

const roleOffer = "offer"
const roleAnswer = "answer"

// PeerCallbacks deliver transport events back to the call machine.
// They are invoked from transport goroutines, never while the machine
// mutex is held by the caller.
type PeerCallbacks struct {
	// OnLocalSignal carries a locally generated offer, answer or
	// ice-candidate payload to be routed to the other party.
	OnLocalSignal func(msgType string, payload json.RawMessage)
	// OnConnected fires once the media path is confirmed. Signaling
	// completion alone never counts as connected.
	OnConnected func()
	OnFailed    func(reason string)
}

// PeerConn is the negotiation surface of one peer transport. The
// production implementation wraps pion/webrtc; tests use fakes.
type PeerConn interface {
	// CreateOffer produces the local offer and applies it as the local
	// description.
	CreateOffer() (json.RawMessage, error)
	// AcceptOffer applies the remote offer and produces the answer.
	AcceptOffer(offer json.RawMessage) (json.RawMessage, error)
	// AcceptAnswer applies the remote answer.
	AcceptAnswer(answer json.RawMessage) error
	AddCandidate(cand json.RawMessage) error
	Close() error
}

// PeerConnFactory creates the transport for one call attempt.
type PeerConnFactory func(cb PeerCallbacks) (PeerConn, error)

// AudioSource supplies the local audio track added to the transport.
type AudioSource func() (webrtc.TrackLocal, error)

const (
	opStart = iota
	opAnswer
	opCandidate
)

type peerOp struct {
	kind int
	data json.RawMessage
}

// peerLink serializes all negotiation work for one transport on a
// single goroutine, in arrival order. That ordering is what guarantees
// that candidates received before the remote description are queued
// and replayed, never dropped.
type peerLink struct {
	role      string
	factory   PeerConnFactory
	cb        PeerCallbacks
	logf      func(format string, a ...interface{})
	ops       chan peerOp
	quit      chan struct{}
	closeOnce sync.Once
}

func newPeerLink(role string, factory PeerConnFactory, logf func(format string, a ...interface{})) *peerLink {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &peerLink{
		role:    role,
		factory: factory,
		logf:    logf,
		ops:     make(chan peerOp, 128),
		quit:    make(chan struct{}),
	}
}

// start bootstraps the transport: with a nil payload as the offerer,
// with the remote offer as the answerer.
func (pl *peerLink) start(offer json.RawMessage) {
	pl.enqueue(opStart, offer)
}

func (pl *peerLink) answer(data json.RawMessage) {
	pl.enqueue(opAnswer, data)
}

func (pl *peerLink) addCandidate(data json.RawMessage) {
	pl.enqueue(opCandidate, data)
}

// Close stops the run goroutine, which closes the transport.
func (pl *peerLink) Close() {
	pl.closeOnce.Do(func() { close(pl.quit) })
}

func (pl *peerLink) enqueue(kind int, data json.RawMessage) {
	select {
	case <-pl.quit:
		return
	default:
	}
	select {
	case pl.ops <- peerOp{kind: kind, data: data}:
	default:
		pl.logf("! peer op queue full, op %d dropped", kind)
	}
}

func (pl *peerLink) run() {
	var pc PeerConn
	remoteSet := false
	var queued []json.RawMessage
	defer func() {
		if pc != nil {
			pc.Close()
		}
	}()
	for {
		select {
		case <-pl.quit:
			return
		case op := <-pl.ops:
			switch op.kind {
			case opStart:
				var err error
				pc, err = pl.factory(pl.cb)
				if err != nil {
					pl.fail("media setup failed: " + err.Error())
					return
				}
				if pl.role == roleOffer {
					offer, err := pc.CreateOffer()
					if err != nil {
						pl.fail("offer failed: " + err.Error())
						return
					}
					pl.cb.OnLocalSignal(wire.TypeOffer, offer)
				} else {
					answer, err := pc.AcceptOffer(op.data)
					if err != nil {
						pl.fail("answer failed: " + err.Error())
						return
					}
					remoteSet = true
					queued = pl.flush(pc, queued)
					pl.cb.OnLocalSignal(wire.TypeAnswer, answer)
				}
			case opAnswer:
				if pc == nil {
					pl.logf("! answer before transport start, dropped")
					continue
				}
				if err := pc.AcceptAnswer(op.data); err != nil {
					pl.fail("answer failed: " + err.Error())
					return
				}
				remoteSet = true
				queued = pl.flush(pc, queued)
			case opCandidate:
				if pc == nil || !remoteSet {
					queued = append(queued, op.data)
					continue
				}
				if err := pc.AddCandidate(op.data); err != nil {
					// a bad candidate is dropped, the call goes on
					pl.logf("! bad candidate dropped err=%v", err)
				}
			}
		}
	}
}

// flush applies held candidates in arrival order once the remote
// description is set.
func (pl *peerLink) flush(pc PeerConn, queued []json.RawMessage) []json.RawMessage {
	for _, c := range queued {
		if err := pc.AddCandidate(c); err != nil {
			pl.logf("! bad queued candidate dropped err=%v", err)
		}
	}
	return nil
}

func (pl *peerLink) fail(reason string) {
	if pl.cb.OnFailed != nil {
		pl.cb.OnFailed(reason)
	}
}

// NewPionFactory returns a PeerConnFactory backed by pion/webrtc.
// iceServers lists the STUN/TURN servers; src supplies the local audio
// track (DefaultAudioSource, or the app's own capture pipeline).
func NewPionFactory(iceServers []webrtc.ICEServer, src AudioSource) PeerConnFactory {
	return func(cb PeerCallbacks) (PeerConn, error) {
		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
		if err != nil {
			return nil, err
		}
		if src != nil {
			track, err := src()
			if err != nil {
				pc.Close()
				return nil, err
			}
			if _, err := pc.AddTrack(track); err != nil {
				pc.Close()
				return nil, err
			}
		}
		pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
			if cand == nil {
				return // end of gathering
			}
			data, err := json.Marshal(cand.ToJSON())
			if err != nil {
				return
			}
			cb.OnLocalSignal(wire.TypeIceCandidate, data)
		})
		pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			switch state {
			case webrtc.PeerConnectionStateConnected:
				if cb.OnConnected != nil {
					cb.OnConnected()
				}
			case webrtc.PeerConnectionStateFailed:
				if cb.OnFailed != nil {
					cb.OnFailed("peer transport failed")
				}
			}
		})
		return &pionConn{pc: pc}, nil
	}
}

type pionConn struct {
	pc *webrtc.PeerConnection
}

func (p *pionConn) CreateOffer() (json.RawMessage, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return json.Marshal(offer)
}

func (p *pionConn) AcceptOffer(data json.RawMessage) (json.RawMessage, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(data, &offer); err != nil {
		return nil, err
	}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return json.Marshal(answer)
}

func (p *pionConn) AcceptAnswer(data json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(data, &answer); err != nil {
		return err
	}
	return p.pc.SetRemoteDescription(answer)
}

func (p *pionConn) AddCandidate(data json.RawMessage) error {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(data, &cand); err != nil {
		return err
	}
	return p.pc.AddICECandidate(cand)
}

func (p *pionConn) Close() error {
	return p.pc.Close()
}

// DefaultAudioSource returns a fresh opus sample track. The embedding
// app writes encoded audio into it; apps with their own capture
// pipeline supply their own AudioSource instead.
func DefaultAudioSource() (webrtc.TrackLocal, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "matchcall")
	if err != nil {
		return nil, err
	}
	return track, nil
}
