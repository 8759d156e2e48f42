// MatchCall Copyright 2024 amoryapp.com. All rights reserved.
//
// Method serve() is the Websocket handler for http-to-ws upgrade.
// Method handleClientMessage() is the Websocket signaling handler.
// KeepAliveMgr takes care of keeping ws-clients connected.

package main

import (
	"time"
	"strings"
	"fmt"
	"errors"
	"net/http"
	"sync/atomic"
	"sync"
	"github.com/lesismal/nbio/nbhttp/websocket"

	"github.com/amoryapp/matchcall/atombool"
	"github.com/amoryapp/matchcall/iptools"
	"github.com/amoryapp/matchcall/wire"
)

// we send a ping to the client when we didn't hear from it for pingPeriodSecs
// whenever we receive something from the client (data or a ping or a pong)
// we reset the time for our next ping to pingPeriodSecs after that moment
// when we send a ping, we set SetReadDeadline bc we expect a pong within max 20s
// if there is no response from the client by then, we consider the client dead
// in other words: we cap the connection if we don't hear from a client for
// pingPeriodSecs + 20 secs
// the mobile clients do not send pings (for powermgmt reasons), only the server does

var keepAliveMgr *KeepAliveMgr
var ErrWriteNotConnected = errors.New("Write not connected")

// ClientSession is the signaling state of one websocket connection.
// It is separate from WsClient so the signaling handlers can be driven
// by any clientConn implementation.
type ClientSession struct {
	userID int64
	isRegistered atombool.AtomBool
	connType string
	remoteAddr string
}

type WsClient struct {
	wsConn *websocket.Conn
	sess ClientSession
	isOnline atombool.AtomBool	// connected to signaling server
	remoteAddr string // with port
	remoteAddrNoPort string // no port
	userAgent string
	connType string
	clientVersion string
	pingSent uint64
	pongReceived uint64
	pongSent uint64
	pingReceived uint64
}

func serveWs(w http.ResponseWriter, r *http.Request) {
	serve(w, r, false)
}

func serveWss(w http.ResponseWriter, r *http.Request) {
	serve(w, r, true)
}

func serve(w http.ResponseWriter, r *http.Request, tls bool) {
	if logWantedFor("wsverbose") {
		fmt.Printf("serve url=%s tls=%v\n", r.URL.String(), tls)
	}

	if keepAliveMgr==nil {
		keepAliveMgr = NewKeepAliveMgr()
		go keepAliveMgr.Run()
	}

	remoteAddr := r.RemoteAddr
	realIpFromRevProxy := r.Header.Get("X-Real-Ip")
	if realIpFromRevProxy!="" {
		remoteAddr = realIpFromRevProxy
	}
	remoteAddrNoPort := iptools.StripPort(remoteAddr)

	if maintenanceMode {
		fmt.Printf("serve deny maintenanceMode %s\n",remoteAddr)
		return
	}

	clientVersion := ""
	url_arg_array, ok := r.URL.Query()["ver"]
	if ok && len(url_arg_array[0]) > 0 {
		clientVersion = url_arg_array[0]
	}

	upgrader := websocket.NewUpgrader()
	upgrader.CheckOrigin = func(r *http.Request) bool {
		return true
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		fmt.Printf("# Upgrade err=%v\n", err)
		return
	}
	wsConn := conn.(*websocket.Conn)

	// the clients only send when they have something to say
	// so we set NO read deadline here; we do it when we send a ping
	wsConn.SetReadDeadline(time.Time{})

	client := &WsClient{wsConn:wsConn}
	client.clientVersion = clientVersion
	if tls {
		client.connType = "serveWss"
	} else {
		client.connType = "serveWs"
	}
	client.isOnline.Set(true)
	client.remoteAddr = remoteAddr
	client.remoteAddrNoPort = remoteAddrNoPort
	client.userAgent = r.UserAgent()
	client.sess.connType = client.connType
	client.sess.remoteAddr = remoteAddr

	upgrader.OnMessage(func(wsConn *websocket.Conn, messageType websocket.MessageType, data []byte) {
		// clear read deadline; set it again when we send the next ping
		wsConn.SetReadDeadline(time.Time{})
		// push forward the time for sending the next ping
		keepAliveMgr.SetPingDeadline(wsConn, pingPeriodSecs, client)

		switch messageType {
		case websocket.TextMessage:
			n := len(data)
			if n>0 {
				if logWantedFor("wsreceive") {
					max := n; if max>20 { max = 20 }
					fmt.Printf("%s (%d) received n=%d (%s)\n",
						client.connType, client.sess.userID, n, data[:max])
				}
				client.sess.handleClientMessage(client, data)
			}
		case websocket.BinaryMessage:
			fmt.Printf("# %s binary dataLen=%d\n", client.connType, len(data))
		}
	})

	upgrader.SetPongHandler(func(wsConn *websocket.Conn, s string) {
		// we received a pong from the client
		if logWantedFor("gotpong") {
			fmt.Printf("gotPong (%d) %s\n",client.sess.userID, wsConn.RemoteAddr().String())
		}
		wsConn.SetReadDeadline(time.Time{})
		keepAliveMgr.SetPingDeadline(wsConn, pingPeriodSecs, client)
		client.pongReceived++
	})

	upgrader.SetPingHandler(func(wsConn *websocket.Conn, s string) {
		// received a ping from the client (rare; usually we send pings to client)
		if logWantedFor("gotping") {
			fmt.Printf("gotPing (%d)\n",client.sess.userID)
		}
		client.pingReceived++
		wsConn.SetReadDeadline(time.Time{})
		err := wsConn.WriteMessage(websocket.PongMessage, nil)
		if err != nil {
			fmt.Printf("# sendPong (%d) %s err=%v\n",client.sess.userID, client.remoteAddr, err)
			client.Close("sendPong: "+err.Error())
			return
		}
		keepAliveMgr.SetPingDeadline(wsConn, pingPeriodSecs, client)
		atomic.AddInt64(&pongSentCounter, 1)
		client.pongSent++
	})

	wsConn.OnClose(func(c *websocket.Conn, err error) {
		client.isOnline.Set(false) // prevent Close() from trying to close this already closed connection
		keepAliveMgr.Delete(c)
		c.SetReadDeadline(time.Time{})
		if err!=nil && strings.Index(err.Error(),"read timeout")<0 {
			fmt.Printf("%s (%d) OnClose err=%v %s v=%s\n",
				client.connType, client.sess.userID, err, client.remoteAddr, client.clientVersion)
		} else {
			if logWantedFor("wsclose") {
				fmt.Printf("%s (%d) OnClose noerr %s v=%s\n",
					client.connType, client.sess.userID, client.remoteAddr, client.clientVersion)
			}
		}
		client.sess.handleClientClose(client)
	})

	keepAliveMgr.Add(wsConn)
	// set the time for sending the next ping
	keepAliveMgr.SetPingDeadline(wsConn, pingPeriodSecs, client)
}

// handleClientMessage decodes one client message and dispatches it.
// c is the connection the message arrived on.
func (sess *ClientSession) handleClientMessage(c clientConn, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		fmt.Printf("# %s decode user=%d %s err=%v\n",
			sess.connType, sess.userID, sess.remoteAddr, err)
		sendError(c, "malformed message")
		return
	}
	switch m := msg.(type) {
	case *wire.Register:
		sess.onRegister(c, m)
	case *wire.CallPhase:
		sess.onCallPhase(c, m, data)
	case *wire.Signal:
		sess.onSignal(c, m, data)
	case *wire.MissedCallsDelete:
		sess.onMissedCallsDelete(c, m)
	default:
		// server-to-client only types are not expected here
		fmt.Printf("# %s unexpected %T from user=%d\n", sess.connType, msg, sess.userID)
	}
}

// handleClientClose removes the session from the registry, but only if
// this connection still owns it; a connection that was replaced by a
// newer registration must not evict the newer session.
func (sess *ClientSession) handleClientClose(c clientConn) {
	if sess.isRegistered.Get() {
		if registry.Unregister(sess.userID, c) {
			metricOnlineSessions.Set(float64(registry.Count()))
			if logWantedFor("register") {
				fmt.Printf("%s unregister user=%d\n", sess.connType, sess.userID)
			}
		}
		sess.isRegistered.Set(false)
	}
}

func (sess *ClientSession) onRegister(c clientConn, m *wire.Register) {
	if m.UserID <= 0 {
		sendError(c, "invalid userId")
		return
	}
	if !sess.isRegistered.Get() && registry.Count() >= maxClients {
		fmt.Printf("! %s register user=%d denied maxClients=%d\n",
			sess.connType, m.UserID, maxClients)
		sendError(c, "server full")
		c.Close("maxClients")
		return
	}
	if sess.isRegistered.Get() && sess.userID != m.UserID {
		// same connection re-registers under a different userId
		registry.Unregister(sess.userID, c)
	}
	sess.userID = m.UserID
	sess.isRegistered.Set(true)
	registry.Register(m.UserID, c)
	metricOnlineSessions.Set(float64(registry.Count()))
	if logWantedFor("register") {
		fmt.Printf("%s register user=%d %s\n", sess.connType, m.UserID, sess.remoteAddr)
	}

	// the stored missed-call list is pushed on every registration
	// the client treats it as the authoritative list
	pushMissedCallsTo(m.UserID)
}

func (sess *ClientSession) onCallPhase(c clientConn, m *wire.CallPhase, raw []byte) {
	if !sess.isRegistered.Get() {
		sendError(c, "not registered")
		return
	}
	// sender must be one of the two call parties; target is the other one
	var targetID int64
	switch sess.userID {
	case m.InitiatorID:
		targetID = m.ReceiverID
	case m.ReceiverID:
		targetID = m.InitiatorID
	default:
		fmt.Printf("# %s call:%s user=%d not a participant (i=%d r=%d)\n",
			sess.connType, m.Phase(), sess.userID, m.InitiatorID, m.ReceiverID)
		sendError(c, "not a call participant")
		return
	}
	phase := m.Phase()
	if logWantedFor("call") {
		fmt.Printf("%s call:%s from=%d to=%d callID=%s\n",
			sess.connType, phase, sess.userID, targetID, m.CallID)
	}

	switch phase {
	case wire.PhaseCalling:
		metricCallsInitiated.Inc()
	case wire.PhaseMissed:
		if sess.userID == m.ReceiverID {
			// the receiver let the call ring out
			storeMissedCall(m.ReceiverID, missedEntryFrom(m))
			pushMissedCallsTo(m.ReceiverID)
		}
	case wire.PhaseRejected:
		if m.Reason == wire.ReasonBusy && sess.userID == m.ReceiverID {
			// auto-reject while in another call counts as a missed call
			storeMissedCall(m.ReceiverID, missedEntryFrom(m))
			pushMissedCallsTo(m.ReceiverID)
		}
	}

	err := registry.Route(targetID, raw)
	if err != nil {
		metricRouteFailures.Inc()
		if phase == wire.PhaseCalling {
			// receiver unreachable: the call can never be delivered
			storeMissedCall(m.ReceiverID, missedEntryFrom(m))
			sendError(c, "peer offline")
		} else if logWantedFor("call") {
			fmt.Printf("call:%s undeliverable to=%d callID=%s err=%v\n",
				phase, targetID, m.CallID, err)
		}
		return
	}
	metricMessagesRouted.Inc()
}

func (sess *ClientSession) onSignal(c clientConn, m *wire.Signal, raw []byte) {
	if !sess.isRegistered.Get() {
		sendError(c, "not registered")
		return
	}
	if m.TargetUserID <= 0 {
		sendError(c, "invalid targetUserId")
		return
	}
	if logWantedFor("signal") {
		fmt.Printf("%s %s from=%d to=%d callID=%s len=%d\n",
			sess.connType, m.Type, sess.userID, m.TargetUserID, m.CallID, len(raw))
	}
	err := registry.Route(m.TargetUserID, raw)
	if err != nil {
		metricRouteFailures.Inc()
		if m.Type == wire.TypeOffer {
			// without the offer no call can be established; tell the sender
			sendError(c, "peer offline")
		} else if logWantedFor("signal") {
			fmt.Printf("%s undeliverable to=%d callID=%s err=%v\n",
				m.Type, m.TargetUserID, m.CallID, err)
		}
		return
	}
	metricMessagesRouted.Inc()
}

func (sess *ClientSession) onMissedCallsDelete(c clientConn, m *wire.MissedCallsDelete) {
	if !sess.isRegistered.Get() {
		sendError(c, "not registered")
		return
	}
	if err := deleteMissedCall(sess.userID, m.CallTime); err != nil {
		fmt.Printf("# missed-calls-delete user=%d callTime=%d err=%v\n",
			sess.userID, m.CallTime, err)
		return
	}
	pushMissedCallsTo(sess.userID)
}

// pushMissedCallsTo sends the stored missed-call list to userID if that
// user is online. An offline user gets the list on its next register.
func pushMissedCallsTo(userID int64) {
	list := loadMissedCalls(userID)
	enc, err := wire.Encode(&wire.MissedCalls{Type: wire.TypeMissedCalls, Calls: list})
	if err != nil {
		fmt.Printf("# missed-calls encode user=%d err=%v\n", userID, err)
		return
	}
	if err := registry.Route(userID, enc); err == nil {
		if logWantedFor("missedcall") {
			fmt.Printf("missed-calls pushed user=%d count=%d\n", userID, len(list))
		}
	}
}

func missedEntryFrom(m *wire.CallPhase) wire.MissedCallEntry {
	return wire.MissedCallEntry{
		CallID:     m.CallID,
		FromUserID: m.InitiatorID,
		MatchID:    m.MatchID,
		CallTime:   time.Now().UnixMilli(),
	}
}

func sendError(c clientConn, text string) {
	enc, err := wire.Encode(wire.NewError(text))
	if err != nil {
		return
	}
	if err := c.Write(enc); err != nil && err != ErrWriteNotConnected {
		fmt.Printf("# sendError (%s) write err=%v\n", text, err)
	}
}

func (c *WsClient) Write(b []byte) error {
	max := len(b); if max>22 { max = 22 }
	if !c.isOnline.Get() {
		return ErrWriteNotConnected
	}
	if logWantedFor("wswrite") {
		fmt.Printf("%s Write (%s) to %d\n", c.connType, b[:max], c.sess.userID)
	}
	return c.wsConn.WriteMessage(websocket.TextMessage, b)
}

func (c *WsClient) Close(reason string) {
	if logWantedFor("wsclose") {
		fmt.Printf("wsclient (%d) Close isOnline=%v reason=%s\n",
			c.sess.userID, c.isOnline.Get(), reason)
	}
	if c.isOnline.Get() {
		// this client is still ws-connected to server
		c.wsConn.WriteMessage(websocket.CloseMessage, nil) // ignore any error
		c.wsConn.Close()
	}
}

func (c *WsClient) RemoteAddr() string {
	return c.remoteAddr
}

func (c *WsClient) SendPing(maxWaitMS int) {
	// we expect a pong (or anything) from the client within max 20 secs from now
	if maxWaitMS<0 {
		maxWaitMS = 20000
	}

	if logWantedFor("sendping") {
		fmt.Printf("sendPing (%d) %s maxWaitMS=%d\n",c.sess.userID, c.remoteAddr, maxWaitMS)
	}

	err := c.wsConn.WriteMessage(websocket.PingMessage, nil)
	if err != nil {
		fmt.Printf("# sendPing (%d) %s err=%v\n", c.sess.userID, c.remoteAddr, err)
		c.isOnline.Set(false)
		c.wsConn.Close()
		return
	}

	c.pingSent++
	if maxWaitMS>0 {
		// set the time by when a (pong) response from this client would be too late
		c.wsConn.SetReadDeadline(time.Now().Add(time.Duration(maxWaitMS)*time.Millisecond))
	}
	// set the time for sending the next ping in pingPeriodSecs from now
	keepAliveMgr.SetPingDeadline(c.wsConn, pingPeriodSecs, c)
}


// KeepAliveMgr done with kind support from lesismal of github.com/lesismal/nbio
// Keeping many idle clients alive: https://github.com/lesismal/nbio/issues/92
type KeepAliveMgr struct {
	mux       sync.RWMutex
	clients   map[*websocket.Conn]struct{}
}

func NewKeepAliveMgr() *KeepAliveMgr {
	return &KeepAliveMgr{
		clients: make(map[*websocket.Conn]struct{}),
	}
}

type KeepAliveSessionData struct {
	pingSendTime time.Time
	client *WsClient
}

func (kaMgr *KeepAliveMgr) SetPingDeadline(wsConn *websocket.Conn, secs int, client *WsClient) {
	// set the absolute time for sending the next ping
	wsConn.SetSession(&KeepAliveSessionData{
		time.Now().Add(time.Duration(secs)*time.Second), client})
}

func (kaMgr *KeepAliveMgr) Add(c *websocket.Conn) {
	kaMgr.mux.Lock()
	defer kaMgr.mux.Unlock()
	kaMgr.clients[c] = struct{}{}
}

func (kaMgr *KeepAliveMgr) Delete(c *websocket.Conn) {
	kaMgr.mux.Lock()
	defer kaMgr.mux.Unlock()
	delete(kaMgr.clients,c)
}

func (kaMgr *KeepAliveMgr) Run() {
	ticker := time.NewTicker(2*time.Second)
	defer ticker.Stop()
	for {
		<-ticker.C
		if shutdownStarted.Get() {
			break
		}
		kaMgr.mux.RLock()
		myClients := make([]*websocket.Conn, len(kaMgr.clients))
		i:=0
		for wsConn := range kaMgr.clients {
			myClients[i] = wsConn
			i++
		}
		kaMgr.mux.RUnlock()

		var nPing int64 = 0
		timeNow := time.Now()
		for _,wsConn := range myClients {
			keepAliveSessionData := wsConn.Session().(*KeepAliveSessionData)
			if keepAliveSessionData!=nil {
				if timeNow.After(keepAliveSessionData.pingSendTime) {
					keepAliveSessionData.client.SendPing(-1)
					nPing++
				}
			}
		}
		atomic.AddInt64(&pingSentCounter, nPing)
	}
}
