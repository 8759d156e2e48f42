// MatchCall Copyright 2024 amoryapp.com. All rights reserved.
//
// The http api lives under "/rtc/", implemented by httpApiHandler().
// It serves the app backend (call record create/update/fetch), the
// mobile clients (/rtc/config, /rtc/online) and operations
// (/rtc/stats, /metrics). Signaling itself runs over the websocket
// endpoints served by wsClient.go, not here.

package main

import (
	"net/http"
	"time"
	"strings"
	"fmt"
	"strconv"
	"encoding/json"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amoryapp/matchcall/iptools"
	"github.com/amoryapp/matchcall/skv"
	"github.com/amoryapp/matchcall/wire"
)

func httpServer() {
	http.HandleFunc("/rtc/", httpApiHandler)
	http.Handle("/metrics", promhttp.Handler())

	addrPort := fmt.Sprintf(":%d",httpPort)
	fmt.Printf("httpServer listening on %v\n", addrPort)
	srv := &http.Server{
		Addr: addrPort,
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout: 5 * time.Second,
		WriteTimeout: 600 * time.Second,	// from end of req header read to the end of the response write
		IdleTimeout: 30 * time.Second,
	}
	err := srv.ListenAndServe()
	fmt.Printf("# httpServer ListenAndServe err=%v\n", err)
}

func httpApiHandler(w http.ResponseWriter, r *http.Request) {
	remoteAddrWithPort := r.RemoteAddr
	if strings.HasPrefix(remoteAddrWithPort,"[::1]") {
		remoteAddrWithPort = "127.0.0.1"+remoteAddrWithPort[5:]
	}
	altIp := r.Header.Get("X-Real-IP")
	if len(altIp) >= 7 && !strings.HasPrefix(remoteAddrWithPort,altIp) {
		remoteAddrWithPort = altIp
		altPort := r.Header.Get("X-Real-Port")
		if altPort!="" {
			remoteAddrWithPort = remoteAddrWithPort + ":"+altPort
		}
	}
	remoteAddr := iptools.StripPort(remoteAddrWithPort)

	urlPath := r.URL.Path
	if strings.HasPrefix(urlPath,"/rtc/") {
		urlPath = urlPath[4:]
	}
	if logWantedFor("http") {
		fmt.Printf("httpApi (%v) %s rip=%s\n", urlPath, r.Method, remoteAddrWithPort)
	}

	if urlPath=="/online" {
		httpOnline(w, r, remoteAddr)
		return
	}
	if urlPath=="/calllog" {
		httpCallLog(w, r, remoteAddr)
		return
	}
	if urlPath=="/calllog/update" {
		httpCallLogUpdate(w, r, remoteAddr)
		return
	}
	if urlPath=="/config" {
		httpClientConfig(w, r)
		return
	}
	if urlPath=="/version" {
		fmt.Fprintf(w, "version %s\nbuilddate %s\n",codetag,builddate)
		return
	}

	if remoteAddr=="127.0.0.1" || (outboundIP!="" && remoteAddr==outboundIP) {
		if urlPath=="/stats" {
			httpStats(w, r, remoteAddr)
			return
		}
	}

	fmt.Printf("# [%s] unknown request rip=%s\n",urlPath,remoteAddr)
	http.Error(w, "unknown request", http.StatusNotFound)
}

// httpOnline reports whether a user has a registered signaling session.
// The app backend uses this before it lets a user start a call.
func httpOnline(w http.ResponseWriter, r *http.Request, remoteAddr string) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("userId"), 10, 64)
	if err != nil || userID<=0 {
		http.Error(w, "invalid userId", http.StatusBadRequest)
		return
	}
	online := registry.IsOnline(userID)
	if logWantedFor("online") {
		fmt.Printf("/online userID=%d online=%v rip=%s\n", userID, online, remoteAddr)
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w,"{\"online\":%v}",online)
}

// httpCallLog creates a call record (POST) or fetches one (GET ?callId=).
func httpCallLog(w http.ResponseWriter, r *http.Request, remoteAddr string) {
	switch r.Method {
	case "POST":
		var req struct {
			InitiatorID int64 `json:"initiatorId"`
			ReceiverID  int64 `json:"receiverId"`
			MatchID     int64 `json:"matchId"`
			CallDay     int   `json:"callDay"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.InitiatorID<=0 || req.ReceiverID<=0 {
			http.Error(w, "invalid initiatorId/receiverId", http.StatusBadRequest)
			return
		}
		callID, err := createCallRecord(req.InitiatorID, req.ReceiverID, req.MatchID, req.CallDay)
		if err != nil {
			http.Error(w, "store failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w,"{\"callId\":%q}",callID)

	case "GET":
		callID := r.URL.Query().Get("callId")
		if callID=="" {
			http.Error(w, "missing callId", http.StatusBadRequest)
			return
		}
		rec, err := getCallRecord(callID)
		if err != nil {
			if err == skv.ErrNotFound {
				http.Error(w, "callId not found", http.StatusNotFound)
			} else {
				http.Error(w, "store failed", http.StatusInternalServerError)
			}
			return
		}
		jsonStr, err := json.Marshal(rec)
		if err != nil {
			fmt.Printf("# /calllog json.Marshal callID=%s err=%v\n", callID, err)
			http.Error(w, "encode failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(jsonStr)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// httpCallLogUpdate patches a call record with phase progress reported
// by either call party.
func httpCallLogUpdate(w http.ResponseWriter, r *http.Request, remoteAddr string) {
	if r.Method != "POST" {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		CallID    string `json:"callId"`
		Status    string `json:"status"`
		StartTime int64  `json:"startTime"`
		EndTime   int64  `json:"endTime"`
		Duration  int    `json:"duration"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.CallID=="" {
		http.Error(w, "missing callId", http.StatusBadRequest)
		return
	}
	if req.Status!="" && !validCallStatus(req.Status) {
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}
	err := updateCallRecord(req.CallID, req.Status, req.StartTime, req.EndTime, req.Duration)
	if err != nil {
		if err == skv.ErrNotFound {
			http.Error(w, "callId not found", http.StatusNotFound)
		} else {
			http.Error(w, "store failed", http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func validCallStatus(status string) bool {
	switch wire.Phase(status) {
	case wire.PhaseConnecting, wire.PhaseEnded, wire.PhaseRejected,
		wire.PhaseMissed, wire.PhaseError:
		return true
	}
	return false
}

// httpClientConfig publishes the connect urls and the timing values the
// mobile clients need, so timing changes don't require an app release.
func httpClientConfig(w http.ResponseWriter, r *http.Request) {
	readConfigLock.RLock()
	cfg := struct {
		WsUrl              string `json:"wsUrl,omitempty"`
		WssUrl             string `json:"wssUrl,omitempty"`
		RingTimeoutSecs    int    `json:"ringTimeoutSecs"`
		ReconnectDelaySecs int    `json:"reconnectDelaySecs"`
		GraceResetSecs     int    `json:"graceResetSecs"`
		CapDay1Secs        int    `json:"capDay1Secs"`
		CapDay2Secs        int    `json:"capDay2Secs"`
		CapDay3Secs        int    `json:"capDay3Secs"`
		TurnAddr           string `json:"turnAddr,omitempty"`
		TurnRealm          string `json:"turnRealm,omitempty"`
	}{
		WsUrl:              wsUrl,
		WssUrl:             wssUrl,
		RingTimeoutSecs:    maxRingSecs,
		ReconnectDelaySecs: reconnectDelaySecs,
		GraceResetSecs:     graceResetSecs,
		CapDay1Secs:        capDay1Secs,
		CapDay2Secs:        capDay2Secs,
		CapDay3Secs:        capDay3Secs,
		TurnRealm:          turnRealm,
	}
	if turnPort>0 {
		cfg.TurnAddr = fmt.Sprintf("%s:%d", hostname, turnPort)
	}
	readConfigLock.RUnlock()

	jsonStr, err := json.Marshal(cfg)
	if err != nil {
		fmt.Printf("# /config json.Marshal err=%v\n", err)
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(jsonStr)
}

// httpStats is only served to localhost / the outbound ip.
func httpStats(w http.ResponseWriter, r *http.Request, remoteAddr string) {
	printFunc := func(w http.ResponseWriter, format string, a ...interface{}) {
		// printFunc writes to the console AND to the localhost http client
		fmt.Printf(format, a...)
		fmt.Fprintf(w, format, a...)
	}
	printFunc(w,"/stats %s %s\n", time.Now().Format("2006-01-02 15:04:05"), remoteAddr)
	printFunc(w,"%s\n", getStats())
	printFunc(w,"callRecords=%d uptime=%s\n",
		countCallRecords(), time.Now().Sub(serverStartTime).Round(time.Second))
}
