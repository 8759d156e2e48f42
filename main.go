// MatchCall Copyright 2024 amoryapp.com. All rights reserved.
//
// MatchCall server is the call-signaling backend of the amory dating
// app. Its main task is to forward call announcements and WebRTC
// negotiation payloads between two matched users, so that they can
// establish a peer-to-peer audio call.
//
// main.go calls readConfig(), opens the database file, starts the
// websocket endpoints for ws and wss communication, the httpServer(),
// the turnServer() and a couple of background processes (tickers).
// The server will run until it receives a SIGTERM event. It will then
// run the shutdown procedure.
//
// Clients connect to the websocket endpoint (wsClient.go) and bind
// their userId with a register message. The session registry
// (registry.go) keeps at most one connection per user. The signaling
// handlers forward call phase announcements and transport negotiation
// payloads verbatim to the other call party. Call records and per-user
// missed-call lists are kept in bbolt (callstore.go).

package main

import (
	"flag"
	"net/http"
	"fmt"
	"time"
	"os"
	"os/signal"
	"syscall"
	"sync"
	"sync/atomic"
	"strconv"
	"bufio"
	"runtime"
	"gopkg.in/ini.v1"
	_ "net/http/pprof"
	"github.com/lesismal/nbio/nbhttp"
	"github.com/lesismal/llib/std/crypto/tls"

	"github.com/amoryapp/matchcall/atombool"
	"github.com/amoryapp/matchcall/iptools"
	"github.com/amoryapp/matchcall/skv"
)

var	kvCalls skv.KV
const dbCallsName = "rtccalls.db"
const dbCallRecords = "callRecords"
const dbMissedCalls = "missedCalls"

var version = flag.Bool("version", false, "show version")
var	builddate string
var	codetag string
const configFileName = "config.ini"
const statsFileName = "stats.ini"
var readConfigLock sync.RWMutex
var	shutdownStarted atombool.AtomBool

// registry maps userId -> active websocket session (registry.go)
var registry *Registry

var numberOfCallsToday = 0 // incremented by updateCallRecord()
var numberOfCallSecondsToday = 0
var numberOfMissedCallsToday = 0
var numberOfCallsTodayMutex sync.RWMutex

var lastCurrentDayOfMonth = 0 // will be set by timer.go
var wsAddr string
var wssAddr string
var svr *nbhttp.Server
var svrs *nbhttp.Server
var pingSentCounter int64 = 0
var pongSentCounter int64 = 0
var outboundIP = ""
var serverStartTime time.Time

// config keywords: must be evaluated with readConfigLock
var hostname = ""
var httpPort = 0
var wsPort = 0
var wssPort = 0
var insecureSkipVerify = false
var turnIP = ""
var turnPort = 0
var turnRealm = ""
var turnDebugLevel = 0
var pprofPort = 0
var dbPath = ""
var wsUrl = ""
var wssUrl = ""
var timeLocationString = ""
var timeLocation *time.Location = nil
var maintenanceMode = false
var logevents = ""
var logeventMap map[string]bool
var logeventMutex sync.RWMutex
var maxClients = 0
var maxRingSecs = 0
var graceResetSecs = 0
var reconnectDelaySecs = 0
var capDay1Secs = 0
var capDay2Secs = 0
var capDay3Secs = 0
var pingPeriodSecs = 0

func main() {
	flag.Parse()
	if *version {
		if codetag!="" {
			fmt.Printf("version %s\n",codetag)
		}
		fmt.Printf("builddate %s\n",builddate)
		return
	}

	fmt.Printf("--------------- matchcall startup ---------------\n")
	serverStartTime = time.Now()
	registry = NewRegistry()
	readConfig(true)

	var err error
	kvCalls,err = skv.DbOpen(dbCallsName,dbPath)
	if err!=nil {
		fmt.Printf("# error DbOpen %s path %s err=%v\n",dbCallsName,dbPath,err)
		return
	}
	err = kvCalls.CreateBucket(dbCallRecords)
	if err!=nil {
		fmt.Printf("# error db %s CreateBucket %s err=%v\n",dbCallsName,dbCallRecords,err)
		kvCalls.Close()
		return
	}
	err = kvCalls.CreateBucket(dbMissedCalls)
	if err!=nil {
		fmt.Printf("# error db %s CreateBucket %s err=%v\n",dbCallsName,dbMissedCalls,err)
		kvCalls.Close()
		return
	}

	readStatsFile()

	outboundIP,err = iptools.GetOutboundIP()
	fmt.Printf("outboundIP %s\n",outboundIP)

	// websocket handler
	if wsPort > 0 {
		wsAddr = fmt.Sprintf(":%d", wsPort)
		mux := &http.ServeMux{}
		mux.HandleFunc("/ws", serveWs)
		svr = nbhttp.NewServer(nbhttp.Config{
			Network: "tcp",
			Addrs: []string{wsAddr},
			MaxLoad: 1000000,				// TODO make configurable?
			ReleaseWebsocketPayload: true,
			NPoller: runtime.NumCPU() * 4,
		}, mux, nil)
		err = svr.Start()
		if err != nil {
			fmt.Printf("# nbio.Start wsPort failed: %v\n", err)
			return
		}
		defer svr.Stop()
	}
	if wssPort>0 {
		cer, err := tls.LoadX509KeyPair("tls.pem", "tls.key")
		if err != nil {
			fmt.Printf("# tls.LoadX509KeyPair err=(%v)\n", err)
			os.Exit(-1)
		}
		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{cer},
			InsecureSkipVerify: insecureSkipVerify,
			// Causes servers to use Go's default ciphersuite preferences,
			// which are tuned to avoid attacks. Does nothing on clients.
			PreferServerCipherSuites: true,
			// Only use curves which have assembly implementations
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
			MinVersion: tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
				tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			},
		}
		tlsConfig.BuildNameToCertificate()

		wssAddr = fmt.Sprintf(":%d", wssPort)
		mux := &http.ServeMux{}
		mux.HandleFunc("/ws", serveWss)
		svrs = nbhttp.NewServerTLS(nbhttp.Config{
			Network: "tcp",
			Addrs: []string{wssAddr},
			MaxLoad: 1000000,
			ReleaseWebsocketPayload: true,
			NPoller: runtime.NumCPU() * 4,
		}, mux, nil, tlsConfig)
		err = svrs.Start()
		if err != nil {
			fmt.Printf("# nbio.Start wssPort failed: %v\n", err)
			return
		}
		defer svrs.Stop()
	}

	go httpServer()
	go runTurnServer()
	go ticker30sec() // log stats
	go ticker10sec() // call readConfig()
	go ticker2sec()  // check for new day
	if pprofPort>0 {
		go func() {
			addr := fmt.Sprintf(":%d",pprofPort)
			fmt.Printf("starting pprofServer on %s\n",addr)
			pprofServer := &http.Server{Addr:addr}
			pprofServer.ListenAndServe()
		}()
	}

	time.Sleep(1 * time.Second)
	fmt.Printf("awaiting SIGTERM for shutdown...\n")
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	<-sigc

	// shutdown
	fmt.Printf("received os.Interrupt/SIGTERM signal: shutting down...\n")
	// shutdownStarted.Set(true) will end all timer routines
	// but it will not end ListenAndServe() servers; this is why we call os.Exit() below
	shutdownStarted.Set(true)
	writeStatsFile()
	time.Sleep(2 * time.Second)

	fmt.Printf("kvCalls.Close...\n")
	err = kvCalls.Close()
	if err!=nil {
		fmt.Printf("# error dbName %s close err=%v\n",dbCallsName,err)
	}
	os.Exit(0)
}

// getStats() creates a string with live info about the number of
// registered sessions and the calls, call seconds and missed calls
// since midnight
func getStats() string {
	numberOfCallsTodayMutex.RLock()
	retStr := fmt.Sprintf("stats sessions:%d calls:%d callSecs:%d missed:%d ping:%d gor:%d",
		registry.Count(),
		numberOfCallsToday, numberOfCallSecondsToday, numberOfMissedCallsToday,
		atomic.LoadInt64(&pingSentCounter),
		runtime.NumGoroutine())
	numberOfCallsTodayMutex.RUnlock()
	return retStr
}

// bumpCallsToday counts one completed call and its talk seconds
func bumpCallsToday(durationSecs int) {
	numberOfCallsTodayMutex.Lock()
	numberOfCallsToday++
	numberOfCallSecondsToday += durationSecs
	numberOfCallsTodayMutex.Unlock()
}

func bumpMissedToday() {
	numberOfCallsTodayMutex.Lock()
	numberOfMissedCallsToday++
	numberOfCallsTodayMutex.Unlock()
}

// if timeLocationString is specified, operationalNow() will return
// the current time for the given location
// this is useful if your server is hosted in a timezone diffrent
// than you.
func operationalNow() time.Time {
	if timeLocationString!="" {
		if timeLocation == nil {
			loc, err := time.LoadLocation(timeLocationString)
			if err != nil {
				panic(err)
			}
			timeLocation = loc
		}
		return time.Now().In(timeLocation)
	}
	return time.Now()
}

// logWantedFor(), together with the logevents config keyword,
// allows for topic specific logging
func logWantedFor(topic string) bool {
	logeventMutex.RLock()
	if logeventMap[topic] {
		logeventMutex.RUnlock()
		return true
	}
	logeventMutex.RUnlock()
	return false
}

// readStatsFile() reads a file "stats.ini" in which the daily counters
// ("numberOfCallsToday" etc) are kept persisted, so that this info is
// still available after a restart
func readStatsFile() {
	statsIni, err := ini.Load(statsFileName)
	if err != nil {
		// we ignore this; matchcall works fine without a statsFile
		return
	}
	readStatsInt := func(iniKeyword string, target *int) {
		iniValue,ok := readIniEntry(statsIni,iniKeyword)
		if ok {
			if iniValue=="" {
				*target = 0
			} else {
				i64, err := strconv.ParseInt(iniValue, 10, 64)
				if err!=nil {
					fmt.Printf("# stats val %s: %s=%v err=%v\n",
						statsFileName, iniKeyword, iniValue, err)
				} else {
					*target = int(i64)
				}
			}
		}
	}
	readStatsInt("numberOfCallsToday", &numberOfCallsToday)
	readStatsInt("numberOfCallSecondsToday", &numberOfCallSecondsToday)
	readStatsInt("numberOfMissedCallsToday", &numberOfMissedCallsToday)
	readStatsInt("lastCurrentDayOfMonth", &lastCurrentDayOfMonth)
}

// writeStatsFile() writes the file read by readStatsFile()
func writeStatsFile() {
	filename := statsFileName
	os.Remove(filename)
	file,err := os.OpenFile(filename,os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Printf("# error creating statsFile (%s) err=%v\n", filename, err)
		return
	}
	defer func() {
		if file!=nil {
			if err := file.Close(); err != nil {
				fmt.Printf("# error closing statsFile (%s) err=%s\n",filename,err)
			}
		}
	}()
	fwr := bufio.NewWriter(file)
	defer func() {
		if fwr!=nil {
			fwr.Flush()
		}
	}()

	numberOfCallsTodayMutex.RLock()
	data := fmt.Sprintf("numberOfCallsToday = %d\n"+
						"numberOfCallSecondsToday = %d\n"+
						"numberOfMissedCallsToday = %d\n"+
						"lastCurrentDayOfMonth = %d\n",
		numberOfCallsToday, numberOfCallSecondsToday,
		numberOfMissedCallsToday, lastCurrentDayOfMonth)
	numberOfCallsTodayMutex.RUnlock()
	wrlen,err := fwr.WriteString(data)
	if err != nil {
		fmt.Printf("# error writing statsFile (%s) data err=%s\n", filename, err)
		return
	}
	if wrlen != len(data) {
		fmt.Printf("# error writing statsFile (%s) dlen=%d wrlen=%d\n",
			filename, len(data), wrlen)
		return
	}
	fmt.Printf("statsFile written (%s) dlen=%d wrlen=%d\n", filename, len(data), wrlen)
	fwr.Flush()
}
