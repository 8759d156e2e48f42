// MatchCall Copyright 2024 amoryapp.com. All rights reserved.
package main

import (
	"fmt"
	"strconv"
	"net"
	"time"
	"sync"

	//"github.com/pion/turn/v2" // see: https://github.com/pion/turn/issues/206#issuecomment-907091251
	"github.com/mehrvarz/turn/v2" // this _is_ pion/turn but with a minor patch for FF on Android
	"github.com/pion/logging"

	"github.com/amoryapp/matchcall/iptools"
)

type TurnClient struct {
	UserID int64
	TimeStored time.Time
}
// recentTurnClientIps is accessed from timer.go
var recentTurnClientIps map[string]TurnClient
var recentTurnClientIpMutex sync.RWMutex

func runTurnServer() {
	if turnPort<=0 {
		return
	}

	recentTurnClientIps = make(map[string]TurnClient)

	relayIP := turnIP
	if relayIP == "" {
		relayIP = outboundIP
	}
	fmt.Printf("turn server listening on '%s' port=%d\n", relayIP, turnPort)
	udpListener, err := net.ListenPacket("udp4", "0.0.0.0:"+strconv.Itoa(turnPort))
	if err != nil {
		fmt.Printf("# Failed to create TURN server listener: %s\n", err)
		return
	}

	readConfigLock.RLock()
	ourRealm := turnRealm
	readConfigLock.RUnlock()
	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.DefaultLogLevel = logging.LogLevel(turnDebugLevel) // 3=info 4=LogLevelDebug

	_, err = turn.NewServer(turn.ServerConfig{
		Realm: ourRealm,
		AuthHandler: func(username string, realm string, srcAddr net.Addr) ([]byte, bool) {
			// AuthHandler is called every time a turn client tries to authenticate
			// - username is the "iceServers" username from the client
			// - srcAddr is ip:port of the client
			// note that for a relay connection to become available for both sides,
			// only ONE side needs to successfully authenticate
			// we admit clients whose ip has a registered signaling session
			timeNow := time.Now()
			foundIp := false
			foundByMap := false
			var foundUserID int64
			// compare without the port number
			// bc srcAddr is from the turn client and the registry addr is from
			// the websocket client (different ports)
			ipAddr := iptools.StripPort(srcAddr.String())

			recentTurnClientIpMutex.RLock()
			turnClient, ok := recentTurnClientIps[ipAddr]
			recentTurnClientIpMutex.RUnlock()
			if ok {
				timeSinceFirstFound := timeNow.Sub(turnClient.TimeStored)
				if timeSinceFirstFound.Seconds() <= float64(capDay3Secs) {
					foundIp = true
					foundUserID = turnClient.UserID
					foundByMap = true
				} else {
					// session is outdated, will not anymore be authenticated
				}
			} else {
				foundIp, foundUserID = registry.SearchAddr(ipAddr)
				if foundIp {
					recentTurnClientIpMutex.Lock()
					recentTurnClientIps[ipAddr] = TurnClient{foundUserID,timeNow}
					recentTurnClientIpMutex.Unlock()
				}
			}
			if foundIp {
				if logWantedFor("turn") && !foundByMap {
					recentTurnClientIpMutex.RLock()
					fmt.Printf("turn auth for %v SUCCESS (by map %v) %d (user=%d)\n",
						srcAddr.String(), foundByMap, len(recentTurnClientIps), foundUserID)
					recentTurnClientIpMutex.RUnlock()
				}
				// NOTE: the same key strings are used by both mobile clients
				// it doesn't matter what they are, but they must be the same
				authKey := turn.GenerateAuthKey("c807ec29df3c9ff", realm, "736518fb4232d44")
				return authKey, true
			}

			if logWantedFor("turn") {
				fmt.Printf("turn auth denied for %v\n", srcAddr.String())
			}
			return nil, false
		},
		// PacketConnConfigs is a list of UDP Listeners and the configuration around them
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: udpListener,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: net.ParseIP(relayIP),
					Address:      "0.0.0.0",
				},
			},
		},
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		fmt.Printf("turn err %v ===========================\n", err)
		return
	}
}
