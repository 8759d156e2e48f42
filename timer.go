// MatchCall Copyright 2024 amoryapp.com. All rights reserved.
package main

import (
	"time"
	"fmt"
)

// ticker30sec: logs stats, cleanup recentTurnClientIps
func ticker30sec() {
	thirtySecTicker := time.NewTicker(30*time.Second)
	defer thirtySecTicker.Stop()
	for {
		<-thirtySecTicker.C
		if shutdownStarted.Get() {
			break
		}

		fmt.Printf("%s\n",getStats())

		// cleanup recentTurnClientIps
		timeNow := time.Now()
		deleted := 0
		recentTurnClientIpMutex.Lock()
		for ipAddr := range recentTurnClientIps {
			turnClient, ok := recentTurnClientIps[ipAddr]
			if ok {
				timeSinceLastFound := timeNow.Sub(turnClient.TimeStored)
				if timeSinceLastFound.Seconds() > float64(capDay3Secs) {
					delete(recentTurnClientIps,ipAddr)
					deleted++
				}
			}
		}
		if deleted>0 {
			if logWantedFor("turn") {
				fmt.Printf("ticker30sec deleted %d entries from recentTurnClientIps (remain=%d)\n",
					deleted, len(recentTurnClientIps))
			}
		}
		recentTurnClientIpMutex.Unlock()
	}
	fmt.Printf("ticker30sec ending\n")
}

// 10s-ticker: periodically call readConfig()
func ticker10sec() {
	tenSecTicker := time.NewTicker(10*time.Second)
	defer tenSecTicker.Stop()
	for ; true; <-tenSecTicker.C {
		if shutdownStarted.Get() {
			break
		}
		readConfig(false)
	}
}

// 2s-ticker: resets the daily call counters at local midnight
func ticker2sec() {
	twoSecTicker := time.NewTicker(2*time.Second)
	defer twoSecTicker.Stop()
	for ; true; <-twoSecTicker.C {
		if shutdownStarted.Get() {
			break
		}
		timeNow := operationalNow()

		// detect new day
		if timeNow.Day() != lastCurrentDayOfMonth {
			fmt.Printf("we have a new day\n")
			lastCurrentDayOfMonth = timeNow.Day()
			numberOfCallsTodayMutex.Lock()
			numberOfCallsToday = 0
			numberOfCallSecondsToday = 0
			numberOfMissedCallsToday = 0
			numberOfCallsTodayMutex.Unlock()
			writeStatsFile()
		}
	}
}
