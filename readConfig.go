// MatchCall Copyright 2024 amoryapp.com. All rights reserved.
package main

import (
	"fmt"
	"strconv"
	"strings"
	"gopkg.in/ini.v1" // https://pkg.go.dev/gopkg.in/go-ini/ini.v1
)

// readConfig() supports two types of config keywords
// those that are only evaluated once during startup (see "init")
// and those that are evaluated every time readConfig() is called
func readConfig(init bool) {
	configIni, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true,},configFileName)
	if err != nil {
		// ignore the read error and instead use the default values
		configIni = nil
	}

	readConfigLock.Lock()
	if init {
		hostname = readIniString(configIni, "hostname", hostname, "127.0.0.1")
		httpPort = readIniInt(configIni, "httpPort", httpPort, 8067, 1)
		wsPort = readIniInt(configIni, "wsPort", wsPort, 8071, 1)
		wssPort = readIniInt(configIni, "wssPort", wssPort, 0, 1)
		insecureSkipVerify = readIniBoolean(configIni, "insecureSkipVerify", insecureSkipVerify, false)
		turnIP = readIniString(configIni, "turnIP", turnIP, "")
		turnPort = readIniInt(configIni, "turnPort", turnPort, 0, 1) // 3739
		turnRealm = readIniString(configIni, "turnRealm", turnRealm, "")
		pprofPort = readIniInt(configIni, "pprofPort", pprofPort, 0, 1) // 8980
		dbPath = readIniString(configIni, "dbPath", dbPath, "db/")
		if dbPath!="" && !strings.HasSuffix(dbPath,"/") { dbPath = dbPath+"/" }
		timeLocationString = readIniString(configIni, "timeLocation", timeLocationString, "")
		wsUrl = readIniString(configIni, "wsUrl", wsUrl, "")
		wssUrl = readIniString(configIni, "wssUrl", wssUrl, "")
	}

	maintenanceMode = readIniBoolean(configIni, "maintenanceMode", maintenanceMode, false)

	logevents = readIniString(configIni, "logevents", logevents, "")
	logeventSlice := strings.Split(logevents, ",")
	logeventMutex.Lock()
	logeventMap = make(map[string]bool)
	for _, s := range logeventSlice {
		logeventMap[strings.TrimSpace(s)] = true
	}
	logeventMutex.Unlock()

	maxClients = readIniInt(configIni, "maxClients", maxClients, 10000, 1)
	maxRingSecs = readIniInt(configIni, "maxRingSecs", maxRingSecs, 30, 1)
	graceResetSecs = readIniInt(configIni, "graceResetSecs", graceResetSecs, 3, 1)
	reconnectDelaySecs = readIniInt(configIni, "reconnectDelaySecs", reconnectDelaySecs, 5, 1)

	// per-callDay talk time caps
	capDay1Secs = readIniInt(configIni, "capDay1Secs", capDay1Secs, 300, 1)
	capDay2Secs = readIniInt(configIni, "capDay2Secs", capDay2Secs, 600, 1)
	capDay3Secs = readIniInt(configIni, "capDay3Secs", capDay3Secs, 1200, 1)

	pingPeriodSecs = readIniInt(configIni, "pingPeriodSecs", pingPeriodSecs, 60, 1)
	turnDebugLevel = readIniInt(configIni, "turnDebugLevel", turnDebugLevel, 3, 1)
	readConfigLock.Unlock()
}

func readIniEntry(configIni *ini.File, keyword string) (string,bool) {
	if configIni==nil {
		return "",false
	}
	if !configIni.Section("").HasKey(keyword) {
		return "",false
	}
	cfgEntry := configIni.Section("").Key(keyword).String()
	commentIdx := strings.Index(cfgEntry, "#")
	if commentIdx >= 0 {
		cfgEntry = cfgEntry[:commentIdx]
	}
	return strings.TrimSpace(cfgEntry),true
}

func readIniBoolean(configIni *ini.File, cfgKeyword string, currentVal bool, defaultValue bool) bool {
	newVal := defaultValue
	cfgValue,ok := readIniEntry(configIni, cfgKeyword)
	if ok && cfgValue!="" {
		if cfgValue == "true" {
			newVal = true
		} else {
			newVal = false
		}
	}
	if currentVal != newVal {
		isDefault:=""; if newVal==defaultValue { isDefault="*" }
		fmt.Printf("%s bool %s=%v %s\n", configFileName, cfgKeyword, newVal, isDefault)
	}
	currentVal = newVal
	return currentVal
}

func readIniInt(configIni *ini.File, cfgKeyword string, currentVal int, defaultValue int, factor int) int {
	newVal := defaultValue
	cfgValue,ok := readIniEntry(configIni, cfgKeyword)
	if ok && cfgValue!="" {
		i64, err := strconv.ParseInt(cfgValue, 10, 64)
		if err != nil {
			fmt.Printf("# %s int  %s=%v err=%v\n", configFileName, cfgKeyword, cfgValue, err)
		} else {
			newVal = int(i64) * factor
		}
	}
	if newVal != currentVal {
		isDefault:=""; if newVal==defaultValue { isDefault="*" }
		fmt.Printf("%s int  %s=%d %s\n", configFileName, cfgKeyword, newVal, isDefault)
	}
	currentVal = newVal
	return currentVal
}

func readIniString(configIni *ini.File, cfgKeyword string, currentVal string, defaultValue string) string {
	newVal := defaultValue
	cfgValue,ok := readIniEntry(configIni, cfgKeyword)
	if ok && cfgValue != "" {
		newVal = cfgValue
	}
	// don't log entries ending in 'Key'
	if newVal!=currentVal && !strings.HasSuffix(cfgKeyword, "Key") {
		isDefault:=""; if newVal==defaultValue { isDefault="*" }
		fmt.Printf("%s str  %s=(%v) %s\n", configFileName, cfgKeyword, newVal, isDefault)
	}
	currentVal = newVal
	return currentVal
}
