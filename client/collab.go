// MatchCall Copyright 2024 amoryapp.com. All rights reserved.

package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// The call-log and presence collaborators live outside this subsystem.
// HTTPCallLog and HTTPPresence talk to the signaling server's /rtc api;
// the Mem implementations back tests and embedders that persist
// elsewhere.

// CallUpdate patches a call record. Zero fields are left unchanged.
type CallUpdate struct {
	Status    string `json:"status"`
	StartTime int64  `json:"startTime,omitempty"`
	EndTime   int64  `json:"endTime,omitempty"`
	Duration  int    `json:"duration,omitempty"`
}

// CallLog persists call records: Create on initiate, Update on
// connecting and on every terminal phase.
type CallLog interface {
	Create(initiatorID, receiverID, matchID int64, callDay int) (string, error)
	Update(callID string, upd CallUpdate) error
}

// Presence answers whether a user currently holds a signaling session.
type Presence interface {
	IsUserOnline(userID int64) (bool, error)
}

var defaultHTTPClient = &http.Client{Timeout: 10 * time.Second}

// HTTPCallLog implements CallLog against POST /rtc/calllog and
// POST /rtc/calllog/update.
type HTTPCallLog struct {
	BaseURL string
	Client  *http.Client
}

func (h *HTTPCallLog) httpClient() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return defaultHTTPClient
}

func (h *HTTPCallLog) Create(initiatorID, receiverID, matchID int64, callDay int) (string, error) {
	body, err := json.Marshal(struct {
		InitiatorID int64 `json:"initiatorId"`
		ReceiverID  int64 `json:"receiverId"`
		MatchID     int64 `json:"matchId"`
		CallDay     int   `json:"callDay"`
	}{initiatorID, receiverID, matchID, callDay})
	if err != nil {
		return "", err
	}
	resp, err := h.httpClient().Post(h.BaseURL+"/rtc/calllog", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("calllog create status %d", resp.StatusCode)
	}
	var out struct {
		CallID string `json:"callId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.CallID == "" {
		return "", fmt.Errorf("calllog create returned no callId")
	}
	return out.CallID, nil
}

func (h *HTTPCallLog) Update(callID string, upd CallUpdate) error {
	body, err := json.Marshal(struct {
		CallID string `json:"callId"`
		CallUpdate
	}{CallID: callID, CallUpdate: upd})
	if err != nil {
		return err
	}
	resp, err := h.httpClient().Post(h.BaseURL+"/rtc/calllog/update", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("calllog update status %d", resp.StatusCode)
	}
	return nil
}

// HTTPPresence implements Presence against GET /rtc/online.
type HTTPPresence struct {
	BaseURL string
	Client  *http.Client
}

func (h *HTTPPresence) httpClient() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return defaultHTTPClient
}

func (h *HTTPPresence) IsUserOnline(userID int64) (bool, error) {
	resp, err := h.httpClient().Get(fmt.Sprintf("%s/rtc/online?userId=%d", h.BaseURL, userID))
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("online check status %d", resp.StatusCode)
	}
	var out struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, err
	}
	return out.Online, nil
}

// MemCallRecord is one in-memory call record.
type MemCallRecord struct {
	InitiatorID int64
	ReceiverID  int64
	MatchID     int64
	CallDay     int
	Status      string
	StartTime   int64
	EndTime     int64
	Duration    int
}

// MemCallLog keeps call records in memory.
type MemCallLog struct {
	mu   sync.Mutex
	recs map[string]*MemCallRecord
}

func NewMemCallLog() *MemCallLog {
	return &MemCallLog{recs: make(map[string]*MemCallRecord)}
}

func (m *MemCallLog) Create(initiatorID, receiverID, matchID int64, callDay int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.recs[id] = &MemCallRecord{
		InitiatorID: initiatorID,
		ReceiverID:  receiverID,
		MatchID:     matchID,
		CallDay:     callDay,
		Status:      "created",
	}
	return id, nil
}

func (m *MemCallLog) Update(callID string, upd CallUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[callID]
	if !ok {
		return fmt.Errorf("no call record %s", callID)
	}
	if upd.Status != "" {
		rec.Status = upd.Status
	}
	if upd.StartTime != 0 {
		rec.StartTime = upd.StartTime
	}
	if upd.EndTime != 0 {
		rec.EndTime = upd.EndTime
	}
	if upd.Duration != 0 {
		rec.Duration = upd.Duration
	}
	return nil
}

// Get returns a copy of the stored record.
func (m *MemCallLog) Get(callID string) (MemCallRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[callID]
	if !ok {
		return MemCallRecord{}, false
	}
	return *rec, true
}

// MemPresence keeps the online set in memory.
type MemPresence struct {
	mu     sync.Mutex
	online map[int64]bool
}

func NewMemPresence() *MemPresence {
	return &MemPresence{online: make(map[int64]bool)}
}

func (m *MemPresence) SetOnline(userID int64, online bool) {
	m.mu.Lock()
	m.online[userID] = online
	m.mu.Unlock()
}

func (m *MemPresence) IsUserOnline(userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online[userID], nil
}

// nopCallLog satisfies CallLog when the embedder keeps no records. It
// still hands out callIds, which every call session needs.
type nopCallLog struct{}

func (nopCallLog) Create(int64, int64, int64, int) (string, error) {
	return uuid.NewString(), nil
}

func (nopCallLog) Update(string, CallUpdate) error {
	return nil
}

// ServerConfig mirrors GET /rtc/config: the client tuning values the
// server hands out so apps do not hardcode them.
type ServerConfig struct {
	WsURL              string `json:"wsUrl"`
	WssURL             string `json:"wssUrl"`
	RingTimeoutSecs    int    `json:"ringTimeoutSecs"`
	ReconnectDelaySecs int    `json:"reconnectDelaySecs"`
	GraceResetSecs     int    `json:"graceResetSecs"`
	CapDay1Secs        int    `json:"capDay1Secs"`
	CapDay2Secs        int    `json:"capDay2Secs"`
	CapDay3Secs        int    `json:"capDay3Secs"`
	TurnAddr           string `json:"turnAddr"`
	TurnRealm          string `json:"turnRealm"`
}

// FetchServerConfig loads the server's client tuning values.
func FetchServerConfig(baseURL string) (ServerConfig, error) {
	var sc ServerConfig
	resp, err := defaultHTTPClient.Get(baseURL + "/rtc/config")
	if err != nil {
		return sc, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return sc, fmt.Errorf("config status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&sc); err != nil {
		return sc, err
	}
	return sc, nil
}

// CapForDay converts the fetched cap values into the CallMachine hook,
// falling back to the builtin defaults for unset values.
func (sc ServerConfig) CapForDay(callDay int) time.Duration {
	switch {
	case callDay <= 1 && sc.CapDay1Secs > 0:
		return time.Duration(sc.CapDay1Secs) * time.Second
	case callDay == 2 && sc.CapDay2Secs > 0:
		return time.Duration(sc.CapDay2Secs) * time.Second
	case callDay >= 3 && sc.CapDay3Secs > 0:
		return time.Duration(sc.CapDay3Secs) * time.Second
	}
	return CallDayCap(callDay)
}
