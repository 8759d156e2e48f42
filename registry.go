// MatchCall Copyright 2024 amoryapp.com. All rights reserved.
//
// The session registry maps each registered userId to its single live
// websocket connection. Register() enforces at-most-one session per
// user by closing any prior connection. Route() is the whole signal
// router: look the target up, hand the raw bytes to its connection,
// report failure if there is none. No queueing, no retry.

package main

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/amoryapp/matchcall/iptools"
)

var ErrOffline = errors.New("target user not registered")

// clientConn is the connection surface the registry works with.
type clientConn interface {
	Write(data []byte) error
	Close(reason string)
	RemoteAddr() string
}

type Session struct {
	UserID       int64
	Conn         clientConn
	RemoteAddr   string
	RegisteredAt time.Time
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[int64]*Session)}
}

// Register binds userID to conn, replacing any previous session. The
// prior connection is closed outside the lock so its close handler can
// call back into the registry without deadlock.
func (rg *Registry) Register(userID int64, conn clientConn) {
	newSession := &Session{
		UserID:       userID,
		Conn:         conn,
		RemoteAddr:   conn.RemoteAddr(),
		RegisteredAt: time.Now(),
	}
	rg.mu.Lock()
	oldSession := rg.sessions[userID]
	rg.sessions[userID] = newSession
	rg.mu.Unlock()

	if oldSession != nil && oldSession.Conn != conn {
		if logWantedFor("register") {
			fmt.Printf("registry replace user=%d old=%s new=%s\n",
				userID, oldSession.RemoteAddr, newSession.RemoteAddr)
		}
		oldSession.Conn.Close("replaced by newer registration")
	}
}

// Unregister removes the session for userID, but only if it still
// belongs to conn. The close handler of a replaced connection fires
// after the newer session took the slot and must not evict it.
func (rg *Registry) Unregister(userID int64, conn clientConn) bool {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	cur := rg.sessions[userID]
	if cur == nil || cur.Conn != conn {
		return false
	}
	delete(rg.sessions, userID)
	return true
}

// Route delivers data verbatim to the target user's connection.
// Returns ErrOffline if the target has no registered session.
func (rg *Registry) Route(targetUserID int64, data []byte) error {
	rg.mu.RLock()
	sess := rg.sessions[targetUserID]
	rg.mu.RUnlock()
	if sess == nil {
		return ErrOffline
	}
	return sess.Conn.Write(data)
}

func (rg *Registry) IsOnline(userID int64) bool {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	return rg.sessions[userID] != nil
}

func (rg *Registry) Count() int {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	return len(rg.sessions)
}

// SearchAddr reports whether any registered session connects from the
// given ip (no port) and returns its userId. The turn server uses this
// to admit relay clients it has not seen register recently.
func (rg *Registry) SearchAddr(ip string) (bool, int64) {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	for userID, sess := range rg.sessions {
		if iptools.StripPort(sess.RemoteAddr) == ip {
			return true, userID
		}
	}
	return false, 0
}
