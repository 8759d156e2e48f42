// MatchCall Copyright 2024 amoryapp.com. All rights reserved.
//
// Call records and per-user missed-call lists, gob-stored in bbolt via
// the skv layer. A call record is created when the initiator starts a
// call and patched by both parties as the call progresses; daily stats
// count each record only on its first transition into a final status.

package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/amoryapp/matchcall/skv"
	"github.com/amoryapp/matchcall/wire"
)

// CallRecord is the server-side log of one call attempt, keyed by callId.
// StartTime, EndTime and CreatedAt are Unix milliseconds.
type CallRecord struct {
	CallID       string `json:"callId"`
	MatchID      int64  `json:"matchId"`
	InitiatorID  int64  `json:"initiatorId"`
	ReceiverID   int64  `json:"receiverId"`
	CallDay      int    `json:"callDay"`
	Status       string `json:"status"`
	StartTime    int64  `json:"startTime,omitempty"`
	EndTime      int64  `json:"endTime,omitempty"`
	DurationSecs int    `json:"duration,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
}

const callStatusCreated = "created"

// a user keeps at most this many stored missed calls, newest first out
const maxMissedCalls = 10

func createCallRecord(initiatorID int64, receiverID int64, matchID int64, callDay int) (string, error) {
	callID := uuid.NewString()
	rec := CallRecord{
		CallID:      callID,
		MatchID:     matchID,
		InitiatorID: initiatorID,
		ReceiverID:  receiverID,
		CallDay:     callDay,
		Status:      callStatusCreated,
		CreatedAt:   time.Now().UnixMilli(),
	}
	err := kvCalls.Put(dbCallRecords, callID, rec, false)
	if err != nil {
		fmt.Printf("# createCallRecord db put callID=%s err=%v\n", callID, err)
		return "", err
	}
	if logWantedFor("calllog") {
		fmt.Printf("calllog create callID=%s initiator=%d receiver=%d day=%d\n",
			callID, initiatorID, receiverID, callDay)
	}
	return callID, nil
}

func getCallRecord(callID string) (CallRecord, error) {
	var rec CallRecord
	err := kvCalls.Get(dbCallRecords, callID, &rec)
	return rec, err
}

// updateCallRecord patches the stored record with the non-zero fields.
// Both call parties report terminal phases, so the daily counters are
// bumped only when the stored status actually changes.
func updateCallRecord(callID string, status string, startTime int64, endTime int64, duration int) error {
	var rec CallRecord
	err := kvCalls.Get(dbCallRecords, callID, &rec)
	if err != nil {
		return err
	}
	prevStatus := rec.Status
	if status != "" {
		rec.Status = status
	}
	if startTime != 0 {
		rec.StartTime = startTime
	}
	if endTime != 0 {
		rec.EndTime = endTime
	}
	if duration != 0 {
		rec.DurationSecs = duration
	}
	err = kvCalls.Put(dbCallRecords, callID, rec, false)
	if err != nil {
		fmt.Printf("# updateCallRecord db put callID=%s err=%v\n", callID, err)
		return err
	}

	if status != prevStatus {
		switch status {
		case string(wire.PhaseEnded):
			bumpCallsToday(rec.DurationSecs)
			metricCallsCompleted.Inc()
		case string(wire.PhaseMissed):
			bumpMissedToday()
			metricCallsMissed.Inc()
		}
	}
	if logWantedFor("calllog") {
		fmt.Printf("calllog update callID=%s status=%s duration=%d\n",
			callID, rec.Status, rec.DurationSecs)
	}
	return nil
}

// storeMissedCall appends one entry to userID's missed-call list and
// drops the oldest entries beyond maxMissedCalls.
func storeMissedCall(userID int64, entry wire.MissedCallEntry) error {
	key := fmt.Sprintf("%d", userID)
	var list []wire.MissedCallEntry
	err := kvCalls.Get(dbMissedCalls, key, &list)
	if err != nil && err != skv.ErrNotFound {
		fmt.Printf("# storeMissedCall db get user=%d err=%v\n", userID, err)
		return err
	}
	list = append(list, entry)
	if len(list) > maxMissedCalls {
		list = list[len(list)-maxMissedCalls:]
	}
	err = kvCalls.Put(dbMissedCalls, key, list, false)
	if err != nil {
		fmt.Printf("# storeMissedCall db put user=%d err=%v\n", userID, err)
		return err
	}
	if logWantedFor("missedcall") {
		fmt.Printf("missedcall stored user=%d from=%d callID=%s count=%d\n",
			userID, entry.FromUserID, entry.CallID, len(list))
	}
	return nil
}

func loadMissedCalls(userID int64) []wire.MissedCallEntry {
	var list []wire.MissedCallEntry
	err := kvCalls.Get(dbMissedCalls, fmt.Sprintf("%d", userID), &list)
	if err != nil {
		if err != skv.ErrNotFound {
			fmt.Printf("# loadMissedCalls db get user=%d err=%v\n", userID, err)
		}
		return nil
	}
	return list
}

// deleteMissedCall removes the entry with the given callTime from
// userID's list. Unknown callTime values are ignored.
func deleteMissedCall(userID int64, callTime int64) error {
	key := fmt.Sprintf("%d", userID)
	var list []wire.MissedCallEntry
	err := kvCalls.Get(dbMissedCalls, key, &list)
	if err != nil {
		if err == skv.ErrNotFound {
			return nil
		}
		return err
	}
	kept := list[:0]
	for _, entry := range list {
		if entry.CallTime != callTime {
			kept = append(kept, entry)
		}
	}
	return kvCalls.Put(dbMissedCalls, key, kept, false)
}

// countCallRecords returns the number of stored call records.
func countCallRecords() int {
	kv, ok := kvCalls.(skv.SKV)
	if !ok {
		return 0
	}
	count := 0
	kv.Db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dbCallRecords))
		if b != nil {
			count = b.Stats().KeyN
		}
		return nil
	})
	return count
}
