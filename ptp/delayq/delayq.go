/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package delayq correlates Delay_Req transmit timestamps with Delay_Resp receive timestamps.

Transmit timestamps arrive from the transmit path keyed by slot id, responses
arrive keyed by sequence id, in either order. Both lookups search newest to
oldest: slot ids are reused by the transmit path, and the newest in-flight
request is the one a fresh timestamp belongs to.
*/
package delayq

import (
	"time"

	"github.com/l2switch/ptpd/ptp/protocol"
)

// DefaultSize is the default number of in-flight requests tracked
const DefaultSize = 8

// Entry is a single in-flight Delay_Req
type Entry struct {
	SequenceID uint16
	Slot       uint32
	TxTime     time.Time
	TxValid    bool
	RxTime     time.Time
	RxValid    bool
	Correction protocol.Correction
}

// Complete reports whether both timestamps are known
func (e *Entry) Complete() bool {
	return e.TxValid && e.RxValid
}

// Queue is a fixed capacity ring of in-flight Delay_Req entries
type Queue struct {
	entries []Entry
	first   int
	count   int

	// Lost counts entries dropped incomplete, either on overflow or when a newer entry completed
	Lost uint64
	// Completed counts entries popped with both timestamps valid
	Completed uint64
}

// New returns a queue holding at most size entries
func New(size int) *Queue {
	if size <= 0 {
		size = DefaultSize
	}
	return &Queue{entries: make([]Entry, size)}
}

// Len returns number of in-flight entries
func (q *Queue) Len() int {
	return q.count
}

// Cap returns queue capacity
func (q *Queue) Cap() int {
	return len(q.entries)
}

func (q *Queue) at(i int) *Entry {
	return &q.entries[(q.first+i)%len(q.entries)]
}

// Push records a new Delay_Req. When the queue is full the oldest entry is dropped and counted as lost.
// For one-step clocks the transmit timestamp is known at push time and passed as tx.
func (q *Queue) Push(seq uint16, slot uint32, tx time.Time) {
	if q.count == len(q.entries) {
		q.first = (q.first + 1) % len(q.entries)
		q.count--
		q.Lost++
	}
	e := q.at(q.count)
	*e = Entry{SequenceID: seq, Slot: slot}
	if !tx.IsZero() {
		e.TxTime = tx
		e.TxValid = true
	}
	q.count++
}

// TxTimestamp fills the transmit timestamp of the newest entry using slot.
// If the response already arrived the completed entry is returned and popped.
func (q *Queue) TxTimestamp(slot uint32, ts time.Time) (Entry, bool) {
	for i := q.count - 1; i >= 0; i-- {
		e := q.at(i)
		if e.Slot != slot || e.TxValid {
			continue
		}
		e.TxTime = ts
		e.TxValid = true
		return q.completeAt(i)
	}
	return Entry{}, false
}

// DelayResp fills the receive side of the newest entry with sequence id seq.
// matched reports whether an in-flight entry was found. If the transmit timestamp is already
// known the completed entry is returned and popped.
func (q *Queue) DelayResp(seq uint16, rx time.Time, corr protocol.Correction) (done Entry, complete bool, matched bool) {
	for i := q.count - 1; i >= 0; i-- {
		e := q.at(i)
		if e.SequenceID != seq || e.RxValid {
			continue
		}
		e.RxTime = rx
		e.RxValid = true
		e.Correction = corr
		done, complete = q.completeAt(i)
		return done, complete, true
	}
	return Entry{}, false, false
}

// completeAt pops every entry up to and including i when entry i is complete.
// Skipped entries that were still incomplete count as lost.
func (q *Queue) completeAt(i int) (Entry, bool) {
	e := q.at(i)
	if !e.Complete() {
		return Entry{}, false
	}
	done := *e
	for j := 0; j < i; j++ {
		if !q.at(j).Complete() {
			q.Lost++
		}
	}
	q.first = (q.first + i + 1) % len(q.entries)
	q.count -= i + 1
	q.Completed++
	return done, true
}

// Reset drops every in-flight entry without counting losses
func (q *Queue) Reset() {
	q.first = 0
	q.count = 0
}
