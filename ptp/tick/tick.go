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
Package tick implements the software timers every PTP state machine schedules on.

All armed timers live in a single list ordered by due time. The owner advances
the list by calling Tick with the current monotonic time; due timers fire in
order. Periodic timers are rearmed from their previous due time, so late Tick
calls never accumulate drift.

A List is not safe for concurrent use. It must be driven from one goroutine.
*/
package tick

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Resolution is the smallest period a timer can be armed with
const Resolution = time.Microsecond

// Func is a timer callback
type Func func(t *Timer, ctx any)

// Timer is a single software timer. The zero value is inactive.
type Timer struct {
	Name     string
	Instance int

	periodic bool
	period   time.Duration
	due      time.Duration
	cb       Func
	ctx      any

	// list linkage
	prev, next *Timer
	linked     bool
	// set when Stop is called while the timer callback is running
	delayUnlink bool

	// Invocations counts callbacks
	Invocations uint64
	// Missed counts periods skipped because Tick was called too late
	Missed uint64
}

func (t *Timer) String() string {
	return fmt.Sprintf("%s/%d", t.Name, t.Instance)
}

// Active reports whether the timer is armed
func (t *Timer) Active() bool {
	return t.linked && !t.delayUnlink
}

// Period returns the period the timer was last started with
func (t *Timer) Period() time.Duration {
	return t.period
}

// Due returns the absolute time the timer fires next
func (t *Timer) Due() time.Duration {
	return t.due
}

// List is an ordered list of armed timers
type List struct {
	head *Timer
	tail *Timer
	size int

	// now as seen by the last Tick, Start arms timers relative to it
	now time.Duration
	// timer whose callback is running
	firing *Timer
	lost   uint64
}

// NewList returns an empty timer list
func NewList() *List {
	return &List{}
}

// Init sets up timer identity and callback. Must be called before Start.
func (l *List) Init(t *Timer, name string, instance int, cb Func, ctx any) {
	if t.linked {
		l.unlink(t)
	}
	t.Name = name
	t.Instance = instance
	t.cb = cb
	t.ctx = ctx
	t.delayUnlink = false
}

// Now returns the time of the last Tick
func (l *List) Now() time.Duration {
	return l.now
}

// Len returns number of armed timers
func (l *List) Len() int {
	return l.size
}

// Lost returns number of missed periods across all timers
func (l *List) Lost() uint64 {
	return l.lost
}

// Start arms the timer to fire after period. If the timer is already armed it is moved.
func (l *List) Start(t *Timer, period time.Duration, periodic bool) {
	if period < Resolution {
		period = Resolution
	}
	if t.linked {
		l.unlink(t)
	}
	t.delayUnlink = false
	t.period = period
	t.periodic = periodic
	t.due = l.now + period
	l.insert(t)
}

// Stop disarms the timer. Calling Stop from the timer's own callback is allowed.
func (l *List) Stop(t *Timer) {
	if !t.linked {
		return
	}
	if t == l.firing {
		t.delayUnlink = true
		return
	}
	l.unlink(t)
}

// Tick fires every timer due at or before now and returns the due time of the next armed timer.
// ok is false when no timer is armed.
func (l *List) Tick(now time.Duration) (next time.Duration, ok bool) {
	if now > l.now {
		l.now = now
	}
	for l.head != nil && l.head.due <= now {
		t := l.head
		l.unlink(t)
		if t.periodic {
			t.due += t.period
			if t.due <= now {
				skipped := uint64((now-t.due)/t.period) + 1
				t.Missed += skipped
				l.lost += skipped
				t.due += time.Duration(skipped) * t.period
				log.Debugf("timer %s missed %d periods", t, skipped)
			}
			l.insert(t)
		}
		l.fire(t)
	}
	if l.head == nil {
		return 0, false
	}
	return l.head.due, true
}

func (l *List) fire(t *Timer) {
	t.Invocations++
	l.firing = t
	t.cb(t, t.ctx)
	l.firing = nil
	if t.delayUnlink {
		t.delayUnlink = false
		if t.linked {
			l.unlink(t)
		}
	}
}

// insert links t after every timer due at or before it, keeping FIFO order for equal due times
func (l *List) insert(t *Timer) {
	var prev *Timer
	for cur := l.tail; cur != nil; cur = cur.prev {
		if cur.due <= t.due {
			prev = cur
			break
		}
	}
	if prev == nil {
		t.prev = nil
		t.next = l.head
		if l.head != nil {
			l.head.prev = t
		}
		l.head = t
		if l.tail == nil {
			l.tail = t
		}
	} else {
		t.prev = prev
		t.next = prev.next
		if prev.next != nil {
			prev.next.prev = t
		} else {
			l.tail = t
		}
		prev.next = t
	}
	t.linked = true
	l.size++
}

func (l *List) unlink(t *Timer) {
	if t.prev != nil {
		t.prev.next = t.next
	} else {
		l.head = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	} else {
		l.tail = t.prev
	}
	t.prev, t.next = nil, nil
	t.linked = false
	l.size--
}
