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

// Package packet defines the contract between the PTP engine and the packet I/O layer
package packet

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/l2switch/ptpd/ptp/protocol"
)

// ErrReleased is returned when a released buffer is used
var ErrReleased = errors.New("buffer already released")

// Encapsulation of PTP payload on the wire
type Encapsulation uint8

// Supported encapsulations
const (
	EncapUDPv4 Encapsulation = iota
	EncapEthernet
)

// HeaderLen returns number of bytes prepended to PTP payload
func (e Encapsulation) HeaderLen() int {
	switch e {
	case EncapUDPv4:
		// ethernet + ipv4 + udp
		return 14 + 20 + 8
	case EncapEthernet:
		return 14
	}
	return 0
}

func (e Encapsulation) String() string {
	switch e {
	case EncapUDPv4:
		return "udp4"
	case EncapEthernet:
		return "ethernet"
	}
	return fmt.Sprintf("encap(%d)", uint8(e))
}

const maxPayload = 512

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, maxPayload)
		return &b
	},
}

// Buffer is a transmit buffer exclusively owned by one transmitter.
// Release returns its memory and must be called exactly once by the owner; extra calls are no-ops.
type Buffer struct {
	Packet protocol.Packet
	Encap  Encapsulation

	data     *[]byte
	n        int
	released bool
}

// NewBuffer allocates a transmit buffer for p
func NewBuffer(p protocol.Packet, encap Encapsulation) *Buffer {
	return &Buffer{
		Packet: p,
		Encap:  encap,
		data:   bufPool.Get().(*[]byte),
	}
}

// HeaderLen is the length of the encapsulation header
func (b *Buffer) HeaderLen() int {
	return b.Encap.HeaderLen()
}

// PayloadLen is the length of the PTP payload after the last Pack
func (b *Buffer) PayloadLen() int {
	return b.n
}

// Pack encodes the packet into the buffer and returns the payload
func (b *Buffer) Pack() ([]byte, error) {
	if b.released {
		return nil, ErrReleased
	}
	n, err := b.Packet.MarshalBinaryTo(*b.data)
	if err != nil {
		return nil, err
	}
	b.n = n
	return (*b.data)[:n], nil
}

// Bytes returns the payload packed by the last Pack
func (b *Buffer) Bytes() []byte {
	if b.released {
		return nil
	}
	return (*b.data)[:b.n]
}

// Released reports whether the buffer was released
func (b *Buffer) Released() bool {
	return b.released
}

// Release returns the buffer memory
func (b *Buffer) Release() {
	if b.released {
		return
	}
	b.released = true
	bufPool.Put(b.data)
	b.data = nil
}

// TxTimestampFunc is called once the transmit timestamp of a frame sent with a given slot is known
type TxTimestampFunc func(slot uint32, ts time.Time)

// Transport is the outbound packet service
type Transport interface {
	// Send packs and transmits the buffer on port. An invalid to address means the PTP multicast group.
	// If txDone is not nil it is called once with the transmit timestamp, possibly from another goroutine.
	Send(b *Buffer, port int, to netip.Addr, txDone TxTimestampFunc) (slot uint32, err error)
	// LinkUp reports whether the port carrier is up
	LinkUp(port int) bool
	// InjectionSupported reports whether periodic frame injection is available on port
	InjectionSupported(port int) bool
	// SetInjection makes the transport transmit b every period. Zero period disables injection.
	SetInjection(b *Buffer, port int, to netip.Addr, period time.Duration) error
	// InjectedFrames returns the number of frames injected for b so far
	InjectedFrames(b *Buffer) uint64
}

// Inbound is a received and decoded PTP packet
type Inbound struct {
	Port   int
	From   netip.Addr
	RxTime time.Time
	Packet protocol.Packet
}

// Loop runs functions on the goroutine owning the engine state
type Loop interface {
	Post(fn func())
}

// OnLoop wraps txDone so it runs on the loop instead of the caller's goroutine
func OnLoop(l Loop, txDone TxTimestampFunc) TxTimestampFunc {
	if txDone == nil {
		return nil
	}
	return func(slot uint32, ts time.Time) {
		l.Post(func() { txDone(slot, ts) })
	}
}

// EventQueue is a Loop backed by an unbounded queue. Post never blocks.
type EventQueue struct {
	mu     sync.Mutex
	fns    []func()
	notify chan struct{}
}

// NewEventQueue returns an empty EventQueue
func NewEventQueue() *EventQueue {
	return &EventQueue{notify: make(chan struct{}, 1)}
}

// Post queues fn and wakes up the consumer
func (q *EventQueue) Post(fn func()) {
	q.mu.Lock()
	q.fns = append(q.fns, fn)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Notify is signalled after Post
func (q *EventQueue) Notify() <-chan struct{} {
	return q.notify
}

// Drain runs queued functions, including ones posted while draining, and returns how many ran
func (q *EventQueue) Drain() int {
	ran := 0
	for {
		q.mu.Lock()
		fns := q.fns
		q.fns = nil
		q.mu.Unlock()
		if len(fns) == 0 {
			return ran
		}
		for _, fn := range fns {
			fn()
		}
		ran += len(fns)
	}
}
