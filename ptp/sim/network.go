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
Package sim runs clock instances against each other over an in-memory network
in virtual time. Links have a configurable one-way delay, jitter and loss, and
every node has a simulated clock with its own frequency error.

Traffic can be captured into a pcap file readable by wireshark.
*/
package sim

import (
	"container/heap"
	"fmt"
	"math/rand"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/l2switch/ptpd/ptp/packet"
	ptp "github.com/l2switch/ptpd/ptp/protocol"
)

// Node is a clock instance driven by the network
type Node interface {
	Start()
	Tick(now time.Duration) (next time.Duration, ok bool)
	HandlePacket(in packet.Inbound)
}

// Config of the network links
type Config struct {
	// Delay is the one-way delay of every link
	Delay time.Duration
	// Asymmetry is added to the delay of frames sent by the first node joined
	Asymmetry time.Duration
	// Jitter is the maximum random delay added to every frame
	Jitter time.Duration
	// DropRate is the probability of a frame being lost
	DropRate float64
	Seed     int64
}

// Stats are frame counters of the network
type Stats struct {
	Sent      uint64 `json:"sent_cnt"`
	Delivered uint64 `json:"delivered_cnt"`
	Dropped   uint64 `json:"dropped_cnt"`
	Injected  uint64 `json:"injected_cnt"`
}

type event struct {
	at  time.Duration
	seq uint64
	fn  func()
}

type eventHeap []*event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)   { *h = append(*h, x.(*event)) }
func (h *eventHeap) Pop() any {
	old := *h
	e := old[len(old)-1]
	*h = old[:len(old)-1]
	return e
}

// Network connects Transports in virtual time
type Network struct {
	cfg    Config
	now    time.Duration
	epoch  time.Time
	rnd    *rand.Rand
	seq    uint64
	events eventHeap
	nodes  []*Transport
	pcap   *Capture

	Stats Stats
}

// NewNetwork returns an empty network. Virtual time starts at epoch.
func NewNetwork(cfg Config, epoch time.Time) *Network {
	return &Network{
		cfg:   cfg,
		epoch: epoch,
		rnd:   rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Now returns virtual time since epoch
func (n *Network) Now() time.Duration {
	return n.now
}

// SetCapture records every frame sent from now on
func (n *Network) SetCapture(c *Capture) {
	n.pcap = c
}

// NewClock returns a clock off by offset and running driftPPB fast
func (n *Network) NewClock(driftPPB float64, offset time.Duration) *Clock {
	return &Clock{net: n, phase: float64(offset), drift: driftPPB, lastUpdate: n.now}
}

// Join adds a node at addr. Port i of the node is connected to segments[i].
// The returned Transport is given to the node, then the node to Attach.
func (n *Network) Join(addr netip.Addr, clock *Clock, segments ...string) *Transport {
	t := &Transport{
		net:       n,
		addr:      addr,
		clock:     clock,
		segments:  segments,
		down:      map[int]bool{},
		injection: map[*packet.Buffer]*injection{},
		first:     len(n.nodes) == 0,
	}
	n.nodes = append(n.nodes, t)
	return t
}

func (n *Network) schedule(at time.Duration, fn func()) {
	n.seq++
	heap.Push(&n.events, &event{at: at, seq: n.seq, fn: fn})
}

// tick runs everything due for node t and remembers when it wants to run next
func (n *Network) tick(t *Transport) {
	if t.node == nil {
		return
	}
	t.next, t.hasNext = t.node.Tick(n.now)
}

// RunFor advances virtual time by d, running every node and delivering every frame on the way
func (n *Network) RunFor(d time.Duration) {
	until := n.now + d
	for _, t := range n.nodes {
		if t.node != nil && !t.started {
			t.started = true
			t.node.Start()
			n.tick(t)
		}
	}
	for {
		at := until + 1
		var due *Transport
		for _, t := range n.nodes {
			if t.hasNext && t.next < at {
				at = t.next
				due = t
			}
		}
		if len(n.events) > 0 && n.events[0].at <= at {
			at = n.events[0].at
			due = nil
		}
		if at > until {
			break
		}
		if at > n.now {
			n.now = at
		}
		if due != nil {
			n.tick(due)
			continue
		}
		e := heap.Pop(&n.events).(*event)
		e.fn()
	}
	n.now = until
}

// deliver sends payload from src to every node on the segment of port, or only to the node at to
func (n *Network) deliver(src *Transport, port int, to netip.Addr, payload []byte) {
	seg := src.segments[port]
	for _, dst := range n.nodes {
		if dst == src {
			continue
		}
		if to.IsValid() && dst.addr != to {
			continue
		}
		dport := dst.portOn(seg)
		if dport < 0 || dst.down[dport] {
			continue
		}
		if n.cfg.DropRate > 0 && n.rnd.Float64() < n.cfg.DropRate {
			n.Stats.Dropped++
			continue
		}
		delay := n.cfg.Delay
		if src.first {
			delay += n.cfg.Asymmetry
		}
		if n.cfg.Jitter > 0 {
			delay += time.Duration(n.rnd.Int63n(int64(n.cfg.Jitter)))
		}
		b := append([]byte(nil), payload...)
		dst, from := dst, src.addr
		n.schedule(n.now+delay, func() {
			p, err := ptp.DecodePacket(b)
			if err != nil {
				log.Errorf("sim: %s sent undecodable frame: %v", from, err)
				return
			}
			n.Stats.Delivered++
			if dst.node == nil {
				return
			}
			// timers started while handling the packet count from now
			n.tick(dst)
			dst.node.HandlePacket(packet.Inbound{Port: dport, From: from, RxTime: dst.clock.Now(), Packet: p})
			n.tick(dst)
		})
	}
}

type injection struct {
	port   int
	to     netip.Addr
	period time.Duration
	gen    int
	frames uint64
}

// Transport is the packet service of one node
type Transport struct {
	net      *Network
	addr     netip.Addr
	clock    *Clock
	segments []string
	node     Node
	first    bool

	next    time.Duration
	hasNext bool
	started bool

	slot        uint32
	down        map[int]bool
	injectionOK bool
	injection   map[*packet.Buffer]*injection
}

// Attach connects the node using this transport
func (t *Transport) Attach(node Node) {
	t.node = node
}

// Addr returns the node address
func (t *Transport) Addr() netip.Addr {
	return t.addr
}

// SetLinkDown takes the link of port down or brings it back up
func (t *Transport) SetLinkDown(port int, down bool) {
	t.down[port] = down
}

// EnableInjection makes the transport support periodic frame injection
func (t *Transport) EnableInjection() {
	t.injectionOK = true
}

func (t *Transport) portOn(segment string) int {
	for i, s := range t.segments {
		if s == segment {
			return i
		}
	}
	return -1
}

// Send transmits b. The transmit timestamp is taken at once and delivered right after Send returns.
func (t *Transport) Send(b *packet.Buffer, port int, to netip.Addr, txDone packet.TxTimestampFunc) (uint32, error) {
	if port < 0 || port >= len(t.segments) {
		return 0, fmt.Errorf("no port %d", port)
	}
	if t.down[port] {
		return 0, fmt.Errorf("link of port %d is down", port)
	}
	payload, err := b.Pack()
	if err != nil {
		return 0, err
	}
	t.slot++
	slot := t.slot
	ts := t.clock.Now()
	t.net.Stats.Sent++
	if t.net.pcap != nil {
		t.net.pcap.write(t.net.epoch.Add(t.net.now), t.addr, to, b.Packet.MessageType().Event(), payload)
	}
	if txDone != nil {
		t.net.schedule(t.net.now, func() {
			txDone(slot, ts)
			t.net.tick(t)
		})
	}
	t.net.deliver(t, port, to, payload)
	return slot, nil
}

// LinkUp reports whether the port carrier is up
func (t *Transport) LinkUp(port int) bool {
	return port >= 0 && port < len(t.segments) && !t.down[port]
}

// InjectionSupported reports whether EnableInjection was called
func (t *Transport) InjectionSupported(_ int) bool {
	return t.injectionOK
}

// SetInjection sends b every period, stamping and numbering frames the way hardware does
func (t *Transport) SetInjection(b *packet.Buffer, port int, to netip.Addr, period time.Duration) error {
	if !t.injectionOK {
		return fmt.Errorf("injection not supported")
	}
	inj, ok := t.injection[b]
	if !ok {
		inj = &injection{}
		t.injection[b] = inj
	}
	inj.gen++
	inj.port = port
	inj.to = to
	inj.period = period
	if period <= 0 {
		return nil
	}
	gen := inj.gen
	var fire func()
	fire = func() {
		if inj.gen != gen || b.Released() {
			return
		}
		p := b.Packet
		if s, ok := p.(*ptp.SyncDelayReq); ok {
			s.OriginTimestamp = ptp.NewTimestamp(t.clock.Now())
		}
		if _, err := t.Send(b, inj.port, inj.to, nil); err == nil {
			inj.frames++
			t.net.Stats.Injected++
		}
		p.SetSequence(p.Hdr().SequenceID + 1)
		t.net.schedule(t.net.now+inj.period, fire)
	}
	t.net.schedule(t.net.now+period, fire)
	return nil
}

// InjectedFrames returns the number of frames injected for b so far
func (t *Transport) InjectedFrames(b *packet.Buffer) uint64 {
	if inj, ok := t.injection[b]; ok {
		return inj.frames
	}
	return 0
}
