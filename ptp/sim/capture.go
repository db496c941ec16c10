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

package sim

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PTP over UDP ports and the default multicast group
const (
	EventPort   = 319
	GeneralPort = 320
)

var multicastGroup = netip.MustParseAddr("224.0.1.129")

// Capture writes simulated frames into a pcap stream, wrapped in Ethernet/IPv4/UDP
type Capture struct {
	w      *pcapgo.Writer
	frames int
	err    error
}

// NewCapture writes the pcap file header to w
func NewCapture(w io.Writer) (*Capture, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("writing pcap header: %w", err)
	}
	return &Capture{w: pw}, nil
}

// Frames returns the number of frames written
func (c *Capture) Frames() int {
	return c.frames
}

// Err returns the first write error
func (c *Capture) Err() error {
	return c.err
}

func macFor(a netip.Addr) net.HardwareAddr {
	if a == multicastGroup {
		return net.HardwareAddr{0x01, 0x00, 0x5e, 0x00, 0x01, 0x81}
	}
	b := a.As4()
	return net.HardwareAddr{0x02, 0x00, b[0], b[1], b[2], b[3]}
}

func (c *Capture) write(ts time.Time, from, to netip.Addr, event bool, payload []byte) {
	if c.err != nil {
		return
	}
	if !to.IsValid() {
		to = multicastGroup
	}
	port := layers.UDPPort(GeneralPort)
	if event {
		port = EventPort
	}
	eth := &layers.Ethernet{
		SrcMAC:       macFor(from),
		DstMAC:       macFor(to),
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      1,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP(from.AsSlice()),
		DstIP:    net.IP(to.AsSlice()),
	}
	udp := &layers.UDP{SrcPort: port, DstPort: port}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		c.err = err
		return
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		c.err = err
		return
	}
	data := buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
	if err := c.w.WritePacket(ci, data); err != nil {
		c.err = err
		return
	}
	c.frames++
}
