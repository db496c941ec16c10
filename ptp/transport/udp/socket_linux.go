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

package udp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"
	"unsafe"

	"github.com/jsimonetti/rtnetlink"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// unix.Cmsghdr size differs depending on platform
var cmsgHeaderSize = binary.Size(unix.Cmsghdr{})

var timestamping = unix.SO_TIMESTAMPING_NEW

func init() {
	// kernels older than 5 don't know SO_TIMESTAMPING_NEW
	var uname unix.Utsname
	if err := unix.Uname(&uname); err == nil && uname.Release[0] < '5' {
		timestamping = unix.SO_TIMESTAMPING
	}
}

func connFd(conn *net.UDPConn) (int, error) {
	sc, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var intfd int
	if err := sc.Control(func(fd uintptr) { intfd = int(fd) }); err != nil {
		return -1, err
	}
	return intfd, nil
}

// enableSWTimestamps asks for software rx and tx timestamps.
// TSONLY makes the error queue carry only the timestamp, not a copy of the frame.
func enableSWTimestamps(fd int) error {
	flags := unix.SOF_TIMESTAMPING_TX_SOFTWARE |
		unix.SOF_TIMESTAMPING_RX_SOFTWARE |
		unix.SOF_TIMESTAMPING_SOFTWARE |
		unix.SOF_TIMESTAMPING_OPT_TSONLY
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, timestamping, flags); err != nil {
		return fmt.Errorf("enabling timestamps: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SELECT_ERR_QUEUE, 1); err != nil {
		return fmt.Errorf("enabling error queue select: %w", err)
	}
	return nil
}

func listen(iface string, port int) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: func(_, _ string, c syscall.RawConn) error {
		var serr error
		err := c.Control(func(fd uintptr) {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			if serr == nil && iface != "" {
				serr = unix.BindToDevice(int(fd), iface)
			}
		})
		if err != nil {
			return err
		}
		return serr
	}}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listening on %d: %w", port, err)
	}
	return pc.(*net.UDPConn), nil
}

// setupConn joins the PTP group and prepares conn for blocking reads with timestamps
func (t *Transport) setupConn(p *udpPort, conn *net.UDPConn) (int, error) {
	pc := ipv4.NewPacketConn(conn)
	group := &net.UDPAddr{IP: MulticastGroup.AsSlice()}
	if err := pc.JoinGroup(p.iface, group); err != nil {
		return -1, fmt.Errorf("joining %s: %w", MulticastGroup, err)
	}
	if p.iface != nil {
		if err := pc.SetMulticastInterface(p.iface); err != nil {
			return -1, fmt.Errorf("setting multicast interface: %w", err)
		}
	}
	if err := pc.SetMulticastTTL(1); err != nil {
		return -1, fmt.Errorf("setting multicast ttl: %w", err)
	}
	if err := pc.SetMulticastLoopback(false); err != nil {
		return -1, fmt.Errorf("disabling multicast loopback: %w", err)
	}
	if t.cfg.DSCP != 0 {
		if err := ipv4.NewConn(conn).SetTOS(t.cfg.DSCP << 2); err != nil {
			return -1, fmt.Errorf("setting dscp %d: %w", t.cfg.DSCP, err)
		}
	}
	fd, err := connFd(conn)
	if err != nil {
		return -1, err
	}
	if err := enableSWTimestamps(fd); err != nil {
		return -1, err
	}
	// readers use recvmsg directly, waking up on the receive timeout
	if err := unix.SetNonblock(fd, false); err != nil {
		return -1, err
	}
	tv := unix.NsecToTimeval(readTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return -1, fmt.Errorf("setting receive timeout: %w", err)
	}
	return fd, nil
}

func (t *Transport) open(p *udpPort) error {
	name := ""
	if p.iface != nil {
		name = p.iface.Name
	}
	var err error
	if p.event, err = listen(name, EventPort); err != nil {
		return err
	}
	if p.eventFd, err = t.setupConn(p, p.event); err != nil {
		return err
	}
	if p.general, err = listen(name, GeneralPort); err != nil {
		return err
	}
	if p.genFd, err = t.setupConn(p, p.general); err != nil {
		return err
	}
	log.Infof("port %d: listening on %q ports %d/%d, dscp %d", p.index, name, EventPort, GeneralPort, t.cfg.DSCP)
	return nil
}

// Run reads packets and transmit timestamps until ctx is done. Inbound is closed on return.
func (t *Transport) Run(ctx context.Context) error {
	defer close(t.inbound)
	eg, ictx := errgroup.WithContext(ctx)
	for _, p := range t.ports {
		p := p
		eg.Go(func() error { return t.receive(ictx, p, p.eventFd) })
		eg.Go(func() error { return t.receive(ictx, p, p.genFd) })
		eg.Go(func() error { return t.txTimestamps(ictx, p) })
	}
	eg.Go(func() error { return t.monitorLinks(ictx) })
	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func temporary(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}

func (t *Transport) receive(ctx context.Context, p *udpPort, fd int) error {
	buf := make([]byte, payloadSize)
	oob := make([]byte, controlSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, from, rx, err := readPacket(fd, buf, oob)
		if err != nil {
			if temporary(err) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, unix.EBADF) {
				return fmt.Errorf("port %d: socket closed", p.index)
			}
			t.stats.rxErrors.Add(1)
			log.Warningf("port %d: %v", p.index, err)
			continue
		}
		in, ok := t.decode(p, buf[:n], from, rx)
		if !ok {
			continue
		}
		select {
		case t.inbound <- in:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// readPacket returns a datagram, its source and its receive timestamp.
// Frames without a timestamp, as on general sockets of older kernels, are stamped with the current time.
func readPacket(fd int, buf, oob []byte) (int, netip.Addr, time.Time, error) {
	n, oobn, _, sa, err := unix.Recvmsg(fd, buf, oob, 0)
	if err != nil {
		return 0, netip.Addr{}, time.Time{}, err
	}
	from := sockaddrToAddr(sa)
	ts, err := cmsgTimestamp(oob[:oobn])
	if err != nil {
		ts = time.Now()
	}
	return n, from, ts, nil
}

func sockaddrToAddr(sa unix.Sockaddr) netip.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrFrom4(sa.Addr)
	case *unix.SockaddrInet6:
		return netip.AddrFrom16(sa.Addr).Unmap()
	}
	return netip.Addr{}
}

func (t *Transport) txTimestamps(ctx context.Context, p *udpPort) error {
	oob := make([]byte, controlSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tx := <-p.pending:
			ts, err := readTxTimestamp(p.eventFd, oob)
			if err != nil {
				t.stats.txTimestampErrors.Add(1)
				log.Warningf("port %d: slot %d: %v", p.index, tx.slot, err)
				continue
			}
			t.stats.txTimestamps.Add(1)
			if tx.txDone != nil {
				tx.txDone(tx.slot, ts)
			}
		}
	}
}

func waitForTS(fd int) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLPRI}}
	// 1ms
	_, _ = unix.Poll(fds, 1)
}

// recvoob reads a single control message from the error queue
func recvoob(fd int, oob []byte) (int, error) {
	var msg unix.Msghdr
	msg.Control = &oob[0]
	msg.SetControllen(len(oob))
	_, _, e1 := unix.Syscall(unix.SYS_RECVMSG, uintptr(fd), uintptr(unsafe.Pointer(&msg)), uintptr(unix.MSG_ERRQUEUE|unix.MSG_DONTWAIT))
	if e1 != 0 {
		return 0, e1
	}
	return int(msg.Controllen), nil
}

// readTxTimestamp takes the oldest transmit timestamp off the error queue
func readTxTimestamp(fd int, oob []byte) (time.Time, error) {
	for attempt := 0; attempt < maxTXTS; attempt++ {
		waitForTS(fd)
		n, err := recvoob(fd, oob)
		if err != nil {
			continue
		}
		return cmsgTimestamp(oob[:n])
	}
	return time.Time{}, fmt.Errorf("no TX timestamp found after %d tries", maxTXTS)
}

// cmsgTimestamp finds the timestamping message among control messages
func cmsgTimestamp(b []byte) (time.Time, error) {
	mlen := 0
	for i := 0; i+cmsgHeaderSize <= len(b); i += mlen {
		h := (*unix.Cmsghdr)(unsafe.Pointer(&b[i]))
		mlen = int(h.Len)
		if mlen < cmsgHeaderSize || i+mlen > len(b) {
			break
		}
		// older kernels answer SO_TIMESTAMPING even when asked for the new one
		if h.Level == unix.SOL_SOCKET && (int(h.Type) == unix.SO_TIMESTAMPING_NEW || int(h.Type) == unix.SO_TIMESTAMPING) {
			return scmDataToTime(b[i+cmsgHeaderSize : i+mlen])
		}
	}
	return time.Time{}, fmt.Errorf("no timestamp in socket control message")
}

// scmDataToTime parses scm_timestamping. Software stamps are in ts[0], hardware ones in ts[2].
func scmDataToTime(data []byte) (time.Time, error) {
	const size = 16
	if len(data) < 3*size {
		return time.Time{}, fmt.Errorf("short timestamp of %d bytes", len(data))
	}
	ts := byteToTime(data[2*size : 3*size])
	if ts.UnixNano() == 0 {
		ts = byteToTime(data[:size])
	}
	if ts.UnixNano() == 0 {
		return time.Time{}, fmt.Errorf("got zero timestamp")
	}
	return ts, nil
}

// byteToTime reads a little endian __kernel_timespec
func byteToTime(data []byte) time.Time {
	sec := int64(binary.LittleEndian.Uint64(data[0:8]))
	nsec := int64(binary.LittleEndian.Uint64(data[8:16]))
	return time.Unix(sec, nsec)
}

func (t *Transport) monitorLinks(ctx context.Context) error {
	watched := []*udpPort{}
	for _, p := range t.ports {
		if p.iface != nil {
			watched = append(watched, p)
		}
	}
	if len(watched) == 0 {
		return nil
	}
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		// links are then assumed to stay up
		log.Errorf("can't establish netlink connection: %v", err)
		return nil
	}
	defer conn.Close()
	ticker := time.NewTicker(t.cfg.LinkPoll)
	defer ticker.Stop()
	for {
		for _, p := range watched {
			msg, err := conn.Link.Get(uint32(p.iface.Index))
			if err != nil {
				log.Warningf("port %d: reading link state of %s: %v", p.index, p.iface.Name, err)
				continue
			}
			t.setLink(p, linkRunning(msg))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func linkRunning(msg rtnetlink.LinkMessage) bool {
	return msg.Flags&unix.IFF_UP != 0 && msg.Flags&unix.IFF_RUNNING != 0
}
