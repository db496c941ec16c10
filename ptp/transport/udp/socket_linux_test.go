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
	"net"
	"net/netip"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestByteToTime(t *testing.T) {
	ts := byteToTime([]byte{63, 155, 21, 96, 0, 0, 0, 0, 52, 156, 191, 42, 0, 0, 0, 0})
	require.Equal(t, int64(1612028735717200436), ts.UnixNano())
}

func TestScmDataToTime(t *testing.T) {
	stamp := []byte{63, 155, 21, 96, 0, 0, 0, 0, 52, 156, 191, 42, 0, 0, 0, 0}
	zero := make([]byte, 16)
	join := func(parts ...[]byte) []byte {
		res := []byte{}
		for _, p := range parts {
			res = append(res, p...)
		}
		return res
	}
	tests := []struct {
		name    string
		data    []byte
		want    int64
		wantErr bool
	}{
		{name: "hardware", data: join(zero, zero, stamp), want: 1612028735717200436},
		{name: "software", data: join(stamp, zero, zero), want: 1612028735717200436},
		{name: "zero", data: join(zero, zero, zero), wantErr: true},
		{name: "short", data: stamp, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, err := scmDataToTime(tt.data)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, ts.UnixNano())
		})
	}
}

func TestCmsgTimestamp(t *testing.T) {
	var b []byte
	// recorded IP_RECVERR followed by SO_TIMESTAMPING_NEW
	switch runtime.GOARCH {
	case "amd64":
		b = []byte{60, 0, 0, 0, 0, 0, 0, 0, 41, 0, 0, 0, 25, 0, 0, 0, 42, 0, 0, 0, 4, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 64, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 65, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 230, 180, 10, 97, 0, 0, 0, 0, 239, 83, 199, 39, 0, 0, 0, 0}
	case "386":
		b = []byte{56, 0, 0, 0, 41, 0, 0, 0, 25, 0, 0, 0, 42, 0, 0, 0, 4, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 60, 0, 0, 0, 1, 0, 0, 0, 65, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 230, 180, 10, 97, 0, 0, 0, 0, 239, 83, 199, 39, 0, 0, 0, 0}
	default:
		t.Skip("recorded only for amd64 and 386")
	}
	ts, err := cmsgTimestamp(b)
	require.NoError(t, err)
	require.Equal(t, int64(1628091622667374575), ts.UnixNano())

	_, err = cmsgTimestamp(b[:60])
	require.Error(t, err)
	_, err = cmsgTimestamp(nil)
	require.Error(t, err)
}

func TestSockaddrToAddr(t *testing.T) {
	require.Equal(t, netip.MustParseAddr("10.0.0.1"), sockaddrToAddr(&unix.SockaddrInet4{Addr: [4]byte{10, 0, 0, 1}}))
	v6 := netip.MustParseAddr("::ffff:10.0.0.2").As16()
	require.Equal(t, netip.MustParseAddr("10.0.0.2"), sockaddrToAddr(&unix.SockaddrInet6{Addr: v6}))
	require.False(t, sockaddrToAddr(nil).IsValid())
}

func TestTimestampedLoopback(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()
	fd, err := connFd(conn)
	require.NoError(t, err)
	require.NoError(t, enableSWTimestamps(fd))
	require.NoError(t, unix.SetNonblock(fd, false))
	tv := unix.NsecToTimeval(readTimeout.Nanoseconds())
	require.NoError(t, unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv))

	oob := make([]byte, controlSize)
	_, err = readTxTimestamp(fd, oob)
	require.ErrorContains(t, err, "no TX timestamp")

	client, err := net.DialUDP("udp4", nil, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()
	request := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 42}
	_, err = client.Write(request)
	require.NoError(t, err)

	buf := make([]byte, payloadSize)
	n, from, rx, err := readPacket(fd, buf, oob)
	require.NoError(t, err)
	require.Equal(t, request, buf[:n])
	require.Equal(t, netip.MustParseAddr("127.0.0.1"), from)
	require.WithinDuration(t, time.Now(), rx, 10*time.Second)

	_, err = conn.WriteToUDP(request, client.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	tx, err := readTxTimestamp(fd, oob)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now(), tx, 10*time.Second)

	// nothing else arrives
	_, _, _, err = readPacket(fd, buf, oob)
	require.True(t, temporary(err), "got %v", err)
}
