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

package packet

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l2switch/ptpd/ptp/protocol"
)

func TestBufferRelease(t *testing.T) {
	b := NewBuffer(&protocol.SyncDelayReq{
		Header: protocol.Header{SdoIDAndMsgType: protocol.NewSdoIDAndMsgType(protocol.MessageSync, 0)},
	}, EncapUDPv4)
	data, err := b.Pack()
	require.NoError(t, err)
	require.Equal(t, protocol.SyncSize, len(data))
	require.Equal(t, protocol.SyncSize, b.PayloadLen())
	require.Equal(t, 42, b.HeaderLen())

	b.Release()
	b.Release()
	require.True(t, b.Released())
	_, err = b.Pack()
	require.ErrorIs(t, err, ErrReleased)
	require.Nil(t, b.Bytes())
}

func TestEventQueue(t *testing.T) {
	q := NewEventQueue()
	var order []int
	q.Post(func() {
		order = append(order, 1)
		q.Post(func() { order = append(order, 3) })
	})
	q.Post(func() { order = append(order, 2) })
	select {
	case <-q.Notify():
	default:
		t.Fatal("expected notification")
	}
	require.Equal(t, 3, q.Drain())
	require.Equal(t, []int{1, 2, 3}, order)
	require.Equal(t, 0, q.Drain())
}

func TestOnLoop(t *testing.T) {
	q := NewEventQueue()
	var got uint32
	fn := OnLoop(q, func(slot uint32, _ time.Time) { got = slot })

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(7, time.Now())
	}()
	wg.Wait()
	require.Equal(t, uint32(0), got, "callback must not run on the caller goroutine")
	q.Drain()
	require.Equal(t, uint32(7), got)
	require.Nil(t, OnLoop(q, nil))
}
