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

package delayq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l2switch/ptpd/ptp/protocol"
)

var base = time.Unix(1700000000, 0)

func TestTxThenResp(t *testing.T) {
	q := New(4)
	q.Push(1, 7, time.Time{})
	_, ok := q.TxTimestamp(7, base)
	require.False(t, ok, "response not yet received")

	e, complete, matched := q.DelayResp(1, base.Add(time.Microsecond), protocol.NewCorrection(10))
	require.True(t, matched)
	require.True(t, complete)
	require.Equal(t, uint16(1), e.SequenceID)
	require.Equal(t, base, e.TxTime)
	require.Equal(t, base.Add(time.Microsecond), e.RxTime)
	require.Equal(t, 0, q.Len())
	require.Equal(t, uint64(1), q.Completed)
}

func TestRespBeforeTx(t *testing.T) {
	q := New(4)
	q.Push(5, 1, time.Time{})
	_, complete, matched := q.DelayResp(5, base, 0)
	require.True(t, matched)
	require.False(t, complete, "tx timestamp still pending")
	require.Equal(t, 1, q.Len())

	e, ok := q.TxTimestamp(1, base.Add(-time.Microsecond))
	require.True(t, ok)
	require.Equal(t, uint16(5), e.SequenceID)
	require.Equal(t, 0, q.Len())

	// entry is removed exactly once
	_, ok = q.TxTimestamp(1, base)
	require.False(t, ok)
	_, _, matched = q.DelayResp(5, base, 0)
	require.False(t, matched)
	require.Equal(t, uint64(1), q.Completed)
}

func TestOneStepPush(t *testing.T) {
	q := New(2)
	q.Push(3, 0, base)
	e, complete, matched := q.DelayResp(3, base.Add(time.Millisecond), 0)
	require.True(t, matched)
	require.True(t, complete)
	require.True(t, e.TxValid)
}

func TestOverflowDropsOldest(t *testing.T) {
	q := New(3)
	for i := uint16(0); i < 4; i++ {
		q.Push(i, uint32(i), time.Time{})
	}
	require.Equal(t, 3, q.Len())
	require.Equal(t, uint64(1), q.Lost)
	_, _, matched := q.DelayResp(0, base, 0)
	require.False(t, matched, "oldest entry must be gone")
	_, _, matched = q.DelayResp(1, base, 0)
	require.True(t, matched)
}

func TestSlotReuseNewestFirst(t *testing.T) {
	q := New(4)
	// transmit path reuses slot 2 for consecutive requests
	q.Push(10, 2, time.Time{})
	q.Push(11, 2, time.Time{})
	_, ok := q.TxTimestamp(2, base)
	require.False(t, ok)
	_, complete, _ := q.DelayResp(11, base.Add(time.Millisecond), 0)
	require.True(t, complete, "newest entry with slot 2 must get the timestamp")
	// older incomplete entry popped as lost
	require.Equal(t, uint64(1), q.Lost)
	require.Equal(t, 0, q.Len())
}

func TestCompletionPopsSkipped(t *testing.T) {
	q := New(8)
	q.Push(1, 1, base)
	q.Push(2, 2, base)
	q.Push(3, 3, base)
	e, complete, _ := q.DelayResp(3, base, 0)
	require.True(t, complete)
	require.Equal(t, uint16(3), e.SequenceID)
	require.Equal(t, uint64(2), q.Lost)
	require.Equal(t, 0, q.Len())
}

func TestWrapAround(t *testing.T) {
	q := New(2)
	for i := uint16(0); i < 10; i++ {
		q.Push(i, uint32(i%2), base)
		_, complete, matched := q.DelayResp(i, base, 0)
		require.True(t, matched)
		require.True(t, complete)
	}
	require.Equal(t, uint64(10), q.Completed)
	require.Equal(t, uint64(0), q.Lost)
	q.Push(1, 1, base)
	q.Reset()
	require.Equal(t, 0, q.Len())
}
