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

package tick

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOrderedFiring(t *testing.T) {
	l := NewList()
	var fired []string
	cb := func(tm *Timer, _ any) { fired = append(fired, tm.Name) }
	a, b, c := &Timer{}, &Timer{}, &Timer{}
	l.Init(a, "a", 0, cb, nil)
	l.Init(b, "b", 0, cb, nil)
	l.Init(c, "c", 0, cb, nil)
	l.Start(c, 30*time.Millisecond, false)
	l.Start(a, 10*time.Millisecond, false)
	l.Start(b, 20*time.Millisecond, false)
	require.Equal(t, 3, l.Len())

	next, ok := l.Tick(5 * time.Millisecond)
	require.True(t, ok)
	require.Equal(t, 10*time.Millisecond, next)
	require.Empty(t, fired)

	next, ok = l.Tick(25 * time.Millisecond)
	require.True(t, ok)
	require.Equal(t, 30*time.Millisecond, next)
	require.Equal(t, []string{"a", "b"}, fired)

	_, ok = l.Tick(time.Second)
	require.False(t, ok)
	require.Equal(t, []string{"a", "b", "c"}, fired)
	require.Equal(t, 0, l.Len())
}

func TestRestartMovesTimer(t *testing.T) {
	l := NewList()
	tm := &Timer{}
	l.Init(tm, "t", 1, func(*Timer, any) {}, nil)
	l.Start(tm, time.Second, false)
	l.Start(tm, 2*time.Second, false)
	require.Equal(t, 1, l.Len(), "restart must not link twice")
	require.Equal(t, 2*time.Second, tm.Due())
	l.Stop(tm)
	require.False(t, tm.Active())
	require.Equal(t, 0, l.Len())
	l.Stop(tm)
	require.Equal(t, 0, l.Len())
}

func TestPeriodicNoDrift(t *testing.T) {
	l := NewList()
	var fires []time.Duration
	period := 125 * time.Millisecond
	tm := &Timer{}
	l.Init(tm, "sync", 0, func(tm *Timer, _ any) { fires = append(fires, tm.Due()-tm.Period()) }, nil)
	l.Start(tm, period, true)

	// tick with a jittery late clock, every fire is still on the n*P grid
	now := time.Duration(0)
	for i := 0; i < 100; i++ {
		now += period + time.Duration(i%7)*time.Microsecond
		l.Tick(now)
	}
	require.NotEmpty(t, fires)
	for n, f := range fires {
		require.Equal(t, time.Duration(n+1)*period, f, "fire %d off grid", n)
	}
	require.Equal(t, uint64(len(fires)), tm.Invocations)
}

func TestPeriodicMissed(t *testing.T) {
	l := NewList()
	count := 0
	tm := &Timer{}
	l.Init(tm, "ann", 0, func(*Timer, any) { count++ }, nil)
	l.Start(tm, time.Second, true)
	next, _ := l.Tick(3500 * time.Millisecond)
	require.Equal(t, 1, count, "late tick fires once")
	require.Equal(t, uint64(2), tm.Missed)
	require.Equal(t, uint64(2), l.Lost())
	require.Equal(t, 4*time.Second, next)
}

func TestStopFromCallback(t *testing.T) {
	l := NewList()
	other := &Timer{}
	l.Init(other, "other", 0, func(*Timer, any) {}, nil)
	self := &Timer{}
	l.Init(self, "self", 0, func(tm *Timer, _ any) {
		l.Stop(tm)
		require.False(t, tm.Active())
	}, nil)
	l.Start(self, time.Millisecond, true)
	l.Start(other, 5*time.Millisecond, false)
	l.Tick(time.Millisecond)
	require.False(t, self.Active())
	require.True(t, other.Active())
	require.Equal(t, 1, l.Len())
}

func TestRestartFromCallback(t *testing.T) {
	l := NewList()
	fires := 0
	tm := &Timer{}
	l.Init(tm, "oneshot", 0, func(tm *Timer, _ any) {
		fires++
		if fires < 3 {
			l.Start(tm, 10*time.Millisecond, false)
		}
	}, nil)
	l.Start(tm, 10*time.Millisecond, false)
	for now := time.Duration(0); now <= 100*time.Millisecond; now += time.Millisecond {
		l.Tick(now)
	}
	require.Equal(t, 3, fires)
	require.False(t, tm.Active())
}

func TestZeroPeriodClamped(t *testing.T) {
	l := NewList()
	tm := &Timer{}
	l.Init(tm, "z", 0, func(*Timer, any) {}, nil)
	l.Start(tm, 0, true)
	require.Equal(t, Resolution, tm.Period())
}
