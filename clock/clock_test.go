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

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStepTimex(t *testing.T) {
	tx := stepTimex(1500 * time.Millisecond)
	require.Equal(t, AdjSetOffset|AdjNano, tx.Modes)
	require.Equal(t, int64(1), tx.Time.Sec)
	require.Equal(t, int64(500000000), tx.Time.Usec)

	tx = stepTimex(-1500 * time.Millisecond)
	require.Equal(t, int64(-2), tx.Time.Sec)
	require.Equal(t, int64(500000000), tx.Time.Usec)

	tx = stepTimex(-time.Second)
	require.Equal(t, int64(-1), tx.Time.Sec)
	require.Equal(t, int64(0), tx.Time.Usec)
}

func TestFreqTimex(t *testing.T) {
	tx := freqTimex(1000)
	require.Equal(t, AdjFrequency, tx.Modes)
	require.Equal(t, int64(65536), tx.Freq)

	tx = freqTimex(-1000)
	require.Equal(t, int64(-65536), tx.Freq)
}

func TestFreeRunning(t *testing.T) {
	c := &FreeRunning{}
	require.NoError(t, c.AdjFreqPPB(-1234.5))
	freq, err := c.FrequencyPPB()
	require.NoError(t, err)
	require.InDelta(t, -1234.5, freq, 0.001)

	require.NoError(t, c.Step(time.Millisecond))
	require.NoError(t, c.Step(-3*time.Millisecond))
	require.Equal(t, -2*time.Millisecond, c.Stepped())

	maxFreq, err := c.MaxFreqPPB()
	require.NoError(t, err)
	require.InDelta(t, defaultMaxFreq, maxFreq, 0.001)
	require.NoError(t, c.SetSync())
	require.WithinDuration(t, time.Now(), c.Now(), time.Second)
}
