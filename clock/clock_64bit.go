//go:build !386

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
	"time"

	"golang.org/x/sys/unix"
)

// freqTimex turns ppb into the scaled ppm clock_adjtime expects
func freqTimex(freqPPB float64) *unix.Timex {
	return &unix.Timex{
		Modes: AdjFrequency,
		Freq:  int64(freqPPB * PPBToTimexPPM),
	}
}

// stepTimex builds a relative step. tv_usec holds nanoseconds and must never be negative.
func stepTimex(step time.Duration) *unix.Timex {
	tx := &unix.Timex{Modes: AdjSetOffset | AdjNano}
	tx.Time.Sec = int64(step / time.Second)
	tx.Time.Usec = int64(step % time.Second)
	if tx.Time.Usec < 0 {
		tx.Time.Sec--
		tx.Time.Usec += int64(time.Second)
	}
	return tx
}
