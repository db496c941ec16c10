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

// Package servo implements a PI clock servo and the adapter that lets a PTP slave port steer a local clock with it
package servo

import "fmt"

// State is the result of a servo calculation
type State uint8

// All the states of servo
const (
	StateInit State = iota
	StateJump
	StateLocked
	StateFilter
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateJump:
		return "JUMP"
	case StateLocked:
		return "LOCKED"
	case StateFilter:
		return "FILTER"
	}
	return fmt.Sprintf("STATE(%d)", uint8(s))
}

// Config has limits common for any type of servo. Offsets are in nanoseconds, frequencies in ppb.
type Config struct {
	MaxFreq float64
	// StepThreshold makes the servo jump whenever the offset exceeds it, 0 disables
	StepThreshold int64
	// FirstStepThreshold is the jump threshold applied until the first lock
	FirstStepThreshold int64
	FirstUpdate        bool
}

// DefaultConfig returns limits that fit a system clock
func DefaultConfig() Config {
	return Config{
		MaxFreq:            900000000,
		FirstStepThreshold: 20000,
		FirstUpdate:        true,
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
