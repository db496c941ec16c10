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

package slave

import (
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/eclesh/welford"
)

// Stats are counters of a slave port. Path delays are in nanoseconds.
type Stats struct {
	SyncRx             uint64 `json:"sync_rx_cnt"`
	FollowUpRx         uint64 `json:"follow_up_rx_cnt"`
	SyncPackTimeout    uint64 `json:"sync_pack_timeout_cnt"`
	FollowUpPacketLoss uint64 `json:"follow_up_pack_loss_cnt"`
	FollowUpIgnored    uint64 `json:"follow_up_ignored_cnt"`
	SeqMismatch        uint64 `json:"seq_mismatch_cnt"`
	DuplicateSync      uint64 `json:"duplicate_sync_cnt"`
	Ignored            uint64 `json:"ignored_cnt"`
	OffsetCalc         uint64 `json:"offset_calc_cnt"`
	DelayReqTx         uint64 `json:"delay_req_tx_cnt"`
	DelayReqDeferred   uint64 `json:"delay_req_deferred_cnt"`
	DelayRespRx        uint64 `json:"delay_resp_rx_cnt"`
	DelayRespUnmatched uint64 `json:"delay_resp_unmatched_cnt"`
	DelayReqLost       uint64 `json:"delay_req_lost_cnt"`
	DelayCalc          uint64 `json:"delay_calc_cnt"`
	TxErrors           uint64 `json:"tx_err_cnt"`
	LinkDownSkips      uint64 `json:"link_down_skip_cnt"`
	StateChanges       uint64 `json:"state_change_cnt"`

	MeanPathDelay   int64 `json:"mean_path_delay"`
	MinPathDelay    int64 `json:"min_path_delay"`
	MaxPathDelay    int64 `json:"max_path_delay"`
	PathDelayStddev int64 `json:"path_delay_stddev"`
	PathDelayP99    int64 `json:"path_delay_p99"`
}

// maxTrackedDelay bounds the percentile histogram
const maxTrackedDelay = 10 * time.Second

// pathDelay aggregates measured mean path delays
type pathDelay struct {
	w        *welford.Stats
	h        *hdrhistogram.Histogram
	min, max time.Duration
	n        uint64
}

func newPathDelay() *pathDelay {
	return &pathDelay{
		w: welford.New(),
		h: hdrhistogram.New(1, int64(maxTrackedDelay), 3),
	}
}

func (d *pathDelay) add(v time.Duration) {
	if d.n == 0 || v < d.min {
		d.min = v
	}
	if d.n == 0 || v > d.max {
		d.max = v
	}
	d.n++
	d.w.Add(float64(v))
	// negative delays come from asymmetric timestamps and only count towards mean and extremes
	if v > 0 && v <= maxTrackedDelay {
		_ = d.h.RecordValue(int64(v))
	}
}

func (d *pathDelay) update(s *Stats) {
	if d.n == 0 {
		return
	}
	s.MeanPathDelay = int64(d.w.Mean())
	s.MinPathDelay = int64(d.min)
	s.MaxPathDelay = int64(d.max)
	if d.n > 1 {
		s.PathDelayStddev = int64(d.w.Stddev())
	}
	if d.h.TotalCount() > 0 {
		s.PathDelayP99 = d.h.ValueAtQuantile(99)
	}
}
