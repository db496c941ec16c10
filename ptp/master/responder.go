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

package master

import (
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/l2switch/ptpd/ptp/packet"
	ptp "github.com/l2switch/ptpd/ptp/protocol"
)

// ResponderStats are counters of a Delay_Resp responder
type ResponderStats struct {
	DelayReqRx  uint64 `json:"delay_req_rx_cnt"`
	DelayRespTx uint64 `json:"delay_resp_tx_cnt"`
	TxErrors    uint64 `json:"tx_err_cnt"`
	Ignored     uint64 `json:"delay_req_ignored_cnt"`
}

// Responder answers Delay_Req messages on one port
type Responder struct {
	cfg Config
	tr  packet.Transport
	buf *packet.Buffer

	Stats ResponderStats
}

// NewResponder allocates a Delay_Resp responder
func NewResponder(cfg Config, tr packet.Transport) *Responder {
	return &Responder{
		cfg: cfg,
		tr:  tr,
		buf: packet.NewBuffer(&ptp.DelayResp{Header: cfg.header(ptp.MessageDelayResp, 3)}, cfg.Encap),
	}
}

// SetLogInterval sets logMessageInterval advertised in Delay_Resp, the minimum Delay_Req interval
func (r *Responder) SetLogInterval(li ptp.LogInterval) {
	r.cfg.LogInterval = li
}

// HandleDelayReq replies to req received at rx. Unicast requests are answered to the sender.
func (r *Responder) HandleDelayReq(req *ptp.SyncDelayReq, rx time.Time, from netip.Addr) {
	r.Stats.DelayReqRx++
	if r.buf.Released() {
		r.Stats.Ignored++
		return
	}
	if req.DomainNumber != r.cfg.Domain {
		r.Stats.Ignored++
		log.Debugf("responder %s: ignoring delay request for domain %d", &r.cfg, req.DomainNumber)
		return
	}
	p := r.buf.Packet.(*ptp.DelayResp)
	to := netip.Addr{}
	p.FlagField &^= ptp.FlagUnicast
	if req.Unicast() {
		to = from
		p.FlagField |= ptp.FlagUnicast
	}
	p.SequenceID = req.SequenceID
	p.CorrectionField = req.CorrectionField
	p.LogMessageInterval = r.cfg.LogInterval
	p.ReceiveTimestamp = ptp.NewTimestamp(rx)
	p.RequestingPortIdentity = req.SourcePortIdentity
	if _, err := r.tr.Send(r.buf, r.cfg.Port, to, nil); err != nil {
		r.Stats.TxErrors++
		log.Errorf("responder %s: failed to send delay response: %v", &r.cfg, err)
		return
	}
	r.Stats.DelayRespTx++
}

// Close releases the responder buffer
func (r *Responder) Close() {
	r.buf.Release()
}
