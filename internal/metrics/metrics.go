// Package metrics counts traffic and drops. Counters are atomic so the
// stats writer can snapshot without coordinating with the core loop.
package metrics

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Traffic     TrafficMetrics `json:"traffic"`
	Drops       DropMetrics    `json:"drops"`
	Peers       PeerMetrics    `json:"peers"`
}

type TrafficMetrics struct {
	PayloadInMsgs   uint64 `json:"payload_in_msgs"`
	PayloadInBytes  uint64 `json:"payload_in_bytes"`
	PayloadOutMsgs  uint64 `json:"payload_out_msgs"`
	PayloadOutBytes uint64 `json:"payload_out_bytes"`
	GossipSent      uint64 `json:"gossip_sent"`
	GossipReceived  uint64 `json:"gossip_received"`
}

type DropMetrics struct {
	Malformed   uint64 `json:"malformed"`
	AuthFail    uint64 `json:"auth_fail"`
	Replay      uint64 `json:"replay"`
	NoSession   uint64 `json:"no_session"`
	UnknownDest uint64 `json:"unknown_dest"`
	Oversize    uint64 `json:"oversize"`
}

type PeerMetrics struct {
	Added       uint64 `json:"added"`
	Evicted     uint64 `json:"evicted"`
	Refused     uint64 `json:"refused"`
	Established uint64 `json:"established"`
}

type Metrics struct {
	payloadInMsgs   atomic.Uint64
	payloadInBytes  atomic.Uint64
	payloadOutMsgs  atomic.Uint64
	payloadOutBytes atomic.Uint64
	gossipSent      atomic.Uint64
	gossipReceived  atomic.Uint64

	dropMalformed   atomic.Uint64
	dropAuthFail    atomic.Uint64
	dropReplay      atomic.Uint64
	dropNoSession   atomic.Uint64
	dropUnknownDest atomic.Uint64
	dropOversize    atomic.Uint64

	peersAdded       atomic.Uint64
	peersEvicted     atomic.Uint64
	peersRefused     atomic.Uint64
	peersEstablished atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) AddPayloadIn(n int) {
	m.payloadInMsgs.Add(1)
	m.payloadInBytes.Add(uint64(n))
}

func (m *Metrics) AddPayloadOut(n int) {
	m.payloadOutMsgs.Add(1)
	m.payloadOutBytes.Add(uint64(n))
}

func (m *Metrics) IncGossipSent()     { m.gossipSent.Add(1) }
func (m *Metrics) IncGossipReceived() { m.gossipReceived.Add(1) }

func (m *Metrics) IncDropMalformed()   { m.dropMalformed.Add(1) }
func (m *Metrics) IncDropAuthFail()    { m.dropAuthFail.Add(1) }
func (m *Metrics) IncDropReplay()      { m.dropReplay.Add(1) }
func (m *Metrics) IncDropNoSession()   { m.dropNoSession.Add(1) }
func (m *Metrics) IncDropUnknownDest() { m.dropUnknownDest.Add(1) }
func (m *Metrics) IncDropOversize()    { m.dropOversize.Add(1) }

func (m *Metrics) IncPeersAdded()       { m.peersAdded.Add(1) }
func (m *Metrics) IncPeersEvicted()     { m.peersEvicted.Add(1) }
func (m *Metrics) IncPeersRefused()     { m.peersRefused.Add(1) }
func (m *Metrics) IncPeersEstablished() { m.peersEstablished.Add(1) }

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Traffic: TrafficMetrics{
			PayloadInMsgs:   m.payloadInMsgs.Load(),
			PayloadInBytes:  m.payloadInBytes.Load(),
			PayloadOutMsgs:  m.payloadOutMsgs.Load(),
			PayloadOutBytes: m.payloadOutBytes.Load(),
			GossipSent:      m.gossipSent.Load(),
			GossipReceived:  m.gossipReceived.Load(),
		},
		Drops: DropMetrics{
			Malformed:   m.dropMalformed.Load(),
			AuthFail:    m.dropAuthFail.Load(),
			Replay:      m.dropReplay.Load(),
			NoSession:   m.dropNoSession.Load(),
			UnknownDest: m.dropUnknownDest.Load(),
			Oversize:    m.dropOversize.Load(),
		},
		Peers: PeerMetrics{
			Added:       m.peersAdded.Load(),
			Evicted:     m.peersEvicted.Load(),
			Refused:     m.peersRefused.Load(),
			Established: m.peersEstablished.Load(),
		},
	}
}

// WriteSnapshot dumps the current snapshot as JSON, replacing the file.
func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
