// Package core runs the node: one loop owns the peer and forwarding
// tables and serializes every event. Reader goroutines feed raw packets
// and datagrams through channels; nothing else touches shared state, so
// the hot path takes no locks.
package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	mrand "math/rand"
	"net"
	"net/netip"
	"time"

	"meshvpn/internal/config"
	"meshvpn/internal/device"
	"meshvpn/internal/fwd"
	"meshvpn/internal/logging"
	"meshvpn/internal/metrics"
	"meshvpn/internal/payload"
	"meshvpn/internal/peercache"
	"meshvpn/internal/peers"
	"meshvpn/internal/portmap"
	"meshvpn/internal/proto"
	"meshvpn/internal/session"
	"meshvpn/internal/transport"
	"meshvpn/internal/vpncrypto"
)

// ErrFatalSetup wraps startup failures (bind, device creation) that the
// command layer reports and exits on, as opposed to runtime errors the
// loop absorbs.
var ErrFatalSetup = errors.New("fatal setup error")

// claimTable is the router-mode extension of fwd.Table.
type claimTable interface {
	SetClaims(peer proto.NodeID, prefixes []netip.Prefix)
	AddStatic(prefix netip.Prefix, peer proto.NodeID)
}

type datagram struct {
	data []byte
	addr string
}

// Core is one mesh node.
type Core struct {
	cfg   config.Config
	mode  config.Mode
	magic [4]byte
	id    proto.NodeID

	dev  device.Device
	conn net.PacketConn

	peers   *peers.Table
	fwdTab  fwd.Table
	stats   *metrics.Metrics
	ident   *vpncrypto.Identity
	mapper  portmap.Provider
	claimed []netip.Prefix
	pinned  map[string]bool

	devCh chan []byte
	netCh chan datagram

	resolve   func(string) (net.Addr, error)
	addrCache map[string]net.Addr

	rng *mrand.Rand
}

// New assembles a node from its parts. The device and socket are owned
// by the caller until Run starts, and closed by Run on shutdown.
func New(cfg config.Config, dev device.Device, conn net.PacketConn, ident *vpncrypto.Identity, mapper portmap.Provider) (*Core, error) {
	mode := cfg.EffectiveMode()
	tab, err := fwd.New(string(mode), cfg.DstTimeout)
	if err != nil {
		return nil, err
	}
	var claimed []netip.Prefix
	for _, s := range cfg.Subnets {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("subnet %q: %w", s, err)
		}
		claimed = append(claimed, p)
	}
	pinned := make(map[string]bool, len(cfg.PinnedPeers))
	for _, h := range cfg.PinnedPeers {
		raw, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("pinned peer key %q: %w", h, err)
		}
		pinned[string(raw)] = true
	}
	if mapper == nil {
		mapper = portmap.None
	}
	c := &Core{
		cfg:    cfg,
		mode:   mode,
		magic:  proto.MagicFromString(cfg.Magic),
		dev:    dev,
		conn:   conn,
		fwdTab: tab,
		stats:  metrics.New(),
		ident:  ident,
		mapper: mapper,
		peers: peers.NewTable(peers.Options{
			Timeout:  cfg.PeerTimeout,
			MaxPeers: cfg.MaxPeers,
			SessionLimits: session.Limits{
				MaxAge: cfg.KeyRotation,
			},
		}),
		claimed:   claimed,
		pinned:    pinned,
		devCh:     make(chan []byte, 64),
		netCh:     make(chan datagram, 64),
		addrCache: make(map[string]net.Addr),
		rng:       mrand.New(mrand.NewSource(time.Now().UnixNano())),
	}
	if _, err := rand.Read(c.id[:]); err != nil {
		return nil, err
	}
	// Locally claimed subnets route to ourselves so router mode never
	// tries to forward a packet the kernel should not have handed us.
	if ct, ok := tab.(claimTable); ok {
		for _, p := range claimed {
			ct.AddStatic(p, c.id)
		}
	}
	if _, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		c.resolve = func(s string) (net.Addr, error) {
			return net.ResolveUDPAddr("udp", s)
		}
	} else {
		c.resolve = func(s string) (net.Addr, error) {
			return transport.StrAddr(s), nil
		}
	}
	return c, nil
}

// ID is this node's random identifier for the current run.
func (c *Core) ID() proto.NodeID { return c.id }

// Metrics exposes the counters for the stats writer and tests.
func (c *Core) Metrics() *metrics.Metrics { return c.stats }

// Run drives the node until ctx is cancelled. It owns the device and
// socket from here on and closes both before returning.
func (c *Core) Run(ctx context.Context) error {
	log := logging.WithFields(logging.Fields{
		"node": c.id.String(),
		"mode": string(c.mode),
	})
	log.WithField("device", c.dev.Name()).Info("node starting")

	go c.readDevice()
	go c.readSocket()

	now := time.Now()
	if c.cfg.PeerCacheFile != "" {
		infos, err := peercache.Load(c.cfg.PeerCacheFile)
		if err != nil {
			log.WithError(err).Warn("cannot load peer cache")
		}
		for _, p := range c.peers.UpdateFromGossip(infos, c.id, now) {
			c.stats.IncPeersAdded()
			c.sendInit(p, now)
		}
	}
	for _, addr := range c.cfg.Peers {
		p, created, err := c.peers.Learn(addr, peers.SourceSelf, now)
		if err != nil {
			log.WithError(err).WithField("peer", addr).Warn("cannot add configured peer")
			continue
		}
		if created {
			c.stats.IncPeersAdded()
		}
		c.sendInit(p, now)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastGossip, lastKeepalive, lastStats time.Time

	for {
		select {
		case <-ctx.Done():
			c.shutdown(log)
			return nil
		case pkt, ok := <-c.devCh:
			if !ok {
				c.shutdown(log)
				return fmt.Errorf("device closed")
			}
			c.handleDevice(pkt, time.Now())
		case dg, ok := <-c.netCh:
			if !ok {
				c.shutdown(log)
				return fmt.Errorf("socket closed")
			}
			c.handleDatagram(dg, time.Now())
		case now := <-ticker.C:
			c.sweep(now)
			c.fwdTab.AgeOut(now)
			c.rotationPass(now)
			if ka := c.cfg.EffectiveKeepalive(); ka > 0 && now.Sub(lastKeepalive) >= ka {
				lastKeepalive = now
				c.keepalivePass()
			}
			if c.cfg.GossipInterval > 0 && now.Sub(lastGossip) >= c.cfg.GossipInterval {
				lastGossip = now
				c.gossipPass()
				c.saveCache()
			}
			if c.cfg.StatsFile != "" && now.Sub(lastStats) >= c.cfg.StatsInterval {
				lastStats = now
				if err := c.stats.WriteSnapshot(c.cfg.StatsFile); err != nil {
					log.WithError(err).Warn("cannot write stats snapshot")
				}
			}
		}
	}
}

func (c *Core) readDevice() {
	defer close(c.devCh)
	buf := make([]byte, c.cfg.MTU+64)
	for {
		n, err := c.dev.ReadPacket(buf)
		if err != nil {
			if !errors.Is(err, device.ErrClosed) && !errors.Is(err, net.ErrClosed) {
				logging.WithError(err).Warn("device read failed")
			}
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		c.devCh <- pkt
	}
}

func (c *Core) readSocket() {
	defer close(c.netCh)
	buf := make([]byte, proto.HeaderSize+proto.MaxBody)
	for {
		n, from, err := c.conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logging.WithError(err).Warn("socket read failed")
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		c.netCh <- datagram{data: data, addr: from.String()}
	}
}

// handleDevice forwards one locally originated packet or frame.
func (c *Core) handleDevice(pkt []byte, now time.Time) {
	if len(pkt) > c.cfg.MTU+ethernetHeader {
		c.stats.IncDropOversize()
		return
	}
	switch c.mode {
	case config.ModeHub:
		c.flood(pkt, proto.NodeID{})
	case config.ModeSwitch:
		c.forwardFrame(pkt, now)
	case config.ModeRouter:
		c.forwardPacket(pkt, now)
	}
}

const ethernetHeader = 14

func (c *Core) forwardFrame(pkt []byte, now time.Time) {
	meta, err := payload.ParseFrame(pkt)
	if err != nil {
		c.stats.IncDropMalformed()
		return
	}
	if meta.Dst.Multicast() {
		c.flood(pkt, proto.NodeID{})
		return
	}
	if id, ok := c.fwdTab.Lookup(fwd.MACAddr(meta.Dst), now); ok {
		if p, live := c.peers.ByID(id); live {
			c.sendData(p, pkt)
			return
		}
		c.fwdTab.RemovePeer(id)
	}
	c.flood(pkt, proto.NodeID{})
}

func (c *Core) forwardPacket(pkt []byte, now time.Time) {
	meta, err := payload.ParsePacket(pkt)
	if err != nil {
		c.stats.IncDropMalformed()
		return
	}
	if id, ok := c.fwdTab.Lookup(fwd.IPAddr(meta.Dst), now); ok {
		if id == c.id {
			c.stats.IncDropUnknownDest()
			return
		}
		if p, live := c.peers.ByID(id); live {
			c.sendData(p, pkt)
			return
		}
		c.fwdTab.RemovePeer(id)
	}
	// Routers never flood: an unroutable destination is dropped.
	c.stats.IncDropUnknownDest()
}

// flood sends to every established peer except the one the traffic came
// from.
func (c *Core) flood(pkt []byte, except proto.NodeID) {
	sent := false
	for _, p := range c.peers.Established() {
		if !except.IsZero() && p.ID == except {
			continue
		}
		c.sendData(p, pkt)
		sent = true
	}
	if !sent {
		c.stats.IncDropUnknownDest()
	}
}

// sendData seals and sends one payload to a peer. Each peer gets its own
// ciphertext; a failure for one never affects the others.
func (c *Core) sendData(p *peers.Peer, pkt []byte) {
	hdr := proto.Header{Magic: c.magic, Version: proto.Version, Type: proto.TypeData, Flags: proto.FlagEncrypted}
	if c.sendSealed(p, hdr, pkt) {
		c.stats.AddPayloadOut(len(pkt))
	}
}

// sendSealed encrypts body under the peer session and sends it with the
// given header, which doubles as the AEAD associated data.
func (c *Core) sendSealed(p *peers.Peer, hdr proto.Header, body []byte) bool {
	raw := hdr.Encode()
	counter, ct, err := p.Session.Encrypt(body, raw)
	if err != nil {
		if errors.Is(err, session.ErrCounterExhausted) {
			p.Session.Expire()
			c.startRotation(p, time.Now())
		} else {
			c.stats.IncDropNoSession()
		}
		return false
	}
	env := proto.EncodeEnvelope(proto.Envelope{Counter: counter, Ciphertext: ct})
	c.writeTo(p.Addr(), append(raw, env...))
	return true
}

func (c *Core) writeTo(addr string, data []byte) {
	if addr == "" {
		return
	}
	na, ok := c.addrCache[addr]
	if !ok {
		var err error
		na, err = c.resolve(addr)
		if err != nil {
			logging.WithError(err).WithField("addr", addr).Debug("cannot resolve peer address")
			return
		}
		c.addrCache[addr] = na
	}
	if _, err := c.conn.WriteTo(data, na); err != nil {
		logging.WithError(err).WithField("addr", addr).Debug("send failed")
	}
}

// handleDatagram processes one inbound datagram from the socket.
func (c *Core) handleDatagram(dg datagram, now time.Time) {
	hdr, err := proto.DecodeHeader(dg.data, c.magic)
	if err != nil {
		c.stats.IncDropMalformed()
		return
	}
	body := dg.data[proto.HeaderSize:]

	switch hdr.Type {
	case proto.TypeInit, proto.TypeKeyExchange:
		c.handleHandshake(hdr.Type, body, dg.addr, now)
		return
	}

	if hdr.Flags&proto.FlagEncrypted == 0 {
		c.stats.IncDropMalformed()
		return
	}
	p, ok := c.peers.ByAddr(dg.addr)
	if !ok {
		c.stats.IncDropNoSession()
		// An unknown sender speaking our protocol is worth a handshake.
		if np, created, err := c.peers.Learn(dg.addr, peers.SourceSelf, now); err == nil && created {
			c.stats.IncPeersAdded()
			c.sendInit(np, now)
		}
		return
	}
	env, err := proto.DecodeEnvelope(body)
	if err != nil {
		c.stats.IncDropMalformed()
		return
	}
	pt, err := p.Session.Decrypt(env.Counter, env.Ciphertext, dg.data[:proto.HeaderSize])
	if err != nil {
		switch {
		case errors.Is(err, session.ErrReplay):
			c.stats.IncDropReplay()
		case errors.Is(err, session.ErrNotEstablished):
			c.stats.IncDropNoSession()
		default:
			c.stats.IncDropAuthFail()
		}
		return
	}
	c.peers.MarkSeen(p, dg.addr, now)

	switch hdr.Type {
	case proto.TypeData:
		c.deliver(p, pt, now)
	case proto.TypePeers:
		infos, err := proto.DecodePeers(pt)
		if err != nil {
			c.stats.IncDropMalformed()
			return
		}
		c.stats.IncGossipReceived()
		for _, np := range c.peers.UpdateFromGossip(infos, c.id, now) {
			c.stats.IncPeersAdded()
			c.sendInit(np, now)
		}
	case proto.TypePing:
		ping, err := proto.DecodePing(pt)
		if err != nil {
			c.stats.IncDropMalformed()
			return
		}
		pong := proto.Header{Magic: c.magic, Version: proto.Version, Type: proto.TypePong, Flags: proto.FlagEncrypted}
		c.sendSealed(p, pong, proto.EncodePing(ping))
	case proto.TypePong:
		if _, err := proto.DecodePing(pt); err != nil {
			c.stats.IncDropMalformed()
		}
	case proto.TypeClose:
		if err := proto.DecodeClose(pt); err != nil {
			c.stats.IncDropMalformed()
			return
		}
		logging.WithField("peer", p.ID.String()).Info("peer closed")
		c.fwdTab.RemovePeer(p.ID)
		c.peers.Remove(p)
	}
}

// deliver writes one remote payload to the local device, learning the
// source address on the way.
func (c *Core) deliver(p *peers.Peer, pt []byte, now time.Time) {
	c.stats.AddPayloadIn(len(pt))
	switch c.mode {
	case config.ModeSwitch:
		if meta, err := payload.ParseFrame(pt); err == nil && !meta.Src.Multicast() {
			c.fwdTab.Learn(fwd.MACAddr(meta.Src), p.ID, now)
		}
	case config.ModeRouter:
		if meta, err := payload.ParsePacket(pt); err == nil {
			c.fwdTab.Learn(fwd.IPAddr(meta.Src), p.ID, now)
		}
	}
	if err := c.dev.WritePacket(pt); err != nil && !errors.Is(err, device.ErrClosed) {
		logging.WithError(err).Warn("device write failed")
	}
}

// handleHandshake processes plaintext Init and KeyExchange messages.
func (c *Core) handleHandshake(msgType uint8, body []byte, addr string, now time.Time) {
	hs, err := proto.DecodeHandshake(body)
	if err != nil {
		c.stats.IncDropMalformed()
		return
	}
	if hs.NodeID == c.id {
		// Our own initiation reflected back (loop or misconfiguration).
		return
	}
	if len(hs.Identity) > 0 {
		if !vpncrypto.VerifySig(hs.Identity, hs.SigInput(msgType), hs.Sig) {
			c.stats.IncDropAuthFail()
			return
		}
	}
	if len(c.pinned) > 0 && !c.pinned[string(hs.Identity)] {
		c.stats.IncPeersRefused()
		return
	}

	p, created, err := c.peers.Learn(addr, peers.SourceSelf, now)
	if err != nil {
		c.stats.IncPeersRefused()
		return
	}
	if created {
		c.stats.IncPeersAdded()
	}
	p = c.peers.AdoptID(p, hs.NodeID, now)
	if len(hs.Identity) > 0 {
		p.Identity = hs.Identity
	}
	p.Prefixes = hs.Prefixes
	if ct, ok := c.fwdTab.(claimTable); ok {
		ct.SetClaims(p.ID, hs.Prefixes)
	}

	log := logging.WithFields(logging.Fields{"peer": p.ID.String(), "addr": addr, "gen": hs.Generation})
	switch msgType {
	case proto.TypeInit:
		if p.Session.State() == session.Established && hs.Generation <= p.Session.Generation() {
			// Replayed or stale initiation: keep the live keys. A peer that
			// genuinely lost its state converges through the fresh exchange
			// we start here instead.
			c.stats.IncDropReplay()
			if now.Sub(p.LastInitAt()) >= peers.DefaultRetryInterval {
				c.startRotation(p, now)
			}
			return
		}
		// Respond with our half, then derive. A re-init on an established
		// session starts a fresh exchange; the old receive key lingers so
		// in-flight traffic still decrypts.
		if _, err := p.Session.EphPub(); err != nil {
			if err := p.Session.Renew(); err != nil {
				log.WithError(err).Warn("cannot renew session")
				return
			}
		}
		ourPub, err := p.Session.EphPub()
		if err != nil {
			return
		}
		c.sendHandshake(p, addr, proto.TypeKeyExchange, hs.Generation, ourPub)
		if err := p.Session.Establish(hs.EphPub, now); err != nil {
			c.stats.IncDropMalformed()
			log.WithError(err).Debug("handshake failed")
			return
		}
		c.stats.IncPeersEstablished()
		c.peers.MarkSeen(p, addr, now)
		log.Info("session established")
	case proto.TypeKeyExchange:
		if _, err := p.Session.EphPub(); err != nil {
			// No exchange pending: duplicate reply, drop it.
			return
		}
		if err := p.Session.Establish(hs.EphPub, now); err != nil {
			c.stats.IncDropMalformed()
			log.WithError(err).Debug("handshake failed")
			return
		}
		c.stats.IncPeersEstablished()
		c.peers.MarkSeen(p, addr, now)
		log.Info("session established")
	}
}

// sendInit sends a handshake initiation, cycling through the peer's
// candidate addresses across retries.
func (c *Core) sendInit(p *peers.Peer, now time.Time) {
	addrs := p.Addrs()
	if len(addrs) == 0 {
		return
	}
	addr := addrs[p.Retries()%len(addrs)]
	if _, err := p.Session.EphPub(); err != nil {
		if err := p.Session.Renew(); err != nil {
			return
		}
	}
	pub, err := p.Session.EphPub()
	if err != nil {
		return
	}
	c.sendHandshake(p, addr, proto.TypeInit, p.Session.Generation(), pub)
	p.Session.MarkInitSent()
	c.peers.NoteInitSent(p, now)
}

func (c *Core) sendHandshake(p *peers.Peer, addr string, msgType uint8, gen uint16, ephPub []byte) {
	hs := proto.Handshake{
		NodeID:     c.id,
		Generation: gen,
		EphPub:     ephPub,
		Prefixes:   c.claimed,
	}
	if c.ident != nil {
		hs.Identity = c.ident.Pub
		hs.Sig = c.ident.Sign(hs.SigInput(msgType))
	}
	body, err := proto.EncodeHandshake(hs)
	if err != nil {
		logging.WithError(err).Warn("cannot encode handshake")
		return
	}
	hdr := proto.Header{Magic: c.magic, Version: proto.Version, Type: msgType}
	c.writeTo(addr, append(hdr.Encode(), body...))
}

// startRotation begins a fresh key exchange on a worn-out session while
// the old keys keep carrying traffic.
func (c *Core) startRotation(p *peers.Peer, now time.Time) {
	p.Session.Expire()
	if err := p.Session.Renew(); err != nil {
		logging.WithError(err).WithField("peer", p.ID.String()).Warn("cannot rotate session")
		return
	}
	pub, err := p.Session.EphPub()
	if err != nil {
		return
	}
	c.sendHandshake(p, p.Addr(), proto.TypeInit, p.Session.Generation(), pub)
	c.peers.NoteInitSent(p, now)
}

func (c *Core) sweep(now time.Time) {
	res := c.peers.Sweep(now)
	for _, id := range res.Evicted {
		c.stats.IncPeersEvicted()
		if !id.IsZero() {
			c.fwdTab.RemovePeer(id)
			logging.WithField("peer", id.String()).Info("peer evicted")
		}
	}
	for _, p := range res.Retry {
		c.sendInit(p, now)
	}
}

func (c *Core) rotationPass(now time.Time) {
	for _, p := range c.peers.Established() {
		switch {
		case p.Session.ShouldRotate(now):
			c.startRotation(p, now)
		case p.Session.State() == session.Expired &&
			now.Sub(p.LastInitAt()) >= peers.DefaultRetryInterval:
			// The rotation initiation got lost; try again.
			c.startRotation(p, now)
		}
	}
}

func (c *Core) keepalivePass() {
	hdr := proto.Header{Magic: c.magic, Version: proto.Version, Type: proto.TypePing, Flags: proto.FlagEncrypted}
	for _, p := range c.peers.Established() {
		body := proto.EncodePing(proto.Ping{Token: c.rng.Uint64()})
		c.sendSealed(p, hdr, body)
	}
}

// gossipPass announces a random peer sample, plus our own externally
// mapped addresses, to every established peer.
func (c *Core) gossipPass() {
	infos := c.peers.GossipSample()
	if ext := c.mapper.ExternalAddrs(); len(ext) > 0 {
		if len(ext) > proto.MaxAddrsPerPeer {
			ext = ext[:proto.MaxAddrsPerPeer]
		}
		infos = append(infos, proto.PeerInfo{ID: c.id, Addrs: ext})
	}
	if len(infos) == 0 {
		return
	}
	if len(infos) > proto.MaxGossipPeers {
		infos = infos[:proto.MaxGossipPeers]
	}
	body, err := proto.EncodePeers(infos)
	if err != nil {
		logging.WithError(err).Warn("cannot encode gossip")
		return
	}
	hdr := proto.Header{Magic: c.magic, Version: proto.Version, Type: proto.TypePeers, Flags: proto.FlagEncrypted}
	for _, p := range c.peers.Established() {
		if c.sendSealed(p, hdr, body) {
			c.stats.IncGossipSent()
		}
	}
}

// saveCache snapshots the established peers for the next restart.
func (c *Core) saveCache() {
	if c.cfg.PeerCacheFile == "" {
		return
	}
	var infos []proto.PeerInfo
	for _, p := range c.peers.Established() {
		addrs := p.Addrs()
		if p.ID.IsZero() || len(addrs) == 0 {
			continue
		}
		if len(addrs) > proto.MaxAddrsPerPeer {
			addrs = addrs[:proto.MaxAddrsPerPeer]
		}
		infos = append(infos, proto.PeerInfo{ID: p.ID, Addrs: addrs})
	}
	if err := peercache.Save(c.cfg.PeerCacheFile, infos); err != nil {
		logging.WithError(err).Warn("cannot save peer cache")
	}
}

func (c *Core) shutdown(log interface{ Info(...interface{}) }) {
	c.saveCache()
	if c.cfg.SendClose {
		hdr := proto.Header{Magic: c.magic, Version: proto.Version, Type: proto.TypeClose, Flags: proto.FlagEncrypted}
		for _, p := range c.peers.Established() {
			c.sendSealed(p, hdr, nil)
		}
	}
	c.dev.Close()
	c.conn.Close()
	log.Info("node stopped")
}
