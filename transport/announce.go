package transport

import (
	crand "crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/cvsouth/reticulum-go/destination"
	"github.com/cvsouth/reticulum-go/identity"
	"github.com/cvsouth/reticulum-go/packet"
)

// Announce wire layout: public key (64) || salt (8) || signature (64)
// || app data. The signature covers destHash || public || salt ||
// appData under the announcing identity's signing key, so a verified
// announce both publishes the identity and proves control of it.
const (
	announceSaltLen = 8
	announceMinLen  = identity.PublicLen + announceSaltLen + 64
)

// Announce publishes an IN SINGLE destination on every sendable
// interface and arms path-request replies for it. appData rides along
// unencrypted, as announces are self-describing broadcast packets.
func (t *Transport) Announce(d *destination.Destination, appData []byte) error {
	if d.Type != destination.Single || d.Identity == nil || d.Identity.SigPriv == nil {
		return fmt.Errorf("transport: announce requires an owned SINGLE destination")
	}

	destHash := d.Hash()
	pub := d.Identity.Public()
	var salt [announceSaltLen]byte
	if _, err := io.ReadFull(crand.Reader, salt[:]); err != nil {
		return fmt.Errorf("transport: announce salt: %w", err)
	}

	signed := make([]byte, 0, packet.DestHashLen+identity.PublicLen+announceSaltLen+len(appData))
	signed = append(signed, destHash[:]...)
	signed = append(signed, pub[:]...)
	signed = append(signed, salt[:]...)
	signed = append(signed, appData...)
	sig, err := d.Identity.Sign(signed)
	if err != nil {
		return fmt.Errorf("transport: announce sign: %w", err)
	}

	data := make([]byte, 0, announceMinLen+len(appData))
	data = append(data, pub[:]...)
	data = append(data, salt[:]...)
	data = append(data, sig...)
	data = append(data, appData...)

	p := &packet.Packet{
		HeaderType:    packet.Header1,
		TransportType: packet.TransportBroadcast,
		DestType:      packet.DestSingle,
		PacketType:    packet.TypeAnnounce,
		DestHash:      destHash,
		Data:          data,
	}

	t.mu.Lock()
	if rd, ok := t.dests[destHash]; ok {
		rd.appData = append(make([]byte, 0, len(appData)), appData...)
		t.dests[destHash] = rd
	}
	t.mu.Unlock()

	t.logger.Debug("announcing destination", "destHash", fmt.Sprintf("%x", destHash))
	return t.Send(p)
}

// handleAnnounce verifies an inbound announce, refreshes the identity
// cache and path table, notifies observers, and rebroadcasts when
// acting as a transport node.
func (t *Transport) handleAnnounce(p *packet.Packet, from Interface) {
	if len(p.Data) < announceMinLen {
		t.dropped.Add(1)
		return
	}
	var pub [identity.PublicLen]byte
	copy(pub[:], p.Data[:identity.PublicLen])
	salt := p.Data[identity.PublicLen : identity.PublicLen+announceSaltLen]
	sig := p.Data[identity.PublicLen+announceSaltLen : announceMinLen]
	appData := p.Data[announceMinLen:]

	id, err := identity.FromPublic(pub)
	if err != nil {
		t.dropped.Add(1)
		return
	}

	signed := make([]byte, 0, packet.DestHashLen+identity.PublicLen+announceSaltLen+len(appData))
	signed = append(signed, p.DestHash[:]...)
	signed = append(signed, pub[:]...)
	signed = append(signed, salt...)
	signed = append(signed, appData...)
	if !id.Verify(signed, sig) {
		t.dropped.Add(1)
		t.logger.Debug("announce signature rejected", "destHash", fmt.Sprintf("%x", p.DestHash))
		return
	}

	t.identities.Remember(p.DestHash, id)

	// Next hop is the announcing destination itself when heard
	// directly, or the relaying transport node on HEADER_2.
	nextHop := p.DestHash
	if p.HeaderType == packet.Header2 {
		nextHop = p.TransportID
	}
	t.mu.Lock()
	t.paths[p.DestHash] = pathEntry{
		nextHop:   nextHop,
		iface:     from,
		hops:      p.Hops + 1,
		expiresAt: time.Now().Add(PathExpiry),
	}
	observers := append([]AnnounceHandler(nil), t.announceCB...)
	t.mu.Unlock()

	t.logger.Debug("announce recorded", "destHash", fmt.Sprintf("%x", p.DestHash), "hops", p.Hops)
	for _, fn := range observers {
		fn(p.DestHash, id, appData)
	}

	if t.cfg.EnableTransport && p.Hops < packet.MaxHops {
		fwd := *p
		fwd.Hops++
		if err := t.Send(&fwd); err != nil {
			t.logger.Debug("announce rebroadcast failed", "error", err)
		}
	}
}

// RequestPath broadcasts a path request for destHash. Any node holding
// the destination replies by re-announcing it.
func (t *Transport) RequestPath(destHash [packet.DestHashLen]byte) error {
	p := &packet.Packet{
		HeaderType:    packet.Header1,
		TransportType: packet.TransportBroadcast,
		DestType:      packet.DestPlain,
		PacketType:    packet.TypeData,
		DestHash:      destHash,
		Context:       packet.CtxPathRequest,
		Data:          destHash[:],
	}
	t.logger.Debug("requesting path", "destHash", fmt.Sprintf("%x", destHash))
	return t.Send(p)
}

func (t *Transport) handlePathRequest(p *packet.Packet) {
	t.mu.RLock()
	rd, ok := t.dests[p.DestHash]
	t.mu.RUnlock()
	if !ok || rd.appData == nil {
		return
	}
	if err := t.Announce(rd.dest, rd.appData); err != nil {
		t.logger.Debug("path-request reply failed", "error", err)
	}
}
