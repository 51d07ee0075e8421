package link

import (
	"fmt"
	"time"

	"github.com/cvsouth/reticulum-go/channel"
	"github.com/cvsouth/reticulum-go/packet"
	"github.com/cvsouth/reticulum-go/resource"
	"github.com/cvsouth/reticulum-go/rnscrypto"
	"github.com/cvsouth/reticulum-go/rnserr"
	"github.com/cvsouth/reticulum-go/transport"
)

// Send transmits an application payload on the link. The delivered
// and timedOut callbacks track the peer's link-level proof; both may
// be nil for fire-and-forget sends.
func (l *Link) Send(data []byte, delivered func(), timedOut func()) error {
	return l.sendCtx(packet.CtxNone, data, delivered, timedOut)
}

func (l *Link) sendCtx(ctx uint8, data []byte, delivered func(), timedOut func()) error {
	if len(data) > l.mdu {
		return fmt.Errorf("link: %d byte payload: %w", len(data), rnserr.ErrOverflow)
	}

	l.mu.Lock()
	if l.status != Active && l.status != Stale && ctx != packet.CtxLinkClose {
		l.mu.Unlock()
		return fmt.Errorf("link: status %d: %w", l.status, rnserr.ErrNotReady)
	}
	cur, ok := l.tokens[l.curRatchetID]
	rid := l.curRatchetID
	timeout := l.timeoutLocked()
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("link: no session keys: %w", rnserr.ErrNotReady)
	}

	blob, err := cur.token.Encrypt(data)
	if err != nil {
		return fmt.Errorf("link: encrypt: %w", err)
	}
	wire := make([]byte, 0, ratchetIDLen+len(blob))
	wire = append(wire, rid[:]...)
	wire = append(wire, blob...)

	p := &packet.Packet{
		HeaderType:    packet.Header1,
		TransportType: packet.TransportBroadcast,
		DestType:      packet.DestLink,
		PacketType:    packet.TypeData,
		DestHash:      l.id,
		Context:       ctx,
		Data:          wire,
	}

	if delivered != nil || timedOut != nil {
		hash, err := packet.Hash(p)
		if err != nil {
			return fmt.Errorf("link: packet hash: %w", err)
		}
		l.mu.Lock()
		l.receipts[hash] = &receipt{
			deadline:  time.Now().Add(timeout),
			sentAt:    time.Now(),
			delivered: delivered,
			timedOut:  timedOut,
		}
		l.mu.Unlock()
	}
	return l.t.Send(p)
}

// handleInbound is the transport's dispatch target for packets
// addressed to this link id.
func (l *Link) handleInbound(p *packet.Packet, _ transport.Interface) {
	if p.PacketType == packet.TypeProof {
		l.handshakeProof(p)
		return
	}
	if p.PacketType != packet.TypeData || len(p.Data) < ratchetIDLen {
		return
	}

	var rid [ratchetIDLen]byte
	copy(rid[:], p.Data[:ratchetIDLen])
	l.mu.Lock()
	if l.status == Closed {
		l.mu.Unlock()
		return
	}
	ts, ok := l.tokens[rid]
	l.mu.Unlock()
	if !ok {
		return
	}
	plaintext, err := ts.token.Decrypt(p.Data[ratchetIDLen:])
	if err != nil {
		// MAC failure is a silent drop (spec §7).
		l.logger.Debug("link packet rejected", "linkID", fmt.Sprintf("%x", l.id), "error", err)
		return
	}

	l.mu.Lock()
	l.lastInbound = time.Now()
	if l.status == Stale {
		l.status = Active
		l.awaitingPong = false
	}
	l.mu.Unlock()

	switch p.Context {
	case packet.CtxNone:
		l.prove(p)
		l.mu.Lock()
		cb := l.packetCB
		l.mu.Unlock()
		if cb != nil {
			cb(plaintext, p)
		}
	case packet.CtxChannel:
		l.prove(p)
		l.Channel().Receive(plaintext)
	case packet.CtxKeepalive:
		l.handleKeepalive(plaintext)
	case packet.CtxLinkProof:
		l.handleLinkProof(plaintext)
	case packet.CtxRatchet:
		l.handleRatchet(plaintext)
	case packet.CtxLinkClose:
		l.close(false)
	case packet.CtxResourceAdv, packet.CtxResourceReq, packet.CtxResourcePrt,
		packet.CtxResourcePrf, packet.CtxResourceCnl:
		l.handleResource(p.Context, plaintext)
	}
}

// prove returns a link-level proof for an inbound data packet so the
// sender's receipt concludes.
func (l *Link) prove(p *packet.Packet) {
	hash, err := packet.Hash(p)
	if err != nil {
		return
	}
	if err := l.sendCtx(packet.CtxLinkProof, hash[:], nil, nil); err != nil {
		l.logger.Debug("link proof send failed", "error", err)
	}
}

func (l *Link) handleLinkProof(plaintext []byte) {
	if len(plaintext) != 32 {
		return
	}
	var hash [32]byte
	copy(hash[:], plaintext)

	l.mu.Lock()
	r, ok := l.receipts[hash]
	if ok {
		delete(l.receipts, hash)
		l.updateRTTLocked(time.Since(r.sentAt))
	}
	l.mu.Unlock()
	if ok && r.delivered != nil {
		r.delivered()
	}
}

func (l *Link) updateRTTLocked(sample time.Duration) {
	if l.rtt == 0 {
		l.rtt = sample
		return
	}
	l.rtt = time.Duration(float64(l.rtt)*(1-rttAlpha) + float64(sample)*rttAlpha)
}

func (l *Link) handleKeepalive(plaintext []byte) {
	if len(plaintext) != 1 {
		return
	}
	switch plaintext[0] {
	case keepaliveChallenge:
		if err := l.sendCtx(packet.CtxKeepalive, []byte{keepaliveResponse}, nil, nil); err != nil {
			l.logger.Debug("keepalive response failed", "error", err)
		}
	case keepaliveResponse:
		l.mu.Lock()
		if l.awaitingPong {
			l.awaitingPong = false
			l.updateRTTLocked(time.Since(l.probeSent))
		}
		l.mu.Unlock()
	}
}

// RotateRatchet rotates this side's ratchet key (spec §4.4). The peer
// learns the new public half in an encrypted notice under the current
// key; both sides keep the previous key accepted for RatchetWindow.
func (l *Link) RotateRatchet() error {
	provider := rnscrypto.Default()
	newPriv, newPub, err := provider.GenerateX25519()
	if err != nil {
		return fmt.Errorf("link: ratchet keypair: %w", err)
	}

	if err := l.sendCtx(packet.CtxRatchet, newPub[:], nil, nil); err != nil {
		return fmt.Errorf("link: ratchet notice: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	shared, err := provider.X25519(newPriv, l.peerRatchetPub)
	if err != nil {
		return fmt.Errorf("link: ratchet ECDH: %w", err)
	}
	if err := l.installToken(shared[:], "ratchet", time.Now()); err != nil {
		return err
	}
	l.ratchetPriv = newPriv
	l.ratchetPub = newPub
	l.logger.Debug("ratchet rotated", "linkID", fmt.Sprintf("%x", l.id))
	return nil
}

func (l *Link) handleRatchet(plaintext []byte) {
	if len(plaintext) != 32 {
		return
	}
	var peerNew [32]byte
	copy(peerNew[:], plaintext)

	l.mu.Lock()
	defer l.mu.Unlock()
	shared, err := rnscrypto.Default().X25519(l.ratchetPriv, peerNew)
	if err != nil {
		return
	}
	if err := l.installToken(shared[:], "ratchet", time.Now()); err != nil {
		return
	}
	l.peerRatchetPub = peerNew
	l.logger.Debug("peer ratchet accepted", "linkID", fmt.Sprintf("%x", l.id))
}

// Tick advances keep-alive probing, receipt timeouts, ratchet-window
// expiry and in-flight resource retries. Registered on the transport
// tick loop at link creation.
func (l *Link) Tick(now time.Time) {
	l.mu.Lock()
	if l.status == Closed || l.status == Pending || l.status == Handshake {
		l.mu.Unlock()
		return
	}

	var expired []*receipt
	for h, r := range l.receipts {
		if now.After(r.deadline) {
			delete(l.receipts, h)
			expired = append(expired, r)
		}
	}
	for rid, ts := range l.tokens {
		if !ts.expiresAt.IsZero() && now.After(ts.expiresAt) {
			delete(l.tokens, rid)
		}
	}

	probe := false
	closing := false
	switch {
	case l.awaitingPong && now.Sub(l.probeSent) > StaleTime:
		if l.status == Active {
			l.status = Stale
			probe = true
			l.probeSent = now
			l.logger.Warn("link stale", "linkID", fmt.Sprintf("%x", l.id))
		} else {
			closing = true
		}
	case !l.awaitingPong && now.Sub(l.lastInbound) > KeepaliveInterval:
		probe = true
		l.awaitingPong = true
		l.probeSent = now
	}
	senders := append([]*resource.Sender(nil), l.senders...)
	receivers := append([]*resource.Receiver(nil), l.receivers...)
	l.mu.Unlock()

	for _, r := range expired {
		if r.timedOut != nil {
			r.timedOut()
		}
	}
	if probe {
		if err := l.sendCtx(packet.CtxKeepalive, []byte{keepaliveChallenge}, nil, nil); err != nil {
			l.logger.Debug("keepalive send failed", "error", err)
		}
	}
	if closing {
		l.close(true)
		return
	}
	for _, s := range senders {
		s.Tick(now)
	}
	for _, r := range receivers {
		r.Tick(now)
	}
}

// Teardown closes the link from this side with a best-effort notice
// to the peer (spec §4.4).
func (l *Link) Teardown() {
	_ = l.sendCtx(packet.CtxLinkClose, []byte{0}, nil, nil)
	l.close(true)
}

func (l *Link) close(local bool) {
	l.mu.Lock()
	if l.status == Closed {
		l.mu.Unlock()
		return
	}
	l.status = Closed
	ch := l.ch
	senders := l.senders
	receivers := l.receivers
	receipts := l.receipts
	l.senders = nil
	l.receivers = nil
	l.receipts = make(map[[32]byte]*receipt)
	cb := l.closedCB
	l.mu.Unlock()

	l.t.DeregisterLinkHandler(l.id)
	if ch != nil {
		ch.Shutdown()
	}
	for _, s := range senders {
		s.Cancel(fmt.Errorf("link closed: %w", rnserr.ErrCancelled))
	}
	for _, r := range receivers {
		r.Cancel(fmt.Errorf("link closed: %w", rnserr.ErrCancelled))
	}
	for _, r := range receipts {
		if r.timedOut != nil {
			r.timedOut()
		}
	}
	l.logger.Info("link closed", "linkID", fmt.Sprintf("%x", l.id), "local", local)
	if cb != nil {
		cb(l)
	}
}

// channelMedium adapts the link into the channel package's substrate.
type channelMedium struct{ l *Link }

func (m channelMedium) MDU() int { return m.l.MDU() }
func (m channelMedium) RTT() time.Duration { return m.l.RTT() }
func (m channelMedium) Send(data []byte, delivered func(), timedOut func()) error {
	return m.l.sendCtx(packet.CtxChannel, data, delivered, timedOut)
}

// Channel returns the link's channel, creating it on first use.
func (l *Link) Channel() *channel.Channel {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ch == nil {
		l.ch = channel.New(channelMedium{l}, l.logger)
	}
	return l.ch
}

// resourceMedium adapts the link into the resource package's
// substrate, mapping resource message kinds onto link contexts.
type resourceMedium struct{ l *Link }

var resourceCtx = map[uint8]uint8{
	resource.MsgAdvertisement: packet.CtxResourceAdv,
	resource.MsgRequest:       packet.CtxResourceReq,
	resource.MsgPart:          packet.CtxResourcePrt,
	resource.MsgProof:         packet.CtxResourcePrf,
	resource.MsgCancel:        packet.CtxResourceCnl,
}

func (m resourceMedium) MDU() int { return m.l.MDU() }
func (m resourceMedium) RTT() time.Duration { return m.l.RTT() }
func (m resourceMedium) Send(msg uint8, data []byte) error {
	return m.l.sendCtx(resourceCtx[msg], data, nil, nil)
}

// SendResource transfers data to the peer as a resource (spec §4.5).
// The concluded callback fires on Complete or Failed.
func (l *Link) SendResource(data []byte, concluded func(*resource.Sender), progress func(sent, total int)) (*resource.Sender, error) {
	if l.Status() != Active {
		return nil, fmt.Errorf("link: %w", rnserr.ErrNotReady)
	}
	s, err := resource.Send(resourceMedium{l}, data, l.compressor, func(done *resource.Sender) {
		l.mu.Lock()
		l.senders = removeSender(l.senders, done)
		l.mu.Unlock()
		if concluded != nil {
			concluded(done)
		}
	}, progress, l.logger)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.senders = append(l.senders, s)
	l.mu.Unlock()
	return s, nil
}

func removeSender(list []*resource.Sender, s *resource.Sender) []*resource.Sender {
	for i, cur := range list {
		if cur == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func removeReceiver(list []*resource.Receiver, r *resource.Receiver) []*resource.Receiver {
	for i, cur := range list {
		if cur == r {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// handleResource routes decrypted resource messages to the in-flight
// transfers; each transfer validates the resource hash itself and
// ignores messages that are not for it.
func (l *Link) handleResource(ctx uint8, plaintext []byte) {
	l.mu.Lock()
	senders := append([]*resource.Sender(nil), l.senders...)
	receivers := append([]*resource.Receiver(nil), l.receivers...)
	l.mu.Unlock()

	switch ctx {
	case packet.CtxResourceAdv:
		l.handleResourceAdv(plaintext, receivers)
	case packet.CtxResourceReq:
		for _, s := range senders {
			s.HandleRequest(plaintext)
		}
	case packet.CtxResourcePrf:
		for _, s := range senders {
			s.HandleProof(plaintext)
		}
	case packet.CtxResourcePrt:
		for _, r := range receivers {
			r.HandlePart(plaintext)
		}
	case packet.CtxResourceCnl:
		for _, s := range senders {
			s.HandleCancel(plaintext)
		}
		for _, r := range receivers {
			r.HandleCancel(plaintext)
		}
	}
}

func (l *Link) handleResourceAdv(plaintext []byte, receivers []*resource.Receiver) {
	adv, err := resource.UnpackAdvertisement(plaintext)
	if err != nil {
		l.logger.Debug("advertisement rejected", "error", err)
		return
	}

	for _, r := range receivers {
		if r.OriginalHash() == adv.OriginalHash {
			r.HandleAdvertisement(adv)
			return
		}
	}

	l.mu.Lock()
	strategy := l.rxStrategy
	gate := l.rxGate
	advCB := l.resourceAdvCB
	concludedCB := l.rxConcludedCB
	l.mu.Unlock()

	switch strategy {
	case resource.AcceptNone:
		return
	case resource.AcceptApp:
		if gate == nil || !gate(adv) {
			return
		}
	}

	r, err := resource.Accept(resourceMedium{l}, adv, l.compressor, func(done *resource.Receiver) {
		l.mu.Lock()
		l.receivers = removeReceiver(l.receivers, done)
		l.mu.Unlock()
		if concludedCB != nil {
			concludedCB(done)
		}
	}, nil, l.logger)
	if err != nil {
		l.logger.Debug("advertisement not accepted", "error", err)
		return
	}
	l.mu.Lock()
	l.receivers = append(l.receivers, r)
	l.mu.Unlock()
	if advCB != nil {
		advCB(adv)
	}
}
