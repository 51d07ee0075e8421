package transport

import (
	"fmt"
	"sync/atomic"
)

// PipeInterface is an in-process Interface pair, used for loopback
// wiring and tests. Frames written on one end surface as inbound
// buffers on the other, delivered in order by a pump goroutine so a
// send never re-enters the sender's stack.
type PipeInterface struct {
	name    string
	peer    *PipeInterface
	queue   chan []byte
	online  atomic.Bool
	dropped atomic.Uint64
}

// NewPair creates two connected pipe ends.
func NewPair(nameA, nameB string) (*PipeInterface, *PipeInterface) {
	a := &PipeInterface{name: nameA, queue: make(chan []byte, 256)}
	b := &PipeInterface{name: nameB, queue: make(chan []byte, 256)}
	a.peer = b
	b.peer = a
	a.online.Store(true)
	b.online.Store(true)
	return a, b
}

// Start begins delivering this end's inbound frames to t. Call once,
// after attaching the interface.
func (p *PipeInterface) Start(t *Transport) {
	go func() {
		for data := range p.queue {
			t.Inbound(data, p)
		}
	}()
}

// Close stops delivery on this end.
func (p *PipeInterface) Close() {
	if p.online.CompareAndSwap(true, false) {
		close(p.queue)
	}
}

// ProcessOutgoing hands data to the peer end. A full peer queue drops
// the frame, as a saturated physical interface would.
func (p *PipeInterface) ProcessOutgoing(data []byte) error {
	if !p.peer.online.Load() {
		return fmt.Errorf("pipe %s: peer offline", p.name)
	}
	buf := append([]byte(nil), data...)
	select {
	case p.peer.queue <- buf:
		return nil
	default:
		p.dropped.Add(1)
		return nil
	}
}

func (p *PipeInterface) Bitrate() int { return 1_000_000_000 }
func (p *PipeInterface) HWMTU() int { return 262144 }
func (p *PipeInterface) CanSend() bool { return p.online.Load() }
func (p *PipeInterface) CanReceive() bool { return p.online.Load() }
func (p *PipeInterface) Online() bool { return p.online.Load() }
func (p *PipeInterface) Name() string { return p.name }
