package padrv

import (
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"patchhost/ringbuf"
	"patchhost/transport"
)

const (
	maxPacket      = 256
	inputRingSize  = 128
	outputRingSize = 256
)

// packet holds one MIDI message by value so rings never share memory
type packet struct {
	n int
	b [maxPacket]byte
}

func (pk *packet) set(msg []byte) bool {
	if len(msg) == 0 || len(msg) > maxPacket {
		return false
	}
	pk.n = copy(pk.b[:], msg)
	return true
}

func newInputRing() *ringbuf.Ring[packet] {
	return ringbuf.New[packet](inputRingSize)
}

// link is one connection of a port. MIDI links are closed while their
// device is unplugged and reopened when it returns.
type link struct {
	endpoint string
	rx       *ringbuf.Ring[packet]
	stop     func()
	send     func(msg []byte) error
}

func (l *link) open() bool { return l.stop != nil || l.send != nil }

func (l *link) close() {
	if l.stop != nil {
		l.stop()
	}
	l.rx, l.stop, l.send = nil, nil, nil
}

// Port implements transport.Port
type Port struct {
	name string
	kind transport.Kind
	dir  transport.Direction

	buf     []float32
	scratch packet
	inputs  atomic.Pointer[[]*ringbuf.Ring[packet]]
	tx      *ringbuf.Ring[packet]

	mu    sync.Mutex
	links []*link
}

func newPort(name string, kind transport.Kind, dir transport.Direction, block int) *Port {
	p := &Port{name: name, kind: kind, dir: dir}
	if kind == transport.Audio {
		p.buf = make([]float32, block)
	}
	if kind == transport.MIDI && dir == transport.Output {
		p.tx = ringbuf.New[packet](outputRingSize)
	}
	p.inputs.Store(&[]*ringbuf.Ring[packet]{})
	return p
}

func (p *Port) Name() string                   { return p.name }
func (p *Port) Kind() transport.Kind           { return p.kind }
func (p *Port) Direction() transport.Direction { return p.dir }

func (p *Port) AudioBuffer(nframes int) []float32 {
	return p.buf[:min(nframes, len(p.buf))]
}

func (p *Port) ReadMIDI(nframes int, fn func(msg []byte)) {
	for _, rx := range *p.inputs.Load() {
		for {
			pk, ok := rx.Pop()
			if !ok {
				break
			}
			p.scratch = pk
			fn(p.scratch.b[:p.scratch.n])
		}
	}
}

// ClearMIDI does nothing; written messages leave through the sender
func (p *Port) ClearMIDI(nframes int) {}

func (p *Port) WriteMIDI(msg []byte) error {
	if p.tx == nil {
		return transport.ErrWrongKind
	}
	if !p.scratch.set(msg) {
		return transport.ErrBufferFull
	}
	if !p.tx.Push(p.scratch) {
		return transport.ErrBufferFull
	}
	return nil
}

func (p *Port) flush(log *zap.Logger) {
	for {
		pk, ok := p.tx.Pop()
		if !ok {
			return
		}
		msg := pk.b[:pk.n]
		p.mu.Lock()
		for _, l := range p.links {
			if l.send == nil {
				continue
			}
			if err := l.send(msg); err != nil {
				log.Debug("midi send failed", zap.String("port", p.name), zap.String("device", l.endpoint), zap.Error(err))
			}
		}
		p.mu.Unlock()
	}
}

func (p *Port) endpoints() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.links))
	for _, l := range p.links {
		names = append(names, l.endpoint)
	}
	return names
}

func (p *Port) hasLink(endpoint string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.ContainsFunc(p.links, func(l *link) bool { return l.endpoint == endpoint })
}

func (p *Port) addLink(l *link) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slices.ContainsFunc(p.links, func(o *link) bool { return o.endpoint == l.endpoint }) {
		return
	}
	p.links = append(p.links, l)
	p.publishInputs()
}

func (p *Port) removeLink(endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.links = slices.DeleteFunc(p.links, func(l *link) bool {
		if l.endpoint != endpoint {
			return false
		}
		l.close()
		return true
	})
	p.publishInputs()
}

func (p *Port) closeLinks() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range p.links {
		l.close()
	}
	p.links = nil
	p.publishInputs()
}

// publishInputs hands the callback the rings of every open input link.
// Called with p.mu held.
func (p *Port) publishInputs() {
	rings := make([]*ringbuf.Ring[packet], 0, len(p.links))
	for _, l := range p.links {
		if l.rx != nil {
			rings = append(rings, l.rx)
		}
	}
	p.inputs.Store(&rings)
}
