package memdrv

import (
	"slices"
	"sync"

	"patchhost/transport"
)

// Port is an in-memory transport.Port. The test hooks (Inject,
// SetAudioInput, Sent, LastAudio, Connections) are safe to call between
// cycles from any goroutine.
type Port struct {
	name string
	kind transport.Kind
	dir  transport.Direction

	// cycle state, touched only inside Cycle
	audio   []float32
	current [][]byte
	read    bool
	written [][]byte

	mu        sync.Mutex
	pending   [][]byte
	sent      [][]byte
	audioIn   []float32
	lastAudio []float32
	conns     map[string]bool
}

func (p *Port) Name() string                   { return p.name }
func (p *Port) Kind() transport.Kind           { return p.kind }
func (p *Port) Direction() transport.Direction { return p.dir }

func (p *Port) AudioBuffer(nframes int) []float32 {
	if len(p.audio) < nframes {
		p.audio = make([]float32, nframes)
	}
	return p.audio[:nframes]
}

func (p *Port) ReadMIDI(nframes int, fn func(msg []byte)) {
	p.read = true
	for _, msg := range p.current {
		fn(msg)
	}
}

func (p *Port) ClearMIDI(nframes int) {
	p.written = p.written[:0]
}

func (p *Port) WriteMIDI(msg []byte) error {
	if p.dir != transport.Output || p.kind != transport.MIDI {
		return transport.ErrWrongKind
	}
	p.written = append(p.written, slices.Clone(msg))
	return nil
}

func (p *Port) begin(nframes int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current, p.pending = p.pending, nil
	p.read = false
	p.written = p.written[:0]
	buf := p.AudioBuffer(nframes)
	if p.kind == transport.Audio && p.dir == transport.Input {
		clear(buf)
		copy(buf, p.audioIn)
	} else {
		// output buffers are not cleared by real drivers either
		for i := range buf {
			buf[i] = 1e9
		}
	}
}

func (p *Port) end(keep bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if keep && !p.read && len(p.current) > 0 {
		p.pending = append(p.current, p.pending...)
	}
	p.current = nil
	p.sent = append(p.sent, p.written...)
	p.written = nil
	p.lastAudio = slices.Clone(p.audio)
}

// Inject queues a raw MIDI message for the next cycle
func (p *Port) Inject(msg ...[]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msg {
		p.pending = append(p.pending, slices.Clone(m))
	}
}

// SetAudioInput sets the samples an audio input port delivers every cycle
func (p *Port) SetAudioInput(samples []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.audioIn = slices.Clone(samples)
}

// Sent returns and clears every message written to an output port
func (p *Port) Sent() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.sent
	p.sent = nil
	return out
}

// LastAudio returns the buffer contents at the end of the last cycle
func (p *Port) LastAudio() []float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.lastAudio)
}

// Connections lists connected endpoints
func (p *Port) Connections() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var names []string
	for name := range p.conns {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
