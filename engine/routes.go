package engine

import (
	"go.uber.org/zap"

	"patchhost/midi"
	"patchhost/ringbuf"
	"patchhost/transport"
)

type midiRoute struct {
	src    MidiPortID
	dst    Destination
	filter midi.Filter
	tx     *ringbuf.Ring[midi.Event]

	active     bool
	prevActive bool // callback only
}

type audioRoute struct {
	src, dst AudioPortID
	gain     float32
	active   bool

	// callback only
	prevActive bool
	fading     bool
	fadeLeft   int
}

// MidiRouteInfo describes a MIDI route
type MidiRouteInfo struct {
	ID     MidiRouteID
	Source MidiPortID
	Dest   Destination
	Filter midi.Filter
	Active bool
}

// AudioRouteInfo describes an audio route
type AudioRouteInfo struct {
	ID     AudioRouteID
	Source AudioPortID
	Dest   AudioPortID
	Gain   float32
	Active bool
}

// checkDestination reports whether dst can receive MIDI. Callers hold e.mu.
func (e *Engine) checkDestination(dst Destination) error {
	switch dst.kind {
	case DestPort:
		p := e.midiPorts.get(dst.port.h)
		if p == nil {
			return ErrStaleHandle
		}
		if p.dir != transport.Output {
			return ErrWrongDirection
		}
		return nil
	case DestPlugin:
		if e.plugins.get(dst.plugin.h) == nil {
			return ErrStaleHandle
		}
		return nil
	}
	return ErrInvalidDestination
}

// AddMidiRoute routes events from an input port to dst through f. Routes
// start inactive.
func (e *Engine) AddMidiRoute(src MidiPortID, dst Destination, f midi.Filter) (MidiRouteID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.midiPorts.get(src.h)
	if p == nil {
		return MidiRouteID{}, ErrStaleHandle
	}
	if p.dir != transport.Input {
		return MidiRouteID{}, ErrWrongDirection
	}
	if err := e.checkDestination(dst); err != nil {
		return MidiRouteID{}, err
	}

	r := &midiRoute{
		src:    src,
		dst:    dst,
		filter: f.Clone(),
		tx:     ringbuf.New[midi.Event](txBufferSize),
	}
	e.guards.midi.Lock()
	h := e.midiRoutes.insert(r)
	e.guards.midi.Unlock()

	id := MidiRouteID{h}
	e.log.Debug("midi route added", zap.Stringer("id", id), zap.Stringer("src", src), zap.Stringer("dst", dst))
	return id, nil
}

// AddAudioRoute sums src into dst. src is an input port or a plugin output,
// dst an output port. Routes start inactive with unity gain.
func (e *Engine) AddAudioRoute(src, dst AudioPortID) (AudioRouteID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sp, dp := e.audioPorts.get(src.h), e.audioPorts.get(dst.h)
	if sp == nil || dp == nil {
		return AudioRouteID{}, ErrStaleHandle
	}
	if sp.dir != transport.Input || dp.dir != transport.Output || dp.port == nil {
		return AudioRouteID{}, ErrWrongDirection
	}

	r := &audioRoute{src: src, dst: dst, gain: 1}
	e.guards.audio.Lock()
	h := e.audioRoutes.insert(r)
	e.guards.audio.Unlock()

	id := AudioRouteID{h}
	e.log.Debug("audio route added", zap.Stringer("id", id), zap.Stringer("src", src), zap.Stringer("dst", dst))
	return id, nil
}

// SetMidiRouteActive activates or deactivates a route. On deactivation the
// next block releases every note the route started.
func (e *Engine) SetMidiRouteActive(id MidiRouteID, active bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.guards.midi.Lock()
	defer e.guards.midi.Unlock()
	r := e.midiRoutes.get(id.h)
	if r == nil {
		return ErrStaleHandle
	}
	r.active = active
	return nil
}

// SetAudioRouteActive activates a route immediately or starts its fade-out
func (e *Engine) SetAudioRouteActive(id AudioRouteID, active bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.guards.audio.Lock()
	defer e.guards.audio.Unlock()
	r := e.audioRoutes.get(id.h)
	if r == nil {
		return ErrStaleHandle
	}
	r.active = active
	return nil
}

func (e *Engine) SetAudioRouteGain(id AudioRouteID, gain float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.guards.audio.Lock()
	defer e.guards.audio.Unlock()
	r := e.audioRoutes.get(id.h)
	if r == nil {
		return ErrStaleHandle
	}
	r.gain = max(gain, 0)
	return nil
}

// SetMidiRouteFilter replaces a route's filter. Sounding notes keep the
// transform they were started with.
func (e *Engine) SetMidiRouteFilter(id MidiRouteID, f midi.Filter) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	f = f.Clone()
	e.guards.midi.Lock()
	defer e.guards.midi.Unlock()
	r := e.midiRoutes.get(id.h)
	if r == nil {
		return ErrStaleHandle
	}
	r.filter = f
	return nil
}

// SendMidi queues events for the route's destination. They are sent on the
// next block, unfiltered, whether or not the route is active. Events that do
// not fit are dropped and counted.
func (e *Engine) SendMidi(id MidiRouteID, events ...midi.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.midiRoutes.get(id.h)
	if r == nil {
		return ErrStaleHandle
	}
	dropped := 0
	for _, ev := range events {
		ev.SysEx = append([]byte(nil), ev.SysEx...)
		if !r.tx.Push(ev) {
			dropped++
		}
	}
	if dropped > 0 {
		e.log.Warn("route tx buffer full", zap.Stringer("route", id), zap.Int("dropped", dropped))
		return ErrTxFull
	}
	return nil
}

// RemoveMidiRoute releases the route's notes and deletes it
func (e *Engine) RemoveMidiRoute(id MidiRouteID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.guards.midi.Lock()
	defer e.guards.midi.Unlock()
	r := e.midiRoutes.get(id.h)
	if r == nil {
		return ErrStaleHandle
	}
	e.releaseRoute(id, r, false)
	e.midiRoutes.remove(id.h)
	return nil
}

// RemoveAudioRoute deletes a route without fading
func (e *Engine) RemoveAudioRoute(id AudioRouteID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.guards.audio.Lock()
	defer e.guards.audio.Unlock()
	if !e.audioRoutes.remove(id.h) {
		return ErrStaleHandle
	}
	return nil
}

// MidiRoutes returns a snapshot of every MIDI route
func (e *Engine) MidiRoutes() []MidiRouteInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	infos := make([]MidiRouteInfo, 0, e.midiRoutes.len())
	for i := range e.midiRoutes.slots {
		r := e.midiRoutes.slots[i].val
		if r == nil {
			continue
		}
		infos = append(infos, MidiRouteInfo{
			ID:     MidiRouteID{e.midiRoutes.handleAt(i)},
			Source: r.src,
			Dest:   r.dst,
			Filter: r.filter.Clone(),
			Active: r.active,
		})
	}
	return infos
}

// AudioRoutes returns a snapshot of every audio route
func (e *Engine) AudioRoutes() []AudioRouteInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	infos := make([]AudioRouteInfo, 0, e.audioRoutes.len())
	for i := range e.audioRoutes.slots {
		r := e.audioRoutes.slots[i].val
		if r == nil {
			continue
		}
		infos = append(infos, AudioRouteInfo{
			ID:     AudioRouteID{e.audioRoutes.handleAt(i)},
			Source: r.src,
			Dest:   r.dst,
			Gain:   r.gain,
			Active: r.active,
		})
	}
	return infos
}

// releaseRoute sends a NoteOff for every note the route started, then resets
// sustain and pitchbend when the source left them engaged. rt selects the
// callback's direct dispatch over the control thread's queued delivery.
// Callers hold the MIDI guard.
func (e *Engine) releaseRoute(id MidiRouteID, r *midiRoute, rt bool) {
	for i := 0; i < e.notes.n; {
		rec := &e.notes.recs[i]
		if rec.route != id {
			i++
			continue
		}
		e.emit(rec.dst, rec.noteOff(0), rt)
		e.notes.removeAt(i)
	}

	src := e.midiPorts.get(r.src.h)
	if src == nil {
		return
	}
	if src.sustain {
		e.emit(r.dst, midi.ControlChangeEvent(r.channel(src.sustainCh), midi.CCSustain, 0), rt)
	}
	if src.bend {
		e.emit(r.dst, midi.PitchBendEvent(r.channel(src.bendCh), 0), rt)
	}
}

// channel maps an input channel to the channel the route sends on
func (r *midiRoute) channel(in uint8) uint8 {
	if r.filter.OutChannel >= 0 {
		return uint8(r.filter.OutChannel) & 0x0F
	}
	return in
}

func (e *Engine) emit(dst Destination, ev midi.Event, rt bool) {
	if rt {
		e.dispatch(dst, ev)
		return
	}
	switch dst.kind {
	case DestPort:
		if p := e.midiPorts.get(dst.port.h); p != nil && p.tx != nil {
			if !p.tx.Push(ev) {
				e.log.Warn("port tx buffer full", zap.String("port", p.name), zap.Stringer("event", ev))
				return
			}
			countNote(p, ev)
		}
	case DestPlugin:
		if pl := e.plugins.get(dst.plugin.h); pl != nil {
			pl.synth.DeliverEventWait(ev)
		}
	}
}

// countNote keeps the output port's sounding-note counter
func countNote(p *midiPort, ev midi.Event) {
	switch {
	case ev.Type == midi.NoteOn:
		p.noteOns.Add(1)
	case ev.Type == midi.NoteOff:
		if p.noteOns.Add(-1) < 0 {
			p.noteOns.Store(0)
		}
	case ev.Type == midi.CC && ev.Data1 == midi.CCAllNotesOff:
		p.noteOns.Store(0)
	}
}
