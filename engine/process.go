package engine

import (
	"math"

	"patchhost/midi"
	"patchhost/transport"
)

// inputState is the context handleInput runs in while one port is read
type inputState struct {
	id        MidiPortID
	port      *midiPort
	transpose int
	panic     bool
}

// Process runs one block. It is the transport's real-time callback: it never
// blocks, never allocates and never logs. When a guard is held by the control
// thread the guarded work is skipped for this block and the outputs it would
// have written are cleared instead.
func (e *Engine) Process(nframes int) {
	e.stats.cycles.Add(1)
	e.rendered = false

	if e.paused.Load() {
		e.silence(nframes, true, true)
		return
	}

	g := e.guards
	if g.single {
		if !g.midi.TryLock() {
			e.stats.guardMisses.Add(1)
			e.silence(nframes, true, true)
			return
		}
		e.processMidi(nframes)
		e.renderPlugins(nframes)
		e.mixAudio(nframes)
		g.midi.Unlock()
	} else {
		if g.midi.TryLock() {
			e.processMidi(nframes)
			g.midi.Unlock()
		} else {
			e.stats.guardMisses.Add(1)
			e.silence(nframes, false, true)
		}
		if g.synth.TryLock() {
			e.renderPlugins(nframes)
			g.synth.Unlock()
		} else {
			e.stats.guardMisses.Add(1)
		}
		if g.audio.TryLock() {
			e.mixAudio(nframes)
			g.audio.Unlock()
		} else {
			e.stats.guardMisses.Add(1)
			e.silence(nframes, true, false)
		}
	}

	if e.rx.Len() > 0 {
		e.signal()
	}
}

// silence clears every output port through the published snapshot. When the
// MIDI work is skipped the inputs are read and discarded, so a driver that
// buffers between blocks does not replay them late.
func (e *Engine) silence(nframes int, audio, midiWork bool) {
	e.readers.Add(1)
	out := e.outputs.Load()
	if audio {
		for _, p := range out.audio {
			clear(p.AudioBuffer(nframes))
		}
	}
	if midiWork {
		for _, p := range out.midi {
			p.ClearMIDI(nframes)
		}
		for _, p := range out.midiIn {
			p.ReadMIDI(nframes, discard)
		}
	}
	e.readers.Add(-1)
}

func discard([]byte) {}

func (e *Engine) processMidi(nframes int) {
	// output buffers first, then anything queued by the control thread
	for i := range e.midiPorts.slots {
		p := e.midiPorts.slots[i].val
		if p == nil || p.dir != transport.Output {
			continue
		}
		p.port.ClearMIDI(nframes)
		for {
			ev, ok := p.tx.Pop()
			if !ok {
				break
			}
			e.write(p, ev)
		}
	}

	for i := range e.midiRoutes.slots {
		r := e.midiRoutes.slots[i].val
		if r == nil {
			continue
		}
		for {
			ev, ok := r.tx.Pop()
			if !ok {
				break
			}
			e.dispatch(r.dst, ev)
		}
		if r.prevActive && !r.active {
			e.releaseRoute(MidiRouteID{e.midiRoutes.handleAt(i)}, r, true)
		}
		r.prevActive = r.active
	}

	panicking := e.panicking.Load()
	if panicking && !e.prevPanic {
		e.panicAll()
	}
	e.prevPanic = panicking

	e.cur.transpose = int(e.transpose.Load())
	e.cur.panic = panicking
	for i := range e.midiPorts.slots {
		p := e.midiPorts.slots[i].val
		if p == nil || p.dir != transport.Input {
			continue
		}
		e.cur.id = MidiPortID{e.midiPorts.handleAt(i)}
		e.cur.port = p
		p.port.ReadMIDI(nframes, e.inputFn)
	}
	e.cur.port = nil
}

// handleInput runs one raw input event through the port filter, the global
// transpose and every route from the port.
func (e *Engine) handleInput(raw []byte) {
	ev, ok := midi.Decode(raw)
	if !ok {
		return
	}
	id, p := e.cur.id, e.cur.port
	ev = p.trackBank(ev)
	e.pushRx(id, MidiRouteID{}, ev)

	filtered, pass := midi.Apply(p.filter, ev)
	if pass {
		filtered, pass = midi.Transpose(filtered, e.cur.transpose)
	}
	if pass {
		p.trackControllers(filtered)
	}

	for i := range e.midiRoutes.slots {
		r := e.midiRoutes.slots[i].val
		if r == nil || r.src != id {
			continue
		}
		rid := MidiRouteID{e.midiRoutes.handleAt(i)}

		// a recorded note is released as it was started
		if ev.Type == midi.NoteOff {
			if k := e.notes.find(id, rid, ev.Data1, ev.Channel); k >= 0 {
				rec := e.notes.removeAt(k)
				off := rec.noteOff(ev.Data2)
				e.dispatch(rec.dst, off)
				e.pushRx(id, rid, off)
				continue
			}
		}
		if !r.active || !pass {
			continue
		}
		out, ok := midi.Apply(r.filter, filtered)
		if !ok {
			continue
		}
		if out.Type == midi.NoteOn {
			if e.cur.panic {
				continue
			}
			rec := noteRecord{
				src:        id,
				route:      rid,
				inNote:     ev.Data1,
				inChannel:  ev.Channel,
				outNote:    out.Data1,
				outChannel: out.Channel,
				dst:        r.dst,
			}
			if !e.notes.add(rec) {
				e.stats.recordOverflows.Add(1)
				continue
			}
		}
		e.dispatch(r.dst, out)
		e.pushRx(id, rid, out)
	}
}

// trackBank attaches the preceding bank select to a program change. Any
// other channel message cancels a pending bank select.
func (p *midiPort) trackBank(ev midi.Event) midi.Event {
	switch {
	case ev.Type == midi.CC && ev.Data1 == midi.CCBankMSB:
		p.bankMSB = int8(ev.Data2)
	case ev.Type == midi.CC && ev.Data1 == midi.CCBankLSB:
		p.bankLSB = int8(ev.Data2)
	case ev.Type == midi.Program:
		ev.BankMSB, ev.BankLSB = p.bankMSB, p.bankLSB
		p.bankMSB, p.bankLSB = midi.NoBank, midi.NoBank
	case ev.IsChannelMessage():
		p.bankMSB, p.bankLSB = midi.NoBank, midi.NoBank
	}
	return ev
}

// trackControllers remembers engaged sustain and pitchbend so route
// deactivation can reset them.
func (p *midiPort) trackControllers(ev midi.Event) {
	switch {
	case ev.Type == midi.CC && ev.Data1 == midi.CCSustain:
		p.sustain, p.sustainCh = ev.Data2 != 0, ev.Channel
	case ev.Type == midi.Pitchbend:
		p.bend, p.bendCh = ev.Bend != 0, ev.Channel
	}
}

func (e *Engine) pushRx(port MidiPortID, route MidiRouteID, ev midi.Event) {
	ev.SysEx = nil
	if !e.rx.Push(RxEvent{Port: port, Route: route, Event: ev}) {
		e.stats.rxOverflows.Add(1)
	}
}

// panicAll releases every recorded note and sends all-notes-off through
// every active route.
func (e *Engine) panicAll() {
	for i := 0; i < e.notes.n; i++ {
		rec := &e.notes.recs[i]
		e.dispatch(rec.dst, rec.noteOff(0))
	}
	e.notes.clear()

	for i := range e.midiRoutes.slots {
		r := e.midiRoutes.slots[i].val
		if r == nil || !r.active {
			continue
		}
		if r.dst.kind == DestPlugin || r.filter.OutChannel >= 0 {
			e.dispatch(r.dst, midi.ControlChangeEvent(r.channel(0), midi.CCAllNotesOff, 0))
			continue
		}
		for ch := uint8(0); ch < 16; ch++ {
			e.dispatch(r.dst, midi.ControlChangeEvent(ch, midi.CCAllNotesOff, 0))
		}
	}
}

// dispatch delivers one event from the callback
func (e *Engine) dispatch(dst Destination, ev midi.Event) {
	switch dst.kind {
	case DestPort:
		p := e.midiPorts.get(dst.port.h)
		if p == nil || p.dir != transport.Output {
			return
		}
		if e.write(p, ev) {
			countNote(p, ev)
		}
	case DestPlugin:
		pl := e.plugins.get(dst.plugin.h)
		if pl == nil {
			return
		}
		if !pl.synth.DeliverEvent(ev) {
			e.stats.synthDrops.Add(1)
		}
	}
}

// write encodes ev into the port's buffer for this block
func (e *Engine) write(p *midiPort, ev midi.Event) bool {
	if ev.Type == midi.SysEx && len(ev.SysEx)+2 > len(e.scratch) {
		return false
	}
	return p.port.WriteMIDI(ev.Encode(e.scratch[:0])) == nil
}

func (e *Engine) renderPlugins(nframes int) {
	for i := range e.plugins.slots {
		pl := e.plugins.slots[i].val
		if pl == nil {
			continue
		}
		n := min(nframes, len(pl.bufL))
		clear(pl.bufL[:n])
		clear(pl.bufR[:n])
		pl.synth.RenderFrames(pl.bufL[:n], pl.bufR[:n])
	}
	e.rendered = true
}

// source returns the block a route reads from, or nil
func (e *Engine) source(p *audioPort, nframes int) []float32 {
	if p.port != nil {
		return p.port.AudioBuffer(nframes)
	}
	if !e.rendered {
		return nil
	}
	return p.buf[:min(nframes, len(p.buf))]
}

func (e *Engine) mixAudio(nframes int) {
	for i := range e.audioPorts.slots {
		p := e.audioPorts.slots[i].val
		if p != nil && p.port != nil && p.dir == transport.Output {
			clear(p.port.AudioBuffer(nframes))
		}
	}

	fade := float32(e.opts.fadeFrames)
	for i := range e.audioRoutes.slots {
		r := e.audioRoutes.slots[i].val
		if r == nil {
			continue
		}
		if r.active != r.prevActive {
			r.fading = !r.active
			r.fadeLeft = e.opts.fadeFrames
			r.prevActive = r.active
		}
		if !r.active && !r.fading {
			continue
		}

		sp, dp := e.audioPorts.get(r.src.h), e.audioPorts.get(r.dst.h)
		if sp == nil || dp == nil {
			continue
		}
		in := e.source(sp, nframes)
		out := dp.port.AudioBuffer(nframes)
		n := min(len(in), len(out))
		gain := r.gain * sp.gain

		if !r.fading {
			for k := 0; k < n; k++ {
				out[k] += in[k] * gain
			}
			continue
		}
		for k := 0; k < n && r.fadeLeft > 0; k++ {
			out[k] += in[k] * gain * float32(r.fadeLeft) / fade
			r.fadeLeft--
		}
		if r.fadeLeft == 0 {
			r.fading = false
		}
	}

	for i := range e.audioPorts.slots {
		p := e.audioPorts.slots[i].val
		if p == nil {
			continue
		}
		var buf []float32
		switch {
		case p.port != nil && p.dir == transport.Output:
			buf = p.port.AudioBuffer(nframes)
			if p.gain != 1 {
				for k := range buf {
					buf[k] *= p.gain
				}
			}
		default:
			buf = e.source(p, nframes)
		}
		p.meter(buf)
	}
}

// meter raises the port's peak hold to the block's peak
func (p *audioPort) meter(buf []float32) {
	var pk float32
	for _, s := range buf {
		pk = max(pk, float32(math.Abs(float64(s))))
	}
	if pk > math.Float32frombits(p.level.Load()) {
		p.level.Store(math.Float32bits(pk))
	}
}
