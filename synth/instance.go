// Package synth adapts soundfont synthesizers to the engine's non-blocking
// deliver/render contract.
package synth

import (
	"math"
	"sync"
	"sync/atomic"

	"patchhost/midi"
)

// channel is the only channel the backend ever sees
const channel int32 = 0

// backend is the part of *meltysynth.Synthesizer an Instance drives
type backend interface {
	ProcessMidiMessage(channel int32, command int32, data1 int32, data2 int32)
	NoteOffAllChannel(channel int32, immediate bool)
	Render(left []float32, right []float32)
}

// Instance is one loaded program. DeliverEvent and RenderFrames never block:
// when the instance is busy the event is dropped or the block is left silent.
type Instance struct {
	program Program

	mu     sync.Mutex
	synth  backend
	closed bool

	gain    atomic.Uint32
	dropped atomic.Uint64
	silent  atomic.Uint64
}

func newInstance(p Program, b backend) *Instance {
	i := &Instance{program: p, synth: b}
	i.SetGain(1)
	return i
}

// Program returns the program the instance was created from
func (i *Instance) Program() Program {
	return i.program
}

// DeliverEvent forwards ev to the synthesizer on the fixed internal channel.
// It returns false when the event was dropped.
func (i *Instance) DeliverEvent(ev midi.Event) bool {
	if !i.mu.TryLock() {
		i.dropped.Add(1)
		return false
	}
	defer i.mu.Unlock()
	if i.closed {
		return false
	}
	i.deliver(ev)
	return true
}

// DeliverEventWait is DeliverEvent for the control thread: it waits for the
// instance instead of dropping.
func (i *Instance) DeliverEventWait(ev midi.Event) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.closed {
		i.deliver(ev)
	}
}

func (i *Instance) deliver(ev midi.Event) {
	switch ev.Type {
	case midi.NoteOn:
		i.synth.ProcessMidiMessage(channel, 0x90, int32(ev.Data1), int32(ev.Data2))
	case midi.NoteOff:
		i.synth.ProcessMidiMessage(channel, 0x80, int32(ev.Data1), int32(ev.Data2))
	case midi.CC:
		i.synth.ProcessMidiMessage(channel, 0xB0, int32(ev.Data1), int32(ev.Data2))
		// all-notes-off is what panic sends, so silence tails as well
		if ev.Data1 == midi.CCAllNotesOff || ev.Data1 == midi.CCAllSoundOff {
			i.synth.NoteOffAllChannel(channel, true)
		}
	case midi.Pitchbend:
		v := int32(ev.Bend) + midi.BendCenter
		i.synth.ProcessMidiMessage(channel, 0xE0, v&0x7F, (v>>7)&0x7F)
	case midi.ChannelAftertouch:
		i.synth.ProcessMidiMessage(channel, 0xD0, int32(ev.Data1), 0)
	case midi.PolyAftertouch:
		i.synth.ProcessMidiMessage(channel, 0xA0, int32(ev.Data1), int32(ev.Data2))
	}
	// program and sysex are ignored, the layer's program is fixed at load
}

// RenderFrames renders min(len(left), len(right)) frames and applies the
// gain. It returns 0 without touching the buffers when the instance is busy.
func (i *Instance) RenderFrames(left, right []float32) int {
	if !i.mu.TryLock() {
		i.silent.Add(1)
		return 0
	}
	defer i.mu.Unlock()
	if i.closed {
		return 0
	}

	n := min(len(left), len(right))
	left, right = left[:n], right[:n]
	i.synth.Render(left, right)

	if g := i.Gain(); g != 1 {
		for k := range left {
			left[k] *= g
			right[k] *= g
		}
	}
	return n
}

// ReleaseAll sends note-off for every sounding voice and resets sustain
func (i *Instance) ReleaseAll() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	i.synth.ProcessMidiMessage(channel, 0xB0, int32(midi.CCSustain), 0)
	i.synth.NoteOffAllChannel(channel, false)
}

func (i *Instance) Gain() float32 {
	return math.Float32frombits(i.gain.Load())
}

func (i *Instance) SetGain(g float32) {
	i.gain.Store(math.Float32bits(max(g, 0)))
}

// Dropped counts events lost to contention
func (i *Instance) Dropped() uint64 {
	return i.dropped.Load()
}

// SilentBlocks counts render calls skipped due to contention
func (i *Instance) SilentBlocks() uint64 {
	return i.silent.Load()
}

// Close releases the synthesizer. It waits for in-flight calls.
func (i *Instance) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	i.synth = nil
	return nil
}
