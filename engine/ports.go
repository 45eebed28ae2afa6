package engine

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"patchhost/midi"
	"patchhost/ringbuf"
	"patchhost/transport"
)

// ErrInternalPort is returned for transport operations on plugin outputs
var ErrInternalPort = errors.New("port belongs to a plugin and has no transport endpoint")

type audioPort struct {
	name    string
	dir     transport.Direction
	port    transport.Port // nil for plugin outputs
	buf     []float32      // plugin outputs only
	plugin  PluginID
	gain    float32
	clients []string
	level   atomic.Uint32 // peak since last read, float32 bits
}

type midiPort struct {
	name    string
	dir     transport.Direction
	port    transport.Port
	filter  midi.Filter
	clients []string
	tx      *ringbuf.Ring[midi.Event] // output ports: queued by the control thread
	noteOns atomic.Int32

	// input state, callback only
	sustain, bend     bool
	sustainCh, bendCh uint8
	bankMSB, bankLSB  int8
}

// AudioPortInfo describes an audio port
type AudioPortInfo struct {
	ID        AudioPortID
	Name      string
	Direction transport.Direction
	Gain      float32
	Clients   []string
	Plugin    PluginID
}

// MidiPortInfo describes a MIDI port
type MidiPortInfo struct {
	ID        MidiPortID
	Name      string
	Direction transport.Direction
	Filter    midi.Filter
	Clients   []string
	NoteOns   int
}

// Connection is a link between two endpoints we do not own
type Connection struct {
	Src, Dst string
}

// AddAudioPort registers an audio port with the transport. On failure a user
// message is sent and nothing is kept.
func (e *Engine) AddAudioPort(name string, dir transport.Direction) (AudioPortID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return AudioPortID{}, ErrClosed
	}

	tp, err := e.driver.RegisterPort(name, transport.Audio, dir)
	if err != nil {
		e.userMessage(fmt.Sprintf("Failed to create audio port %q: %v", name, err))
		return AudioPortID{}, fmt.Errorf("%w: %s: %w", ErrRegistration, name, err)
	}
	p := &audioPort{name: name, dir: dir, port: tp, gain: 1}

	e.publishOutputs(tp)
	e.guards.audio.Lock()
	h := e.audioPorts.insert(p)
	e.guards.audio.Unlock()

	id := AudioPortID{h}
	e.log.Debug("audio port added", zap.String("name", name), zap.Stringer("dir", dir), zap.Stringer("id", id))
	return id, nil
}

// AddMidiPort registers a MIDI port. Input ports start with a pass-all filter.
func (e *Engine) AddMidiPort(name string, dir transport.Direction) (MidiPortID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return MidiPortID{}, ErrClosed
	}

	tp, err := e.driver.RegisterPort(name, transport.MIDI, dir)
	if err != nil {
		e.userMessage(fmt.Sprintf("Failed to create MIDI port %q: %v", name, err))
		return MidiPortID{}, fmt.Errorf("%w: %s: %w", ErrRegistration, name, err)
	}
	p := &midiPort{
		name:    name,
		dir:     dir,
		port:    tp,
		filter:  midi.AllPass(),
		bankMSB: midi.NoBank,
		bankLSB: midi.NoBank,
	}
	if dir == transport.Output {
		p.tx = ringbuf.New[midi.Event](txBufferSize)
	}

	e.publishOutputs(tp)
	e.guards.midi.Lock()
	h := e.midiPorts.insert(p)
	e.guards.midi.Unlock()

	id := MidiPortID{h}
	e.log.Debug("midi port added", zap.String("name", name), zap.Stringer("dir", dir), zap.Stringer("id", id))
	return id, nil
}

// RemoveMidiPort releases every note routed from or to the port, removes its
// routes, disconnects its clients and unregisters it. Note-offs owed to an
// output port are written by the callback before the port goes away.
func (e *Engine) RemoveMidiPort(id MidiPortID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.guards.lockAll()
	p := e.midiPorts.get(id.h)
	if p == nil {
		e.guards.unlockAll()
		return ErrStaleHandle
	}
	for i := range e.midiRoutes.slots {
		r := e.midiRoutes.slots[i].val
		if r == nil {
			continue
		}
		if r.src == id || r.dst == ToPort(id) {
			rid := MidiRouteID{e.midiRoutes.handleAt(i)}
			e.releaseRoute(rid, r, false)
			e.midiRoutes.remove(rid.h)
		}
	}
	if p.dir == transport.Output {
		e.releaseHeld(p)
	}
	e.guards.unlockAll()

	if p.dir == transport.Output {
		e.awaitDrain(p)
	}

	e.guards.lockAll()
	e.midiPorts.remove(id.h)
	e.guards.unlockAll()

	return e.unregister(p.name, p.port, p.clients)
}

// releaseHeld queues all-notes-off on every channel when the port still
// counts sounding notes that no record covers, such as notes from SendMidi.
// Callers hold the MIDI guard.
func (e *Engine) releaseHeld(p *midiPort) {
	if p.noteOns.Load() <= 0 {
		return
	}
	for ch := uint8(0); ch < 16; ch++ {
		if !p.tx.Push(midi.ControlChangeEvent(ch, midi.CCAllNotesOff, 0)) {
			e.log.Warn("port tx buffer full", zap.String("port", p.name))
			break
		}
	}
	p.noteOns.Store(0)
}

// awaitDrain waits until a block has run after the port's queue emptied, so
// queued events reach the transport. It gives up when nothing is processing
// or after drainTimeout. Callers hold e.mu but no guard.
func (e *Engine) awaitDrain(p *midiPort) {
	if p.tx.Len() == 0 || !e.started || e.paused.Load() {
		return
	}
	// the block after start began once the guards were free
	start := e.stats.cycles.Load()
	deadline := time.Now().Add(e.drainTimeout())
	for time.Now().Before(deadline) {
		if p.tx.Len() == 0 && e.stats.cycles.Load() >= start+2 {
			return
		}
		time.Sleep(drainPoll)
	}
	e.log.Warn("port removed with queued events", zap.String("name", p.name), zap.Int("queued", p.tx.Len()))
}

// drainTimeout allows several blocks, never less than minDrainTimeout
func (e *Engine) drainTimeout() time.Duration {
	rate, block := e.driver.SampleRate(), e.driver.BufferSize()
	if rate <= 0 || block <= 0 {
		return minDrainTimeout
	}
	return max(minDrainTimeout, 8*time.Duration(block)*time.Second/time.Duration(rate))
}

// RemoveAudioPort removes the port's routes, disconnects its clients and
// unregisters it. Plugin outputs are removed with their plugin.
func (e *Engine) RemoveAudioPort(id AudioPortID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.audioPorts.get(id.h)
	if p == nil {
		return ErrStaleHandle
	}
	if p.port == nil {
		return ErrInternalPort
	}

	e.guards.audio.Lock()
	e.removeAudioRoutesOf(id)
	e.audioPorts.remove(id.h)
	e.guards.audio.Unlock()

	return e.unregister(p.name, p.port, p.clients)
}

// removeAudioRoutesOf drops every audio route touching id. Callers hold the
// audio guard.
func (e *Engine) removeAudioRoutesOf(id AudioPortID) {
	for i := range e.audioRoutes.slots {
		r := e.audioRoutes.slots[i].val
		if r != nil && (r.src == id || r.dst == id) {
			e.audioRoutes.remove(e.audioRoutes.handleAt(i))
		}
	}
}

// unregister finishes a port removal once the port is out of the tables.
// The outputs snapshot is republished and old readers drained first.
func (e *Engine) unregister(name string, tp transport.Port, clients []string) error {
	e.publishOutputs()
	e.waitReaders()

	var err error
	for _, c := range clients {
		multierr.AppendInto(&err, e.driver.Disconnect(tp, c))
	}
	multierr.AppendInto(&err, e.driver.UnregisterPort(tp))
	if err != nil {
		e.log.Warn("port removal incomplete", zap.String("name", name), zap.Error(err))
	} else {
		e.log.Debug("port removed", zap.String("name", name))
	}
	return err
}

// RemoveAllPorts removes every transport port, continuing past failures
func (e *Engine) RemoveAllPorts() error {
	e.mu.Lock()
	var midiIDs []MidiPortID
	var audioIDs []AudioPortID
	for i := range e.midiPorts.slots {
		if e.midiPorts.slots[i].val != nil {
			midiIDs = append(midiIDs, MidiPortID{e.midiPorts.handleAt(i)})
		}
	}
	for i := range e.audioPorts.slots {
		if p := e.audioPorts.slots[i].val; p != nil && p.port != nil {
			audioIDs = append(audioIDs, AudioPortID{e.audioPorts.handleAt(i)})
		}
	}
	e.mu.Unlock()

	var err error
	for _, id := range midiIDs {
		multierr.AppendInto(&err, e.RemoveMidiPort(id))
	}
	for _, id := range audioIDs {
		multierr.AppendInto(&err, e.RemoveAudioPort(id))
	}
	return err
}

// clientList returns the port's client list and transport port. Callers hold
// e.mu.
func (e *Engine) clientList(id PortID) (*[]string, transport.Port, error) {
	switch id.kind() {
	case transport.MIDI:
		if p := e.midiPorts.get(id.ref()); p != nil {
			return &p.clients, p.port, nil
		}
	case transport.Audio:
		if p := e.audioPorts.get(id.ref()); p != nil {
			if p.port == nil {
				return nil, nil, ErrInternalPort
			}
			return &p.clients, p.port, nil
		}
	}
	return nil, nil, ErrStaleHandle
}

// AddPortClient connects the port to an external endpoint. Adding a client
// that is already connected does nothing.
func (e *Engine) AddPortClient(id PortID, endpoint string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	clients, tp, err := e.clientList(id)
	if err != nil {
		return err
	}
	if slices.Contains(*clients, endpoint) {
		return nil
	}
	if err := e.driver.Connect(tp, endpoint); err != nil {
		e.userMessage(fmt.Sprintf("Failed to connect %s to %s: %v", tp.Name(), endpoint, err))
		return err
	}
	*clients = append(*clients, endpoint)
	return nil
}

// RemoveAndDisconnectPortClient disconnects an endpoint. Removing a client
// that is not connected does nothing.
func (e *Engine) RemoveAndDisconnectPortClient(id PortID, endpoint string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	clients, tp, err := e.clientList(id)
	if err != nil {
		return err
	}
	i := slices.Index(*clients, endpoint)
	if i < 0 {
		return nil
	}
	*clients = slices.Delete(*clients, i, i+1)
	if err := e.driver.Disconnect(tp, endpoint); err != nil {
		e.log.Warn("disconnect failed", zap.String("port", tp.Name()), zap.String("endpoint", endpoint), zap.Error(err))
		return err
	}
	return nil
}

// PortClients lists the endpoints a port is connected to
func (e *Engine) PortClients(id PortID) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	clients, _, err := e.clientList(id)
	if err != nil {
		return nil, err
	}
	return slices.Clone(*clients), nil
}

// SetAudioPortGain sets a port's gain. It applies to the port's signal as a
// route source and to the summed signal of an output bus.
func (e *Engine) SetAudioPortGain(id AudioPortID, gain float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.guards.audio.Lock()
	defer e.guards.audio.Unlock()
	p := e.audioPorts.get(id.h)
	if p == nil {
		return ErrStaleHandle
	}
	p.gain = max(gain, 0)
	return nil
}

func (e *Engine) AudioPortGain(id AudioPortID) (float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.audioPorts.get(id.h)
	if p == nil {
		return 0, ErrStaleHandle
	}
	return p.gain, nil
}

// SetPortFilter replaces an input port's filter. Notes already sounding are
// released with the transform they were started with.
func (e *Engine) SetPortFilter(id MidiPortID, f midi.Filter) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	f = f.Clone()
	e.guards.midi.Lock()
	defer e.guards.midi.Unlock()
	p := e.midiPorts.get(id.h)
	if p == nil {
		return ErrStaleHandle
	}
	if p.dir != transport.Input {
		return ErrWrongDirection
	}
	p.filter = f
	return nil
}

func (e *Engine) PortFilter(id MidiPortID) (midi.Filter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.midiPorts.get(id.h)
	if p == nil {
		return midi.Filter{}, ErrStaleHandle
	}
	return p.filter.Clone(), nil
}

// MidiPorts returns a snapshot of every MIDI port
func (e *Engine) MidiPorts() []MidiPortInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	infos := make([]MidiPortInfo, 0, e.midiPorts.len())
	for i := range e.midiPorts.slots {
		p := e.midiPorts.slots[i].val
		if p == nil {
			continue
		}
		infos = append(infos, MidiPortInfo{
			ID:        MidiPortID{e.midiPorts.handleAt(i)},
			Name:      p.name,
			Direction: p.dir,
			Filter:    p.filter.Clone(),
			Clients:   slices.Clone(p.clients),
			NoteOns:   int(p.noteOns.Load()),
		})
	}
	return infos
}

// AudioPorts returns a snapshot of every audio port, plugin outputs included
func (e *Engine) AudioPorts() []AudioPortInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	infos := make([]AudioPortInfo, 0, e.audioPorts.len())
	for i := range e.audioPorts.slots {
		p := e.audioPorts.slots[i].val
		if p == nil {
			continue
		}
		infos = append(infos, AudioPortInfo{
			ID:        AudioPortID{e.audioPorts.handleAt(i)},
			Name:      p.name,
			Direction: p.dir,
			Gain:      p.gain,
			Clients:   slices.Clone(p.clients),
			Plugin:    p.plugin,
		})
	}
	return infos
}

// Endpoints lists external endpoints a port of kind and dir can connect to
func (e *Engine) Endpoints(kind transport.Kind, dir transport.Direction) []string {
	return e.driver.Endpoints(kind, dir)
}

// AddExternalConnection links two endpoints that belong to other clients.
// Adding an existing connection does nothing.
func (e *Engine) AddExternalConnection(src, dst string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := Connection{Src: src, Dst: dst}
	if slices.Contains(e.connections, c) {
		return nil
	}
	if err := e.driver.ConnectEndpoints(src, dst); err != nil {
		e.userMessage(fmt.Sprintf("Failed to connect %s to %s: %v", src, dst, err))
		return err
	}
	e.connections = append(e.connections, c)
	return nil
}

// RemoveExternalConnection undoes AddExternalConnection
func (e *Engine) RemoveExternalConnection(src, dst string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	i := slices.Index(e.connections, Connection{Src: src, Dst: dst})
	if i < 0 {
		return nil
	}
	e.connections = slices.Delete(e.connections, i, i+1)
	return e.driver.DisconnectEndpoints(src, dst)
}

// ExternalConnections lists the links made with AddExternalConnection
func (e *Engine) ExternalConnections() []Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.connections)
}
