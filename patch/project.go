// Package patch maps the persistent view of a performance setup (project
// ports with stable IDs, patches made of layers) onto engine handles.
package patch

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"patchhost/engine"
	"patchhost/midi"
	"patchhost/transport"
)

var ErrNoSuchPort = errors.New("no such project port")

// Side selects one half of a stereo port
type Side int

const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	if s == Right {
		return "right"
	}
	return "left"
}

// MidiPortState is the persisted form of a project MIDI port
type MidiPortState struct {
	ID      int          `json:"id"`
	Name    string       `json:"name"`
	Clients []string     `json:"clients,omitempty"`
	Filter  *midi.Filter `json:"filter,omitempty"` // input ports only
}

// StereoPortState is the persisted form of an audio input pair or a bus
type StereoPortState struct {
	ID           int      `json:"id"`
	Name         string   `json:"name"`
	LeftClients  []string `json:"leftClients,omitempty"`
	RightClients []string `json:"rightClients,omitempty"`
	// IgnoreMasterGain keeps a bus at unity when the master gain changes
	IgnoreMasterGain bool `json:"ignoreMasterGain,omitempty"`
}

// ProjectState holds every project port. It is what Rebuild recreates.
type ProjectState struct {
	MidiIn  []MidiPortState   `json:"midiIn"`
	MidiOut []MidiPortState   `json:"midiOut"`
	AudioIn []StereoPortState `json:"audioIn"`
	Buses   []StereoPortState `json:"buses"`
	// MasterGain scales every bus; nil means unity
	MasterGain *float32 `json:"masterGain,omitempty"`
}

type midiPort struct {
	state MidiPortState
	id    engine.MidiPortID
}

type stereoPort struct {
	state       StereoPortState
	left, right engine.AudioPortID
}

func (s *stereoPort) clients(side Side) *[]string {
	if side == Right {
		return &s.state.RightClients
	}
	return &s.state.LeftClients
}

func (s *stereoPort) port(side Side) engine.AudioPortID {
	if side == Right {
		return s.right
	}
	return s.left
}

// Project owns the engine's external ports and keeps them addressable by
// stable integer IDs.
type Project struct {
	e   *engine.Engine
	log *zap.Logger

	mu      sync.Mutex
	nextID  int
	master  float32
	midiIn  map[int]*midiPort
	midiOut map[int]*midiPort
	audioIn map[int]*stereoPort
	buses   map[int]*stereoPort
}

// NewProject creates the ports described by state. Ports that fail are
// reported and left out; everything else is created.
func NewProject(e *engine.Engine, state ProjectState, log *zap.Logger) (*Project, error) {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Project{e: e, log: log, master: 1}
	p.reset()
	return p, p.restore(state)
}

func (p *Project) reset() {
	p.midiIn = make(map[int]*midiPort)
	p.midiOut = make(map[int]*midiPort)
	p.audioIn = make(map[int]*stereoPort)
	p.buses = make(map[int]*stereoPort)
}

// restore recreates ports and their clients. Called with p.mu held or
// before p is shared.
func (p *Project) restore(state ProjectState) error {
	if state.MasterGain != nil {
		p.master = clampGain(*state.MasterGain)
	}
	var err error
	for _, s := range state.MidiIn {
		multierr.AppendInto(&err, p.restoreMidi(p.midiIn, s, transport.Input))
	}
	for _, s := range state.MidiOut {
		multierr.AppendInto(&err, p.restoreMidi(p.midiOut, s, transport.Output))
	}
	for _, s := range state.AudioIn {
		multierr.AppendInto(&err, p.restoreStereo(p.audioIn, s, transport.Input))
	}
	for _, s := range state.Buses {
		multierr.AppendInto(&err, p.restoreStereo(p.buses, s, transport.Output))
	}
	return err
}

func (p *Project) claim(id int) int {
	if id <= 0 {
		p.nextID++
		return p.nextID
	}
	p.nextID = max(p.nextID, id)
	return id
}

func (p *Project) restoreMidi(m map[int]*midiPort, s MidiPortState, dir transport.Direction) error {
	s.ID = p.claim(s.ID)
	id, err := p.e.AddMidiPort(s.Name, dir)
	if err != nil {
		return err
	}
	m[s.ID] = &midiPort{state: s, id: id}
	if s.Filter != nil && dir == transport.Input {
		multierr.AppendInto(&err, p.e.SetPortFilter(id, *s.Filter))
	}
	for _, c := range s.Clients {
		multierr.AppendInto(&err, p.e.AddPortClient(id, c))
	}
	return err
}

func (p *Project) restoreStereo(m map[int]*stereoPort, s StereoPortState, dir transport.Direction) error {
	s.ID = p.claim(s.ID)
	left, err := p.e.AddAudioPort(s.Name+"_l", dir)
	if err != nil {
		return err
	}
	right, err := p.e.AddAudioPort(s.Name+"_r", dir)
	if err != nil {
		return multierr.Append(err, p.e.RemoveAudioPort(left))
	}
	sp := &stereoPort{state: s, left: left, right: right}
	m[s.ID] = sp
	if dir == transport.Output {
		err = p.applyBusGain(sp)
	}
	for _, c := range s.LeftClients {
		multierr.AppendInto(&err, p.e.AddPortClient(left, c))
	}
	for _, c := range s.RightClients {
		multierr.AppendInto(&err, p.e.AddPortClient(right, c))
	}
	return err
}

// AddMidiInPort adds a MIDI input port and returns its project ID
func (p *Project) AddMidiInPort(name string) (int, error) {
	return p.addMidi(p.midiIn, name, transport.Input)
}

// AddMidiOutPort adds a MIDI output port and returns its project ID
func (p *Project) AddMidiOutPort(name string) (int, error) {
	return p.addMidi(p.midiOut, name, transport.Output)
}

func (p *Project) addMidi(m map[int]*midiPort, name string, dir transport.Direction) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := MidiPortState{Name: name}
	if err := p.restoreMidi(m, s, dir); err != nil {
		return 0, err
	}
	p.log.Info("midi port added", zap.String("name", name), zap.Int("id", p.nextID))
	return p.nextID, nil
}

// AddAudioInPort adds a stereo audio input and returns its project ID
func (p *Project) AddAudioInPort(name string) (int, error) {
	return p.addStereo(p.audioIn, name, transport.Input)
}

// AddBus adds a stereo output bus and returns its project ID
func (p *Project) AddBus(name string) (int, error) {
	return p.addStereo(p.buses, name, transport.Output)
}

// SetMasterGain sets the gain, clamped to [0, 1], of every bus that does
// not ignore it.
func (p *Project) SetMasterGain(gain float32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.master = clampGain(gain)
	var err error
	for _, sp := range p.buses {
		multierr.AppendInto(&err, p.applyBusGain(sp))
	}
	return err
}

func (p *Project) MasterGain() float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.master
}

// SetBusIgnoreMasterGain pins a bus at unity gain or puts it back under the
// master gain.
func (p *Project) SetBusIgnoreMasterGain(id int, ignore bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp, ok := p.buses[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchPort, id)
	}
	sp.state.IgnoreMasterGain = ignore
	return p.applyBusGain(sp)
}

func (p *Project) applyBusGain(sp *stereoPort) error {
	g := p.master
	if sp.state.IgnoreMasterGain {
		g = 1
	}
	return multierr.Append(p.e.SetAudioPortGain(sp.left, g), p.e.SetAudioPortGain(sp.right, g))
}

func clampGain(g float32) float32 {
	return min(max(g, 0), 1)
}

func (p *Project) addStereo(m map[int]*stereoPort, name string, dir transport.Direction) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.restoreStereo(m, StereoPortState{Name: name}, dir); err != nil {
		return 0, err
	}
	p.log.Info("audio port added", zap.String("name", name), zap.Int("id", p.nextID))
	return p.nextID, nil
}

// RemoveMidiInPort removes the port. Layers fed by it lose their routes.
func (p *Project) RemoveMidiInPort(id int) error { return p.removeMidi(p.midiIn, id) }

// RemoveMidiOutPort removes the port and every route to it
func (p *Project) RemoveMidiOutPort(id int) error { return p.removeMidi(p.midiOut, id) }

func (p *Project) removeMidi(m map[int]*midiPort, id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	mp, ok := m[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchPort, id)
	}
	delete(m, id)
	return p.e.RemoveMidiPort(mp.id)
}

// RemoveAudioInPort removes both halves of the input
func (p *Project) RemoveAudioInPort(id int) error { return p.removeStereo(p.audioIn, id) }

// RemoveBus removes both halves of the bus
func (p *Project) RemoveBus(id int) error { return p.removeStereo(p.buses, id) }

func (p *Project) removeStereo(m map[int]*stereoPort, id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp, ok := m[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchPort, id)
	}
	delete(m, id)
	return multierr.Append(p.e.RemoveAudioPort(sp.left), p.e.RemoveAudioPort(sp.right))
}

// AddMidiInClient connects an input port to an endpoint and remembers it
func (p *Project) AddMidiInClient(id int, endpoint string) error {
	return p.midiClient(p.midiIn, id, endpoint, true)
}

func (p *Project) RemoveMidiInClient(id int, endpoint string) error {
	return p.midiClient(p.midiIn, id, endpoint, false)
}

func (p *Project) AddMidiOutClient(id int, endpoint string) error {
	return p.midiClient(p.midiOut, id, endpoint, true)
}

func (p *Project) RemoveMidiOutClient(id int, endpoint string) error {
	return p.midiClient(p.midiOut, id, endpoint, false)
}

func (p *Project) midiClient(m map[int]*midiPort, id int, endpoint string, add bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	mp, ok := m[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchPort, id)
	}
	if !add {
		mp.state.Clients = slices.DeleteFunc(mp.state.Clients, func(c string) bool { return c == endpoint })
		return p.e.RemoveAndDisconnectPortClient(mp.id, endpoint)
	}
	if !slices.Contains(mp.state.Clients, endpoint) {
		mp.state.Clients = append(mp.state.Clients, endpoint)
	}
	return p.e.AddPortClient(mp.id, endpoint)
}

// AddAudioInClient connects one side of an audio input to an endpoint
func (p *Project) AddAudioInClient(id int, side Side, endpoint string) error {
	return p.stereoClient(p.audioIn, id, side, endpoint, true)
}

func (p *Project) RemoveAudioInClient(id int, side Side, endpoint string) error {
	return p.stereoClient(p.audioIn, id, side, endpoint, false)
}

// AddBusClient connects one side of a bus to an endpoint
func (p *Project) AddBusClient(id int, side Side, endpoint string) error {
	return p.stereoClient(p.buses, id, side, endpoint, true)
}

func (p *Project) RemoveBusClient(id int, side Side, endpoint string) error {
	return p.stereoClient(p.buses, id, side, endpoint, false)
}

func (p *Project) stereoClient(m map[int]*stereoPort, id int, side Side, endpoint string, add bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp, ok := m[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchPort, id)
	}
	clients := sp.clients(side)
	if !add {
		*clients = slices.DeleteFunc(*clients, func(c string) bool { return c == endpoint })
		return p.e.RemoveAndDisconnectPortClient(sp.port(side), endpoint)
	}
	if !slices.Contains(*clients, endpoint) {
		*clients = append(*clients, endpoint)
	}
	return p.e.AddPortClient(sp.port(side), endpoint)
}

// SetMidiInFilter sets the filter every event from the port passes first
func (p *Project) SetMidiInFilter(id int, f midi.Filter) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	mp, ok := p.midiIn[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchPort, id)
	}
	if err := p.e.SetPortFilter(mp.id, f); err != nil {
		return err
	}
	f = f.Clone()
	mp.state.Filter = &f
	return nil
}

// MidiIn returns the engine port behind a project MIDI input. Zero selects
// the input with the lowest ID.
func (p *Project) MidiIn(id int) (engine.MidiPortID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id == 0 {
		id = lowest(p.midiIn)
	}
	mp, ok := p.midiIn[id]
	if !ok {
		return engine.MidiPortID{}, false
	}
	return mp.id, true
}

// MidiOut returns the engine port behind a project MIDI output
func (p *Project) MidiOut(id int) (engine.MidiPortID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	mp, ok := p.midiOut[id]
	if !ok {
		return engine.MidiPortID{}, false
	}
	return mp.id, true
}

// AudioIn returns the engine ports behind a project audio input
func (p *Project) AudioIn(id int) (left, right engine.AudioPortID, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp, ok := p.audioIn[id]
	if !ok {
		return engine.AudioPortID{}, engine.AudioPortID{}, false
	}
	return sp.left, sp.right, true
}

// Bus returns the engine ports behind a bus. Zero selects the bus with the
// lowest ID.
func (p *Project) Bus(id int) (left, right engine.AudioPortID, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id == 0 {
		id = lowest(p.buses)
	}
	sp, ok := p.buses[id]
	if !ok {
		return engine.AudioPortID{}, engine.AudioPortID{}, false
	}
	return sp.left, sp.right, true
}

// MidiInFor maps an engine port back to its project input ID
func (p *Project) MidiInFor(id engine.MidiPortID) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for pid, mp := range p.midiIn {
		if mp.id == id {
			return pid, true
		}
	}
	return 0, false
}

func lowest[T any](m map[int]T) int {
	low := 0
	for id := range m {
		if low == 0 || id < low {
			low = id
		}
	}
	return low
}

// State returns the persisted form of every port, ordered by ID
func (p *Project) State() ProjectState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state()
}

func (p *Project) state() ProjectState {
	master := p.master
	return ProjectState{
		MidiIn:     midiStates(p.midiIn),
		MidiOut:    midiStates(p.midiOut),
		AudioIn:    stereoStates(p.audioIn),
		Buses:      stereoStates(p.buses),
		MasterGain: &master,
	}
}

func midiStates(m map[int]*midiPort) []MidiPortState {
	out := make([]MidiPortState, 0, len(m))
	for _, mp := range m {
		s := mp.state
		s.Clients = slices.Clone(s.Clients)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func stereoStates(m map[int]*stereoPort) []StereoPortState {
	out := make([]StereoPortState, 0, len(m))
	for _, sp := range m {
		s := sp.state
		s.LeftClients = slices.Clone(s.LeftClients)
		s.RightClients = slices.Clone(s.RightClients)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Rebuild removes every engine port and recreates the project from its
// persisted state with processing paused. Routes to the old ports are gone
// afterwards; Host.Rebuild reloads the patch on top.
func (p *Project) Rebuild() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.e.PauseProcessing(true)
	defer p.e.PauseProcessing(false)

	state := p.state()
	err := p.e.RemoveAllPorts()
	p.reset()
	multierr.AppendInto(&err, p.restore(state))
	p.log.Info("project rebuilt", zap.Int("midi_in", len(state.MidiIn)), zap.Int("buses", len(state.Buses)))
	return err
}

// ReconcileClients reconnects persisted clients the engine does not hold,
// typically after a device came back.
func (p *Project) ReconcileClients() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	reconnect := func(id engine.PortID, want []string) {
		have, perr := p.e.PortClients(id)
		if perr != nil {
			multierr.AppendInto(&err, perr)
			return
		}
		for _, c := range want {
			if !slices.Contains(have, c) {
				multierr.AppendInto(&err, p.e.AddPortClient(id, c))
			}
		}
	}
	for _, mp := range p.midiIn {
		reconnect(mp.id, mp.state.Clients)
	}
	for _, mp := range p.midiOut {
		reconnect(mp.id, mp.state.Clients)
	}
	for _, m := range []map[int]*stereoPort{p.audioIn, p.buses} {
		for _, sp := range m {
			reconnect(sp.left, sp.state.LeftClients)
			reconnect(sp.right, sp.state.RightClients)
		}
	}
	return err
}
