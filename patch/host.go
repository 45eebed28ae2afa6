package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"patchhost/engine"
	"patchhost/midi"
	"patchhost/synth"
)

var (
	ErrNoPatch      = errors.New("no patch loaded")
	ErrNoSuchLayer  = errors.New("no such layer")
	ErrUnknownLayer = errors.New("unknown layer kind")
)

// LayerKind selects what a layer plays through
type LayerKind int

const (
	SoundfontLayer LayerKind = iota
	MidiOutLayer
	AudioInLayer
)

func (k LayerKind) String() string {
	switch k {
	case SoundfontLayer:
		return "soundfont"
	case MidiOutLayer:
		return "midi-out"
	case AudioInLayer:
		return "audio-in"
	}
	return fmt.Sprintf("LayerKind(%d)", int(k))
}

// Layer is one sound source of a patch
type Layer struct {
	Kind    LayerKind     `json:"kind"`
	Program synth.Program `json:"program,omitzero"`
	// Port is the project MIDI output or audio input the layer uses
	Port int `json:"port,omitempty"`
	// MidiIn and Bus are project IDs; zero picks the lowest
	MidiIn   int          `json:"midiIn,omitempty"`
	Bus      int          `json:"bus,omitempty"`
	Filter   midi.Filter  `json:"filter"`
	Gain     float32      `json:"gain"`
	Mute     bool         `json:"mute"`
	Solo     bool         `json:"solo"`
	SendList []midi.Event `json:"sendList,omitempty"`
}

// UnmarshalJSON gives absent gain and filter the values Soundfont uses
func (l *Layer) UnmarshalJSON(data []byte) error {
	type plain Layer
	v := plain{Filter: midi.AllPass(), Gain: 1}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*l = Layer(v)
	return nil
}

// Patch is an ordered set of layers played together
type Patch struct {
	Name   string  `json:"name"`
	Note   string  `json:"note,omitempty"`
	Layers []Layer `json:"layers"`
}

// Soundfont returns a full-range soundfont layer at unity gain
func Soundfont(p synth.Program) Layer {
	return Layer{Kind: SoundfontLayer, Program: p, Filter: midi.AllPass(), Gain: 1}
}

// MidiOut returns a layer passing everything to a project MIDI output
func MidiOut(port int) Layer {
	return Layer{Kind: MidiOutLayer, Port: port, Filter: midi.AllPass(), Gain: 1}
}

// AudioIn returns a layer feeding a project audio input to a bus
func AudioIn(port int) Layer {
	return Layer{Kind: AudioInLayer, Port: port, Filter: midi.AllPass(), Gain: 1}
}

// SynthFactory creates the synth behind a soundfont layer
type SynthFactory func(synth.Program) (engine.Synth, error)

// FromLoader adapts a soundfont loader to a SynthFactory
func FromLoader(l *synth.Loader) SynthFactory {
	return func(p synth.Program) (engine.Synth, error) {
		return l.Create(p)
	}
}

type layerState struct {
	Layer
	plugin engine.PluginID
	midi   engine.MidiRouteID
	audio  [2]engine.AudioRouteID
	err    error
}

// LayerInfo describes a loaded layer
type LayerInfo struct {
	Layer
	Index  int
	Active bool
	Err    error
}

// Activity is one RX event expressed in project terms
type Activity struct {
	// MidiIn is the project input the event arrived on, 0 if unknown
	MidiIn int
	// Layer is the layer the event was routed to, -1 for the port itself
	Layer int
	Event midi.Event
	// Trigger is the action the event fired, if any
	Trigger Action
}

// Host plays patches on a project
type Host struct {
	e       *engine.Engine
	proj    *Project
	factory SynthFactory
	log     *zap.Logger

	mu     sync.Mutex
	patch  *Patch
	layers []*layerState

	patches    []Patch
	current    int
	triggers   map[triggerKey]Trigger
	progSwitch bool
}

func NewHost(e *engine.Engine, proj *Project, factory SynthFactory, log *zap.Logger) *Host {
	if log == nil {
		log = zap.NewNop()
	}
	return &Host{e: e, proj: proj, factory: factory, log: log, current: -1}
}

// Project returns the project the host plays on
func (h *Host) Project() *Project { return h.proj }

// LoadPatch replaces the current patch. Layers that cannot be built stay in
// the patch with their error; the rest play. The returned error aggregates
// every layer failure.
func (h *Host) LoadPatch(p Patch) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	err := h.unload()
	p.Layers = slices.Clone(p.Layers)
	h.patch = &p
	h.current = slices.IndexFunc(h.patches, func(q Patch) bool { return q.Name == p.Name })
	for i := range p.Layers {
		ls := &layerState{Layer: p.Layers[i]}
		ls.Filter = ls.Filter.Clone()
		if ls.err = h.build(i, ls); ls.err != nil {
			h.log.Warn("layer failed", zap.String("patch", p.Name), zap.Int("layer", i), zap.Error(ls.err))
			multierr.AppendInto(&err, fmt.Errorf("layer %d: %w", i, ls.err))
		}
		h.layers = append(h.layers, ls)
	}
	multierr.AppendInto(&err, h.activate())
	for i, ls := range h.layers {
		if ls.err != nil || len(ls.SendList) == 0 || !ls.midi.Valid() {
			continue
		}
		if serr := h.e.SendMidi(ls.midi, ls.SendList...); serr != nil {
			multierr.AppendInto(&err, fmt.Errorf("layer %d send list: %w", i, serr))
		}
	}
	h.log.Info("patch loaded", zap.String("name", p.Name), zap.Int("layers", len(h.layers)))
	return err
}

// build creates the plugin and routes of one layer. Routes start inactive.
// On error nothing of the layer is left in the engine.
func (h *Host) build(i int, ls *layerState) error {
	err := h.buildLayer(i, ls)
	if err != nil {
		multierr.AppendInto(&err, h.teardown(ls))
	}
	return err
}

func (h *Host) buildLayer(i int, ls *layerState) error {
	src, ok := h.proj.MidiIn(ls.MidiIn)
	if !ok && ls.Kind != AudioInLayer {
		return fmt.Errorf("%w: midi in %d", ErrNoSuchPort, ls.MidiIn)
	}

	switch ls.Kind {
	case SoundfontLayer:
		s, err := h.factory(ls.Program)
		if err != nil {
			return err
		}
		name := fmt.Sprintf("layer%d_%s", i, ls.Program.Name)
		ls.plugin, err = h.e.AddPlugin(name, s)
		if err != nil {
			return multierr.Append(err, s.Close())
		}
		if ls.midi, err = h.e.AddMidiRoute(src, engine.ToPlugin(ls.plugin), ls.Filter); err != nil {
			return err
		}
		left, right, err := h.e.PluginPorts(ls.plugin)
		if err != nil {
			return err
		}
		return h.routeToBus(ls, left, right)

	case MidiOutLayer:
		dst, ok := h.proj.MidiOut(ls.Port)
		if !ok {
			return fmt.Errorf("%w: midi out %d", ErrNoSuchPort, ls.Port)
		}
		var err error
		ls.midi, err = h.e.AddMidiRoute(src, engine.ToPort(dst), ls.Filter)
		return err

	case AudioInLayer:
		left, right, ok := h.proj.AudioIn(ls.Port)
		if !ok {
			return fmt.Errorf("%w: audio in %d", ErrNoSuchPort, ls.Port)
		}
		return h.routeToBus(ls, left, right)
	}
	return fmt.Errorf("%w: %v", ErrUnknownLayer, ls.Kind)
}

func (h *Host) routeToBus(ls *layerState, left, right engine.AudioPortID) error {
	busL, busR, ok := h.proj.Bus(ls.Bus)
	if !ok {
		return fmt.Errorf("%w: bus %d", ErrNoSuchPort, ls.Bus)
	}
	var err error
	for k, pair := range [2][2]engine.AudioPortID{{left, busL}, {right, busR}} {
		if ls.audio[k], err = h.e.AddAudioRoute(pair[0], pair[1]); err != nil {
			return err
		}
		if err = h.e.SetAudioRouteGain(ls.audio[k], ls.Gain); err != nil {
			return err
		}
	}
	return nil
}

// ActivatePatch applies mute and solo to route activity. With any layer
// soloed only soloed layers play; a muted layer never plays.
func (h *Host) ActivatePatch() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.activate()
}

func (h *Host) activate() error {
	var err error
	for _, ls := range h.layers {
		if ls.err != nil {
			continue
		}
		on := h.playing(ls)
		if ls.midi.Valid() {
			multierr.AppendInto(&err, h.e.SetMidiRouteActive(ls.midi, on))
		}
		for _, r := range ls.audio {
			if r.Valid() {
				multierr.AppendInto(&err, h.e.SetAudioRouteActive(r, on))
			}
		}
	}
	return err
}

func (h *Host) playing(ls *layerState) bool {
	if ls.Mute {
		return false
	}
	solo := slices.ContainsFunc(h.layers, func(o *layerState) bool { return o.err == nil && o.Solo })
	return !solo || ls.Solo
}

// UnloadPatch removes every plugin and route of the current patch
func (h *Host) UnloadPatch() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = -1
	return h.unload()
}

func (h *Host) unload() error {
	var err error
	for _, ls := range h.layers {
		multierr.AppendInto(&err, h.teardown(ls))
	}
	h.layers = nil
	h.patch = nil
	return err
}

// teardown ignores stale handles; removing a port takes its routes along
func (h *Host) teardown(ls *layerState) error {
	var err error
	drop := func(e error) {
		if !errors.Is(e, engine.ErrStaleHandle) {
			multierr.AppendInto(&err, e)
		}
	}
	if ls.plugin.Valid() {
		drop(h.e.RemovePlugin(ls.plugin))
	}
	if ls.midi.Valid() {
		drop(h.e.RemoveMidiRoute(ls.midi))
	}
	for _, r := range ls.audio {
		if r.Valid() {
			drop(h.e.RemoveAudioRoute(r))
		}
	}
	ls.plugin, ls.midi, ls.audio = engine.PluginID{}, engine.MidiRouteID{}, [2]engine.AudioRouteID{}
	return err
}

func (h *Host) layer(i int) (*layerState, error) {
	if h.patch == nil {
		return nil, ErrNoPatch
	}
	if i < 0 || i >= len(h.layers) {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchLayer, i)
	}
	return h.layers[i], nil
}

// SetLayerMute mutes or unmutes a layer and reapplies routing
func (h *Host) SetLayerMute(i int, mute bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	ls, err := h.layer(i)
	if err != nil {
		return err
	}
	ls.Mute = mute
	h.patch.Layers[i].Mute = mute
	return h.activate()
}

// SetLayerSolo solos or unsolos a layer and reapplies routing
func (h *Host) SetLayerSolo(i int, solo bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	ls, err := h.layer(i)
	if err != nil {
		return err
	}
	ls.Solo = solo
	h.patch.Layers[i].Solo = solo
	return h.activate()
}

// SetLayerGain sets the gain of the layer's audio routes
func (h *Host) SetLayerGain(i int, gain float32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	ls, err := h.layer(i)
	if err != nil {
		return err
	}
	ls.Gain = gain
	h.patch.Layers[i].Gain = gain
	for _, r := range ls.audio {
		if r.Valid() {
			multierr.AppendInto(&err, h.e.SetAudioRouteGain(r, gain))
		}
	}
	return err
}

// SetLayerFilter replaces the filter of the layer's MIDI route. Held notes
// are still released as they were started.
func (h *Host) SetLayerFilter(i int, f midi.Filter) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	ls, err := h.layer(i)
	if err != nil {
		return err
	}
	ls.Filter = f.Clone()
	h.patch.Layers[i].Filter = f.Clone()
	if !ls.midi.Valid() {
		return nil
	}
	return h.e.SetMidiRouteFilter(ls.midi, f)
}

// SetLayerBus moves the layer's audio to another bus
func (h *Host) SetLayerBus(i int, bus int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	ls, err := h.layer(i)
	if err != nil {
		return err
	}
	if ls.err != nil || !ls.audio[0].Valid() {
		return fmt.Errorf("layer %d has no audio", i)
	}
	if _, _, ok := h.proj.Bus(bus); !ok {
		return fmt.Errorf("%w: bus %d", ErrNoSuchPort, bus)
	}

	var src [2]engine.AudioPortID
	for k, r := range ls.audio {
		info, ierr := h.routeInfo(r)
		if ierr != nil {
			return ierr
		}
		src[k] = info.Source
		multierr.AppendInto(&err, h.e.RemoveAudioRoute(r))
	}
	ls.Bus = bus
	h.patch.Layers[i].Bus = bus
	if rerr := h.routeToBus(ls, src[0], src[1]); rerr != nil {
		ls.err = rerr
		return multierr.Append(err, rerr)
	}
	return multierr.Append(err, h.activate())
}

func (h *Host) routeInfo(id engine.AudioRouteID) (engine.AudioRouteInfo, error) {
	for _, info := range h.e.AudioRoutes() {
		if info.ID == id {
			return info, nil
		}
	}
	return engine.AudioRouteInfo{}, engine.ErrStaleHandle
}

// Patch returns a copy of the loaded patch with current layer settings
func (h *Host) Patch() (Patch, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.patch == nil {
		return Patch{}, false
	}
	p := *h.patch
	p.Layers = slices.Clone(p.Layers)
	return p, true
}

// Layers describes every layer of the loaded patch
func (h *Host) Layers() []LayerInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	infos := make([]LayerInfo, 0, len(h.layers))
	for i, ls := range h.layers {
		infos = append(infos, LayerInfo{
			Layer:  ls.Layer,
			Index:  i,
			Active: ls.err == nil && h.playing(ls),
			Err:    ls.err,
		})
	}
	return infos
}

// Rebuild recreates the project ports and reloads the patch on them
func (h *Host) Rebuild() error {
	h.mu.Lock()
	p := h.patch
	err := h.unload()
	h.mu.Unlock()

	multierr.AppendInto(&err, h.proj.Rebuild())
	if p != nil {
		multierr.AppendInto(&err, h.LoadPatch(*p))
	}
	return err
}

// ReconcileRx drains the engine's RX events and maps them to project inputs
// and layers. Events straight from an input also run program-change patch
// switching and triggers.
func (h *Host) ReconcileRx() []Activity {
	evs := h.e.MidiRxEvents()
	if len(evs) == 0 {
		return nil
	}

	h.mu.Lock()
	routes := make(map[engine.MidiRouteID]int, len(h.layers))
	for i, ls := range h.layers {
		if ls.midi.Valid() {
			routes[ls.midi] = i
		}
	}
	h.mu.Unlock()

	out := make([]Activity, 0, len(evs))
	for _, ev := range evs {
		a := Activity{Layer: -1, Event: ev.Event}
		a.MidiIn, _ = h.proj.MidiInFor(ev.Port)
		if ev.Route.Valid() {
			i, ok := routes[ev.Route]
			if !ok {
				continue
			}
			a.Layer = i
		} else {
			a.Trigger = h.react(ev.Event)
		}
		out = append(out, a)
	}
	return out
}
